// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/designboard/internal/model"
)

// ErrEmailConflict は別のアイデンティティに登録済みのメールアドレスで
// 新規ユーザーを作成しようとした場合に返される。
var ErrEmailConflict = errors.New("email already registered to another identity")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByProviderIdentity はproviderと外部IDでユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderIdentity(ctx context.Context, provider model.Provider, externalID string) (*model.User, error)

	// Upsert は(provider, 外部ID)をキーにユーザーを作成または更新する。
	// 既存ユーザーの場合は名前とアバターのみ更新する。
	// 一意制約によって同時実行時も1行しか作成されない。
	Upsert(ctx context.Context, profile *model.ExternalProfile) (*model.User, error)
}

// OAuthStateRepository はOAuth stateの永続化インターフェース。
type OAuthStateRepository interface {
	// Create はstateを保存する。
	Create(ctx context.Context, state *model.OAuthState) error

	// Consume はstateを削除し、削除前の内容を返す。
	// 見つからない場合はnilを返す。同じstateを取得できるのは最初の1回のみ。
	Consume(ctx context.Context, state string) (*model.OAuthState, error)

	// DeleteExpired は指定時刻で期限切れのstateを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
