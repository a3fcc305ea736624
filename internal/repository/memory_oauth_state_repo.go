package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/designboard/internal/model"
)

// MemoryOAuthStateRepo はプロセス内のmapでstateを保持するリポジトリ。
// 単一インスタンス構成や開発環境向け。プロセス再起動でstateは失われる。
type MemoryOAuthStateRepo struct {
	mu     sync.Mutex
	states map[string]model.OAuthState
}

// NewMemoryOAuthStateRepo はMemoryOAuthStateRepoを生成する。
func NewMemoryOAuthStateRepo() *MemoryOAuthStateRepo {
	return &MemoryOAuthStateRepo{states: make(map[string]model.OAuthState)}
}

// Create はstateを保存する。同じstateが既に存在する場合はエラーを返す。
func (r *MemoryOAuthStateRepo) Create(_ context.Context, state *model.OAuthState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.states[state.State]; exists {
		return fmt.Errorf("oauth state already exists")
	}
	r.states[state.State] = *state
	return nil
}

// Consume はstateを取り出して削除する。見つからない場合はnilを返す。
func (r *MemoryOAuthStateRepo) Consume(_ context.Context, state string) (*model.OAuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[state]
	if !ok {
		return nil, nil
	}
	delete(r.states, state)
	return &s, nil
}

// DeleteExpired は期限切れのstateを削除する。
func (r *MemoryOAuthStateRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for key, s := range r.states {
		if s.ExpiresAt.Before(now) {
			delete(r.states, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len は保持しているstateの件数を返す。
func (r *MemoryOAuthStateRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// compile-time interface check
var _ OAuthStateRepository = (*MemoryOAuthStateRepo)(nil)
