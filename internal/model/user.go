// Package model はドメインモデルを定義する。
package model

import "time"

// Provider は外部IdPの識別子を表す。
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGoogle Provider = "google"
)

// String はプロバイダー名を返す。
func (p Provider) String() string {
	return string(p)
}

// User はサービス利用ユーザーを表す。
// 1ユーザーは1つの外部アイデンティティ（provider, provider_user_id）に紐づく。
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	AvatarURL      string    `json:"avatar_url"`
	Provider       Provider  `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ExternalProfile はIdPのユーザー情報エンドポイントから取得したプロフィール。
// 正規化済みの値のみがUserStoreに渡される。
type ExternalProfile struct {
	Provider    Provider
	ExternalID  string
	Email       string
	DisplayName string
	AvatarURL   string
}

// OAuthState はログイン開始からコールバックまでを対応付ける使い捨てのstate。
type OAuthState struct {
	State        string
	Provider     Provider
	CodeVerifier string
	ReturnTo     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired は指定時刻でstateが有効期限切れかどうかを返す。
func (s *OAuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
