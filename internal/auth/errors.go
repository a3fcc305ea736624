package auth

import "errors"

// 認証処理のエラー種別。呼び出し側はerrors.Isで判定する。
var (
	// ErrProvider はIdPへの到達不能、タイムアウト、非2xx応答、不正なペイロードを表す。
	ErrProvider = errors.New("identity provider error")
	// ErrInvalidGrant はIdPが認可コードを拒否したことを表す（期限切れ・使用済み）。
	ErrInvalidGrant = errors.New("authorization code rejected")
	// ErrInvalidState はstateが未発行・使用済み・期限切れ・別プロバイダー向けであることを表す。
	ErrInvalidState = errors.New("invalid oauth state")
	// ErrStore は永続化層の障害を表す。
	ErrStore = errors.New("store unavailable")
	// ErrEmailInUse は新規アイデンティティのメールアドレスが別ユーザーで登録済みであることを表す。
	ErrEmailInUse = errors.New("email already in use")
	// ErrUnknownProvider は未対応または無効化されたプロバイダーを表す。
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrExpired はセッショントークンの有効期限切れを表す。
	ErrExpired = errors.New("token expired")
	// ErrInvalidSignature はセッショントークンの署名不一致を表す。
	ErrInvalidSignature = errors.New("token signature invalid")
	// ErrMalformed はセッショントークンを解釈できないことを表す。
	ErrMalformed = errors.New("token malformed")

	// ErrUnauthenticated はトークン検証失敗全般を表す。
	// ErrExpired、ErrInvalidSignature、ErrMalformedと同時にラップされる。
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound はトークンの主体であるユーザーが存在しないことを表す。
	ErrNotFound = errors.New("user not found")
)

// failureReason はメトリクスやログに使う短い失敗理由を返す。
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case errors.Is(err, ErrEmailInUse):
		return "email_in_use"
	case errors.Is(err, ErrStore):
		return "store_error"
	case errors.Is(err, ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}
