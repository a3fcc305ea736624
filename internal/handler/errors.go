package handler

import (
	"errors"
	"net/http"

	"github.com/hitoshi/designboard/internal/auth"
	"github.com/hitoshi/designboard/internal/model"
)

// コールバック失敗時にフロントエンドへ渡す理由コード
const (
	callbackCodeInvalidRequest = "invalid_request"
	callbackCodeAccessDenied   = "access_denied"
	callbackCodeInvalidState   = "invalid_state"
	callbackCodeInvalidGrant   = "invalid_grant"
	callbackCodeEmailInUse     = "email_in_use"
	callbackCodeProviderError  = "provider_error"
	callbackCodeServerError    = "server_error"
)

// callbackFailure はコールバック処理のエラーを理由コードとログ用ステータスに変換する。
func callbackFailure(err error) (string, int) {
	switch {
	case errors.Is(err, auth.ErrUnknownProvider):
		return callbackCodeInvalidRequest, http.StatusNotFound
	case errors.Is(err, auth.ErrInvalidState):
		return callbackCodeInvalidState, http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidGrant):
		return callbackCodeInvalidGrant, http.StatusUnauthorized
	case errors.Is(err, auth.ErrEmailInUse):
		return callbackCodeEmailInUse, http.StatusConflict
	case errors.Is(err, auth.ErrProvider):
		return callbackCodeProviderError, http.StatusBadGateway
	case errors.Is(err, auth.ErrStore):
		return callbackCodeServerError, http.StatusServiceUnavailable
	default:
		return callbackCodeServerError, http.StatusInternalServerError
	}
}

// loginErrorResponse はログイン開始の失敗をステータスと統一エラーボディに変換する。
func loginErrorResponse(err error, provider string) (int, *model.APIError) {
	switch {
	case errors.Is(err, auth.ErrUnknownProvider):
		return http.StatusNotFound, model.NewUnknownProviderError(provider)
	case errors.Is(err, auth.ErrStore):
		return http.StatusServiceUnavailable, model.NewServiceUnavailableError()
	default:
		return http.StatusInternalServerError, model.NewInternalError()
	}
}
