// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/designboard/internal/auth"
	"github.com/hitoshi/designboard/internal/model"
)

// SessionCookieName はセッショントークンを格納するCookie名。
const SessionCookieName = "session_token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストに認証済みユーザーを格納するためのキー。
var userContextKey = contextKey("user")

// Authenticator はセッショントークンからユーザーを解決するインターフェース。
// auth.Serviceの部分集合として定義する。
type Authenticator interface {
	CurrentUser(ctx context.Context, token string) (*model.User, error)
}

// NewAuthMiddleware はセッショントークンを検証し、認証済みユーザーを
// リクエストコンテキストに注入するミドルウェアを返す。
// トークンはAuthorization: Bearerヘッダー、session_token Cookieの順に探す。
// トークンの不正・期限切れ・ユーザー消失はいずれも同じ401を返し、
// データストア障害のみ503を返す。
func NewAuthMiddleware(authenticator Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				WriteUnauthenticated(w)
				return
			}

			user, err := authenticator.CurrentUser(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrStore) {
					slog.Error("failed to resolve session user",
						slog.String("error", err.Error()),
					)
					WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewServiceUnavailableError())
					return
				}
				slog.Debug("session token rejected", slog.String("error", err.Error()))
				WriteUnauthenticated(w)
				return
			}

			setLoggedUserID(r.Context(), user.ID)
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// TokenFromRequest はリクエストからセッショントークンを取り出す。見つからない場合は空文字列。
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserFromContext(ctx context.Context) (*model.User, error) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	if !ok || user == nil {
		return nil, fmt.Errorf("user not found in context")
	}
	return user, nil
}

// ContextWithUser はコンテキストにユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}
