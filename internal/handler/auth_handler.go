// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/designboard/internal/auth"
	"github.com/hitoshi/designboard/internal/middleware"
	"github.com/hitoshi/designboard/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthService は認証ハンドラーが必要とするサービスインターフェース。
type AuthService interface {
	Providers() []model.Provider
	TokenTTL() time.Duration
	InitiateLogin(ctx context.Context, provider, returnTo string) (string, string, error)
	HandleCallback(ctx context.Context, provider, code, state string) (*auth.LoginResult, error)
	AbortLogin(ctx context.Context, provider, state string) error
	Logout(ctx context.Context, token string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	FrontendURL  string
	CookieDomain string
	CookieSecure bool
	StateTTL     time.Duration // oauth_state Cookieの有効期間
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthService
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthService, config AuthHandlerConfig) *AuthHandler {
	config.FrontendURL = strings.TrimRight(config.FrontendURL, "/")
	if config.StateTTL <= 0 {
		config.StateTTL = auth.DefaultStateTTL
	}
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// Providers は有効なログインプロバイダーの一覧を返す。
// GET /auth/providers
func (h *AuthHandler) Providers(w http.ResponseWriter, r *http.Request) {
	providers := h.service.Providers()
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.String()
	}
	middleware.WriteJSON(w, http.StatusOK, map[string][]string{"providers": names})
}

// Login はOAuthフローを開始する。
// GET /auth/{provider}/login?return_to=/path
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	authURL, state, err := h.service.InitiateLogin(r.Context(), provider, r.URL.Query().Get("return_to"))
	if err != nil {
		status, apiErr := loginErrorResponse(err, provider)
		if status >= http.StatusInternalServerError {
			slog.Error("failed to initiate login",
				slog.String("provider", provider),
				slog.String("error", err.Error()),
			)
		}
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	// stateをブラウザにも紐づけ、コールバックで照合する
	http.SetCookie(w, h.stateCookie(state, int(h.config.StateTTL.Seconds())))

	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// 成功・失敗のいずれもフロントエンドへリダイレクトし、失敗時は理由コードのみを渡す。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")

	// stateクッキーは結果にかかわらず削除する
	stateCookie, cookieErr := r.Cookie(oauthStateCookie)
	http.SetCookie(w, h.stateCookie("", -1))

	// 1. IdPがエラーを返した場合（ユーザーが同意を拒否した等）
	if providerErr := q.Get("error"); providerErr != "" {
		if err := h.service.AbortLogin(r.Context(), provider, state); err != nil {
			slog.Error("failed to discard oauth state", slog.String("error", err.Error()))
		}
		slog.Info("identity provider returned an error",
			slog.String("provider", provider),
			slog.String("provider_error", truncate(providerErr, 64)),
		)
		h.redirectError(w, r, callbackCodeAccessDenied)
		return
	}

	// 2. 必須パラメータの確認
	if state == "" || code == "" {
		if err := h.service.AbortLogin(r.Context(), provider, state); err != nil {
			slog.Error("failed to discard oauth state", slog.String("error", err.Error()))
		}
		slog.Warn("oauth callback missing parameters",
			slog.String("provider", provider),
			slog.Bool("has_state", state != ""),
			slog.Bool("has_code", code != ""),
		)
		h.redirectError(w, r, callbackCodeInvalidRequest)
		return
	}

	// 3. ブラウザに紐づけたstateとの照合
	if cookieErr != nil || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state rejected",
			slog.Bool("security", true),
			slog.String("provider", provider),
			slog.String("reason", "cookie_mismatch"),
		)
		h.redirectError(w, r, callbackCodeInvalidState)
		return
	}

	// 4. 認証処理
	result, err := h.service.HandleCallback(r.Context(), provider, code, state)
	if err != nil {
		callbackCode, status := callbackFailure(err)
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "oauth callback failed",
			slog.String("provider", provider),
			slog.String("code", callbackCode),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		h.redirectError(w, r, callbackCode)
		return
	}

	// 5. セッショントークンをHttpOnly Cookieで渡す
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    result.Token,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   int(h.service.TokenTTL().Seconds()),
		Expires:  result.ExpiresAt,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.config.FrontendURL+result.ReturnTo, http.StatusFound)
}

// Me は現在のログインユーザー情報を返す。認証ミドルウェアの後に配置する。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.UserFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthenticated(w)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, user)
}

// Logout はセッションCookieを削除する。
// トークンはステートレスのため、サーバー側で失効させるものはない。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), middleware.TokenFromRequest(r)); err != nil {
		slog.Error("failed to logout", slog.String("error", err.Error()))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *AuthHandler) stateCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/auth",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// redirectError はフロントエンドのエラーページへリダイレクトする。
func (h *AuthHandler) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	target := h.config.FrontendURL + "/auth/error?" + url.Values{"code": {code}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
