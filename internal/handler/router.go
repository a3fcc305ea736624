package handler

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hitoshi/designboard/internal/metrics"
	"github.com/hitoshi/designboard/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	Authenticator      middleware.Authenticator
	RateLimiter        *middleware.RateLimiter
	TrustedProxies     []netip.Prefix
	CORSAllowedOrigins []string
	HSTS               bool
	HTTPMetrics        metrics.HTTPRecorder

	// 認証
	AuthService AuthService
	AuthConfig  AuthHandlerConfig

	// 運用エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → TrustedRealIP → Logging → Recovery → Metrics → SecurityHeaders → CORS
//
// 転送ヘッダーはTrustedProxiesからの接続に限り信頼する。
// ログイン開始とコールバックにはクライアントIPごとのレート制限、
// /auth/meには認証ミドルウェアを追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpMetrics := deps.HTTPMetrics
	if httpMetrics == nil {
		httpMetrics = metrics.NopRecorder{}
	}

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.NewTrustedRealIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewMetricsMiddleware(httpMetrics))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/providers", authHandler.Providers)
		r.Post("/logout", authHandler.Logout)

		r.With(middleware.NewAuthMiddleware(deps.Authenticator)).Get("/me", authHandler.Me)

		// OAuthフロー
		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware())
			}
			r.Get("/{provider}/login", authHandler.Login)
			r.Get("/{provider}/callback", authHandler.Callback)
		})
	})

	if deps.HealthChecker != nil {
		r.Get("/health", HealthHandler(deps.HealthChecker))
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	return r
}
