package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/designboard/internal/auth"
	"github.com/hitoshi/designboard/internal/config"
	"github.com/hitoshi/designboard/internal/database"
	"github.com/hitoshi/designboard/internal/handler"
	"github.com/hitoshi/designboard/internal/logger"
	"github.com/hitoshi/designboard/internal/metrics"
	"github.com/hitoshi/designboard/internal/middleware"
	"github.com/hitoshi/designboard/internal/repository"
	"github.com/hitoshi/designboard/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定エラーもJSONで出力できるよう、先にデフォルトレベルで初期化する
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetupDefault(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("frontend_url", cfg.FrontendURL),
		slog.String("state_store", cfg.StateStore),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	states, memoryStates := newStateRepo(cfg, db)

	// stateをプロセス内に保持する場合は、期限切れの削除もこのプロセスで行う
	if memoryStates != nil {
		job := cleanup.NewStateCleanupJob(memoryStates, collector, slog.Default())
		scheduler, err := cleanup.NewScheduler(job, cfg.CleanupSchedule)
		if err != nil {
			return fmt.Errorf("failed to create cleanup scheduler: %w", err)
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	authService, err := newAuthService(cfg, repository.NewPostgresUserRepo(db), states, collector)
	if err != nil {
		return err
	}

	rateLimiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.AuthRateLimit))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             slog.Default(),
		Authenticator:      authService,
		RateLimiter:        rateLimiter,
		TrustedProxies:     cfg.TrustedProxyPrefixes(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		HSTS:               cfg.CookieSecure,
		HTTPMetrics:        collector,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			FrontendURL:  cfg.FrontendURL,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
			StateTTL:     cfg.OAuthStateTTL,
		},

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Any("providers", authService.Providers()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れOAuth stateのクリーンアップをCLEANUP_SCHEDULEに従って実行する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	job := cleanup.NewStateCleanupJob(
		repository.NewPostgresOAuthStateRepo(db),
		metrics.NopRecorder{},
		slog.Default(),
	)
	scheduler, err := cleanup.NewScheduler(job, cfg.CleanupSchedule)
	if err != nil {
		return fmt.Errorf("failed to create cleanup scheduler: %w", err)
	}

	slog.Info("worker starting",
		slog.String("cleanup_schedule", cfg.CleanupSchedule),
	)

	scheduler.Start(ctx)
	<-ctx.Done()

	slog.Info("shutting down worker...")
	scheduler.Stop()

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// newStateRepo はSTATE_STOREに応じたOAuth stateの保存先を返す。
// memoryの場合は2番目の戻り値にも同じリポジトリを返す。
func newStateRepo(cfg *config.Config, db *sql.DB) (repository.OAuthStateRepository, *repository.MemoryOAuthStateRepo) {
	if cfg.StateStore == config.StateStoreMemory {
		repo := repository.NewMemoryOAuthStateRepo()
		return repo, repo
	}
	return repository.NewPostgresOAuthStateRepo(db), nil
}

// newProviders は設定済みのIdPだけを登録したレジストリを返す。
func newProviders(cfg *config.Config) *auth.Registry {
	var providers []auth.Provider
	if cfg.GitHubEnabled() {
		providers = append(providers, auth.NewGitHubProvider(auth.GitHubConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
			Timeout:      cfg.ProviderTimeout,
		}))
	}
	if cfg.GoogleEnabled() {
		providers = append(providers, auth.NewGoogleProvider(auth.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Timeout:      cfg.ProviderTimeout,
		}))
	}
	return auth.NewRegistry(providers...)
}

// newAuthService は設定からトークンサービスと認証サービスを組み立てる。
func newAuthService(
	cfg *config.Config,
	users repository.UserRepository,
	states repository.OAuthStateRepository,
	recorder metrics.AuthRecorder,
) (*auth.Service, error) {
	tokens, err := auth.NewTokenService(auth.StaticKey(cfg.JWTSecret), auth.TokenConfig{TTL: cfg.JWTTTL})
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	return auth.NewService(newProviders(cfg), users, states, tokens, auth.ServiceConfig{
		StateTTL: cfg.OAuthStateTTL,
		Metrics:  recorder,
	}), nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解析できないURLは全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	u.RawQuery = ""
	return u.String()
}
