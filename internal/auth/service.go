// Package auth はOAuthログイン、セッショントークンの発行と検証を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/designboard/internal/metrics"
	"github.com/hitoshi/designboard/internal/model"
	"github.com/hitoshi/designboard/internal/repository"
	"github.com/hitoshi/designboard/internal/security"
)

const (
	// DefaultStateTTL はOAuth stateの有効期間。
	DefaultStateTTL = 10 * time.Minute

	stateBytes           = 32
	maxReturnToLength    = 1024
	unknownProviderLabel = "unknown"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	StateTTL time.Duration

	// 省略時はNopRecorder、NewProfileSanitizer、time.Nowを使う
	Metrics   metrics.AuthRecorder
	Sanitizer *security.ProfileSanitizer
	Now       func() time.Time
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *model.User
	ReturnTo  string
}

// Service は認証に関するビジネスロジックを提供する。
// 1回のログイン処理の間だけ状態を扱い、サービス自体は長期間の状態を持たない。
type Service struct {
	providers *Registry
	users     repository.UserRepository
	states    repository.OAuthStateRepository
	tokens    *TokenService

	stateTTL  time.Duration
	metrics   metrics.AuthRecorder
	sanitizer *security.ProfileSanitizer
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	providers *Registry,
	users repository.UserRepository,
	states repository.OAuthStateRepository,
	tokens *TokenService,
	config ServiceConfig,
) *Service {
	s := &Service{
		providers: providers,
		users:     users,
		states:    states,
		tokens:    tokens,
		stateTTL:  config.StateTTL,
		metrics:   config.Metrics,
		sanitizer: config.Sanitizer,
		now:       config.Now,
	}
	if s.stateTTL <= 0 {
		s.stateTTL = DefaultStateTTL
	}
	if s.metrics == nil {
		s.metrics = metrics.NopRecorder{}
	}
	if s.sanitizer == nil {
		s.sanitizer = security.NewProfileSanitizer()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Providers は有効なプロバイダー識別子を返す。
func (s *Service) Providers() []model.Provider {
	return s.providers.Names()
}

// TokenTTL はセッショントークンの有効期間を返す。
func (s *Service) TokenTTL() time.Duration {
	return s.tokens.TTL()
}

// InitiateLogin はOAuth stateを発行・保存し、IdPの認可URLとstateを返す。
// returnToはログイン完了後の遷移先で、同一オリジン内の相対パスのみ保持する。
func (s *Service) InitiateLogin(ctx context.Context, provider, returnTo string) (string, string, error) {
	p, ok := s.providers.Get(provider)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	state, err := generateState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate oauth state: %w", err)
	}

	now := s.now()
	oauthState := &model.OAuthState{
		State:        state,
		Provider:     p.Name(),
		CodeVerifier: oauth2.GenerateVerifier(),
		ReturnTo:     SanitizeReturnTo(returnTo),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.stateTTL),
	}

	if err := s.states.Create(ctx, oauthState); err != nil {
		return "", "", fmt.Errorf("%w: failed to save oauth state: %w", ErrStore, err)
	}

	return p.BuildAuthorizationURL(state, oauthState.CodeVerifier), state, nil
}

// HandleCallback はIdPからのコールバックを処理し、セッショントークンを発行する。
//
// 処理順序:
//
//	stateの消費と検証 → 認可コードの交換 → プロフィールの正規化 → ユーザーのUpsert → トークン発行
//
// stateは認可コードの交換より前に消費するため、同じstateによる重複コールバックで
// トークンが2回発行されることはない。途中で失敗した場合、後続の段階は実行しない。
func (s *Service) HandleCallback(ctx context.Context, provider, code, presentedState string) (*LoginResult, error) {
	result, err := s.handleCallback(ctx, provider, code, presentedState)

	outcome := "success"
	if err != nil {
		outcome = failureReason(err)
	}
	s.metrics.RecordLogin(s.providerLabel(provider), outcome)

	return result, err
}

// providerLabel はメトリクスのラベルに使うプロバイダー名を返す。
// 未登録の値はパスから任意に指定できるため、すべてunknownにまとめる。
func (s *Service) providerLabel(provider string) string {
	if p, ok := s.providers.Get(provider); ok {
		return p.Name().String()
	}
	return unknownProviderLabel
}

func (s *Service) handleCallback(ctx context.Context, provider, code, presentedState string) (*LoginResult, error) {
	p, ok := s.providers.Get(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	// 1. stateの消費と検証
	state, err := s.consumeState(ctx, p.Name(), presentedState)
	if err != nil {
		return nil, err
	}

	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrInvalidGrant)
	}

	// 2. 認可コードの交換とプロフィール取得
	start := s.now()
	raw, err := p.ExchangeCode(ctx, code, state.CodeVerifier)
	s.metrics.RecordProviderLatency(p.Name().String(), s.now().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	profile, err := normalizeProfile(s.sanitizer, raw)
	if err != nil {
		return nil, err
	}

	// 3. ユーザーのUpsert
	user, err := s.users.Upsert(ctx, profile)
	if err != nil {
		if errors.Is(err, repository.ErrEmailConflict) {
			slog.Warn("login rejected: email already registered with another identity",
				slog.String("provider", provider),
			)
			return nil, fmt.Errorf("%w: %w", ErrEmailInUse, err)
		}
		return nil, fmt.Errorf("%w: failed to upsert user: %w", ErrStore, err)
	}

	// 4. セッショントークンの発行
	now := s.now()
	token, err := s.tokens.Issue(user.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("provider", provider),
		slog.Bool("new_user", user.CreatedAt.Equal(user.UpdatedAt)),
	)

	return &LoginResult{
		Token:     token,
		ExpiresAt: now.Add(s.tokens.TTL()),
		User:      user,
		ReturnTo:  state.ReturnTo,
	}, nil
}

// AbortLogin はIdPがエラーを返した場合などに、未使用のstateを破棄する。
// stateが存在しない場合も成功として扱う。
func (s *Service) AbortLogin(ctx context.Context, provider, presentedState string) error {
	if presentedState == "" {
		return nil
	}
	state, err := s.states.Consume(ctx, presentedState)
	if err != nil {
		return fmt.Errorf("%w: failed to discard oauth state: %w", ErrStore, err)
	}
	if state != nil {
		s.metrics.RecordLogin(s.providerLabel(provider), "aborted")
	}
	return nil
}

// CurrentUser はトークンを検証し、主体のユーザーを返す。
// 検証失敗時はErrUnauthenticated、ユーザーが存在しない場合はErrNotFoundを返す。
func (s *Service) CurrentUser(ctx context.Context, token string) (*model.User, error) {
	userID, err := s.tokens.Verify(token, s.now())
	if err != nil {
		s.metrics.RecordTokenRejection(failureReason(err))
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find user: %w", ErrStore, err)
	}
	if user == nil {
		s.metrics.RecordTokenRejection(failureReason(ErrNotFound))
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}

	return user, nil
}

// Logout はログアウトを記録する。
// トークンはサーバー側に保存していないため失効させることはできず、
// クライアントが資格情報を破棄することでログアウトが完了する。
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if userID, err := s.tokens.Verify(token, s.now()); err == nil {
		slog.Info("user logged out", slog.String("user_id", userID))
	}
	return nil
}

// consumeState はstateを消費し、プロバイダーと有効期限を検証する。
// 検証に失敗したstateも消費済みとなり、再利用はできない。
func (s *Service) consumeState(ctx context.Context, provider model.Provider, presented string) (*model.OAuthState, error) {
	if presented == "" {
		return nil, s.rejectState(provider, "missing")
	}

	state, err := s.states.Consume(ctx, presented)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to consume oauth state: %w", ErrStore, err)
	}
	if state == nil {
		return nil, s.rejectState(provider, "unknown_or_reused")
	}
	if state.Provider != provider {
		return nil, s.rejectState(provider, "provider_mismatch")
	}
	if state.Expired(s.now()) {
		return nil, s.rejectState(provider, "expired")
	}

	return state, nil
}

// rejectState はCSRFやリプレイの可能性があるためセキュリティイベントとして記録する。
func (s *Service) rejectState(provider model.Provider, reason string) error {
	slog.Warn("oauth state rejected",
		slog.Bool("security", true),
		slog.String("provider", string(provider)),
		slog.String("reason", reason),
	)
	return fmt.Errorf("%w: %s", ErrInvalidState, reason)
}

// SanitizeReturnTo はログイン後の遷移先として安全な相対パスを返す。
// "/"で始まらないもの、"//"や"\"を含むもの、スキームやホストを持つものは"/"に置き換える。
func SanitizeReturnTo(raw string) string {
	if raw == "" || len(raw) > maxReturnToLength {
		return "/"
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return "/"
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	return raw
}

// generateState は暗号的に安全なstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
