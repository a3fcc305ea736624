package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/designboard/internal/model"
	"github.com/hitoshi/designboard/internal/repository"
)

// fakeProvider はテスト用のProvider実装。
type fakeProvider struct {
	name           model.Provider
	exchangeFn     func(ctx context.Context, code, codeVerifier string) (*model.ExternalProfile, error)
	exchangeCalled atomic.Int32
}

func (p *fakeProvider) Name() model.Provider { return p.name }

func (p *fakeProvider) BuildAuthorizationURL(state, codeVerifier string) string {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*model.ExternalProfile, error) {
	p.exchangeCalled.Add(1)
	return p.exchangeFn(ctx, code, codeVerifier)
}

func profileFor(provider model.Provider, id, email, name string) func(context.Context, string, string) (*model.ExternalProfile, error) {
	return func(ctx context.Context, code, codeVerifier string) (*model.ExternalProfile, error) {
		return &model.ExternalProfile{Provider: provider, ExternalID: id, Email: email, DisplayName: name}, nil
	}
}

// fakeUserRepo はPostgreSQLの一意制約を模したインメモリのUserRepository。
type fakeUserRepo struct {
	mu        sync.Mutex
	users     map[string]*model.User
	findErr   error
	upsertErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User)}
}

func (r *fakeUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	if u, ok := r.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, nil
}

func (r *fakeUserRepo) FindByProviderIdentity(ctx context.Context, provider model.Provider, externalID string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Provider == provider && u.ProviderUserID == externalID {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) Upsert(ctx context.Context, p *model.ExternalProfile) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return nil, r.upsertErr
	}

	now := time.Now()
	for _, u := range r.users {
		if u.Provider == p.Provider && u.ProviderUserID == p.ExternalID {
			u.Name = p.DisplayName
			u.AvatarURL = p.AvatarURL
			u.UpdatedAt = now
			copied := *u
			return &copied, nil
		}
	}
	for _, u := range r.users {
		if u.Email == p.Email {
			return nil, repository.ErrEmailConflict
		}
	}

	u := &model.User{
		ID:             uuid.New().String(),
		Email:          p.Email,
		Name:           p.DisplayName,
		AvatarURL:      p.AvatarURL,
		Provider:       p.Provider,
		ProviderUserID: p.ExternalID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.users[u.ID] = u
	copied := *u
	return &copied, nil
}

func (r *fakeUserRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// failingStateRepo は常にエラーを返すOAuthStateRepository。
type failingStateRepo struct{}

func (failingStateRepo) Create(ctx context.Context, s *model.OAuthState) error {
	return errors.New("connection refused")
}

func (failingStateRepo) Consume(ctx context.Context, state string) (*model.OAuthState, error) {
	return nil, errors.New("connection refused")
}

func (failingStateRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

// recordingMetrics は記録されたログイン結果を保持する。
type recordingMetrics struct {
	mu         sync.Mutex
	logins     []string
	rejections []string
}

func (m *recordingMetrics) RecordLogin(provider, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins = append(m.logins, provider+":"+result)
}

func (m *recordingMetrics) RecordProviderLatency(provider string, d time.Duration) {}

func (m *recordingMetrics) RecordTokenRejection(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, reason)
}

type serviceFixture struct {
	svc     *Service
	github  *fakeProvider
	users   *fakeUserRepo
	states  *repository.MemoryOAuthStateRepo
	tokens  *TokenService
	metrics *recordingMetrics
	now     *time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &serviceFixture{
		github: &fakeProvider{
			name:       model.ProviderGitHub,
			exchangeFn: profileFor(model.ProviderGitHub, "42", "a@x.com", "A"),
		},
		users:   newFakeUserRepo(),
		states:  repository.NewMemoryOAuthStateRepo(),
		tokens:  newTestTokenService(t, time.Hour),
		metrics: &recordingMetrics{},
		now:     &now,
	}
	f.svc = NewService(NewRegistry(f.github), f.users, f.states, f.tokens, ServiceConfig{
		Metrics: f.metrics,
		Now:     func() time.Time { return *f.now },
	})
	return f
}

// stateFromURL は認可URLからstateを取り出す。
func stateFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse URL: %v", err)
	}
	return u.Query().Get("state")
}

func TestService_InitiateLogin(t *testing.T) {
	f := newServiceFixture(t)

	authURL, state, err := f.svc.InitiateLogin(context.Background(), "github", "/boards/1")
	if err != nil {
		t.Fatalf("InitiateLogin() error = %v", err)
	}
	if state == "" {
		t.Fatal("state should not be empty")
	}
	if stateFromURL(t, authURL) != state {
		t.Errorf("authorization URL should carry the issued state")
	}
	if f.states.Len() != 1 {
		t.Errorf("stored states = %d, want 1", f.states.Len())
	}

	_, state2, err := f.svc.InitiateLogin(context.Background(), "github", "")
	if err != nil {
		t.Fatalf("InitiateLogin() error = %v", err)
	}
	if state == state2 {
		t.Error("each login attempt should get a fresh state")
	}
}

func TestService_InitiateLogin_UnknownProvider(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.InitiateLogin(context.Background(), "gitlab", "")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("error = %v, want ErrUnknownProvider", err)
	}
	if f.states.Len() != 0 {
		t.Error("no state should be stored for an unknown provider")
	}
}

func TestService_InitiateLogin_StoreFailure(t *testing.T) {
	f := newServiceFixture(t)
	svc := NewService(NewRegistry(f.github), f.users, failingStateRepo{}, f.tokens, ServiceConfig{})

	_, _, err := svc.InitiateLogin(context.Background(), "github", "")
	if !errors.Is(err, ErrStore) {
		t.Errorf("error = %v, want ErrStore", err)
	}
}

func TestService_HandleCallback_Success(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, state, err := f.svc.InitiateLogin(ctx, "github", "/boards/1")
	if err != nil {
		t.Fatalf("InitiateLogin() error = %v", err)
	}

	result, err := f.svc.HandleCallback(ctx, "github", "code-1", state)
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	if result.User.Email != "a@x.com" || result.User.Name != "A" {
		t.Errorf("unexpected user: %+v", result.User)
	}
	if result.ReturnTo != "/boards/1" {
		t.Errorf("ReturnTo = %q, want /boards/1", result.ReturnTo)
	}
	if !result.ExpiresAt.Equal(f.now.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", result.ExpiresAt, f.now.Add(time.Hour))
	}

	user, err := f.svc.CurrentUser(ctx, result.Token)
	if err != nil {
		t.Fatalf("CurrentUser() error = %v", err)
	}
	if user.ID != result.User.ID {
		t.Errorf("CurrentUser().ID = %q, want %q", user.ID, result.User.ID)
	}
	if f.states.Len() != 0 {
		t.Error("state should be consumed")
	}
	if got := f.metrics.logins; len(got) != 1 || got[0] != "github:success" {
		t.Errorf("recorded logins = %v", got)
	}
}

// 同じ外部アイデンティティの2回目のログインは同じユーザーに解決される
func TestService_HandleCallback_ReturningUser(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	login := func(name string) *LoginResult {
		f.github.exchangeFn = profileFor(model.ProviderGitHub, "42", "a@x.com", name)
		_, state, err := f.svc.InitiateLogin(ctx, "github", "")
		if err != nil {
			t.Fatalf("InitiateLogin() error = %v", err)
		}
		result, err := f.svc.HandleCallback(ctx, "github", "code", state)
		if err != nil {
			t.Fatalf("HandleCallback() error = %v", err)
		}
		return result
	}

	first := login("A")
	second := login("A renamed")

	if first.User.ID != second.User.ID {
		t.Errorf("user IDs differ: %q vs %q", first.User.ID, second.User.ID)
	}
	if second.User.Name != "A renamed" {
		t.Errorf("Name = %q, want updated name", second.User.Name)
	}
	if f.users.count() != 1 {
		t.Errorf("users = %d, want 1", f.users.count())
	}
}

func TestService_HandleCallback_InvalidState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *serviceFixture) (provider, state string)
	}{
		{
			name: "未発行のstate",
			setup: func(t *testing.T, f *serviceFixture) (string, string) {
				return "github", "never-issued"
			},
		},
		{
			name: "空のstate",
			setup: func(t *testing.T, f *serviceFixture) (string, string) {
				return "github", ""
			},
		},
		{
			name: "使用済みのstate",
			setup: func(t *testing.T, f *serviceFixture) (string, string) {
				_, state, _ := f.svc.InitiateLogin(context.Background(), "github", "")
				if _, err := f.svc.HandleCallback(context.Background(), "github", "code", state); err != nil {
					t.Fatalf("first HandleCallback() error = %v", err)
				}
				f.github.exchangeCalled.Store(0)
				return "github", state
			},
		},
		{
			name: "期限切れのstate",
			setup: func(t *testing.T, f *serviceFixture) (string, string) {
				_, state, _ := f.svc.InitiateLogin(context.Background(), "github", "")
				*f.now = f.now.Add(DefaultStateTTL + time.Second)
				return "github", state
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			provider, state := tt.setup(t, f)
			usersBefore := f.users.count()

			result, err := f.svc.HandleCallback(context.Background(), provider, "code", state)
			if !errors.Is(err, ErrInvalidState) {
				t.Fatalf("error = %v, want ErrInvalidState", err)
			}
			if result != nil {
				t.Error("no result should be returned")
			}
			if f.github.exchangeCalled.Load() != 0 {
				t.Error("code exchange must not happen when state is rejected")
			}
			if f.users.count() != usersBefore {
				t.Error("no user should be created when state is rejected")
			}
		})
	}
}

// 別プロバイダー向けに発行されたstateは拒否される
func TestService_HandleCallback_ProviderMismatch(t *testing.T) {
	f := newServiceFixture(t)
	google := &fakeProvider{name: model.ProviderGoogle, exchangeFn: profileFor(model.ProviderGoogle, "g-1", "g@x.com", "G")}
	svc := NewService(NewRegistry(f.github, google), f.users, f.states, f.tokens, ServiceConfig{})

	_, state, err := svc.InitiateLogin(context.Background(), "github", "")
	if err != nil {
		t.Fatalf("InitiateLogin() error = %v", err)
	}

	_, err = svc.HandleCallback(context.Background(), "google", "code", state)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("error = %v, want ErrInvalidState", err)
	}
	if google.exchangeCalled.Load() != 0 {
		t.Error("code exchange must not happen")
	}

	// 拒否されたstateは消費済みのため、正しいプロバイダーでも使えない
	_, err = svc.HandleCallback(context.Background(), "github", "code", state)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("error = %v, want ErrInvalidState", err)
	}
}

// 同じstateで同時にコールバックされても成功するのは1つだけ
func TestService_HandleCallback_ConcurrentSameState(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.github.exchangeFn = func(ctx context.Context, code, verifier string) (*model.ExternalProfile, error) {
		<-release
		return &model.ExternalProfile{Provider: model.ProviderGitHub, ExternalID: "42", Email: "a@x.com", DisplayName: "A"}, nil
	}

	_, state, err := f.svc.InitiateLogin(ctx, "github", "")
	if err != nil {
		t.Fatalf("InitiateLogin() error = %v", err)
	}

	const callers = 5
	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int32
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.HandleCallback(ctx, "github", "code", state)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInvalidState):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	// 勝者以外は交換前にstateで拒否されるので、拒否が揃ってから交換を進める
	deadline := time.Now().Add(5 * time.Second)
	for rejected.Load() < callers-1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Errorf("succeeded = %d, want 1", succeeded.Load())
	}
	if rejected.Load() != callers-1 {
		t.Errorf("rejected = %d, want %d", rejected.Load(), callers-1)
	}
	if f.github.exchangeCalled.Load() != 1 {
		t.Errorf("exchange called %d times, want 1", f.github.exchangeCalled.Load())
	}
}

func TestService_HandleCallback_ExchangeErrors(t *testing.T) {
	tests := []struct {
		name       string
		exchangeFn func(context.Context, string, string) (*model.ExternalProfile, error)
		wantErr    error
		wantMetric string
	}{
		{
			name: "認可コードの拒否",
			exchangeFn: func(context.Context, string, string) (*model.ExternalProfile, error) {
				return nil, fmt.Errorf("%w: token endpoint returned invalid_grant", ErrInvalidGrant)
			},
			wantErr:    ErrInvalidGrant,
			wantMetric: "github:invalid_grant",
		},
		{
			name: "IdPの障害",
			exchangeFn: func(context.Context, string, string) (*model.ExternalProfile, error) {
				return nil, fmt.Errorf("%w: status 503", ErrProvider)
			},
			wantErr:    ErrProvider,
			wantMetric: "github:provider_error",
		},
		{
			name:       "メールアドレスなし",
			exchangeFn: profileFor(model.ProviderGitHub, "42", "", "A"),
			wantErr:    ErrProvider,
			wantMetric: "github:provider_error",
		},
		{
			name:       "外部IDなし",
			exchangeFn: profileFor(model.ProviderGitHub, "", "a@x.com", "A"),
			wantErr:    ErrProvider,
			wantMetric: "github:provider_error",
		},
		{
			name:       "表示名付きのメールアドレス",
			exchangeFn: profileFor(model.ProviderGitHub, "42", "Evil <a@x.com>", "A"),
			wantErr:    ErrProvider,
			wantMetric: "github:provider_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			f.github.exchangeFn = tt.exchangeFn

			_, state, err := f.svc.InitiateLogin(context.Background(), "github", "")
			if err != nil {
				t.Fatalf("InitiateLogin() error = %v", err)
			}

			result, err := f.svc.HandleCallback(context.Background(), "github", "code", state)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if result != nil {
				t.Error("no token should be issued")
			}
			if f.users.count() != 0 {
				t.Error("no user should be created")
			}
			if got := f.metrics.logins; len(got) != 1 || got[0] != tt.wantMetric {
				t.Errorf("recorded logins = %v, want [%s]", got, tt.wantMetric)
			}
		})
	}
}

func TestService_HandleCallback_MissingCode(t *testing.T) {
	f := newServiceFixture(t)

	_, state, _ := f.svc.InitiateLogin(context.Background(), "github", "")
	_, err := f.svc.HandleCallback(context.Background(), "github", "", state)
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want ErrInvalidGrant", err)
	}
	if f.github.exchangeCalled.Load() != 0 {
		t.Error("exchange should not be attempted without a code")
	}
}

func TestService_HandleCallback_EmailInUse(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	google := &fakeProvider{name: model.ProviderGoogle, exchangeFn: profileFor(model.ProviderGoogle, "g-1", "A@X.com", "A")}
	svc := NewService(NewRegistry(f.github, google), f.users, f.states, f.tokens, ServiceConfig{})

	_, state, _ := svc.InitiateLogin(ctx, "github", "")
	if _, err := svc.HandleCallback(ctx, "github", "code", state); err != nil {
		t.Fatalf("github login error = %v", err)
	}

	_, state, _ = svc.InitiateLogin(ctx, "google", "")
	_, err := svc.HandleCallback(ctx, "google", "code", state)
	if !errors.Is(err, ErrEmailInUse) {
		t.Errorf("error = %v, want ErrEmailInUse", err)
	}
	if f.users.count() != 1 {
		t.Errorf("users = %d, want 1", f.users.count())
	}
}

func TestService_HandleCallback_StoreFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.users.upsertErr = errors.New("connection reset")

	_, state, _ := f.svc.InitiateLogin(context.Background(), "github", "")
	result, err := f.svc.HandleCallback(context.Background(), "github", "code", state)
	if !errors.Is(err, ErrStore) {
		t.Errorf("error = %v, want ErrStore", err)
	}
	if result != nil {
		t.Error("no token should be issued when the store fails")
	}
}

func TestService_HandleCallback_UnknownProvider(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.HandleCallback(context.Background(), "gitlab", "code", "state")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("error = %v, want ErrUnknownProvider", err)
	}
}

// 同じアイデンティティの初回ログインが同時に走っても作成されるユーザーは1人
func TestService_HandleCallback_ConcurrentFirstLogin(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	states := make([]string, 2)
	for i := range states {
		_, state, err := f.svc.InitiateLogin(ctx, "github", "")
		if err != nil {
			t.Fatalf("InitiateLogin() error = %v", err)
		}
		states[i] = state
	}

	results := make([]*LoginResult, len(states))
	var wg sync.WaitGroup
	for i, state := range states {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.HandleCallback(ctx, "github", "code", state)
			if err != nil {
				t.Errorf("HandleCallback() error = %v", err)
				return
			}
			results[i] = result
		}()
	}
	wg.Wait()

	if f.users.count() != 1 {
		t.Fatalf("users = %d, want 1", f.users.count())
	}
	for _, r := range results {
		if r == nil {
			t.Fatal("missing result")
		}
		user, err := f.svc.CurrentUser(ctx, r.Token)
		if err != nil {
			t.Fatalf("CurrentUser() error = %v", err)
		}
		if user.ID != results[0].User.ID {
			t.Errorf("tokens resolve to different users")
		}
	}
}

func TestService_AbortLogin(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, state, _ := f.svc.InitiateLogin(ctx, "github", "")
	if err := f.svc.AbortLogin(ctx, "github", state); err != nil {
		t.Fatalf("AbortLogin() error = %v", err)
	}
	if f.states.Len() != 0 {
		t.Error("state should be discarded")
	}

	_, err := f.svc.HandleCallback(ctx, "github", "code", state)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("error = %v, want ErrInvalidState", err)
	}

	if err := f.svc.AbortLogin(ctx, "github", ""); err != nil {
		t.Errorf("AbortLogin() with empty state error = %v", err)
	}
}

func TestService_AbortLogin_RecordsOnlyIssuedStates(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, state, _ := f.svc.InitiateLogin(ctx, "github", "")
	if err := f.svc.AbortLogin(ctx, "github", state); err != nil {
		t.Fatalf("AbortLogin() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := f.svc.AbortLogin(ctx, fmt.Sprintf("evil%d", i), "never-issued"); err != nil {
			t.Fatalf("AbortLogin() error = %v", err)
		}
	}

	if got := f.metrics.logins; len(got) != 1 || got[0] != "github:aborted" {
		t.Errorf("logins = %v, want [github:aborted]", got)
	}
}

func TestService_MetricsLabelUnknownProviders(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// 未登録のstateで別プロバイダーを指定しても、ラベルは登録済みの値に限られる
	_, state, _ := f.svc.InitiateLogin(ctx, "github", "")
	if err := f.svc.AbortLogin(ctx, "evil", state); err != nil {
		t.Fatalf("AbortLogin() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		_, _ = f.svc.HandleCallback(ctx, fmt.Sprintf("evil%d", i), "code", "state")
	}

	want := []string{"unknown:aborted"}
	for i := 0; i < 5; i++ {
		want = append(want, "unknown:unknown_provider")
	}
	got := f.metrics.logins
	if len(got) != len(want) {
		t.Fatalf("logins = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("logins[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestService_CurrentUser_Errors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, state, _ := f.svc.InitiateLogin(ctx, "github", "")
	result, err := f.svc.HandleCallback(ctx, "github", "code", state)
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	t.Run("期限切れ", func(t *testing.T) {
		saved := *f.now
		defer func() { *f.now = saved }()
		*f.now = f.now.Add(time.Hour + time.Second)

		_, err := f.svc.CurrentUser(ctx, result.Token)
		if !errors.Is(err, ErrUnauthenticated) || !errors.Is(err, ErrExpired) {
			t.Errorf("error = %v, want ErrUnauthenticated and ErrExpired", err)
		}
	})

	t.Run("改ざん", func(t *testing.T) {
		tampered := result.Token[:len(result.Token)-1] + "A"
		if tampered == result.Token {
			tampered = result.Token[:len(result.Token)-1] + "B"
		}
		_, err := f.svc.CurrentUser(ctx, tampered)
		if !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("error = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("不正な形式", func(t *testing.T) {
		_, err := f.svc.CurrentUser(ctx, "not-a-token")
		if !errors.Is(err, ErrUnauthenticated) || !errors.Is(err, ErrMalformed) {
			t.Errorf("error = %v, want ErrUnauthenticated and ErrMalformed", err)
		}
	})

	t.Run("存在しないユーザー", func(t *testing.T) {
		token, _ := f.tokens.Issue(uuid.New().String(), *f.now)
		_, err := f.svc.CurrentUser(ctx, token)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ストア障害", func(t *testing.T) {
		f.users.mu.Lock()
		f.users.findErr = errors.New("connection refused")
		f.users.mu.Unlock()
		defer func() {
			f.users.mu.Lock()
			f.users.findErr = nil
			f.users.mu.Unlock()
		}()

		_, err := f.svc.CurrentUser(ctx, result.Token)
		if !errors.Is(err, ErrStore) {
			t.Errorf("error = %v, want ErrStore", err)
		}
		if errors.Is(err, ErrUnauthenticated) {
			t.Error("store failure must not be reported as unauthenticated")
		}
	})
}

func TestService_Logout(t *testing.T) {
	f := newServiceFixture(t)

	if err := f.svc.Logout(context.Background(), ""); err != nil {
		t.Errorf("Logout() error = %v", err)
	}
	if err := f.svc.Logout(context.Background(), "garbage"); err != nil {
		t.Errorf("Logout() error = %v", err)
	}
}

func TestSanitizeReturnTo(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/boards/1?tab=members#top", "/boards/1?tab=members#top"},
		{"boards/1", "/"},
		{"//evil.example.com", "/"},
		{"/\\evil.example.com", "/"},
		{"https://evil.example.com/", "/"},
		{"javascript:alert(1)", "/"},
		{"/" + strings.Repeat("a", 2000), "/"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := SanitizeReturnTo(tt.raw); got != tt.want {
				t.Errorf("SanitizeReturnTo(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	gh := &fakeProvider{name: model.ProviderGitHub}
	g := &fakeProvider{name: model.ProviderGoogle}
	r := NewRegistry(gh, nil, g)

	names := r.Names()
	if len(names) != 2 || names[0] != model.ProviderGitHub || names[1] != model.ProviderGoogle {
		t.Errorf("Names() = %v", names)
	}
	if p, ok := r.Get("google"); !ok || p != g {
		t.Error("Get(google) should return the registered provider")
	}
	if _, ok := r.Get("gitlab"); ok {
		t.Error("Get(gitlab) should not be found")
	}
}
