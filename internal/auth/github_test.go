package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/designboard/internal/model"
)

// fakeGitHub はGitHubのOAuthエンドポイントとREST APIを模したテスト用サーバー。
type fakeGitHub struct {
	t *testing.T

	wantCode     string
	wantVerifier string

	tokenStatus int
	tokenBody   string
	tokenType   string

	user        map[string]any
	userStatus  int
	emails      []map[string]any
	userDelay   time.Duration
	emailsCalls atomic.Int32
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			f.t.Errorf("failed to parse token request: %v", err)
		}
		if f.tokenBody != "" {
			w.Header().Set("Content-Type", f.tokenType)
			if f.tokenStatus != 0 {
				w.WriteHeader(f.tokenStatus)
			}
			w.Write([]byte(f.tokenBody))
			return
		}

		if got := r.PostForm.Get("code"); got != f.wantCode {
			f.t.Errorf("code = %q, want %q", got, f.wantCode)
		}
		if got := r.PostForm.Get("code_verifier"); got != f.wantVerifier {
			f.t.Errorf("code_verifier = %q, want %q", got, f.wantVerifier)
		}
		if got := r.PostForm.Get("client_id"); got != "gh-client" {
			f.t.Errorf("client_id = %q, want %q", got, "gh-client")
		}
		if got := r.PostForm.Get("client_secret"); got != "gh-secret" {
			f.t.Errorf("client_secret = %q, want %q", got, "gh-secret")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "gh-access-token",
			"token_type":   "bearer",
			"scope":        "read:user,user:email",
		})
	})

	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if f.userDelay > 0 {
			time.Sleep(f.userDelay)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gh-access-token" {
			f.t.Errorf("Authorization = %q", got)
		}
		if f.userStatus != 0 {
			w.WriteHeader(f.userStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.user)
	})

	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		f.emailsCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.emails)
	})

	return mux
}

func newGitHubForTest(t *testing.T, f *fakeGitHub, timeout time.Duration) *GitHubProvider {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	return NewGitHubProvider(GitHubConfig{
		ClientID:     "gh-client",
		ClientSecret: "gh-secret",
		RedirectURL:  "http://localhost:8080/auth/github/callback",
		Timeout:      timeout,
		AuthURL:      srv.URL + "/login/oauth/authorize",
		TokenURL:     srv.URL + "/login/oauth/access_token",
		APIBaseURL:   srv.URL,
	})
}

func TestGitHubProvider_BuildAuthorizationURL(t *testing.T) {
	p := NewGitHubProvider(GitHubConfig{
		ClientID:    "gh-client",
		RedirectURL: "http://localhost:8080/auth/github/callback",
	})

	raw := p.BuildAuthorizationURL("state-123", "verifier-abc")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse URL: %v", err)
	}
	if u.Scheme+"://"+u.Host+u.Path != "https://github.com/login/oauth/authorize" {
		t.Errorf("unexpected endpoint: %s", raw)
	}

	q := u.Query()
	want := map[string]string{
		"client_id":             "gh-client",
		"redirect_uri":          "http://localhost:8080/auth/github/callback",
		"state":                 "state-123",
		"response_type":         "code",
		"scope":                 "read:user user:email",
		"code_challenge_method": "S256",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge") == "verifier-abc" {
		t.Errorf("code_challenge must be derived from verifier, got %q", q.Get("code_challenge"))
	}
}

// 同じ入力に対して同じURLを返す
func TestGitHubProvider_BuildAuthorizationURL_Deterministic(t *testing.T) {
	p := NewGitHubProvider(GitHubConfig{ClientID: "gh-client", RedirectURL: "http://localhost/cb"})
	if p.BuildAuthorizationURL("s", "v") != p.BuildAuthorizationURL("s", "v") {
		t.Error("BuildAuthorizationURL should be deterministic")
	}
}

func TestGitHubProvider_ExchangeCode_Success(t *testing.T) {
	f := &fakeGitHub{
		t:            t,
		wantCode:     "good-code",
		wantVerifier: "verifier-abc",
		user: map[string]any{
			"id":         42,
			"login":      "octocat",
			"name":       "The Octocat",
			"email":      "octo@example.com",
			"avatar_url": "https://avatars.githubusercontent.com/u/42",
		},
	}
	p := newGitHubForTest(t, f, time.Second)

	profile, err := p.ExchangeCode(context.Background(), "good-code", "verifier-abc")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	want := model.ExternalProfile{
		Provider:    model.ProviderGitHub,
		ExternalID:  "42",
		Email:       "octo@example.com",
		DisplayName: "The Octocat",
		AvatarURL:   "https://avatars.githubusercontent.com/u/42",
	}
	if *profile != want {
		t.Errorf("profile = %+v, want %+v", *profile, want)
	}
	if f.emailsCalls.Load() != 0 {
		t.Errorf("/user/emails should not be called when public email exists")
	}
}

// 公開メールアドレスがない場合は検証済みのプライマリアドレスを使い、名前がなければloginを使う
func TestGitHubProvider_ExchangeCode_FallsBackToPrimaryEmailAndLogin(t *testing.T) {
	f := &fakeGitHub{
		t:            t,
		wantCode:     "good-code",
		wantVerifier: "v",
		user:         map[string]any{"id": 7, "login": "octocat", "name": nil, "email": nil},
		emails: []map[string]any{
			{"email": "secondary@example.com", "primary": false, "verified": true},
			{"email": "unverified@example.com", "primary": true, "verified": false},
			{"email": "primary@example.com", "primary": true, "verified": true},
		},
	}
	p := newGitHubForTest(t, f, time.Second)

	profile, err := p.ExchangeCode(context.Background(), "good-code", "v")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if profile.Email != "primary@example.com" {
		t.Errorf("Email = %q, want %q", profile.Email, "primary@example.com")
	}
	if profile.DisplayName != "octocat" {
		t.Errorf("DisplayName = %q, want %q", profile.DisplayName, "octocat")
	}
}

func TestGitHubProvider_ExchangeCode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		fake    *fakeGitHub
		timeout time.Duration
		wantErr error
	}{
		{
			name:    "GitHub独自のbad_verification_codeはInvalidGrant",
			fake:    &fakeGitHub{tokenBody: "error=bad_verification_code&error_description=expired", tokenType: "application/x-www-form-urlencoded"},
			wantErr: ErrInvalidGrant,
		},
		{
			name:    "invalid_grantはInvalidGrant",
			fake:    &fakeGitHub{tokenStatus: http.StatusBadRequest, tokenBody: `{"error":"invalid_grant"}`, tokenType: "application/json"},
			wantErr: ErrInvalidGrant,
		},
		{
			name:    "トークンエンドポイントの500はProviderError",
			fake:    &fakeGitHub{tokenStatus: http.StatusInternalServerError, tokenBody: "oops", tokenType: "text/plain"},
			wantErr: ErrProvider,
		},
		{
			name:    "ユーザー情報の401はProviderError",
			fake:    &fakeGitHub{wantCode: "c", wantVerifier: "v", userStatus: http.StatusUnauthorized},
			wantErr: ErrProvider,
		},
		{
			name:    "タイムアウトはProviderError",
			fake:    &fakeGitHub{wantCode: "c", wantVerifier: "v", userDelay: 300 * time.Millisecond, user: map[string]any{"id": 1}},
			timeout: 50 * time.Millisecond,
			wantErr: ErrProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.fake
			f.t = t
			timeout := tt.timeout
			if timeout == 0 {
				timeout = time.Second
			}
			p := newGitHubForTest(t, f, timeout)

			_, err := p.ExchangeCode(context.Background(), "c", "v")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ExchangeCode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
