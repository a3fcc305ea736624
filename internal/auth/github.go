package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/designboard/internal/model"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// GitHubConfig はGitHub OAuth Appの設定。
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL    string
	TokenURL   string
	APIBaseURL string
}

// GitHubProvider はGitHub OAuthによる認証を提供する。
type GitHubProvider struct {
	client     *oauthClient
	apiBaseURL string
}

// NewGitHubProvider はGitHubProviderを生成する。
func NewGitHubProvider(cfg GitHubConfig) *GitHubProvider {
	endpoint := endpoints.GitHub
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	apiBaseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultGitHubAPIBaseURL
	}

	return &GitHubProvider{
		client: newOAuthClient(&oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     endpoint,
		}, cfg.Timeout),
		apiBaseURL: apiBaseURL,
	}
}

// Name はプロバイダー識別子を返す。
func (p *GitHubProvider) Name() model.Provider {
	return model.ProviderGitHub
}

// BuildAuthorizationURL はGitHubの認可URLを生成する。
func (p *GitHubProvider) BuildAuthorizationURL(state, codeVerifier string) string {
	return p.client.authCodeURL(state, codeVerifier)
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// ExchangeCode は認可コードを交換し、GitHubのユーザー情報を取得する。
// 公開メールアドレスが未設定の場合は/user/emailsから検証済みのプライマリアドレスを使う。
func (p *GitHubProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*model.ExternalProfile, error) {
	ctx, cancel := p.client.withTimeout(ctx)
	defer cancel()

	httpClient, err := p.client.exchange(ctx, code, codeVerifier)
	if err != nil {
		return nil, err
	}

	var user githubUser
	if err := getJSON(ctx, httpClient, p.apiBaseURL+"/user", githubHeader(), &user); err != nil {
		return nil, err
	}

	email := user.Email
	if email == "" {
		email, err = p.fetchPrimaryEmail(ctx, httpClient)
		if err != nil {
			return nil, err
		}
	}

	name := user.Name
	if strings.TrimSpace(name) == "" {
		name = user.Login
	}

	var externalID string
	if user.ID > 0 {
		externalID = strconv.FormatInt(user.ID, 10)
	}

	return &model.ExternalProfile{
		Provider:    model.ProviderGitHub,
		ExternalID:  externalID,
		Email:       email,
		DisplayName: name,
		AvatarURL:   user.AvatarURL,
	}, nil
}

// fetchPrimaryEmail は検証済みのプライマリメールアドレスを返す。見つからない場合は空文字列。
func (p *GitHubProvider) fetchPrimaryEmail(ctx context.Context, httpClient *http.Client) (string, error) {
	var emails []githubEmail
	if err := getJSON(ctx, httpClient, p.apiBaseURL+"/user/emails", githubHeader(), &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}

func githubHeader() http.Header {
	return http.Header{
		"Accept":               {"application/vnd.github+json"},
		"X-Github-Api-Version": {"2022-11-28"},
	}
}

// compile-time interface check
var _ Provider = (*GitHubProvider)(nil)
