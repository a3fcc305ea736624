package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/designboard/internal/model"
)

const defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// GoogleConfig はGoogle OAuthクライアントの設定。
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// GoogleProvider はGoogle OAuth 2.0による認証を提供する。
type GoogleProvider struct {
	client      *oauthClient
	userInfoURL string
}

// NewGoogleProvider はGoogleProviderを生成する。
func NewGoogleProvider(cfg GoogleConfig) *GoogleProvider {
	endpoint := endpoints.Google
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = defaultGoogleUserInfoURL
	}

	return &GoogleProvider{
		client: newOAuthClient(&oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     endpoint,
		}, cfg.Timeout),
		userInfoURL: userInfoURL,
	}
}

// Name はプロバイダー識別子を返す。
func (p *GoogleProvider) Name() model.Provider {
	return model.ProviderGoogle
}

// BuildAuthorizationURL はGoogleの認可URLを生成する。
// スコープにはopenid, email, profileを含む。
func (p *GoogleProvider) BuildAuthorizationURL(state, codeVerifier string) string {
	return p.client.authCodeURL(state, codeVerifier,
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// ExchangeCode は認可コードを交換し、Googleのユーザー情報を取得する。
// メールアドレスが未検証のアカウントは受け付けない。
func (p *GoogleProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*model.ExternalProfile, error) {
	ctx, cancel := p.client.withTimeout(ctx)
	defer cancel()

	httpClient, err := p.client.exchange(ctx, code, codeVerifier)
	if err != nil {
		return nil, err
	}

	var info googleUserInfo
	if err := getJSON(ctx, httpClient, p.userInfoURL, nil, &info); err != nil {
		return nil, err
	}

	if info.Email != "" && !info.EmailVerified {
		return nil, fmt.Errorf("%w: google account email is not verified", ErrProvider)
	}

	return &model.ExternalProfile{
		Provider:    model.ProviderGoogle,
		ExternalID:  info.Sub,
		Email:       info.Email,
		DisplayName: info.Name,
		AvatarURL:   info.Picture,
	}, nil
}

// compile-time interface check
var _ Provider = (*GoogleProvider)(nil)
