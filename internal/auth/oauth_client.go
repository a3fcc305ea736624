package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultProviderTimeout はIdPへのHTTP呼び出し1回の上限時間。
	DefaultProviderTimeout = 10 * time.Second

	maxProfileResponseSize = 1 << 20
)

// oauthClient はプロバイダー実装が共有するx/oauth2の薄いラッパー。
type oauthClient struct {
	config     *oauth2.Config
	httpClient *http.Client
	timeout    time.Duration
}

func newOAuthClient(config *oauth2.Config, timeout time.Duration) *oauthClient {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &oauthClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// authCodeURL はPKCE(S256)付きの認可URLを返す。
func (c *oauthClient) authCodeURL(state, codeVerifier string, opts ...oauth2.AuthCodeOption) string {
	opts = append(opts, oauth2.S256ChallengeOption(codeVerifier))
	return c.config.AuthCodeURL(state, opts...)
}

// exchange は認可コードをトークンに交換し、そのトークンで認証済みのHTTPクライアントを返す。
// 返すcontextはタイムアウト付きのため、後続のプロフィール取得にも同じcontextを使うこと。
func (c *oauthClient) exchange(ctx context.Context, code, codeVerifier string) (*http.Client, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, classifyExchangeError(err)
	}

	return c.config.Client(ctx, token), nil
}

// withTimeout はIdP呼び出し全体に上限時間を設定する。
func (c *oauthClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// classifyExchangeError はトークンエンドポイントのエラーをエラー種別に変換する。
// RFC 6749のinvalid_grantとGitHub独自のbad_verification_codeは認可コードの拒否として扱う。
func classifyExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "bad_verification_code":
			return fmt.Errorf("%w: token endpoint returned %s", ErrInvalidGrant, retrieveErr.ErrorCode)
		}
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return fmt.Errorf("%w: token endpoint returned status %d code %q", ErrProvider, status, retrieveErr.ErrorCode)
	}
	return fmt.Errorf("%w: token exchange failed: %w", ErrProvider, err)
}

// getJSON はGETリクエストを送り、2xx応答のJSONをoutにデコードする。
func getJSON(ctx context.Context, client *http.Client, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrProvider, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %w", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxProfileResponseSize))
		return fmt.Errorf("%w: %s returned status %d", ErrProvider, url, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to parse response: %w", ErrProvider, err)
	}
	return nil
}
