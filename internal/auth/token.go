package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// MinSigningKeyLength はHS256の署名鍵として受け付ける最小バイト数。
	MinSigningKeyLength = 32
	// DefaultTokenTTL はセッショントークンのデフォルト有効期間。
	DefaultTokenTTL = 24 * time.Hour
	// DefaultTokenIssuer はissクレームのデフォルト値。
	DefaultTokenIssuer = "designboard"
)

// KeySource は署名鍵を提供する。
// 鍵のローテーションを実装する場合もTokenServiceの呼び出し側は変更しない。
type KeySource interface {
	SigningKey() []byte
}

// StaticKey は起動時に設定から読み込んだ固定の署名鍵。
type StaticKey []byte

// SigningKey は署名鍵を返す。
func (k StaticKey) SigningKey() []byte {
	return k
}

// TokenConfig はセッショントークンの設定。
type TokenConfig struct {
	TTL    time.Duration
	Issuer string
}

// TokenService はHS256で署名したセッショントークンを発行・検証する。
// サーバー側に状態を持たず、有効期限前の失効はできない。
type TokenService struct {
	keys   KeySource
	ttl    time.Duration
	issuer string
}

// NewTokenService はTokenServiceを生成する。
func NewTokenService(keys KeySource, cfg TokenConfig) (*TokenService, error) {
	if keys == nil || len(keys.SigningKey()) < MinSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes", MinSigningKeyLength)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultTokenIssuer
	}
	return &TokenService{keys: keys, ttl: cfg.TTL, issuer: cfg.Issuer}, nil
}

// TTL はトークンの有効期間を返す。
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue はsub=userID、iat=now、exp=now+TTLのトークンを発行する。
// クレームは秒単位のため、expは秒未満を切り上げてnow+TTLより前にならないようにする。
// 同じ入力に対して同じトークンを返す。
func (s *TokenService) Issue(userID string, now time.Time) (string, error) {
	if userID == "" {
		return "", errors.New("user ID is required")
	}

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(ceilSecond(now.Add(s.ttl))),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.keys.SigningKey())
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ceilSecond は秒未満を切り上げる。
func ceilSecond(t time.Time) time.Time {
	truncated := t.Truncate(time.Second)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(time.Second)
}

// Verify はトークンを検証し、主体のユーザーIDを返す。
//
// 検証順序:
//  1. 最後の"."より前を署名対象として署名を再計算し、エンコード済み文字列を定数時間で比較する
//  2. ヘッダーとクレームをデコードする
//  3. 検証側の時刻nowがexpを過ぎていないか確認する
//
// いずれかで失敗した場合はトークンを拒否する。
func (s *TokenService) Verify(token string, now time.Time) (string, error) {
	key := s.keys.SigningKey()

	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", ErrMalformed
	}
	signingInput, signature := token[:i], token[i+1:]

	// デコード後のバイト列ではなく文字列で比較する。
	// base64末尾の未使用ビットだけを変えた改ざんも検出するため。
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingInput))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", ErrInvalidSignature
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if claims.Subject == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil || claims.Issuer != s.issuer {
		return "", ErrMalformed
	}

	if now.After(claims.ExpiresAt.Time) {
		return "", ErrExpired
	}

	return claims.Subject, nil
}
