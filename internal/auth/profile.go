package auth

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/hitoshi/designboard/internal/model"
	"github.com/hitoshi/designboard/internal/security"
)

// normalizeProfile はIdPから受け取ったプロフィールを検証・正規化する。
// 外部IDまたはメールアドレスが欠けたプロフィールはErrProviderとして拒否する。
func normalizeProfile(sanitizer *security.ProfileSanitizer, p *model.ExternalProfile) (*model.ExternalProfile, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: empty profile", ErrProvider)
	}

	externalID := strings.TrimSpace(p.ExternalID)
	if externalID == "" {
		return nil, fmt.Errorf("%w: profile has no external id", ErrProvider)
	}

	email, err := normalizeEmail(p.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	name := sanitizer.DisplayName(p.DisplayName)
	if name == "" {
		name = email[:strings.IndexByte(email, '@')]
	}

	return &model.ExternalProfile{
		Provider:    p.Provider,
		ExternalID:  externalID,
		Email:       email,
		DisplayName: name,
		AvatarURL:   sanitizer.AvatarURL(p.AvatarURL),
	}, nil
}

// normalizeEmail は素のアドレス形式（表示名なし）のみを受け付け、小文字化して返す。
func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("profile has no email")
	}

	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw || addr.Name != "" {
		return "", fmt.Errorf("profile email is not a plain address")
	}

	return strings.ToLower(addr.Address), nil
}
