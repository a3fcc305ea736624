// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はIdPから受け取ったプロフィール情報を信頼できない入力として扱い、
// 画面に表示する前提の値へ正規化する。
package security

import (
	"html"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は表示名の最大文字数（rune数）。
const MaxDisplayNameLength = 255

// ProfileSanitizer はプロフィール表示項目のサニタイズを行う。
// bluemondayのポリシーは生成後はスレッドセーフに利用できる。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
// 表示名にはタグを一切許可しないStrictPolicyを使用する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// DisplayName はHTMLタグを除去し、前後の空白と制御文字を取り除いた表示名を返す。
// StrictPolicyはエスケープ済みの文字列を返すため、保存用にアンエスケープする。
// 出力時のエスケープはフロントエンドの責務とする。
func (s *ProfileSanitizer) DisplayName(raw string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(raw))

	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, stripped)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if utf8.RuneCountInString(cleaned) > MaxDisplayNameLength {
		cleaned = string([]rune(cleaned)[:MaxDisplayNameLength])
	}
	return cleaned
}

// AvatarURL はhttpsの絶対URLのみを許可する。
// それ以外（http, javascript:, data:, 相対URL等）は空文字列を返す。
func (s *ProfileSanitizer) AvatarURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "https" || u.Host == "" || u.User != nil {
		return ""
	}
	return u.String()
}
