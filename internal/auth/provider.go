package auth

import (
	"context"

	"github.com/hitoshi/designboard/internal/model"
)

// Provider はOAuth 2.0認可コードフローを話す1つのIdPを表す。
// GitHubとGoogleはこのインターフェースの実装であり、
// 新しいIdPを追加する場合も実装を1つ増やすだけでよい。
type Provider interface {
	// Name はプロバイダー識別子を返す。
	Name() model.Provider

	// BuildAuthorizationURL は設定済みのclient_id、スコープ、redirect_uriと
	// 呼び出し側から渡されたstateから認可URLを組み立てる。副作用はない。
	// codeVerifierからS256のcode_challengeを導出して付与する。
	BuildAuthorizationURL(state, codeVerifier string) string

	// ExchangeCode は認可コードをアクセストークンに交換し、プロフィールを取得する。
	// 通信失敗・非2xx・不正なペイロードはErrProvider、
	// 認可コードの拒否はErrInvalidGrantをラップして返す。
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*model.ExternalProfile, error)
}

// Registry は有効なプロバイダーを識別子で引けるようにまとめたもの。
// 生成後は読み取り専用のため並行アクセスに安全。
type Registry struct {
	providers map[model.Provider]Provider
	order     []model.Provider
}

// NewRegistry はRegistryを生成する。nilは無視し、同じ識別子は後勝ちとする。
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[model.Provider]Provider)}
	for _, p := range providers {
		if p == nil {
			continue
		}
		if _, exists := r.providers[p.Name()]; !exists {
			r.order = append(r.order, p.Name())
		}
		r.providers[p.Name()] = p
	}
	return r
}

// Get は識別子に対応するプロバイダーを返す。
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[model.Provider(name)]
	return p, ok
}

// Names は登録順のプロバイダー識別子を返す。
func (r *Registry) Names() []model.Provider {
	names := make([]model.Provider, len(r.order))
	copy(names, r.order)
	return names
}
