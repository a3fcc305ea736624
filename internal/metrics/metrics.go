// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AuthRecorder は認証処理のメトリクス記録インターフェース。
// 認証サービスから利用する。
type AuthRecorder interface {
	// RecordLogin はログイン試行の結果を記録する。resultは"success"または失敗理由。
	RecordLogin(provider, result string)
	// RecordProviderLatency はIdPとの認可コード交換にかかった時間を記録する。
	RecordProviderLatency(provider string, d time.Duration)
	// RecordTokenRejection はセッショントークンの拒否を理由別に記録する。
	RecordTokenRejection(reason string)
}

// HTTPRecorder はHTTPレスポンスのメトリクス記録インターフェース。
type HTTPRecorder interface {
	RecordHTTPStatus(statusCode int)
}

// CleanupRecorder は期限切れstate削除のメトリクス記録インターフェース。
type CleanupRecorder interface {
	RecordStatesDeleted(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	tokenRejections *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	statesDeleted   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "designboard_auth_login_total",
			Help: "プロバイダー・結果別のログイン試行数",
		}, []string{"provider", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "designboard_auth_provider_exchange_seconds",
			Help:    "IdPとの認可コード交換とプロフィール取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		tokenRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "designboard_auth_token_rejections_total",
			Help: "理由別のセッショントークン拒否数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "designboard_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		statesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "designboard_auth_expired_states_deleted_total",
			Help: "クリーンアップで削除された期限切れOAuth stateの合計数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.providerLatency,
		c.tokenRejections,
		c.httpStatus,
		c.statesDeleted,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(provider, result string) {
	c.logins.WithLabelValues(provider, result).Inc()
}

// RecordProviderLatency はIdP呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(provider string, d time.Duration) {
	c.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordTokenRejection はトークン拒否を記録する。
func (c *Collector) RecordTokenRejection(reason string) {
	c.tokenRejections.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordStatesDeleted は削除された期限切れstateの件数を記録する。
func (c *Collector) RecordStatesDeleted(count int64) {
	c.statesDeleted.Add(float64(count))
}

// NopRecorder は何も記録しない実装。メトリクスを無効にする場合やテストで使用する。
type NopRecorder struct{}

func (NopRecorder) RecordLogin(string, string)                  {}
func (NopRecorder) RecordProviderLatency(string, time.Duration) {}
func (NopRecorder) RecordTokenRejection(string)                 {}
func (NopRecorder) RecordHTTPStatus(int)                        {}
func (NopRecorder) RecordStatesDeleted(int64)                   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface checks
var (
	_ AuthRecorder    = (*Collector)(nil)
	_ HTTPRecorder    = (*Collector)(nil)
	_ CleanupRecorder = (*Collector)(nil)
	_ AuthRecorder    = NopRecorder{}
	_ HTTPRecorder    = NopRecorder{}
	_ CleanupRecorder = NopRecorder{}
)
