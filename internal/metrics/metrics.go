// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、配信、ワーカー、ミドルウェアから利用する。
type MetricsCollector interface {
	RecordMessageSent()
	RecordSendFailure(code string)
	ObserveStoreLatency(operation string, duration time.Duration)
	RecordDelivery(result string)
	SetPresenceConnections(count int)
	RecordRepair(appended, resynced int64)
	RecordHTTPStatus(statusCode int)
}

var _ MetricsCollector = (*Collector)(nil)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	messagesSent  prometheus.Counter
	sendFailures  *prometheus.CounterVec
	storeLatency  *prometheus.HistogramVec
	deliveries    *prometheus.CounterVec
	presence      prometheus.Gauge
	repairedLinks prometheus.Counter
	resyncedConvs prometheus.Counter
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatline_messages_sent_total",
			Help: "永続化に成功したメッセージの合計数",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatline_send_failures_total",
			Help: "エラーコード別の送信失敗数",
		}, []string{"code"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatline_store_latency_seconds",
			Help:    "ストア操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatline_deliveries_total",
			Help: "結果別のライブ配信数",
		}, []string{"result"}),
		presence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatline_presence_connections",
			Help: "このノードに接続中のユーザー数",
		}),
		repairedLinks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatline_repair_appended_total",
			Help: "修復ジョブが会話に追記したメッセージの合計数",
		}),
		resyncedConvs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatline_repair_resynced_total",
			Help: "修復ジョブがメッセージ数を補正した会話の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatline_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.messagesSent,
		c.sendFailures,
		c.storeLatency,
		c.deliveries,
		c.presence,
		c.repairedLinks,
		c.resyncedConvs,
		c.httpStatus,
	)

	return c
}

// RecordMessageSent はメッセージ送信の成功を記録する。
func (c *Collector) RecordMessageSent() {
	c.messagesSent.Inc()
}

// RecordSendFailure は送信失敗をエラーコード別に記録する。
func (c *Collector) RecordSendFailure(code string) {
	c.sendFailures.WithLabelValues(code).Inc()
}

// ObserveStoreLatency はストア操作のレイテンシを記録する。
func (c *Collector) ObserveStoreLatency(operation string, duration time.Duration) {
	c.storeLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDelivery はライブ配信の結果を記録する。
func (c *Collector) RecordDelivery(result string) {
	c.deliveries.WithLabelValues(result).Inc()
}

// SetPresenceConnections は接続中のユーザー数を設定する。
func (c *Collector) SetPresenceConnections(count int) {
	c.presence.Set(float64(count))
}

// RecordRepair は修復ジョブの結果を記録する。
func (c *Collector) RecordRepair(appended, resynced int64) {
	c.repairedLinks.Add(float64(appended))
	c.resyncedConvs.Add(float64(resynced))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// workerサブコマンドのように、APIルーターを持たないプロセスで使う。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
