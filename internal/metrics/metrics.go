// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// ローダー・上流クライアント・Reconcilerが定義する各Recorder
// インターフェースをすべて満たす。
type Collector struct {
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	feedRefresh      *prometheus.CounterVec
	upstreamStatus   *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	postSubmissions  *prometheus.CounterVec
	pendingConfirmed prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forumedge_cache_hits_total",
			Help: "キャッシュヒットの合計数（層別）",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forumedge_cache_misses_total",
			Help: "キャッシュミスの合計数（層別）",
		}, []string{"tier"}),
		feedRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forumedge_feed_refresh_total",
			Help: "フィードリフレッシュの合計数（結果別）",
		}, []string{"result"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forumedge_upstream_status_total",
			Help: "上流APIのステータスコード別レスポンス数",
		}, []string{"endpoint", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forumedge_upstream_latency_seconds",
			Help:    "上流APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		postSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forumedge_post_submissions_total",
			Help: "投稿送信の合計数（結果別）",
		}, []string{"result"}),
		pendingConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forumedge_pending_confirmed_total",
			Help: "確定版で置き換えられた楽観的投稿の合計数",
		}),
	}

	reg.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.feedRefresh,
		c.upstreamStatus,
		c.upstreamLatency,
		c.postSubmissions,
		c.pendingConfirmed,
	)

	return c
}

// RecordCacheHit はキャッシュヒットを記録する。tierは"list"または"detail"。
func (c *Collector) RecordCacheHit(tier string) {
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss(tier string) {
	c.cacheMisses.WithLabelValues(tier).Inc()
}

// RecordFeedRefresh はフィードリフレッシュの結果を記録する。
func (c *Collector) RecordFeedRefresh(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.feedRefresh.WithLabelValues(result).Inc()
}

// RecordUpstreamRequest は上流APIリクエストの結果を記録する。
func (c *Collector) RecordUpstreamRequest(endpoint string, statusCode int, duration time.Duration) {
	c.upstreamStatus.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.upstreamLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordSubmission は投稿送信の結果を記録する。
func (c *Collector) RecordSubmission(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.postSubmissions.WithLabelValues(result).Inc()
}

// RecordPendingConfirmed は楽観的投稿が確定版で置き換えられたことを記録する。
func (c *Collector) RecordPendingConfirmed() {
	c.pendingConfirmed.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
