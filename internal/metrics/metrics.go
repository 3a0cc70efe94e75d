// ============================================================================
// Beaver-Exec Metrics - 執行層監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 定義執行層的觀察者介面，並提供 Prometheus 實作
//
// 觀察者介面 Collector:
//   - RecordExecution: 一次執行嘗試開始
//   - RecordResult:    一次執行嘗試的結果狀態
//   - RecordLatency:   一次執行嘗試的耗時
//   - RecordRetries:   重試次數
//
//   核心以 fire-and-forget 方式呼叫 Collector：
//   收集器的 panic 會被 Safe 包裝捕捉並記錄，不會影響任務執行。
//
// Prometheus 指標:
//
//   1. 執行計數 (Counter)
//      - beaver_exec_executions_total{processor}
//      - beaver_exec_results_total{processor,status}
//      - beaver_exec_retries_total{processor}
//      - beaver_exec_idempotent_hits_total{processor}
//
//   2. 延遲 (Histogram)
//      - beaver_exec_execution_latency_seconds{processor}
//
//   3. 狀態 (Gauge)
//      - beaver_exec_breaker_state{name}  0=CLOSED 1=OPEN 2=HALF_OPEN
//      - beaver_exec_jobs{status}
//
// Prometheus 查詢示例:
//
//   # 各處理器失敗率
//   sum by (processor) (rate(beaver_exec_results_total{status="FAILED"}[5m]))
//     / sum by (processor) (rate(beaver_exec_executions_total[5m]))
//
//   # 95 分位延遲
//   histogram_quantile(0.95, sum by (le) (rate(beaver_exec_execution_latency_seconds_bucket[5m])))
//
//   # 目前開啟的熔斷器
//   beaver_exec_breaker_state == 1
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-exec/internal/breaker"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

const namespace = "beaver_exec"

// Collector 執行層觀察者
type Collector interface {
	RecordExecution(processor string)
	RecordResult(processor string, status types.TaskStatus)
	RecordLatency(processor string, d time.Duration)
	RecordRetries(processor string, retries int)
}

// Prometheus 以 Prometheus 指標實作 Collector
type Prometheus struct {
	executions     *prometheus.CounterVec
	results        *prometheus.CounterVec
	retries        *prometheus.CounterVec
	idempotentHits *prometheus.CounterVec
	latency        *prometheus.HistogramVec

	breakerState *prometheus.GaugeVec
	jobs         *prometheus.GaugeVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus 建立並註冊所有指標，reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of task execution attempts",
		}, []string{"processor"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Total number of task results by status",
		}, []string{"processor", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of task retries",
		}, []string{"processor"}),
		idempotentHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_hits_total",
			Help:      "Total number of executions answered from the idempotent cache",
		}, []string{"processor"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_latency_seconds",
			Help:      "Task execution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"processor"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=CLOSED, 1=OPEN, 2=HALF_OPEN)",
		}, []string{"name"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs by status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		p.executions,
		p.results,
		p.retries,
		p.idempotentHits,
		p.latency,
		p.breakerState,
		p.jobs,
	)
	return p
}

func (p *Prometheus) RecordExecution(processor string) {
	p.executions.WithLabelValues(processor).Inc()
}

func (p *Prometheus) RecordResult(processor string, status types.TaskStatus) {
	p.results.WithLabelValues(processor, string(status)).Inc()
}

func (p *Prometheus) RecordLatency(processor string, d time.Duration) {
	p.latency.WithLabelValues(processor).Observe(d.Seconds())
}

func (p *Prometheus) RecordRetries(processor string, retries int) {
	if retries <= 0 {
		return
	}
	p.retries.WithLabelValues(processor).Add(float64(retries))
}

// RecordIdempotentHit 記錄一次冪等快取命中
func (p *Prometheus) RecordIdempotentHit(processor string) {
	p.idempotentHits.WithLabelValues(processor).Inc()
}

// BreakerStateChanged 可直接作為 breaker.StateListener 使用
func (p *Prometheus) BreakerStateChanged(name string, _, to breaker.State) {
	p.breakerState.WithLabelValues(name).Set(float64(to))
}

// UpdateJobStats 以各狀態的任務數覆寫 jobs gauge
func (p *Prometheus) UpdateJobStats(counts map[types.JobStatus]int) {
	for _, s := range types.AllStatuses() {
		p.jobs.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Handler 以 gatherer 輸出指標的 HTTP handler，gatherer 為 nil 時使用預設
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewServer 建立在 addr 上提供 /metrics 的 HTTP 伺服器，由呼叫者負責啟動與關閉
func NewServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
