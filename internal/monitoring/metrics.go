package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有指标注册在独立的 Registry 上，测试可以各自创建互不冲突的实例。
// 方法允许在 nil 接收者上调用，未启用监控的组件无需判空。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 发送流水线指标
	EmailsSent        prometheus.Counter
	EmailsReplied     prometheus.Counter
	EmailsFailed      *prometheus.CounterVec
	PipelineDuration  prometheus.Histogram
	PipelinesInFlight prometheus.Gauge

	// 调度周期指标
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	CycleBatchSize   prometheus.Gauge
	MailboxesSkipped *prometheus.CounterVec
	MailboxesEnabled prometheus.Gauge

	// 扩缩容指标
	ScalingDecisions  *prometheus.CounterVec
	ScalingErrors     prometheus.Counter
	CurrentWorkers    prometheus.Gauge
	WorkerUtilization prometheus.Gauge

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
//
// 参数:
//   - reg: 指标注册表，为 nil 时新建一个并附带 Go 运行时与进程指标
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailwarm_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		EmailsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailwarm_emails_sent_total",
				Help: "Total number of warm-up emails sent",
			},
		),

		EmailsReplied: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailwarm_emails_replied_total",
				Help: "Total number of automatic replies sent",
			},
		),

		EmailsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_emails_failed_total",
				Help: "Total number of failed pipeline steps",
			},
			[]string{"action"},
		),

		PipelineDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailwarm_pipeline_duration_seconds",
				Help:    "Send/reply pipeline duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
		),

		PipelinesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailwarm_pipelines_in_flight",
				Help: "Number of pipeline invocations currently running",
			},
		),

		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_cycles_total",
				Help: "Total number of scheduler cycles by result",
			},
			[]string{"trigger", "result"},
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailwarm_cycle_duration_seconds",
				Help:    "Scheduler cycle duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),

		CycleBatchSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailwarm_cycle_batch_size",
				Help: "Number of mailboxes dispatched in the last cycle",
			},
		),

		MailboxesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_mailboxes_skipped_total",
				Help: "Mailboxes excluded from a cycle by reason",
			},
			[]string{"reason"},
		),

		MailboxesEnabled: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailwarm_mailboxes_enabled",
				Help: "Number of mailboxes with warm-up enabled",
			},
		),

		ScalingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_scaling_decisions_total",
				Help: "Auto-scaler decisions by action",
			},
			[]string{"action"},
		),

		ScalingErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailwarm_scaling_errors_total",
				Help: "Failed orchestration commands",
			},
		),

		CurrentWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailwarm_workers_current",
				Help: "Current number of workers reported by the orchestration backend",
			},
		),

		WorkerUtilization: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailwarm_worker_utilization_percent",
				Help: "Mailbox load relative to worker capacity",
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailwarm_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSent 记录一次成功发送
func (m *Metrics) RecordSent() {
	if m == nil {
		return
	}
	m.EmailsSent.Inc()
}

// RecordReplied 记录一次自动回复
func (m *Metrics) RecordReplied() {
	if m == nil {
		return
	}
	m.EmailsReplied.Inc()
}

// RecordFailure 记录流水线某一步骤失败
func (m *Metrics) RecordFailure(action string) {
	if m == nil {
		return
	}
	m.EmailsFailed.WithLabelValues(action).Inc()
}

// PipelineStarted 流水线开始执行，返回结束时调用的回调
func (m *Metrics) PipelineStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.PipelinesInFlight.Inc()
	return func() {
		m.PipelinesInFlight.Dec()
		m.PipelineDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordCycle 记录一次调度周期
func (m *Metrics) RecordCycle(trigger, result string, batch int, duration time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(trigger, result).Inc()
	m.CycleDuration.Observe(duration.Seconds())
	m.CycleBatchSize.Set(float64(batch))
}

// RecordSkipped 记录被排除的邮箱
func (m *Metrics) RecordSkipped(reason string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.MailboxesSkipped.WithLabelValues(reason).Add(float64(count))
}

// UpdateMailboxesEnabled 更新启用预热的邮箱数
func (m *Metrics) UpdateMailboxesEnabled(count int) {
	if m == nil {
		return
	}
	m.MailboxesEnabled.Set(float64(count))
}

// RecordScaling 记录一次扩缩容决策
func (m *Metrics) RecordScaling(action string, workers int, utilization float64, failed bool) {
	if m == nil {
		return
	}
	m.ScalingDecisions.WithLabelValues(action).Inc()
	m.CurrentWorkers.Set(float64(workers))
	m.WorkerUtilization.Set(utilization)
	if failed {
		m.ScalingErrors.Inc()
	}
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
