// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Histogram）
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "udpfs"

// 报文方向标签
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// 会话结果标签
const (
	ResultCompleted = "completed"
	ResultDegraded  = "degraded"
	ResultFailed    = "failed"
)

// Metrics 协议指标集合, 所有方法允许 nil 接收者
type Metrics struct {
	// 报文
	PacketsTotal *prometheus.CounterVec
	Malformed    prometheus.Counter
	Duplicates   prometheus.Counter

	// 重传
	Retransmits    *prometheus.CounterVec
	RetryExhausted *prometheus.CounterVec
	RoundTrip      *prometheus.HistogramVec

	// 服务端
	Oversize      prometheus.Counter
	HandlerErrors prometheus.Counter

	// 客户端
	Conversations *prometheus.CounterVec
}

// NewMetrics 创建并注册指标
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Total protocol packets by direction and kind",
		}, []string{"direction", "kind"}),

		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_packets_total",
			Help:      "Datagrams dropped because they failed to decode",
		}),

		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_packets_total",
			Help:      "Replies discarded because their sequence number was already seen",
		}),

		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "retransmits_total",
			Help:      "Total retransmissions by packet kind",
		}, []string{"kind"}),

		RetryExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "retry_exhausted_total",
			Help:      "Steps abandoned after reaching the retry ceiling",
		}, []string{"kind"}),

		RoundTrip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "round_trip_seconds",
			Help:      "Time from first send to accepted reply",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 3, 6, 15, 35},
		}, []string{"kind"}),

		Oversize: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "oversize_responses_total",
			Help:      "Application responses replaced because they exceed the packet limit",
		}),

		HandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "handler_errors_total",
			Help:      "Application handler failures",
		}),

		Conversations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "conversations_total",
			Help:      "Client conversations by result",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.PacketsTotal,
		m.Malformed,
		m.Duplicates,
		m.Retransmits,
		m.RetryExhausted,
		m.RoundTrip,
		m.Oversize,
		m.HandlerErrors,
		m.Conversations,
	)

	return m
}

// RecordPacket 记录报文
func (m *Metrics) RecordPacket(direction, kind string) {
	if m == nil {
		return
	}
	m.PacketsTotal.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.Malformed.Inc()
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// RecordRetransmit 记录重传
func (m *Metrics) RecordRetransmit(kind string) {
	if m == nil {
		return
	}
	m.Retransmits.WithLabelValues(kind).Inc()
}

// RecordExhausted 记录重传耗尽
func (m *Metrics) RecordExhausted(kind string) {
	if m == nil {
		return
	}
	m.RetryExhausted.WithLabelValues(kind).Inc()
}

// ObserveRoundTrip 记录往返时间
func (m *Metrics) ObserveRoundTrip(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.RoundTrip.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) RecordOversize() {
	if m == nil {
		return
	}
	m.Oversize.Inc()
}

func (m *Metrics) RecordHandlerError() {
	if m == nil {
		return
	}
	m.HandlerErrors.Inc()
}

// RecordConversation 记录会话结果
func (m *Metrics) RecordConversation(result string) {
	if m == nil {
		return
	}
	m.Conversations.WithLabelValues(result).Inc()
}
