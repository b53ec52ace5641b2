// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 收集器 - 导出服务端引擎与传输层的运行统计
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// 服务端引擎收集器
// =============================================================================

// EngineStats 服务端协议引擎统计接口
type EngineStats interface {
	GetPacketsIn() uint64
	GetRepliesOut() uint64
	GetMalformed() uint64
	GetAppRequests() uint64
	GetIgnored() uint64
}

// EngineCollector 服务端引擎收集器
type EngineCollector struct {
	statsProvider EngineStats

	packetsInDesc   *prometheus.Desc
	repliesOutDesc  *prometheus.Desc
	malformedDesc   *prometheus.Desc
	appRequestsDesc *prometheus.Desc
	ignoredDesc     *prometheus.Desc
}

// NewEngineCollector 创建引擎收集器
func NewEngineCollector(provider EngineStats) *EngineCollector {
	subsystem := "engine"

	return &EngineCollector{
		statsProvider: provider,

		packetsInDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "packets_received_total"),
			"Packets handed to the server engine",
			nil, nil,
		),
		repliesOutDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "replies_total"),
			"Replies produced by the server engine",
			nil, nil,
		),
		malformedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "malformed_total"),
			"Datagrams the server engine could not decode",
			nil, nil,
		),
		appRequestsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "app_requests_total"),
			"Requests forwarded to the application handler",
			nil, nil,
		),
		ignoredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "ignored_total"),
			"Packets that matched no dispatch rule",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsInDesc
	ch <- c.repliesOutDesc
	ch <- c.malformedDesc
	ch <- c.appRequestsDesc
	ch <- c.ignoredDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.packetsInDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetPacketsIn()))
	ch <- prometheus.MustNewConstMetric(c.repliesOutDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetRepliesOut()))
	ch <- prometheus.MustNewConstMetric(c.malformedDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetMalformed()))
	ch <- prometheus.MustNewConstMetric(c.appRequestsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetAppRequests()))
	ch <- prometheus.MustNewConstMetric(c.ignoredDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetIgnored()))
}

// =============================================================================
// 传输层收集器
// =============================================================================

// TransportStats 传输层统计接口, 键名即指标名后缀
type TransportStats interface {
	GetStats() map[string]uint64
}

// TransportCollector 传输层收集器
type TransportCollector struct {
	statsProvider TransportStats
	descs         map[string]*prometheus.Desc
}

// NewTransportCollector 创建传输层收集器, label 区分 udp / websocket
func NewTransportCollector(transport string, provider TransportStats) *TransportCollector {
	c := &TransportCollector{
		statsProvider: provider,
		descs:         make(map[string]*prometheus.Desc),
	}

	for _, key := range []string{"packets_recv", "packets_sent", "bytes_recv", "bytes_sent", "send_errors"} {
		c.descs[key] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transport", key+"_total"),
			"Transport counter "+key,
			nil, prometheus.Labels{"transport": transport},
		)
	}

	return c
}

// Describe 实现 prometheus.Collector 接口
func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect 实现 prometheus.Collector 接口
func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.GetStats()
	for key, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(stats[key]))
	}
}
