// =============================================================================
// 文件: internal/transport/arq_types.go
// 描述: 停等重传 - 类型定义
// =============================================================================
package transport

import (
	"net"
	"time"

	"github.com/mrcgq/udpfs/internal/protocol"
)

// 默认参数
const (
	ARQDefaultTimeout    = 3000 * time.Millisecond
	ARQDefaultMaxRetries = 10

	// arqPollInterval 单次读等待的最长切片, 用于在等待中响应 ctx 取消
	arqPollInterval = 200 * time.Millisecond
)

// RetryConfig 重传配置
type RetryConfig struct {
	// Timeout 每次发送后等待回复的时长
	Timeout time.Duration

	// MaxRetries 首次发送之外的最多重传次数, 对所有报文类型一致
	MaxRetries int
}

// DefaultRetryConfig 默认重传配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Timeout:    ARQDefaultTimeout,
		MaxRetries: ARQDefaultMaxRetries,
	}
}

// RetryStatus 一步发送的结果
type RetryStatus uint8

const (
	RetryAcked RetryStatus = iota
	RetryExhausted
)

func (s RetryStatus) String() string {
	switch s {
	case RetryAcked:
		return "ACKED"
	case RetryExhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// Outcome SendWithRetry 的结果
type Outcome struct {
	Status RetryStatus

	// Reply 被接受的回复, 仅 RetryAcked 时非 nil
	Reply *protocol.Packet
	From  *net.UDPAddr

	// Attempts 实际发送次数（含首次）
	Attempts int

	// RTT 首次发送到接受回复的耗时
	RTT time.Duration
}

// Retransmits 重传次数
func (o *Outcome) Retransmits() int {
	if o.Attempts == 0 {
		return 0
	}
	return o.Attempts - 1
}

// AcceptFunc 判断回复是否属于当前步骤, 返回 false 的回复被丢弃并继续等待
type AcceptFunc func(reply *protocol.Packet) bool
