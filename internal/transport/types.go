// =============================================================================
// 文件: internal/transport/types.go
// 描述: 传输层统一类型定义
// =============================================================================
package transport

import (
	"errors"
	"net"
	"time"
)

var (
	// ErrTimeout 等待期限内没有数据报到达
	ErrTimeout = errors.New("等待超时")

	// ErrRetryExhausted 达到重传上限仍未收到回复
	ErrRetryExhausted = errors.New("重传次数耗尽")

	// ErrClosed 传输已关闭
	ErrClosed = errors.New("传输已关闭")
)

// PacketHandler 数据包处理接口, 返回值非 nil 时作为回复发回来源地址
type PacketHandler interface {
	HandlePacket(data []byte, from *net.UDPAddr) []byte
}

// Datagram 客户端数据报原语: 发送 + 带期限的就绪等待
type Datagram interface {
	// Send 发送一个数据报到 to
	Send(data []byte, to *net.UDPAddr) error

	// Receive 阻塞到 deadline, 期限内无数据返回 ErrTimeout
	Receive(deadline time.Time) ([]byte, *net.UDPAddr, error)

	Close() error
}
