// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: 报文线格式编解码 - 固定布局, 大端序
// =============================================================================

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// =============================================================================
// 报文类型
// =============================================================================

// Kind 报文类型标签, 0 表示旧版无类型报文（按负载字面量分派）
type Kind uint8

const (
	KindLegacy      Kind = 0x00
	KindGreeting    Kind = 0x01
	KindGreetingAck Kind = 0x02
	KindAppRequest  Kind = 0x03
	KindAppResponse Kind = 0x04
	KindDeliveryAck Kind = 0x05
	KindTerminate   Kind = 0x06
)

func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindGreeting:
		return "greeting"
	case KindGreetingAck:
		return "greeting_ack"
	case KindAppRequest:
		return "app_request"
	case KindAppResponse:
		return "app_response"
	case KindDeliveryAck:
		return "delivery_ack"
	case KindTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(k))
	}
}

// Valid 是否属于已知类型集合
func (k Kind) Valid() bool {
	return k <= KindTerminate
}

// =============================================================================
// 协议字面量
// =============================================================================

const (
	GreetingText      = "Hi Server, I am Client"
	GreetingReplyText = "Hi Client, I'm Server. Nice To meet you!!"
	ReceivedText      = "Received"
	CloseText         = "Close"
	OkText            = "Ok"
	OversizeText      = "Data size exceeds allowed limit"
	HandlerErrorText  = "Error processing request"
)

// =============================================================================
// 尺寸常量
// =============================================================================

const (
	// MaxPacketSize 单个报文编码后的最大字节数
	MaxPacketSize = 1024

	// HeaderSize 固定头部: Type(1) + Seq(8) + AddrLen(1) + Port(2) + PayloadLen(2)
	HeaderSize = 14

	// MaxPayloadIPv4 IPv4 路由信息下的最大负载
	MaxPayloadIPv4 = MaxPacketSize - HeaderSize - net.IPv4len

	// MaxPayloadIPv6 IPv6 路由信息下的最大负载
	MaxPayloadIPv6 = MaxPacketSize - HeaderSize - net.IPv6len
)

// MaxPayloadSize 给定地址长度下允许的最大负载
func MaxPayloadSize(addrLen int) int {
	return MaxPacketSize - HeaderSize - addrLen
}

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrMalformedPacket = errors.New("报文格式错误")
	ErrPayloadTooLarge = errors.New("负载超出报文上限")
	ErrInvalidAddress  = errors.New("无效的对端地址")
)

// =============================================================================
// 编解码
// =============================================================================

// Encode 编码报文
// 格式: Type(1) + Seq(8) + AddrLen(1) + Addr(4|16) + Port(2) + PayloadLen(2) + Payload(N)
func Encode(p *Packet) ([]byte, error) {
	addr, err := normalizeIP(p.PeerAddr)
	if err != nil {
		return nil, err
	}

	if limit := MaxPayloadSize(len(addr)); len(p.Payload) > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(p.Payload), limit)
	}

	buf := make([]byte, HeaderSize+len(addr)+len(p.Payload))
	buf[0] = byte(p.Kind)
	binary.BigEndian.PutUint64(buf[1:9], p.Seq)
	buf[9] = byte(len(addr))
	off := 10
	off += copy(buf[off:], addr)
	binary.BigEndian.PutUint16(buf[off:off+2], p.PeerPort)
	binary.BigEndian.PutUint16(buf[off+2:off+4], uint16(len(p.Payload)))
	copy(buf[off+4:], p.Payload)

	return buf, nil
}

// Decode 解码报文, 任何结构问题都返回 ErrMalformedPacket
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: 数据太短 (%d 字节)", ErrMalformedPacket, len(data))
	}
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("%w: 数据过长 (%d 字节)", ErrMalformedPacket, len(data))
	}

	kind := Kind(data[0])
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: 未知报文类型 0x%02X", ErrMalformedPacket, data[0])
	}

	addrLen := int(data[9])
	if addrLen != net.IPv4len && addrLen != net.IPv6len {
		return nil, fmt.Errorf("%w: 地址长度 %d", ErrMalformedPacket, addrLen)
	}
	if len(data) < HeaderSize+addrLen {
		return nil, fmt.Errorf("%w: 地址被截断", ErrMalformedPacket)
	}

	off := 10
	addr := make(net.IP, addrLen)
	copy(addr, data[off:off+addrLen])
	off += addrLen

	port := binary.BigEndian.Uint16(data[off : off+2])
	payloadLen := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
	off += 4

	if len(data)-off != payloadLen {
		return nil, fmt.Errorf("%w: 负载长度声明 %d, 实际 %d", ErrMalformedPacket, payloadLen, len(data)-off)
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[off:])

	return &Packet{
		Kind:     kind,
		Seq:      binary.BigEndian.Uint64(data[1:9]),
		PeerAddr: addr,
		PeerPort: port,
		Payload:  payload,
	}, nil
}

// normalizeIP IPv4 统一为 4 字节形式, 其余为 16 字节
func normalizeIP(ip net.IP) (net.IP, error) {
	if v4 := ip.To4(); v4 != nil {
		return v4, nil
	}
	if len(ip) == net.IPv6len {
		return ip, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, ip)
}
