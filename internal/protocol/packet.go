// =============================================================================
// 文件: internal/protocol/packet.go
// 描述: 报文结构与构建器 - 构建后不可变
// =============================================================================

package protocol

import (
	"fmt"
	"net"
)

// Packet 协议报文
// PeerAddr/PeerPort 是最终目的端点（不是路由器）
type Packet struct {
	Kind     Kind
	Seq      uint64
	PeerAddr net.IP
	PeerPort uint16
	Payload  []byte
}

// Peer 返回目的端点
func (p *Packet) Peer() *net.UDPAddr {
	return &net.UDPAddr{IP: p.PeerAddr, Port: int(p.PeerPort)}
}

// Text 以 UTF-8 文本读取负载
func (p *Packet) Text() string {
	return string(p.Payload)
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{kind=%s seq=%d peer=%s len=%d}",
		p.Kind, p.Seq, p.Peer(), len(p.Payload))
}

// ToBuilder 基于当前报文派生构建器, 保留类型/序号/路由信息
func (p *Packet) ToBuilder() *Builder {
	b := NewBuilder().
		SetKind(p.Kind).
		SetSeq(p.Seq).
		SetPeerAddress(p.PeerAddr, p.PeerPort)
	b.payload = append([]byte(nil), p.Payload...)
	return b
}

// =============================================================================
// 构建器
// =============================================================================

// Builder 报文构建器
type Builder struct {
	kind     Kind
	seq      uint64
	peerAddr net.IP
	peerPort uint16
	payload  []byte
}

// NewBuilder 创建空构建器
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) SetKind(k Kind) *Builder {
	b.kind = k
	return b
}

func (b *Builder) SetSeq(seq uint64) *Builder {
	b.seq = seq
	return b
}

// SetPeer 设置目的端点
func (b *Builder) SetPeer(addr *net.UDPAddr) *Builder {
	if addr == nil {
		b.peerAddr = nil
		b.peerPort = 0
		return b
	}
	return b.SetPeerAddress(addr.IP, uint16(addr.Port))
}

func (b *Builder) SetPeerAddress(ip net.IP, port uint16) *Builder {
	b.peerAddr = append(net.IP(nil), ip...)
	b.peerPort = port
	return b
}

func (b *Builder) SetPayload(data []byte) *Builder {
	b.payload = append([]byte(nil), data...)
	return b
}

func (b *Builder) SetText(s string) *Builder {
	b.payload = []byte(s)
	return b
}

// Build 校验并生成报文
func (b *Builder) Build() (*Packet, error) {
	addr, err := normalizeIP(b.peerAddr)
	if err != nil {
		return nil, err
	}
	if limit := MaxPayloadSize(len(addr)); len(b.payload) > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(b.payload), limit)
	}

	return &Packet{
		Kind:     b.kind,
		Seq:      b.seq,
		PeerAddr: append(net.IP(nil), addr...),
		PeerPort: b.peerPort,
		Payload:  append([]byte(nil), b.payload...),
	}, nil
}
