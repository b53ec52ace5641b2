// =============================================================================
// 文件: internal/client/conversation.go
// 描述: 单次会话状态 - 会话 ID, 序号计数器, 已见序号, 路由器与服务端地址
// =============================================================================
package client

import (
	"fmt"
	"net"

	"github.com/google/uuid"
)

// State 客户端会话状态
type State uint8

const (
	StateStart State = iota
	StateGreetingSent
	StateGreetingAcked
	StateRequestSent
	StateResponseReceived
	StateAckSent
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateGreetingSent:
		return "GREETING_SENT"
	case StateGreetingAcked:
		return "GREETING_ACKED"
	case StateRequestSent:
		return "REQUEST_SENT"
	case StateResponseReceived:
		return "RESPONSE_RECEIVED"
	case StateAckSent:
		return "ACK_SENT"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// StepError 会话某一步失败
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Conversation 一条命令对应的会话, 不可并发使用
type Conversation struct {
	ID     uuid.UUID
	Router *net.UDPAddr
	Server *net.UDPAddr

	seq   uint64
	state State
	seen  *SeenSet
}

// NewConversation 创建会话, 序号从 0 开始
func NewConversation(router, server *net.UDPAddr) *Conversation {
	return &Conversation{
		ID:     uuid.New(),
		Router: router,
		Server: server,
		seen:   NewSeenSet(),
	}
}

// NextSeq 进入新的逻辑步骤, 序号加一
func (c *Conversation) NextSeq() uint64 {
	c.seq++
	return c.seq
}

func (c *Conversation) Seq() uint64 {
	return c.seq
}

func (c *Conversation) State() State {
	return c.state
}

func (c *Conversation) setState(s State) {
	c.state = s
}

// Seen 已处理回复的序号集合
func (c *Conversation) Seen() *SeenSet {
	return c.seen
}

// IsFresh 回复序号此前未处理过
func (c *Conversation) IsFresh(seq uint64) bool {
	return !c.seen.Contains(seq)
}
