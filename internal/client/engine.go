// =============================================================================
// 文件: internal/client/engine.go
// 描述: 客户端协议引擎 - 问候, 应用请求, 确认, 结束; 每步经停等重传
// =============================================================================
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mrcgq/udpfs/internal/config"
	"github.com/mrcgq/udpfs/internal/logging"
	"github.com/mrcgq/udpfs/internal/metrics"
	"github.com/mrcgq/udpfs/internal/protocol"
	"github.com/mrcgq/udpfs/internal/transport"
)

var (
	// ErrNoServerAddress 命令中没有 http:// 地址
	ErrNoServerAddress = errors.New("命令中缺少服务端地址")
)

// DialFunc 为一次会话打开数据报传输
type DialFunc func(ctx context.Context) (transport.Datagram, error)

// Options 引擎配置
type Options struct {
	// Router 路由器地址, 所有报文都发往这里
	Router *net.UDPAddr

	// DefaultServerPort 命令 URL 未带端口时使用
	DefaultServerPort int

	// Retry 为零值时使用 transport.DefaultRetryConfig
	Retry transport.RetryConfig

	// Legacy 发送无类型报文, 服务端只能按负载字面量分派
	Legacy bool

	// Dial 为空时每次会话打开一个临时 UDP 套接字
	Dial DialFunc
}

// Result 一次会话的结果
type Result struct {
	ConversationID uuid.UUID

	// Response 应用响应正文
	Response    string
	ResponseSeq uint64

	// FinalSeq 最后一个报文（Ok）的序号
	FinalSeq uint64
	State    State
}

// Engine 客户端协议引擎, 会话严格串行
type Engine struct {
	opts    Options
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewEngine 创建引擎
func NewEngine(opts Options) (*Engine, error) {
	if opts.Router == nil {
		return nil, errors.New("未配置路由器地址")
	}
	if opts.DefaultServerPort <= 0 {
		opts.DefaultServerPort = 8080
	}
	if opts.Dial == nil {
		opts.Dial = DialUDP
	}
	if opts.Retry == (transport.RetryConfig{}) {
		opts.Retry = transport.DefaultRetryConfig()
	}

	return &Engine{
		opts: opts,
		log:  logging.For("Client"),
	}, nil
}

// NewEngineFromConfig 按配置文件创建引擎
func NewEngineFromConfig(cfg *config.Config) (*Engine, error) {
	router, err := net.ResolveUDPAddr("udp", cfg.Client.Router)
	if err != nil {
		return nil, fmt.Errorf("解析路由器地址: %w", err)
	}

	opts := Options{
		Router:            router,
		DefaultServerPort: cfg.Client.ServerPort,
		Retry: transport.RetryConfig{
			Timeout:    cfg.ARQ.Timeout(),
			MaxRetries: cfg.ARQ.MaxRetries,
		},
		Legacy: cfg.Client.Legacy,
	}

	if cfg.Client.Transport == "websocket" {
		wsURL := cfg.Client.WebSocketURL
		opts.Dial = func(ctx context.Context) (transport.Datagram, error) {
			return transport.DialWebSocket(ctx, wsURL)
		}
	}

	return NewEngine(opts)
}

// DialUDP 打开任意端口的 UDP 套接字
func DialUDP(ctx context.Context) (transport.Datagram, error) {
	return transport.ListenUDP("")
}

// RetryConfig 每一步使用的重传配置
func (e *Engine) RetryConfig() transport.RetryConfig {
	return e.opts.Retry
}

func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// =============================================================================
// 会话
// =============================================================================

// Run 执行一次完整会话
//
// 问候或请求步骤失败时返回 nil 和 *StepError。
// 确认步骤重传耗尽时仍发送 Ok, 同时返回已收到的结果和 *StepError。
func (e *Engine) Run(ctx context.Context, command string) (*Result, error) {
	server, err := ParseServerAddr(command, e.opts.DefaultServerPort)
	if err != nil {
		e.metrics.RecordConversation(metrics.ResultFailed)
		return nil, &StepError{State: StateStart, Err: err}
	}

	if limit := protocol.MaxPayloadSize(addrLen(server.IP)); len(command) > limit {
		e.metrics.RecordConversation(metrics.ResultFailed)
		return nil, &StepError{
			State: StateStart,
			Err:   fmt.Errorf("%w: %d > %d", protocol.ErrPayloadTooLarge, len(command), limit),
		}
	}

	conv := NewConversation(e.opts.Router, server)
	logger := e.log.With().
		Str("conversation", conv.ID.String()).
		Str("server", server.String()).
		Logger()

	conn, err := e.opts.Dial(ctx)
	if err != nil {
		e.metrics.RecordConversation(metrics.ResultFailed)
		return nil, &StepError{State: StateStart, Err: err}
	}
	defer conn.Close()

	retrier := transport.NewRetrier(conn, e.opts.Retry)
	retrier.SetMetrics(e.metrics)
	retrier.SetLogger(logger)

	result, err := e.converse(ctx, conv, retrier, command, logger)
	switch {
	case err == nil:
		e.metrics.RecordConversation(metrics.ResultCompleted)
	case result != nil:
		e.metrics.RecordConversation(metrics.ResultDegraded)
	default:
		e.metrics.RecordConversation(metrics.ResultFailed)
	}
	return result, err
}

func (e *Engine) converse(ctx context.Context, conv *Conversation, r *transport.Retrier, command string, logger zerolog.Logger) (*Result, error) {
	// 问候
	greeting, err := e.packet(conv, protocol.KindGreeting, protocol.GreetingText)
	if err != nil {
		return nil, &StepError{State: StateStart, Err: err}
	}
	conv.setState(StateGreetingSent)

	out, err := r.SendWithRetry(ctx, greeting, conv.Router, nil)
	if err != nil {
		return nil, &StepError{State: StateGreetingSent, Err: err}
	}
	conv.Seen().Add(out.Reply.Seq)
	conv.setState(StateGreetingAcked)
	logger.Info().Uint64("seq", out.Reply.Seq).Str("reply", out.Reply.Text()).Msg("问候已确认")

	// 应用请求
	request, err := e.packet(conv, protocol.KindAppRequest, command)
	if err != nil {
		return nil, &StepError{State: StateGreetingAcked, Err: err}
	}
	conv.setState(StateRequestSent)

	out, err = r.SendWithRetry(ctx, request, conv.Router, e.fresh(conv, logger))
	if err != nil {
		return nil, &StepError{State: StateRequestSent, Err: err}
	}
	conv.Seen().Add(out.Reply.Seq)
	conv.setState(StateResponseReceived)

	result := &Result{
		ConversationID: conv.ID,
		Response:       out.Reply.Text(),
		ResponseSeq:    out.Reply.Seq,
	}
	logger.Info().
		Uint64("seq", out.Reply.Seq).
		Int("bytes", len(out.Reply.Payload)).
		Int("attempts", out.Attempts).
		Msg("收到响应")

	// 确认
	ack, err := e.packet(conv, protocol.KindDeliveryAck, protocol.ReceivedText)
	if err != nil {
		return result, &StepError{State: StateResponseReceived, Err: err}
	}
	conv.setState(StateAckSent)

	var stepErr error
	out, err = r.SendWithRetry(ctx, ack, conv.Router, e.fresh(conv, logger))
	switch {
	case err == nil:
		conv.Seen().Add(out.Reply.Seq)
		logger.Debug().Uint64("seq", out.Reply.Seq).Str("reply", out.Reply.Text()).Msg("确认已送达")
	case errors.Is(err, transport.ErrRetryExhausted):
		stepErr = &StepError{State: StateAckSent, Err: err}
		logger.Warn().Err(err).Msg("确认未获回复, 仍发送结束报文")
	default:
		result.State = conv.State()
		return result, &StepError{State: StateAckSent, Err: err}
	}

	// 结束, 不等待回复
	fin, err := e.packet(conv, protocol.KindTerminate, protocol.OkText)
	if err != nil {
		return result, &StepError{State: StateAckSent, Err: err}
	}
	if err := r.Send(fin, conv.Router); err != nil {
		result.State = conv.State()
		return result, &StepError{State: StateAckSent, Err: err}
	}
	conv.setState(StateClosed)

	result.FinalSeq = fin.Seq
	result.State = conv.State()
	logger.Info().Uint64("seq", fin.Seq).Msg("会话结束")

	if stepErr != nil {
		return result, stepErr
	}
	return result, nil
}

// packet 进入新步骤并构建报文
func (e *Engine) packet(conv *Conversation, kind protocol.Kind, text string) (*protocol.Packet, error) {
	if e.opts.Legacy {
		kind = protocol.KindLegacy
	}
	return protocol.NewBuilder().
		SetKind(kind).
		SetSeq(conv.NextSeq()).
		SetPeer(conv.Server).
		SetText(text).
		Build()
}

// fresh 只接受序号未处理过的回复
func (e *Engine) fresh(conv *Conversation, logger zerolog.Logger) transport.AcceptFunc {
	return func(reply *protocol.Packet) bool {
		if conv.IsFresh(reply.Seq) {
			return true
		}
		e.metrics.RecordDuplicate()
		logger.Debug().Uint64("seq", reply.Seq).Msg("重复回复, 忽略")
		return false
	}
}

// =============================================================================
// 地址解析
// =============================================================================

// ParseServerAddr 从命令中最后一个 http:// 地址解析服务端端点, URL 未带端口时使用 defaultPort
func ParseServerAddr(command string, defaultPort int) (*net.UDPAddr, error) {
	var raw string
	for _, tok := range strings.Fields(command) {
		if strings.HasPrefix(tok, "http://") {
			raw = tok
		}
	}
	if raw == "" {
		return nil, ErrNoServerAddress
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析地址 %q: %w", raw, err)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoServerAddress, raw)
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("端口无效 %q: %w", p, err)
		}
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("解析服务端地址: %w", err)
	}
	return addr, nil
}

func addrLen(ip net.IP) int {
	if ip.To4() != nil {
		return net.IPv4len
	}
	return net.IPv6len
}
