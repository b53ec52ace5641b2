// =============================================================================
// 文件: internal/handler/unified_handler.go
// 描述: 服务端协议引擎 - 解码, 分类, 生成回复; UDP 与 WebSocket 共用
// =============================================================================
package handler

import (
	"errors"
	"net"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mrcgq/udpfs/internal/httpfs"
	"github.com/mrcgq/udpfs/internal/logging"
	"github.com/mrcgq/udpfs/internal/metrics"
	"github.com/mrcgq/udpfs/internal/protocol"
)

// =============================================================================
// 类型定义
// =============================================================================

// AppHandler 应用层处理器, 把请求文本变成响应正文
type AppHandler interface {
	Handle(request string) (string, error)
}

// AppHandlerFunc 函数适配器
type AppHandlerFunc func(request string) (string, error)

func (f AppHandlerFunc) Handle(request string) (string, error) {
	return f(request)
}

// DefaultAppMarkers 负载包含其一即交给应用层处理
var DefaultAppMarkers = []string{"httpfs", "httpc", "http://"}

// Event 入站报文分类结果
type Event uint8

const (
	EventIgnored Event = iota
	EventGreeting
	EventAppRequest
	EventDeliveryAck
	EventTerminate
)

func (e Event) String() string {
	switch e {
	case EventGreeting:
		return "greeting"
	case EventAppRequest:
		return "app_request"
	case EventDeliveryAck:
		return "delivery_ack"
	case EventTerminate:
		return "terminate"
	default:
		return "ignored"
	}
}

// Server 服务端协议引擎
// 跨数据报无状态, 可被多个接收循环并发调用
type Server struct {
	app     AppHandler
	markers []string
	metrics *metrics.Metrics
	log     zerolog.Logger

	stats serverStats
}

// serverStats 统计信息
type serverStats struct {
	packetsIn     uint64
	repliesOut    uint64
	malformed     uint64
	appRequests   uint64
	ignored       uint64
	oversize      uint64
	handlerErrors uint64
	requestErrors uint64 // handlerErrors 中由请求本身引起的部分
	terminations  uint64
}

// =============================================================================
// 构造函数
// =============================================================================

// NewServer 创建服务端引擎, markers 为空时使用 DefaultAppMarkers
func NewServer(app AppHandler, markers []string) *Server {
	if len(markers) == 0 {
		markers = DefaultAppMarkers
	}

	return &Server{
		app:     app,
		markers: append([]string(nil), markers...),
		log:     logging.For("Handler"),
	}
}

// =============================================================================
// 公共接口
// =============================================================================

func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Server) GetStats() map[string]uint64 {
	return map[string]uint64{
		"packets_in":     atomic.LoadUint64(&s.stats.packetsIn),
		"replies_out":    atomic.LoadUint64(&s.stats.repliesOut),
		"malformed":      atomic.LoadUint64(&s.stats.malformed),
		"app_requests":   atomic.LoadUint64(&s.stats.appRequests),
		"ignored":        atomic.LoadUint64(&s.stats.ignored),
		"oversize":       atomic.LoadUint64(&s.stats.oversize),
		"handler_errors": atomic.LoadUint64(&s.stats.handlerErrors),
		"request_errors": atomic.LoadUint64(&s.stats.requestErrors),
		"terminations":   atomic.LoadUint64(&s.stats.terminations),
	}
}

func (s *Server) GetPacketsIn() uint64   { return atomic.LoadUint64(&s.stats.packetsIn) }
func (s *Server) GetRepliesOut() uint64  { return atomic.LoadUint64(&s.stats.repliesOut) }
func (s *Server) GetMalformed() uint64   { return atomic.LoadUint64(&s.stats.malformed) }
func (s *Server) GetAppRequests() uint64 { return atomic.LoadUint64(&s.stats.appRequests) }
func (s *Server) GetIgnored() uint64     { return atomic.LoadUint64(&s.stats.ignored) }

// =============================================================================
// 数据包处理
// =============================================================================

// HandlePacket 处理一个入站数据报, 返回编码后的回复（nil 表示不回复）
// 回复由调用方发回数据报的来源地址, 即路由器
func (s *Server) HandlePacket(data []byte, from *net.UDPAddr) []byte {
	atomic.AddUint64(&s.stats.packetsIn, 1)

	pkt, err := protocol.Decode(data)
	if err != nil {
		atomic.AddUint64(&s.stats.malformed, 1)
		s.metrics.RecordMalformed()
		s.log.Debug().Err(err).Str("from", addrString(from)).Msg("丢弃无法解码的数据报")
		return nil
	}
	s.metrics.RecordPacket(metrics.DirectionIn, pkt.Kind.String())

	reply := s.Dispatch(pkt)
	if reply == nil {
		return nil
	}

	out, err := protocol.Encode(reply)
	if err != nil {
		s.log.Error().Err(err).Uint64("seq", reply.Seq).Msg("编码回复失败")
		return nil
	}

	atomic.AddUint64(&s.stats.repliesOut, 1)
	s.metrics.RecordPacket(metrics.DirectionOut, reply.Kind.String())
	return out
}

// Classify 判定报文事件
// 有类型报文按 Kind 分派; 旧版报文按负载字面量, 优先级: 问候, 应用标记, Received, Ok
func (s *Server) Classify(pkt *protocol.Packet) Event {
	switch pkt.Kind {
	case protocol.KindGreeting:
		return EventGreeting
	case protocol.KindAppRequest:
		return EventAppRequest
	case protocol.KindDeliveryAck:
		return EventDeliveryAck
	case protocol.KindTerminate:
		return EventTerminate
	case protocol.KindLegacy:
	default:
		return EventIgnored
	}

	text := pkt.Text()
	switch {
	case text == protocol.GreetingText:
		return EventGreeting
	case s.hasMarker(text):
		return EventAppRequest
	case text == protocol.ReceivedText:
		return EventDeliveryAck
	case text == protocol.OkText:
		return EventTerminate
	default:
		return EventIgnored
	}
}

// Dispatch 对已解码报文生成回复报文, 不回复时返回 nil
func (s *Server) Dispatch(pkt *protocol.Packet) *protocol.Packet {
	event := s.Classify(pkt)

	logger := s.log.With().
		Uint64("seq", pkt.Seq).
		Str("kind", pkt.Kind.String()).
		Str("event", event.String()).
		Logger()

	switch event {
	case EventGreeting:
		logger.Info().Msg("收到问候")
		return s.reply(pkt, protocol.KindGreetingAck, protocol.GreetingReplyText)

	case EventAppRequest:
		return s.handleAppRequest(pkt, logger)

	case EventDeliveryAck:
		logger.Info().Msg("客户端确认收到响应")
		return s.reply(pkt, protocol.KindTerminate, protocol.CloseText)

	case EventTerminate:
		atomic.AddUint64(&s.stats.terminations, 1)
		logger.Info().Str("peer", pkt.Peer().String()).Msg("会话结束")
		return nil

	default:
		atomic.AddUint64(&s.stats.ignored, 1)
		logger.Debug().Int("len", len(pkt.Payload)).Msg("未匹配任何规则, 忽略")
		return nil
	}
}

// =============================================================================
// 请求处理
// =============================================================================

func (s *Server) handleAppRequest(pkt *protocol.Packet, logger zerolog.Logger) *protocol.Packet {
	atomic.AddUint64(&s.stats.appRequests, 1)
	logger.Info().Str("request", pkt.Text()).Msg("应用请求")

	if s.app == nil {
		atomic.AddUint64(&s.stats.handlerErrors, 1)
		s.metrics.RecordHandlerError()
		return s.reply(pkt, protocol.KindAppResponse, protocol.HandlerErrorText)
	}

	body, err := s.app.Handle(pkt.Text())
	if err != nil {
		atomic.AddUint64(&s.stats.handlerErrors, 1)
		s.metrics.RecordHandlerError()
		if httpfs.IsRequestError(err) {
			atomic.AddUint64(&s.stats.requestErrors, 1)
			logger.Debug().Err(err).Msg("请求无效")
		} else {
			logger.Warn().Err(err).Msg("应用处理失败")
		}
		return s.reply(pkt, protocol.KindAppResponse, protocol.HandlerErrorText)
	}

	resp, err := s.build(pkt, protocol.KindAppResponse, body)
	if errors.Is(err, protocol.ErrPayloadTooLarge) {
		atomic.AddUint64(&s.stats.oversize, 1)
		s.metrics.RecordOversize()
		logger.Warn().
			Int("size", len(body)).
			Int("limit", protocol.MaxPayloadSize(len(pkt.PeerAddr))).
			Msg("响应超出报文上限")
		return s.reply(pkt, protocol.KindAppResponse, protocol.OversizeText)
	}
	if err != nil {
		logger.Error().Err(err).Msg("构建响应失败")
		return nil
	}

	return resp
}

// reply 构建固定文本回复, 失败时记录并返回 nil
func (s *Server) reply(req *protocol.Packet, kind protocol.Kind, text string) *protocol.Packet {
	pkt, err := s.build(req, kind, text)
	if err != nil {
		s.log.Error().Err(err).Uint64("seq", req.Seq).Msg("构建回复失败")
		return nil
	}
	return pkt
}

// build 从请求派生回复: 保留序号与路由信息, 旧版请求的回复保持旧版类型
func (s *Server) build(req *protocol.Packet, kind protocol.Kind, text string) (*protocol.Packet, error) {
	b := req.ToBuilder().SetText(text)
	if req.Kind != protocol.KindLegacy {
		b.SetKind(kind)
	}
	return b.Build()
}

// =============================================================================
// 辅助函数
// =============================================================================

func (s *Server) hasMarker(text string) bool {
	for _, m := range s.markers {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func addrString(addr *net.UDPAddr) string {
	if addr == nil {
		return "-"
	}
	return addr.String()
}
