// =============================================================================
// 文件: internal/transport/arq_retrier.go
// 描述: 停等重传引擎 - 发送, 等待就绪, 超时重发, 达到上限即放弃
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/udpfs/internal/logging"
	"github.com/mrcgq/udpfs/internal/metrics"
	"github.com/mrcgq/udpfs/internal/protocol"
)

// Retrier 停等重传器, 不可并发使用
type Retrier struct {
	conn    Datagram
	cfg     RetryConfig
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewRetrier 创建重传器
//
// 零值 RetryConfig 取 DefaultRetryConfig; 否则 Timeout<=0 取默认超时,
// MaxRetries<0 取默认上限, MaxRetries=0 表示只发送一次不重传。
func NewRetrier(conn Datagram, cfg RetryConfig) *Retrier {
	if cfg == (RetryConfig{}) {
		cfg = DefaultRetryConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = ARQDefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = ARQDefaultMaxRetries
	}

	return &Retrier{
		conn: conn,
		cfg:  cfg,
		log:  logging.For("ARQ"),
	}
}

func (r *Retrier) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// SetLogger 替换日志器（会话级上下文字段）
func (r *Retrier) SetLogger(l zerolog.Logger) {
	r.log = l
}

// Config 当前配置
func (r *Retrier) Config() RetryConfig {
	return r.cfg
}

// Send 只发送一次, 不等待回复
func (r *Retrier) Send(pkt *protocol.Packet, dest *net.UDPAddr) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	if err := r.conn.Send(data, dest); err != nil {
		return fmt.Errorf("发送失败: %w", err)
	}

	r.metrics.RecordPacket(metrics.DirectionOut, pkt.Kind.String())
	r.log.Debug().Uint64("seq", pkt.Seq).Str("kind", pkt.Kind.String()).Msg("已发送")
	return nil
}

// SendWithRetry 发送 pkt 到 dest 并等待被 accept 接受的回复
//
// 每次等待 Timeout, 超时后原样重发; 重传 MaxRetries 次仍无回复时
// 返回 Status=RetryExhausted 的结果和包装了 ErrRetryExhausted 的错误。
// 无法解码或被 accept 拒绝的数据报直接丢弃, 不重置本轮等待期限。
func (r *Retrier) SendWithRetry(ctx context.Context, pkt *protocol.Packet, dest *net.UDPAddr, accept AcceptFunc) (*Outcome, error) {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return nil, err
	}

	kind := pkt.Kind.String()
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if attempt > 0 {
			r.metrics.RecordRetransmit(kind)
			r.log.Warn().
				Uint64("seq", pkt.Seq).
				Str("kind", kind).
				Int("retry", attempt).
				Int("max_retries", r.cfg.MaxRetries).
				Msg("等待超时, 重传")
		}

		if err := r.conn.Send(data, dest); err != nil {
			return nil, fmt.Errorf("发送失败: %w", err)
		}
		r.metrics.RecordPacket(metrics.DirectionOut, kind)

		reply, from, err := r.await(ctx, time.Now().Add(r.cfg.Timeout), accept)
		if err == nil {
			rtt := time.Since(start)
			r.metrics.ObserveRoundTrip(kind, rtt.Seconds())
			return &Outcome{
				Status:   RetryAcked,
				Reply:    reply,
				From:     from,
				Attempts: attempt + 1,
				RTT:      rtt,
			}, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return nil, err
		}

		if attempt >= r.cfg.MaxRetries {
			r.metrics.RecordExhausted(kind)
			r.log.Error().
				Uint64("seq", pkt.Seq).
				Str("kind", kind).
				Int("attempts", attempt+1).
				Msg("重传次数耗尽")
			return &Outcome{Status: RetryExhausted, Attempts: attempt + 1}, fmt.Errorf("%w: seq=%d kind=%s", ErrRetryExhausted, pkt.Seq, kind)
		}
	}
}

// await 在 deadline 前等待一个可接受的回复
func (r *Retrier) await(ctx context.Context, deadline time.Time, accept AcceptFunc) (*protocol.Packet, *net.UDPAddr, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		now := time.Now()
		if !now.Before(deadline) {
			return nil, nil, ErrTimeout
		}

		until := deadline
		if poll := now.Add(arqPollInterval); poll.Before(until) {
			until = poll
		}

		data, from, err := r.conn.Receive(until)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("接收失败: %w", err)
		}

		reply, err := protocol.Decode(data)
		if err != nil {
			r.metrics.RecordMalformed()
			r.log.Debug().Err(err).Str("from", from.String()).Msg("丢弃无法解码的数据报")
			continue
		}

		if accept != nil && !accept(reply) {
			r.log.Debug().Uint64("seq", reply.Seq).Msg("丢弃不属于当前步骤的回复")
			continue
		}

		r.metrics.RecordPacket(metrics.DirectionIn, reply.Kind.String())
		return reply, from, nil
	}
}
