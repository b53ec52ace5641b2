// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 服务器 - 单协程接收循环, 处理器内联调用
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/udpfs/internal/logging"
	"github.com/mrcgq/udpfs/internal/protocol"
)

const (
	// readPollInterval 读超时轮询间隔, 用于及时响应停止信号
	readPollInterval = time.Second

	// recvBufferSize 接收缓冲区, 大于协议上限以便识别超长数据报
	recvBufferSize = 64 * 1024

	// 读取出错后的退避, 连续失败达到上限时接收循环退出
	readErrorBackoffMin      = 10 * time.Millisecond
	readErrorBackoffMax      = time.Second
	maxConsecutiveReadErrors = 10
)

// =============================================================================
// 数据结构
// =============================================================================

// UDPServer UDP 服务器
type UDPServer struct {
	addr    string
	handler PacketHandler

	conn   *net.UDPConn
	stopCh chan struct{}
	doneCh chan struct{} // 接收循环退出时关闭
	wg     sync.WaitGroup

	// readFrom 默认为 conn.ReadFromUDP
	readFrom    func([]byte) (int, *net.UDPAddr, error)
	backoffBase time.Duration

	running int32

	// 统计信息
	packetsRecv uint64
	packetsSent uint64
	bytesRecv   uint64
	bytesSent   uint64
	sendErrors  uint64
	readErrors  uint64

	log zerolog.Logger
}

// NewUDPServer 创建 UDP 服务器
func NewUDPServer(addr string, h PacketHandler) *UDPServer {
	return &UDPServer{
		addr:    addr,
		handler:     h,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		backoffBase: readErrorBackoffMin,
		log:         logging.For("UDP"),
	}
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 绑定地址并启动接收循环
func (s *UDPServer) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("解析地址: %w", err)
	}

	s.conn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}

	if s.readFrom == nil {
		s.readFrom = s.conn.ReadFromUDP
	}

	atomic.StoreInt32(&s.running, 1)

	s.wg.Add(1)
	go s.readLoop(ctx)

	s.log.Info().
		Str("listen", s.conn.LocalAddr().String()).
		Int("max_packet", protocol.MaxPacketSize).
		Msg("UDP 服务器已启动")
	return nil
}

// readLoop 接收循环
func (s *UDPServer) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.doneCh)

	buf := make([]byte, recvBufferSize)
	failures := 0

	for atomic.LoadInt32(&s.running) == 1 {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := s.readFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				failures = 0
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			atomic.AddUint64(&s.readErrors, 1)
			failures++
			if failures >= maxConsecutiveReadErrors {
				s.log.Error().Err(err).Int("failures", failures).Msg("连续读取失败, 接收循环退出")
				return
			}

			delay := s.readBackoff(failures)
			s.log.Error().Err(err).Dur("backoff", delay).Msg("读取失败")
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		if n == 0 {
			continue
		}

		atomic.AddUint64(&s.packetsRecv, 1)
		atomic.AddUint64(&s.bytesRecv, uint64(n))

		data := make([]byte, n)
		copy(data, buf[:n])

		if resp := s.handler.HandlePacket(data, addr); resp != nil {
			if err := s.SendTo(resp, addr); err != nil {
				s.log.Warn().Err(err).Str("to", addr.String()).Msg("回复发送失败")
			}
		}
	}
}

// readBackoff 第 n 次连续失败后的等待时间, 指数增长并封顶
func (s *UDPServer) readBackoff(n int) time.Duration {
	d := s.backoffBase
	for i := 1; i < n && d < readErrorBackoffMax; i++ {
		d *= 2
	}
	if d > readErrorBackoffMax {
		d = readErrorBackoffMax
	}
	return d
}

// SendTo 发送数据到指定地址
func (s *UDPServer) SendTo(data []byte, addr *net.UDPAddr) error {
	if s.conn == nil {
		return fmt.Errorf("连接未初始化")
	}

	n, err := s.conn.WriteToUDP(data, addr)
	if err != nil {
		atomic.AddUint64(&s.sendErrors, 1)
		return err
	}

	atomic.AddUint64(&s.packetsSent, 1)
	atomic.AddUint64(&s.bytesSent, uint64(n))
	return nil
}

// Stop 停止服务器
func (s *UDPServer) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}

	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()

	s.log.Info().Msg("UDP 服务器已停止")
}

// =============================================================================
// 状态查询
// =============================================================================

// LocalAddr 实际绑定地址
func (s *UDPServer) LocalAddr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// IsRunning 已启动且接收循环仍在运行
func (s *UDPServer) IsRunning() bool {
	if atomic.LoadInt32(&s.running) != 1 {
		return false
	}
	select {
	case <-s.doneCh:
		return false
	default:
		return true
	}
}

// GetStats 获取统计
func (s *UDPServer) GetStats() map[string]uint64 {
	return map[string]uint64{
		"packets_recv": atomic.LoadUint64(&s.packetsRecv),
		"packets_sent": atomic.LoadUint64(&s.packetsSent),
		"bytes_recv":   atomic.LoadUint64(&s.bytesRecv),
		"bytes_sent":   atomic.LoadUint64(&s.bytesSent),
		"send_errors":  atomic.LoadUint64(&s.sendErrors),
		"read_errors":  atomic.LoadUint64(&s.readErrors),
	}
}
