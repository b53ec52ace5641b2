// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 传输层 - 每条二进制消息承载一个完整报文
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mrcgq/udpfs/internal/logging"
)

const (
	wsReadTimeout    = 5 * time.Minute
	wsWriteTimeout   = 30 * time.Second
	wsIdleTimeout    = 10 * time.Minute
	wsCleanupPeriod  = 30 * time.Second
	wsClientQueueLen = 64
)

// =============================================================================
// 服务端
// =============================================================================

// WebSocketServer WebSocket 服务器
type WebSocketServer struct {
	addr    string
	path    string
	handler PacketHandler

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	conns      sync.Map // *websocket.Conn -> *WSSession
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	// 统计
	activeConns int64
	packetsRecv uint64
	packetsSent uint64
	bytesRecv   uint64
	bytesSent   uint64
	sendErrors  uint64

	log zerolog.Logger
}

// WSSession WebSocket 会话
type WSSession struct {
	Conn       *websocket.Conn
	Addr       *net.UDPAddr // 模拟 UDP 地址
	LastActive time.Time
	mu         sync.Mutex
}

// NewWebSocketServer 创建 WebSocket 服务器
func NewWebSocketServer(addr, path string, handler PacketHandler) *WebSocketServer {
	return &WebSocketServer{
		addr:    addr,
		path:    path,
		handler: handler,
		stopCh:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logging.For("WebSocket"),
	}
}

// Handler 返回 HTTP 路由（测试可直接挂到 httptest）
func (s *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	return mux
}

// Start 启动服务器
func (s *WebSocketServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	s.listener = ln

	s.httpServer = &http.Server{Handler: s.Handler()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP 服务器错误")
		}
	}()

	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	s.log.Info().Str("listen", ln.Addr().String()).Str("path", s.path).Msg("WebSocket 服务器已启动")
	return nil
}

// handleWebSocket 处理 WebSocket 连接
func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("WebSocket 升级失败")
		return
	}

	atomic.AddInt64(&s.activeConns, 1)
	defer atomic.AddInt64(&s.activeConns, -1)

	// 模拟 UDP 地址, 供处理器统一使用
	remoteAddr, _ := net.ResolveUDPAddr("udp", r.RemoteAddr)
	if remoteAddr == nil {
		remoteAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	}

	session := &WSSession{
		Conn:       conn,
		Addr:       remoteAddr,
		LastActive: time.Now(),
	}
	s.conns.Store(conn, session)
	defer func() {
		s.conns.Delete(conn)
		conn.Close()
	}()

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket 连接")

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("WebSocket 读取错误")
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		atomic.AddUint64(&s.packetsRecv, 1)
		atomic.AddUint64(&s.bytesRecv, uint64(len(data)))

		session.mu.Lock()
		session.LastActive = time.Now()
		session.mu.Unlock()

		response := s.handler.HandlePacket(data, remoteAddr)
		if response == nil {
			continue
		}

		if err := s.write(session, response); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket 写入错误")
			return
		}
	}
}

func (s *WebSocketServer) write(session *WSSession, data []byte) error {
	session.mu.Lock()
	defer session.mu.Unlock()

	session.Conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := session.Conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		atomic.AddUint64(&s.sendErrors, 1)
		return err
	}

	atomic.AddUint64(&s.packetsSent, 1)
	atomic.AddUint64(&s.bytesSent, uint64(len(data)))
	return nil
}

// cleanupLoop 清理空闲会话
func (s *WebSocketServer) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(wsCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			s.conns.Range(func(key, value interface{}) bool {
				session := value.(*WSSession)
				session.mu.Lock()
				idle := now.Sub(session.LastActive) > wsIdleTimeout
				session.mu.Unlock()
				if idle {
					key.(*websocket.Conn).Close()
					s.conns.Delete(key)
				}
				return true
			})
		}
	}
}

// Stop 停止服务器
func (s *WebSocketServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.conns.Range(func(key, value interface{}) bool {
			conn := key.(*websocket.Conn)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			return true
		})

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.httpServer.Shutdown(ctx)
		}

		s.wg.Wait()
		s.log.Info().Msg("WebSocket 服务器已停止")
	})
}

// Addr 实际监听地址
func (s *WebSocketServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// GetActiveConns 获取活跃连接数
func (s *WebSocketServer) GetActiveConns() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// GetStats 获取统计
func (s *WebSocketServer) GetStats() map[string]uint64 {
	return map[string]uint64{
		"packets_recv": atomic.LoadUint64(&s.packetsRecv),
		"packets_sent": atomic.LoadUint64(&s.packetsSent),
		"bytes_recv":   atomic.LoadUint64(&s.bytesRecv),
		"bytes_sent":   atomic.LoadUint64(&s.bytesSent),
		"send_errors":  atomic.LoadUint64(&s.sendErrors),
	}
}

// =============================================================================
// 客户端
// =============================================================================

// WebSocketConn 客户端 WebSocket 数据报, 目的地址固定为服务端
type WebSocketConn struct {
	conn   *websocket.Conn
	remote *net.UDPAddr

	msgs    chan []byte
	done    chan struct{}
	closed  chan struct{}
	readErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialWebSocket 连接 WebSocket 服务端
func DialWebSocket(ctx context.Context, url string) (*WebSocketConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket 连接失败: %w", err)
	}

	remote := &net.UDPAddr{}
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remote = &net.UDPAddr{IP: tcp.IP, Port: tcp.Port}
	}

	c := &WebSocketConn{
		conn:   conn,
		remote: remote,
		msgs:   make(chan []byte, wsClientQueueLen),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// readLoop gorilla 连接读出错后不可复用, 由独立协程持续读取
func (c *WebSocketConn) readLoop() {
	defer close(c.done)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case c.msgs <- data:
		case <-c.closed:
			return
		}
	}
}

// Send 实现 Datagram, to 被忽略
func (c *WebSocketConn) Send(data []byte, to *net.UDPAddr) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Receive 实现 Datagram
func (c *WebSocketConn) Receive(deadline time.Time) ([]byte, *net.UDPAddr, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case data := <-c.msgs:
		return data, c.remote, nil
	case <-c.done:
		select {
		case data := <-c.msgs:
			return data, c.remote, nil
		default:
		}
		if c.readErr != nil && !websocket.IsCloseError(c.readErr, websocket.CloseNormalClosure) {
			return nil, nil, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
		}
		return nil, nil, ErrClosed
	case <-timer.C:
		return nil, nil, ErrTimeout
	}
}

// RemoteAddr 服务端地址
func (c *WebSocketConn) RemoteAddr() *net.UDPAddr {
	return c.remote
}

func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
