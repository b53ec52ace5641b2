package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type echoHandler struct {
	prefix string
}

func (h *echoHandler) HandlePacket(data []byte, from *net.UDPAddr) []byte {
	if string(data) == "silent" {
		return nil
	}
	return append([]byte(h.prefix), data...)
}

func startUDPServer(t *testing.T, h PacketHandler) *UDPServer {
	t.Helper()

	s := NewUDPServer("127.0.0.1:0", h)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestUDPServerReply(t *testing.T) {
	s := startUDPServer(t, &echoHandler{prefix: "re:"})

	c, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("打开客户端失败: %v", err)
	}
	defer c.Close()

	if err := c.Send([]byte("ping"), s.LocalAddr()); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	data, from, err := c.Receive(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("接收失败: %v", err)
	}
	if string(data) != "re:ping" {
		t.Errorf("回复 = %q, want re:ping", data)
	}
	if from.Port != s.LocalAddr().Port {
		t.Errorf("回复来源端口 = %d, want %d", from.Port, s.LocalAddr().Port)
	}

	stats := s.GetStats()
	if stats["packets_recv"] != 1 || stats["packets_sent"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestUDPServerNoReply(t *testing.T) {
	s := startUDPServer(t, &echoHandler{})

	c, err := ListenUDP("")
	if err != nil {
		t.Fatalf("打开客户端失败: %v", err)
	}
	defer c.Close()

	c.Send([]byte("silent"), s.LocalAddr())

	_, _, err = c.Receive(time.Now().Add(100 * time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestUDPServerStop(t *testing.T) {
	s := NewUDPServer("127.0.0.1:0", &echoHandler{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if !s.IsRunning() {
		t.Error("启动后应处于运行状态")
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop() // 重复停止无副作用
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop 未能及时返回")
	}
	if s.IsRunning() {
		t.Error("停止后不应处于运行状态")
	}
}

func TestUDPConnReceiveAfterClose(t *testing.T) {
	c, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("打开客户端失败: %v", err)
	}
	c.Close()

	if _, _, err := c.Receive(time.Now().Add(50 * time.Millisecond)); err == nil {
		t.Error("关闭后接收应返回错误")
	}
}

func TestUDPServerReadBackoff(t *testing.T) {
	s := NewUDPServer("127.0.0.1:0", &echoHandler{})

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{4, 80 * time.Millisecond},
		{7, 640 * time.Millisecond},
		{8, time.Second},
		{30, time.Second},
	}
	for _, tt := range tests {
		if got := s.readBackoff(tt.failures); got != tt.want {
			t.Errorf("readBackoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestUDPServerPersistentReadError(t *testing.T) {
	s := NewUDPServer("127.0.0.1:0", &echoHandler{})
	s.backoffBase = time.Millisecond

	var reads int32
	s.readFrom = func(buf []byte) (int, *net.UDPAddr, error) {
		atomic.AddInt32(&reads, 1)
		return 0, nil, errors.New("套接字故障")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if s.IsRunning() {
		t.Fatal("持续读取失败后接收循环应退出")
	}
	if got := atomic.LoadInt32(&reads); got != maxConsecutiveReadErrors {
		t.Errorf("读取次数 = %d, want %d", got, maxConsecutiveReadErrors)
	}
	if got := s.GetStats()["read_errors"]; got != maxConsecutiveReadErrors {
		t.Errorf("read_errors = %d, want %d", got, maxConsecutiveReadErrors)
	}
}

func TestUDPServerReadErrorRecovers(t *testing.T) {
	s := NewUDPServer("127.0.0.1:0", &echoHandler{prefix: "re:"})
	s.backoffBase = time.Millisecond

	var reads int32
	s.readFrom = func(buf []byte) (int, *net.UDPAddr, error) {
		if atomic.AddInt32(&reads, 1) <= 3 {
			return 0, nil, errors.New("暂时故障")
		}
		return s.conn.ReadFromUDP(buf)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer s.Stop()

	c, err := ListenUDP("")
	if err != nil {
		t.Fatalf("打开客户端失败: %v", err)
	}
	defer c.Close()

	if err := c.Send([]byte("ping"), s.LocalAddr()); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	data, _, err := c.Receive(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("接收失败: %v", err)
	}
	if string(data) != "re:ping" {
		t.Errorf("回复 = %q", data)
	}
	if !s.IsRunning() {
		t.Error("短暂故障后接收循环应继续运行")
	}
}
