// =============================================================================
// 文件: internal/transport/udp_conn.go
// 描述: 客户端 UDP 数据报 - 读截止时间作为就绪等待
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// UDPConn 客户端 UDP 套接字, 非连接模式, 可收发任意对端
type UDPConn struct {
	conn *net.UDPConn
	buf  []byte
}

// ListenUDP 在 localAddr 上打开套接字, 空串表示任意端口
func ListenUDP(localAddr string) (*UDPConn, error) {
	var laddr *net.UDPAddr
	if localAddr != "" {
		var err error
		laddr, err = net.ResolveUDPAddr("udp", localAddr)
		if err != nil {
			return nil, fmt.Errorf("解析本地地址: %w", err)
		}
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("打开套接字失败: %w", err)
	}

	return &UDPConn{conn: conn, buf: make([]byte, recvBufferSize)}, nil
}

// Send 实现 Datagram
func (c *UDPConn) Send(data []byte, to *net.UDPAddr) error {
	_, err := c.conn.WriteToUDP(data, to)
	return err
}

// Receive 实现 Datagram, 每次返回独立的切片
func (c *UDPConn) Receive(deadline time.Time) ([]byte, *net.UDPAddr, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}

	n, from, err := c.conn.ReadFromUDP(c.buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, nil, ErrClosed
		}
		return nil, nil, err
	}

	data := make([]byte, n)
	copy(data, c.buf[:n])
	return data, from, nil
}

// LocalAddr 本地绑定地址
func (c *UDPConn) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

func (c *UDPConn) Close() error {
	return c.conn.Close()
}
