// =============================================================================
// 文件: internal/config/config_test.go
// 描述: 配置鲁棒性测试 - 确保错误配置能在启动前被拦截
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// 默认值测试
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("服务端默认值", func(t *testing.T) {
		if cfg.Server.Listen != ":8080" {
			t.Errorf("Server.Listen 默认值错误: got %s, want :8080", cfg.Server.Listen)
		}
		if cfg.Server.Transport != "udp" {
			t.Errorf("Server.Transport 默认值错误: got %s, want udp", cfg.Server.Transport)
		}
		if len(cfg.Server.AppMarkers) != 3 {
			t.Errorf("Server.AppMarkers 默认值错误: got %v", cfg.Server.AppMarkers)
		}
	})

	t.Run("客户端默认值", func(t *testing.T) {
		if cfg.Client.Router != "localhost:3333" {
			t.Errorf("Client.Router 默认值错误: got %s, want localhost:3333", cfg.Client.Router)
		}
		if cfg.Client.ServerPort != 8080 {
			t.Errorf("Client.ServerPort 默认值错误: got %d, want 8080", cfg.Client.ServerPort)
		}
	})

	t.Run("ARQ默认值", func(t *testing.T) {
		if cfg.ARQ.Timeout() != 3*time.Second {
			t.Errorf("ARQ.Timeout 默认值错误: got %v, want 3s", cfg.ARQ.Timeout())
		}
		if cfg.ARQ.MaxRetries != 10 {
			t.Errorf("ARQ.MaxRetries 默认值错误: got %d, want 10", cfg.ARQ.MaxRetries)
		}
	})

	t.Run("默认配置可通过校验", func(t *testing.T) {
		if err := cfg.Validate(); err != nil {
			t.Errorf("默认配置校验失败: %v", err)
		}
	})
}

// =============================================================================
// 校验测试
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"日志级别无效", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"根目录为空", func(c *Config) { c.Server.Root = "" }, "server.root"},
		{"服务端传输无效", func(c *Config) { c.Server.Transport = "tcp" }, "server.transport"},
		{"标记为空", func(c *Config) { c.Server.AppMarkers = nil }, "app_markers"},
		{"空白标记", func(c *Config) { c.Server.AppMarkers = []string{"httpfs", " "} }, "app_markers"},
		{"WebSocket 路径", func(c *Config) {
			c.Server.Transport = "both"
			c.Server.WebSocket.Path = "ws"
		}, "server.websocket.path"},
		{"服务端端口越界", func(c *Config) { c.Client.ServerPort = 70000 }, "client.server_port"},
		{"路由器地址", func(c *Config) { c.Client.Router = "localhost" }, "client.router"},
		{"客户端 WebSocket 地址", func(c *Config) {
			c.Client.Transport = "websocket"
			c.Client.WebSocketURL = "http://localhost:8081/ws"
		}, "client.websocket_url"},
		{"超时过小", func(c *Config) { c.ARQ.TimeoutMs = 1 }, "arq.timeout_ms"},
		{"重传次数过大", func(c *Config) { c.ARQ.MaxRetries = 100 }, "arq.max_retries"},
		{"WebSocket 端口冲突", func(c *Config) {
			c.Server.Transport = "both"
			c.Server.WebSocket.Listen = ":8080"
		}, "冲突"},
		{"指标端口冲突", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Listen = "127.0.0.1:8080"
		}, "冲突"},
		{"监听端口格式", func(c *Config) { c.Server.Listen = ":abc" }, "server.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("期望错误包含 %q, 实际无错误", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("错误信息 = %q, 期望包含 %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateAcceptsWebSocketClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Client.Transport = "websocket"
	cfg.Client.WebSocketURL = "ws://localhost:8081/ws"
	cfg.Client.Router = ""

	if err := cfg.Validate(); err != nil {
		t.Errorf("WebSocket 客户端配置应通过: %v", err)
	}
}

// =============================================================================
// 加载测试
// =============================================================================

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("部分字段覆盖默认值", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		content := `
log_level: debug
server:
  listen: ":9000"
  root: "/srv/files"
arq:
  timeout_ms: 500
`
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("加载失败: %v", err)
		}
		if cfg.Server.Listen != ":9000" || cfg.Server.Root != "/srv/files" {
			t.Errorf("Server = %+v", cfg.Server)
		}
		if cfg.ARQ.TimeoutMs != 500 {
			t.Errorf("ARQ.TimeoutMs = %d, want 500", cfg.ARQ.TimeoutMs)
		}
		if cfg.ARQ.MaxRetries != 10 {
			t.Errorf("未设置的 ARQ.MaxRetries 应保持默认: got %d", cfg.ARQ.MaxRetries)
		}
		if cfg.Client.Router != "localhost:3333" {
			t.Errorf("未设置的 Client.Router 应保持默认: got %s", cfg.Client.Router)
		}
	})

	t.Run("YAML 语法错误", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		os.WriteFile(path, []byte("server: [unclosed"), 0644)

		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "解析配置失败") {
			t.Errorf("err = %v, 期望解析错误", err)
		}
	})

	t.Run("校验失败", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		os.WriteFile(path, []byte("arq:\n  max_retries: 99\n"), 0644)

		if _, err := Load(path); err == nil {
			t.Error("期望校验错误")
		}
	})

	t.Run("文件不存在", func(t *testing.T) {
		if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
			t.Error("期望读取错误")
		}
	})
}

func TestExampleConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("写入示例失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("示例配置应可直接加载: %v", err)
	}

	def := DefaultConfig()
	if cfg.Server.Listen != def.Server.Listen || cfg.ARQ != def.ARQ {
		t.Errorf("示例配置与默认值不一致: %+v", cfg)
	}
}
