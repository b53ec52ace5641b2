// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 加载、默认值、校验与示例生成
// =============================================================================
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Server   ServerConfig  `yaml:"server"`
	Client   ClientConfig  `yaml:"client"`
	ARQ      ARQConfig     `yaml:"arq"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// ServerConfig 服务端配置
type ServerConfig struct {
	Listen     string          `yaml:"listen"`
	Root       string          `yaml:"root"`
	Transport  string          `yaml:"transport"` // udp, websocket, both
	WebSocket  WebSocketConfig `yaml:"websocket"`
	AppMarkers []string        `yaml:"app_markers"`
	Verbose    bool            `yaml:"verbose"`
}

// WebSocketConfig WebSocket 传输配置
type WebSocketConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// ClientConfig 客户端配置
type ClientConfig struct {
	Router       string `yaml:"router"`
	ServerPort   int    `yaml:"server_port"`
	Transport    string `yaml:"transport"` // udp, websocket
	WebSocketURL string `yaml:"websocket_url"`
	Legacy       bool   `yaml:"legacy"` // 发送无类型报文
}

// ARQConfig 重传配置
type ARQConfig struct {
	TimeoutMs  int `yaml:"timeout_ms"`
	MaxRetries int `yaml:"max_retries"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	Path       string `yaml:"path"`
	HealthPath string `yaml:"health_path"`
}

// =============================================================================
// 加载
// =============================================================================

// Load 从文件加载配置, 未出现的字段保持默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Listen:    ":8080",
			Root:      ".",
			Transport: "udp",
			WebSocket: WebSocketConfig{
				Listen: ":8081",
				Path:   "/ws",
			},
			AppMarkers: []string{"httpfs", "httpc", "http://"},
		},
		Client: ClientConfig{
			Router:     "localhost:3333",
			ServerPort: 8080,
			Transport:  "udp",
		},
		ARQ: ARQConfig{
			TimeoutMs:  3000,
			MaxRetries: 10,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     ":9100",
			Path:       "/metrics",
			HealthPath: "/health",
		},
	}
}

// =============================================================================
// 校验
// =============================================================================

// Validate 校验配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("log_level 无效: %q (可选 debug, info, warn, error, disabled)", c.LogLevel)
	}

	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}

	if c.ARQ.TimeoutMs < 10 || c.ARQ.TimeoutMs > 60000 {
		return fmt.Errorf("arq.timeout_ms 需在 10-60000 之间")
	}
	if c.ARQ.MaxRetries < 0 || c.ARQ.MaxRetries > 50 {
		return fmt.Errorf("arq.max_retries 需在 0-50 之间")
	}

	if c.Metrics.Enabled {
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path 必须以 / 开头")
		}
		if !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics.health_path 必须以 / 开头")
		}
	}

	return c.validatePorts()
}

func (c *Config) validateServer() error {
	if c.Server.Root == "" {
		return fmt.Errorf("server.root 不能为空")
	}

	switch c.Server.Transport {
	case "udp", "websocket", "both":
	default:
		return fmt.Errorf("server.transport 无效: %q (可选 udp, websocket, both)", c.Server.Transport)
	}

	if c.Server.ServesWebSocket() && !strings.HasPrefix(c.Server.WebSocket.Path, "/") {
		return fmt.Errorf("server.websocket.path 必须以 / 开头")
	}

	if len(c.Server.AppMarkers) == 0 {
		return fmt.Errorf("server.app_markers 至少需要一个标记")
	}
	for _, m := range c.Server.AppMarkers {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("server.app_markers 不能包含空标记")
		}
	}

	return nil
}

func (c *Config) validateClient() error {
	if c.Client.ServerPort < 1 || c.Client.ServerPort > 65535 {
		return fmt.Errorf("client.server_port 需在 1-65535 之间")
	}

	switch c.Client.Transport {
	case "udp":
		if _, _, err := net.SplitHostPort(c.Client.Router); err != nil {
			return fmt.Errorf("client.router 格式错误: %w", err)
		}
	case "websocket":
		u, err := url.Parse(c.Client.WebSocketURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("client.websocket_url 需为 ws:// 或 wss:// 地址")
		}
	default:
		return fmt.Errorf("client.transport 无效: %q (可选 udp, websocket)", c.Client.Transport)
	}

	return nil
}

// validatePorts 端口冲突检测
func (c *Config) validatePorts() error {
	ports := map[int]string{}

	if c.Server.ServesUDP() {
		p, err := parsePort(c.Server.Listen)
		if err != nil {
			return fmt.Errorf("server.listen 端口格式错误: %w", err)
		}
		ports[p] = "server.listen"
	}

	if c.Server.ServesWebSocket() {
		p, err := parsePort(c.Server.WebSocket.Listen)
		if err != nil {
			return fmt.Errorf("server.websocket.listen 端口格式错误: %w", err)
		}
		if existing, exists := ports[p]; exists && p != 0 {
			return fmt.Errorf("server.websocket.listen 端口 (%d) 与 %s 冲突", p, existing)
		}
		ports[p] = "server.websocket.listen"
	}

	if c.Metrics.Enabled {
		p, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if existing, exists := ports[p]; exists && p != 0 {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 %s 冲突", p, existing)
		}
	}

	return nil
}

func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// =============================================================================
// 辅助方法
// =============================================================================

// ServesUDP 是否启用 UDP 监听
func (s *ServerConfig) ServesUDP() bool {
	return s.Transport == "udp" || s.Transport == "both"
}

// ServesWebSocket 是否启用 WebSocket 监听
func (s *ServerConfig) ServesWebSocket() bool {
	return s.Transport == "websocket" || s.Transport == "both"
}

// Timeout 单次等待超时
func (a ARQConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// =============================================================================
// 示例配置
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# udpfs 配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: debug, info, warn, error, disabled

# 服务端
server:
  listen: ":8080"                   # UDP 监听地址
  root: "."                         # 文件服务根目录
  transport: "udp"                  # 传输方式: udp, websocket, both
  websocket:
    listen: ":8081"                 # WebSocket 监听地址
    path: "/ws"                     # WebSocket 路径
  app_markers:                      # 负载包含任一标记即转交应用处理器
    - "httpfs"
    - "httpc"
    - "http://"
  verbose: false                    # 调试输出

# 客户端
client:
  router: "localhost:3333"          # 路由器地址
  server_port: 8080                 # 命令 URL 未带端口时使用的服务端端口
  transport: "udp"                  # 传输方式: udp, websocket
  websocket_url: ""                 # 例如 ws://localhost:8081/ws
  legacy: false                     # 发送无类型报文, 兼容只按负载字面量分派的服务端

# 重传
arq:
  timeout_ms: 3000                  # 单次等待超时 (毫秒)
  max_retries: 10                   # 每一步最多重传次数

# Prometheus 指标
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
`
}

// WriteExampleConfig 写入示例配置
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
