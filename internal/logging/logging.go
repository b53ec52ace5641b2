// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 结构化日志 - zerolog 控制台输出, 按组件打标签
// =============================================================================
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EnvLogLevel 环境变量覆盖配置中的日志级别
const EnvLogLevel = "UDPFS_LOG_LEVEL"

var (
	mu   sync.RWMutex
	root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	testOnce sync.Once
)

// Configure 安装全局日志器, level 取值 debug/info/warn/error/disabled
func Configure(level string) {
	ConfigureOutput(os.Stderr, level)
}

// ConfigureOutput 指定输出目标（测试或重定向用）
func ConfigureOutput(w io.Writer, level string) {
	if env, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		level = env.String()
	}
	lvl, ok := ParseLevel(level)
	if !ok {
		lvl = zerolog.InfoLevel
	}

	_, isFile := w.(*os.File)
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: !isFile}
	logger := zerolog.New(out).
		Level(lvl).
		With().Timestamp().Logger()

	mu.Lock()
	root = logger
	mu.Unlock()
}

// ConfigureTests 测试默认静默, 设置 UDPFS_LOG_LEVEL 后按其输出
func ConfigureTests() {
	testOnce.Do(func() {
		ConfigureOutput(os.Stderr, "disabled")
	})
}

// For 返回带组件标签的子日志器
func For(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", component).Logger()
}

// ParseLevel 解析日志级别名称
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
