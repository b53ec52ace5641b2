package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{"debug", zerolog.DebugLevel, true},
		{" INFO ", zerolog.InfoLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"error", zerolog.ErrorLevel, true},
		{"off", zerolog.Disabled, true},
		{"", zerolog.InfoLevel, false},
		{"verbose", zerolog.InfoLevel, false},
	}

	for _, tt := range tests {
		got, ok := ParseLevel(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = (%s, %v), want (%s, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestComponentTagAndLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "")

	var buf bytes.Buffer
	ConfigureOutput(&buf, "warn")
	defer ConfigureOutput(&bytes.Buffer{}, "disabled")

	log := For("UDP")
	log.Info().Msg("被过滤")
	log.Warn().Msg("重传")

	out := buf.String()
	if strings.Contains(out, "被过滤") {
		t.Errorf("info 日志不应输出: %s", out)
	}
	if !strings.Contains(out, "重传") || !strings.Contains(out, "component=UDP") {
		t.Errorf("缺少 warn 日志或组件标签: %s", out)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")

	var buf bytes.Buffer
	ConfigureOutput(&buf, "error")
	defer ConfigureOutput(&bytes.Buffer{}, "disabled")

	log := For("Client")
	log.Debug().Msg("调试信息")

	if !strings.Contains(buf.String(), "调试信息") {
		t.Errorf("环境变量应覆盖为 debug: %q", buf.String())
	}
}
