// =============================================================================
// 文件: cmd/udpfs/main.go
// 描述: 主程序入口 - server / client / gen-config / version 子命令
// =============================================================================
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrcgq/udpfs/internal/config"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
	startTime = time.Now()
)

var rootCmd = &cobra.Command{
	Use:   "udpfs",
	Short: "经不可靠 UDP 路由器的可靠请求/响应文件服务",
	Long: `udpfs 在会丢包、延迟、乱序的 UDP 路由器之上完成一问一答:
问候 -> 应用请求 -> 确认 -> 结束, 每一步超时重传, 重传次数有上限。

服务端提供文件列表、读文件、写文件 (httpfs/httpc 风格命令)。`,
	SilenceUsage: true,
}

// ─── version ─────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("udpfs %s\n", Version)
		fmt.Printf("  Build:  %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
		fmt.Printf("  Go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

// ─── gen-config ──────────────────────────────────────────────────────────────

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "生成示例配置文件",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		if out == "-" {
			fmt.Print(config.GenerateExampleConfig())
			return nil
		}
		if err := config.WriteExampleConfig(out); err != nil {
			return fmt.Errorf("生成配置失败: %w", err)
		}
		fmt.Printf("已生成示例配置文件: %s\n", out)
		return nil
	},
}

// loadConfig 读取配置文件; 未显式指定且默认文件不存在时使用默认配置
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.DefaultConfig(), nil
		}
	}
	return config.Load(path)
}

func init() {
	for _, cmd := range []*cobra.Command{serverCmd, clientCmd} {
		cmd.Flags().StringP("config", "c", "config.yaml", "配置文件路径")
		cmd.Flags().String("log-level", "", "日志级别: debug, info, warn, error, disabled")
		cmd.Flags().Int("timeout-ms", 0, "单次等待超时 (毫秒)")
		cmd.Flags().Int("max-retries", -1, "每一步最多重传次数")
	}

	serverCmd.Flags().StringP("listen", "l", "", "UDP 监听地址")
	serverCmd.Flags().StringP("root", "d", "", "文件服务根目录")
	serverCmd.Flags().String("transport", "", "传输方式: udp, websocket, both")
	serverCmd.Flags().String("ws-listen", "", "WebSocket 监听地址")
	serverCmd.Flags().Bool("metrics", false, "启用 Prometheus 指标")
	serverCmd.Flags().String("metrics-listen", "", "指标监听地址")
	serverCmd.Flags().BoolP("verbose", "v", false, "调试输出")

	clientCmd.Flags().StringP("router", "r", "", "路由器地址 host:port")
	clientCmd.Flags().Int("server-port", 0, "命令 URL 未带端口时使用的服务端端口")
	clientCmd.Flags().String("transport", "", "传输方式: udp, websocket")
	clientCmd.Flags().String("ws-url", "", "WebSocket 地址, 例如 ws://localhost:8081/ws")
	clientCmd.Flags().Bool("legacy", false, "发送无类型报文")
	clientCmd.Flags().StringArray("command", nil, "直接执行的命令 (可重复), 省略时进入交互模式")

	genConfigCmd.Flags().StringP("output", "o", "config.example.yaml", "输出路径, - 表示标准输出")

	rootCmd.AddCommand(serverCmd, clientCmd, genConfigCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
