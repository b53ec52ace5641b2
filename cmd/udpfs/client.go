// =============================================================================
// 文件: cmd/udpfs/client.go
// 描述: 客户端子命令 - 单条命令或交互式提示, 每条命令一次完整会话
// =============================================================================
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mrcgq/udpfs/internal/client"
	"github.com/mrcgq/udpfs/internal/config"
	"github.com/mrcgq/udpfs/internal/logging"
	"github.com/mrcgq/udpfs/internal/transport"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "经路由器向服务端发送命令",
	Example: `  udpfs client --command "httpfs get http://localhost:8080/get/"
  udpfs client --router localhost:3333`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := applyClientFlags(cmd, cfg); err != nil {
			return err
		}
		logging.Configure(cfg.LogLevel)

		engine, err := client.NewEngineFromConfig(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		commands, _ := cmd.Flags().GetStringArray("command")
		if len(commands) > 0 {
			var failed error
			for _, c := range commands {
				if err := runCommand(ctx, engine, c); err != nil {
					failed = err
				}
			}
			return failed
		}

		return interactive(ctx, engine, cfg)
	},
}

func applyClientFlags(cmd *cobra.Command, cfg *config.Config) error {
	applyCommonFlags(cmd, cfg)

	if v, _ := cmd.Flags().GetString("router"); v != "" {
		cfg.Client.Router = v
	}
	if v, _ := cmd.Flags().GetInt("server-port"); v > 0 {
		cfg.Client.ServerPort = v
	}
	if v, _ := cmd.Flags().GetString("transport"); v != "" {
		cfg.Client.Transport = v
	}
	if v, _ := cmd.Flags().GetString("ws-url"); v != "" {
		cfg.Client.WebSocketURL = v
	}
	if v, _ := cmd.Flags().GetBool("legacy"); v {
		cfg.Client.Legacy = true
	}

	return cfg.Validate()
}

// interactive 逐条读取命令直到 quit 或中断
func interactive(ctx context.Context, engine *client.Engine, cfg *config.Config) error {
	pterm.Info.Println(fmt.Sprintf("udpfs client v%s", Version))
	target := "router " + cfg.Client.Router
	if cfg.Client.Transport == "websocket" {
		target = "websocket " + cfg.Client.WebSocketURL
	}
	pterm.Info.Println("经 " + target + " 发送; 输入 quit 退出")
	pterm.Println()

	for ctx.Err() == nil {
		raw, err := pterm.DefaultInteractiveTextInput.
			WithDefaultText("命令 (例如 httpfs get http://localhost:8080/get/)").
			Show()
		pterm.Println()
		if err != nil {
			return nil
		}

		line := strings.TrimSpace(raw)
		switch line {
		case "":
			continue
		case "quit", "exit":
			return nil
		}

		runCommand(ctx, engine, line)
		pterm.Println()
	}
	return nil
}

// runCommand 执行一次会话并打印结果
func runCommand(ctx context.Context, engine *client.Engine, command string) error {
	spinner, _ := pterm.DefaultSpinner.Start("会话进行中...")

	res, err := engine.Run(ctx, command)

	var stepErr *client.StepError
	switch {
	case err == nil:
		spinner.Success(fmt.Sprintf("会话完成 (%s)", res.ConversationID))
	case res != nil:
		spinner.Warning(fmt.Sprintf("已收到响应, 但 %v", err))
	case errors.As(err, &stepErr) && errors.Is(err, transport.ErrRetryExhausted):
		spinner.Fail(fmt.Sprintf("服务端无响应 (%s)", stepErr.State))
		return err
	default:
		spinner.Fail(err.Error())
		return err
	}

	fmt.Fprintln(os.Stdout, res.Response)
	return err
}
