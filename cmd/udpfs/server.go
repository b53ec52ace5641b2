// =============================================================================
// 文件: cmd/udpfs/server.go
// 描述: 服务端子命令 - UDP/WebSocket 接收循环, 指标服务, 信号退出
// =============================================================================
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/udpfs/internal/config"
	"github.com/mrcgq/udpfs/internal/handler"
	"github.com/mrcgq/udpfs/internal/httpfs"
	"github.com/mrcgq/udpfs/internal/logging"
	"github.com/mrcgq/udpfs/internal/metrics"
	"github.com/mrcgq/udpfs/internal/transport"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动文件服务端",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := applyServerFlags(cmd, cfg); err != nil {
			return err
		}

		level := cfg.LogLevel
		if cfg.Server.Verbose {
			level = "debug"
		}
		logging.Configure(level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runServer(ctx, cfg)
	},
}

// applyCommonFlags 命令行参数覆盖配置
func applyCommonFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetInt("timeout-ms"); v > 0 {
		cfg.ARQ.TimeoutMs = v
	}
	if v, _ := cmd.Flags().GetInt("max-retries"); v >= 0 {
		cfg.ARQ.MaxRetries = v
	}
}

func applyServerFlags(cmd *cobra.Command, cfg *config.Config) error {
	applyCommonFlags(cmd, cfg)

	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Server.Listen = v
	}
	if v, _ := cmd.Flags().GetString("root"); v != "" {
		cfg.Server.Root = v
	}
	if v, _ := cmd.Flags().GetString("transport"); v != "" {
		cfg.Server.Transport = v
	}
	if v, _ := cmd.Flags().GetString("ws-listen"); v != "" {
		cfg.Server.WebSocket.Listen = v
	}
	if v, _ := cmd.Flags().GetBool("metrics"); v {
		cfg.Metrics.Enabled = true
	}
	if v, _ := cmd.Flags().GetString("metrics-listen"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		cfg.Server.Verbose = true
	}

	return cfg.Validate()
}

func runServer(ctx context.Context, cfg *config.Config) error {
	log := logging.For("Main")

	app, err := httpfs.New(cfg.Server.Root)
	if err != nil {
		return err
	}

	engine := handler.NewServer(app, cfg.Server.AppMarkers)

	// 指标
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			Version,
		)
		engine.SetMetrics(metrics.NewMetrics(metricsServer.Registry()))
		metricsServer.MustRegisterCollector(metrics.NewEngineCollector(engine))
	}

	g, ctx := errgroup.WithContext(ctx)

	var udpServer *transport.UDPServer
	if cfg.Server.ServesUDP() {
		udpServer = transport.NewUDPServer(cfg.Server.Listen, engine)
		if err := udpServer.Start(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			udpServer.Stop()
			return nil
		})
	}

	var wsServer *transport.WebSocketServer
	if cfg.Server.ServesWebSocket() {
		wsServer = transport.NewWebSocketServer(cfg.Server.WebSocket.Listen, cfg.Server.WebSocket.Path, engine)
		if err := wsServer.Start(ctx); err != nil {
			if udpServer != nil {
				udpServer.Stop()
			}
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			wsServer.Stop()
			return nil
		})
	}

	if metricsServer != nil {
		if udpServer != nil {
			metricsServer.MustRegisterCollector(metrics.NewTransportCollector("udp", udpServer))
		}
		if wsServer != nil {
			metricsServer.MustRegisterCollector(metrics.NewTransportCollector("websocket", wsServer))
		}
		metricsServer.SetHealthCheck(func() map[string]metrics.ComponentHealth {
			return healthComponents(udpServer, wsServer, engine)
		})
		g.Go(func() error {
			return metricsServer.Serve(ctx)
		})
	}

	printBanner(cfg, app.Root())

	<-ctx.Done()
	log.Info().Msg("正在关闭...")

	if err := g.Wait(); err != nil {
		return err
	}

	stats := engine.GetStats()
	log.Info().
		Uint64("packets_in", stats["packets_in"]).
		Uint64("replies_out", stats["replies_out"]).
		Uint64("app_requests", stats["app_requests"]).
		Dur("uptime", time.Since(startTime).Round(time.Second)).
		Msg("已退出")
	return nil
}

// healthComponents 健康检查: 各接收循环是否在运行
func healthComponents(udp *transport.UDPServer, ws *transport.WebSocketServer, engine *handler.Server) map[string]metrics.ComponentHealth {
	components := map[string]metrics.ComponentHealth{
		"engine": {
			Status:  "healthy",
			Message: fmt.Sprintf("packets=%d malformed=%d", engine.GetPacketsIn(), engine.GetMalformed()),
		},
	}
	if udp != nil {
		status := "healthy"
		if !udp.IsRunning() {
			status = "unhealthy"
		}
		components["udp"] = metrics.ComponentHealth{Status: status, Message: udp.LocalAddr().String()}
	}
	if ws != nil {
		components["websocket"] = metrics.ComponentHealth{
			Status:  "healthy",
			Message: fmt.Sprintf("active=%d", ws.GetActiveConns()),
		}
	}
	return components
}

func printBanner(cfg *config.Config, root string) {
	var listeners []string
	if cfg.Server.ServesUDP() {
		listeners = append(listeners, "udp "+cfg.Server.Listen)
	}
	if cfg.Server.ServesWebSocket() {
		listeners = append(listeners, "ws "+cfg.Server.WebSocket.Listen+cfg.Server.WebSocket.Path)
	}

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintf(os.Stderr, "║  udpfs server %-51s║\n", "v"+Version)
	fmt.Fprintln(os.Stderr, "╠══════════════════════════════════════════════════════════════════╣")
	fmt.Fprintf(os.Stderr, "║  监听: %-58s║\n", strings.Join(listeners, ", "))
	fmt.Fprintf(os.Stderr, "║  根目录: %-56s║\n", root)
	fmt.Fprintf(os.Stderr, "║  重传: %-58s║\n", fmt.Sprintf("%dms x %d", cfg.ARQ.TimeoutMs, cfg.ARQ.MaxRetries))
	if cfg.Metrics.Enabled {
		fmt.Fprintf(os.Stderr, "║  指标: %-58s║\n", cfg.Metrics.Listen+cfg.Metrics.Path)
	}
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr)
}
