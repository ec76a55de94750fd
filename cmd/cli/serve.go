package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/probelab/netdash/internal/api"
	"github.com/probelab/netdash/internal/logging"
	"github.com/probelab/netdash/internal/metrics"
	"github.com/probelab/netdash/internal/session"
	"github.com/probelab/netdash/internal/transport"
)

var serveAddr string

// serveCmd runs the dashboard API daemon.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard API server",
	Long: `Run the netdash daemon: connect to the probing agent, expose the
REST and websocket API the dashboard consumes, and keep one session slot
per diagnostics tool.`,
	Example: `  netdash serve
  netdash serve --listen 0.0.0.0:8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "listen", "", "Listen address override (host:port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveAddr != "" {
		host, port, err := splitListenAddr(serveAddr)
		if err != nil {
			return err
		}
		cfg.API.ListenAddr = host
		cfg.API.Port = port
	}

	logger := logging.Default()
	m := metrics.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn := transport.NewConn(cfg.Agent.PushURL, logger, m)
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Agent.DialTimeout)
	if err := conn.Connect(dialCtx); err != nil {
		// The connection retries in the background; sessions started in the
		// meantime use the pull path.
		logger.Warn("push channel unavailable at startup", "error", err)
	}
	cancel()
	defer func() { _ = conn.Close() }()

	pull := transport.NewPullClient(cfg.Agent.PullURL, cfg.Agent.RequestTimeout, logger)

	var server *api.Server
	engine := session.NewEngine(session.EngineOptions{
		Push:     conn,
		Pull:     pull,
		Logger:   logger,
		Metrics:  m,
		Cooldown: cfg.Scanning.Cooldown,
		OnUpdate: func(u session.Update) {
			if server != nil {
				server.Hub().Broadcast(u)
			}
		},
	})
	defer engine.Close()

	server = api.NewServer(cfg.API, engine, logger, m)

	logger.Info("netdash daemon starting",
		"version", version,
		"api", cfg.APIAddress(),
		"agent_push", cfg.Agent.PushURL,
		"agent_pull", cfg.Agent.PullURL)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("API server: %w", err)
	}
	logger.Info("netdash daemon stopped")
	return nil
}

func splitListenAddr(addr string) (string, int, error) {
	host := addr
	port := 0
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			host = addr[:i]
			if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
				return "", 0, fmt.Errorf("invalid listen address %q", addr)
			}
			break
		}
	}
	if port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid listen address %q", addr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port, nil
}
