package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/omochice/relaychat/internal/admin"
	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/internal/logging"
	"github.com/omochice/relaychat/internal/metrics"
	"github.com/omochice/relaychat/internal/server"
	"github.com/omochice/relaychat/internal/transport/tcp"
	"github.com/omochice/relaychat/internal/transport/ws"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	port        string
	host        string
	wsAddr      string
	adminAddr   string
	history     int
	maxPending  int
	idleTimeout time.Duration
	logLevel    string
	logFormat   string
}

func newRootCmd() *cobra.Command {
	opts := options{
		history:   chat.DefaultHistorySize,
		logLevel:  "info",
		logFormat: "text",
	}

	cmd := &cobra.Command{
		Use:   "chatserver <port>",
		Short: "Run the chat relay server",
		Long: `Accept chat clients on <port> and relay every message to all other
participants of a single shared room. New participants receive the most
recent messages on join.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return err
			}
			if _, err := parsePort(args[0]); err != nil {
				return err
			}
			if opts.history < 1 {
				return fmt.Errorf("--history must be at least 1")
			}
			if opts.maxPending < 0 {
				return fmt.Errorf("--max-pending must not be negative")
			}
			return nil
		},
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			opts.port = args[0]
			return run(cmd.Context(), opts, cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "host", "", "Interface to listen on (default all)")
	flags.StringVar(&opts.wsAddr, "ws-addr", "", "Also accept WebSocket clients on this address (e.g. :8081)")
	flags.StringVar(&opts.adminAddr, "admin-addr", "", "Serve /healthz, /metrics and /room on this address")
	flags.IntVar(&opts.history, "history", opts.history, "Number of messages replayed to new participants")
	flags.IntVar(&opts.maxPending, "max-pending", 0, "Disconnect clients with more unsent frames than this (0 = unbounded)")
	flags.DurationVar(&opts.idleTimeout, "idle-timeout", 0, "Disconnect clients silent for this long (0 = never)")
	flags.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", opts.logFormat, "Log format: text or json")

	return cmd
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

func run(ctx context.Context, opts options, stderr io.Writer) error {
	logger, err := logging.New(stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.WithRegistry(reg))

	room := chat.NewRoom(
		chat.WithHistorySize(opts.history),
		chat.WithLogger(logger),
		chat.WithMetrics(m),
	)
	srv := server.New(room,
		server.WithConfig(server.Config{
			IdleTimeout: opts.idleTimeout,
			QueueLimit:  opts.maxPending,
		}),
		server.WithLogger(logger),
		server.WithMetrics(m),
	)

	// Bind every listener before serving so address errors exit early.
	var lc net.ListenConfig
	tcpLn, err := lc.Listen(ctx, "tcp", net.JoinHostPort(opts.host, opts.port))
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	var wsLn net.Listener
	if opts.wsAddr != "" {
		if wsLn, err = lc.Listen(ctx, "tcp", opts.wsAddr); err != nil {
			tcpLn.Close()
			return fmt.Errorf("failed to start websocket listener: %w", err)
		}
	}
	var adminSrv *http.Server
	var adminLn net.Listener
	if opts.adminAddr != "" {
		if adminLn, err = lc.Listen(ctx, "tcp", opts.adminAddr); err != nil {
			tcpLn.Close()
			if wsLn != nil {
				wsLn.Close()
			}
			return fmt.Errorf("failed to start admin listener: %w", err)
		}
		adminSrv = &http.Server{
			Handler:           admin.NewRouter(room, reg, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- srv.Serve(ctx, tcpLn, tcp.Transport{}) }()
	if wsLn != nil {
		go func() { errCh <- srv.Serve(ctx, wsLn, ws.Transport{Path: ws.DefaultPath}) }()
	}
	if adminSrv != nil {
		logger.Info("admin listening", "addr", adminLn.Addr().String())
		go func() {
			if err := adminSrv.Serve(adminLn); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("server error", "error", runErr)
		}
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if adminSrv != nil {
		adminSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	logger.Info("server stopped")
	return runErr
}
