package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/spf13/cobra"

	"github.com/omochice/relaychat/internal/client"
	"github.com/omochice/relaychat/internal/console"
	"github.com/omochice/relaychat/internal/logging"
	"github.com/omochice/relaychat/pkg/protocol"
)

type options struct {
	legacy    bool
	websocket bool
	path      string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	opts := options{logLevel: "warn"}

	cmd := &cobra.Command{
		Use:   "chatclient <host> <port> <id>",
		Short: "Join a chat relay server",
		Long: `Connect to a chat server as <id> (1 to 8 characters). Every line typed
on standard input is sent to the room; messages from others are printed as
they arrive. End of input disconnects.

With --legacy, no identity is sent and only <host> <port> are given.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.legacy {
				return cobra.ExactArgs(2)(cmd, args)
			}
			if err := cobra.ExactArgs(3)(cmd, args); err != nil {
				return err
			}
			_, err := protocol.NewUserID(args[2])
			return err
		},
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg := client.DefaultConfig()
			cfg.Addr = net.JoinHostPort(args[0], args[1])
			cfg.Legacy = opts.legacy
			if !opts.legacy {
				cfg.ID = args[2]
			}
			if opts.websocket {
				cfg.Transport = client.TransportWS
				cfg.Path = opts.path
			}
			return run(cmd.Context(), cfg, opts.logLevel,
				console.NewStream(cmd.InOrStdin(), cmd.OutOrStdout()), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.legacy, "legacy", false, "Speak the older protocol without identities")
	flags.BoolVar(&opts.websocket, "ws", false, "Connect over WebSocket instead of raw TCP")
	flags.StringVar(&opts.path, "ws-path", client.DefaultConfig().Path, "WebSocket request path")
	flags.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level: debug, info, warn, error")

	return cmd
}

func run(ctx context.Context, cfg client.Config, logLevel string, con console.Console, stderr io.Writer) error {
	logger, err := logging.New(stderr, logLevel, "text")
	if err != nil {
		return err
	}
	cfg.Logger = logger

	c, err := client.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for f := range c.Messages() {
			con.WriteLine(console.Render(f))
		}
	}()

	lines := make(chan string)
	inputErr := make(chan error, 1)
	go func() {
		for {
			line, err := con.ReadLine()
			if err != nil {
				inputErr <- err
				return
			}
			select {
			case lines <- line:
			case <-c.Done():
				return
			}
		}
	}()

	for {
		select {
		case line := <-lines:
			if err := c.Send(line); err != nil {
				return fmt.Errorf("failed to send message: %w", err)
			}
		case err := <-inputErr:
			// Close flushes queued frames and ends the read loop. The
			// printer then shows whatever arrived in the meantime.
			c.Close()
			<-printed
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-c.Done():
			<-printed
			if err := c.Err(); err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			logger.Info("server closed the connection")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
