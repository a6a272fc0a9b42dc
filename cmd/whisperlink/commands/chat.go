package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/whisperlink/backend/internal/chat"
	"github.com/whisperlink/backend/internal/node"
	"github.com/whisperlink/backend/internal/observability"
)

// chat: run a node over QUIC and drive it from stdin.
func chatCmd() *cobra.Command {
	var connectTo string
	cmd := &cobra.Command{
		Use:     "chat",
		Aliases: []string{"serve"},
		Short:   "Start a node and chat interactively",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName)
			if err != nil {
				logger.Warn("tracing disabled: " + err.Error())
			} else {
				defer func() { _ = shutdownTracing(context.Background()) }()
			}

			n, err := node.NewQUIC(cfg, nil, logger)
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- n.Run(runCtx) }()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address:   %s\n", n.Address())
			fmt.Fprintf(out, "listening: %s\n", n.ListenAddr())
			fmt.Fprintln(out, "type /help for commands")

			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			r := newREPL(n, out, interactive)

			sub := n.Subscribe()
			go func() {
				for notice := range sub.Channel {
					if notice.Type == chat.NoticeSent {
						continue
					}
					r.notify(notice)
				}
			}()

			if connectTo != "" {
				if err := r.handle(ctx, "/connect "+connectTo); err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
				}
			}

			replErr := r.run(ctx, cmd.InOrStdin())
			n.Unsubscribe(sub.ID)
			cancel()
			if err := <-done; err != nil {
				return err
			}
			return replErr
		},
	}
	cmd.Flags().StringVar(&connectTo, "connect", "", "connect to <public-key>[@host:port] on start")
	return cmd
}
