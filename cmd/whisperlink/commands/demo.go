package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisperlink/backend/internal/config"
	"github.com/whisperlink/backend/internal/crypto"
	"github.com/whisperlink/backend/internal/node"
	"github.com/whisperlink/backend/internal/session"
	"github.com/whisperlink/backend/internal/transport"
)

// demo: two in-process nodes exchange text and an encrypted file.
func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted exchange between two in-process nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func runDemo(ctx context.Context, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	network := transport.NewNetwork()
	base := cfg
	if base == nil {
		base = config.Default()
	}
	nodeCfg := *base
	nodeCfg.MetricsAddr = ""
	nodeCfg.DirectoryURL = ""

	alice, err := demoNode(ctx, network, &nodeCfg)
	if err != nil {
		return err
	}
	bob, err := demoNode(ctx, network, &nodeCfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "alice %s\nbob   %s\n\n", alice.Identity().Fingerprint(), bob.Identity().Fingerprint())

	if err := alice.Connect(ctx, bob.Address()); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool { return bob.State() == session.StateOpen }); err != nil {
		return fmt.Errorf("bob never opened: %w", err)
	}

	if err := alice.Send(ctx, "hi bob, this is end-to-end encrypted"); err != nil {
		return err
	}
	if _, err := alice.SendFile(ctx, "plan.txt", []byte("meet at noon"), true); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool { return len(bob.Pending()) == 1 }); err != nil {
		return fmt.Errorf("file never arrived: %w", err)
	}

	req := bob.Pending()[0]
	fmt.Fprintf(out, "bob has a pending encrypted file %s, confirming\n", req.FileName)
	m, err := bob.Decide(ctx, req.MessageID, true)
	if err != nil {
		return err
	}
	body, err := bob.Resource(m.Resource)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "bob decrypted %s: %q\n\n", m.Content, body)

	fmt.Fprintln(out, "bob's history:")
	for _, msg := range bob.History() {
		fmt.Fprintf(out, "  %s\n", formatMessage(msg))
	}

	if err := alice.Disconnect(); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool { return len(bob.History()) == 0 }); err != nil {
		return fmt.Errorf("bob kept history after close: %w", err)
	}
	fmt.Fprintln(out, "\nalice disconnected; both histories cleared")
	return nil
}

func demoNode(ctx context.Context, network *transport.Network, cfg *config.Config) (*node.Node, error) {
	id, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	n, err := node.New(node.Options{
		Config:    cfg,
		Identity:  id,
		Transport: network.Endpoint(id.Address()),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	go func() { _ = n.Run(ctx) }()
	return n, nil
}

func waitFor(ctx context.Context, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
