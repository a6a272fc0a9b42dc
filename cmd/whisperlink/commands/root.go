package commands

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/whisperlink/backend/internal/config"
	"github.com/whisperlink/backend/internal/node"
	"github.com/whisperlink/backend/internal/observability"
)

var (
	cfg    *config.Config
	logger *observability.Logger

	listenAddr   string
	directoryURL string
	metricsAddr  string
	logLevel     string
)

func Execute() error {
	root := &cobra.Command{
		Use:           "whisperlink",
		Short:         "End-to-end encrypted peer-to-peer chat",
		Version:       node.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				loaded.ListenAddr = listenAddr
			}
			if flags.Changed("directory") {
				loaded.DirectoryURL = directoryURL
			}
			if flags.Changed("metrics") {
				loaded.MetricsAddr = metricsAddr
			}
			if flags.Changed("log-level") {
				loaded.LogLevel = logLevel
			}
			if err := loaded.Validate(); err != nil {
				return err
			}
			cfg = loaded
			logger = observability.NewLogger(cfg.ServiceName, node.Version, logOutput()).WithLevel(cfg.LogLevel)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&listenAddr, "listen", "", "QUIC listen address (env WHISPER_LISTEN_ADDR)")
	root.PersistentFlags().StringVar(&directoryURL, "directory", "", "directory base URL, empty to disable (env WHISPER_DIRECTORY_URL)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "metrics and health address, empty to disable (env WHISPER_METRICS_ADDR)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (env WHISPER_LOG_LEVEL)")

	root.AddCommand(keygenCmd(), deriveCmd(), chatCmd(), demoCmd())
	return root.Execute()
}

// logOutput writes human-readable logs on a terminal and JSON otherwise.
func logOutput() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return os.Stderr
}
