package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codewiresh/streamwire/internal/auth"
	"github.com/codewiresh/streamwire/internal/config"
	"github.com/codewiresh/streamwire/internal/host"
)

var (
	serverFlag   string
	tokenFlag    string
	logLevelFlag string
	dataDirFlag  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "swire",
		Short:         "Multiplexed request/response over WebSocket and Unix sockets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := config.ParseLevel(logLevelFlag)
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(os.Stderr, level))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Host to connect to (ws://, wss://, http(s):// or unix://); defaults to the local socket")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Auth token for a WebSocket host")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default $STREAMWIRE_DATA_DIR or ~/.streamwire)")

	rootCmd.AddCommand(
		serveCmd(),
		pingCmd(),
		sendCmd(),
		watchCmd(),
		tokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[swire] %v\n", err)
		os.Exit(1)
	}
}

// newLogger writes human-readable logs to a terminal and JSON otherwise.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func dataDir() (string, error) {
	if dataDirFlag != "" {
		return dataDirFlag, nil
	}
	return config.DataDir()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ---------------------------------------------------------------------------
// serveCmd (aliases: start)
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var listen, socket string
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Run the streamwire host",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dataDir()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}

			cfg, err := config.Load(dir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("socket") {
				cfg.Socket = socket
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
				level, _ := config.ParseLevel(cfg.LogLevel)
				slog.SetDefault(newLogger(os.Stderr, level))
			}

			if cfg.Token == "" {
				token, err := auth.LoadOrGenerateToken(dir)
				if err != nil {
					return fmt.Errorf("loading auth token: %w", err)
				}
				cfg.Token = token
			}
			slog.Info("auth token ready", "dir", dir)

			ctx, cancel := signalContext()
			defer cancel()
			go func() {
				<-ctx.Done()
				slog.Info("shutting down")
			}()

			return host.New(cfg, slog.Default()).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "TCP listen address (empty disables)")
	cmd.Flags().StringVar(&socket, "socket", "", "Unix socket path (empty disables)")
	return cmd
}

// ---------------------------------------------------------------------------
// tokenCmd
// ---------------------------------------------------------------------------

func tokenCmd() *cobra.Command {
	var regenerate bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the host auth token",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dataDir()
			if err != nil {
				return err
			}
			var token string
			if regenerate {
				token, err = auth.GenerateToken(dir)
			} else {
				token, err = auth.LoadOrGenerateToken(dir)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "Replace the stored token with a new one")
	return cmd
}
