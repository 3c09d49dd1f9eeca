package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucent-health/prism"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "prism",
	Short: "Multimodal clinical inference engine",
	Long: "Prism runs calibrated multi-finding inference over clinical cases\n" +
		"combining imaging, structured vitals/labs, and clinical notes.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(inferCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process-wide JSON logger.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("PRISM_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// newApp wires an App for one CLI invocation and returns a context that
// cancels on SIGINT/SIGTERM.
func newApp(extra ...prism.Option) (*prism.App, context.Context, context.CancelFunc, error) {
	logger := newLogger()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	opts := append([]prism.Option{
		prism.WithLogger(logger),
		prism.WithVersion(version),
	}, extra...)

	app, err := prism.New(opts...)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return app, ctx, cancel, nil
}
