package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aescanero/cannoli/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// exitError carries a non-zero exit without an extra error message; the
// command already reported the outcome.
type exitError struct {
	reason string
}

func (e *exitError) Error() string {
	return e.reason
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel    string
	llmProvider string
}

// Execute runs the root command with signal handling
func Execute(ctx context.Context, args []string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "cannoli",
		Short: "Cannoli - graph execution engine for LLM canvases",
		Long: `Cannoli executes graph documents of content, call, search and
reference nodes connected by typed edges.

Use "serve" to run the HTTP/gRPC service, "run" to execute a single
document locally and "validate" to check one without executing it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&flags.llmProvider, "llm-provider", "", "LLM provider (anthropic, echo); overrides LLM_PROVIDER")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cannoli %s (built %s)\n", Version, BuildTime)
		},
	}
}

// loadConfig reads the environment and applies flag overrides before
// validating.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	environment := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environment[k] = v
		}
	}
	if f.logLevel != "" {
		environment["LOG_LEVEL"] = f.logLevel
	}
	if f.llmProvider != "" {
		environment["LLM_PROVIDER"] = f.llmProvider
	}
	return config.LoadFrom(environment)
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
