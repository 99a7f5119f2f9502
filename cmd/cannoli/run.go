package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aescanero/cannoli/internal/engine"
	"github.com/aescanero/cannoli/pkg/adapters/metrics/noop"
	"github.com/aescanero/cannoli/pkg/adapters/progress"
	memoryvault "github.com/aescanero/cannoli/pkg/adapters/vault/memory"
	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runOptions struct {
	vaultDir string
	progress bool
	timeout  time.Duration
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a graph document locally and print its stoppage",
		Long: `Execute a JSON or YAML graph document in this process and print the
resulting stoppage as JSON. The command exits non-zero unless the run
completes.

Examples:
  # Run against the echo provider, no API key needed
  cannoli run --llm-provider echo graph.yaml

  # Resolve [[Note]] references from a folder of markdown notes
  cannoli run --vault ./notes --progress graph.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDocument(cmd.Context(), flags, opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.vaultDir, "vault", "", "Directory of markdown notes used as the vault")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "Print status changes to stderr")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Stop the run after this long (0 disables)")

	return cmd
}

func runDocument(ctx context.Context, flags *globalFlags, opts *runOptions, path string, stdout, stderr io.Writer) error {
	doc, err := readDocument(path)
	if err != nil {
		return err
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close(logger)

	if opts.vaultDir != "" {
		notes, err := loadNotes(opts.vaultDir)
		if err != nil {
			return err
		}
		comps.vault = memoryvault.NewVault(notes)
	}

	deps := comps.engineOptions(logger)
	deps.Metrics = noop.Collector{}
	if opts.progress {
		queue := progress.NewQueue(&printSink{w: stderr}, 0)
		defer queue.Close()
		deps.Progress = queue
	}

	// Graph rules are checked by the run itself and reported as a stoppage.
	run, err := engine.New(doc, deps)
	if err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	stoppage := run.Run(ctx)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stoppage); err != nil {
		return fmt.Errorf("failed to write stoppage: %w", err)
	}

	logger.Debug("run finished",
		zap.String("reason", string(stoppage.Reason)),
		zap.Float64("total_cost", stoppage.TotalCost))

	if stoppage.Reason != domain.StopReasonComplete {
		return &exitError{reason: string(stoppage.Reason)}
	}
	return nil
}

func readDocument(path string) (*domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	doc, err := domain.ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// loadNotes reads every .md file under dir, keyed by its name without the
// extension.
func loadNotes(dir string) (map[string]string, error) {
	notes := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		notes[strings.TrimSuffix(d.Name(), ".md")] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load vault: %w", err)
	}
	return notes, nil
}

// printSink writes progress updates as plain lines.
type printSink struct {
	w io.Writer
}

func (p *printSink) SetStatus(objectID string, status domain.Status) {
	fmt.Fprintf(p.w, "%s: %s\n", objectID, status)
}

func (p *printSink) SetText(objectID, text string) {}

func (p *printSink) Annotate(objectID string, severity domain.Status, message string) {
	fmt.Fprintf(p.w, "%s: [%s] %s\n", objectID, severity, message)
}
