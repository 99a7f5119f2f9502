package main

import (
	"fmt"

	"github.com/aescanero/cannoli/internal/application/orchestrator"
	"github.com/aescanero/cannoli/internal/engine"
	"github.com/aescanero/cannoli/pkg/adapters/llm"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a graph document without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}

			// Validation never calls the provider.
			validator := orchestrator.NewValidator(engine.Options{LLM: llm.NewEchoClient("")})
			if err := validator.Validate(doc); err != nil {
				for _, e := range multierr.Errors(err) {
					fmt.Fprintf(cmd.OutOrStdout(), "error: %v\n", e)
				}
				return &exitError{reason: "invalid document"}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d vertices, %d edges)\n", args[0], len(doc.Vertices), len(doc.Edges))
			return nil
		},
	}
}
