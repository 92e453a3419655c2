package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskchat/deskchat/internal/config"
)

var modelsBackend string
var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List available models from a backend",
	Long: `List available models from a backend.

Queries the backend's models API to discover what models are available.
Useful for finding model names to configure.

Examples:
  deskchat models                    # list models from the configured backend
  deskchat models --backend ollama   # list locally installed Ollama models
  deskchat models --json             # output as JSON`,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().StringVarP(&modelsBackend, "backend", "b", "", "Backend to list models from (cloud, copilot, ollama)")
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(modelsBackend, "")

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}
	if !adapter.Configured() {
		return fmt.Errorf("backend '%s' is not configured", cfg.Backend)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	models, err := adapter.Models(ctx)
	if err != nil {
		return fmt.Errorf("listing models for %s: %w", cfg.Backend, err)
	}

	if modelsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}

	fmt.Printf("Models available from %s:\n\n", cfg.Backend)
	for _, m := range models {
		if m.DisplayName != "" && m.DisplayName != m.ID {
			fmt.Printf("  %-40s %s\n", m.ID, m.DisplayName)
		} else {
			fmt.Printf("  %s\n", m.ID)
		}
	}
	fmt.Printf("\n%d models\n", len(models))
	return nil
}
