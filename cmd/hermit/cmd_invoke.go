package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hermit/internal/config"
	"hermit/internal/llm"
	"hermit/internal/logging"
	"hermit/internal/turnlog"
)

var (
	invokeProvider string
	invokeModel    string
)

var invokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Configure hermit for this project",
	Long: `Writes .hermit/config.json with the provider table, probes the known
local endpoints for a running one, and records the active provider and
model. Also generates the log encryption key on first run.

Example:
  hermit invoke --provider ollama --model llama3.2`,
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().StringVar(&invokeProvider, "provider", "", "provider to activate (default: first reachable)")
	invokeCmd.Flags().StringVar(&invokeModel, "model", "", "model to activate (default: first advertised)")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return err
	}

	keyPath, err := turnlog.KeyFilePath()
	if err != nil {
		return err
	}
	switch err := turnlog.GenerateKey(keyPath); {
	case err == nil:
		fmt.Println(dimStyle.Render("encryption key written to " + keyPath))
	case errors.Is(err, turnlog.ErrKeyExists):
		// First run already happened; keep the existing key.
	default:
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	provider, models, err := pickProvider(ctx, cfg)
	if err != nil {
		return err
	}
	cfg.ActiveProvider = provider.Name

	model := invokeModel
	if model == "" {
		if len(models) == 0 {
			return fmt.Errorf("provider %s advertises no models; pass --model", provider.Name)
		}
		model = models[0]
	} else if len(models) > 0 && !contains(models, model) {
		return fmt.Errorf("model %q not advertised by %s (available: %v)", model, provider.Name, models)
	}
	cfg.ActiveModel = model

	if err := cfg.Save(projectPath); err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("hermit configured"))
	fmt.Printf("  provider: %s (%s)\n", provider.Name, provider.BaseURL)
	fmt.Printf("  model:    %s\n", model)
	fmt.Printf("  config:   %s\n", config.Path(projectPath))
	return nil
}

// pickProvider returns the requested provider, or the first one that
// answers a model listing.
func pickProvider(ctx context.Context, cfg *config.Config) (config.Provider, []string, error) {
	logger := logging.Named("invoke")

	if invokeProvider != "" {
		for _, p := range cfg.Providers {
			if p.Name == invokeProvider {
				models, err := llm.ListModels(ctx, p.BaseURL)
				if err != nil {
					logger.Warn("provider not reachable", zap.String("provider", p.Name), zap.Error(err))
					return p, nil, nil
				}
				return p, models, nil
			}
		}
		return config.Provider{}, nil, fmt.Errorf("unknown provider %q", invokeProvider)
	}

	for _, p := range cfg.Providers {
		models, err := llm.ListModels(ctx, p.BaseURL)
		if err != nil {
			logger.Debug("probe failed", zap.String("provider", p.Name), zap.Error(err))
			continue
		}
		return p, models, nil
	}
	return config.Provider{}, nil, fmt.Errorf("no local provider reachable; start one (e.g. ollama) or pass --provider")
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
