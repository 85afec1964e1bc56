// hermit is a local-first developer assistant. All conversation state
// lives encrypted under .hermit/ in the project directory and all model
// traffic goes to local OpenAI-compatible endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"hermit/internal/logging"
)

var (
	verbose     bool
	projectPath string
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	userStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

var rootCmd = &cobra.Command{
	Use:   "hermit",
	Short: "hermit - local-first assistant with durable context",
	Long: `hermit is a developer assistant that runs entirely against local
inference endpoints (ollama, LM Studio, koboldcpp, jan, gpt4all).

Conversation history is kept in an encrypted append-only log per
session, compacted into summaries as it approaches the model's context
budget, and augmented with fragments retrieved from the project index.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if projectPath == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}
			projectPath = wd
		}
		return logging.Init(verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "C", "", "project directory (default: current directory)")

	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(ponderCmd)
	rootCmd.AddCommand(scribeCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(sessionsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
