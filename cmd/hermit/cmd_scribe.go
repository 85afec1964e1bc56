package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hermit/internal/config"
	"hermit/internal/prompt"
	"hermit/internal/sandbox"
	"hermit/internal/types"
)

var scribeStaged bool

var scribeCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Draft a commit message from the working tree diff",
	Long: `Captures the git diff and asks the model for a conventional commit
message. Use --staged to describe only what is staged for commit.`,
	RunE: runScribe,
}

func init() {
	scribeCmd.Flags().BoolVar(&scribeStaged, "staged", false, "use the staged diff (git diff --cached)")
}

func runScribe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return err
	}
	model, err := buildModel(cfg)
	if err != nil {
		return err
	}

	gitArgs := []string{"diff"}
	if scribeStaged {
		gitArgs = append(gitArgs, "--cached")
	}
	exec := sandbox.NewExecutor(projectPath, []string{"git"})
	res, err := exec.Run(cmd.Context(), "git", gitArgs, sandbox.Limits{Timeout: 15 * time.Second})
	if err != nil {
		return fmt.Errorf("capture diff: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git diff failed: %s", strings.TrimSpace(res.Stderr))
	}
	diff := strings.TrimSpace(res.Stdout)
	if diff == "" {
		return fmt.Errorf("nothing to describe: the diff is empty")
	}

	reply, err := model.CompleteWithSystem(cmd.Context(),
		prompt.Persona(prompt.PersonaScribe), diff, types.GenerationOptions{})
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(reply))
	return nil
}
