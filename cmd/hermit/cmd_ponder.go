package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hermit/internal/config"
	"hermit/internal/prompt"
	"hermit/internal/session"
	"hermit/internal/tokens"
	"hermit/internal/types"
)

var ponderCmd = &cobra.Command{
	Use:   "ponder <question>",
	Short: "Ask a one-shot question with project context",
	Long: `Answers a single question, augmented with fragments retrieved from
the project index when one exists. Nothing is persisted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPonder,
}

func runPonder(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")

	cfg, err := config.Load(projectPath)
	if err != nil {
		return err
	}
	model, err := buildModel(cfg)
	if err != nil {
		return err
	}
	retriever, idx, err := buildRetriever(cfg)
	if err != nil {
		return err
	}
	if idx != nil {
		defer idx.Close()
	}

	var fragments []types.RetrievedFragment
	if retriever != nil {
		fragments = retriever.Query(cmd.Context(), question, cfg.ContextWindow.TopK)
	}

	est := tokens.NewEstimator(cfg.Profile())
	s := session.New("ponder", "ponder", cfg.Profile(), session.Config{}, est)
	turn, err := s.NextTurn(types.RoleUser, question)
	if err != nil {
		return err
	}
	turn.SequenceID = 1

	assembler := prompt.NewAssembler(est, cfg.Profile())
	rendered, err := assembler.Assemble(prompt.Input{
		System:    prompt.Persona(prompt.PersonaChat),
		Turns:     []types.Turn{turn},
		Fragments: fragments,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	reply, err := model.Complete(cmd.Context(), rendered, types.GenerationOptions{})
	if err != nil {
		return err
	}
	fmt.Print(renderMarkdown(reply))
	fmt.Println(dimStyle.Render(fmt.Sprintf("(%d fragments, %.1fs)", len(fragments), time.Since(start).Seconds())))
	return nil
}
