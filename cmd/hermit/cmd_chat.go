package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"hermit/internal/compaction"
	"hermit/internal/config"
	"hermit/internal/engine"
	"hermit/internal/prompt"
	"hermit/internal/session"
	"hermit/internal/tokens"
	"hermit/internal/turnlog"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat [name]",
	Short: "Start or resume a persistent chat session",
	Long: `Opens a named conversation backed by an encrypted append-only log
under .hermit/sessions/. History survives restarts and crashes; when it
approaches the model's context budget, older turns are folded into
summaries automatically.

Resume an existing session with --session (see 'hermit sessions').`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "existing session id to resume")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return err
	}
	model, err := buildModel(cfg)
	if err != nil {
		return err
	}
	masterKey, err := loadMasterKey()
	if err != nil {
		return err
	}

	name := "chat"
	if len(args) == 1 {
		name = args[0]
	}
	sessionID := chatSessionID
	if sessionID == "" {
		sessionID = engine.NewSessionID(name)
	}

	sessionsDir := config.SessionsDir(projectPath)
	if err := os.MkdirAll(sessionsDir, 0o700); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	cw := cfg.ContextWindow
	est := tokens.NewEstimator(cfg.Profile())
	sess, log, err := engine.OpenSession(sessionsDir, sessionID, name, masterKey,
		cfg.Profile(), session.Config{
			HighWatermarkRatio: cw.HighWatermarkRatio,
			KeepFreshTurns:     cw.KeepFreshTurns,
		}, est)
	if err != nil {
		if errors.Is(err, turnlog.ErrSessionLocked) {
			return fmt.Errorf("session %s is open in another hermit process", sessionID)
		}
		return err
	}

	retriever, idx, err := buildRetriever(cfg)
	if err != nil {
		log.Close()
		return err
	}
	if idx != nil {
		defer idx.Close()
	}

	compactor := compaction.NewEngine(model, est, compaction.Config{
		TargetRatio: cw.CompactionTargetRatio,
	})
	assembler := prompt.NewAssembler(est, cfg.Profile())
	eng := engine.New(sess, log, compactor, assembler, retriever, model,
		prompt.Persona(prompt.PersonaChat), cw.TopK)
	defer eng.Close()

	fmt.Println(headerStyle.Render("hermit chat") + dimStyle.Render("  session "+sessionID+"  model "+cfg.ActiveModel))
	fmt.Println(dimStyle.Render("type your message, /tokens for usage, /quit to exit"))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Print(userStyle.Render("you> "))
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "/quit" || input == "/exit":
			return nil
		case input == "/tokens":
			fmt.Printf("%s\n", dimStyle.Render(fmt.Sprintf(
				"live tokens: %d / %d (state %s, watermark %d)",
				sess.LiveTokens(), cfg.Profile().ContextBudget,
				sess.State(), sess.Watermark())))
			continue
		}

		reply, err := eng.ProcessTurn(cmd.Context(), input)
		if err != nil {
			fmt.Println(errorStyle.Render("error: ") + err.Error())
			continue
		}
		fmt.Print(renderMarkdown(reply))
	}
	return scanner.Err()
}
