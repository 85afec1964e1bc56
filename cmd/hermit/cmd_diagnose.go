package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hermit/internal/config"
	"hermit/internal/prompt"
	"hermit/internal/sandbox"
	"hermit/internal/types"
)

var (
	diagnoseLog    string
	diagnoseSource string
)

const (
	diagnoseMaxBytes   = 64 * 1024
	diagnoseRunTimeout = 2 * time.Minute
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose [command ...]",
	Short: "Run a failing command and diagnose it",
	Long: `Runs the given command; if it exits nonzero, the captured output is
sent to the model for root-cause analysis. When the output names a source
file, that file is included for context.

With --log, diagnoses an existing error log instead of running anything.
Long inputs are trimmed to their tail, where stack traces usually end up.

Examples:
  hermit diagnose go test ./...
  hermit diagnose --log build.log --source main.go`,
	Args: cobra.ArbitraryArgs,
	RunE: runDiagnose,
}

func init() {
	diagnoseCmd.Flags().StringVar(&diagnoseLog, "log", "", "diagnose this error log instead of running a command")
	diagnoseCmd.Flags().StringVar(&diagnoseSource, "source", "", "source file referenced by the error")
	// Flags after the command belong to the command.
	diagnoseCmd.Flags().SetInterspersed(false)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return err
	}
	model, err := buildModel(cfg)
	if err != nil {
		return err
	}

	var logText string
	switch {
	case diagnoseLog != "":
		logText, err = readTail(diagnoseLog)
		if err != nil {
			return err
		}
	case len(args) > 0:
		ok, output, err := runFailingCommand(cmd.Context(), args)
		if err != nil {
			return err
		}
		if ok {
			fmt.Println(dimStyle.Render("command finished successfully"))
			return nil
		}
		logText = output
	default:
		return errors.New("pass a command to run, or --log <file>")
	}

	sourcePath := diagnoseSource
	if sourcePath == "" {
		sourcePath = parseErrorFilepath(logText)
	}

	var b strings.Builder
	b.WriteString("Error log:\n```\n")
	b.WriteString(logText)
	b.WriteString("\n```\n")
	if sourcePath != "" {
		src, err := readTail(sourcePath)
		if err == nil {
			fmt.Fprintf(&b, "\nSource file %s:\n```\n%s\n```\n", sourcePath, src)
		} else if diagnoseSource != "" {
			// An explicitly named source file must exist; a sniffed one is
			// best effort.
			return err
		}
	}

	reply, err := model.CompleteWithSystem(cmd.Context(),
		prompt.Persona(prompt.PersonaDiagnose), b.String(), types.GenerationOptions{})
	if err != nil {
		return err
	}
	fmt.Print(renderMarkdown(reply))
	return nil
}

// runFailingCommand executes args under the sandbox, echoes the captured
// output, and reports whether the command succeeded. Nonzero exit returns
// the combined output for diagnosis.
func runFailingCommand(ctx context.Context, args []string) (ok bool, output string, err error) {
	fmt.Println(dimStyle.Render("running: " + strings.Join(args, " ")))

	exec := sandbox.NewExecutor(projectPath, []string{args[0]})
	res, err := exec.Run(ctx, args[0], args[1:], sandbox.Limits{
		Timeout:        diagnoseRunTimeout,
		MaxOutputBytes: diagnoseMaxBytes,
	})
	if err != nil {
		return false, "", err
	}

	combined := strings.TrimSpace(res.Stdout + res.Stderr)
	if combined != "" {
		fmt.Println(combined)
	}
	if res.ExitCode == 0 {
		return true, "", nil
	}
	fmt.Println(errorStyle.Render(fmt.Sprintf("command failed with exit code %d, diagnosing...", res.ExitCode)))
	return false, combined, nil
}

var errorFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`File "([^"]+)"`),
	regexp.MustCompile(`(/[^\s:]+\.\w+):\d+`),
	regexp.MustCompile(`([\w./-]+\.go):\d+`),
}

// parseErrorFilepath returns the last readable file path a stack trace or
// compiler error mentions, or "".
func parseErrorFilepath(log string) string {
	for _, re := range errorFilePatterns {
		matches := re.FindAllStringSubmatch(log, -1)
		for i := len(matches) - 1; i >= 0; i-- {
			path := strings.TrimSpace(matches[i][1])
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path
			}
		}
	}
	return ""
}

// readTail reads a file, keeping only the final diagnoseMaxBytes.
func readTail(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > diagnoseMaxBytes {
		data = data[len(data)-diagnoseMaxBytes:]
	}
	return strings.TrimSpace(string(data)), nil
}
