package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"hermit/internal/config"
	"hermit/internal/turnlog"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored chat sessions",
	RunE:  runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	dir := config.SessionsDir(projectPath)
	ids, err := turnlog.ListSessions(dir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println(dimStyle.Render("no sessions yet; start one with 'hermit chat'"))
		return nil
	}

	fmt.Println(headerStyle.Render("sessions"))
	for _, id := range ids {
		line := "  " + id
		if info, err := os.Stat(filepath.Join(dir, id+".log")); err == nil {
			line += dimStyle.Render(fmt.Sprintf("  %s  %d bytes",
				info.ModTime().Format("2006-01-02 15:04"), info.Size()))
		}
		fmt.Println(line)
	}
	return nil
}
