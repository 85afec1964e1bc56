package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"hermit/internal/config"
	"hermit/internal/embedding"
	"hermit/internal/ingest"
	"hermit/internal/store"
)

var (
	ingestWatch    bool
	ingestParallel int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path]",
	Short: "Index project files for retrieval",
	Long: `Chunks and embeds source files under the given path (default: the
project directory) into the vector store at .hermit/index.db. With
--watch, keeps running and re-indexes files as they change.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "keep watching for file changes")
	ingestCmd.Flags().IntVar(&ingestParallel, "parallelism", 4, "concurrent embedding workers")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return err
	}

	root := projectPath
	if len(args) == 1 {
		root, err = filepath.Abs(args[0])
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(config.Dir(projectPath), 0o755); err != nil {
		return fmt.Errorf("create .hermit dir: %w", err)
	}
	embedder := embedding.NewOllamaEngine(cfg.Embedding.Endpoint, cfg.Embedding.Model)
	idx, err := store.Open(indexPath(), embedder)
	if err != nil {
		return err
	}
	defer idx.Close()

	ing := ingest.New(idx, root, ingestParallel)
	stats, err := ing.IngestDir(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render("ingest complete"))
	fmt.Printf("  files:  %d\n  chunks: %d\n  errors: %d\n", stats.Files, stats.Chunks, stats.Errors)
	if count, err := idx.Count(cmd.Context()); err == nil {
		fmt.Printf("  index:  %d documents\n", count)
	}

	if !ingestWatch {
		return nil
	}
	fmt.Println(dimStyle.Render("watching for changes (ctrl-c to stop)"))
	return ing.Watch(cmd.Context())
}
