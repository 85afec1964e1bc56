// Package ingest walks a project tree, chunks source and documentation
// files, and feeds them to the vector store. Ingestion runs in the
// background and shares nothing mutable with the chat path beyond the
// read-only retrieval interface.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hermit/internal/logging"
)

// VectorSink is the write half of the store consumed by ingestion.
type VectorSink interface {
	EmbedAndInsert(ctx context.Context, docID, origin, text string) error
	DeleteByOrigin(ctx context.Context, origin string) error
}

// ingestible extensions: code plus docs.
var ingestibleExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".rs": true,
	".java": true, ".rb": true, ".c": true, ".h": true, ".cpp": true,
	".md": true, ".txt": true, ".yaml": true, ".yml": true, ".toml": true,
	".json": true, ".sql": true, ".sh": true,
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git": true, ".hermit": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, ".venv": true, "venv": true,
	"__pycache__": true, ".tox": true, ".pytest_cache": true,
}

// maxFileBytes skips generated monsters and binaries dressed as text.
const maxFileBytes = 512 * 1024

// Stats summarizes one ingestion pass.
type Stats struct {
	Files  int
	Chunks int
	Errors int
}

// Ingestor chunks and embeds project files.
type Ingestor struct {
	sink        VectorSink
	root        string
	parallelism int
	logger      *zap.Logger
}

// New creates an ingestor over root. parallelism bounds concurrent
// embedding calls; values below 1 become 4.
func New(sink VectorSink, root string, parallelism int) *Ingestor {
	if parallelism < 1 {
		parallelism = 4
	}
	return &Ingestor{
		sink:        sink,
		root:        root,
		parallelism: parallelism,
		logger:      logging.Named("ingest"),
	}
}

// IngestDir walks the tree and indexes every ingestible file.
func (ing *Ingestor) IngestDir(ctx context.Context) (Stats, error) {
	var paths []string
	err := filepath.WalkDir(ing.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if ingestible(path, d) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("walk %s: %w", ing.root, err)
	}

	var files, chunks, errs atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.parallelism)
	for _, path := range paths {
		g.Go(func() error {
			n, err := ing.IngestFile(gctx, path)
			if err != nil {
				// A single unreadable or unembeddable file degrades the
				// index, it does not abort the pass. Cancellation does.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				errs.Add(1)
				ing.logger.Warn("file skipped", zap.String("path", path), zap.Error(err))
				return nil
			}
			files.Add(1)
			chunks.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats := Stats{Files: int(files.Load()), Chunks: int(chunks.Load()), Errors: int(errs.Load())}
	ing.logger.Info("ingestion pass complete",
		zap.Int("files", stats.Files),
		zap.Int("chunks", stats.Chunks),
		zap.Int("errors", stats.Errors))
	return stats, nil
}

// IngestFile (re-)indexes a single file, replacing its previous chunks.
func (ing *Ingestor) IngestFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	origin, err := filepath.Rel(ing.root, path)
	if err != nil {
		origin = path
	}

	if err := ing.sink.DeleteByOrigin(ctx, origin); err != nil {
		return 0, err
	}

	chunks := chunkLines(string(data), defaultChunkChars, defaultOverlapLines)
	for _, chunk := range chunks {
		docID := fmt.Sprintf("%s#%d", origin, chunk.Index)
		if err := ing.sink.EmbedAndInsert(ctx, docID, origin, chunk.Text); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

// Remove drops a deleted file's chunks from the index.
func (ing *Ingestor) Remove(ctx context.Context, path string) error {
	origin, err := filepath.Rel(ing.root, path)
	if err != nil {
		origin = path
	}
	return ing.sink.DeleteByOrigin(ctx, origin)
}

func ingestible(path string, d fs.DirEntry) bool {
	if !ingestibleExts[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	info, err := d.Info()
	if err != nil {
		return false
	}
	return info.Size() > 0 && info.Size() <= maxFileBytes
}
