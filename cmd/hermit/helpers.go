package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/glamour"

	"hermit/internal/config"
	"hermit/internal/embedding"
	"hermit/internal/llm"
	"hermit/internal/retrieval"
	"hermit/internal/store"
	"hermit/internal/turnlog"
)

const completionTimeout = 120 * time.Second

func indexPath() string {
	return filepath.Join(config.Dir(projectPath), "index.db")
}

// buildModel constructs the chat client for the configured provider.
func buildModel(cfg *config.Config) (*llm.Client, error) {
	baseURL, err := cfg.ActiveBaseURL()
	if err != nil {
		return nil, err
	}
	if cfg.ActiveModel == "" {
		return nil, fmt.Errorf("no active model configured; run 'hermit invoke'")
	}
	return llm.NewClient(baseURL, cfg.ActiveModel, completionTimeout), nil
}

// openIndex opens the project's vector store if it exists. A missing
// index is not an error: retrieval degrades to no fragments.
func openIndex(cfg *config.Config) (*store.VectorStore, error) {
	if _, err := os.Stat(indexPath()); os.IsNotExist(err) {
		return nil, nil
	}
	embedder := embedding.NewOllamaEngine(cfg.Embedding.Endpoint, cfg.Embedding.Model)
	return store.Open(indexPath(), embedder)
}

// buildRetriever wraps the index, if any, in the degrading retrieval
// client.
func buildRetriever(cfg *config.Config) (*retrieval.Client, *store.VectorStore, error) {
	idx, err := openIndex(cfg)
	if err != nil {
		return nil, nil, err
	}
	if idx == nil {
		return nil, nil, nil
	}
	return retrieval.NewClient(idx, 5*time.Second), idx, nil
}

// loadMasterKey resolves the log encryption key, generating one on first
// use so chat works out of the box.
func loadMasterKey() ([]byte, error) {
	key, err := turnlog.LoadKey()
	if err == nil {
		return key, nil
	}
	path, perr := turnlog.KeyFilePath()
	if perr != nil {
		return nil, err
	}
	if _, serr := os.Stat(path); !os.IsNotExist(serr) {
		return nil, err
	}
	fmt.Println(dimStyle.Render("generating encryption key at " + path))
	if gerr := turnlog.GenerateKey(path); gerr != nil {
		return nil, gerr
	}
	return turnlog.LoadKey()
}

// renderMarkdown pretty-prints model output for the terminal, falling
// back to the raw text when rendering fails.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return out
}
