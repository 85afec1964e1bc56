package types

import "context"

// LLMClient is the model backend consumed by the engine. Calls are
// long-running; implementations must honor context cancellation.
type LLMClient interface {
	Complete(ctx context.Context, prompt string, opts GenerationOptions) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts GenerationOptions) (string, error)
}

// Summarizer is the external summarization capability used by compaction.
// targetTokens is a ceiling hint, not a guarantee: the caller re-verifies
// the result with its own estimator.
type Summarizer interface {
	Summarize(ctx context.Context, text string, targetTokens int) (string, error)
}

// Embedder turns text into vectors for the retrieval store.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the narrow query/insert surface of the vector store.
// Query is read-only and returns fragments ordered highest relevance first.
type VectorIndex interface {
	EmbedAndInsert(ctx context.Context, docID, origin, text string) error
	Query(ctx context.Context, text string, topK int) ([]RetrievedFragment, error)
}
