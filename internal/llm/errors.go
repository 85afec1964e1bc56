package llm

import "errors"

var (
	// ErrModelUnavailable means the provider could not be reached or
	// rejected the request.
	ErrModelUnavailable = errors.New("llm: model unavailable")
	// ErrModelTimeout means the completion call exceeded its deadline or
	// was cancelled.
	ErrModelTimeout = errors.New("llm: model timeout")

	// ErrSummarizationUnavailable and ErrSummarizationTimeout are the
	// summarization capability's counterparts. Compaction maps them into
	// CompactionIneffective; they are never retried silently here.
	ErrSummarizationUnavailable = errors.New("llm: summarization unavailable")
	ErrSummarizationTimeout     = errors.New("llm: summarization timeout")
)
