// Package types holds the shared domain types of the context engine:
// conversation turns, model profiles, compaction records and retrieved
// fragments, plus the interfaces of the external collaborators (model
// backend, summarizer, embedder, vector index).
package types

import (
	"fmt"
	"time"
)

// Role identifies who produced a turn. It is a closed set: compaction
// logic switches over it exhaustively, so open-ended strings are rejected
// at the append boundary.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSummary marks a synthesized turn that replaces a folded range of
	// older turns. It is never an edit of an existing turn.
	RoleSummary Role = "summary"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSummary:
		return true
	}
	return false
}

// Turn is one conversational unit. Immutable once written.
type Turn struct {
	// SequenceID is strictly increasing per session and assigned at append
	// time. It is the total order over a session's history.
	SequenceID uint64 `json:"sequence_id" cbor:"1,keyasint"`

	Role    Role   `json:"role" cbor:"2,keyasint"`
	Content string `json:"content" cbor:"3,keyasint"`

	// Timestamp is wall-clock time; Mono is a monotonic reading (nanoseconds
	// since session open) that orders turns even across wall-clock jumps.
	Timestamp time.Time `json:"timestamp" cbor:"4,keyasint"`
	Mono      int64     `json:"mono" cbor:"5,keyasint"`

	// TokenCount caches the estimator's cost for Content so budget checks
	// never re-estimate unchanged turns.
	TokenCount int `json:"token_count" cbor:"6,keyasint"`
}

// ModelProfile describes the target model family for budgeting purposes.
type ModelProfile struct {
	Name string `json:"name"`

	// ContextBudget is the hard token ceiling for an assembled prompt.
	ContextBudget int `json:"context_budget"`

	// CharsPerToken calibrates the estimator for the model's encoding
	// family (~4 for most modern tokenizers).
	CharsPerToken float64 `json:"chars_per_token"`
}

// CompactionRecord is produced each time compaction runs. It is appended
// to the session log; the folded originals stay in the log for audit,
// compaction is only logically destructive.
type CompactionRecord struct {
	// CoversFrom/CoversTo is the inclusive sequence span folded into Summary.
	CoversFrom uint64 `json:"covers_from" cbor:"1,keyasint"`
	CoversTo   uint64 `json:"covers_to" cbor:"2,keyasint"`

	// Summary is the synthesized replacement turn (Role == RoleSummary).
	Summary Turn `json:"summary" cbor:"3,keyasint"`

	// SourceTokens and SummaryTokens record both sides of the shrink
	// invariant: SummaryTokens < SourceTokens holds for every committed
	// record.
	SourceTokens  int `json:"source_tokens" cbor:"4,keyasint"`
	SummaryTokens int `json:"summary_tokens" cbor:"5,keyasint"`
}

// Validate checks the structural invariants of a committed record.
func (r CompactionRecord) Validate() error {
	if r.CoversFrom > r.CoversTo {
		return fmt.Errorf("compaction record covers inverted range %d..%d", r.CoversFrom, r.CoversTo)
	}
	if r.Summary.Role != RoleSummary {
		return fmt.Errorf("compaction record summary has role %q", r.Summary.Role)
	}
	if r.SummaryTokens >= r.SourceTokens {
		return fmt.Errorf("compaction record did not shrink: %d >= %d", r.SummaryTokens, r.SourceTokens)
	}
	return nil
}

// RetrievedFragment is a piece of external document/code content relevant
// to the current query. Ephemeral: it lives for one context-assembly call
// and is never persisted as part of the session.
type RetrievedFragment struct {
	SourceID  string  `json:"source_id"`
	Text      string  `json:"text"`
	Relevance float64 `json:"relevance"`
	// Origin is the file path or document id the fragment came from.
	Origin string `json:"origin"`
}

// GenerationOptions tunes a single completion call.
type GenerationOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}
