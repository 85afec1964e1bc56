// Package compaction decides when and how to fold old conversation turns
// into a synthesized summary turn. Compaction is logically destructive to
// context but never to history: the folded originals stay in the log, the
// summary replaces them only in the in-memory view.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"hermit/internal/logging"
	"hermit/internal/session"
	"hermit/internal/tokens"
	"hermit/internal/turnlog"
	"hermit/internal/types"
)

// ErrCompactionIneffective means summarization failed to shrink the
// selected range (or failed outright) even after the single built-in
// retry. The watermark and log are left untouched; the caller must either
// proceed over budget for one turn or hard-truncate.
var ErrCompactionIneffective = errors.New("compaction: ineffective")

// Config holds the compaction tunables.
type Config struct {
	// TargetRatio is the summary token ceiling as a fraction of the
	// folded range's combined size.
	TargetRatio float64
}

// Engine runs compaction for a session. It never retries the external
// summarizer more than once, and a failed run commits nothing.
type Engine struct {
	summarizer types.Summarizer
	est        *tokens.Estimator
	cfg        Config
	logger     *zap.Logger
}

// NewEngine creates a compaction engine.
func NewEngine(summarizer types.Summarizer, est *tokens.Estimator, cfg Config) *Engine {
	if cfg.TargetRatio <= 0 || cfg.TargetRatio >= 1 {
		cfg.TargetRatio = 0.2
	}
	return &Engine{
		summarizer: summarizer,
		est:        est,
		cfg:        cfg,
		logger:     logging.Named("compaction"),
	}
}

// Compact selects the foldable range of sess (everything above the
// watermark except the keep-fresh window), summarizes it, verifies the
// shrink invariant, and on success appends the compaction record to log
// and advances the session watermark.
//
// Returns (nil, nil) when there is nothing to fold: re-running compaction
// on an already-compacted range is a no-op.
//
// The shrink invariant is verified with the same estimator used for
// growth decisions. On violation the engine retries once with a stricter
// ceiling and a narrower range (dropping the oldest quarter); a second
// violation, or any summarizer failure, yields ErrCompactionIneffective
// with session and log state unchanged.
func (e *Engine) Compact(ctx context.Context, sess *session.Session, log *turnlog.Log) (*types.CompactionRecord, error) {
	candidates := sess.CompactionCandidates()
	if !foldable(candidates) {
		e.logger.Debug("nothing to compact",
			zap.String("session", sess.ID()),
			zap.Uint64("watermark", sess.Watermark()))
		return nil, nil
	}

	rec, err := e.attempt(ctx, candidates, e.cfg.TargetRatio)
	if err != nil {
		// Retry once: stricter ceiling, narrower range (drop the oldest
		// quarter). Narrowing below usefulness falls through to failure.
		narrowed := candidates[len(candidates)/4:]
		if foldable(narrowed) {
			e.logger.Warn("compaction attempt failed, retrying stricter",
				zap.String("session", sess.ID()), zap.Error(err))
			rec, err = e.attempt(ctx, narrowed, e.cfg.TargetRatio/2)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompactionIneffective, err)
		}
	}

	committed, err := log.AppendCompaction(*rec)
	if err != nil {
		return nil, err
	}
	if err := sess.ApplyCompaction(committed); err != nil {
		return nil, err
	}
	sess.SyncSeq(log.LastSeq())

	e.logger.Info("compaction committed",
		zap.String("session", sess.ID()),
		zap.Uint64("covers_from", committed.CoversFrom),
		zap.Uint64("covers_to", committed.CoversTo),
		zap.Int("source_tokens", committed.SourceTokens),
		zap.Int("summary_tokens", committed.SummaryTokens))
	return &committed, nil
}

// attempt summarizes one candidate range and verifies the shrink
// invariant. Nothing is committed here.
func (e *Engine) attempt(ctx context.Context, turns []types.Turn, ratio float64) (*types.CompactionRecord, error) {
	sourceTokens := e.est.EstimateTurns(turns)
	target := int(ratio * float64(sourceTokens))
	if target < 1 {
		target = 1
	}

	summary, err := e.summarizer.Summarize(ctx, renderTranscript(turns), target)
	if err != nil {
		return nil, err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, errors.New("summarizer returned empty summary")
	}

	summaryTurn := types.Turn{
		SequenceID: turns[0].SequenceID,
		Role:       types.RoleSummary,
		Content:    summary,
		Timestamp:  time.Now().UTC(),
	}
	summaryTurn.TokenCount = e.est.EstimateTurn(summaryTurn)

	if summaryTurn.TokenCount >= sourceTokens {
		return nil, fmt.Errorf("summary did not shrink: %d >= %d tokens",
			summaryTurn.TokenCount, sourceTokens)
	}

	return &types.CompactionRecord{
		CoversFrom:    turns[0].SequenceID,
		CoversTo:      turns[len(turns)-1].SequenceID,
		Summary:       summaryTurn,
		SourceTokens:  sourceTokens,
		SummaryTokens: summaryTurn.TokenCount,
	}, nil
}

// foldable reports whether a candidate range contains at least one
// non-summary turn. Folding a lone prior summary would churn the log
// without reclaiming context.
func foldable(turns []types.Turn) bool {
	for _, t := range turns {
		if t.Role != types.RoleSummary {
			return true
		}
	}
	return false
}

// renderTranscript flattens turns into the text handed to the summarizer.
func renderTranscript(turns []types.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		switch t.Role {
		case types.RoleUser:
			sb.WriteString("User: ")
		case types.RoleAssistant:
			sb.WriteString("Assistant: ")
		case types.RoleSummary:
			sb.WriteString("Earlier conversation (summarized): ")
		}
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
