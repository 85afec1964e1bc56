// Package session holds the in-memory state machine for an ongoing
// conversation. A Session is a rebuildable cache over the encrypted
// append log: it tracks the live turns above the compaction watermark,
// the summary turns that replaced folded ranges, and the compaction
// trigger state. It holds no information the log does not already
// guarantee.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hermit/internal/logging"
	"hermit/internal/tokens"
	"hermit/internal/types"
)

// ErrSessionClosed is returned by mutations on an externally closed
// session. Recoverable by opening a new session.
var ErrSessionClosed = errors.New("session: closed")

// State is the session lifecycle state. The cycle is
// Idle → Accumulating → CompactionPending → Compacted → Accumulating …
// with no terminal state; a session ends only by external Close.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateCompactionPending
	StateCompacted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateCompactionPending:
		return "compaction-pending"
	case StateCompacted:
		return "compacted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the session tunables (see config.ContextWindowConfig).
type Config struct {
	HighWatermarkRatio float64
	KeepFreshTurns     int
}

// Session is the in-memory representation of one conversation. All
// methods are safe for concurrent use, but turn submission, compaction
// and assembly for one session must additionally be serialized by the
// caller's per-session cycle lock (engine.Engine does this).
type Session struct {
	mu sync.Mutex

	id      string
	name    string
	profile types.ModelProfile
	cfg     Config
	est     *tokens.Estimator

	state State
	// view is the current context view in sequence order: summary turns
	// for folded ranges followed by live turns above the watermark.
	view      []types.Turn
	watermark uint64
	lastSeq   uint64
	opened    time.Time
	closed    bool

	logger *zap.Logger
}

// New creates an empty session in StateIdle.
func New(id, name string, profile types.ModelProfile, cfg Config, est *tokens.Estimator) *Session {
	return &Session{
		id:      id,
		name:    name,
		profile: profile,
		cfg:     cfg,
		est:     est,
		state:   StateIdle,
		opened:  time.Now(),
		logger:  logging.Named("session").With(zap.String("session", id)),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Name returns the human-readable session name.
func (s *Session) Name() string { return s.name }

// Profile returns the model profile the session budgets against.
func (s *Session) Profile() types.ModelProfile { return s.profile }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watermark returns the sequence id below which all turns have been
// folded into summaries. It only ever moves forward.
func (s *Session) Watermark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// LastSeq returns the highest sequence id the session has observed.
func (s *Session) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// SyncSeq aligns the session's sequence counter with the log's committed
// position. Called once after opening the log (the session header record
// consumes the first sequence id).
func (s *Session) SyncSeq(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
}

// NextTurn stages a turn for appending: it validates the role and closed
// state and stamps timestamps and the cached token count. The sequence id
// is assigned by the log at commit time; the staged turn mutates nothing.
func (s *Session) NextTurn(role types.Role, content string) (types.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.Turn{}, ErrSessionClosed
	}
	if !role.Valid() {
		return types.Turn{}, fmt.Errorf("session: invalid role %q", role)
	}
	now := time.Now()
	return types.Turn{
		Role:       role,
		Content:    content,
		Timestamp:  now.UTC(),
		Mono:       now.Sub(s.opened).Nanoseconds(),
		TokenCount: s.est.EstimateTurn(types.Turn{Content: content}),
	}, nil
}

// Commit appends a durably committed turn to the live view and advances
// the state machine. The turn must carry the sequence id the log stamped.
func (s *Session) Commit(t types.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if t.SequenceID <= s.lastSeq {
		return fmt.Errorf("session: out-of-order commit %d (last %d)", t.SequenceID, s.lastSeq)
	}
	s.view = append(s.view, t)
	s.lastSeq = t.SequenceID

	switch s.state {
	case StateIdle, StateCompacted:
		s.state = StateAccumulating
	}
	if s.needsCompactionLocked() {
		s.state = StateCompactionPending
	}
	s.logger.Debug("turn committed",
		zap.Uint64("seq", t.SequenceID),
		zap.String("role", string(t.Role)),
		zap.Int("tokens", t.TokenCount),
		zap.String("state", s.state.String()))
	return nil
}

// CurrentContext returns the ordered context view: summary turns first
// (they carry the folded history), then live turns, in non-decreasing
// sequence order. The returned slice is a copy.
func (s *Session) CurrentContext() []types.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Turn, len(s.view))
	copy(out, s.view)
	return out
}

// LiveTokens returns the estimated token total of the current view.
func (s *Session) LiveTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveTokensLocked()
}

// NeedsCompaction reports whether the view exceeds the high watermark.
func (s *Session) NeedsCompaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsCompactionLocked()
}

func (s *Session) liveTokensLocked() int {
	total := 0
	for _, t := range s.view {
		total += t.TokenCount
	}
	return total
}

func (s *Session) needsCompactionLocked() bool {
	threshold := s.cfg.HighWatermarkRatio * float64(s.profile.ContextBudget)
	return float64(s.liveTokensLocked()) > threshold
}

// CompactionCandidates returns the prefix of the view eligible for
// folding: everything except the keep-fresh window of most recent turns.
func (s *Session) CompactionCandidates() []types.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := s.cfg.KeepFreshTurns
	if keep < 0 {
		keep = 0
	}
	if len(s.view) <= keep {
		return nil
	}
	candidates := make([]types.Turn, len(s.view)-keep)
	copy(candidates, s.view[:len(s.view)-keep])
	return candidates
}

// ApplyCompaction folds rec into the view: turns covered by the record
// are replaced with its summary turn and the watermark advances to
// CoversTo. Applying a record the watermark has already passed is a
// no-op, which makes repeated compaction idempotent.
func (s *Session) ApplyCompaction(rec types.CompactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if rec.CoversTo <= s.watermark {
		s.logger.Debug("compaction already applied", zap.Uint64("covers_to", rec.CoversTo))
		return nil
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	// Keep anything outside the covered span (earlier summaries below it,
	// fresh turns above it) and slot the summary where the folded turns
	// were. Sequence order is preserved because the summary carries the
	// covered range's starting sequence id.
	replaced := s.view[:0:0]
	for _, t := range s.view {
		if t.SequenceID < rec.CoversFrom {
			replaced = append(replaced, t)
		}
	}
	replaced = append(replaced, rec.Summary)
	for _, t := range s.view {
		if t.SequenceID > rec.CoversTo {
			replaced = append(replaced, t)
		}
	}
	s.view = replaced
	s.watermark = rec.CoversTo
	s.state = StateCompacted
	s.logger.Info("compaction applied",
		zap.Uint64("covers_from", rec.CoversFrom),
		zap.Uint64("covers_to", rec.CoversTo),
		zap.Int("source_tokens", rec.SourceTokens),
		zap.Int("summary_tokens", rec.SummaryTokens))
	return nil
}

// Close marks the session closed. Further mutations fail with
// ErrSessionClosed. Close is external to the state cycle.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
