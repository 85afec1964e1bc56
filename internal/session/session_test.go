package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermit/internal/tokens"
	"hermit/internal/types"
)

func testProfile() types.ModelProfile {
	return types.ModelProfile{Name: "test", ContextBudget: 1000, CharsPerToken: 4.0}
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.HighWatermarkRatio == 0 {
		cfg.HighWatermarkRatio = 0.8
	}
	est := tokens.NewEstimator(testProfile())
	return New("s1", "test session", testProfile(), cfg, est)
}

// commitTurn commits a turn with an explicit sequence id and token count,
// bypassing the log the way Rebuild does.
func commitTurn(t *testing.T, s *Session, seq uint64, role types.Role, tokenCount int) {
	t.Helper()
	require.NoError(t, s.Commit(types.Turn{
		SequenceID: seq,
		Role:       role,
		Content:    "turn",
		TokenCount: tokenCount,
	}))
}

func TestEmptySession(t *testing.T) {
	s := newTestSession(t, Config{})
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.CurrentContext())
	assert.Zero(t, s.LiveTokens())
	assert.False(t, s.NeedsCompaction())
	assert.Nil(t, s.CompactionCandidates())
}

func TestStateTransitions(t *testing.T) {
	s := newTestSession(t, Config{KeepFreshTurns: 2})

	commitTurn(t, s, 2, types.RoleUser, 100)
	assert.Equal(t, StateAccumulating, s.State())

	// 0.8 * 1000 = 800: only exceeding the watermark flips to pending.
	for seq := uint64(3); seq <= 8; seq++ {
		commitTurn(t, s, seq, types.RoleAssistant, 100)
	}
	assert.Equal(t, StateAccumulating, s.State())
	assert.False(t, s.NeedsCompaction())

	commitTurn(t, s, 9, types.RoleUser, 100)
	assert.Equal(t, StateAccumulating, s.State())
	assert.False(t, s.NeedsCompaction(), "800 tokens is at, not above, the watermark")

	commitTurn(t, s, 10, types.RoleAssistant, 100)
	assert.Equal(t, StateCompactionPending, s.State())
	assert.True(t, s.NeedsCompaction())

	rec := types.CompactionRecord{
		CoversFrom:    2,
		CoversTo:      7,
		Summary:       types.Turn{SequenceID: 2, Role: types.RoleSummary, Content: "s", TokenCount: 50},
		SourceTokens:  600,
		SummaryTokens: 50,
	}
	require.NoError(t, s.ApplyCompaction(rec))
	assert.Equal(t, StateCompacted, s.State())

	commitTurn(t, s, 11, types.RoleAssistant, 10)
	assert.Equal(t, StateAccumulating, s.State())
}

func TestCommitRejectsOutOfOrder(t *testing.T) {
	s := newTestSession(t, Config{})
	commitTurn(t, s, 5, types.RoleUser, 10)
	err := s.Commit(types.Turn{SequenceID: 5, Role: types.RoleUser, Content: "dup"})
	assert.Error(t, err)
	err = s.Commit(types.Turn{SequenceID: 3, Role: types.RoleUser, Content: "stale"})
	assert.Error(t, err)
}

func TestNextTurnStagesWithoutMutating(t *testing.T) {
	s := newTestSession(t, Config{})

	staged, err := s.NextTurn(types.RoleUser, "12345678")
	require.NoError(t, err)
	assert.Zero(t, staged.SequenceID, "sequence ids are assigned at commit")
	assert.Positive(t, staged.TokenCount)
	assert.False(t, staged.Timestamp.IsZero())
	assert.Empty(t, s.CurrentContext())

	_, err = s.NextTurn("system", "bad role")
	assert.Error(t, err)
}

func TestCompactionCandidatesKeepFreshWindow(t *testing.T) {
	s := newTestSession(t, Config{KeepFreshTurns: 2})
	for seq := uint64(2); seq <= 6; seq++ {
		commitTurn(t, s, seq, types.RoleUser, 10)
	}

	candidates := s.CompactionCandidates()
	require.Len(t, candidates, 3)
	assert.Equal(t, uint64(2), candidates[0].SequenceID)
	assert.Equal(t, uint64(4), candidates[2].SequenceID)

	// Mutating the returned slice must not touch the view.
	candidates[0].Content = "mutated"
	assert.Equal(t, "turn", s.CurrentContext()[0].Content)
}

func TestCompactionCandidatesFewerThanWindow(t *testing.T) {
	s := newTestSession(t, Config{KeepFreshTurns: 4})
	commitTurn(t, s, 2, types.RoleUser, 10)
	assert.Nil(t, s.CompactionCandidates())
}

func TestApplyCompactionRewritesView(t *testing.T) {
	s := newTestSession(t, Config{KeepFreshTurns: 2})
	for seq := uint64(2); seq <= 7; seq++ {
		commitTurn(t, s, seq, types.RoleUser, 50)
	}

	rec := types.CompactionRecord{
		CoversFrom:    2,
		CoversTo:      5,
		Summary:       types.Turn{SequenceID: 2, Role: types.RoleSummary, Content: "folded", TokenCount: 20},
		SourceTokens:  200,
		SummaryTokens: 20,
	}
	require.NoError(t, s.ApplyCompaction(rec))

	view := s.CurrentContext()
	require.Len(t, view, 3)
	assert.Equal(t, types.RoleSummary, view[0].Role)
	assert.Equal(t, uint64(2), view[0].SequenceID)
	assert.Equal(t, uint64(6), view[1].SequenceID)
	assert.Equal(t, uint64(7), view[2].SequenceID)
	assert.Equal(t, uint64(5), s.Watermark())
	assert.Equal(t, 20+50+50, s.LiveTokens())
}

func TestApplyCompactionIdempotent(t *testing.T) {
	s := newTestSession(t, Config{})
	for seq := uint64(2); seq <= 5; seq++ {
		commitTurn(t, s, seq, types.RoleUser, 50)
	}
	rec := types.CompactionRecord{
		CoversFrom:    2,
		CoversTo:      4,
		Summary:       types.Turn{SequenceID: 2, Role: types.RoleSummary, Content: "s", TokenCount: 10},
		SourceTokens:  150,
		SummaryTokens: 10,
	}
	require.NoError(t, s.ApplyCompaction(rec))
	viewAfter := s.CurrentContext()
	watermarkAfter := s.Watermark()

	// Re-applying an already-covered record changes nothing.
	require.NoError(t, s.ApplyCompaction(rec))
	assert.Equal(t, viewAfter, s.CurrentContext())
	assert.Equal(t, watermarkAfter, s.Watermark())
}

func TestApplyCompactionKeepsEarlierSummaries(t *testing.T) {
	s := newTestSession(t, Config{})
	for seq := uint64(2); seq <= 8; seq++ {
		commitTurn(t, s, seq, types.RoleUser, 50)
	}
	first := types.CompactionRecord{
		CoversFrom:    2,
		CoversTo:      4,
		Summary:       types.Turn{SequenceID: 2, Role: types.RoleSummary, Content: "older", TokenCount: 10},
		SourceTokens:  150,
		SummaryTokens: 10,
	}
	require.NoError(t, s.ApplyCompaction(first))

	// A later narrowed compaction that starts above the earlier summary
	// must leave that summary in place.
	second := types.CompactionRecord{
		CoversFrom:    5,
		CoversTo:      6,
		Summary:       types.Turn{SequenceID: 5, Role: types.RoleSummary, Content: "newer", TokenCount: 10},
		SourceTokens:  100,
		SummaryTokens: 10,
	}
	require.NoError(t, s.ApplyCompaction(second))

	view := s.CurrentContext()
	require.Len(t, view, 4)
	assert.Equal(t, "older", view[0].Content)
	assert.Equal(t, "newer", view[1].Content)
	assert.Equal(t, uint64(7), view[2].SequenceID)
	assert.Equal(t, uint64(8), view[3].SequenceID)
}

func TestApplyCompactionWatermarkMonotone(t *testing.T) {
	s := newTestSession(t, Config{})
	for seq := uint64(2); seq <= 6; seq++ {
		commitTurn(t, s, seq, types.RoleUser, 50)
	}
	rec := types.CompactionRecord{
		CoversFrom:    2,
		CoversTo:      5,
		Summary:       types.Turn{SequenceID: 2, Role: types.RoleSummary, Content: "s", TokenCount: 10},
		SourceTokens:  200,
		SummaryTokens: 10,
	}
	require.NoError(t, s.ApplyCompaction(rec))
	require.Equal(t, uint64(5), s.Watermark())

	older := rec
	older.CoversFrom, older.CoversTo = 2, 3
	older.Summary.SequenceID = 2
	require.NoError(t, s.ApplyCompaction(older))
	assert.Equal(t, uint64(5), s.Watermark(), "watermark never moves backwards")
}

func TestApplyCompactionValidates(t *testing.T) {
	s := newTestSession(t, Config{})
	commitTurn(t, s, 2, types.RoleUser, 50)
	bad := types.CompactionRecord{
		CoversFrom:    2,
		CoversTo:      2,
		Summary:       types.Turn{SequenceID: 2, Role: types.RoleSummary, Content: "s", TokenCount: 60},
		SourceTokens:  50,
		SummaryTokens: 60,
	}
	assert.Error(t, s.ApplyCompaction(bad))
	assert.Zero(t, s.Watermark())
}

func TestClosedSessionRejectsMutations(t *testing.T) {
	s := newTestSession(t, Config{})
	s.Close()
	assert.True(t, s.Closed())

	_, err := s.NextTurn(types.RoleUser, "late")
	assert.ErrorIs(t, err, ErrSessionClosed)
	err = s.Commit(types.Turn{SequenceID: 2, Role: types.RoleUser})
	assert.ErrorIs(t, err, ErrSessionClosed)
	err = s.ApplyCompaction(types.CompactionRecord{
		CoversFrom: 2, CoversTo: 2,
		Summary:      types.Turn{SequenceID: 2, Role: types.RoleSummary},
		SourceTokens: 10, SummaryTokens: 1,
	})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSyncSeqOnlyAdvances(t *testing.T) {
	s := newTestSession(t, Config{})
	s.SyncSeq(5)
	assert.Equal(t, uint64(5), s.LastSeq())
	s.SyncSeq(3)
	assert.Equal(t, uint64(5), s.LastSeq())
}

func TestManySmallTurnsCrossWatermark(t *testing.T) {
	// Fifty ~100-token turns against a 1000-token budget: the trigger
	// must fire long before the view reaches the hard ceiling.
	s := newTestSession(t, Config{HighWatermarkRatio: 0.8, KeepFreshTurns: 2})
	fired := uint64(0)
	for seq := uint64(2); seq <= 51; seq++ {
		commitTurn(t, s, seq, types.RoleUser, 100)
		if fired == 0 && s.NeedsCompaction() {
			fired = seq
		}
	}
	assert.Equal(t, uint64(10), fired, "expected the ninth hundred-token turn to cross 800")
	assert.Equal(t, StateCompactionPending, s.State())
}
