package turnlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"hermit/internal/types"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func mustAppendTurn(t *testing.T, l *Log, role types.Role, content string) types.Turn {
	t.Helper()
	turn, err := l.AppendTurn(types.Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	return turn
}

// replayAll drains a cursor, returning the records read before EOF.
func replayAll(t *testing.T, dir, sessionID string, key []byte) ([]Record, uint64) {
	t.Helper()
	cur, err := Replay(dir, sessionID, key)
	require.NoError(t, err)
	defer cur.Close()

	var recs []Record
	for {
		rec, err := cur.Next()
		if errors.Is(err, io.EOF) {
			return recs, cur.LastGoodSeq()
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
}

func TestAppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "first session", testKey())
	require.NoError(t, err)

	u := mustAppendTurn(t, l, types.RoleUser, "how do I rebase?")
	a := mustAppendTurn(t, l, types.RoleAssistant, "git rebase -i is your friend")
	require.NoError(t, l.Close())

	recs, lastGood := replayAll(t, dir, "s1", testKey())
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(3), lastGood)

	require.Equal(t, RecordSessionHeader, recs[0].Type)
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, "s1", recs[0].Header.SessionID)
	assert.Equal(t, "first session", recs[0].Header.Name)

	// Timestamps go through serialization at second precision.
	timeApprox := cmpopts.EquateApproxTime(time.Second)
	require.Equal(t, RecordTurn, recs[1].Type)
	assert.Empty(t, cmp.Diff(u, *recs[1].Turn, timeApprox))
	require.Equal(t, RecordTurn, recs[2].Type)
	assert.Empty(t, cmp.Diff(a, *recs[2].Turn, timeApprox))
}

func TestAppendStampsContiguousSequence(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	defer l.Close()

	// Seq 1 is the session header.
	for want := uint64(2); want <= 5; want++ {
		turn := mustAppendTurn(t, l, types.RoleUser, "hi")
		assert.Equal(t, want, turn.SequenceID)
	}
	assert.Equal(t, uint64(5), l.LastSeq())
}

func TestAppendRejectsInvalidRole(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	defer l.Close()

	_, err = l.AppendTurn(types.Turn{Role: "system", Content: "nope"})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), l.LastSeq())
}

func TestAppendCompaction(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	defer l.Close()

	first := mustAppendTurn(t, l, types.RoleUser, "one")
	mustAppendTurn(t, l, types.RoleAssistant, "two")

	rec := types.CompactionRecord{
		CoversFrom:    first.SequenceID,
		CoversTo:      first.SequenceID + 1,
		Summary:       types.Turn{SequenceID: first.SequenceID, Role: types.RoleSummary, Content: "s", TokenCount: 2},
		SourceTokens:  10,
		SummaryTokens: 2,
	}
	committed, err := l.AppendCompaction(rec)
	require.NoError(t, err)
	assert.Equal(t, rec.CoversFrom, committed.CoversFrom)
	assert.Equal(t, uint64(4), l.LastSeq())

	t.Run("summary must carry the range start", func(t *testing.T) {
		bad := rec
		bad.Summary.SequenceID = 99
		_, err := l.AppendCompaction(bad)
		assert.Error(t, err)
	})
	t.Run("cannot cover uncommitted records", func(t *testing.T) {
		bad := rec
		bad.CoversTo = l.LastSeq() + 5
		_, err := l.AppendCompaction(bad)
		assert.Error(t, err)
	})
	t.Run("shrink invariant enforced", func(t *testing.T) {
		bad := rec
		bad.SummaryTokens = bad.SourceTokens
		_, err := l.AppendCompaction(bad)
		assert.Error(t, err)
	})
}

func TestTornFrameBodyDiscardedOnReplay(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	mustAppendTurn(t, l, types.RoleUser, "kept one")
	mustAppendTurn(t, l, types.RoleAssistant, "kept two")
	mustAppendTurn(t, l, types.RoleUser, "torn away by the crash")
	path := l.Path()
	require.NoError(t, l.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-7))

	recs, lastGood := replayAll(t, dir, "s1", testKey())
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(3), lastGood)
	assert.Equal(t, "kept two", recs[2].Turn.Content)
}

func TestCorruptLastRecordDiscardedOnReplay(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	mustAppendTurn(t, l, types.RoleUser, "kept")
	mustAppendTurn(t, l, types.RoleAssistant, "damaged in flight")
	path := l.Path()
	require.NoError(t, l.Close())

	// Flip one ciphertext byte of the final record. The frame is
	// structurally complete but fails its integrity tag.
	flipByteAt(t, path, -1)

	recs, lastGood := replayAll(t, dir, "s1", testKey())
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(2), lastGood)
	assert.Equal(t, "kept", recs[1].Turn.Content)
}

func TestEarlierCorruptionIsFatal(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	headerEnd := l.size

	mustAppendTurn(t, l, types.RoleUser, "about to be damaged")
	mustAppendTurn(t, l, types.RoleAssistant, "unreachable afterwards")
	path := l.Path()
	require.NoError(t, l.Close())

	// Corrupt the first ciphertext byte of the record at seq 2. It is not
	// the last physical record, so this is corruption, not a torn tail.
	flipByteAt(t, path, headerEnd+frameHeaderSize+chacha20poly1305.NonceSizeX)

	cur, err := Replay(dir, "s1", testKey())
	require.NoError(t, err)
	defer cur.Close()

	rec, err := cur.Next()
	require.NoError(t, err)
	assert.Equal(t, RecordSessionHeader, rec.Type)

	_, err = cur.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptionDetected)
	var cerr *CorruptionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint64(2), cerr.Seq)
	assert.Equal(t, uint64(1), cerr.LastGoodSeq)
}

func TestOpenRecoversTornTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	mustAppendTurn(t, l, types.RoleUser, "survives")
	mustAppendTurn(t, l, types.RoleAssistant, "torn")
	path := l.Path()
	require.NoError(t, l.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	l, err = Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.LastSeq())

	// Appends continue from the recovered position.
	turn := mustAppendTurn(t, l, types.RoleAssistant, "rewritten")
	assert.Equal(t, uint64(3), turn.SequenceID)
	require.NoError(t, l.Close())

	recs, _ := replayAll(t, dir, "s1", testKey())
	require.Len(t, recs, 3)
	assert.Equal(t, "rewritten", recs[2].Turn.Content)
}

func TestOpenIgnoresTamperedTailSequence(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	mustAppendTurn(t, l, types.RoleUser, "survives")
	tailStart := l.size
	mustAppendTurn(t, l, types.RoleAssistant, "tampered")
	path := l.Path()
	require.NoError(t, l.Close())

	// Rewrite the final frame's sequence field to a bogus value. The header
	// is authenticated, so the record fails its tag and is discarded; the
	// append counter must come from the intact record before it, not from
	// the tampered header.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.BigEndian.PutUint64(data[tailStart+1:tailStart+9], 999)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	l, err = Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.LastSeq())

	turn := mustAppendTurn(t, l, types.RoleAssistant, "recovered")
	assert.Equal(t, uint64(3), turn.SequenceID)
	require.NoError(t, l.Close())

	recs, lastGood := replayAll(t, dir, "s1", testKey())
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(3), lastGood)
}

func TestWrongKeyRejected(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	require.NoError(t, l.Close())

	other := bytes.Repeat([]byte{0x17}, KeySize)
	_, err = Open(dir, "s1", "", other)
	assert.ErrorIs(t, err, ErrEncryptionFailure)

	_, err = Replay(dir, "s1", other)
	assert.ErrorIs(t, err, ErrEncryptionFailure)
}

func TestSessionLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)

	_, err = Open(dir, "s1", "", testKey())
	assert.ErrorIs(t, err, ErrSessionLocked)

	require.NoError(t, l.Close())
	l2, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	require.NoError(t, l2.Close())
}

func TestReplayTakesNoLock(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	defer l.Close()
	mustAppendTurn(t, l, types.RoleUser, "live")

	cur, err := Replay(dir, "s1", testKey())
	require.NoError(t, err)
	require.NoError(t, cur.Close())
}

func TestClosedLogRejectsAppends(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1", "", testKey())
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.AppendTurn(types.Turn{Role: types.RoleUser, Content: "late"})
	assert.ErrorIs(t, err, ErrLogClosed)
}

func TestListSessions(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"alpha", "beta"} {
		l, err := Open(dir, id, "", testKey())
		require.NoError(t, err)
		require.NoError(t, l.Close())
	}

	ids, err := ListSessions(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)

	none, err := ListSessions(dir + "/missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// flipByteAt XORs one byte of the file. Negative offsets count from the
// end.
func flipByteAt(t *testing.T, path string, offset int64) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	if offset < 0 {
		offset += int64(len(data))
	}
	data[offset] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
