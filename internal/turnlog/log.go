// Package turnlog implements the encrypted append-only session log: the
// durable, ordered, tamper-evident single source of truth for a chat
// session. Every turn and compaction record is committed synchronously
// (write + fsync) before Append returns; in-memory session state is a
// rebuildable cache over this log.
//
// On-disk layout, one file per session:
//
//	preamble:  [magic "HLOG"] [version 0x01] [key fingerprint: 8]
//	per frame: [type: 1] [sequence id: 8 BE] [ct length: 4 BE]
//	           [nonce: 24] [ciphertext+tag: N+16]
//
// The frame header plus format version is the AEAD's additional
// authenticated data, so tampering with a record's type, sequence id or
// length fails the integrity check. Payloads are deterministic CBOR,
// zstd-compressed, sealed with XChaCha20-Poly1305 under an HKDF-derived
// per-session key.
package turnlog

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"hermit/internal/logging"
	"hermit/internal/types"
)

const (
	logVersion byte = 0x01

	preambleSize    = 4 + 1 + fingerprintSize
	frameHeaderSize = 1 + 8 + 4

	// maxFrameSize bounds a single record's ciphertext. A frame header
	// claiming more than this is treated as corruption, not an allocation
	// request.
	maxFrameSize = 16 << 20
)

var logMagic = [4]byte{'H', 'L', 'O', 'G'}

// Log is an open, exclusively-locked session log positioned for append.
type Log struct {
	mu sync.Mutex

	path     string
	lockPath string
	f        *os.File
	aead     cipher.AEAD
	fp       [fingerprintSize]byte

	sessionID string
	lastSeq   uint64
	size      int64
	closed    bool

	logger *zap.Logger
}

// Open opens (or creates) the log for sessionID under dir, holding the
// session's exclusive lock until Close. masterKey is the user-held key
// material; the log file itself never stores it.
func Open(dir, sessionID, name string, masterKey []byte) (*Log, error) {
	derived, err := deriveSessionKey(masterKey, sessionID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	l := &Log{
		path:      filepath.Join(dir, sessionID+".log"),
		lockPath:  filepath.Join(dir, sessionID+".lock"),
		aead:      aead,
		fp:        keyFingerprint(derived),
		sessionID: sessionID,
		logger:    logging.Named("turnlog").With(zap.String("session", sessionID)),
	}

	if err := l.acquireLock(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.releaseLock()
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	l.f = f

	fresh, err := l.checkPreamble()
	if err != nil {
		f.Close()
		l.releaseLock()
		return nil, err
	}

	if fresh {
		if err := l.writePreamble(); err != nil {
			f.Close()
			l.releaseLock()
			return nil, err
		}
		if _, err := l.append(Record{
			Type: RecordSessionHeader,
			Header: &SessionHeader{
				SessionID: sessionID,
				Name:      name,
				CreatedAt: time.Now().UTC(),
			},
		}); err != nil {
			f.Close()
			l.releaseLock()
			return nil, err
		}
		l.logger.Info("created session log", zap.String("path", l.path))
	} else {
		if err := l.recoverTail(); err != nil {
			f.Close()
			l.releaseLock()
			return nil, err
		}
		l.logger.Debug("opened session log",
			zap.Uint64("last_seq", l.lastSeq), zap.Int64("size", l.size))
	}

	return l, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// LastSeq returns the sequence id of the last committed record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// AppendTurn durably commits a turn and returns it stamped with its
// committed sequence id.
func (l *Log) AppendTurn(t types.Turn) (types.Turn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.Role.Valid() {
		return types.Turn{}, fmt.Errorf("turnlog: invalid role %q", t.Role)
	}
	t.SequenceID = l.lastSeq + 1
	if _, err := l.append(Record{Type: RecordTurn, Turn: &t}); err != nil {
		return types.Turn{}, err
	}
	return t, nil
}

// AppendCompaction durably commits a compaction record. The record's
// frame consumes the next log sequence id; the summary turn inside it
// keeps the folded range's starting sequence id so it slots into the
// context view where the folded turns used to be.
func (l *Log) AppendCompaction(rec types.CompactionRecord) (types.CompactionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := rec.Validate(); err != nil {
		return types.CompactionRecord{}, fmt.Errorf("turnlog: %w", err)
	}
	if rec.Summary.SequenceID != rec.CoversFrom {
		return types.CompactionRecord{}, fmt.Errorf("turnlog: summary seq %d does not match covered range start %d",
			rec.Summary.SequenceID, rec.CoversFrom)
	}
	if rec.CoversTo > l.lastSeq {
		return types.CompactionRecord{}, fmt.Errorf("turnlog: compaction covers uncommitted seq %d", rec.CoversTo)
	}
	if _, err := l.append(Record{Type: RecordCompaction, Compaction: &rec}); err != nil {
		return types.CompactionRecord{}, err
	}
	return rec, nil
}

// append seals and writes one record, fsyncs, and advances lastSeq.
// Callers hold l.mu.
func (l *Log) append(rec Record) (uint64, error) {
	if l.closed {
		return 0, ErrLogClosed
	}
	seq := l.lastSeq + 1
	rec.Seq = seq

	payload, err := encodePayload(rec)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return 0, fmt.Errorf("%w: nonce: %v", ErrEncryptionFailure, err)
	}

	ctLen := len(payload) + l.aead.Overhead()
	header := frameHeader(rec.Type, seq, uint32(ctLen))
	ct := l.aead.Seal(nil, nonce, payload, frameAAD(header))

	frame := make([]byte, 0, frameHeaderSize+len(nonce)+len(ct))
	frame = append(frame, header[:]...)
	frame = append(frame, nonce...)
	frame = append(frame, ct...)

	if _, err := l.f.WriteAt(frame, l.size); err != nil {
		// Best effort: drop the partial frame so the next append does not
		// interleave with garbage. Replay tolerates a torn tail regardless.
		_ = l.f.Truncate(l.size)
		return 0, fmt.Errorf("%w: write record %d: %v", ErrIOFailure, seq, err)
	}
	if err := l.f.Sync(); err != nil {
		_ = l.f.Truncate(l.size)
		return 0, fmt.Errorf("%w: fsync record %d: %v", ErrIOFailure, seq, err)
	}

	l.size += int64(len(frame))
	l.lastSeq = seq
	l.logger.Debug("record committed",
		zap.Uint64("seq", seq), zap.Uint8("type", uint8(rec.Type)), zap.Int("bytes", len(frame)))
	return seq, nil
}

// Close releases the session lock. The log is already durable; Close only
// ends the exclusive-ownership scope.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.f.Close()
	l.releaseLock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

func (l *Log) acquireLock() error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrSessionLocked, l.lockPath)
		}
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f.Close()
}

func (l *Log) releaseLock() {
	_ = os.Remove(l.lockPath)
}

// checkPreamble validates an existing file's preamble. Returns true for a
// zero-length (fresh) file. A fingerprint mismatch means the caller's key
// does not match the key the log was written under.
func (l *Log) checkPreamble() (fresh bool, err error) {
	info, err := l.f.Stat()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if info.Size() == 0 {
		return true, nil
	}

	var pre [preambleSize]byte
	if _, err := l.f.ReadAt(pre[:], 0); err != nil {
		return false, &CorruptionError{Reason: "short preamble"}
	}
	if !bytes.Equal(pre[:4], logMagic[:]) {
		return false, &CorruptionError{Reason: "bad magic"}
	}
	if pre[4] != logVersion {
		return false, fmt.Errorf("turnlog: unsupported log version %d", pre[4])
	}
	if !bytes.Equal(pre[5:], l.fp[:]) {
		return false, fmt.Errorf("%w: key fingerprint mismatch for %s", ErrEncryptionFailure, l.path)
	}
	l.size = info.Size()
	return false, nil
}

func (l *Log) writePreamble() error {
	var pre [preambleSize]byte
	copy(pre[:4], logMagic[:])
	pre[4] = logVersion
	copy(pre[5:], l.fp[:])
	if _, err := l.f.WriteAt(pre[:], 0); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	l.size = preambleSize
	return nil
}

// recoverTail positions the log after the last intact record. A
// structurally incomplete trailing frame, or a complete trailing frame
// that fails its integrity tag, is a torn append: it is truncated away.
// Integrity failures on earlier records are left for Replay to report.
func (l *Log) recoverTail() error {
	offset := int64(preambleSize)
	lastGoodEnd := offset
	var lastSeq, prevSeq uint64
	var lastFrameStart int64 = -1
	var lastHeader [frameHeaderSize]byte

	for {
		var header [frameHeaderSize]byte
		n, err := l.f.ReadAt(header[:], offset)
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: scan: %v", ErrIOFailure, err)
		}
		if n < frameHeaderSize {
			// Torn frame header.
			break
		}
		typ, seq, ctLen := parseFrameHeader(header)
		if !RecordType(typ).valid() || ctLen > maxFrameSize {
			// Garbage where a frame header should be: treat as torn tail if
			// it is the last thing in the file, otherwise replay will
			// surface it. Either way appends must not continue past it.
			break
		}
		frameEnd := offset + frameHeaderSize + chacha20poly1305.NonceSizeX + int64(ctLen)
		if frameEnd > l.size {
			// Torn frame body.
			break
		}
		lastFrameStart = offset
		lastHeader = header
		prevSeq = lastSeq
		lastSeq = seq
		lastGoodEnd = frameEnd
		offset = frameEnd
	}

	// Verify the final frame's tag: a complete but unauthentic last record
	// is the crash-mid-append case and is discarded. The resume position
	// comes from the previous intact frame, never from the discarded
	// frame's own header.
	if lastFrameStart >= 0 {
		if _, err := l.readAndOpenFrame(lastFrameStart, lastHeader); err != nil {
			typ, seq, _ := parseFrameHeader(lastHeader)
			l.logger.Warn("discarding torn tail record",
				zap.Uint64("seq", seq), zap.Uint8("type", typ))
			lastGoodEnd = lastFrameStart
			lastSeq = prevSeq
		}
	}

	if lastGoodEnd < l.size {
		if err := l.f.Truncate(lastGoodEnd); err != nil {
			return fmt.Errorf("%w: truncate torn tail: %v", ErrIOFailure, err)
		}
	}
	l.size = lastGoodEnd
	l.lastSeq = lastSeq
	return nil
}

// readAndOpenFrame reads a frame's body at start and authenticates it.
func (l *Log) readAndOpenFrame(start int64, header [frameHeaderSize]byte) ([]byte, error) {
	_, _, ctLen := parseFrameHeader(header)
	body := make([]byte, chacha20poly1305.NonceSizeX+int(ctLen))
	if _, err := l.f.ReadAt(body, start+frameHeaderSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	nonce := body[:chacha20poly1305.NonceSizeX]
	ct := body[chacha20poly1305.NonceSizeX:]
	return l.aead.Open(nil, nonce, ct, frameAAD(header))
}

func frameHeader(typ RecordType, seq uint64, ctLen uint32) [frameHeaderSize]byte {
	var h [frameHeaderSize]byte
	h[0] = byte(typ)
	binary.BigEndian.PutUint64(h[1:9], seq)
	binary.BigEndian.PutUint32(h[9:13], ctLen)
	return h
}

func parseFrameHeader(h [frameHeaderSize]byte) (typ uint8, seq uint64, ctLen uint32) {
	return h[0], binary.BigEndian.Uint64(h[1:9]), binary.BigEndian.Uint32(h[9:13])
}

// frameAAD binds the format version and frame header into the AEAD.
func frameAAD(header [frameHeaderSize]byte) []byte {
	aad := make([]byte, 0, 1+frameHeaderSize)
	aad = append(aad, logVersion)
	aad = append(aad, header[:]...)
	return aad
}
