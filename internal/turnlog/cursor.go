package turnlog

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cursor is a lazy, restartable reader over a session log. Records are
// decrypted and yielded in commit order. A record that fails its
// integrity check and is the last physical record is a torn append and is
// silently discarded; an earlier failure yields *CorruptionError carrying
// the last good sequence id.
type Cursor struct {
	f      *os.File
	aead   cipher.AEAD
	offset int64
	size   int64

	lastGood uint64
	done     bool
}

// Replay opens a read-only cursor over sessionID's log under dir.
// The log does not need to be Open()ed; replay takes no lock and is how a
// session is reconstructed after process restart.
func Replay(dir, sessionID string, masterKey []byte) (*Cursor, error) {
	derived, err := deriveSessionKey(masterKey, sessionID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	path := filepath.Join(dir, sessionID+".log")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	c := &Cursor{f: f, aead: aead, offset: preambleSize, size: info.Size()}
	if err := c.checkPreamble(keyFingerprint(derived)); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Next returns the next record, or io.EOF when the log is exhausted.
func (c *Cursor) Next() (Record, error) {
	if c.done {
		return Record{}, io.EOF
	}

	var header [frameHeaderSize]byte
	n, err := c.f.ReadAt(header[:], c.offset)
	if (err == io.EOF && n == 0) || c.offset >= c.size {
		c.done = true
		return Record{}, io.EOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return Record{}, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if n < frameHeaderSize {
		// Torn frame header at the tail.
		c.done = true
		return Record{}, io.EOF
	}

	typ, seq, ctLen := parseFrameHeader(header)
	if !RecordType(typ).valid() || ctLen > maxFrameSize {
		return Record{}, c.corrupt(seq, "invalid frame header")
	}

	bodyStart := c.offset + frameHeaderSize
	frameEnd := bodyStart + chacha20poly1305.NonceSizeX + int64(ctLen)
	if frameEnd > c.size {
		// Torn frame body at the tail.
		c.done = true
		return Record{}, io.EOF
	}

	body := make([]byte, chacha20poly1305.NonceSizeX+int(ctLen))
	if _, err := c.f.ReadAt(body, bodyStart); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	nonce := body[:chacha20poly1305.NonceSizeX]
	ct := body[chacha20poly1305.NonceSizeX:]

	payload, err := c.aead.Open(nil, nonce, ct, frameAAD(header))
	if err != nil {
		if frameEnd >= c.size {
			// Last physical record failing its tag: crash mid-append,
			// discard.
			c.done = true
			return Record{}, io.EOF
		}
		return Record{}, c.corrupt(seq, "integrity check failed")
	}

	if seq != c.lastGood+1 {
		return Record{}, c.corrupt(seq, fmt.Sprintf("sequence gap after %d", c.lastGood))
	}

	rec, err := decodePayload(seq, RecordType(typ), payload)
	if err != nil {
		return Record{}, c.corrupt(seq, err.Error())
	}

	c.lastGood = seq
	c.offset = frameEnd
	return rec, nil
}

// LastGoodSeq returns the highest sequence id replayed intact so far.
func (c *Cursor) LastGoodSeq() uint64 { return c.lastGood }

// Close releases the cursor's file handle.
func (c *Cursor) Close() error { return c.f.Close() }

func (c *Cursor) corrupt(seq uint64, reason string) error {
	c.done = true
	return &CorruptionError{Seq: seq, LastGoodSeq: c.lastGood, Reason: reason}
}

func (c *Cursor) checkPreamble(fp [fingerprintSize]byte) error {
	var pre [preambleSize]byte
	if _, err := c.f.ReadAt(pre[:], 0); err != nil {
		return &CorruptionError{Reason: "short preamble"}
	}
	if pre[0] != logMagic[0] || pre[1] != logMagic[1] || pre[2] != logMagic[2] || pre[3] != logMagic[3] {
		return &CorruptionError{Reason: "bad magic"}
	}
	if pre[4] != logVersion {
		return fmt.Errorf("turnlog: unsupported log version %d", pre[4])
	}
	for i := range fp {
		if pre[5+i] != fp[i] {
			return fmt.Errorf("%w: key fingerprint mismatch", ErrEncryptionFailure)
		}
	}
	return nil
}

// ListSessions returns the session ids with logs under dir, by scanning
// for *.log files. Used by `hermit sessions`.
func ListSessions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".log" {
			ids = append(ids, name[:len(name)-len(".log")])
		}
	}
	return ids, nil
}
