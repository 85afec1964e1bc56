package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"hermit/internal/session"
	"hermit/internal/tokens"
	"hermit/internal/turnlog"
	"hermit/internal/types"
)

// NewSessionID returns a fresh session identifier. The id doubles as the
// log filename and the key-derivation context, so it must be unique per
// conversation.
func NewSessionID(name string) string {
	slug := Slugify(name)
	short := uuid.NewString()[:8]
	if slug == "" {
		return short
	}
	return slug + "-" + short
}

// Slugify lowercases a session name and collapses everything that is not
// a letter or digit into single hyphens.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// OpenSession opens or resumes the session identified by sessionID under
// dir. An existing log is replayed into state-identical memory before the
// log is reopened for appending; a missing log starts a fresh session.
// The returned log holds the exclusive session lock until Close.
func OpenSession(dir, sessionID, name string, masterKey []byte,
	profile types.ModelProfile, cfg session.Config, est *tokens.Estimator) (*session.Session, *turnlog.Log, error) {

	logPath := filepath.Join(dir, sessionID+".log")
	if _, err := os.Stat(logPath); err == nil {
		return resumeSession(dir, sessionID, masterKey, profile, cfg, est)
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("stat session log: %w", err)
	}

	log, err := turnlog.Open(dir, sessionID, name, masterKey)
	if err != nil {
		return nil, nil, err
	}
	sess := session.New(sessionID, name, profile, cfg, est)
	sess.SyncSeq(log.LastSeq())
	return sess, log, nil
}

func resumeSession(dir, sessionID string, masterKey []byte,
	profile types.ModelProfile, cfg session.Config, est *tokens.Estimator) (*session.Session, *turnlog.Log, error) {

	cur, err := turnlog.Replay(dir, sessionID, masterKey)
	if err != nil {
		return nil, nil, err
	}
	sess, err := session.Rebuild(cur, profile, cfg, est)
	if cerr := cur.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if errors.Is(err, turnlog.ErrCorruptionDetected) {
			return nil, nil, fmt.Errorf("session %s cannot be resumed: %w", sessionID, err)
		}
		return nil, nil, err
	}

	// Reopening for append truncates any torn tail the replay discarded,
	// so the on-disk position matches the rebuilt state.
	log, err := turnlog.Open(dir, sessionID, sess.Name(), masterKey)
	if err != nil {
		return nil, nil, err
	}
	sess.SyncSeq(log.LastSeq())
	return sess, log, nil
}
