package session

import (
	"errors"
	"fmt"
	"io"

	"hermit/internal/tokens"
	"hermit/internal/turnlog"
	"hermit/internal/types"
)

// RecordSource yields log records in commit order. *turnlog.Cursor
// implements it.
type RecordSource interface {
	Next() (turnlog.Record, error)
}

// Rebuild reconstructs a session by replaying its log. The result is
// state-identical to the session that produced the log: same view, same
// watermark, same sequence position. Corruption and IO errors from the
// source are passed through untouched so the caller can distinguish
// truncate-and-continue from abort.
func Rebuild(src RecordSource, profile types.ModelProfile, cfg Config, est *tokens.Estimator) (*Session, error) {
	var sess *Session

	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch rec.Type {
		case turnlog.RecordSessionHeader:
			if sess != nil {
				return nil, fmt.Errorf("session: duplicate header record at seq %d", rec.Seq)
			}
			sess = New(rec.Header.SessionID, rec.Header.Name, profile, cfg, est)
			sess.SyncSeq(rec.Seq)

		case turnlog.RecordTurn:
			if sess == nil {
				return nil, fmt.Errorf("session: turn record %d before header", rec.Seq)
			}
			if err := sess.Commit(*rec.Turn); err != nil {
				return nil, err
			}

		case turnlog.RecordCompaction:
			if sess == nil {
				return nil, fmt.Errorf("session: compaction record %d before header", rec.Seq)
			}
			if err := sess.ApplyCompaction(*rec.Compaction); err != nil {
				return nil, err
			}
			sess.SyncSeq(rec.Seq)

		default:
			return nil, fmt.Errorf("session: unknown record type %d at seq %d", rec.Type, rec.Seq)
		}
	}

	if sess == nil {
		return nil, fmt.Errorf("session: log contains no header record")
	}
	return sess, nil
}
