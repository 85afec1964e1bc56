package turnlog

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"hermit/internal/types"
)

// RecordType is the type discriminator carried in every frame header.
type RecordType uint8

const (
	// RecordSessionHeader is the first record of every log.
	RecordSessionHeader RecordType = 1
	// RecordTurn is a persisted conversation turn.
	RecordTurn RecordType = 2
	// RecordCompaction is a persisted compaction record.
	RecordCompaction RecordType = 3
)

func (t RecordType) valid() bool {
	return t >= RecordSessionHeader && t <= RecordCompaction
}

// SessionHeader is the payload of the first record. It binds the log file
// to a session identity so a misplaced or renamed file is detectable.
type SessionHeader struct {
	SessionID string    `cbor:"1,keyasint"`
	Name      string    `cbor:"2,keyasint"`
	CreatedAt time.Time `cbor:"3,keyasint"`
	Profile   string    `cbor:"4,keyasint,omitempty"`
}

// Record is one decrypted log entry. Exactly one of Header, Turn and
// Compaction is set, matching Type.
type Record struct {
	Seq  uint64
	Type RecordType

	Header     *SessionHeader
	Turn       *types.Turn
	Compaction *types.CompactionRecord
}

// CBOR modes configured once: Core Deterministic Encoding on the way out
// so identical records always produce identical bytes, default decoding on
// the way in.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

// zstd round-trip helpers. A single Encoder/Decoder pair serves the whole
// process; EncodeAll/DecodeAll are safe for concurrent use.
var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("turnlog: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("turnlog: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("turnlog: zstd encoder initialization failed: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil)
	if err != nil {
		panic("turnlog: zstd decoder initialization failed: " + err.Error())
	}
}

// encodePayload serializes a record body to compressed CBOR.
func encodePayload(rec Record) ([]byte, error) {
	var body any
	switch rec.Type {
	case RecordSessionHeader:
		body = rec.Header
	case RecordTurn:
		body = rec.Turn
	case RecordCompaction:
		body = rec.Compaction
	default:
		return nil, fmt.Errorf("unknown record type %d", rec.Type)
	}
	plain, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return zstdEnc.EncodeAll(plain, nil), nil
}

// decodePayload deserializes a record body from compressed CBOR.
func decodePayload(seq uint64, typ RecordType, payload []byte) (Record, error) {
	plain, err := zstdDec.DecodeAll(payload, nil)
	if err != nil {
		return Record{}, fmt.Errorf("decompress record: %w", err)
	}

	rec := Record{Seq: seq, Type: typ}
	switch typ {
	case RecordSessionHeader:
		rec.Header = new(SessionHeader)
		err = decMode.Unmarshal(plain, rec.Header)
	case RecordTurn:
		rec.Turn = new(types.Turn)
		err = decMode.Unmarshal(plain, rec.Turn)
	case RecordCompaction:
		rec.Compaction = new(types.CompactionRecord)
		err = decMode.Unmarshal(plain, rec.Compaction)
	default:
		return Record{}, fmt.Errorf("unknown record type %d", typ)
	}
	if err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
