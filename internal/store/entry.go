package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/scribd/lucid-requestqueue/internal/request"
)

// FormatVersion is written to the on-disk envelope of every entry and to
// the directory's sibling .version file (spec §6).
const FormatVersion uint32 = 1

// Entry is a persisted QueueEntry (spec §3): a position, the request it
// carries, when it was enqueued, and how many times it has been
// dispatched.
type Entry struct {
	Position     uint64
	Req          request.Request
	EnqueuedAt   time.Time
	AttemptCount uint32
}

// ErrDecodeFailed marks an on-disk entry that failed its integrity check;
// callers delete the file and continue the scan (spec §7 DecodeError).
var ErrDecodeFailed = errors.New("store: entry failed to decode")

// encodeEntry renders e using the wire layout from spec §6:
//
//	[u32 version][u32 payload_len][payload_len bytes of Request serialization]
//	[u64 enqueuedAtEpochMillis][u32 attemptCount]
func encodeEntry(e Entry) []byte {
	payload := e.Req.Encode()

	var buf bytes.Buffer
	writeU32(&buf, FormatVersion)
	writeU32(&buf, uint32(len(payload)))
	buf.Write(payload)
	writeU64(&buf, uint64(e.EnqueuedAt.UnixMilli()))
	writeU32(&buf, e.AttemptCount)
	return buf.Bytes()
}

// decodeEntry parses bytes produced by encodeEntry. position is supplied
// by the caller since it comes from the filename, not the payload.
func decodeEntry(position uint64, data []byte) (Entry, error) {
	r := bytes.NewReader(data)

	version, err := readU32(r)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if version != FormatVersion {
		return Entry{}, fmt.Errorf("%w: unsupported version %d", ErrDecodeFailed, version)
	}

	payloadLen, err := readU32(r)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Entry{}, fmt.Errorf("%w: short payload", ErrDecodeFailed)
	}
	req, err := request.Decode(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	enqueuedAtMillis, err := readU64(r)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	attemptCount, err := readU32(r)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	return Entry{
		Position:     position,
		Req:          req,
		EnqueuedAt:   time.UnixMilli(int64(enqueuedAtMillis)),
		AttemptCount: attemptCount,
	}, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}
