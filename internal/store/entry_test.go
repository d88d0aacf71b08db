package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scribd/lucid-requestqueue/internal/request"
)

func sampleEntry() Entry {
	return Entry{
		Position: 42,
		Req: request.Request{
			Config: request.Config{
				Method:       request.MethodGet,
				PathTemplate: "/widgets/1",
			},
		},
		EnqueuedAt:   time.UnixMilli(1700000000000),
		AttemptCount: 3,
	}
}

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	a := assert.New(t)
	e := sampleEntry()

	decoded, err := decodeEntry(e.Position, encodeEntry(e))
	a.NoError(err)
	a.Equal(e.Position, decoded.Position)
	a.Equal(e.AttemptCount, decoded.AttemptCount)
	a.True(e.EnqueuedAt.Equal(decoded.EnqueuedAt))
	a.True(request.Equal(e.Req, decoded.Req))
}

func TestDecodeEntryRejectsUnsupportedVersion(t *testing.T) {
	a := assert.New(t)
	e := sampleEntry()
	data := encodeEntry(e)
	data[3] = 255 // corrupt the low byte of the big-endian version field

	_, err := decodeEntry(e.Position, data)
	a.ErrorIs(err, ErrDecodeFailed)
}

func TestDecodeEntryRejectsTruncatedData(t *testing.T) {
	a := assert.New(t)
	e := sampleEntry()
	data := encodeEntry(e)

	for _, n := range []int{0, 2, 7, len(data) / 2, len(data) - 1} {
		_, err := decodeEntry(e.Position, data[:n])
		a.ErrorIs(err, ErrDecodeFailed, "expected truncation at length %d", n)
	}
}
