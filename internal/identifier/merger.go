// Package identifier implements the rewrite step described in spec §4.F:
// once a creation request's response carries a server-authoritative id,
// every still-queued request that referenced the local-only id must be
// rewritten to address the remote one instead.
package identifier

import (
	"bytes"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/scribd/lucid-requestqueue/internal/request"
)

// Mutator is the subset of the durable queue's contract the merger needs.
// internal/store.Store satisfies it; it is narrowed here so the merger
// never has to know about persistence, key-spaces or locking.
type Mutator interface {
	Map(fn func(request.Request) request.Request) error
}

// Merger rewrites queued requests in place when a local identifier gains
// a remote counterpart.
type Merger struct {
	log *zap.Logger
}

// New constructs a Merger. A nil logger is replaced with a no-op logger.
func New(log *zap.Logger) *Merger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{log: log}
}

// Merge rewrites every queued request that references oldLocal so that it
// carries newRemote in its place, the way a later PATCH referencing an
// entity created moments earlier needs to address the entity's real,
// server-issued path rather than the placeholder it was queued with.
func (m *Merger) Merge(store Mutator, oldLocal, newRemote request.IdentifierSnapshot) error {
	if len(oldLocal) == 0 {
		return nil
	}

	rewritten := 0
	bytesBefore := 0
	bytesAfter := 0

	rewrite := func(in []byte) []byte {
		out := rewriteToken(in, oldLocal, newRemote)
		if !bytes.Equal(in, out) {
			bytesBefore += len(in)
			bytesAfter += len(out)
		}
		return out
	}

	err := store.Map(func(r request.Request) request.Request {
		before := r.Encode()
		out := r.WithIdentifierRewrite(rewrite)
		if !bytes.Equal(before, out.Encode()) {
			rewritten++
		}
		return out
	})
	if err != nil {
		return err
	}

	if rewritten > 0 {
		m.log.Debug("rewrote queued requests after identifier merge",
			zap.Int("requests_rewritten", rewritten),
			zap.String("bytes_before", humanize.Bytes(uint64(bytesBefore))),
			zap.String("bytes_after", humanize.Bytes(uint64(bytesAfter))),
		)
	}
	return nil
}

// rewriteToken replaces every standalone occurrence of oldLocal in in with
// newRemote, so a queued request that referenced the local-only id now
// references the server-authoritative one in its place — not alongside it.
// "Standalone" means the match's neighboring bytes (if any) are not
// themselves identifier-token bytes, so oldLocal="local-1" does not match
// inside "local-17": an id is rarely the only digits in a path or query
// string, and a plain substring replace would corrupt an unrelated,
// longer id that merely starts with the same bytes. Merging twice with the
// same (oldLocal, newRemote) pair is naturally a no-op the second time:
// once every standalone occurrence has been substituted, there is nothing
// left to match.
func rewriteToken(in, oldLocal, newRemote []byte) []byte {
	if len(oldLocal) == 0 || len(in) == 0 {
		return in
	}

	var out bytes.Buffer
	i := 0
	for i < len(in) {
		idx := bytes.Index(in[i:], oldLocal)
		if idx < 0 {
			out.Write(in[i:])
			break
		}
		matchStart := i + idx
		matchEnd := matchStart + len(oldLocal)
		out.Write(in[i:matchStart])

		if isStandaloneToken(in, matchStart, matchEnd) {
			out.Write(newRemote)
		} else {
			out.Write(oldLocal)
		}
		i = matchEnd
	}
	return out.Bytes()
}

// isStandaloneToken reports whether in[start:end] is not flanked by more
// identifier-token bytes on either side.
func isStandaloneToken(in []byte, start, end int) bool {
	if start > 0 && isTokenByte(in[start-1]) {
		return false
	}
	if end < len(in) && isTokenByte(in[end]) {
		return false
	}
	return true
}

func isTokenByte(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || b == '-' || b == '_'
}
