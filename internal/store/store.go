// Package store implements the durable, ordered, two-ended queue from
// spec §4.A: a sparse uint64 key-space persisted as one file per entry
// under a storage directory, crash-safe via write-to-temp-then-rename.
package store

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/scribd/lucid-requestqueue/internal/request"
)

// midpoint is where head_key and tail_key start, per spec §4.A, leaving
// equal room to prepend and append before either side of the key-space
// is exhausted.
const midpoint = math.MaxUint64 / 2

const entrySuffix = ".entry"
const lockFileName = ".lock"
const versionFileName = ".version"

// ErrExhausted is returned when append/prepend would overflow the
// key-space (spec §7 StorageFull).
var ErrExhausted = errors.New("store: queue key-space exhausted")

// Store is the durable, two-ended queue. It is safe for concurrent use:
// every method takes the store's own mutex, so all key-space mutation
// happens inside that one critical section whichever caller (the facade
// or the processor) makes it.
type Store struct {
	dir  string
	log  *zap.Logger
	lock *flock.Flock

	mu      sync.Mutex
	headKey uint64
	tailKey uint64 // one past the highest occupied position
	present map[uint64]struct{}
}

// Open creates or reopens a durable queue rooted at dir. It takes an
// exclusive file lock on dir for the lifetime of the returned Store so two
// processes never open the same queue directory at once, then scans dir
// to recover head_key/tail_key per spec §4.A: "On startup, the store is
// scanned; the smallest and largest extant positions become head_key and
// tail_key + 1. Non-parseable keys are logged and removed."
func Open(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("store: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store: %s is already owned by another process", dir)
	}

	if err := ensureVersionFile(dir); err != nil {
		lock.Unlock()
		return nil, err
	}

	s := &Store{
		dir:     dir,
		log:     log,
		lock:    lock,
		headKey: midpoint,
		tailKey: midpoint,
		present: make(map[uint64]struct{}),
	}

	if err := s.scan(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return s, nil
}

// Close releases the directory lock. It does not delete any data.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

func ensureVersionFile(dir string) error {
	path := filepath.Join(dir, versionFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return os.WriteFile(path, []byte(strconv.FormatUint(uint64(FormatVersion), 10)), 0o644)
	}
	if err != nil {
		return fmt.Errorf("store: read .version: %w", err)
	}
	_ = data // format mismatches are tolerated: FormatVersion has never changed since v1.
	return nil
}

func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("store: scan directory: %w", err)
	}

	var positions []uint64
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		stem := strings.TrimSuffix(name, entrySuffix)
		pos, err := strconv.ParseUint(stem, 10, 64)
		if err != nil {
			s.log.Warn("removing entry file with non-parseable position", zap.String("file", name))
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Warn("removing unreadable entry file", zap.String("file", name), zap.Error(err))
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if _, err := decodeEntry(pos, data); err != nil {
			s.log.Warn("removing corrupt entry file", zap.String("file", name), zap.Error(err))
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}

		positions = append(positions, pos)
		s.present[pos] = struct{}{}
	}

	if len(positions) == 0 {
		return nil
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	s.headKey = positions[0]
	s.tailKey = positions[len(positions)-1] + 1
	return nil
}

// Append durably adds req to the tail (spec §4.A).
func (s *Store) Append(req request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tailKey == math.MaxUint64 {
		return ErrExhausted
	}
	pos := s.tailKey
	if err := s.writeEntry(Entry{Position: pos, Req: req, EnqueuedAt: time.Now()}); err != nil {
		return err
	}
	s.tailKey++
	s.present[pos] = struct{}{}
	return nil
}

// Prepend durably adds req to the head with the given attempt count,
// used for retries (spec §4.A/§4.D).
func (s *Store) Prepend(req request.Request, attemptCount uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.headKey == 0 {
		return ErrExhausted
	}
	pos := s.headKey - 1
	if err := s.writeEntry(Entry{Position: pos, Req: req, EnqueuedAt: time.Now(), AttemptCount: attemptCount}); err != nil {
		return err
	}
	s.headKey = pos
	s.present[pos] = struct{}{}
	return nil
}

// DropFirst removes and returns the head entry, or ok=false if empty.
func (s *Store) DropFirst() (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropFirstLocked()
}

func (s *Store) dropFirstLocked() (Entry, bool, error) {
	if !s.advanceToNextPresentLocked() {
		return Entry{}, false, nil
	}
	entry, err := s.readEntryLocked(s.headKey)
	if err != nil {
		return Entry{}, false, err
	}
	if err := s.removeFileLocked(s.headKey); err != nil {
		return Entry{}, false, err
	}
	delete(s.present, s.headKey)
	s.headKey++
	return entry, true, nil
}

// PeekFirst inspects the head entry without removing it.
func (s *Store) PeekFirst() (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advanceToNextPresentLocked() {
		return Entry{}, false, nil
	}
	entry, err := s.readEntryLocked(s.headKey)
	return entry, err == nil, err
}

// advanceToNextPresentLocked skips over any hole left at the head by a
// prior Retain/remove and reports whether an entry remains.
func (s *Store) advanceToNextPresentLocked() bool {
	for s.headKey < s.tailKey {
		if _, ok := s.present[s.headKey]; ok {
			return true
		}
		s.headKey++
	}
	return false
}

// Snapshot returns a copy of every currently queued entry in ascending
// position order. The processor uses it to look past an in-flight head
// for the next dispatchable entry (spec §4.D, §5's non-barrier
// concurrency).
func (s *Store) Snapshot() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := s.orderedPositionsLocked()
	out := make([]Entry, 0, len(positions))
	for _, pos := range positions {
		entry, err := s.readEntryLocked(pos)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Remove deletes the entry at position, wherever it sits in the
// key-space, leaving head_key/tail_key untouched — a later PeekFirst or
// DropFirst simply skips the resulting hole. Used once a dispatched
// entry's outcome is known, which may happen out of position order under
// non-barrier concurrency.
func (s *Store) Remove(position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.present[position]; !ok {
		return nil
	}
	if err := s.removeFileLocked(position); err != nil {
		return err
	}
	delete(s.present, position)
	return nil
}

// Count returns the number of entries currently queued.
func (s *Store) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.present))
}

// IsEmpty reports whether the queue has no entries.
func (s *Store) IsEmpty() bool {
	return s.Count() == 0
}

// orderedPositionsLocked returns the present positions in [headKey, tailKey)
// in ascending order.
func (s *Store) orderedPositionsLocked() []uint64 {
	positions := make([]uint64, 0, len(s.present))
	for pos := range s.present {
		if pos >= s.headKey && pos < s.tailKey {
			positions = append(positions, pos)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	return positions
}

// Map rewrites every queued entry in place via fn, preserving count and
// order (spec §4.A, §8 "map preserves count and relative order"). It is
// how internal/identifier rewrites queued requests after an id merge.
func (s *Store) Map(fn func(request.Request) request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pos := range s.orderedPositionsLocked() {
		entry, err := s.readEntryLocked(pos)
		if err != nil {
			return err
		}
		entry.Req = fn(entry.Req)
		if err := s.writeEntryLocked(entry); err != nil {
			return err
		}
	}
	return nil
}

// Retain keeps only entries for which predicate returns true, compacting
// the survivors into a dense range starting at the current head_key
// (spec §4.A's two-pointer compaction pass). It is idempotent: applying
// the same predicate twice is a no-op the second time (spec §8).
func (s *Store) Retain(predicate func(request.Request) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := s.orderedPositionsLocked()
	kept := make([]Entry, 0, len(positions))
	for _, pos := range positions {
		entry, err := s.readEntryLocked(pos)
		if err != nil {
			return err
		}
		if predicate(entry.Req) {
			kept = append(kept, entry)
		}
	}

	for _, pos := range positions {
		if err := s.removeFileLocked(pos); err != nil {
			return err
		}
		delete(s.present, pos)
	}

	newHead := s.headKey
	for i, entry := range kept {
		entry.Position = newHead + uint64(i)
		if err := s.writeEntryLocked(entry); err != nil {
			return err
		}
		s.present[entry.Position] = struct{}{}
	}
	s.tailKey = newHead + uint64(len(kept))
	return nil
}

// RemoveFirstMatch removes the first queued entry whose request encodes
// identically to target, used by the processor/facade to implement an
// explicit Abort of a still-queued (not yet in-flight) request.
func (s *Store) RemoveFirstMatch(target request.Request) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targetBytes := target.Encode()
	for _, pos := range s.orderedPositionsLocked() {
		entry, err := s.readEntryLocked(pos)
		if err != nil {
			return false, err
		}
		if string(entry.Req.Encode()) != string(targetBytes) {
			continue
		}
		if err := s.removeFileLocked(pos); err != nil {
			return false, err
		}
		delete(s.present, pos)
		return true, nil
	}
	return false, nil
}

func (s *Store) entryPath(pos uint64) string {
	return filepath.Join(s.dir, strconv.FormatUint(pos, 10)+entrySuffix)
}

func (s *Store) readEntryLocked(pos uint64) (Entry, error) {
	data, err := os.ReadFile(s.entryPath(pos))
	if err != nil {
		return Entry{}, fmt.Errorf("store: read entry %d: %w", pos, err)
	}
	entry, err := decodeEntry(pos, data)
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *Store) writeEntry(e Entry) error {
	return s.writeEntryLocked(e)
}

// writeEntryLocked performs a crash-safe write: write to a temp file in
// the same directory, then rename over the final name (spec §6).
func (s *Store) writeEntryLocked(e Entry) error {
	data := encodeEntry(e)
	final := s.entryPath(e.Position)

	tmp, err := os.CreateTemp(s.dir, "tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: sync entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close entry: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename entry into place: %w", err)
	}
	return nil
}

func (s *Store) removeFileLocked(pos uint64) error {
	if err := os.Remove(s.entryPath(pos)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: remove entry %d: %w", pos, err)
	}
	return nil
}
