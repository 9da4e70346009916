// Package stream implements append-only streams: totally ordered
// (ms, seq) entry IDs, the XADD id-resolution rules, inclusive range
// scans, and blocking reads. IDs are kept as comparable integer pairs
// so ordering checks never reparse strings.
package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxBlockedReaders bounds how many XREAD BLOCK callers may wait for
// new entries at once across all streams; further callers wait in
// AcquireBlockSlot until a slot is released.
const maxBlockedReaders = 1000

var blockSlots = semaphore.NewWeighted(maxBlockedReaders)

// AcquireBlockSlot reserves one of the bounded XREAD BLOCK waiter
// slots, blocking until one is free or ctx is done. The caller must
// invoke the returned release func exactly once.
func AcquireBlockSlot(ctx context.Context) (release func(), err error) {
	if err := blockSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { blockSlots.Release(1) }, nil
}

// ID is a stream entry identifier, totally ordered on (Ms, Seq).
type ID struct {
	Ms  uint64
	Seq uint64
}

// Less reports whether id comes strictly before other.
func (id ID) Less(other ID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// LessEq reports id <= other.
func (id ID) LessEq(other ID) bool {
	return id == other || id.Less(other)
}

func (id ID) IsZero() bool { return id.Ms == 0 && id.Seq == 0 }

func (id ID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

// Field is one field/value pair of a stream entry.
type Field struct {
	Name  string
	Value string
}

// Entry is one appended stream record.
type Entry struct {
	ID     ID
	Fields []Field
}

// Stream is an ordered, append-only log of Entry records for one key.
// Safe for concurrent use.
type Stream struct {
	mu      sync.Mutex
	entries []Entry
	lastID  ID

	// waiters are notified (closed channel) whenever Append succeeds,
	// so XREAD BLOCK callers can wake without polling.
	waiters []chan struct{}
}

func New() *Stream {
	return &Stream{}
}

// LastID returns the ID of the most recently appended entry, or the
// zero ID if the stream is empty.
func (s *Stream) LastID() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// ParseExplicitID parses a literal "ms-seq" or bare "ms" id, used by
// XRANGE bounds (which never accept "*").
func ParseExplicitID(text string, seqIfOmitted uint64) (ID, error) {
	ms, seqText, hasSeq := strings.Cut(text, "-")
	msVal, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid stream ID %q", text)
	}
	if !hasSeq {
		return ID{Ms: msVal, Seq: seqIfOmitted}, nil
	}
	if seqText == "*" {
		return ID{Ms: msVal, Seq: seqIfOmitted}, nil
	}
	seqVal, err := strconv.ParseUint(seqText, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid stream ID %q", text)
	}
	return ID{Ms: msVal, Seq: seqVal}, nil
}

// ErrInvalidID is returned for an explicit ID of 0-0.
var ErrInvalidID = fmt.Errorf("ERR The ID specified in XADD must be greater than 0-0")

// ErrIDNotIncreasing is returned when the resolved ID does not exceed
// the stream's current last ID.
var ErrIDNotIncreasing = fmt.Errorf("ERR The ID specified in XADD is equal or smaller than the target stream top item")

// ResolveID applies the XADD id-resolution rules to the raw id
// argument (one of "*", "ms-*", or "ms-seq"), given the current
// wall-clock time in milliseconds and the stream's last ID. An
// auto-sequence on an empty stream starts at 1 so "0-*" never
// resolves to the invalid 0-0.
func ResolveID(raw string, nowMs uint64, last ID, hasLast bool) (ID, error) {
	if raw == "*" {
		if hasLast && last.Ms == nowMs {
			return ID{Ms: nowMs, Seq: last.Seq + 1}, nil
		}
		return ID{Ms: nowMs, Seq: 0}, nil
	}

	msText, seqText, hasSeq := strings.Cut(raw, "-")
	msVal, err := strconv.ParseUint(msText, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid stream ID %q", raw)
	}
	if !hasSeq {
		return ID{}, fmt.Errorf("invalid stream ID %q", raw)
	}
	if seqText == "*" {
		if hasLast && last.Ms == msVal {
			return ID{Ms: msVal, Seq: last.Seq + 1}, nil
		}
		if !hasLast {
			return ID{Ms: msVal, Seq: 1}, nil
		}
		return ID{Ms: msVal, Seq: 0}, nil
	}
	seqVal, err := strconv.ParseUint(seqText, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid stream ID %q", raw)
	}
	return ID{Ms: msVal, Seq: seqVal}, nil
}

// Append resolves and appends a new entry, enforcing the strictly-
// increasing and non-zero invariants. On success it returns the
// resolved ID.
func (s *Stream) Append(raw string, nowMs uint64, fields []Field) (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hasLast := len(s.entries) > 0
	id, err := ResolveID(raw, nowMs, s.lastID, hasLast)
	if err != nil {
		return ID{}, err
	}
	if id.IsZero() {
		return ID{}, ErrInvalidID
	}
	if hasLast && !s.lastID.Less(id) {
		return ID{}, ErrIDNotIncreasing
	}

	s.entries = append(s.entries, Entry{ID: id, Fields: fields})
	s.lastID = id
	s.notifyWaiters()
	return id, nil
}

// Range returns entries with start <= ID <= end, inclusive.
func (s *Stream) Range(start, end ID) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if start.LessEq(e.ID) && e.ID.LessEq(end) {
			out = append(out, e)
		}
	}
	return out
}

// After returns entries with ID strictly greater than after, used by
// XREAD.
func (s *Stream) After(after ID) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if after.Less(e.ID) {
			out = append(out, e)
		}
	}
	return out
}

// registerWaiter returns a channel that is closed the next time
// Append succeeds on this stream.
func (s *Stream) registerWaiter() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	return ch
}

func (s *Stream) notifyWaiters() {
	for _, ch := range s.waiters {
		close(ch)
	}
	s.waiters = nil
}

// WaitChan returns a channel that is closed the next time Append
// succeeds on this stream. Callers select over one channel per stream
// to block across several keys at once (XREAD BLOCK over multiple
// streams).
func (s *Stream) WaitChan() <-chan struct{} {
	return s.registerWaiter()
}
