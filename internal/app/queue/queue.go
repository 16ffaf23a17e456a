// Package queue provides the per-guild track queue with shuffle and repeat.
package queue

import (
	"math/rand/v2"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/osa030/guildbox/internal/domain/track"
)

// ErrInvalidPosition is returned when a position is outside the queue.
var ErrInvalidPosition = errors.New("invalid queue position")

// RepeatMode controls what happens to an entry after it finishes.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatTrack
	RepeatQueue
)

// String returns the string representation of the repeat mode.
func (m RepeatMode) String() string {
	switch m {
	case RepeatOff:
		return "OFF"
	case RepeatTrack:
		return "TRACK"
	case RepeatQueue:
		return "QUEUE"
	default:
		return "UNKNOWN"
	}
}

// ParseRepeatMode parses "off", "track" or "queue" (case-insensitive).
func ParseRepeatMode(s string) (RepeatMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF":
		return RepeatOff, nil
	case "TRACK":
		return RepeatTrack, nil
	case "QUEUE":
		return RepeatQueue, nil
	default:
		return RepeatOff, errors.Newf("unknown repeat mode: %q", s)
	}
}

// item is a stored entry tagged with the pass it belongs to.
// Entries re-appended by repeat QUEUE belong to the next pass, so
// a shuffled pass never repeats an entry before every other one played.
type item struct {
	entry track.QueueEntry
	pass  uint64
}

// Queue is an ordered track queue.
// It is not safe for concurrent use; the owning session serialises access.
type Queue struct {
	items   []item // Pending entries in insertion order
	current *track.QueueEntry
	pass    uint64

	shuffle bool
	repeat  RepeatMode

	rng    *rand.Rand
	pinned string // Entry ID chosen by PeekNext while shuffling
}

// New creates an empty queue. A nil rng uses a randomly seeded source.
func New(rng *rand.Rand) *Queue {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Queue{
		items: make([]item, 0),
		rng:   rng,
	}
}

// Push appends entries in the given order. New entries are played before
// entries re-appended by repeat QUEUE, so they go ahead of those.
func (q *Queue) Push(entries ...track.QueueEntry) {
	at := len(q.items)
	for i, it := range q.items {
		if it.pass > q.pass {
			at = i
			break
		}
	}

	added := make([]item, len(entries))
	for i, e := range entries {
		added[i] = item{entry: e, pass: q.pass}
	}

	tail := append(added, q.items[at:]...)
	q.items = append(q.items[:at], tail...)
}

// PushFront puts an entry at the head of the queue.
func (q *Queue) PushFront(e track.QueueEntry) {
	q.items = append([]item{{entry: e, pass: q.pass}}, q.items...)
}

// Current returns the entry most recently returned by Advance or Skip.
func (q *Queue) Current() (track.QueueEntry, bool) {
	if q.current == nil {
		return track.QueueEntry{}, false
	}
	return *q.current, true
}

// DropCurrent forgets the current entry without requeueing it.
func (q *Queue) DropCurrent() {
	q.current = nil
}

// Advance finishes the current entry according to the repeat mode and
// returns the next one. ok is false when nothing is left to play.
func (q *Queue) Advance() (track.QueueEntry, bool) {
	return q.advance(false)
}

// Skip behaves like Advance but never repeats the current entry
// under repeat TRACK. Under repeat QUEUE the skipped entry stays in rotation.
func (q *Queue) Skip() (track.QueueEntry, bool) {
	return q.advance(true)
}

// PeekNext returns what the next Advance would return, without consuming it.
func (q *Queue) PeekNext() (track.QueueEntry, bool) {
	if q.current != nil && q.repeat == RepeatTrack {
		return *q.current, true
	}

	sim := q.clone()
	e, ok := sim.advance(false)
	if ok && q.shuffle {
		q.pinned = e.ID
	}
	return e, ok
}

func (q *Queue) advance(skip bool) (track.QueueEntry, bool) {
	if q.current != nil {
		switch {
		case q.repeat == RepeatTrack && !skip:
			return *q.current, true
		case q.repeat == RepeatQueue:
			q.items = append(q.items, item{entry: *q.current, pass: q.pass + 1})
		}
		q.current = nil
	}

	idx := q.pickLocked()
	if idx < 0 {
		return track.QueueEntry{}, false
	}

	e := q.items[idx].entry
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.current = &e
	q.pinned = ""
	return e, true
}

// pickLocked returns the index of the next entry, or -1.
func (q *Queue) pickLocked() int {
	if len(q.items) == 0 {
		return -1
	}

	candidates := q.candidates()
	if len(candidates) == 0 {
		// Current pass exhausted; re-appended entries start the next one.
		q.pass++
		candidates = q.candidates()
	}

	if !q.shuffle {
		return candidates[0]
	}

	if q.pinned != "" {
		for _, idx := range candidates {
			if q.items[idx].entry.ID == q.pinned {
				return idx
			}
		}
	}
	return candidates[q.rng.IntN(len(candidates))]
}

func (q *Queue) candidates() []int {
	out := make([]int, 0, len(q.items))
	for i, it := range q.items {
		if it.pass <= q.pass {
			out = append(out, i)
		}
	}
	return out
}

func (q *Queue) clone() *Queue {
	c := *q
	c.items = make([]item, len(q.items))
	copy(c.items, q.items)
	if q.current != nil {
		cur := *q.current
		c.current = &cur
	}
	return &c
}

// SetShuffle turns shuffle on or off. Stored order is never changed.
func (q *Queue) SetShuffle(on bool) {
	q.shuffle = on
	q.pinned = ""
}

// Shuffle reports whether shuffle is on.
func (q *Queue) Shuffle() bool {
	return q.shuffle
}

// SetRepeat sets the repeat mode. It takes effect on the next advance.
func (q *Queue) SetRepeat(mode RepeatMode) {
	q.repeat = mode
}

// Repeat returns the repeat mode.
func (q *Queue) Repeat() RepeatMode {
	return q.repeat
}

// Snapshot returns the pending entries in stored order.
func (q *Queue) Snapshot() []track.QueueEntry {
	out := make([]track.QueueEntry, len(q.items))
	for i, it := range q.items {
		out[i] = it.entry
	}
	return out
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	return len(q.items)
}

// Remove deletes the pending entry at a zero-based position.
func (q *Queue) Remove(pos int) (track.QueueEntry, error) {
	if pos < 0 || pos >= len(q.items) {
		return track.QueueEntry{}, errors.Wrapf(ErrInvalidPosition, "position %d of %d", pos, len(q.items))
	}
	e := q.items[pos].entry
	q.items = append(q.items[:pos], q.items[pos+1:]...)
	if q.pinned == e.ID {
		q.pinned = ""
	}
	return e, nil
}

// Clear removes every pending entry and the current one.
func (q *Queue) Clear() []track.QueueEntry {
	removed := q.Snapshot()
	q.items = make([]item, 0)
	q.current = nil
	q.pinned = ""
	q.pass = 0
	return removed
}

// ClearPending removes every pending entry and keeps the current one.
func (q *Queue) ClearPending() []track.QueueEntry {
	removed := q.Snapshot()
	q.items = make([]item, 0)
	q.pinned = ""
	return removed
}
