// Package account tracks allocations by type tag. Callers register a
// tag per object kind ("inode", "task_struct", "net_buffer") and charge
// bytes against it; the table answers who is holding memory and what
// the high-water marks were. Purely statistical, no effect on any
// allocation path.
package account

import (
	"errors"
	"sync"
)

// Tag identifies a registered allocation category. The zero tag is
// reserved for untagged allocations.
type Tag uint32

// Untagged is where unattributed allocations are charged.
const Untagged Tag = 0

// ErrUnknownTag is returned for a tag no one registered.
var ErrUnknownTag = errors.New("account: unknown tag")

// TagStats holds one category's counters.
type TagStats struct {
	Tag  Tag
	Name string

	AllocCalls uint64
	FreeCalls  uint64

	ActiveBytes uint64
	PeakBytes   uint64
}

// Table is the tag registry and its counters.
type Table struct {
	mu     sync.Mutex
	byName map[string]Tag
	stats  []TagStats
}

// NewTable builds a table with only the untagged category registered.
func NewTable() *Table {
	return &Table{
		byName: map[string]Tag{"untagged": Untagged},
		stats:  []TagStats{{Tag: Untagged, Name: "untagged"}},
	}
}

// Register resolves name to a tag, creating it on first use. Tags are
// small dense integers, so repeated registration is idempotent and
// cheap to charge against.
func (t *Table) Register(name string) Tag {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tag, ok := t.byName[name]; ok {
		return tag
	}
	tag := Tag(len(t.stats))
	t.byName[name] = tag
	t.stats = append(t.stats, TagStats{Tag: tag, Name: name})
	return tag
}

// ChargeAlloc records n bytes allocated under tag. Unknown tags are
// charged to the untagged category rather than dropped.
func (t *Table) ChargeAlloc(tag Tag, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(tag)
	s.AllocCalls++
	s.ActiveBytes += n
	if s.ActiveBytes > s.PeakBytes {
		s.PeakBytes = s.ActiveBytes
	}
}

// ChargeFree records n bytes returned under tag.
func (t *Table) ChargeFree(tag Tag, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(tag)
	s.FreeCalls++
	if s.ActiveBytes >= n {
		s.ActiveBytes -= n
	} else {
		// A free charged against the wrong tag must not wrap the
		// counter.
		s.ActiveBytes = 0
	}
}

func (t *Table) slot(tag Tag) *TagStats {
	if int(tag) >= len(t.stats) {
		return &t.stats[Untagged]
	}
	return &t.stats[tag]
}

// StatsFor returns one category's counters.
func (t *Table) StatsFor(tag Tag) (TagStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(tag) >= len(t.stats) {
		return TagStats{}, ErrUnknownTag
	}
	return t.stats[tag], nil
}

// Lookup resolves a registered name without creating it.
func (t *Table) Lookup(name string) (Tag, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tag, ok := t.byName[name]
	return tag, ok
}

// Stats returns a snapshot of every category, ordered by tag.
func (t *Table) Stats() []TagStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TagStats, len(t.stats))
	copy(out, t.stats)
	return out
}
