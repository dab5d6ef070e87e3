// Package locks provides the nullifier lock table: an in-process keyed lock
// that serializes proof requests on their nullifier sets. Keys are sorted and
// deduplicated before acquisition, which makes multi-key acquisition
// deadlock-free under arbitrary concurrent callers.
package locks

import (
	"bytes"
	"sort"
	"sync"

	"github.com/shieldpool/relayer/internal/field"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// KeyedLock is a table of per-key exclusive locks. Entries are created on
// first acquisition and reclaimed when the last holder releases.
type KeyedLock struct {
	mu      sync.Mutex
	entries map[field.Element]*entry
}

// NewKeyedLock constructs an empty lock table.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{entries: make(map[field.Element]*entry)}
}

// Acquire locks every key in keys and returns the release function. The
// release MUST be called on every exit path of the critical section.
// Duplicate keys within a single call are collapsed; overlapping concurrent
// calls serialize on their intersection.
func (l *KeyedLock) Acquire(keys []field.Element) (release func()) {
	sorted := dedupeSorted(keys)

	for _, k := range sorted {
		l.mu.Lock()
		e, ok := l.entries[k]
		if !ok {
			e = &entry{sem: make(chan struct{}, 1)}
			l.entries[k] = e
		}
		e.refs++
		l.mu.Unlock()

		e.sem <- struct{}{}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(sorted) - 1; i >= 0; i-- {
				k := sorted[i]
				l.mu.Lock()
				e := l.entries[k]
				<-e.sem
				e.refs--
				if e.refs == 0 {
					delete(l.entries, k)
				}
				l.mu.Unlock()
			}
		})
	}
}

// Held returns the number of live lock entries. Exposed for tests.
func (l *KeyedLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func dedupeSorted(keys []field.Element) []field.Element {
	sorted := make([]field.Element, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	out := sorted[:0]
	for _, k := range sorted {
		if len(out) == 0 || k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
