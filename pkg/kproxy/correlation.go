package kproxy

import (
	"time"

	"github.com/twmb/go-rbtree"

	"github.com/kroxylicious/kproxy/internal/kmsg"
)

// entryKind distinguishes the two kinds of correlation-map entries named in
// spec.md §4.3.
type entryKind uint8

const (
	entryExternal entryKind = iota // created when a client request is forwarded upstream
	entryInternal                  // created when a filter originates its own request
)

// corrEntry is a single in-flight request tracked by the correlation map
// (spec.md §4.3). It is stored both in an id-indexed map, for the O(1)
// "does this id already exist" check invariant 6 requires, and in an
// rbtree ordered by enqueue time, so the upstream handler can evict the
// oldest in-flight entries first when a connection dies without ever
// scanning the whole table.
type corrEntry struct {
	rbtree.Node

	id         int32
	apiKey     int16
	apiVersion int16
	kind       entryKind
	enqueuedAt time.Time

	// recipientFilter/promise are only meaningful for entryInternal
	// entries (spec.md §4.3, §9 design notes).
	recipientFilter interface{}
	promise         func(kmsg.Response, error)
}

// Less orders entries by enqueue time (ties broken by id), which is what
// the rbtree needs to support Min()-driven oldest-first eviction; id
// lookups always go through the map instead.
func (e *corrEntry) Less(r rbtree.Righter) bool {
	other := r.(*corrEntry)
	if e.enqueuedAt.Equal(other.enqueuedAt) {
		return e.id < other.id
	}
	return e.enqueuedAt.Before(other.enqueuedAt)
}

// correlationMap is C4: owned exclusively by the upstream handler and
// mutated only on the connection's event loop (spec.md §5 "Shared
// resources", §9 design notes "Correlation map is a mapping with exclusive
// writer"). It is not safe for concurrent use by design — that exclusivity
// is what lets the engine avoid locks here.
type correlationMap struct {
	byID map[int32]*corrEntry
	tree rbtree.Tree
}

func newCorrelationMap() *correlationMap {
	return &correlationMap{byID: make(map[int32]*corrEntry)}
}

// InsertExternal records a client-originated request forwarded upstream.
// It panics if id is already in flight, since that would violate invariant
// 6; the caller (Upstream.forwardToServer) rejects a reused in-flight id
// with ErrProtocolViolation before inserting, so this never happens.
func (m *correlationMap) InsertExternal(id int32, apiKey, apiVersion int16, at time.Time) {
	m.insert(&corrEntry{id: id, apiKey: apiKey, apiVersion: apiVersion, kind: entryExternal, enqueuedAt: at})
}

// InsertInternal records a filter-originated request (spec.md §4.3).
func (m *correlationMap) InsertInternal(id int32, apiKey, apiVersion int16, at time.Time, recipient interface{}, promise func(kmsg.Response, error)) {
	m.insert(&corrEntry{
		id: id, apiKey: apiKey, apiVersion: apiVersion, kind: entryInternal, enqueuedAt: at,
		recipientFilter: recipient, promise: promise,
	})
}

func (m *correlationMap) insert(e *corrEntry) {
	if _, exists := m.byID[e.id]; exists {
		panic("kproxy: correlation id reused while still in flight")
	}
	m.byID[e.id] = e
	m.tree.Insert(e)
}

// Take removes and returns the entry for id, reporting whether it existed.
// Called exactly once per matching response (spec.md §4.3 "entries are
// removed when the corresponding response is received").
func (m *correlationMap) Take(id int32) (*corrEntry, bool) {
	e, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	delete(m.byID, id)
	m.tree.Delete(e)
	return e, true
}

// Len reports the number of in-flight entries.
func (m *correlationMap) Len() int { return len(m.byID) }

// DrainFailing removes every remaining entry and, for internal entries,
// completes their promise with err (spec.md §4.3 "remaining internal
// promises are then failed with a connection-closed error", §5
// "Cancellation"). Oldest-enqueued entries are failed first, which is the
// one place the ordered tree actually earns its keep over a plain map.
func (m *correlationMap) DrainFailing(err error) {
	for {
		min := m.tree.Min()
		if min == nil {
			break
		}
		e := min.(*corrEntry)
		delete(m.byID, e.id)
		m.tree.Delete(e)
		if e.kind == entryInternal && e.promise != nil {
			e.promise(nil, err)
		}
	}
}
