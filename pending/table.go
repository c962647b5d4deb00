// Package pending correlates outgoing request ids with the continuation waiting
// for the matching response.
//
//	Register(id) ──► Pending ──Resolve(id, resp)──► Resolved
//	                    │
//	                    └──Cancel(id, err) / DrainOnClose()──► Cancelled
//
// A continuation runs exactly once. Terminal states are never re-entered, and an
// id cannot be registered again while it is still pending.
package pending

import (
	"errors"
	"sync"
	"time"

	"mini-jsonrpc/message"
)

var (
	ErrDuplicateID       = errors.New("pending: duplicate request id")
	ErrUnmatchedResponse = errors.New("pending: unmatched response")
	ErrConnectionClosed  = errors.New("pending: connection closed")
)

// Continuation receives either the response or a failure, never both.
type Continuation func(resp *message.Response, err error)

type entry struct {
	cont    Continuation
	created time.Time
}

// Table holds the requests of one connection that still await a response.
// It is discarded with the connection and never reused.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	now     func() time.Time
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Register records a continuation for id. It must be called before the request
// is written so a fast response cannot overtake it.
func (t *Table) Register(id message.ID, cont Continuation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrConnectionClosed
	}
	key := id.Key()
	if _, ok := t.entries[key]; ok {
		return ErrDuplicateID
	}
	t.entries[key] = &entry{cont: cont, created: t.now()}
	return nil
}

// Resolve removes the entry for resp.ID and hands it the response. If nothing is
// waiting it returns ErrUnmatchedResponse, which callers treat as a notice: the
// peer may push unsolicited messages or answer after a caller gave up.
func (t *Table) Resolve(id message.ID, resp *message.Response) error {
	e := t.take(id)
	if e == nil {
		return ErrUnmatchedResponse
	}
	e.cont(resp, nil)
	return nil
}

// Cancel fails a single pending request, e.g. when its caller's deadline
// expires. It reports whether an entry was removed.
func (t *Table) Cancel(id message.ID, err error) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	e.cont(nil, err)
	return true
}

// DrainOnClose fails every pending request with ErrConnectionClosed, empties the
// table and refuses further registrations. It returns how many were drained.
func (t *Table) DrainOnClose() int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*entry)
	t.closed = true
	t.mu.Unlock()

	for _, e := range entries {
		e.cont(nil, ErrConnectionClosed)
	}
	return len(entries)
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Age reports how long id has been pending.
func (t *Table) Age(id message.ID) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id.Key()]
	if !ok {
		return 0, false
	}
	return t.now().Sub(e.created), true
}

func (t *Table) take(id message.ID) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := id.Key()
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	delete(t.entries, key)
	return e
}
