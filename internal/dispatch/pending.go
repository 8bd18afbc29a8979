package dispatch

import (
	"sync"
	"time"

	"github.com/llmule/broker/pkg/api"
)

// outcome is the terminal result of a pending request. Exactly one of resp
// and err is set.
type outcome struct {
	resp *api.ChatCompletion
	err  *Error
}

// pending is one outstanding forward awaiting its correlated response.
type pending struct {
	id        string
	sessionID string
	consumer  string
	start     time.Time

	// ch delivers the single terminal outcome. Buffered so the resolver
	// never blocks on a waiter that already gave up.
	ch   chan outcome
	once sync.Once
}

// terminate delivers out exactly once. Later calls are no-ops, which is what
// makes the timeout, transport-failure, and response paths safe to race.
func (p *pending) terminate(out outcome) {
	p.once.Do(func() { p.ch <- out })
}

// pendingTable correlates in-flight forwards by id and by session. Safe for
// concurrent use.
type pendingTable struct {
	mu        sync.Mutex
	byID      map[string]*pending
	bySession map[string]map[string]*pending
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		byID:      make(map[string]*pending),
		bySession: make(map[string]map[string]*pending),
	}
}

func (t *pendingTable) add(p *pending) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byID[p.id] = p
	m := t.bySession[p.sessionID]
	if m == nil {
		m = make(map[string]*pending)
		t.bySession[p.sessionID] = m
	}
	m[p.id] = p
}

// remove drops the record without terminating it. The owner calls this on
// every terminal path so a late response finds nothing and is dropped.
func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	if m := t.bySession[p.sessionID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(t.bySession, p.sessionID)
		}
	}
}

// lookup returns the pending record for id, or nil.
func (t *pendingTable) lookup(id string) *pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[id]
}

// drainSession removes and returns every pending bound to sessionID.
func (t *pendingTable) drainSession(sessionID string) []*pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.bySession[sessionID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*pending, 0, len(m))
	for id, p := range m {
		delete(t.byID, id)
		out = append(out, p)
	}
	delete(t.bySession, sessionID)
	return out
}

// size reports the number of outstanding records, for tests.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
