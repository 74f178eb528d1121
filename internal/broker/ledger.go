package broker

import (
	"sync"
	"time"
)

const (
	ledgerTTL     = 24 * time.Hour
	ledgerMaxSize = 10000
)

// redeliveryLedger counts requeues per message id. The count belongs to the
// client rather than to the message, because a requeued delivery comes back
// with the headers it was originally published with.
type redeliveryLedger struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
	now     func() time.Time
}

type ledgerEntry struct {
	count   int
	touched time.Time
}

func newRedeliveryLedger() *redeliveryLedger {
	return &redeliveryLedger{
		entries: make(map[string]ledgerEntry),
		now:     time.Now,
	}
}

func (l *redeliveryLedger) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[id].count
}

// increment records one more requeue on top of the larger of the stored
// count and floor, and returns the new count.
func (l *redeliveryLedger) increment(id string, floor int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.entries) >= ledgerMaxSize {
		l.pruneLocked(now)
	}
	e := l.entries[id]
	e.count = max(e.count, floor) + 1
	e.touched = now
	l.entries[id] = e
	return e.count
}

func (l *redeliveryLedger) forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
}

func (l *redeliveryLedger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
}

func (l *redeliveryLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// pruneLocked drops stale entries, then the oldest ones if still full.
func (l *redeliveryLedger) pruneLocked(now time.Time) {
	var oldestID string
	var oldest time.Time
	for id, e := range l.entries {
		if now.Sub(e.touched) > ledgerTTL {
			delete(l.entries, id)
			continue
		}
		if oldestID == "" || e.touched.Before(oldest) {
			oldestID, oldest = id, e.touched
		}
	}
	if len(l.entries) >= ledgerMaxSize && oldestID != "" {
		delete(l.entries, oldestID)
	}
}
