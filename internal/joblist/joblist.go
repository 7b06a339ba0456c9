// Package joblist implements the job list and traffic-shaping "disabled"
// list described in spec §4.5: connections that want another turn without a
// network event, and the per-connection/server-wide kilobytes-per-second
// write ceiling that parks a connection until the next tick replenishes its
// budget.
package joblist

import "github.com/lighttgo/lighttgo/internal/connstate"

// List is the set of connections pending another Step call with no network
// event backing it (spec §4.5 "connections that want another turn"). The
// event loop drains it once per iteration, after dispatching ready sockets.
type List struct {
	entries []*connstate.Connection
	queued  map[int]bool
}

// New returns an empty job list.
func New() *List {
	return &List{queued: make(map[int]bool)}
}

// Add enqueues c if it is not already pending. Idempotent: a handler that
// appends the same connection twice in one event-loop turn (e.g. once from
// its own progress, once from an AIO completion callback) only gets one
// extra Step call.
func (l *List) Add(c *connstate.Connection) {
	if l.queued[c.FD] {
		return
	}
	l.queued[c.FD] = true
	l.entries = append(l.entries, c)
}

// Remove drops c from the list without running it, used when a connection
// closes while still pending.
func (l *List) Remove(c *connstate.Connection) {
	if !l.queued[c.FD] {
		return
	}
	delete(l.queued, c.FD)
	for i, e := range l.entries {
		if e == c {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}
}

// Len reports how many connections are currently pending.
func (l *List) Len() int { return len(l.entries) }

// Drain removes and returns every connection currently pending, clearing the
// list. Spec §4.5 step (3): "drain the job list once" per event-loop
// iteration — entries added by a handler invoked during drain are not
// revisited until the next iteration, which bounds one turn's work.
func (l *List) Drain() []*connstate.Connection {
	if len(l.entries) == 0 {
		return nil
	}
	out := l.entries
	l.entries = nil
	l.queued = make(map[int]bool)
	return out
}
