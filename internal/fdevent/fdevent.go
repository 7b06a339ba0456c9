// Package fdevent adapts the OS-level readiness notification facility
// (poll/epoll/kqueue/…, spec §2 "I/O demultiplexer") behind a small
// registration API: interest in readable/writable/error/hangup per
// descriptor, plus a timed wakeup granularity of about one second.
package fdevent

import "time"

// Interest is a bitmask of the conditions a caller wants to be notified
// about for a given descriptor.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	Error
	Hangup
)

// Event reports one descriptor's observed readiness.
type Event struct {
	Fd     int
	Ready  Interest
	UserFD any // opaque handle the caller registered alongside fd
}

// Poller is the adapter interface every demultiplexer backend implements.
// A single Poller instance is owned by exactly one event loop goroutine;
// concurrent use from multiple goroutines is not supported, mirroring the
// single-threaded ownership model of spec §5.
type Poller interface {
	// Add registers fd for the given interest. userFD is returned
	// unmodified on events for this fd, letting callers avoid a
	// secondary fd->connection map lookup.
	Add(fd int, interest Interest, userFD any) error
	// Modify changes the interest set for an already-registered fd.
	Modify(fd int, interest Interest) error
	// Remove deregisters fd. It is not an error to remove an fd that was
	// never added.
	Remove(fd int) error
	// Wait blocks until at least one registered fd is ready, the
	// timeout elapses, or an internal tick fires. It returns the ready
	// events (possibly empty, on a plain tick) and whether a one-second
	// tick boundary was crossed (used to drive the per-second trigger,
	// spec §4.4/§4.5).
	Wait(timeout time.Duration) (events []Event, ticked bool, err error)
	// Close releases any OS resources held by the poller.
	Close() error
}
