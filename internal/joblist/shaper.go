package joblist

import "github.com/lighttgo/lighttgo/internal/connstate"

// Shaper enforces a server-wide and a per-connection kilobytes-per-second
// write ceiling (spec §4.5 "Traffic shaping"). A connection that would
// exceed either ceiling is parked on a disabled list until the next
// demultiplexer tick replenishes both budgets.
type Shaper struct {
	serverCeiling int64 // bytes/second, 0 disables the server-wide ceiling
	connCeiling   int64 // bytes/second, 0 disables the per-connection ceiling

	serverBytesThisSecond int64
	connBytesThisSecond   map[int]int64

	disabled map[int]*connstate.Connection
}

// NewShaper constructs a Shaper from configured kilobytes-per-second
// ceilings; a zero value for either means "unlimited".
func NewShaper(serverKBps, connKBps int) *Shaper {
	return &Shaper{
		serverCeiling:       int64(serverKBps) * 1024,
		connCeiling:         int64(connKBps) * 1024,
		connBytesThisSecond: make(map[int]int64),
		disabled:            make(map[int]*connstate.Connection),
	}
}

// RecordWrite accounts n freshly-written bytes against both ceilings and
// reports whether c should now be parked on the disabled list (its writable
// interest cleared until Tick replenishes the budget).
func (s *Shaper) RecordWrite(c *connstate.Connection, n int64) bool {
	if n <= 0 {
		return false
	}
	s.serverBytesThisSecond += n
	s.connBytesThisSecond[c.FD] += n

	exceeded := false
	if s.serverCeiling > 0 && s.serverBytesThisSecond >= s.serverCeiling {
		exceeded = true
	}
	if s.connCeiling > 0 && s.connBytesThisSecond[c.FD] >= s.connCeiling {
		exceeded = true
	}
	if exceeded {
		s.disabled[c.FD] = c
	}
	return exceeded
}

// Disabled reports whether c is currently parked by the shaper.
func (s *Shaper) Disabled(c *connstate.Connection) bool {
	_, ok := s.disabled[c.FD]
	return ok
}

// Forget drops any accounting held for c, used when a connection closes.
func (s *Shaper) Forget(c *connstate.Connection) {
	delete(s.connBytesThisSecond, c.FD)
	delete(s.disabled, c.FD)
}

// Tick replenishes every budget for the new second and returns the
// connections that were parked and may now resume writing. Called from the
// per-second trigger (spec §4.5 step 4).
func (s *Shaper) Tick() []*connstate.Connection {
	s.serverBytesThisSecond = 0
	s.connBytesThisSecond = make(map[int]int64)

	if len(s.disabled) == 0 {
		return nil
	}
	resumed := make([]*connstate.Connection, 0, len(s.disabled))
	for _, c := range s.disabled {
		resumed = append(resumed, c)
	}
	s.disabled = make(map[int]*connstate.Connection)
	return resumed
}
