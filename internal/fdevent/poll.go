package fdevent

import (
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller implements Poller on top of poll(2) via golang.org/x/sys/unix,
// the portable member of the poll/epoll/kqueue family named in spec §6. It
// favours portability over the raw throughput of a platform-specific
// epoll/kqueue backend; the event loop only ever sees the Poller interface,
// so swapping in an epoll-based implementation later is a one-file change.
type pollPoller struct {
	entries  map[int]*entry
	lastTick time.Time
}

type entry struct {
	fd       int
	interest Interest
	userFD   any
}

// NewPoll constructs a poll(2)-backed Poller.
func NewPoll() Poller {
	return &pollPoller{
		entries:  make(map[int]*entry),
		lastTick: time.Now(),
	}
}

func (p *pollPoller) Add(fd int, interest Interest, userFD any) error {
	p.entries[fd] = &entry{fd: fd, interest: interest, userFD: userFD}
	return nil
}

func (p *pollPoller) Modify(fd int, interest Interest) error {
	if e, ok := p.entries[fd]; ok {
		e.interest = interest
	}
	return nil
}

func (p *pollPoller) Remove(fd int) error {
	delete(p.entries, fd)
	return nil
}

func toPollEvents(i Interest) int16 {
	var e int16
	if i&Readable != 0 {
		e |= unix.POLLIN
	}
	if i&Writable != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func fromPollRevents(r int16) Interest {
	var i Interest
	if r&unix.POLLIN != 0 {
		i |= Readable
	}
	if r&unix.POLLOUT != 0 {
		i |= Writable
	}
	if r&unix.POLLERR != 0 {
		i |= Error
	}
	if r&(unix.POLLHUP|unix.POLLNVAL) != 0 {
		i |= Hangup
	}
	return i
}

func (p *pollPoller) Wait(timeout time.Duration) ([]Event, bool, error) {
	fds := make([]unix.PollFd, 0, len(p.entries))
	// Deterministic ordering keeps event dispatch order stable across
	// runs, which matters for reproducing test failures.
	keys := make([]int, 0, len(p.entries))
	for fd := range p.entries {
		keys = append(keys, fd)
	}
	sort.Ints(keys)
	for _, fd := range keys {
		e := p.entries[fd]
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(e.interest)})
	}

	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	if timeout <= 0 {
		ms = 0
	}

	n, err := unix.Poll(fds, ms)
	now := time.Now()
	ticked := now.Sub(p.lastTick) >= time.Second
	if ticked {
		p.lastTick = now
	}

	if err == unix.EINTR {
		return nil, ticked, nil
	}
	if err != nil {
		return nil, ticked, err
	}

	if n == 0 {
		return nil, ticked, nil
	}

	events := make([]Event, 0, n)
	for i, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		e := p.entries[fd]
		if e == nil {
			continue
		}
		events = append(events, Event{
			Fd:     fd,
			Ready:  fromPollRevents(fds[i].Revents),
			UserFD: e.userFD,
		})
	}
	return events, ticked, nil
}

func (p *pollPoller) Close() error {
	p.entries = nil
	return nil
}
