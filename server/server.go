package server

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/lighttgo/lighttgo/internal/config"
	"github.com/lighttgo/lighttgo/internal/connstate"
	"github.com/lighttgo/lighttgo/internal/fastcgi"
	"github.com/lighttgo/lighttgo/internal/fdevent"
	"github.com/lighttgo/lighttgo/internal/joblist"
	"github.com/lighttgo/lighttgo/internal/metrics"
	"github.com/lighttgo/lighttgo/internal/plugin"
	"github.com/lighttgo/lighttgo/internal/srvlog"
)

// requestTimeout closes a connection stuck in the FastCGI data plane for
// too long (spec §4.3 "Request timeout": 60 seconds since request start).
const requestTimeout = 60 * time.Second

// Server owns the listening descriptor, the demultiplexer, and every
// accepted connection, and drives them all from a single goroutine (spec
// §5 "Scheduling model: single-threaded cooperative. One thread owns
// every connection, every backend socket, the job list, and all FastCGI
// state").
type Server struct {
	Tree *config.Tree

	Poller  fdevent.Poller
	Hooks   *plugin.Registry
	Jobs    *joblist.List
	Shaper  *joblist.Shaper
	Stats   *metrics.ServerStats
	Pool    *fastcgi.Pool
	Control *fastcgi.Controller
	Fs      afero.Fs

	listenFD int
	conns    map[int]*connstate.Connection
}

// New builds a Server from a decoded configuration tree and the
// already-assembled hook registry/FastCGI control plane a command-layer
// caller constructed (cmd/server.go wires Registry/Pool/Controller once at
// startup before handing them off).
func New(tree *config.Tree, hooks *plugin.Registry, pool *fastcgi.Pool, ctl *fastcgi.Controller, stats *metrics.ServerStats) *Server {
	return &Server{
		Tree:    tree,
		Poller:  fdevent.NewPoll(),
		Hooks:   hooks,
		Jobs:    joblist.New(),
		Shaper:  joblist.NewShaper(0, 0),
		Stats:   stats,
		Pool:    pool,
		Control: ctl,
		Fs:      afero.NewOsFs(),
		conns:   make(map[int]*connstate.Connection),
	}
}

// Listen binds the configured address, preparing the server to Run.
func (s *Server) Listen() error {
	fd, err := openListenerFD(s.Tree.Server.Listen)
	if err != nil {
		return err
	}
	s.listenFD = fd
	return nil
}

// Run drives the accept/read/write event loop until ctx is cancelled,
// mirroring spec §4.5's per-iteration sequence: poll, dispatch ready
// descriptors, drain the job list once, run the per-second trigger on a
// tick boundary.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Poller.Add(s.listenFD, fdevent.Readable, nil); err != nil {
		return fmt.Errorf("server: register listener: %w", err)
	}
	defer s.Poller.Remove(s.listenFD)
	defer s.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		events, ticked, err := s.Poller.Wait(time.Second)
		if err != nil {
			return fmt.Errorf("server: poll: %w", err)
		}

		for _, ev := range events {
			if ev.UserFD == nil {
				s.acceptNew()
				continue
			}
			c, ok := ev.UserFD.(*connstate.Connection)
			if !ok {
				continue
			}
			s.step(c, time.Now())
		}

		now := time.Now()
		for _, c := range s.Jobs.Drain() {
			s.Hooks.HandleJoblist(c)
			s.step(c, now)
		}
		for _, c := range s.Shaper.Tick() {
			s.step(c, now)
		}

		if ticked {
			s.tick(ctx, now)
		}

		s.closeTimedOut(now)
	}
}

// acceptNew drains the listening descriptor, rejecting new connections once
// max_fds worth of connections are already open (spec §4 budget: "cur_fds
// tracked against max_fds").
func (s *Server) acceptNew() {
	maxFDs := s.Tree.Server.MaxFDs
	_ = acceptAll(s.listenFD, func(fd int, remote string) {
		if maxFDs > 0 && len(s.conns) >= maxFDs {
			unix.Close(fd)
			return
		}

		c := connstate.NewConnection(fd, socketIO{fd: fd}, s.Fs)
		c.Hooks = s.Hooks
		c.ServerName = s.Tree.Server.ServerName
		c.MaxRequestSize = s.Tree.Server.MaxRequestSize
		c.BodySpillThreshold = s.Tree.Server.BodySpillThreshold
		c.DefaultDocRoot = s.Tree.Server.DocumentRoot
		c.MaxKeepAliveRequests = s.Tree.Server.MaxKeepAliveRequests

		s.conns[fd] = c
		s.Stats.IncAccepted()
		s.Stats.IncActive()

		if err := s.Poller.Add(fd, fdevent.Readable, c); err != nil {
			srvlog.Errorf("server: register connection fd=%d (%s): %v", fd, remote, err)
			s.closeConn(c)
			return
		}
		s.step(c, time.Now())
	})
}

// step advances one connection and either re-arms its client-socket
// interest, re-queues it, or tears it down, translating connstate.Result
// into the poller/joblist vocabulary the event loop actually drives.
//
// A connection waiting on a FastCGI backend descriptor also surfaces as
// ResultWaitReadable/ResultWaitWritable here (internal/fastcgi.Gateway
// already registered the backend fd with s.Poller directly in HookWaitFor*);
// re-arming the client fd's interest in that case is redundant but
// harmless, since the client has nothing more to send until the backend
// completes.
func (s *Server) step(c *connstate.Connection, now time.Time) {
	writtenBefore := c.BytesWritten
	res, err := connstate.Step(c, now)
	if err != nil {
		srvlog.Errorf("server: connection fd=%d: %v", c.FD, err)
	}
	if n := c.BytesWritten - writtenBefore; n > 0 {
		s.Stats.AddBytesWritten(n)
	}

	switch res {
	case connstate.ResultWaitReadable:
		_ = s.Poller.Modify(c.FD, fdevent.Readable)
	case connstate.ResultWaitWritable:
		_ = s.Poller.Modify(c.FD, fdevent.Writable)
		s.recordShaped(c, c.BytesWritten-writtenBefore)
	case connstate.ResultWaitAIO:
		// No async read-ahead backend is wired in this build (internal/netio
		// never returns WaitForAIOEvent); treat like a plain "try again
		// next turn" via the job list rather than leaving the connection
		// unreachable.
		s.Jobs.Add(c)
	case connstate.ResultClosed:
		s.closeConn(c)
	}
}

// recordShaped asks the traffic shaper whether c should be parked; a
// connection over its write ceiling has its writable interest cleared
// until the next tick replenishes the budget (spec §4.5 "Traffic shaping").
func (s *Server) recordShaped(c *connstate.Connection, written int64) {
	if s.Shaper.RecordWrite(c, written) {
		_ = s.Poller.Remove(c.FD)
	}
}

func (s *Server) closeConn(c *connstate.Connection) {
	if _, ok := s.conns[c.FD]; !ok {
		return
	}
	_ = s.Poller.Remove(c.FD)
	s.Shaper.Forget(c)
	s.Jobs.Remove(c)
	s.Hooks.HandleConnectionClose(c)
	_ = c.Close()
	unix.Close(c.FD)
	delete(s.conns, c.FD)
	s.Stats.DecActive()
}

func (s *Server) closeAll() {
	for _, c := range s.conns {
		s.closeConn(c)
	}
	unix.Close(s.listenFD)
	_ = s.Poller.Close()
}

// closeTimedOut forcibly closes any connection that has been sitting in
// the FastCGI data plane (or anywhere else mid-request) for longer than
// requestTimeout (spec §4.3 "Request timeout ... forcibly closed with
// status 500"). The 500 itself was already attempted by the gateway on
// failure; a hang past this ceiling means the backend never answered at
// all, so there is nothing left to do but drop the connection.
func (s *Server) closeTimedOut(now time.Time) {
	for _, c := range s.conns {
		if c.State == connstate.StateClose || c.State == connstate.StateConnect || c.State == connstate.StateRequestStart {
			continue
		}
		if c.CloseTimeoutTS.IsZero() {
			continue
		}
		if now.Sub(c.CloseTimeoutTS) > requestTimeout {
			srvlog.Warnf("server: connection fd=%d exceeded request timeout, closing", c.FD)
			c.ErrorStatus = 500
			s.closeConn(c)
		}
	}
}
