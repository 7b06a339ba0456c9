package fastcgi

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lighttgo/lighttgo/internal/chunk"
	"github.com/lighttgo/lighttgo/internal/connstate"
	"github.com/lighttgo/lighttgo/internal/fdevent"
	"github.com/lighttgo/lighttgo/internal/httpmsg"
	"github.com/lighttgo/lighttgo/internal/netio"
	"github.com/lighttgo/lighttgo/internal/plugin"
	"github.com/lighttgo/lighttgo/internal/srvlog"
)

// gatewaySlot is the PluginSlots key a Gateway uses to carry a request's
// in-flight backend Client from HandleStartBackend across suspended
// HandleSubrequest calls (spec
// §3/§9 "plugin slot table": each plugin keeps its own per-connection
// state there rather than the server holding a parallel structure).
const gatewaySlot = "fastcgi.gateway"

type gatewayState struct {
	client     *Client // nil until HandleSubrequest builds it (body is known by then)
	proc       *Proc
	host       *Host
	fd         int
	pollerOwns bool
}

// Gateway bridges the connection state machine's HANDLE_START_BACKEND and
// HANDLE_SUBREQUEST hooks (spec §4.1) to a Pool of FastCGI hosts: the first
// selects a process and dials it, the second (run once the request body has
// been fully read off the wire) builds PARAMS/STDIN and pumps the response
// until the backend finishes. Splitting the round trip this way means a
// POST/PUT body is never forwarded before connstate has actually read it
// (spec §4.1/§6 "handle_subrequest"), and a chunked request's CONTENT_LENGTH
// is built from the real decoded size rather than the -1 placeholder it
// carries while still arriving (spec §8 scenario 6).
type Gateway struct {
	Pool   *Pool
	Poller fdevent.Poller
	Env    func(c *connstate.Connection) RequestEnv
}

// NewGateway constructs a Gateway dispatching onto pool's extension table,
// registering backend descriptors with poller so the event loop wakes the
// owning connection again once the backend has more to say.
func NewGateway(pool *Pool, poller fdevent.Poller, env func(c *connstate.Connection) RequestEnv) *Gateway {
	return &Gateway{Pool: pool, Poller: poller, Env: env}
}

func (g *Gateway) Name() string { return "fastcgi" }

// HandleStartBackend implements spec §4.1's last hook in the
// HANDLE_REQUEST_HEADER chain: GO_ON when no host is configured for the
// request's extension (falls through to static file serving), otherwise
// selects and dials a backend process and claims the request with
// HookSubrequest so HANDLE_SUBREQUEST can forward the body once
// READ_REQUEST_CONTENT has produced it.
func (g *Gateway) HandleStartBackend(c *connstate.Connection) connstate.HookResult {
	if _, ok := c.PluginSlots[gatewaySlot].(*gatewayState); ok {
		// A prior pass through this connection already claimed the
		// request (spec §4.1 HANDLE_REQUEST_HEADER can loop on COMEBACK).
		return connstate.HookSubrequest
	}

	ext := path.Ext(c.PhysicalPath)
	if len(g.Pool.Hosts(ext)) == 0 {
		// No host configured for this extension at all: not a
		// backend failure, just not this gateway's request.
		return connstate.HookGoOn
	}
	host, proc, err := g.Pool.Select(ext)
	if err != nil {
		// spec §4.3: "all backends down" -> status 500.
		c.ErrorStatus = http.StatusInternalServerError
		return connstate.HookError
	}

	fd, proc, err := dialBackend(host, proc, time.Now())
	if err != nil {
		if errors.Is(err, errWaitForFD) {
			return connstate.HookWaitForFD
		}
		srvlog.Errorf("fastcgi: %s: %v", host.Name, err)
		c.ErrorStatus = http.StatusBadGateway
		return connstate.HookError
	}

	c.PluginSlots[gatewaySlot] = &gatewayState{proc: proc, host: host, fd: fd}
	return connstate.HookSubrequest
}

// HandleSubrequest implements plugin.SubrequestHook (spec §4.1/§6): the
// request body has now been fully read into c.DecodedRecv (and, for a
// chunked request, c.Request.ContentLength backfilled with its real size),
// so this is where PARAMS and STDIN are actually built and sent, and the
// backend response pumped to completion.
func (g *Gateway) HandleSubrequest(c *connstate.Connection) connstate.HookResult {
	state, ok := c.PluginSlots[gatewaySlot].(*gatewayState)
	if !ok {
		return connstate.HookGoOn
	}

	if state.client == nil {
		client := NewClient(state.fd, 1, state.proc, c.Fs)
		client.AllowXSendfile = state.host.AllowXSendfile
		if err := client.Prepare(state.host.Mode, false, BuildParams(c.Request, g.Env(c))); err != nil {
			return g.fail(c, state, http.StatusInternalServerError, err)
		}
		if err := writeBodyToClient(client, c); err != nil {
			return g.fail(c, state, http.StatusInternalServerError, err)
		}
		state.proc.Load++
		state.proc.RequestsServed++
		state.client = client
	}

	return g.pump(c, state)
}

// pump drives state.client one step: flushing the request if it hasn't
// finished writing, otherwise reading whatever the backend has sent back.
func (g *Gateway) pump(c *connstate.Connection, state *gatewayState) connstate.HookResult {
	client := state.client

	if !client.Send.Empty() {
		res, err := client.Flush()
		if err != nil {
			return g.fail(c, state, http.StatusBadGateway, err)
		}
		if res == netio.WaitForEvent {
			g.wait(c, state, fdevent.Writable)
			return connstate.HookWaitForFD
		}
	}

	for !client.Done() {
		res, err := client.Pump()
		if err != nil {
			return g.fail(c, state, http.StatusBadGateway, err)
		}
		if res == netio.WaitForEvent {
			g.wait(c, state, fdevent.Readable)
			return connstate.HookWaitForEvent
		}
	}

	return g.finish(c, state)
}

// wait (re-)registers the backend descriptor with the poller so the event
// loop hands control back to this connection once it is ready, without
// polling the client socket for an unrelated readiness condition. c is
// carried as the event's UserFD so the loop can call Step on the right
// connection without a secondary fd->connection lookup.
func (g *Gateway) wait(c *connstate.Connection, state *gatewayState, interest fdevent.Interest) {
	if g.Poller == nil {
		return
	}
	if !state.pollerOwns {
		_ = g.Poller.Add(state.fd, interest, c)
		state.pollerOwns = true
		return
	}
	_ = g.Poller.Modify(state.fd, interest)
}

func (g *Gateway) fail(c *connstate.Connection, state *gatewayState, status int, err error) connstate.HookResult {
	srvlog.Errorf("fastcgi: %s/%s: %v", state.host.Name, state.proc.Addr, err)
	g.cleanup(c, state)
	c.ErrorStatus = status
	return connstate.HookError
}

// finish applies the backend's response (spec §4.3 "Header filter") to the
// connection's outgoing response/PreEncode queues and releases the backend
// descriptor.
func (g *Gateway) finish(c *connstate.Connection, state *gatewayState) connstate.HookResult {
	client := state.client
	defer g.cleanup(c, state)

	if client.State == ClientError {
		c.ErrorStatus = http.StatusBadGateway
		return connstate.HookError
	}

	if state.host.Mode == RoleAuthorizer && client.Status == http.StatusOK {
		// Authorizer granted access: fall through to static serving of
		// the original physical path (spec §4.3 END_REQUEST step).
		return connstate.HookGoOn
	}

	c.Response = httpmsg.NewResponse()
	c.Response.Status = client.Status
	if client.Status == 0 {
		c.Response.Status = http.StatusOK
	}
	client.Header.Each(func(k, v string) {
		c.Response.Header.Set(k, v)
	})

	if client.XSendfile != "" {
		info, err := c.Fs.Stat(client.XSendfile)
		if err != nil {
			c.ErrorStatus = http.StatusNotFound
			return connstate.HookError
		}
		c.Response.SetContentLength(info.Size())
		c.PreEncode.AppendFile(client.XSendfile, 0, info.Size())
		return connstate.HookFinished
	}

	if client.Header.Get("Content-Length") == "" {
		c.Response.SetContentLength(int64(len(client.Body)))
	} else {
		c.Response.SetContentLength(mustAtoi64(client.Header.Get("Content-Length")))
	}
	if len(client.Body) > 0 {
		c.PreEncode.AppendMem(client.Body)
	}
	return connstate.HookFinished
}

func (g *Gateway) cleanup(c *connstate.Connection, state *gatewayState) {
	if state.pollerOwns && g.Poller != nil {
		_ = g.Poller.Remove(state.fd)
	}
	unix.Close(state.fd)
	if state.proc.Load > 0 {
		state.proc.Load--
	}
	delete(c.PluginSlots, gatewaySlot)
}

// ConnectionReset aborts any backend request still in flight when the
// client connection is reset between requests without having read the
// backend to completion (spec §4.3 "client disconnect mid-response").
func (g *Gateway) ConnectionReset(c *connstate.Connection) {
	state, ok := c.PluginSlots[gatewaySlot].(*gatewayState)
	if !ok {
		return
	}
	if state.client != nil {
		if rec, err := state.client.AbortRequest(); err == nil {
			_, _ = writeRaw(state.fd, rec)
		}
	}
	g.cleanup(c, state)
}

func writeRaw(fd int, b []byte) (int, error) {
	return unix.Write(fd, b)
}

func mustAtoi64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// writeBodyToClient drains the connection's already-decoded request body
// into the backend's STDIN stream. Memory chunks are copied directly; a
// spilled tempfile chunk is read back in whole (request bodies large
// enough to spill are uncommon on the FastCGI-backed paths this gateway
// serves, so no streaming chunked read-back is implemented).
func writeBodyToClient(client *Client, c *connstate.Connection) error {
	for _, ch := range c.DecodedRecv.Chunks() {
		if ch.Kind == chunk.KindMem {
			if err := client.WriteStdin(ch.Mem[ch.MemOff:]); err != nil {
				return err
			}
			continue
		}
		f, err := ch.Open(c.Fs)
		if err != nil {
			return err
		}
		buf := make([]byte, ch.Remaining())
		if _, err := f.ReadAt(buf, ch.FileStart+ch.FileOff); err != nil {
			return fmt.Errorf("fastcgi: reading spilled body: %w", err)
		}
		if err := client.WriteStdin(buf); err != nil {
			return err
		}
	}
	return client.CloseStdin()
}

// maxConnectAttempts bounds dialBackend's reselect loop (spec §4.3/§7: a
// DIED or OVERLOADED proc is disabled and another candidate tried, but a
// host with every proc failing must not spin forever).
const maxConnectAttempts = 5

// errWaitForFD is returned by dialBackend when the connect failed with
// EMFILE/ENFILE: the backend itself may be healthy, this process has simply
// run out of descriptors, so the caller should retry later rather than
// penalize the proc (spec §4.3 "WAIT_FOR_FD").
var errWaitForFD = fmt.Errorf("fastcgi: out of file descriptors")

// dialBackend dials proc on host, reclassifying and retrying against
// another RUNNING proc on connect failure per spec §4.3's "Connection
// establishment" / §7's error taxonomy:
//
//   - EAGAIN (kernel backlog full): proc -> OVERLOADED for
//     host.OverloadDisableFor, reselect.
//   - ECONNREFUSED/ENOENT (nothing listening / socket gone): proc -> DIED
//     (DIED_WAIT_FOR_PID for a local proc, so control.go's reaper picks it
//     back up) for host.DiedDisableFor, reselect.
//   - EMFILE/ENFILE (this process is out of descriptors): no proc is
//     blamed; returns errWaitForFD immediately.
//   - anything else: returned as-is, no retry.
//
// Retries are bounded by maxConnectAttempts and by Pool.Select having a
// RUNNING candidate left at all; Proc.ConnectRetries counts failed attempts against
// that specific proc across its lifetime for observability.
func dialBackend(host *Host, proc *Proc, now time.Time) (int, *Proc, error) {
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		fd, err := DialProc(proc)
		if err == nil {
			return fd, proc, nil
		}
		proc.ConnectRetries++

		if isEMFILE(err) {
			return -1, proc, errWaitForFD
		}

		switch {
		case errors.Is(err, syscall.EAGAIN):
			proc.State = ProcOverloaded
			proc.DisabledUntil = now.Add(host.OverloadDisableFor)
		case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ENOENT):
			if proc.Local {
				proc.State = ProcDiedWaitForPID
			} else {
				proc.State = ProcDied
			}
			proc.DisabledUntil = now.Add(host.DiedDisableFor)
		default:
			return -1, proc, err
		}

		next := host.SelectProcess()
		if next == nil {
			return -1, proc, ErrAllBackendsDown
		}
		proc = next
	}
	return -1, proc, fmt.Errorf("fastcgi: %s: exceeded %d connect attempts", host.Name, maxConnectAttempts)
}

// isEMFILE reports whether err is this process running out of descriptors
// (EMFILE) or the system-wide table being full (ENFILE); either way the
// backend process itself isn't at fault.
func isEMFILE(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

// DialProc opens a new connection to p's backend address and returns the
// raw, non-blocking descriptor for the caller to drive via netio's
// non-blocking read/write backends and register with the event loop's
// poller. Addr beginning with "/" is dialed as a Unix domain socket;
// anything else is parsed as a "host:port" TCP endpoint.
//
// The connect itself is a blocking net.Dial call rather than the fully
// non-blocking EINPROGRESS/CONNECT_DELAYED sequence spec §4.3 names:
// backend addresses are almost always local Unix sockets, where connect
// latency is negligible, and ClientConnectDelayed is kept in the Client
// state enum for naming fidelity even though this gateway never produces it.
// Errors are unwrapped *net.OpError/*os.SyscallError values so dialBackend's
// errors.Is(err, syscall.EAGAIN) etc. classification works without this
// function knowing about the classification itself.
func DialProc(p *Proc) (int, error) {
	network := "tcp"
	if strings.HasPrefix(p.Addr, "/") {
		network = "unix"
	}
	conn, err := net.Dial(network, p.Addr)
	if err != nil {
		return -1, err
	}
	defer conn.Close()

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("fastcgi: %s connection does not expose a raw descriptor", network)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	var fd int
	var dupErr error
	if err := rc.Control(func(raw uintptr) {
		fd, dupErr = unix.Dup(int(raw))
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

var (
	_ plugin.StartBackendHook    = (*Gateway)(nil)
	_ plugin.SubrequestHook      = (*Gateway)(nil)
	_ plugin.ConnectionResetHook = (*Gateway)(nil)
)
