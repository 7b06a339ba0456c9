package connstate

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/lighttgo/lighttgo/internal/chunk"
	"github.com/lighttgo/lighttgo/internal/netio"
)

// fakeIO is an in-memory double for Connection.IO: Read drains a fixed byte
// slice (simulating a socket that already has the whole request buffered),
// Write appends to a byte buffer instead of touching a real descriptor.
type fakeIO struct {
	in  []byte
	out []byte
	fs  afero.Fs
}

func (f *fakeIO) Read(q *chunk.Queue, maxBytes int) (netio.Result, int64, error) {
	if len(f.in) == 0 {
		return netio.WaitForEvent, 0, nil
	}
	n := len(f.in)
	if n > maxBytes {
		n = maxBytes
	}
	q.AppendMem(f.in[:n])
	f.in = f.in[n:]
	return netio.Success, int64(n), nil
}

func (f *fakeIO) Write(q *chunk.Queue) (netio.Result, int64, error) {
	var total int64
	for {
		ch := q.First()
		if ch == nil {
			break
		}
		var seg []byte
		if ch.Kind == chunk.KindMem {
			seg = ch.Mem[ch.MemOff:]
		} else {
			file, err := ch.Open(f.fs)
			if err != nil {
				return netio.FatalError, total, err
			}
			seg = make([]byte, ch.Remaining())
			if _, err := file.ReadAt(seg, ch.FileStart+ch.FileOff); err != nil {
				return netio.FatalError, total, err
			}
		}
		f.out = append(f.out, seg...)
		q.MarkConsumed(ch, int64(len(seg)))
		total += int64(len(seg))
		if err := q.RemoveFinished(); err != nil {
			return netio.FatalError, total, err
		}
	}
	return netio.Success, total, nil
}

func newTestConnection(requestBytes string) (*Connection, *fakeIO) {
	fs := afero.NewMemMapFs()
	io := &fakeIO{in: []byte(requestBytes), fs: fs}
	c := NewConnection(3, io, fs)
	return c, io
}

func TestStepDrivesSimpleGetToKeepAliveWait(t *testing.T) {
	c, io := newTestConnection("GET /hello HTTP/1.1\r\nHost: example.com\r\n\r\n")

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultWaitReadable, res)
	require.Equal(t, StateRequestStart, c.State)
	require.Equal(t, 1, c.RequestCount)

	out := string(io.out)
	require.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	require.Contains(t, out, "Transfer-Encoding: chunked")
	require.Contains(t, out, "Connection: keep-alive")
	require.True(t, strings.HasSuffix(out, "0\r\n\r\n"))
}

func TestStepRejectsMissingHostOnHTTP11(t *testing.T) {
	c, io := newTestConnection("GET / HTTP/1.1\r\n\r\n")

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultClosed, res)
	require.Contains(t, string(io.out), "HTTP/1.1 400 ")
}

func TestStepRejectsOversizedHeaderWith413(t *testing.T) {
	c, io := newTestConnection("GET / HTTP/1.1\r\n\r\n")
	c.MaxRequestSize = 4 // smaller than the request line alone

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultClosed, res)
	require.Contains(t, string(io.out), "413")
}

func TestStepReadsDeclaredContentLengthBody(t *testing.T) {
	body := "field=value"
	req := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: " +
		itoa(len(body)) + "\r\n\r\n" + body
	c, _ := newTestConnection(req)

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultWaitReadable, res)
	require.EqualValues(t, len(req), c.BytesRead)
}

func TestStepDecodesChunkedRequestBody(t *testing.T) {
	req := "POST /submit HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"
	c, io := newTestConnection(req)

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultWaitReadable, res)
	require.Contains(t, string(io.out), "HTTP/1.1 200 OK")
}

// fakeHooks lets a test control the HANDLE_REQUEST_HEADER chain's outcome.
type fakeHooks struct {
	uriRawResult     HookResult
	physicalPath     string
	startBackend     func(c *Connection) HookResult
	subrequest       func(c *Connection) HookResult
	resetInvocations int
}

func (h *fakeHooks) HandleURIRaw(c *Connection) HookResult   { return h.uriRawResult }
func (h *fakeHooks) HandleURIClean(c *Connection) HookResult { return HookGoOn }
func (h *fakeHooks) HandleDocroot(c *Connection) HookResult  { return HookGoOn }
func (h *fakeHooks) HandlePhysicalPath(c *Connection) HookResult {
	if h.physicalPath != "" {
		c.PhysicalPath = h.physicalPath
	}
	return HookGoOn
}
func (h *fakeHooks) HandleStartBackend(c *Connection) HookResult {
	if h.startBackend != nil {
		return h.startBackend(c)
	}
	return HookGoOn
}
func (h *fakeHooks) HandleSubrequest(c *Connection) HookResult {
	if h.subrequest != nil {
		return h.subrequest(c)
	}
	return HookFinished
}
func (h *fakeHooks) ConnectionReset(c *Connection) { h.resetInvocations++ }

func TestStepSubrequestSeesFullyDecodedBodyAndContentLength(t *testing.T) {
	body := "field=value"
	req := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: " +
		itoa(len(body)) + "\r\n\r\n" + body
	c, io := newTestConnection(req)

	var sawBody string
	var sawLen int64
	hooks := &fakeHooks{
		startBackend: func(c *Connection) HookResult { return HookSubrequest },
		subrequest: func(c *Connection) HookResult {
			for _, ch := range c.DecodedRecv.Chunks() {
				sawBody += string(ch.Mem[ch.MemOff:])
			}
			sawLen = c.Request.ContentLength
			c.Response = nil
			return HookFinished
		},
	}
	c.Hooks = hooks

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultWaitReadable, res)
	require.Equal(t, body, sawBody)
	require.EqualValues(t, len(body), sawLen)
	require.Contains(t, string(io.out), "HTTP/1.1 200 OK")
}

func TestStepSubrequestBackfillsContentLengthForChunkedBody(t *testing.T) {
	req := "POST /submit HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"
	c, _ := newTestConnection(req)

	var sawLen int64
	hooks := &fakeHooks{
		startBackend: func(c *Connection) HookResult { return HookSubrequest },
		subrequest: func(c *Connection) HookResult {
			sawLen = c.Request.ContentLength
			c.Response = nil
			return HookFinished
		},
	}
	c.Hooks = hooks

	_, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.EqualValues(t, 5, sawLen)
}

func TestStepSubrequestAuthorizerGoOnFallsThroughToStaticFile(t *testing.T) {
	c, io := newTestConnection("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, afero.WriteFile(c.Fs, "/www/index.html", []byte("hello"), 0o644))

	hooks := &fakeHooks{
		physicalPath: "/www/index.html",
		startBackend: func(c *Connection) HookResult { return HookSubrequest },
		subrequest:   func(c *Connection) HookResult { return HookGoOn },
	}
	c.Hooks = hooks

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultWaitReadable, res)
	out := string(io.out)
	require.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	require.True(t, strings.HasSuffix(out, "hello"))
}

func TestStepForcesConnectionCloseOnceMaxKeepAliveRequestsReached(t *testing.T) {
	c, io := newTestConnection("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	c.MaxKeepAliveRequests = 1

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultClosed, res)
	require.Contains(t, string(io.out), "Connection: close")
}

func TestStepHandleRequestHeaderFinishedShortCircuits(t *testing.T) {
	c, io := newTestConnection("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	hooks := &fakeHooks{startBackend: func(c *Connection) HookResult {
		c.ErrorStatus = 404
		return HookFinished
	}}
	c.Hooks = hooks

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultWaitReadable, res)
	require.Contains(t, string(io.out), "404")
	require.Equal(t, 1, hooks.resetInvocations)
}

func TestStepHandleRequestHeaderComebackGuardsAgainstLivelock(t *testing.T) {
	c, _ := newTestConnection("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	hooks := &fakeHooks{startBackend: func(c *Connection) HookResult {
		return HookComeback
	}}
	c.Hooks = hooks

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultClosed, res)
	require.Equal(t, StateClose, c.State)
	require.Greater(t, c.LoopsPerRequest, MaxLoopsPerRequest)
}

func TestStepServesStaticFileWhenNoHookClaimsTheRequest(t *testing.T) {
	c, io := newTestConnection("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")
	hooks := &fakeHooks{physicalPath: "/www/index.html"}
	c.Hooks = hooks

	require.NoError(t, afero.WriteFile(c.Fs, "/www/index.html", []byte("hello"), 0o644))

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultWaitReadable, res)
	out := string(io.out)
	require.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	require.Contains(t, out, "Content-Length: 5")
	require.True(t, strings.HasSuffix(out, "hello"))
}

func TestStepServesStaticFile404WhenPhysicalPathMissing(t *testing.T) {
	c, io := newTestConnection("GET /missing.html HTTP/1.1\r\nHost: example.com\r\n\r\n")
	c.Hooks = &fakeHooks{physicalPath: "/www/missing.html"}

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultClosed, res)
	require.Contains(t, string(io.out), "404")
}

func TestStepClosesOnConnectionCloseHeader(t *testing.T) {
	c, _ := newTestConnection("GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	res, err := Step(c, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, ResultClosed, res)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
