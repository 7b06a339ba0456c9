package connstate

import (
	"fmt"
	"time"

	"github.com/spf13/afero"

	"github.com/lighttgo/lighttgo/internal/chunk"
	"github.com/lighttgo/lighttgo/internal/httpmsg"
	"github.com/lighttgo/lighttgo/internal/netio"
)

// Default budgets; a server overrides these per Connection from its
// configuration tree (internal/config).
const (
	DefaultMaxRequestSize     = 8 << 20 // 8MiB
	DefaultHeaderReadBudget   = 16 << 10
	DefaultBodyReadBudget     = 64 << 10
	DefaultBodySpillThreshold = 1 << 20 // 1MiB; above this, spill to tempfile
	MaxLoopsPerRequest        = 5
)

// IO is the pair of non-blocking read/write operations a Connection drives
// its chunk queues through. A server wires this to internal/netio's
// ReadQueue/WriteQueue against the accepted socket's fd; tests wire it to
// fakes that don't need a real descriptor.
type IO interface {
	Read(q *chunk.Queue, maxBytes int) (netio.Result, int64, error)
	Write(q *chunk.Queue) (netio.Result, int64, error)
}

// Connection is one accepted client socket and everything the state machine
// needs to drive it (spec §3 "Connection"). It is created on accept, mutated
// only by the event loop goroutine that owns it, and destroyed once Step
// returns ResultClosed.
type Connection struct {
	FD    int
	State State

	IO    IO
	Hooks Hooks
	Fs    afero.Fs

	ServerName         string
	MaxRequestSize     int64
	HeaderReadBudget    int
	BodyReadBudget      int
	BodySpillThreshold  int64

	// ReadIdleTS/WriteRequestTS mark the last time bytes actually moved in
	// either direction; CloseTimeoutTS marks when the current request began
	// (reset at the top of every request, including keep-alive reuse), the
	// timestamp a server's request-timeout enforcement gates on.
	ReadIdleTS     time.Time
	WriteRequestTS time.Time
	CloseTimeoutTS time.Time

	// RawRecv holds bytes exactly as received off the wire: header bytes
	// during READ_REQUEST_HEADER, then raw chunked-framing bytes during a
	// chunked READ_REQUEST_CONTENT (headers and chunk envelope share the
	// same accumulation discipline).
	RawRecv *chunk.Queue
	// DecodedRecv holds the request body with any transfer-coding removed.
	DecodedRecv *chunk.Queue
	// PreEncode holds response body bytes/file references assembled by
	// whatever produced the response (a backend handler or a plugin)
	// before WRITE_RESPONSE_HEADER decides how to frame them.
	PreEncode *chunk.Queue
	// RawSend holds the exact bytes to hand to the write backend: the
	// rendered header block prepended to the (possibly chunk-encoded)
	// body.
	RawSend *chunk.Queue

	Request  *httpmsg.Request
	Response *httpmsg.Response

	headerScanner httpmsg.HeaderScanner
	headerBlock   []byte
	bodyDecoder   httpmsg.ChunkDecoder
	headerWritten bool

	PhysicalPath string
	DocRoot      string
	// DefaultDocRoot is the server-wide document root a connection was
	// accepted with; unlike DocRoot it survives resetPerRequest, so
	// defaultDocroot (step.go) has something to fall back to on every
	// request of a keep-alive connection, not just its first.
	DefaultDocRoot string

	RequestCount   int
	BytesRead      int64
	BytesWritten   int64
	LoopsPerRequest int

	KeepAlive      bool
	InErrorHandler bool
	ErrorStatus    int

	// MaxKeepAliveRequests caps RequestCount before KeepAlive is forced
	// false (spec §8 "max_keep_alive_requests"); 0 means unlimited, the
	// zero value a Connection not threaded through a config tree gets.
	MaxKeepAliveRequests int

	// BackendSubrequest is set when a HANDLE_REQUEST_HEADER hook returns
	// HookSubrequest: it tells stepReadRequestContent/stepReadChunkedBody
	// to route to HANDLE_SUBREQUEST instead of HANDLE_RESPONSE_HEADER once
	// the body finishes, and is cleared again once that step completes.
	BackendSubrequest bool

	// PluginSlots is the per-connection plugin context slot table (spec §3,
	// §9): each plugin stores whatever state it needs keyed by its own
	// name, rather than the server holding a parallel structure.
	PluginSlots map[string]interface{}

	tempSeq int
}

// NewConnection constructs a Connection ready to run from StateConnect.
func NewConnection(fd int, io IO, fs afero.Fs) *Connection {
	c := &Connection{
		FD:                 fd,
		State:              StateConnect,
		IO:                 io,
		Fs:                 fs,
		MaxRequestSize:     DefaultMaxRequestSize,
		HeaderReadBudget:   DefaultHeaderReadBudget,
		BodyReadBudget:     DefaultBodyReadBudget,
		BodySpillThreshold: DefaultBodySpillThreshold,
		PluginSlots:        make(map[string]interface{}),
	}
	c.resetQueues()
	return c
}

func (c *Connection) resetQueues() {
	c.RawRecv = chunk.NewQueue(c.Fs)
	c.DecodedRecv = chunk.NewQueue(c.Fs)
	c.PreEncode = chunk.NewQueue(c.Fs)
	c.RawSend = chunk.NewQueue(c.Fs)
}

// resetPerRequest clears everything scoped to one request/response while
// preserving the connection-lifetime counters named in spec §3 (request
// count, bytes read/written) and any bytes already pipelined in RawRecv.
func (c *Connection) resetPerRequest(now time.Time) {
	leftoverRaw := c.RawRecv
	c.DecodedRecv = chunk.NewQueue(c.Fs)
	c.PreEncode = chunk.NewQueue(c.Fs)
	c.RawSend = chunk.NewQueue(c.Fs)
	c.RawRecv = leftoverRaw

	c.Request = nil
	c.Response = nil
	c.headerScanner = httpmsg.HeaderScanner{}
	c.headerBlock = nil
	c.bodyDecoder = httpmsg.ChunkDecoder{}
	c.headerWritten = false
	c.PhysicalPath = ""
	c.DocRoot = ""
	c.LoopsPerRequest = 0
	c.KeepAlive = false
	c.InErrorHandler = false
	c.ErrorStatus = 0
	c.BackendSubrequest = false
	c.ReadIdleTS = now
	c.CloseTimeoutTS = now
}

// nextTempName returns a unique name for a body-spill tempfile scoped to
// this connection.
func (c *Connection) nextTempName() string {
	c.tempSeq++
	return fmt.Sprintf("/lighttgo-body-%d-%d", c.FD, c.tempSeq)
}

// Close releases every chunk queue the connection owns. Call once Step
// returns ResultClosed.
func (c *Connection) Close() error {
	var first error
	for _, q := range []*chunk.Queue{c.RawRecv, c.DecodedRecv, c.PreEncode, c.RawSend} {
		if err := q.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
