package fastcgi

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/lighttgo/lighttgo/internal/chunk"
	"github.com/lighttgo/lighttgo/internal/httpmsg"
	"github.com/lighttgo/lighttgo/internal/netio"
)

// ClientState is the per-request backend connection state (spec §4.3):
// a request occupies exactly one of these states at a time as it moves
// through connecting, sending PARAMS/STDIN, and reading the response back.
type ClientState int

const (
	ClientInit ClientState = iota
	ClientConnectDelayed
	ClientPrepareWrite
	ClientWriting
	ClientReading
	ClientDone
	ClientError
)

func (s ClientState) String() string {
	switch s {
	case ClientInit:
		return "INIT"
	case ClientConnectDelayed:
		return "CONNECT_DELAYED"
	case ClientPrepareWrite:
		return "PREPARE_WRITE"
	case ClientWriting:
		return "WRITE"
	case ClientReading:
		return "READ"
	case ClientDone:
		return "DONE"
	case ClientError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Client drives a single request over one already-selected backend
// connection, from BEGIN_REQUEST through END_REQUEST. It owns no socket of
// its own; FD is the already-connected (or connecting) descriptor handed to
// it by the caller after Pool.Select.
type Client struct {
	FD      int
	ReqID   uint16
	State   ClientState
	Role    Role
	Proc    *Proc
	Fs      afero.Fs

	// AllowXSendfile gates the X-Sendfile/X-LIGHTTPD-send-file interception
	// in parseResponse on the owning host's allow_x_send_file setting (spec
	// §4.3): a backend not explicitly trusted to issue sendfile responses
	// has the header passed through untouched instead.
	AllowXSendfile bool

	Send *chunk.Queue // fully-encoded outbound record bytes

	recvBuf []byte // undecoded bytes read from the backend so far
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	ended   bool

	Status         int
	Header         *httpmsg.Header
	Body           []byte
	XSendfile      string
	AppStatus      int32
	ProtocolStatus ProtocolStatus
	Err            error
}

// NewClient constructs a request driver for reqID on an already-obtained
// backend descriptor fd. fs is used only for the rare case the send queue
// ends up holding a file chunk (a forwarded request-body tempfile).
func NewClient(fd int, reqID uint16, proc *Proc, fs afero.Fs) *Client {
	return &Client{
		FD:    fd,
		ReqID: reqID,
		State: ClientInit,
		Proc:  proc,
		Fs:    fs,
		Send:  chunk.NewQueue(fs),
	}
}

// Prepare encodes BEGIN_REQUEST and PARAMS (terminated by the empty PARAMS
// record) into Send and advances to PREPARE_WRITE. keepConn requests
// FCGI_KEEP_CONN so the backend connection can be reused by a later
// request to the same process (spec §4.3).
func (c *Client) Prepare(role Role, keepConn bool, params []NameValue) error {
	c.Role = role

	begin, err := EncodeBeginRequest(c.ReqID, role, keepConn)
	if err != nil {
		return err
	}
	c.Send.AppendMemNoCopy(begin)

	paramsRec, err := SplitAndEncodeStream(TypeParams, c.ReqID, EncodeNameValuePairs(params))
	if err != nil {
		return err
	}
	c.Send.AppendMemNoCopy(paramsRec)

	c.State = ClientPrepareWrite
	return nil
}

// WriteStdin appends one block of request body bytes as a STDIN record.
// Callers may call this repeatedly as the body streams in from the client
// connection; call CloseStdin once the body is exhausted.
func (c *Client) WriteStdin(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	rec, err := SplitAndEncodeStream(TypeStdin, c.ReqID, data)
	if err != nil {
		return err
	}
	// SplitAndEncodeStream appends a terminating empty record; strip it here
	// since the stream isn't closed yet. CloseStdin appends the real one.
	rec = rec[:len(rec)-HeaderLen]
	c.Send.AppendMemNoCopy(rec)
	return nil
}

// CloseStdin appends the terminating empty STDIN record.
func (c *Client) CloseStdin() error {
	term, err := EncodeRecord(TypeStdin, c.ReqID, nil)
	if err != nil {
		return err
	}
	c.Send.AppendMemNoCopy(term)
	return nil
}

// Flush writes as much of Send as the backend socket will currently accept,
// advancing to READ once the write buffer has fully drained (spec §4.3
// WRITE → READ transition).
func (c *Client) Flush() (netio.Result, error) {
	c.State = ClientWriting
	res, _, err := netio.WriteQueue(c.FD, c.Send)
	if err != nil {
		c.State = ClientError
		c.Err = err
		return res, err
	}
	if res == netio.Success && c.Send.Empty() {
		c.State = ClientReading
	}
	return res, nil
}

// Pump reads available bytes from the backend and decodes any complete
// records found, returning once no more bytes are immediately available.
// The request is complete once Done reports true.
func (c *Client) Pump() (netio.Result, error) {
	c.State = ClientReading
	buf := chunk.NewQueue(c.Fs)
	res, _, err := netio.ReadQueue(c.FD, buf, 64<<10)
	if err != nil {
		c.State = ClientError
		c.Err = err
		return res, err
	}
	for _, ch := range buf.Chunks() {
		c.recvBuf = append(c.recvBuf, ch.Mem[ch.MemOff:]...)
	}
	if decodeErr := c.decodeRecords(); decodeErr != nil {
		c.State = ClientError
		c.Err = decodeErr
		return netio.FatalError, decodeErr
	}
	if res == netio.ConnectionClose && !c.ended {
		// Backend closed before sending END_REQUEST: treat whatever stdout
		// accumulated as the final response (spec §4.3 "backend closed
		// early" edge case), rather than hanging the request forever.
		c.ended = true
	}
	if c.ended {
		if parseErr := c.parseResponse(); parseErr != nil {
			c.State = ClientError
			c.Err = parseErr
			return netio.FatalError, parseErr
		}
		c.State = ClientDone
	}
	return res, nil
}

// Done reports whether the backend has finished responding (END_REQUEST
// seen, or the connection closed before one arrived).
func (c *Client) Done() bool { return c.State == ClientDone || c.State == ClientError }

// decodeRecords consumes as many complete records as recvBuf currently
// holds, demultiplexing by type (spec §4.3 "response demux").
func (c *Client) decodeRecords() error {
	for {
		if len(c.recvBuf) < HeaderLen {
			return nil
		}
		h, err := UnmarshalHeader(c.recvBuf)
		if err != nil {
			return err
		}
		total := HeaderLen + int(h.ContentLength) + int(h.PaddingLength)
		if len(c.recvBuf) < total {
			return nil
		}
		content := c.recvBuf[HeaderLen : HeaderLen+int(h.ContentLength)]

		switch h.Type {
		case TypeStdout:
			c.stdout.Write(content)
		case TypeStderr:
			c.stderr.Write(content)
		case TypeEndRequest:
			body, err := DecodeEndRequestBody(content)
			if err != nil {
				return err
			}
			c.AppStatus = body.AppStatus
			c.ProtocolStatus = body.ProtocolStatus
			c.ended = true
		}

		c.recvBuf = c.recvBuf[total:]
	}
}

// StderrText returns whatever the backend wrote to STDERR, for logging.
func (c *Client) StderrText() string { return c.stderr.String() }

// parseResponse splits the accumulated STDOUT bytes into a CGI-style header
// block and body, applying the Status/Location/X-Sendfile rules (spec §4.3
// "response demux/header filter").
func (c *Client) parseResponse() error {
	raw := c.stdout.Bytes()
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(raw, sep)
	sepLen := 4
	if idx < 0 {
		// Tolerate a bare LFLF terminator, which some CGI scripts emit.
		sep = []byte("\n\n")
		sepLen = 2
		idx = bytes.Index(raw, sep)
	}

	c.Header = httpmsg.NewHeader()
	c.Status = 200

	var body []byte
	if idx < 0 {
		body = raw
	} else {
		headerBlock := raw[:idx]
		body = raw[idx+sepLen:]
		for _, line := range strings.Split(string(headerBlock), "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			k, v, ok := splitColon(line)
			if !ok {
				continue
			}
			c.Header.Add(k, v)
		}
	}

	if status := c.Header.Get("Status"); status != "" {
		n, err := strconv.Atoi(strings.Fields(status)[0])
		if err == nil {
			c.Status = n
		}
		c.Header.Del("Status")
	} else if c.Header.Get("Location") != "" {
		c.Status = 302
	}

	if c.AllowXSendfile {
		xs := c.Header.Get("X-Sendfile")
		xsHeader := "X-Sendfile"
		if xs == "" {
			xs = c.Header.Get("X-LIGHTTPD-send-file")
			xsHeader = "X-LIGHTTPD-send-file"
		}
		if xs != "" {
			c.XSendfile = xs
			c.Header.Del(xsHeader)
			body = nil
		}
	}

	c.Body = body
	return nil
}

func splitColon(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

// AbortRequest encodes an ABORT_REQUEST record, used when the client
// connection closes before the backend has finished (spec §4.3).
func (c *Client) AbortRequest() ([]byte, error) {
	return EncodeRecord(TypeAbortRequest, c.ReqID, nil)
}
