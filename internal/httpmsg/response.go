package httpmsg

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Response carries the outgoing status/headers and the framing decision
// made in HANDLE_RESPONSE_HEADER (spec §4.1, §3).
type Response struct {
	Status       int
	Header       *Header
	Chunked      bool // true when content length is unknown at flush time
	KeepAlive    bool
	contentSet   bool
	ServerHeader string
}

// NewResponse constructs a Response defaulting to status 200, matching
// spec §4.1 HANDLE_RESPONSE_HEADER's "set default status 200".
func NewResponse() *Response {
	return &Response{
		Status: http.StatusOK,
		Header: NewHeader(),
	}
}

// SetContentLength records a known body length, disabling chunked framing.
func (r *Response) SetContentLength(n int64) {
	r.Header.Set("Content-Length", strconv.FormatInt(n, 10))
	r.Chunked = false
	r.contentSet = true
}

// SetChunked marks the response as using chunked transfer-coding because
// the length is not known when headers must be flushed.
func (r *Response) SetChunked() {
	if r.contentSet {
		return
	}
	r.Chunked = true
	r.Header.Set("Transfer-Encoding", "chunked")
}

// Finalize fills in Server/Date/Connection per spec §4.1
// HANDLE_RESPONSE_HEADER, given the server's advertised name and the final
// keep-alive decision for the connection.
func (r *Response) Finalize(serverName string, now time.Time, keepAlive bool) {
	r.KeepAlive = keepAlive
	if serverName != "" && r.Header.Get("Server") == "" {
		r.Header.Set("Server", serverName)
	}
	if r.Header.Get("Date") == "" {
		r.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	}
	if !r.contentSet && !r.Chunked {
		r.SetChunked()
	}
	if keepAlive {
		r.Header.Set("Connection", "keep-alive")
	} else {
		r.Header.Set("Connection", "close")
	}
}

// WriteHeaderBlock renders the status line and headers as the bytes to be
// prepended to the send queue ahead of the body (spec §4.1
// WRITE_RESPONSE_HEADER).
func (r *Response) WriteHeaderBlock() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, fmt.Sprintf("HTTP/1.1 %d %s\r\n", r.Status, http.StatusText(r.Status))...)
	r.Header.Each(func(k, v string) {
		buf = append(buf, k...)
		buf = append(buf, ':', ' ')
		buf = append(buf, v...)
		buf = append(buf, '\r', '\n')
	})
	buf = append(buf, '\r', '\n')
	return buf
}
