package connstate

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/lighttgo/lighttgo/internal/chunk"
	"github.com/lighttgo/lighttgo/internal/httpmsg"
	"github.com/lighttgo/lighttgo/internal/netio"
)

// Step advances c as far as it can without blocking, then returns the
// reason it suspended. It never returns ResultAgain: that value is only
// used internally to keep looping through synchronous transitions (spec §9
// "explicit state enum with a step function ... returns a result variant
// indicating suspension cause or terminal status").
func Step(c *Connection, now time.Time) (Result, error) {
	for {
		res, err := stepOnce(c, now)
		if err != nil {
			return res, err
		}
		if res != ResultAgain {
			return res, nil
		}
	}
}

func stepOnce(c *Connection, now time.Time) (Result, error) {
	switch c.State {
	case StateConnect:
		c.ReadIdleTS = now
		c.State = StateRequestStart
		return ResultAgain, nil
	case StateRequestStart:
		c.resetPerRequest(now)
		c.State = StateReadRequestHeader
		return ResultAgain, nil
	case StateReadRequestHeader:
		return stepReadRequestHeader(c, now)
	case StateValidateRequestHeader:
		return stepValidateRequestHeader(c)
	case StateHandleRequestHeader:
		return stepHandleRequestHeader(c)
	case StateReadRequestContent:
		return stepReadRequestContent(c, now)
	case StateHandleSubrequest:
		return stepHandleSubrequest(c)
	case StateHandleResponseHeader:
		return stepHandleResponseHeader(c, now)
	case StateWriteResponseHeader:
		return stepWriteResponseHeader(c)
	case StateWriteResponseContent:
		return stepWriteResponseContent(c, now)
	case StateResponseEnd:
		return stepResponseEnd(c)
	case StateError:
		return stepError(c)
	case StateClose:
		return ResultClosed, nil
	default:
		return ResultClosed, fmt.Errorf("connstate: unknown state %v", c.State)
	}
}

// flattenUnconsumed copies every unconsumed byte currently held by a memory
// queue into one contiguous slice, for parsers that need to scan across
// chunk boundaries (header terminator, chunk-size lines).
func flattenUnconsumed(q *chunk.Queue) []byte {
	buf := make([]byte, 0, q.Length())
	for _, c := range q.Chunks() {
		if c.Kind == chunk.KindMem {
			buf = append(buf, c.Mem[c.MemOff:]...)
		}
	}
	return buf
}

func stepReadRequestHeader(c *Connection, now time.Time) (Result, error) {
	res, n, err := c.IO.Read(c.RawRecv, c.HeaderReadBudget)
	switch res {
	case netio.WaitForEvent, netio.Interrupted:
		return ResultWaitReadable, nil
	case netio.ConnectionClose:
		c.State = StateClose
		return ResultAgain, nil
	case netio.FatalError:
		c.State = StateClose
		return ResultClosed, err
	}
	if n > 0 {
		c.ReadIdleTS = now
		c.BytesRead += n
	}

	buf := flattenUnconsumed(c.RawRecv)
	if int64(len(buf)) > c.MaxRequestSize {
		c.State = StateError
		c.ErrorStatus = http.StatusRequestEntityTooLarge
		return ResultAgain, nil
	}

	end, found := c.headerScanner.Scan(buf)
	if !found {
		return ResultWaitReadable, nil
	}

	c.headerBlock = append([]byte(nil), buf[:end]...)
	if err := c.RawRecv.ConsumeBytes(int64(end)); err != nil {
		return ResultClosed, err
	}
	c.State = StateValidateRequestHeader
	return ResultAgain, nil
}

func stepValidateRequestHeader(c *Connection) (Result, error) {
	req, err := httpmsg.ParseRequest(c.headerBlock)
	if err != nil {
		c.State = StateError
		c.ErrorStatus = classifyParseError(err)
		return ResultAgain, nil
	}
	if req.ContentLength > c.MaxRequestSize {
		c.State = StateError
		c.ErrorStatus = http.StatusRequestEntityTooLarge
		return ResultAgain, nil
	}
	c.Request = req
	c.KeepAlive = req.KeepAlive()
	c.State = StateHandleRequestHeader
	return ResultAgain, nil
}

func classifyParseError(err error) int {
	switch err {
	case httpmsg.ErrMissingHost:
		return http.StatusBadRequest
	case httpmsg.ErrUnsupportedVersion:
		return http.StatusHTTPVersionNotSupported
	default:
		return http.StatusBadRequest
	}
}

// decodeAndSimplifyPath runs between handle_uri_raw and handle_uri_clean
// (spec §4.1): it is not a plugin hook, but shares the hook chain's
// GO_ON/ERROR vocabulary so it can sit in the same slice of steps.
func decodeAndSimplifyPath(c *Connection) HookResult {
	decoded, err := url.PathUnescape(c.Request.Path)
	if err != nil {
		return HookError
	}
	c.Request.Path = path.Clean("/" + decoded)
	return HookGoOn
}

// defaultDocroot fills DocRoot from the connection's server-wide default
// when no plugin (e.g. evhost's virtual-host lookup) claimed it first.
func defaultDocroot(c *Connection) HookResult {
	if c.DocRoot == "" {
		c.DocRoot = c.DefaultDocRoot
	}
	return HookGoOn
}

// defaultPhysicalPath maps DocRoot+URI onto a filesystem path when no
// plugin (e.g. securedownload's hashed-URL mapping) claimed it first; this
// is the plain "docroot + path" rule, lighttpd's own core behavior rather
// than anything a module contributes.
func defaultPhysicalPath(c *Connection) HookResult {
	if c.PhysicalPath == "" && c.DocRoot != "" {
		c.PhysicalPath = filepath.Join(c.DocRoot, filepath.FromSlash(c.Request.Path))
	}
	return HookGoOn
}

// serveStaticFile is the core fallback at the end of the
// HANDLE_REQUEST_HEADER chain (spec §4.1 data flow "(static file path OR
// FastCGI backend)"): when every hook returned GO_ON, nothing claimed the
// request, so the physical path is served directly from disk.
func serveStaticFile(c *Connection) HookResult {
	if c.PhysicalPath == "" {
		c.ErrorStatus = http.StatusNotFound
		return HookError
	}
	info, err := c.Fs.Stat(c.PhysicalPath)
	if err != nil {
		c.ErrorStatus = http.StatusNotFound
		return HookError
	}
	if info.IsDir() {
		c.ErrorStatus = http.StatusForbidden
		return HookError
	}

	c.Response = httpmsg.NewResponse()
	if ct := mime.TypeByExtension(filepath.Ext(c.PhysicalPath)); ct != "" {
		c.Response.Header.Set("Content-Type", ct)
	}
	c.Response.SetContentLength(info.Size())
	c.PreEncode.AppendFile(c.PhysicalPath, 0, info.Size())
	return HookFinished
}

func stepHandleRequestHeader(c *Connection) (Result, error) {
	if c.Hooks == nil {
		c.State = StateReadRequestContent
		return ResultAgain, nil
	}

	for {
		c.LoopsPerRequest++
		if c.LoopsPerRequest > MaxLoopsPerRequest {
			c.State = StateError
			c.ErrorStatus = http.StatusInternalServerError
			return ResultAgain, nil
		}

		chain := []func(*Connection) HookResult{
			c.Hooks.HandleURIRaw,
			decodeAndSimplifyPath,
			c.Hooks.HandleURIClean,
			c.Hooks.HandleDocroot,
			defaultDocroot,
			c.Hooks.HandlePhysicalPath,
			defaultPhysicalPath,
			c.Hooks.HandleStartBackend,
			serveStaticFile,
		}

		comeback := false
		for _, hook := range chain {
			switch hook(c) {
			case HookGoOn:
				continue
			case HookFinished:
				c.State = StateHandleResponseHeader
				return ResultAgain, nil
			case HookSubrequest:
				c.BackendSubrequest = true
				c.State = StateReadRequestContent
				return ResultAgain, nil
			case HookComeback:
				comeback = true
			case HookWaitForEvent:
				return ResultWaitReadable, nil
			case HookWaitForFD:
				return ResultWaitWritable, nil
			case HookError:
				c.State = StateError
				if c.ErrorStatus == 0 {
					c.ErrorStatus = http.StatusInternalServerError
				}
				return ResultAgain, nil
			}
			if comeback {
				break
			}
		}
		if comeback {
			continue
		}
		break
	}

	c.State = StateReadRequestContent
	return ResultAgain, nil
}

// stepHandleSubrequest drives the backend a HANDLE_REQUEST_HEADER hook
// claimed with HookSubrequest, now that the request body has been fully
// read: it may suspend waiting on the backend descriptor across many calls
// before finally producing a response (spec §4.1/§6 "handle_subrequest").
func stepHandleSubrequest(c *Connection) (Result, error) {
	c.BackendSubrequest = false
	if c.Hooks == nil {
		c.State = StateHandleResponseHeader
		return ResultAgain, nil
	}

	switch c.Hooks.HandleSubrequest(c) {
	case HookGoOn:
		// The backend approved the request without producing its own
		// body (a FastCGI authorizer): fall through to serving the
		// physical path directly, same as reaching the end of
		// HANDLE_REQUEST_HEADER's chain with nothing claimed.
		if serveStaticFile(c) == HookError {
			c.State = StateError
			return ResultAgain, nil
		}
		c.State = StateHandleResponseHeader
		return ResultAgain, nil
	case HookWaitForEvent:
		c.BackendSubrequest = true
		return ResultWaitReadable, nil
	case HookWaitForFD:
		c.BackendSubrequest = true
		return ResultWaitWritable, nil
	case HookError:
		c.State = StateError
		if c.ErrorStatus == 0 {
			c.ErrorStatus = http.StatusInternalServerError
		}
		return ResultAgain, nil
	default: // HookFinished
		c.State = StateHandleResponseHeader
		return ResultAgain, nil
	}
}

// pullRequestBodyFromRawRecv moves up to limit bytes already buffered in
// RawRecv (pipelined in the same read as the header block, or with a prior
// chunked envelope) into DecodedRecv, without issuing a new socket read.
func (c *Connection) pullRequestBodyFromRawRecv(limit int64) {
	for limit > 0 {
		ch := c.RawRecv.First()
		if ch == nil || ch.Kind != chunk.KindMem {
			break
		}
		avail := ch.Remaining()
		take := avail
		if take > limit {
			take = limit
		}
		seg := ch.Mem[int64(ch.MemOff) : int64(ch.MemOff)+take]
		c.DecodedRecv.AppendMem(seg)
		c.RawRecv.MarkConsumed(ch, take)
		limit -= take
	}
	c.RawRecv.RemoveFinished()
}

// nextStateAfterRequestContent is where READ_REQUEST_CONTENT hands off once
// the body is fully decoded: HANDLE_SUBREQUEST for a backend that claimed
// the request with HookSubrequest, HANDLE_RESPONSE_HEADER otherwise.
func (c *Connection) nextStateAfterRequestContent() State {
	if c.BackendSubrequest {
		return StateHandleSubrequest
	}
	return StateHandleResponseHeader
}

func stepReadRequestContent(c *Connection, now time.Time) (Result, error) {
	if c.Request.Chunked {
		return stepReadChunkedBody(c, now)
	}

	want := c.Request.ContentLength
	if want <= 0 {
		c.State = c.nextStateAfterRequestContent()
		return ResultAgain, nil
	}

	if need := want - c.DecodedRecv.BytesIn(); need > 0 && !c.RawRecv.Empty() {
		c.pullRequestBodyFromRawRecv(need)
	}

	if c.DecodedRecv.BytesIn() >= want {
		if err := c.spillDecodedBodyIfNeeded(); err != nil {
			return ResultClosed, err
		}
		c.State = c.nextStateAfterRequestContent()
		return ResultAgain, nil
	}

	remaining := want - c.DecodedRecv.BytesIn()
	budget := remaining
	if budget > int64(c.BodyReadBudget) {
		budget = int64(c.BodyReadBudget)
	}

	res, n, err := c.IO.Read(c.DecodedRecv, int(budget))
	switch res {
	case netio.WaitForEvent, netio.Interrupted:
		return ResultWaitReadable, nil
	case netio.ConnectionClose:
		c.State = StateClose
		return ResultAgain, nil
	case netio.FatalError:
		c.State = StateClose
		return ResultClosed, err
	}
	if n > 0 {
		c.ReadIdleTS = now
		c.BytesRead += n
	}
	if c.DecodedRecv.BytesIn() > c.MaxRequestSize {
		c.State = StateError
		c.ErrorStatus = http.StatusRequestEntityTooLarge
		return ResultAgain, nil
	}
	if c.DecodedRecv.BytesIn() >= want {
		return ResultAgain, nil
	}
	return ResultWaitReadable, nil
}

// stepReadChunkedBody decodes whatever chunked-envelope bytes are already
// sitting in RawRecv first (they may have arrived together with the header
// block in the same read), and only issues a new socket read once that
// buffer is exhausted and more is needed.
func stepReadChunkedBody(c *Connection, now time.Time) (Result, error) {
	if buf := flattenUnconsumed(c.RawRecv); len(buf) > 0 && !c.bodyDecoder.Done() {
		decoded, err := c.bodyDecoder.Decode(buf)
		if err != nil {
			c.State = StateError
			c.ErrorStatus = http.StatusBadRequest
			return ResultAgain, nil
		}
		if len(decoded.Body) > 0 {
			c.DecodedRecv.AppendMem(decoded.Body)
		}
		if decoded.Consumed > 0 {
			if err := c.RawRecv.ConsumeBytes(int64(decoded.Consumed)); err != nil {
				return ResultClosed, err
			}
		}
		if c.DecodedRecv.BytesIn() > c.MaxRequestSize {
			c.State = StateError
			c.ErrorStatus = http.StatusRequestEntityTooLarge
			return ResultAgain, nil
		}
	}

	if c.bodyDecoder.Done() {
		// The chunked envelope never carries an overall length up front
		// (httpmsg.applyBodyFraming leaves ContentLength at -1 for it), so
		// this is the first point a value exists at all; set it now so a
		// backend request env built afterwards sees the real size instead
		// of treating the body as absent (spec §8 scenario 6).
		c.Request.ContentLength = c.DecodedRecv.BytesIn()
		if err := c.spillDecodedBodyIfNeeded(); err != nil {
			return ResultClosed, err
		}
		c.State = c.nextStateAfterRequestContent()
		return ResultAgain, nil
	}

	res, n, err := c.IO.Read(c.RawRecv, c.BodyReadBudget)
	switch res {
	case netio.WaitForEvent, netio.Interrupted:
		return ResultWaitReadable, nil
	case netio.ConnectionClose:
		c.State = StateClose
		return ResultAgain, nil
	case netio.FatalError:
		c.State = StateClose
		return ResultClosed, err
	}
	if n > 0 {
		c.ReadIdleTS = now
		c.BytesRead += n
		return ResultAgain, nil
	}
	return ResultWaitReadable, nil
}

// spillDecodedBodyIfNeeded migrates an over-threshold decoded body from
// in-memory chunks to a single tempfile chunk once it has been fully read
// (spec §4.1 READ_REQUEST_CONTENT "above a configurable threshold spill to a
// tempfile chunk").
func (c *Connection) spillDecodedBodyIfNeeded() error {
	if c.DecodedRecv.BytesIn() <= c.BodySpillThreshold {
		return nil
	}
	chunks := c.DecodedRecv.Chunks()
	if len(chunks) == 1 && chunks[0].IsTemp() {
		return nil // already spilled
	}

	name := c.nextTempName()
	f, err := c.Fs.Create(name)
	if err != nil {
		return err
	}
	var total int64
	for _, ch := range chunks {
		if ch.Kind != chunk.KindMem {
			continue
		}
		if _, err := f.Write(ch.Mem); err != nil {
			f.Close()
			return err
		}
		total += int64(len(ch.Mem))
	}
	if err := f.Close(); err != nil {
		return err
	}

	consumed := c.DecodedRecv.BytesOut()
	spilled := chunk.NewTempFile(c.Fs, name, total)
	nq := chunk.NewQueue(c.Fs)
	nq.AppendChunk(spilled)
	if consumed > 0 {
		if err := nq.ConsumeBytes(consumed); err != nil {
			return err
		}
	}
	c.DecodedRecv = nq
	return nil
}

func stepHandleResponseHeader(c *Connection, now time.Time) (Result, error) {
	if c.Response == nil {
		c.Response = httpmsg.NewResponse()
	}
	if c.ErrorStatus != 0 {
		c.Response.Status = c.ErrorStatus
	}
	if c.MaxKeepAliveRequests > 0 && c.RequestCount+1 >= c.MaxKeepAliveRequests {
		c.KeepAlive = false
	}
	c.Response.Finalize(c.ServerName, now, c.KeepAlive)
	c.State = StateWriteResponseHeader
	return ResultAgain, nil
}

func stepWriteResponseHeader(c *Connection) (Result, error) {
	if !c.headerWritten {
		if c.Response.Chunked {
			if err := c.encodePreEncodeAsChunked(); err != nil {
				return ResultClosed, err
			}
		} else {
			c.movePreEncodeToRawSend()
		}
		c.RawSend.Prepend(c.Response.WriteHeaderBlock())
		c.headerWritten = true
	}
	c.State = StateWriteResponseContent
	return ResultAgain, nil
}

func (c *Connection) movePreEncodeToRawSend() {
	for _, ch := range c.PreEncode.Chunks() {
		c.RawSend.AppendChunk(ch)
	}
	c.PreEncode = chunk.NewQueue(c.Fs)
}

// encodePreEncodeAsChunked wraps the assembled response body in
// chunked-transfer-coding framing. It fully materializes the body first;
// chunked framing is only reached when the length was unknown at
// HANDLE_RESPONSE_HEADER time (typically small generated content such as an
// error page), so this does not defeat the zero-copy file path used for
// ordinary responses with a known Content-Length.
func (c *Connection) encodePreEncodeAsChunked() error {
	var body []byte
	for _, ch := range c.PreEncode.Chunks() {
		if ch.Kind != chunk.KindMem {
			return fmt.Errorf("connstate: chunked framing of a file chunk is not supported")
		}
		body = append(body, ch.Mem[ch.MemOff:]...)
	}
	if len(body) > 0 {
		c.RawSend.AppendMem(httpmsg.EncodeChunk(body))
	}
	c.RawSend.AppendMem(httpmsg.EncodeChunk(nil))
	c.PreEncode = chunk.NewQueue(c.Fs)
	return nil
}

func stepWriteResponseContent(c *Connection, now time.Time) (Result, error) {
	res, n, err := c.IO.Write(c.RawSend)
	switch res {
	case netio.WaitForEvent, netio.Interrupted:
		return ResultWaitWritable, nil
	case netio.WaitForAIOEvent:
		return ResultWaitAIO, nil
	case netio.ConnectionClose:
		c.State = StateClose
		return ResultAgain, nil
	case netio.FatalError:
		c.State = StateClose
		return ResultClosed, err
	}
	if n > 0 {
		c.WriteRequestTS = now
		c.BytesWritten += n
	}
	if c.RawSend.Empty() {
		c.State = StateResponseEnd
		return ResultAgain, nil
	}
	return ResultWaitWritable, nil
}

func stepResponseEnd(c *Connection) (Result, error) {
	if c.Hooks != nil {
		c.Hooks.ConnectionReset(c)
	}
	c.RequestCount++

	if c.KeepAlive && !c.RawRecv.Empty() {
		c.State = StateRequestStart
		return ResultAgain, nil
	}
	if c.KeepAlive {
		c.State = StateRequestStart
		return ResultWaitReadable, nil
	}
	c.State = StateClose
	return ResultAgain, nil
}

func stepError(c *Connection) (Result, error) {
	if c.InErrorHandler {
		c.State = StateClose
		return ResultAgain, nil
	}
	c.InErrorHandler = true

	status := c.ErrorStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := []byte(fmt.Sprintf(
		"<html><head><title>%d %s</title></head><body><h1>%d %s</h1></body></html>",
		status, http.StatusText(status), status, http.StatusText(status)))

	c.Response = httpmsg.NewResponse()
	c.Response.Status = status
	c.Response.SetContentLength(int64(len(body)))
	c.PreEncode = chunk.NewQueue(c.Fs)
	c.PreEncode.AppendMem(body)
	c.KeepAlive = false

	c.State = StateHandleResponseHeader
	return ResultAgain, nil
}
