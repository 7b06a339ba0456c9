package netio

import (
	"golang.org/x/sys/unix"

	"github.com/lighttgo/lighttgo/internal/chunk"
)

// readBufSize is the per-call read buffer; large enough to drain a typical
// request in one syscall without over-allocating per connection.
const readBufSize = 16 << 10

// ReadQueue fills q from fd without blocking, appending at most maxBytes
// bytes as a single memory chunk. It mirrors WriteQueue's result contract.
func ReadQueue(fd int, q *chunk.Queue, maxBytes int) (Result, int64, error) {
	if maxBytes <= 0 {
		return Success, 0, nil
	}

	buf := make([]byte, readBufSize)
	if len(buf) > maxBytes {
		buf = buf[:maxBytes]
	}

	n, err := unix.Read(fd, buf)
	if err != nil {
		return classifyReadErr(err)
	}
	if n == 0 {
		return ConnectionClose, 0, nil
	}

	q.AppendMemNoCopy(buf[:n])
	return Success, int64(n), nil
}

func classifyReadErr(err error) (Result, int64, error) {
	switch err {
	case unix.EAGAIN:
		return WaitForEvent, 0, nil
	case unix.EINTR:
		return Interrupted, 0, nil
	case unix.ECONNRESET:
		return ConnectionClose, 0, nil
	default:
		return FatalError, 0, err
	}
}
