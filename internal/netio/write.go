package netio

import (
	"golang.org/x/sys/unix"

	"github.com/lighttgo/lighttgo/internal/chunk"
)

// maxVector bounds how many leading memory chunks are coalesced into a
// single writev(2) call, independent of the platform's real IOV_MAX, to
// keep any one turn of the event loop bounded (spec §4.2 "Vectored memory
// writer").
const maxVector = 64

// maxWritePerCall bounds the bytes written in a single call so one
// connection cannot monopolize the event loop turn.
const maxWritePerCall = 1 << 20 // 1MiB

// WriteQueue writes as much of q to fd as possible without blocking,
// dispatching per leading chunk kind: vectored writev for a run of memory
// chunks, sendfile(2) for a file chunk. It returns the result variant from
// spec §4.2 and the number of bytes actually written.
func WriteQueue(fd int, q *chunk.Queue) (Result, int64, error) {
	var total int64
	budget := maxWritePerCall

	for budget > 0 {
		c := q.First()
		if c == nil {
			break
		}

		switch c.Kind {
		case chunk.KindMem:
			n, res, err := writeVectoredRun(fd, q, budget)
			total += n
			if res != Success {
				return res, total, err
			}
			if n == 0 {
				return Success, total, nil
			}
			budget -= int(n)
		case chunk.KindFile:
			n, res, err := writeFileChunk(fd, q, c, budget)
			total += n
			if res != Success {
				return res, total, err
			}
			if n == 0 {
				return Success, total, nil
			}
			budget -= int(n)
		}

		if err := q.RemoveFinished(); err != nil {
			return FatalError, total, err
		}
	}

	return Success, total, nil
}

// writeVectoredRun coalesces up to maxVector leading memory chunks into one
// writev(2) call bounded by budget bytes.
func writeVectoredRun(fd int, q *chunk.Queue, budget int) (int64, Result, error) {
	chunks := q.Chunks()
	iovs := make([][]byte, 0, maxVector)
	refs := make([]*chunk.Chunk, 0, maxVector)
	remaining := budget

	for _, c := range chunks {
		if len(iovs) >= maxVector || remaining <= 0 {
			break
		}
		if c.Kind != chunk.KindMem {
			break
		}
		if c.Finished() {
			continue
		}
		seg := c.Mem[c.MemOff:]
		if len(seg) > remaining {
			seg = seg[:remaining]
		}
		if len(seg) == 0 {
			continue
		}
		iovs = append(iovs, seg)
		refs = append(refs, c)
		remaining -= len(seg)
	}

	if len(iovs) == 0 {
		return 0, Success, nil
	}

	n, err := unix.Writev(fd, iovs)
	if err != nil {
		return classifyWriteErr(err)
	}

	written := int64(n)
	remainingN := n
	for _, c := range refs {
		if remainingN <= 0 {
			break
		}
		seg := len(c.Mem) - c.MemOff
		take := remainingN
		if take > seg {
			take = seg
		}
		q.MarkConsumed(c, int64(take))
		remainingN -= take
	}
	return written, Success, nil
}

// writeFileChunk transmits up to budget bytes of a file chunk via
// sendfile(2). A sendfile error is classified like a write error; there is
// no read+write copy fallback.
func writeFileChunk(fd int, q *chunk.Queue, c *chunk.Chunk, budget int) (int64, Result, error) {
	f, err := openChunkFile(c)
	if err != nil {
		return 0, FatalError, err
	}

	count := int(c.Remaining())
	if count > budget {
		count = budget
	}
	if count == 0 {
		return 0, Success, nil
	}

	off := c.FileStart + c.FileOff
	n, err := unix.Sendfile(fd, int(f.Fd()), &off, count)
	if err != nil {
		if n > 0 {
			q.MarkConsumed(c, int64(n))
		}
		return int64(n), classifyWriteErrUnwrap(err)
	}

	q.MarkConsumed(c, int64(n))
	return int64(n), Success, nil
}

func classifyWriteErr(err error) (int64, Result, error) {
	res, e := classifyWriteErrUnwrap(err)
	return 0, res, e
}

func classifyWriteErrUnwrap(err error) (Result, error) {
	switch err {
	case unix.EAGAIN:
		return WaitForEvent, nil
	case unix.EINTR:
		return Interrupted, nil
	case unix.EPIPE, unix.ECONNRESET:
		return ConnectionClose, nil
	default:
		return FatalError, err
	}
}
