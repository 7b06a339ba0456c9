package chunk

import (
	"fmt"

	"github.com/spf13/afero"
)

// Queue is an ordered sequence of chunks with monotone produce/consume
// counters (spec §3 "Chunk queue"). Invariant: BytesOut() <= BytesIn().
type Queue struct {
	fs       afero.Fs
	chunks   []*Chunk
	bytesIn  int64
	bytesOut int64
}

// NewQueue creates an empty queue backed by fs for any file chunks it holds.
func NewQueue(fs afero.Fs) *Queue {
	return &Queue{fs: fs}
}

// BytesIn returns the total number of bytes ever appended to the queue.
func (q *Queue) BytesIn() int64 { return q.bytesIn }

// BytesOut returns the total number of bytes ever consumed from the queue.
func (q *Queue) BytesOut() int64 { return q.bytesOut }

// Length returns the number of bytes currently buffered (produced but not
// yet consumed).
func (q *Queue) Length() int64 { return q.bytesIn - q.bytesOut }

// Empty reports whether the queue currently holds no unconsumed bytes.
func (q *Queue) Empty() bool { return q.Length() == 0 }

// Chunks exposes the underlying slice for iteration by write backends. The
// returned slice must not be mutated by callers other than via Queue
// methods.
func (q *Queue) Chunks() []*Chunk { return q.chunks }

// AppendMem appends a memory chunk copying b.
func (q *Queue) AppendMem(b []byte) {
	if len(b) == 0 {
		return
	}
	q.chunks = append(q.chunks, NewMemCopy(b))
	q.bytesIn += int64(len(b))
}

// AppendMemNoCopy appends a memory chunk retaining b without copying.
func (q *Queue) AppendMemNoCopy(b []byte) {
	if len(b) == 0 {
		return
	}
	q.chunks = append(q.chunks, NewMem(b))
	q.bytesIn += int64(len(b))
}

// AppendFile appends a reference to [start, start+length) of an existing
// file, without taking ownership of it.
func (q *Queue) AppendFile(name string, start, length int64) {
	if length == 0 {
		return
	}
	q.chunks = append(q.chunks, NewFile(q.fs, name, start, length))
	q.bytesIn += length
}

// AppendChunk appends an already-constructed chunk (e.g. one referencing or
// owning a tempfile) directly.
func (q *Queue) AppendChunk(c *Chunk) {
	if c.Len() == 0 {
		return
	}
	q.chunks = append(q.chunks, c)
	q.bytesIn += c.Len()
}

// Prepend inserts a memory chunk at the front of the queue, used to push
// response or request headers ahead of a body already assembled in the
// queue.
func (q *Queue) Prepend(b []byte) {
	if len(b) == 0 {
		return
	}
	c := NewMemCopy(b)
	q.chunks = append([]*Chunk{c}, q.chunks...)
	q.bytesIn += int64(len(b))
}

// First returns the first unfinished chunk, or nil if the queue is empty.
func (q *Queue) First() *Chunk {
	for _, c := range q.chunks {
		if !c.Finished() {
			return c
		}
	}
	return nil
}

// MarkConsumed records n additional bytes as consumed from the front chunk,
// advancing its internal offset. It does not remove finished chunks; call
// RemoveFinished for that once no reference is outstanding.
func (q *Queue) MarkConsumed(c *Chunk, n int64) {
	if n == 0 {
		return
	}
	switch c.Kind {
	case KindMem:
		c.MemOff += int(n)
	case KindFile:
		c.FileOff += n
	}
	q.bytesOut += n
}

// RemoveFinished drops leading finished, unpinned chunks from the queue,
// releasing any tempfile they own. Per spec §4.2's pin rule, a pinned chunk
// halts removal even if finished.
func (q *Queue) RemoveFinished() error {
	i := 0
	for i < len(q.chunks) {
		c := q.chunks[i]
		if !c.Finished() || c.Pinned() {
			break
		}
		if err := c.Release(); err != nil {
			return err
		}
		i++
	}
	if i == 0 {
		return nil
	}
	q.chunks = q.chunks[i:]
	return nil
}

// ConsumeBytes marks n bytes consumed starting from the front of the queue,
// spanning as many leading chunks as necessary, then removes any chunks that
// became finished as a result. Used by parsers that scan a flattened view of
// the queue (e.g. header terminator scanning) and then need to retire
// exactly the bytes recognized.
func (q *Queue) ConsumeBytes(n int64) error {
	remaining := n
	for _, c := range q.chunks {
		if remaining <= 0 {
			break
		}
		take := c.Remaining()
		if take > remaining {
			take = remaining
		}
		q.MarkConsumed(c, take)
		remaining -= take
	}
	return q.RemoveFinished()
}

// StealTempfile transfers tempfile ownership of src (which must live in some
// queue, not necessarily this one) into a brand-new chunk appended to q,
// referencing the same file starting at src's current offset through its
// end. This is how a request body tempfile becomes a response/backend-write
// body tempfile without copying (spec §4.3 "Body forwarding").
func (q *Queue) StealTempfile(src *Chunk) error {
	if src.Kind != KindFile || !src.isTemp {
		return fmt.Errorf("chunk: StealTempfile: source is not an owned file chunk")
	}
	dst := &Chunk{
		Kind:       KindFile,
		FileName:   src.FileName,
		FileStart:  src.FileStart + src.FileOff,
		FileLength: src.FileLength - src.FileOff,
	}
	if err := StealTempfile(dst, src); err != nil {
		return err
	}
	q.chunks = append(q.chunks, dst)
	q.bytesIn += dst.Len()
	return nil
}

// Close releases every chunk still held by the queue (closing descriptors,
// unlinking owned tempfiles). Called when the owning connection is
// destroyed.
func (q *Queue) Close() error {
	var first error
	for _, c := range q.chunks {
		if err := c.Release(); err != nil && first == nil {
			first = err
		}
	}
	q.chunks = nil
	return first
}
