// Package chunk implements the memory/file chunk and chunk queue primitives
// that form request and response bodies throughout the server.
package chunk

import (
	"fmt"
	"sync/atomic"

	"github.com/spf13/afero"
)

// Kind distinguishes the two chunk variants.
type Kind int

const (
	// KindMem is an in-memory byte buffer.
	KindMem Kind = iota
	// KindFile is a reference to a range of a file on disk.
	KindFile
)

// tempfileHandle is an owned, refcounted-by-exactly-one-chunk resource: the
// file backing a spilled request or response body. Ownership can be
// transferred between chunks (steal-tempfile, spec §4.3 "Body forwarding")
// but never shared; Release fires the unlink exactly once.
type tempfileHandle struct {
	fs       afero.Fs
	name     string
	released int32
}

func newTempfileHandle(fs afero.Fs, name string) *tempfileHandle {
	return &tempfileHandle{fs: fs, name: name}
}

// Release unlinks the backing file. Safe to call multiple times; only the
// first call has effect, matching the "unlink-on-drop fires exactly once"
// discipline spec §9 requires.
func (h *tempfileHandle) Release() error {
	if h == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return nil
	}
	return h.fs.Remove(h.name)
}

// Chunk is a tagged variant: a memory buffer with a consumed-offset, or a
// file reference with (name, start, length, current offset). See spec §3.
type Chunk struct {
	Kind Kind

	// memory variant
	Mem    []byte
	MemOff int // bytes already consumed from Mem

	// file variant
	FileName   string
	FileStart  int64
	FileLength int64
	FileOff    int64 // current offset, relative to FileStart
	file       afero.File
	mmapView   []byte
	isTemp     bool
	temp       *tempfileHandle

	// pinned marks a file chunk currently enqueued for async I/O (spec
	// §4.2 "pin rule"); it may not be removed from a queue even if
	// finished until the owning backend clears the pin.
	pinned bool
}

// NewMem creates a memory chunk. The caller's slice is retained, not copied;
// use NewMemCopy when the source buffer may be reused by the caller.
func NewMem(b []byte) *Chunk {
	return &Chunk{Kind: KindMem, Mem: b}
}

// NewMemCopy creates a memory chunk holding a private copy of b.
func NewMemCopy(b []byte) *Chunk {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Chunk{Kind: KindMem, Mem: cp}
}

// NewFile creates a file chunk referencing [start, start+length) of name.
// fs is not consulted here: the name is resolved against the filesystem
// passed to Open when the chunk is read.
func NewFile(fs afero.Fs, name string, start, length int64) *Chunk {
	return &Chunk{
		Kind:       KindFile,
		FileName:   name,
		FileStart:  start,
		FileLength: length,
	}
}

// NewTempFile creates a file chunk that owns its backing file: when the
// chunk is finished and dropped (or explicitly released), the file is
// unlinked.
func NewTempFile(fs afero.Fs, name string, length int64) *Chunk {
	c := NewFile(fs, name, 0, length)
	c.isTemp = true
	c.temp = newTempfileHandle(fs, name)
	return c
}

// IsTemp reports whether this chunk currently owns a tempfile.
func (c *Chunk) IsTemp() bool { return c.Kind == KindFile && c.isTemp }

// Len returns the chunk's total length regardless of variant.
func (c *Chunk) Len() int64 {
	if c.Kind == KindMem {
		return int64(len(c.Mem))
	}
	return c.FileLength
}

// Remaining returns the number of unconsumed bytes in the chunk.
func (c *Chunk) Remaining() int64 {
	if c.Kind == KindMem {
		return int64(len(c.Mem) - c.MemOff)
	}
	return c.FileLength - c.FileOff
}

// Finished reports whether every byte of the chunk has been consumed.
func (c *Chunk) Finished() bool {
	return c.Remaining() == 0
}

// Pinned reports whether the chunk is currently protected against removal
// by an in-flight asynchronous operation.
func (c *Chunk) Pinned() bool { return c.pinned }

// Pin marks the chunk as referenced by an outstanding async I/O submission.
func (c *Chunk) Pin() { c.pinned = true }

// Unpin clears the pin once the async completion has been consumed.
func (c *Chunk) Unpin() { c.pinned = false }

// Open lazily opens the backing file of a file chunk for reading.
func (c *Chunk) Open(fs afero.Fs) (afero.File, error) {
	if c.Kind != KindFile {
		return nil, fmt.Errorf("chunk: Open called on non-file chunk")
	}
	if c.file != nil {
		return c.file, nil
	}
	f, err := fs.Open(c.FileName)
	if err != nil {
		return nil, err
	}
	c.file = f
	return f, nil
}

// Close releases any open descriptor held by a file chunk. It does not
// unlink the backing tempfile; use StealTempfile/Release for that.
func (c *Chunk) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// StealTempfile transfers tempfile ownership from src to dst atomically: at
// most one chunk may claim is_temp for a given backing file at any time
// (spec §3 "Ownership", §4.3 "Body forwarding", §9 "Tempfile stealing").
// dst must reference the same file as src; src loses ownership.
func StealTempfile(dst, src *Chunk) error {
	if !src.isTemp {
		return fmt.Errorf("chunk: StealTempfile: source does not own a tempfile")
	}
	if src.FileName != dst.FileName {
		return fmt.Errorf("chunk: StealTempfile: name mismatch %q != %q", src.FileName, dst.FileName)
	}
	dst.isTemp = true
	dst.temp = src.temp
	src.isTemp = false
	src.temp = nil
	return nil
}

// Release unlinks the chunk's backing tempfile, if it owns one, and closes
// any open descriptor. Safe to call on chunks that do not own a tempfile.
func (c *Chunk) Release() error {
	cerr := c.Close()
	if c.temp != nil {
		if err := c.temp.Release(); err != nil {
			return err
		}
		c.temp = nil
		c.isTemp = false
	}
	return cerr
}
