package netio

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/lighttgo/lighttgo/internal/chunk"
)

// fder is satisfied by afero.File implementations (notably the OS
// filesystem's *os.File) that expose a raw descriptor, which sendfile(2)
// and the mmap-based AIO reader require.
type fder interface {
	Fd() uintptr
}

// DefaultFs is the filesystem file chunks are opened against when the
// connection does not specify one. Production wiring overrides this with
// afero.NewOsFs(); tests use afero.NewMemMapFs(), in which case the zero-copy
// paths fall back to FatalError since MemMapFs files carry no real fd — test
// coverage of the zero-copy path uses an OS-backed temp file instead.
var DefaultFs afero.Fs = afero.NewOsFs()

func openChunkFile(c *chunk.Chunk) (fder, error) {
	f, err := c.Open(DefaultFs)
	if err != nil {
		return nil, err
	}
	fd, ok := f.(fder)
	if !ok {
		return nil, fmt.Errorf("netio: file chunk %q has no raw descriptor", c.FileName)
	}
	return fd, nil
}
