package netio

import (
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lighttgo/lighttgo/internal/chunk"
)

func TestWriteQueueDrainsMemoryChunksViaWritev(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	q := chunk.NewQueue(afero.NewMemMapFs())
	q.AppendMem([]byte("hello, "))
	q.AppendMem([]byte("world"))

	res, n, err := WriteQueue(int(w.Fd()), q)
	require.NoError(t, err)
	require.Equal(t, Success, res)
	require.EqualValues(t, len("hello, world"), n)
	require.True(t, q.Empty())

	w.Close()
	got := make([]byte, 32)
	rn, _ := r.Read(got)
	require.Equal(t, "hello, world", string(got[:rn]))
}

func TestWriteQueueSendfileTransmitsFileChunk(t *testing.T) {
	prevDefaultFs := DefaultFs
	defer func() { DefaultFs = prevDefaultFs }()
	DefaultFs = afero.NewOsFs()

	f, err := os.CreateTemp("", "lighttgo-write-test-*")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	_, err = f.WriteString("file payload")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	q := chunk.NewQueue(DefaultFs)
	q.AppendFile(f.Name(), 0, int64(len("file payload")))

	res, n, err := WriteQueue(int(w.Fd()), q)
	require.NoError(t, err)
	require.Equal(t, Success, res)
	require.EqualValues(t, len("file payload"), n)

	w.Close()
	got := make([]byte, 64)
	rn, _ := r.Read(got)
	require.Equal(t, "file payload", string(got[:rn]))
}

// TestWriteQueueReturnsWaitForEventWhenPipeFull fills a non-blocking pipe
// past its kernel buffer and asserts the writer reports WAIT_FOR_EVENT
// instead of blocking the caller.
func TestWriteQueueReturnsWaitForEventWhenPipeFull(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	wfd := int(w.Fd())
	require.NoError(t, unix.SetNonblock(wfd, true))

	q := chunk.NewQueue(afero.NewMemMapFs())
	big := make([]byte, 8<<20)
	q.AppendMemNoCopy(big)

	var last Result
	for i := 0; i < 64; i++ {
		res, _, err := WriteQueue(wfd, q)
		require.NoError(t, err)
		last = res
		if res != Success || q.Empty() {
			break
		}
	}
	require.Equal(t, WaitForEvent, last)
}
