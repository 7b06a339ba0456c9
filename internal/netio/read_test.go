package netio

import (
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lighttgo/lighttgo/internal/chunk"
)

func TestReadQueueAppendsAvailableBytesAsOneChunk(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	_, err = w.WriteString("GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	q := chunk.NewQueue(afero.NewMemMapFs())
	res, n, err := ReadQueue(int(r.Fd()), q, 64<<10)
	require.NoError(t, err)
	require.Equal(t, Success, res)
	require.EqualValues(t, len("GET / HTTP/1.1\r\n\r\n"), n)
	require.EqualValues(t, n, q.BytesIn())
}

func TestReadQueueReportsConnectionCloseOnEOF(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, w.Close())

	q := chunk.NewQueue(afero.NewMemMapFs())
	res, n, err := ReadQueue(int(r.Fd()), q, 64<<10)
	require.NoError(t, err)
	require.Equal(t, ConnectionClose, res)
	require.Zero(t, n)
}

func TestReadQueueReportsWaitForEventOnEmptyNonblockingPipe(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, unix.SetNonblock(int(r.Fd()), true))

	q := chunk.NewQueue(afero.NewMemMapFs())
	res, n, err := ReadQueue(int(r.Fd()), q, 64<<10)
	require.NoError(t, err)
	require.Equal(t, WaitForEvent, res)
	require.Zero(t, n)
}

func TestReadQueueRespectsMaxBytes(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	_, err = w.WriteString("0123456789")
	require.NoError(t, err)

	q := chunk.NewQueue(afero.NewMemMapFs())
	res, n, err := ReadQueue(int(r.Fd()), q, 4)
	require.NoError(t, err)
	require.Equal(t, Success, res)
	require.EqualValues(t, 4, n)
}
