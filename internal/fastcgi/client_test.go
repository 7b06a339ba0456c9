package fastcgi

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestClientPrepareEncodesBeginRequestAndParams(t *testing.T) {
	c := NewClient(0, 1, nil, afero.NewMemMapFs())
	err := c.Prepare(RoleResponder, true, []NameValue{{Name: "REQUEST_METHOD", Value: "GET"}})
	require.NoError(t, err)
	require.Equal(t, ClientPrepareWrite, c.State)
	require.False(t, c.Send.Empty())
}

func TestClientWriteStdinThenCloseStdinTerminatesStream(t *testing.T) {
	c := NewClient(0, 1, nil, afero.NewMemMapFs())
	require.NoError(t, c.Prepare(RoleResponder, false, nil))

	before := c.Send.Length()
	require.NoError(t, c.WriteStdin([]byte("a=1")))
	require.Greater(t, c.Send.Length(), before)

	require.NoError(t, c.CloseStdin())
}

func TestClientFlushAndPumpDriveFullRoundTrip(t *testing.T) {
	// A FastCGI request occupies a single bidirectional connection, so the
	// test fixture needs a connected pair rather than a one-way pipe.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	clientFD, backendFD := fds[0], fds[1]
	defer unix.Close(clientFD)
	defer unix.Close(backendFD)
	require.NoError(t, unix.SetNonblock(clientFD, true))
	require.NoError(t, unix.SetNonblock(backendFD, true))

	c := NewClient(clientFD, 1, nil, afero.NewMemMapFs())
	require.NoError(t, c.Prepare(RoleResponder, false, []NameValue{{Name: "X", Value: "Y"}}))
	require.NoError(t, c.CloseStdin())

	_, err = c.Flush()
	require.NoError(t, err)
	require.True(t, c.Send.Empty())

	// Simulate the backend's STDOUT + END_REQUEST arriving on the read side.
	stdoutBody := []byte("Status: 200 OK\r\nContent-Type: text/plain\r\n\r\nhello")
	stdoutRec, err := EncodeRecord(TypeStdout, 1, stdoutBody)
	require.NoError(t, err)
	termRec, err := EncodeRecord(TypeStdout, 1, nil)
	require.NoError(t, err)
	endBody := make([]byte, 8)
	endBody[4] = byte(StatusRequestComplete)
	endRec, err := EncodeRecord(TypeEndRequest, 1, endBody)
	require.NoError(t, err)

	_, err = unix.Write(backendFD, append(append(stdoutRec, termRec...), endRec...))
	require.NoError(t, err)

	for i := 0; i < 10 && !c.Done(); i++ {
		_, err = c.Pump()
		require.NoError(t, err)
	}
	require.True(t, c.Done())
	require.Equal(t, 200, c.Status)
	require.Equal(t, "hello", string(c.Body))
	require.Equal(t, "text/plain", c.Header.Get("Content-Type"))
}

func TestParseResponseDefaultsStatusTo200WhenNoStatusHeader(t *testing.T) {
	c := NewClient(0, 1, nil, afero.NewMemMapFs())
	c.stdout.WriteString("Content-Type: text/html\r\n\r\n<html></html>")
	c.ended = true
	require.NoError(t, c.parseResponse())
	require.Equal(t, 200, c.Status)
	require.Equal(t, "<html></html>", string(c.Body))
}

func TestParseResponseSets302ForExternalLocationWithoutStatus(t *testing.T) {
	c := NewClient(0, 1, nil, afero.NewMemMapFs())
	c.stdout.WriteString("Location: https://example.com/elsewhere\r\n\r\n")
	c.ended = true
	require.NoError(t, c.parseResponse())
	require.Equal(t, 302, c.Status)
}

func TestParseResponseExtractsXSendfileAndDropsBody(t *testing.T) {
	c := NewClient(0, 1, nil, afero.NewMemMapFs())
	c.AllowXSendfile = true
	c.stdout.WriteString("X-Sendfile: /var/www/file.bin\r\nContent-Type: application/octet-stream\r\n\r\nignored")
	c.ended = true
	require.NoError(t, c.parseResponse())
	require.Equal(t, "/var/www/file.bin", c.XSendfile)
	require.Nil(t, c.Body)
}

func TestParseResponseIgnoresXSendfileWhenNotAllowed(t *testing.T) {
	c := NewClient(0, 1, nil, afero.NewMemMapFs())
	c.stdout.WriteString("X-Sendfile: /var/www/file.bin\r\nContent-Type: application/octet-stream\r\n\r\nignored")
	c.ended = true
	require.NoError(t, c.parseResponse())
	require.Empty(t, c.XSendfile)
	require.Equal(t, "ignored", string(c.Body))
}

func TestParseResponseExtractsLighttpdSendFileAlternateHeader(t *testing.T) {
	c := NewClient(0, 1, nil, afero.NewMemMapFs())
	c.AllowXSendfile = true
	c.stdout.WriteString("X-LIGHTTPD-send-file: /var/www/other.bin\r\n\r\nignored")
	c.ended = true
	require.NoError(t, c.parseResponse())
	require.Equal(t, "/var/www/other.bin", c.XSendfile)
	require.Nil(t, c.Body)
}

func TestParseResponseToleratesBareLFTerminator(t *testing.T) {
	c := NewClient(0, 1, nil, afero.NewMemMapFs())
	c.stdout.WriteString("Status: 404 Not Found\n\nmissing")
	c.ended = true
	require.NoError(t, c.parseResponse())
	require.Equal(t, 404, c.Status)
	require.Equal(t, "missing", string(c.Body))
}

func TestDecodeRecordsRoutesStderrSeparatelyFromStdout(t *testing.T) {
	c := NewClient(0, 1, nil, afero.NewMemMapFs())
	out, err := EncodeRecord(TypeStdout, 1, []byte("out"))
	require.NoError(t, err)
	errRec, err := EncodeRecord(TypeStderr, 1, []byte("warn"))
	require.NoError(t, err)

	c.recvBuf = append(out, errRec...)
	require.NoError(t, c.decodeRecords())
	require.Equal(t, "out", c.stdout.String())
	require.Equal(t, "warn", c.StderrText())
}
