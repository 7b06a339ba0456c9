package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/lighttgo/lighttgo/internal/config"
	"github.com/lighttgo/lighttgo/internal/fastcgi"
	"github.com/lighttgo/lighttgo/internal/metrics"
	"github.com/lighttgo/lighttgo/internal/plugin"
)

func newTestServer(t *testing.T, docRoot string) *Server {
	t.Helper()
	tree := config.Default()
	tree.Server.Listen = "127.0.0.1:0"
	tree.Server.DocumentRoot = docRoot
	tree.Server.MaxFDs = 2

	s := New(tree, plugin.NewRegistry(), fastcgi.NewPool(), nil, &metrics.ServerStats{})
	s.Fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(s.Fs, docRoot+"/index.html", []byte("hello world"), 0o644))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	tree.Server.Listen = addr

	require.NoError(t, s.Listen())
	return s
}

func runServer(t *testing.T, s *Server) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestServerServesStaticFileRoundTrip(t *testing.T) {
	s := newTestServer(t, "/www")
	stop := runServer(t, s)
	defer stop()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", s.Tree.Server.Listen)
		if err == nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	var got []byte
	for {
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}

	require.Contains(t, string(got), "HTTP/1.1 200 OK")
	require.Contains(t, string(got), "hello world")
}

func TestServerRejectsConnectionsPastMaxFDs(t *testing.T) {
	s := newTestServer(t, "/www")
	s.Tree.Server.MaxFDs = 1
	stop := runServer(t, s)
	defer stop()

	dial := func() net.Conn {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			conn, err := net.Dial("tcp", s.Tree.Server.Listen)
			if err == nil {
				return conn
			}
			time.Sleep(2 * time.Millisecond)
		}
		t.Fatal("could not dial test server")
		return nil
	}

	first := dial()
	defer first.Close()

	second := dial()
	defer second.Close()

	// The over-budget connection should be closed by the server almost
	// immediately; a read either errors out or returns EOF.
	second.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 16)
	n, err := second.Read(buf)
	require.True(t, err != nil || n == 0)
}
