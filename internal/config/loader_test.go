package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lighttgod.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoaderLoadDecodesFileOverDefaults(t *testing.T) {
	path := writeTempConfig(t, `
server:
  listen: "127.0.0.1:8080"
  server_name: test.example.com
log_level: debug
`)
	l, err := NewLoader(path)
	require.NoError(t, err)

	tree, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", tree.Server.Listen)
	require.Equal(t, "test.example.com", tree.Server.ServerName)
	require.Equal(t, "debug", tree.LogLevel)
	// Fields untouched by the file keep their Default() value.
	require.EqualValues(t, 8<<20, tree.Server.MaxRequestSize)
	require.Equal(t, path, l.ConfigFileUsed())
}

func TestLoaderLoadToleratesMissingConfigFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLoader(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)

	tree, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, ":80", tree.Server.Listen)
}

func TestLoaderLoadDecodesFastCGIHosts(t *testing.T) {
	path := writeTempConfig(t, `
fastcgi:
  .php:
    bin_path: /usr/bin/php-cgi
    min_procs: 2
    max_procs: 8
    max_load_per_proc: 4
`)
	l, err := NewLoader(path)
	require.NoError(t, err)

	tree, err := l.Load()
	require.NoError(t, err)
	host, ok := tree.FastCGI[".php"]
	require.True(t, ok)
	require.Equal(t, "/usr/bin/php-cgi", host.BinPath)
	require.Equal(t, 2, host.MinProcs)
	require.Equal(t, 8, host.MaxProcs)
}
