package evhost

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/lighttgo/lighttgo/internal/connstate"
	"github.com/lighttgo/lighttgo/internal/httpmsg"
	"github.com/lighttgo/lighttgo/internal/plugin"
)

func newConnWithHost(t *testing.T, host string) *connstate.Connection {
	t.Helper()
	raw := "GET / HTTP/1.1\r\nHost: " + host + "\r\n\r\n"
	req, err := httpmsg.ParseRequest([]byte(raw))
	require.NoError(t, err)
	c := connstate.NewConnection(1, nil, afero.NewMemMapFs())
	c.Request = req
	return c
}

func TestParseHostSplitsRegistrableDomainAndSubdomains(t *testing.T) {
	segs := parseHost("www.blog.example.com")
	require.Equal(t, "example.com", segs["%0"])
	require.Equal(t, "blog", segs["%1"])
	require.Equal(t, "www", segs["%2"])
}

func TestParseHostStripsPort(t *testing.T) {
	segs := parseHost("foo.example.com:8080")
	require.Equal(t, "example.com", segs["%0"])
	require.Equal(t, "foo", segs["%1"])
}

func TestParseHostHandlesBareTwoLabelHost(t *testing.T) {
	segs := parseHost("example.com")
	require.Equal(t, "example.com", segs["%0"])
	_, hasSub := segs["%1"]
	require.False(t, hasSub)
}

func TestExpandPatternSubstitutesSegmentsAndLiteralPercent(t *testing.T) {
	segs := map[string]string{"%0": "example.com", "%1": "blog"}
	out := expandPattern("/srv/%%www/%1/%0/htdocs", segs)
	require.Equal(t, "/srv/%www/blog/example.com/htdocs", out)
}

func TestExpandPatternDropsUnmatchedSequenceSilently(t *testing.T) {
	segs := map[string]string{"%0": "example.com"}
	out := expandPattern("/srv/%3/%0", segs)
	require.Equal(t, "/srv//example.com", out)
}

func TestHandleDocrootRewritesDocRootFromHostPattern(t *testing.T) {
	tree := plugin.NewConfigTree()
	p := New(tree)
	p.SetDefaults(tree)
	tree.SetDefault("evhost.path-pattern", "/srv/www/%1/htdocs")

	c := newConnWithHost(t, "blog.example.com")
	res := p.HandleDocroot(c)
	require.Equal(t, connstate.HookGoOn, res)
	require.Equal(t, "/srv/www/blog/htdocs/", c.DocRoot)
}

func TestHandleDocrootNoopsWithoutConfiguredPattern(t *testing.T) {
	tree := plugin.NewConfigTree()
	p := New(tree)
	p.SetDefaults(tree)

	c := newConnWithHost(t, "blog.example.com")
	res := p.HandleDocroot(c)
	require.Equal(t, connstate.HookGoOn, res)
	require.Empty(t, c.DocRoot)
}
