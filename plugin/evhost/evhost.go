// Package evhost implements a handle_docroot plugin that derives a
// virtual host's document root from the request's Host header through
// a %N-substitution pattern (original_source mod_evhost.c).
package evhost

import (
	"strconv"
	"strings"

	"github.com/lighttgo/lighttgo/internal/connstate"
	"github.com/lighttgo/lighttgo/internal/plugin"
)

// Plugin implements plugin.DocrootHook and plugin.SetDefaultsHook.
type Plugin struct {
	Tree *plugin.ConfigTree
}

// New builds an evhost plugin resolving evhost.path-pattern from tree.
func New(tree *plugin.ConfigTree) *Plugin {
	return &Plugin{Tree: tree}
}

func (p *Plugin) Name() string { return "evhost" }

// SetDefaults leaves the pattern empty: an unset pattern means the
// plugin stays out of the way entirely (matching the original's
// behaviour of never calling file_cache_get_entry without one).
func (p *Plugin) SetDefaults(tree *plugin.ConfigTree) {
	tree.SetDefault("evhost.path-pattern", "")
}

// HandleDocroot rewrites c.DocRoot from the Host header using the
// configured %N pattern.
func (p *Plugin) HandleDocroot(c *connstate.Connection) connstate.HookResult {
	if c.Request == nil {
		return connstate.HookGoOn
	}
	host := c.Request.Header.Get("Host")
	if host == "" {
		return connstate.HookGoOn
	}

	cfg := p.Tree.Resolve(c)
	pattern, _ := cfg["evhost.path-pattern"].(string)
	if pattern == "" {
		return connstate.HookGoOn
	}

	docRoot := expandPattern(pattern, parseHost(host))
	if !strings.HasSuffix(docRoot, "/") {
		docRoot += "/"
	}
	c.DocRoot = docRoot
	return connstate.HookGoOn
}

// parseHost splits a Host header (port stripped) into the %N segment
// table mod_evhost_parse_host builds: %0 is the registrable domain (the
// last two labels), %1 is the label immediately left of it, %2 the next
// one out, and so on.
func parseHost(host string) map[string]string {
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	labels := strings.Split(host, ".")
	segs := make(map[string]string, len(labels))
	if len(labels) < 2 {
		segs["%0"] = host
		return segs
	}

	segs["%0"] = labels[len(labels)-2] + "." + labels[len(labels)-1]
	sub := labels[:len(labels)-2]
	for i := 0; i < len(sub); i++ {
		label := sub[len(sub)-1-i]
		segs["%"+strconv.Itoa(i+1)] = label
	}
	return segs
}

// expandPattern substitutes %% -> % and %N -> the matching host
// segment; an unknown or unmatched %-sequence is dropped silently,
// matching the original's "unhandled %-sequence" no-op.
func expandPattern(pattern string, segs map[string]string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '%' || i+1 >= len(pattern) {
			b.WriteByte(pattern[i])
			continue
		}
		next := pattern[i+1]
		if next == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if v, ok := segs["%"+string(next)]; ok {
			b.WriteString(v)
		}
		i++
	}
	return b.String()
}

var (
	_ plugin.DocrootHook     = (*Plugin)(nil)
	_ plugin.SetDefaultsHook = (*Plugin)(nil)
)
