package fastcgi

import (
	"strconv"
	"strings"

	"github.com/lighttgo/lighttgo/internal/httpmsg"
)

// RequestEnv describes the per-request values the caller (the connstate
// hook that drives a backend request) supplies on top of what can be
// derived from the request itself; these mirror fields the wire protocol
// has no other way to learn (spec §4.3 "CGI environment construction").
type RequestEnv struct {
	ServerName       string
	ServerAddr       string
	ServerPort       string
	RemoteAddr       string
	RemotePort       string
	DocumentRoot     string
	ScriptName       string // path portion mapped to the script, e.g. "/index.php"
	ScriptFilename   string // filesystem path to the script
	PathInfo         string // trailing path after the script name, if any
	HTTPS            bool
}

// BuildParams renders the full PARAMS record content for one request: the
// standard CGI/1.1 variables plus one HTTP_<NAME> variable per request
// header (spec §4.3 "CGI environment construction: HTTP_<UPPERCASE...>
// headers plus SERVER_*/REMOTE_*/SCRIPT_NAME/...").
func BuildParams(req *httpmsg.Request, env RequestEnv) []NameValue {
	pairs := []NameValue{
		{Name: "GATEWAY_INTERFACE", Value: "CGI/1.1"},
		{Name: "SERVER_SOFTWARE", Value: "lighttgo"},
		{Name: "SERVER_PROTOCOL", Value: protocolString(req)},
		{Name: "SERVER_NAME", Value: env.ServerName},
		{Name: "SERVER_ADDR", Value: env.ServerAddr},
		{Name: "SERVER_PORT", Value: env.ServerPort},
		{Name: "REMOTE_ADDR", Value: env.RemoteAddr},
		{Name: "REMOTE_PORT", Value: env.RemotePort},
		{Name: "REQUEST_METHOD", Value: req.Method},
		{Name: "REQUEST_URI", Value: req.RawURI},
		{Name: "QUERY_STRING", Value: req.Query},
		{Name: "DOCUMENT_ROOT", Value: env.DocumentRoot},
		{Name: "SCRIPT_NAME", Value: env.ScriptName},
		{Name: "SCRIPT_FILENAME", Value: env.ScriptFilename},
		{Name: "REDIRECT_STATUS", Value: "200"},
	}

	if env.PathInfo != "" {
		pairs = append(pairs,
			NameValue{Name: "PATH_INFO", Value: env.PathInfo},
			NameValue{Name: "PATH_TRANSLATED", Value: env.DocumentRoot + env.PathInfo},
		)
	}

	if req.ContentLength >= 0 {
		pairs = append(pairs, NameValue{Name: "CONTENT_LENGTH", Value: strconv.FormatInt(req.ContentLength, 10)})
	}
	if ct := req.Header.Get("Content-Type"); ct != "" {
		pairs = append(pairs, NameValue{Name: "CONTENT_TYPE", Value: ct})
	}
	if env.HTTPS {
		pairs = append(pairs, NameValue{Name: "HTTPS", Value: "on"})
	}

	req.Header.Each(func(key, value string) {
		if isFramingHeader(key) {
			return
		}
		pairs = append(pairs, NameValue{Name: "HTTP_" + headerEnvName(key), Value: value})
	})

	for i := range pairs {
		pairs[i].Value = sanitizeEnvValue(pairs[i].Value)
	}
	return pairs
}

// sanitizeEnvValue strips NUL and other control bytes from a PARAMS value,
// mirroring mod_fastcgi.c's environment sanitization: an embedded NUL would
// truncate the value as seen by a C string in the backend process, and
// other control bytes (for example a CR/LF smuggled in through a malformed
// header) have no legitimate place in a CGI environment variable.
func sanitizeEnvValue(v string) string {
	if !strings.ContainsFunc(v, isControlByte) {
		return v
	}
	b := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if isControlByte(rune(v[i])) {
			continue
		}
		b = append(b, v[i])
	}
	return string(b)
}

// isControlByte reports whether r is a NUL or other C0 control character
// (everything below 0x20 plus DEL), excluding tab which some CGI consumers
// tolerate inside header-derived values.
func isControlByte(r rune) bool {
	return (r < 0x20 && r != '\t') || r == 0x7f
}

// isFramingHeader excludes headers already surfaced as their own CGI
// variable (spec §4.3: Content-Length and Content-Type are not duplicated
// as HTTP_CONTENT_LENGTH/HTTP_CONTENT_TYPE).
func isFramingHeader(key string) bool {
	switch strings.ToLower(key) {
	case "content-length", "content-type":
		return true
	default:
		return false
	}
}

// headerEnvName converts a header name like "Accept-Encoding" into the
// CGI/1.1 environment variable suffix "ACCEPT_ENCODING".
func headerEnvName(key string) string {
	b := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c == '-':
			b[i] = '_'
		case c >= 'a' && c <= 'z':
			b[i] = c - ('a' - 'A')
		default:
			b[i] = c
		}
	}
	return string(b)
}

func protocolString(req *httpmsg.Request) string {
	if req.Major == 1 && req.Minor == 0 {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}
