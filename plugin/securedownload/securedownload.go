// Package securedownload implements a handle_physical_path plugin that
// validates a signed, time-limited download URL before letting a
// request reach a file underneath a protected document root
// (original_source mod_secure_download.c: "/<uri-prefix><mac>/<ts>/<rel-path>").
//
// The original signs with a bare MD5 digest of secret+path+timestamp.
// This port keeps the same three-field URL shape and per-connection
// conditional config (secdownload.secret, secdownload.document-root,
// secdownload.uri-prefix, secdownload.timeout) but signs with HMAC-SHA256
// and obfuscates the timestamp through go-hashids rather than leaving it
// as plain hex, so a leaked link doesn't also leak a raw Unix timestamp.
package securedownload

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/speps/go-hashids"

	"github.com/lighttgo/lighttgo/internal/connstate"
	"github.com/lighttgo/lighttgo/internal/plugin"
)

// Plugin implements plugin.PhysicalPathHook and plugin.SetDefaultsHook.
type Plugin struct {
	Tree *plugin.ConfigTree
	hd   *hashids.HashID
}

// New builds a securedownload plugin that resolves its per-connection
// configuration from tree and decodes timestamp tokens salted with
// hashidsSalt.
func New(tree *plugin.ConfigTree, hashidsSalt string) (*Plugin, error) {
	data := hashids.NewData()
	data.Salt = hashidsSalt
	data.MinLength = 8
	hd, err := hashids.NewWithData(data)
	if err != nil {
		return nil, err
	}
	return &Plugin{Tree: tree, hd: hd}, nil
}

func (p *Plugin) Name() string { return "securedownload" }

// SetDefaults mirrors mod_secdownload_set_defaults's global-context
// defaults: uri-prefix "/" and a 60 second timeout.
func (p *Plugin) SetDefaults(tree *plugin.ConfigTree) {
	tree.SetDefault("secdownload.uri-prefix", "/")
	tree.SetDefault("secdownload.timeout", 60*time.Second)
}

// HandlePhysicalPath validates the signed URL and, on success, rewrites
// c.PhysicalPath to the real file beneath the configured document root,
// then asks the step loop to re-enter the chain from the top (spec §6:
// "COMEBACK re-enters the chain from the top") since the rewritten path
// may need to run through docroot-dependent plugins again.
func (p *Plugin) HandlePhysicalPath(c *connstate.Connection) connstate.HookResult {
	if c.Request == nil || c.Request.Path == "" {
		return connstate.HookGoOn
	}

	cfg := p.Tree.Resolve(c)
	secret, _ := cfg["secdownload.secret"].(string)
	docRoot, _ := cfg["secdownload.document-root"].(string)
	prefix, _ := cfg["secdownload.uri-prefix"].(string)
	timeout, _ := cfg["secdownload.timeout"].(time.Duration)

	if secret == "" || docRoot == "" {
		// Unconfigured for this connection: nothing to enforce.
		return connstate.HookGoOn
	}
	if prefix == "" {
		prefix = "/"
	}

	path := c.Request.Path
	if !strings.HasPrefix(path, prefix) {
		return connstate.HookGoOn
	}

	macHex, tsToken, relPath, ok := splitSignedPath(path[len(prefix):])
	if !ok {
		return connstate.HookGoOn
	}

	ts, err := p.decodeTimestamp(tsToken)
	if err != nil {
		return connstate.HookGoOn
	}

	now := time.Now().Unix()
	delta := now - ts
	if delta < 0 {
		delta = -delta
	}
	if delta > int64(timeout.Seconds()) {
		c.ErrorStatus = 408
		return connstate.HookFinished
	}

	// The signed rel-path keeps its leading slash, as it appears in the URL.
	if !hmac.Equal([]byte(macHex), []byte(p.sign(secret, "/"+relPath, tsToken))) {
		c.ErrorStatus = 403
		return connstate.HookFinished
	}

	c.PhysicalPath = docRoot + relPath
	return connstate.HookComeback
}

// splitSignedPath splits "<mac>/<ts-token>/<rel-path>" into its three
// fields, matching mod_secdownload_uri_handler's fixed-field layout.
func splitSignedPath(rest string) (mac, ts, relPath string, ok bool) {
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func (p *Plugin) sign(secret, relPath, tsToken string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(relPath))
	mac.Write([]byte(tsToken))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *Plugin) decodeTimestamp(token string) (int64, error) {
	nums, err := p.hd.DecodeWithError(token)
	if err != nil {
		return 0, err
	}
	if len(nums) != 1 {
		return 0, errors.New("securedownload: malformed timestamp token")
	}
	return int64(nums[0]), nil
}

// EncodeToken builds the URL fragment for relPath valid at issuedAt
// (ts-token, mac) — what a link-generating handler calls to mint a
// signed download URL in the first place.
func (p *Plugin) EncodeToken(secret, relPath string, issuedAt time.Time) (tsToken, mac string, err error) {
	tsToken, err = p.hd.Encode([]int{int(issuedAt.Unix())})
	if err != nil {
		return "", "", err
	}
	return tsToken, p.sign(secret, relPath, tsToken), nil
}

var (
	_ plugin.PhysicalPathHook = (*Plugin)(nil)
	_ plugin.SetDefaultsHook  = (*Plugin)(nil)
)
