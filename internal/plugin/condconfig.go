package plugin

import (
	"strings"

	"github.com/lighttgo/lighttgo/internal/connstate"
)

// configCacheSlot is the PluginSlots key a ConfigTree stashes its
// per-request merged option set under (spec §6 "the evaluation result
// is cached on the connection so repeated lookups within a request are
// O(1)").
const configCacheSlot = "condconfig.merged"

// ConditionKind names what a Condition compares against the current
// request (spec §6: "conditional blocks keyed by host, URL prefix,
// and similar request attributes").
type ConditionKind int

const (
	CondHostEquals ConditionKind = iota
	CondURLPrefix
	CondURLSuffix
)

// Condition is one leaf test within a ConfigBlock.
type Condition struct {
	Kind  ConditionKind
	Value string
}

func (cond Condition) matches(c *connstate.Connection) bool {
	if c.Request == nil {
		return false
	}
	switch cond.Kind {
	case CondHostEquals:
		return strings.EqualFold(c.Request.Header.Get("Host"), cond.Value)
	case CondURLPrefix:
		return strings.HasPrefix(c.Request.Path, cond.Value)
	case CondURLSuffix:
		return strings.HasSuffix(c.Request.Path, cond.Value)
	default:
		return false
	}
}

// ConfigBlock is one `$HTTP["..."] == "..." { ... }`-shaped conditional:
// every Condition must match (AND) for Options to be overlaid onto the
// connection's merged configuration.
type ConfigBlock struct {
	Conditions []Condition
	Options    map[string]interface{}
}

func (b ConfigBlock) matches(c *connstate.Connection) bool {
	for _, cond := range b.Conditions {
		if !cond.matches(c) {
			return false
		}
	}
	return true
}

// ConfigTree holds the global option defaults plus every conditional
// block a config file defines, in file order (later blocks win ties on
// the same key, matching top-to-bottom override semantics).
type ConfigTree struct {
	Defaults map[string]interface{}
	Blocks   []ConfigBlock
}

// NewConfigTree returns an empty tree ready for SetDefaults/Register.
func NewConfigTree() *ConfigTree {
	return &ConfigTree{Defaults: make(map[string]interface{})}
}

// SetDefault seeds one global option value; SetDefaultsHook
// implementations call this from Registry.SetDefaults.
func (t *ConfigTree) SetDefault(key string, value interface{}) {
	t.Defaults[key] = value
}

// AddBlock appends one conditional block to the tree.
func (t *ConfigTree) AddBlock(b ConfigBlock) {
	t.Blocks = append(t.Blocks, b)
}

// Resolve returns the merged option set that applies to c's current
// request: Defaults overlaid by every matching block in order, cached
// on c for the remainder of the request (spec §6). Registry's
// ConnectionReset drops the cache at RESPONSE_END so the next request
// on the same keep-alive connection re-evaluates against its own host
// and URL.
func (t *ConfigTree) Resolve(c *connstate.Connection) map[string]interface{} {
	if cached, ok := c.PluginSlots[configCacheSlot]; ok {
		return cached.(map[string]interface{})
	}

	merged := make(map[string]interface{}, len(t.Defaults))
	for k, v := range t.Defaults {
		merged[k] = v
	}
	for _, b := range t.Blocks {
		if b.matches(c) {
			for k, v := range b.Options {
				merged[k] = v
			}
		}
	}

	if c.PluginSlots == nil {
		c.PluginSlots = make(map[string]interface{})
	}
	c.PluginSlots[configCacheSlot] = merged
	return merged
}

func invalidateConfigCache(c *connstate.Connection) {
	delete(c.PluginSlots, configCacheSlot)
}
