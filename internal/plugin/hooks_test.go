package plugin

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/lighttgo/lighttgo/internal/connstate"
)

type recorderPlugin struct {
	name    string
	calls   *[]string
	uriRaw  connstate.HookResult
	trigger bool
}

func (p *recorderPlugin) Name() string { return p.name }

func (p *recorderPlugin) HandleURIRaw(c *connstate.Connection) connstate.HookResult {
	*p.calls = append(*p.calls, p.name+":uriraw")
	return p.uriRaw
}

func (p *recorderPlugin) ConnectionReset(c *connstate.Connection) {
	*p.calls = append(*p.calls, p.name+":reset")
}

func (p *recorderPlugin) HandleTrigger(now time.Time) {
	*p.calls = append(*p.calls, p.name+":trigger")
}

func newTestConnection() *connstate.Connection {
	return connstate.NewConnection(1, nil, afero.NewMemMapFs())
}

func TestRegistryHandleURIRawStopsAtFirstNonGoOn(t *testing.T) {
	var calls []string
	r := NewRegistry()
	first := &recorderPlugin{name: "first", calls: &calls, uriRaw: connstate.HookGoOn}
	second := &recorderPlugin{name: "second", calls: &calls, uriRaw: connstate.HookFinished}
	third := &recorderPlugin{name: "third", calls: &calls, uriRaw: connstate.HookGoOn}
	r.Register(first)
	r.Register(second)
	r.Register(third)

	res := r.HandleURIRaw(newTestConnection())
	require.Equal(t, connstate.HookFinished, res)
	require.Equal(t, []string{"first:uriraw", "second:uriraw"}, calls)
}

func TestRegistryHandleURIRawReturnsGoOnWhenNoPluginImplementsIt(t *testing.T) {
	r := NewRegistry()
	r.Register(&recorderPlugin{name: "noop", calls: &[]string{}})
	require.Equal(t, connstate.HookGoOn, r.HandleURIRaw(newTestConnection()))
}

func TestRegistryConnectionResetRunsEveryPluginAndDropsConfigCache(t *testing.T) {
	var calls []string
	r := NewRegistry()
	r.Register(&recorderPlugin{name: "a", calls: &calls})
	r.Register(&recorderPlugin{name: "b", calls: &calls})

	c := newTestConnection()
	c.PluginSlots[configCacheSlot] = map[string]interface{}{"x": 1}

	r.ConnectionReset(c)
	require.ElementsMatch(t, []string{"a:reset", "b:reset"}, calls)
	_, cached := c.PluginSlots[configCacheSlot]
	require.False(t, cached)
}

func TestRegistryHandleTriggerFiresEveryPluginThatImplementsIt(t *testing.T) {
	var calls []string
	r := NewRegistry()
	r.Register(&recorderPlugin{name: "a", calls: &calls})
	r.Register(&recorderPlugin{name: "b", calls: &calls})

	r.HandleTrigger(time.Now())
	require.ElementsMatch(t, []string{"a:trigger", "b:trigger"}, calls)
}

func TestRegistryInitPropagatesFirstError(t *testing.T) {
	r := NewRegistry()
	r.Register(&initPlugin{name: "ok"})
	r.Register(&initPlugin{name: "bad", err: errInit})
	r.Register(&initPlugin{name: "unreached"})

	err := r.Init()
	require.ErrorIs(t, err, errInit)
}

type initPlugin struct {
	name string
	err  error
}

func (p *initPlugin) Name() string { return p.name }
func (p *initPlugin) Init() error  { return p.err }

var errInit = errors.New("init failed")
