// Package plugin adapts the fixed, spec-defined plugin capability set
// (spec §6 "Plugin capability set") onto internal/connstate's narrower
// Hooks interface, and carries the handful of extension points
// (trigger, connection close, joblist, response header rewrite) that
// connstate's HANDLE_REQUEST_HEADER chain has no slot for but a server
// still needs to dispatch to every loaded plugin once per tick/request.
//
// A Plugin only implements the optional interfaces below for the hooks
// it cares about (spec §9 "plugin slot table": most plugins touch one
// or two hooks, never all of them). Registry type-asserts against each
// one per dispatch, the same discovery-by-assertion shape
// prometheus.Collector implementations use for optional label sets.
package plugin

import (
	"time"

	"github.com/lighttgo/lighttgo/internal/connstate"
)

// Plugin is the minimum every loaded module must satisfy; everything
// else is optional and discovered via type assertion in Registry.
type Plugin interface {
	Name() string
}

// Lifecycle hooks: run once at startup/shutdown, not per-connection.
type InitHook interface {
	Init() error
}

type CleanupHook interface {
	Cleanup() error
}

// SetDefaultsHook lets a plugin seed its own option defaults into a
// ConfigTree before any conditional block can override them.
type SetDefaultsHook interface {
	SetDefaults(tree *ConfigTree)
}

// Per-connection hooks matching connstate.Hooks, one interface per
// method so a plugin can implement only the ones it needs.
type URIRawHook interface {
	HandleURIRaw(c *connstate.Connection) connstate.HookResult
}

type URICleanHook interface {
	HandleURIClean(c *connstate.Connection) connstate.HookResult
}

type DocrootHook interface {
	HandleDocroot(c *connstate.Connection) connstate.HookResult
}

type PhysicalPathHook interface {
	HandlePhysicalPath(c *connstate.Connection) connstate.HookResult
}

type StartBackendHook interface {
	HandleStartBackend(c *connstate.Connection) connstate.HookResult
}

type ConnectionResetHook interface {
	ConnectionReset(c *connstate.Connection)
}

type SubrequestHook interface {
	HandleSubrequest(c *connstate.Connection) connstate.HookResult
}

// Hooks with no connstate.Hooks slot: a server wires these directly.

type SendRequestContentHook interface {
	HandleSendRequestContent(c *connstate.Connection) connstate.HookResult
}

type ResponseHeaderHook interface {
	HandleResponseHeader(c *connstate.Connection) connstate.HookResult
}

type ConnectionCloseHook interface {
	HandleConnectionClose(c *connstate.Connection)
}

type TriggerHook interface {
	HandleTrigger(now time.Time)
}

type JoblistHook interface {
	HandleJoblist(c *connstate.Connection)
}

// Registry holds the loaded plugins in configuration order and
// dispatches every hook in spec §6's table to whichever plugins
// implement it, in registration order, stopping at the first non-GoOn
// result (spec §6: "the chain runs in configuration order; the first
// plugin that returns anything other than GO_ON ends the chain for
// this request"). It satisfies connstate.Hooks directly so a server can
// hand *Registry straight to Connection.Hooks.
type Registry struct {
	plugins []Plugin
	Config  *ConfigTree
}

// NewRegistry builds an empty Registry; plugins are added with Register
// in the order they should run.
func NewRegistry() *Registry {
	return &Registry{Config: NewConfigTree()}
}

// Register appends p to the dispatch chain.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
}

// Plugins returns the registered plugins in dispatch order.
func (r *Registry) Plugins() []Plugin {
	return r.plugins
}

// Init runs every plugin's Init hook, in registration order, stopping
// at the first error (spec §6 "init: called once per plugin at
// startup").
func (r *Registry) Init() error {
	for _, p := range r.plugins {
		if h, ok := p.(InitHook); ok {
			if err := h.Init(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cleanup runs every plugin's Cleanup hook in registration order,
// collecting but not stopping on the first error, so a failing plugin
// doesn't leak every other plugin's resources during shutdown.
func (r *Registry) Cleanup() error {
	var first error
	for _, p := range r.plugins {
		if h, ok := p.(CleanupHook); ok {
			if err := h.Cleanup(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// SetDefaults lets every plugin seed its own defaults into the shared
// ConfigTree before any conditional block is evaluated.
func (r *Registry) SetDefaults() {
	for _, p := range r.plugins {
		if h, ok := p.(SetDefaultsHook); ok {
			h.SetDefaults(r.Config)
		}
	}
}

func (r *Registry) HandleURIRaw(c *connstate.Connection) connstate.HookResult {
	for _, p := range r.plugins {
		if h, ok := p.(URIRawHook); ok {
			if res := h.HandleURIRaw(c); res != connstate.HookGoOn {
				return res
			}
		}
	}
	return connstate.HookGoOn
}

func (r *Registry) HandleURIClean(c *connstate.Connection) connstate.HookResult {
	for _, p := range r.plugins {
		if h, ok := p.(URICleanHook); ok {
			if res := h.HandleURIClean(c); res != connstate.HookGoOn {
				return res
			}
		}
	}
	return connstate.HookGoOn
}

func (r *Registry) HandleDocroot(c *connstate.Connection) connstate.HookResult {
	for _, p := range r.plugins {
		if h, ok := p.(DocrootHook); ok {
			if res := h.HandleDocroot(c); res != connstate.HookGoOn {
				return res
			}
		}
	}
	return connstate.HookGoOn
}

func (r *Registry) HandlePhysicalPath(c *connstate.Connection) connstate.HookResult {
	for _, p := range r.plugins {
		if h, ok := p.(PhysicalPathHook); ok {
			if res := h.HandlePhysicalPath(c); res != connstate.HookGoOn {
				return res
			}
		}
	}
	return connstate.HookGoOn
}

func (r *Registry) HandleStartBackend(c *connstate.Connection) connstate.HookResult {
	for _, p := range r.plugins {
		if h, ok := p.(StartBackendHook); ok {
			if res := h.HandleStartBackend(c); res != connstate.HookGoOn {
				return res
			}
		}
	}
	return connstate.HookGoOn
}

// ConnectionReset runs every plugin's reset hook unconditionally (spec:
// "invoked for every plugin on RESPONSE_END, regardless of which hooks
// ran for this particular request"), then drops the per-request config
// cache so the next request on a keep-alive connection re-evaluates
// conditional blocks against its own URI/host.
func (r *Registry) ConnectionReset(c *connstate.Connection) {
	for _, p := range r.plugins {
		if h, ok := p.(ConnectionResetHook); ok {
			h.ConnectionReset(c)
		}
	}
	invalidateConfigCache(c)
}

// HandleSendRequestContent and HandleResponseHeader have no connstate.Hooks
// slot; a server that wants these hooks exercised calls them directly from
// the appropriate step. HandleSubrequest does have a slot (HANDLE_SUBREQUEST)
// and is dispatched by connstate itself like the rest of the chain.

func (r *Registry) HandleSendRequestContent(c *connstate.Connection) connstate.HookResult {
	for _, p := range r.plugins {
		if h, ok := p.(SendRequestContentHook); ok {
			if res := h.HandleSendRequestContent(c); res != connstate.HookGoOn {
				return res
			}
		}
	}
	return connstate.HookGoOn
}

func (r *Registry) HandleResponseHeader(c *connstate.Connection) connstate.HookResult {
	for _, p := range r.plugins {
		if h, ok := p.(ResponseHeaderHook); ok {
			if res := h.HandleResponseHeader(c); res != connstate.HookGoOn {
				return res
			}
		}
	}
	return connstate.HookGoOn
}

func (r *Registry) HandleSubrequest(c *connstate.Connection) connstate.HookResult {
	for _, p := range r.plugins {
		if h, ok := p.(SubrequestHook); ok {
			if res := h.HandleSubrequest(c); res != connstate.HookGoOn {
				return res
			}
		}
	}
	return connstate.HookGoOn
}

// HandleConnectionClose notifies every interested plugin that the
// connection is about to close (spec: "handle_connection_close").
func (r *Registry) HandleConnectionClose(c *connstate.Connection) {
	for _, p := range r.plugins {
		if h, ok := p.(ConnectionCloseHook); ok {
			h.HandleConnectionClose(c)
		}
	}
}

// HandleTrigger fires every plugin's periodic hook; a server calls this
// once per tick the way internal/fastcgi.Controller.Tick is called
// (spec: "handle_trigger: called roughly once per second").
func (r *Registry) HandleTrigger(now time.Time) {
	for _, p := range r.plugins {
		if h, ok := p.(TriggerHook); ok {
			h.HandleTrigger(now)
		}
	}
}

// HandleJoblist notifies every interested plugin that c has been
// re-added to the job list for another pass (spec: "handle_joblist").
func (r *Registry) HandleJoblist(c *connstate.Connection) {
	for _, p := range r.plugins {
		if h, ok := p.(JoblistHook); ok {
			h.HandleJoblist(c)
		}
	}
}

var _ connstate.Hooks = (*Registry)(nil)
