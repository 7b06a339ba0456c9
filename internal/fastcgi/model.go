package fastcgi

import (
	"fmt"
	"time"
)

// ProcState is the closed set of states a FastCGI backend process can be
// in, modeled as an enum rather than free-form strings since this package
// drives transitions rather than just reporting them.
type ProcState int

const (
	ProcUnset ProcState = iota
	ProcRunning
	ProcOverloaded
	ProcDiedWaitForPID
	ProcDied
	ProcKilled
)

func (s ProcState) String() string {
	switch s {
	case ProcUnset:
		return "UNSET"
	case ProcRunning:
		return "RUNNING"
	case ProcOverloaded:
		return "OVERLOADED"
	case ProcDiedWaitForPID:
		return "DIED_WAIT_FOR_PID"
	case ProcDied:
		return "DIED"
	case ProcKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// Proc is one backend process (local, spawned by this server) or backend
// connection target (remote, a pre-existing address we only dial). It lives
// at a stable slot in its Host's arena; "active"/"unused" membership is
// tracked by the Host as a set of slot indices, never by pointer, so a
// migration between lists is an arena-membership change with no pointer
// fixup (spec §9 "stable indices into a process arena").
type Proc struct {
	Slot  int
	Local bool
	Addr  string // unix socket path, or "host:port" for TCP

	State ProcState
	PID   int // 0 for remote procs or before first spawn

	Load           int
	DisabledUntil  time.Time
	LastUsed       time.Time
	ConnectRetries int
	RequestsServed int64
}

// Host is one configured FastCGI backend group: either a pool of local
// processes this server spawns (bin_path set) or a fixed set of remote
// addresses to load-balance across.
type Host struct {
	Name    string
	Mode    Role
	BinPath string
	Env     []NameValue

	MinProcs           int
	MaxProcs           int
	MaxLoadPerProc     int
	MaxRequestsPerProc int64 // 0 means unlimited
	IdleTimeout        time.Duration
	OverloadDisableFor time.Duration // default 2s, spec §4.4 step 1
	DiedDisableFor     time.Duration // default 5s, spec §4.4 step 4
	AllowXSendfile     bool

	// AddrForSlot builds the dial address for a newly allocated local
	// process slot (e.g. a per-slot unix socket path); unused for
	// remote-only hosts, whose addresses are supplied directly to AddRemote.
	AddrForSlot func(slot int) string

	arena  []*Proc
	active []int
	unused []int

	Load int
}

// NewHost constructs an empty host ready to have local slots or remote
// addresses added to it, with the control-plane tick's default disable
// windows (spec §4.4 steps 1 and 4).
func NewHost(name string, mode Role) *Host {
	return &Host{
		Name:               name,
		Mode:               mode,
		OverloadDisableFor: 2 * time.Second,
		DiedDisableFor:     5 * time.Second,
	}
}

// AddRemote registers a fixed remote backend address as an active process
// slot; remote processes are never spawned or reaped by this server, only
// dialed and, per spec §9's open-question resolution, transitioned straight
// to DIED (not DIED_WAIT_FOR_PID) on failure.
func (h *Host) AddRemote(addr string) *Proc {
	p := h.allocSlot(false, addr)
	p.State = ProcRunning
	h.active = append(h.active, p.Slot)
	return p
}

// allocSlot reuses an unused arena slot if one exists, otherwise appends a
// fresh one (spec §9 "reusing an unused slot if present, else allocating a
// fresh id").
func (h *Host) allocSlot(local bool, addr string) *Proc {
	if len(h.unused) > 0 {
		slot := h.unused[len(h.unused)-1]
		h.unused = h.unused[:len(h.unused)-1]
		p := h.arena[slot]
		*p = Proc{Slot: slot, Local: local, Addr: addr, State: ProcUnset}
		return p
	}
	slot := len(h.arena)
	p := &Proc{Slot: slot, Local: local, Addr: addr, State: ProcUnset}
	h.arena = append(h.arena, p)
	return p
}

// NumProcs reports the number of slots currently on the active list.
func (h *Host) NumProcs() int { return len(h.active) }

// ActiveProcs returns the processes currently on the active list, in slot
// order.
func (h *Host) ActiveProcs() []*Proc {
	out := make([]*Proc, 0, len(h.active))
	for _, slot := range h.active {
		out = append(out, h.arena[slot])
	}
	return out
}

// SelectProcess chooses the RUNNING process with the smallest load (spec
// §4.3 "Process selection"). Returns nil if none is RUNNING.
func (h *Host) SelectProcess() *Proc {
	var best *Proc
	for _, slot := range h.active {
		p := h.arena[slot]
		if p.State != ProcRunning {
			continue
		}
		if best == nil || p.Load < best.Load {
			best = p
		}
	}
	return best
}

// moveToUnused migrates a slot from the active list to the unused list
// (spec §9: "move = change of arena membership, no pointer fixup").
func (h *Host) moveToUnused(slot int) {
	h.active = removeInt(h.active, slot)
	h.unused = append(h.unused, slot)
}

func removeInt(s []int, v int) []int {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Pool maps a request's extension (".php", etc.) to the ordered set of
// hosts configured for it.
type Pool struct {
	hostsByExt map[string][]*Host
}

// NewPool constructs an empty pool.
func NewPool() *Pool {
	return &Pool{hostsByExt: make(map[string][]*Host)}
}

// Register associates ext (e.g. ".php") with h; a given extension may have
// more than one host for failover.
func (p *Pool) Register(ext string, h *Host) {
	p.hostsByExt[ext] = append(p.hostsByExt[ext], h)
}

// ErrAllBackendsDown is returned by Select when no host for ext has any
// RUNNING process (spec §4.3: '"all backends down" → status 500').
var ErrAllBackendsDown = fmt.Errorf("fastcgi: all backends down")

// Select chooses the host with the smallest load among those with at least
// one RUNNING process for ext, then the least-loaded RUNNING process within
// it (spec §4.3 "Process selection").
func (p *Pool) Select(ext string) (*Host, *Proc, error) {
	hosts := p.hostsByExt[ext]
	var bestHost *Host
	var bestProc *Proc
	for _, h := range hosts {
		proc := h.SelectProcess()
		if proc == nil {
			continue
		}
		if bestHost == nil || h.Load < bestHost.Load {
			bestHost = h
			bestProc = proc
		}
	}
	if bestHost == nil {
		return nil, nil, ErrAllBackendsDown
	}
	return bestHost, bestProc, nil
}

// Hosts returns every host registered for ext, regardless of current load.
func (p *Pool) Hosts(ext string) []*Host { return p.hostsByExt[ext] }

// AllHosts returns every host registered across every extension, each
// listed once even if shared between extensions (deduplicated by pointer).
func (p *Pool) AllHosts() []*Host {
	seen := make(map[*Host]bool)
	var out []*Host
	for _, hosts := range p.hostsByExt {
		for _, h := range hosts {
			if !seen[h] {
				seen[h] = true
				out = append(out, h)
			}
		}
	}
	return out
}
