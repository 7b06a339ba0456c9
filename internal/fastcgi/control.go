package fastcgi

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/lighttgo/lighttgo/internal/srvlog"
)

// ListenSockFunc opens (or reuses) the descriptor a newly spawned process
// for host h, slot, should inherit as its FastCGI listen socket.
type ListenSockFunc func(h *Host, slot int) (*os.File, error)

// Controller runs the per-second health/spawn/reap sweep across every host
// in a Pool (spec §4.4 "Health and recovery, per tick").
type Controller struct {
	Pool       *Pool
	Spawner    *Spawner
	ListenSock ListenSockFunc
}

// NewController constructs a Controller ready to Tick.
func NewController(pool *Pool, spawner *Spawner, listenSock ListenSockFunc) *Controller {
	return &Controller{Pool: pool, Spawner: spawner, ListenSock: listenSock}
}

// Tick runs the seven-step health/spawn/reap sweep against every host,
// fanning out one goroutine per host: each goroutine touches only its own
// host's arena, so concurrent mutation across hosts is safe by
// construction.
func (ctl *Controller) Tick(ctx context.Context, now time.Time) {
	hosts := ctl.Pool.AllHosts()
	wg := &sync.WaitGroup{}
	for _, h := range hosts {
		wg.Add(1)
		go func(h *Host) {
			defer wg.Done()
			ctl.tickHost(ctx, h, now)
		}(h)
	}
	wg.Wait()
}

// Bootstrap spawns each local host up to its min_procs before the server
// starts accepting connections. Tick's own spawn step (5) only fires once a
// host already has at least one RUNNING process to average load over, so
// the very first worker of a freshly configured host has to come from here
// rather than from the per-tick sweep.
func (ctl *Controller) Bootstrap(ctx context.Context, now time.Time) {
	for _, h := range ctl.Pool.AllHosts() {
		if h.BinPath == "" {
			continue
		}
		for h.NumProcs() < h.MinProcs {
			p := h.allocSlot(true, "")
			h.active = append(h.active, p.Slot)
			ctl.spawnInto(ctx, h, p, now)
		}
	}
}

func (ctl *Controller) tickHost(ctx context.Context, h *Host, now time.Time) {
	ctl.reenableOverloaded(h, now)
	ctl.reapDiedWaitForPID(h)
	ctl.respawnDeadLocal(ctx, h, now)
	ctl.reenableRemoteDied(h, now)
	ctl.spawnIfOverloaded(ctx, h, now)
	ctl.retireIdleAboveMin(h, now)
	ctl.reapUnused(h)
}

// Step 1: OVERLOADED → RUNNING once disabled_until has passed.
func (ctl *Controller) reenableOverloaded(h *Host, now time.Time) {
	for _, slot := range h.active {
		p := h.arena[slot]
		if p.State == ProcOverloaded && !p.DisabledUntil.After(now) {
			p.State = ProcRunning
		}
	}
}

// Step 2: local DIED_WAIT_FOR_PID → reap non-blockingly → DIED.
func (ctl *Controller) reapDiedWaitForPID(h *Host) {
	for _, slot := range h.active {
		p := h.arena[slot]
		if !p.Local || p.State != ProcDiedWaitForPID {
			continue
		}
		exited, err := ReapNonBlocking(p.PID)
		if err != nil {
			srvlog.Errorf("fastcgi: reap %s pid=%d: %v", h.Name, p.PID, err)
			continue
		}
		if exited {
			p.State = ProcDied
		}
	}
}

// Step 3: local DIED with zero load → respawn in place (same slot, new pid).
func (ctl *Controller) respawnDeadLocal(ctx context.Context, h *Host, now time.Time) {
	for _, slot := range h.active {
		p := h.arena[slot]
		if p.Local && p.State == ProcDied && p.Load == 0 {
			ctl.spawnInto(ctx, h, p, now)
		}
	}
}

// Step 4: remote DIED → re-enable once disabled_until has passed.
func (ctl *Controller) reenableRemoteDied(h *Host, now time.Time) {
	for _, slot := range h.active {
		p := h.arena[slot]
		if !p.Local && p.State == ProcDied && !p.DisabledUntil.After(now) {
			p.State = ProcRunning
		}
	}
}

// Step 5: average-load-per-proc over max_load_per_proc → spawn another.
func (ctl *Controller) spawnIfOverloaded(ctx context.Context, h *Host, now time.Time) {
	if h.BinPath == "" || h.NumProcs() >= h.MaxProcs || h.MaxLoadPerProc <= 0 {
		return
	}
	if ctl.averageLoad(h) <= float64(h.MaxLoadPerProc) {
		return
	}
	p := h.allocSlot(true, "")
	h.active = append(h.active, p.Slot)
	ctl.spawnInto(ctx, h, p, now)
}

func (ctl *Controller) averageLoad(h *Host) float64 {
	n := h.NumProcs()
	if n == 0 {
		return 0
	}
	total := 0
	for _, slot := range h.active {
		total += h.arena[slot].Load
	}
	return float64(total) / float64(n)
}

// Step 6: above min_procs, idle (load==0, past idle_timeout) → unused list
// + SIGTERM, state KILLED.
func (ctl *Controller) retireIdleAboveMin(h *Host, now time.Time) {
	if h.BinPath == "" || h.IdleTimeout <= 0 {
		return
	}
	for _, slot := range append([]int(nil), h.active...) {
		if h.NumProcs() <= h.MinProcs {
			return
		}
		p := h.arena[slot]
		if p.Load != 0 || now.Sub(p.LastUsed) <= h.IdleTimeout {
			continue
		}
		if p.Local && p.PID != 0 {
			if err := SignalTerm(p.PID); err != nil {
				srvlog.Errorf("fastcgi: SIGTERM %s pid=%d: %v", h.Name, p.PID, err)
			}
		}
		p.State = ProcKilled
		h.moveToUnused(slot)
	}
}

// Step 7: unused process with a live pid → reap non-blockingly → release.
func (ctl *Controller) reapUnused(h *Host) {
	for _, slot := range h.unused {
		p := h.arena[slot]
		if p.PID == 0 {
			continue
		}
		exited, err := ReapNonBlocking(p.PID)
		if err != nil {
			srvlog.Errorf("fastcgi: reap unused %s pid=%d: %v", h.Name, p.PID, err)
			continue
		}
		if exited {
			p.PID = 0
		}
	}
}

// spawnInto (re)spawns h.BinPath into the slot p already occupies, updating
// its state/pid in place once the startup grace has passed.
func (ctl *Controller) spawnInto(ctx context.Context, h *Host, p *Proc, now time.Time) {
	listenSock, err := ctl.ListenSock(h, p.Slot)
	if err != nil {
		srvlog.Errorf("fastcgi: listen socket for %s slot=%d: %v", h.Name, p.Slot, err)
		p.State = ProcDiedWaitForPID
		return
	}
	defer listenSock.Close()

	res, err := ctl.Spawner.Spawn(ctx, h, listenSock, p.Slot)
	if err != nil {
		srvlog.Errorf("fastcgi: spawn %s slot=%d: %v", h.Name, p.Slot, err)
		p.State = ProcDied
		p.DisabledUntil = now.Add(h.DiedDisableFor)
		return
	}

	p.PID = res.PID
	p.State = ProcRunning
	p.Load = 0
	p.LastUsed = now
	if h.AddrForSlot != nil {
		p.Addr = h.AddrForSlot(p.Slot)
	}
}
