package fastcgi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostSelectProcessPicksLeastLoadedRunning(t *testing.T) {
	h := NewHost("php", RoleResponder)
	a := h.AddRemote("unix:/a.sock")
	b := h.AddRemote("unix:/b.sock")
	a.Load = 5
	b.Load = 2

	got := h.SelectProcess()
	require.Same(t, b, got)
}

func TestHostSelectProcessIgnoresNonRunning(t *testing.T) {
	h := NewHost("php", RoleResponder)
	down := h.AddRemote("unix:/down.sock")
	down.State = ProcDied

	require.Nil(t, h.SelectProcess())
}

func TestHostAllocSlotReusesUnusedBeforeGrowingArena(t *testing.T) {
	h := NewHost("php", RoleResponder)
	p1 := h.allocSlot(true, "")
	h.moveToUnused(p1.Slot)

	p2 := h.allocSlot(true, "")
	require.Equal(t, p1.Slot, p2.Slot, "reused slot should keep the same stable index")
	require.Equal(t, 1, len(h.arena), "arena should not grow when an unused slot is available")
}

func TestHostAllocSlotGrowsArenaWhenNoneUnused(t *testing.T) {
	h := NewHost("php", RoleResponder)
	p1 := h.allocSlot(true, "")
	p2 := h.allocSlot(true, "")

	require.NotEqual(t, p1.Slot, p2.Slot)
	require.Equal(t, 2, len(h.arena))
}

func TestHostNumProcsTracksActiveListOnly(t *testing.T) {
	h := NewHost("php", RoleResponder)
	h.AddRemote("unix:/a.sock")
	p := h.AddRemote("unix:/b.sock")
	require.Equal(t, 2, h.NumProcs())

	h.moveToUnused(p.Slot)
	require.Equal(t, 1, h.NumProcs())
}

func TestPoolSelectChoosesLeastLoadedRunningHost(t *testing.T) {
	p := NewPool()
	quiet := NewHost("quiet", RoleResponder)
	quiet.Load = 1
	quiet.AddRemote("unix:/quiet.sock")

	busy := NewHost("busy", RoleResponder)
	busy.Load = 9
	busy.AddRemote("unix:/busy.sock")

	p.Register(".php", quiet)
	p.Register(".php", busy)

	host, proc, err := p.Select(".php")
	require.NoError(t, err)
	require.Same(t, quiet, host)
	require.NotNil(t, proc)
}

func TestPoolSelectReturnsErrAllBackendsDownWhenNoneRunning(t *testing.T) {
	p := NewPool()
	h := NewHost("php", RoleResponder)
	dead := h.AddRemote("unix:/a.sock")
	dead.State = ProcDied
	p.Register(".php", h)

	_, _, err := p.Select(".php")
	require.ErrorIs(t, err, ErrAllBackendsDown)
}

func TestPoolSelectReturnsErrAllBackendsDownForUnknownExtension(t *testing.T) {
	p := NewPool()
	_, _, err := p.Select(".rb")
	require.ErrorIs(t, err, ErrAllBackendsDown)
}

func TestPoolAllHostsDedupesHostsSharedAcrossExtensions(t *testing.T) {
	p := NewPool()
	shared := NewHost("shared", RoleResponder)
	p.Register(".php", shared)
	p.Register(".phtml", shared)

	require.Len(t, p.AllHosts(), 1)
}

func TestProcStateStringCoversAllStates(t *testing.T) {
	states := []ProcState{ProcUnset, ProcRunning, ProcOverloaded, ProcDiedWaitForPID, ProcDied, ProcKilled}
	for _, s := range states {
		require.NotEqual(t, "UNKNOWN", s.String())
	}
}
