package fastcgi

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func devNullListenSock(h *Host, slot int) (*os.File, error) {
	return os.Open(os.DevNull)
}

func newTestController() *Controller {
	return NewController(NewPool(), NewSpawner(), devNullListenSock)
}

func TestReenableOverloadedReturnsToRunningAfterDisableWindow(t *testing.T) {
	ctl := newTestController()
	h := NewHost("php", RoleResponder)
	p := h.AddRemote("unix:/a.sock")
	p.State = ProcOverloaded
	now := time.Unix(1000, 0)
	p.DisabledUntil = now.Add(-time.Second)

	ctl.reenableOverloaded(h, now)
	require.Equal(t, ProcRunning, p.State)
}

func TestReenableOverloadedLeavesStillDisabledAlone(t *testing.T) {
	ctl := newTestController()
	h := NewHost("php", RoleResponder)
	p := h.AddRemote("unix:/a.sock")
	p.State = ProcOverloaded
	now := time.Unix(1000, 0)
	p.DisabledUntil = now.Add(time.Second)

	ctl.reenableOverloaded(h, now)
	require.Equal(t, ProcOverloaded, p.State)
}

func TestReapDiedWaitForPIDTransitionsToDiedOnceReaped(t *testing.T) {
	ctl := newTestController()
	h := NewHost("php", RoleResponder)
	p := h.allocSlot(true, "")
	h.active = append(h.active, p.Slot)

	cmd := exec.Command("/bin/sh", "-c", "true")
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())
	p.PID = cmd.Process.Pid
	p.State = ProcDiedWaitForPID

	ctl.reapDiedWaitForPID(h)
	require.Equal(t, ProcDied, p.State)
}

func TestReenableRemoteDiedAfterDisableWindow(t *testing.T) {
	ctl := newTestController()
	h := NewHost("php", RoleResponder)
	p := h.AddRemote("unix:/a.sock")
	p.State = ProcDied
	now := time.Unix(2000, 0)
	p.DisabledUntil = now.Add(-time.Millisecond)

	ctl.reenableRemoteDied(h, now)
	require.Equal(t, ProcRunning, p.State)
}

func TestSpawnIfOverloadedAllocatesNewSlotWhenAverageLoadExceedsCeiling(t *testing.T) {
	ctl := newTestController()
	h := NewHost("php", RoleResponder)
	h.BinPath = "/bin/true"
	h.MaxProcs = 4
	h.MaxLoadPerProc = 2

	existing := h.allocSlot(true, "")
	h.active = append(h.active, existing.Slot)
	existing.State = ProcRunning
	existing.Load = 10 // average (10/1) far exceeds ceiling of 2

	before := h.NumProcs()
	ctl.spawnIfOverloaded(context.Background(), h, time.Now())
	require.Equal(t, before+1, h.NumProcs())
}

func TestSpawnIfOverloadedNoopsWithoutBinPath(t *testing.T) {
	ctl := newTestController()
	h := NewHost("php", RoleResponder)
	p := h.AddRemote("unix:/a.sock")
	p.Load = 100
	h.MaxLoadPerProc = 1
	h.MaxProcs = 5

	before := h.NumProcs()
	ctl.spawnIfOverloaded(context.Background(), h, time.Now())
	require.Equal(t, before, h.NumProcs())
}

func TestRetireIdleAboveMinMigratesOneProcToUnused(t *testing.T) {
	ctl := newTestController()
	h := NewHost("php", RoleResponder)
	h.BinPath = "/bin/true"
	h.MinProcs = 1
	h.IdleTimeout = time.Second

	a := h.allocSlot(true, "")
	h.active = append(h.active, a.Slot)
	a.State = ProcRunning
	a.Load = 0
	a.LastUsed = time.Unix(0, 0)

	b := h.allocSlot(true, "")
	h.active = append(h.active, b.Slot)
	b.State = ProcRunning
	b.Load = 0
	b.LastUsed = time.Unix(0, 0)

	ctl.retireIdleAboveMin(h, time.Now())
	require.Equal(t, 1, h.NumProcs())
}

func TestRetireIdleAboveMinLeavesBusyProcsAlone(t *testing.T) {
	ctl := newTestController()
	h := NewHost("php", RoleResponder)
	h.BinPath = "/bin/true"
	h.MinProcs = 1
	h.IdleTimeout = time.Second

	a := h.allocSlot(true, "")
	h.active = append(h.active, a.Slot)
	a.State = ProcRunning
	a.Load = 5
	a.LastUsed = time.Unix(0, 0)

	b := h.allocSlot(true, "")
	h.active = append(h.active, b.Slot)
	b.State = ProcRunning
	b.Load = 0
	b.LastUsed = time.Unix(0, 0)

	ctl.retireIdleAboveMin(h, time.Now())
	require.Equal(t, 2, h.NumProcs())
}

func TestReapUnusedClearsPIDOfExitedProcess(t *testing.T) {
	ctl := newTestController()
	h := NewHost("php", RoleResponder)
	p := h.allocSlot(true, "")
	h.moveToUnused(p.Slot)

	cmd := exec.Command("/bin/sh", "-c", "true")
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())
	p.PID = cmd.Process.Pid

	ctl.reapUnused(h)
	require.Equal(t, 0, p.PID)
}

func TestRespawnDeadLocalAttemptsSpawnForZeroLoadDiedProc(t *testing.T) {
	ctl := newTestController()
	h := NewHost("php", RoleResponder)
	h.BinPath = "/bin/true" // exits immediately, so respawn is expected to fail startup grace

	p := h.allocSlot(true, "")
	h.active = append(h.active, p.Slot)
	p.State = ProcDied
	p.Load = 0

	ctl.respawnDeadLocal(context.Background(), h, time.Now())
	require.Equal(t, ProcDied, p.State, "an instantly-exiting binary should fail the startup grace check and remain DIED")
	require.False(t, p.DisabledUntil.IsZero())
}
