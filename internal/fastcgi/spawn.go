package fastcgi

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lighttgo/lighttgo/internal/srvlog"
)

// Spawner starts local FastCGI backend processes, translating the
// fork/session-leader/dup-listen-socket-to-fd-0/close-fds/chdir/execve
// sequence into the idiomatic Go equivalent over os/exec (spec §4.4
// "Spawning").
type Spawner struct {
	// StartupGrace is how long the parent waits before inspecting whether
	// a freshly spawned child exited immediately.
	StartupGrace time.Duration
}

// NewSpawner constructs a Spawner with the default startup grace.
func NewSpawner() *Spawner {
	return &Spawner{StartupGrace: 100 * time.Millisecond}
}

// SpawnResult carries what the caller needs to track a freshly spawned
// child: its PID.
type SpawnResult struct {
	PID int
}

// Spawn starts one instance of h.BinPath, pre-binding listenSock as its
// FastCGI listen socket (FD 0 in the child, matching the standard FastCGI
// spawn convention) so the process accepts connections without needing any
// FastCGI-library bootstrap of its own.
//
// Go has no direct fork/dup2/execve sequence; os/exec's Cmd.ExtraFiles and
// SysProcAttr.Setsid reproduce the same observable shape: the child becomes
// a session leader, inherits exactly the listen socket on FD 0 plus
// whatever standard streams are configured, and nothing else.
func (s *Spawner) Spawn(ctx context.Context, h *Host, listenSock *os.File, slot int) (SpawnResult, error) {
	if h.BinPath == "" {
		return SpawnResult{}, fmt.Errorf("fastcgi: host %q has no bin_path to spawn", h.Name)
	}

	cmd := exec.CommandContext(ctx, h.BinPath)
	cmd.Dir = execDir(h.BinPath)
	cmd.Env = buildChildEnv(h)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// os/exec dup2s Stdin into the child's FD 0 and, with ExtraFiles left
	// empty, inherits nothing else beyond FD 0-2 — the Go equivalent of
	// "dup the listening socket to FD 0, close all other descriptors >= 3".
	cmd.Stdin = listenSock

	if err := cmd.Start(); err != nil {
		return SpawnResult{}, fmt.Errorf("fastcgi: spawn %s: %w", h.BinPath, err)
	}

	pid := cmd.Process.Pid
	go reapWhenDone(cmd)

	time.Sleep(s.StartupGrace)
	if exited, err := processExitedEarly(pid); exited {
		return SpawnResult{}, fmt.Errorf("fastcgi: %s (pid %d) exited immediately: %v", h.BinPath, pid, err)
	}

	srvlog.Debugf("fastcgi: spawned %s slot=%d pid=%d", h.Name, slot, pid)
	return SpawnResult{PID: pid}, nil
}

// reapWhenDone waits for the child in the background so it never becomes a
// zombie; the control-plane tick (control.go) independently polls process
// liveness via non-blocking waitpid for state transitions, this goroutine
// only prevents resource leakage for processes whose going-away the tick
// already predicted.
func reapWhenDone(cmd *exec.Cmd) {
	_ = cmd.Wait()
}

// processExitedEarly makes a best-effort non-blocking check for whether pid
// already exited; ESRCH means it's gone (exited and already reaped, e.g. by
// reapWhenDone). A child that exited but is not yet reaped still answers
// kill(pid, 0) and is reported as alive.
func processExitedEarly(pid int) (bool, error) {
	if err := unix.Kill(pid, 0); err != nil {
		if err == unix.ESRCH {
			return true, err
		}
	}
	return false, nil
}

func execDir(binPath string) string {
	for i := len(binPath) - 1; i >= 0; i-- {
		if binPath[i] == '/' {
			return binPath[:i]
		}
	}
	return "."
}

// buildChildEnv constructs the spawned process's environment: the full
// ambient environment (no filtering is applied) plus the host's explicit
// key/value pairs, adding PHP_FCGI_CHILDREN=0 unless the host's pairs set
// it, so PHP_FCGI_CHILDREN is always present (spec §4.4 "Spawning").
func buildChildEnv(h *Host) []string {
	env := os.Environ()
	hasChildren := false
	for _, nv := range h.Env {
		env = append(env, nv.Name+"="+nv.Value)
		if nv.Name == "PHP_FCGI_CHILDREN" {
			hasChildren = true
		}
	}
	if !hasChildren {
		env = append(env, "PHP_FCGI_CHILDREN=0")
	}
	return env
}

// SignalTerm sends SIGTERM to a locally spawned process (spec §4.4 step 6:
// idle processes above min_procs are migrated to the unused list and sent
// SIGTERM).
func SignalTerm(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// ReapNonBlocking performs one non-blocking waitpid on pid, reporting
// whether it had already exited (spec §4.4 steps 2 and 7: "reap
// non-blockingly").
func ReapNonBlocking(pid int) (exited bool, err error) {
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		if err == unix.ECHILD {
			// Not our child (or already reaped by reapWhenDone): treat as
			// exited so the control loop can proceed with the transition.
			return true, nil
		}
		return false, err
	}
	return got == pid, nil
}
