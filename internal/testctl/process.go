package testctl

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ProcManager tracks started processes so a failed run never leaks a
// listening miad.
type ProcManager struct {
	mu    sync.Mutex
	procs []*exec.Cmd
}

func NewProcManager() *ProcManager { return &ProcManager{} }

func (pm *ProcManager) Add(cmd *exec.Cmd) {
	pm.mu.Lock()
	pm.procs = append(pm.procs, cmd)
	pm.mu.Unlock()
}

// Start launches c in the background and tracks it.
func (pm *ProcManager) Start(ctx context.Context, c Cmd) (*exec.Cmd, error) {
	cmd := c.build(ctx)
	cmd.Stderr = os.Stderr
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pm.Add(cmd)
	debug("[proc] started %s pid=%d", c.Path, cmd.Process.Pid)
	return cmd, nil
}

// Stop interrupts cmd and kills it if it has not exited within grace.
// A process that exits on the interrupt reports nil.
func (pm *ProcManager) Stop(cmd *exec.Cmd, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pm.remove(cmd)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
	select {
	case err := <-done:
		var ee *exec.ExitError
		if errors.As(err, &ee) && !ee.Exited() {
			return nil
		}
		return err
	case <-time.After(grace):
		warn("[proc] pid=%d ignored interrupt for %s; killing", cmd.Process.Pid, grace)
		_ = cmd.Process.Kill()
		<-done
		return errors.New("process did not stop gracefully")
	}
}

func (pm *ProcManager) remove(cmd *exec.Cmd) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for i, c := range pm.procs {
		if c == cmd {
			pm.procs = append(pm.procs[:i], pm.procs[i+1:]...)
			return
		}
	}
}

// KillAll kills every tracked process, best effort.
func (pm *ProcManager) KillAll() error {
	pm.mu.Lock()
	procs := append([]*exec.Cmd(nil), pm.procs...)
	pm.procs = nil
	pm.mu.Unlock()
	for _, c := range procs {
		if c != nil && c.Process != nil {
			_ = c.Process.Kill()
		}
	}
	return nil
}

// Len reports how many processes are tracked.
func (pm *ProcManager) Len() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

var defaultProcManager = NewProcManager()

// TrackProcess registers a process with the default manager for later cleanup.
func TrackProcess(cmd *exec.Cmd) { defaultProcManager.Add(cmd) }

func killProcesses() error { return defaultProcManager.KillAll() }
