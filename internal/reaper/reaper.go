// Package reaper terminates stray frpc instances by process name.
//
// Reaping is best-effort by contract. A process that vanished between listing
// and signalling, or one owned by another user, is logged and skipped; the scan
// always continues with the remaining processes. Only a failure to enumerate
// processes at all is reported to the caller.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

// Process is the slice of a running process the reaper needs.
type Process interface {
	PID() int32
	Name(ctx context.Context) (string, error)
	Terminate(ctx context.Context) error
}

// Lister enumerates running processes.
type Lister func(ctx context.Context) ([]Process, error)

// Result summarizes one KillByName call.
type Result struct {
	Matched    int `json:"matched"`
	Terminated int `json:"terminated"`
	Skipped    int `json:"skipped"`
}

// Reaper finds and terminates processes by exact image name.
type Reaper struct {
	list Lister
	self int32
}

// New returns a Reaper backed by the host process table.
func New() *Reaper {
	return NewWithLister(systemProcesses)
}

// NewWithLister returns a Reaper over a custom process source.
func NewWithLister(l Lister) *Reaper {
	return &Reaper{list: l, self: int32(os.Getpid())}
}

// KillByName requests graceful termination of every process named exactly
// name. It never signals the calling process.
func (r *Reaper) KillByName(ctx context.Context, name string) (Result, error) {
	var res Result
	if name == "" {
		return res, fmt.Errorf("process name is required")
	}
	procs, err := r.list(ctx)
	if err != nil {
		return res, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.PID() == r.self {
			continue
		}
		got, err := p.Name(ctx)
		if err != nil {
			// Exited or unreadable; either way it is not ours to reap.
			continue
		}
		if got != name {
			continue
		}
		res.Matched++
		if err := p.Terminate(ctx); err != nil {
			res.Skipped++
			logSkip(p.PID(), name, err)
			continue
		}
		res.Terminated++
		slog.Info("terminated stale process", "pid", p.PID(), "name", name)
	}
	return res, nil
}

// FindByName returns the PIDs of processes named exactly name, excluding the
// calling process. Nothing is signalled.
func (r *Reaper) FindByName(ctx context.Context, name string) ([]int32, error) {
	if name == "" {
		return nil, fmt.Errorf("process name is required")
	}
	procs, err := r.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var pids []int32
	for _, p := range procs {
		if p.PID() == r.self {
			continue
		}
		if got, err := p.Name(ctx); err == nil && got == name {
			pids = append(pids, p.PID())
		}
	}
	return pids, nil
}

func logSkip(pid int32, name string, err error) {
	if isExpected(err) {
		slog.Debug("skipped process during reap", "pid", pid, "name", name, "error", err)
		return
	}
	slog.Warn("failed to terminate process during reap", "pid", pid, "name", name, "error", err)
}

func isExpected(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, syscall.EPERM)
}

type gopsProcess struct {
	p *process.Process
}

func (g gopsProcess) PID() int32 { return g.p.Pid }

func (g gopsProcess) Name(ctx context.Context) (string, error) {
	return g.p.NameWithContext(ctx)
}

func (g gopsProcess) Terminate(ctx context.Context) error {
	return g.p.TerminateWithContext(ctx)
}

func systemProcesses(ctx context.Context) ([]Process, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(ps))
	for _, p := range ps {
		out = append(out, gopsProcess{p: p})
	}
	return out, nil
}
