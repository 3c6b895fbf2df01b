package reaper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid        int32
	name       string
	nameErr    error
	termErr    error
	terminated bool
}

func (f *fakeProcess) PID() int32 { return f.pid }

func (f *fakeProcess) Name(context.Context) (string, error) { return f.name, f.nameErr }

func (f *fakeProcess) Terminate(context.Context) error {
	if f.termErr != nil {
		return f.termErr
	}
	f.terminated = true
	return nil
}

func listOf(ps ...*fakeProcess) Lister {
	return func(context.Context) ([]Process, error) {
		out := make([]Process, 0, len(ps))
		for _, p := range ps {
			out = append(out, p)
		}
		return out, nil
	}
}

func TestKillByNameMatchesExactName(t *testing.T) {
	a := &fakeProcess{pid: 10, name: "frpc"}
	b := &fakeProcess{pid: 11, name: "frpc-helper"}
	c := &fakeProcess{pid: 12, name: "FRPC"}
	d := &fakeProcess{pid: 13, name: "frpc"}

	res, err := NewWithLister(listOf(a, b, c, d)).KillByName(context.Background(), "frpc")
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 2, Terminated: 2}, res)
	assert.True(t, a.terminated)
	assert.False(t, b.terminated)
	assert.False(t, c.terminated)
	assert.True(t, d.terminated)
}

func TestKillByNameContinuesPastInaccessibleProcesses(t *testing.T) {
	denied := &fakeProcess{pid: 20, name: "frpc", termErr: syscall.EPERM}
	gone := &fakeProcess{pid: 21, name: "frpc", termErr: os.ErrProcessDone}
	unreadable := &fakeProcess{pid: 22, nameErr: errors.New("no such file")}
	ok := &fakeProcess{pid: 23, name: "frpc"}

	res, err := NewWithLister(listOf(denied, gone, unreadable, ok)).KillByName(context.Background(), "frpc")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Matched)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Terminated)
	assert.True(t, ok.terminated)
}

func TestKillByNameSkipsSelf(t *testing.T) {
	self := &fakeProcess{pid: int32(os.Getpid()), name: "frpc"}
	res, err := NewWithLister(listOf(self)).KillByName(context.Background(), "frpc")
	require.NoError(t, err)
	assert.Zero(t, res.Matched)
	assert.False(t, self.terminated)
}

func TestKillByNameReportsListFailure(t *testing.T) {
	r := NewWithLister(func(context.Context) ([]Process, error) {
		return nil, errors.New("proc table unavailable")
	})
	_, err := r.KillByName(context.Background(), "frpc")
	require.Error(t, err)
}

func TestKillByNameRequiresName(t *testing.T) {
	_, err := NewWithLister(listOf()).KillByName(context.Background(), "")
	require.Error(t, err)
}

// TestKillByNameTerminatesRealProcess copies sleep under a unique name so the
// reap cannot touch anything else on the machine.
func TestKillByNameTerminatesRealProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a unix sleep binary")
	}
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	src, err := os.ReadFile(sleepPath)
	require.NoError(t, err)

	name := fmt.Sprintf("rpt%d", os.Getpid()%1000000)
	bin := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(bin, src, 0o755))

	cmd := exec.Command(bin, "30")
	// Multi-call builds (busybox) dispatch on argv[0]; the kernel still
	// names the process after the file.
	cmd.Args[0] = "sleep"
	require.NoError(t, cmd.Start())
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	// Give the kernel a moment to publish the new image name.
	time.Sleep(100 * time.Millisecond)

	res, err := New().KillByName(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Terminated)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("reaped process did not exit")
	}
}

func TestFindByNameDoesNotSignal(t *testing.T) {
	a := &fakeProcess{pid: 21, name: "frpc"}
	b := &fakeProcess{pid: 22, name: "sshd"}
	c := &fakeProcess{pid: int32(os.Getpid()), name: "frpc"}

	pids, err := NewWithLister(listOf(a, b, c)).FindByName(context.Background(), "frpc")
	require.NoError(t, err)
	assert.Equal(t, []int32{21}, pids)
	assert.False(t, a.terminated)
}
