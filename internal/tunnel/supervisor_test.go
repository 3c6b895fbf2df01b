// Supervisor tests drive a real frpclient against shell-script stand-ins for
// frpc, so output scanning, signalling, and reaping run against actual
// processes. Port probing and stale-process reaping are faked so the tests
// never touch unrelated processes on the host.
package tunnel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/frpc-manager/internal/events"
	"github.com/treykane/frpc-manager/internal/frpclient"
	"github.com/treykane/frpc-manager/internal/model"
	"github.com/treykane/frpc-manager/internal/reaper"
)

// scriptLauncher runs a shell script as frpc and records each config it was
// handed along with the file's content at launch time.
type scriptLauncher struct {
	client *frpclient.Client
	fail   error

	mu       sync.Mutex
	paths    []string
	contents []string
}

func newScriptLauncher(t *testing.T, body string) *scriptLauncher {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake frpc")
	}
	bin := filepath.Join(t.TempDir(), "frpc")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+body), 0o755))
	return &scriptLauncher{client: frpclient.New(bin)}
}

func (l *scriptLauncher) Launch(path string) (*frpclient.Process, error) {
	b, _ := os.ReadFile(path)
	l.mu.Lock()
	l.paths = append(l.paths, path)
	l.contents = append(l.contents, string(b))
	l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	return l.client.Launch(path)
}

func (l *scriptLauncher) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.paths)
}

func (l *scriptLauncher) lastPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.paths) == 0 {
		return ""
	}
	return l.paths[len(l.paths)-1]
}

// scriptedProbe answers IsPortBound from a fixed sequence; the last answer
// repeats once the sequence runs out.
type scriptedProbe struct {
	mu      sync.Mutex
	answers []bool
	ports   []int
}

func (p *scriptedProbe) IsPortBound(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports = append(p.ports, port)
	if len(p.answers) == 0 {
		return false
	}
	ans := p.answers[0]
	if len(p.answers) > 1 {
		p.answers = p.answers[1:]
	}
	return ans
}

type countingReaper struct {
	calls      atomic.Int32
	terminated int
	names      chan string
}

func (r *countingReaper) KillByName(_ context.Context, name string) (reaper.Result, error) {
	r.calls.Add(1)
	if r.names != nil {
		r.names <- name
	}
	return reaper.Result{Matched: r.terminated, Terminated: r.terminated}, nil
}

func testProfile() model.ConnectionProfile {
	return model.ConnectionProfile{
		ServerConfig:     model.ServerPrimary,
		ServerAddress:    "relay.test",
		ServerPort:       15443,
		AuthToken:        "secret-token-123",
		LocalServicePort: 8080,
		RemotePort:       16000,
	}
}

func newTestSupervisor(t *testing.T, l Launcher, opts Options) *Supervisor {
	t.Helper()
	if opts.Probe == nil {
		opts.Probe = &scriptedProbe{}
	}
	if opts.Reaper == nil {
		opts.Reaper = &countingReaper{}
	}
	if opts.ConfigReadGrace == 0 {
		opts.ConfigReadGrace = 200 * time.Millisecond
	}
	if opts.ReapSettle == 0 {
		opts.ReapSettle = 300 * time.Millisecond
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 2 * time.Second
	}
	sup := New(l, opts)
	t.Cleanup(func() {
		_ = sup.Stop(context.Background())
		sup.events.Drain()
	})
	return sup
}

// collectUntil reads events until one of type typ arrives.
func collectUntil(t *testing.T, sup *Supervisor, typ events.Type) []events.Event {
	t.Helper()
	var got []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-sup.Events():
			got = append(got, evt)
			if evt.Type == typ {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event; got %+v", typ, got)
		}
	}
}

func countType(evts []events.Event, typ events.Type) int {
	n := 0
	for _, e := range evts {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestStartReportsSuccessOnceAfterMarkerLine(t *testing.T) {
	l := newScriptLauncher(t, strings.Join([]string{
		"echo starting",
		"echo connecting",
		"echo 'start proxy success'",
		"echo 'second SUCCESS line'",
		"exec sleep 30",
		"",
	}, "\n"))
	sup := newTestSupervisor(t, l, Options{})

	snap, err := sup.Start(context.Background(), testProfile())
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Greater(t, snap.PID, 0)

	evts := collectUntil(t, sup, events.TypeSuccess)
	var lines []string
	for _, e := range evts {
		if e.Type == events.TypeLog {
			lines = append(lines, e.Message)
		}
	}
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, []string{"starting", "connecting", "start proxy success"}, lines[len(lines)-3:])
	assert.Equal(t, model.SessionRunning, sup.State())

	require.NoError(t, sup.Stop(context.Background()))
	evts = append(evts, collectUntil(t, sup, events.TypeStopped)...)
	assert.Equal(t, 1, countType(evts, events.TypeSuccess))
	assert.Equal(t, 0, countType(evts, events.TypeFailed))
	assert.Equal(t, model.SessionStopped, sup.State())
}

func TestTransientConfigRemovedBeforeStartReturns(t *testing.T) {
	l := newScriptLauncher(t, "echo 'start proxy success'\nexec sleep 30\n")
	sup := newTestSupervisor(t, l, Options{})

	_, err := sup.Start(context.Background(), testProfile())
	require.NoError(t, err)

	path := l.lastPath()
	require.NotEmpty(t, path)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "config %s should be gone, stat err=%v", path, statErr)

	l.mu.Lock()
	content := l.contents[0]
	l.mu.Unlock()
	assert.Contains(t, content, "[tcp_16000]")
	assert.Contains(t, content, "token = secret-token-123")
}

func TestSpawnFailureRemovesConfigAndFails(t *testing.T) {
	l := newScriptLauncher(t, "exit 0\n")
	l.fail = errors.New("exec format error")
	sup := newTestSupervisor(t, l, Options{})

	snap, err := sup.Start(context.Background(), testProfile())
	require.ErrorIs(t, err, ErrSpawnFailure)
	assert.Equal(t, model.SessionFailed, snap.State)
	assert.Equal(t, model.ReasonSpawnFailure, snap.Reason)

	_, statErr := os.Stat(l.lastPath())
	assert.True(t, os.IsNotExist(statErr))

	evts := collectUntil(t, sup, events.TypeFailed)
	assert.Equal(t, model.ReasonSpawnFailure, evts[len(evts)-1].Reason)
}

func TestProcessExitWithoutSuccessFails(t *testing.T) {
	l := newScriptLauncher(t, "echo 'login to server failed: token mismatch'\nexit 1\n")
	sup := newTestSupervisor(t, l, Options{})

	_, err := sup.Start(context.Background(), testProfile())
	require.NoError(t, err)

	evts := collectUntil(t, sup, events.TypeFailed)
	assert.Equal(t, 0, countType(evts, events.TypeSuccess))
	last := evts[len(evts)-1]
	assert.Equal(t, model.ReasonProcessExited, last.Reason)

	snap := sup.Snapshot()
	assert.Equal(t, model.SessionFailed, snap.State)
	assert.Equal(t, model.ReasonProcessExited, snap.Reason)
	assert.Contains(t, snap.Diagnostic, "token mismatch")
	assert.Zero(t, snap.PID)
}

func TestExitAfterSuccessStillFails(t *testing.T) {
	l := newScriptLauncher(t, "echo 'start proxy success'\nsleep 0.2\necho 'connection lost'\nexit 0\n")
	sup := newTestSupervisor(t, l, Options{})

	_, err := sup.Start(context.Background(), testProfile())
	require.NoError(t, err)
	evts := collectUntil(t, sup, events.TypeFailed)
	assert.Equal(t, 1, countType(evts, events.TypeSuccess))
	assert.Equal(t, model.ReasonProcessExited, sup.Snapshot().Reason)
}

func TestStartThenImmediateStopEndsStopped(t *testing.T) {
	l := newScriptLauncher(t, "echo starting\nexec sleep 30\n")
	sup := newTestSupervisor(t, l, Options{})

	for i := 0; i < 3; i++ {
		_, err := sup.Start(context.Background(), testProfile())
		require.NoError(t, err)
		require.NoError(t, sup.Stop(context.Background()))
		assert.Equal(t, model.SessionStopped, sup.State())

		evts := collectUntil(t, sup, events.TypeStopped)
		assert.Equal(t, 0, countType(evts, events.TypeFailed), "run %d: %+v", i, evts)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	l := newScriptLauncher(t, "trap '' TERM\necho starting\nwhile :; do :; done\n")
	sup := newTestSupervisor(t, l, Options{StopTimeout: 300 * time.Millisecond})

	_, err := sup.Start(context.Background(), testProfile())
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, sup.Stop(context.Background()))
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, model.SessionStopped, sup.State())
}

func TestSecondStartIsRejected(t *testing.T) {
	l := newScriptLauncher(t, "echo starting\nexec sleep 30\n")
	sup := newTestSupervisor(t, l, Options{})

	first, err := sup.Start(context.Background(), testProfile())
	require.NoError(t, err)

	again, err := sup.Start(context.Background(), testProfile())
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, l.calls())
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	l := newScriptLauncher(t, "exit 0\n")
	sup := newTestSupervisor(t, l, Options{})

	require.NoError(t, sup.Stop(context.Background()))
	assert.Equal(t, model.SessionIdle, sup.State())
	assert.Empty(t, sup.Recent(events.Query{}))
}

func TestStopAfterFailureIsNoop(t *testing.T) {
	l := newScriptLauncher(t, "exit 2\n")
	sup := newTestSupervisor(t, l, Options{})

	_, err := sup.Start(context.Background(), testProfile())
	require.NoError(t, err)
	collectUntil(t, sup, events.TypeFailed)

	require.NoError(t, sup.Stop(context.Background()))
	assert.Equal(t, model.SessionFailed, sup.State())
	assert.Zero(t, countType(sup.Recent(events.Query{}), events.TypeStopped))
}

func TestInvalidPortsRejectedWithoutSideEffects(t *testing.T) {
	l := newScriptLauncher(t, "exit 0\n")
	sup := newTestSupervisor(t, l, Options{})

	for _, p := range []struct{ local, remote int }{{80, 16000}, {8080, 70000}, {0, 0}} {
		prof := testProfile()
		prof.LocalServicePort = p.local
		prof.RemotePort = p.remote
		_, err := sup.Start(context.Background(), prof)
		require.ErrorIs(t, err, ErrInvalidPort)
	}
	assert.Equal(t, model.SessionIdle, sup.State())
	assert.Zero(t, l.calls())
	assert.Empty(t, sup.Recent(events.Query{}))
}

func TestPortConflictReapsOnceThenFails(t *testing.T) {
	l := newScriptLauncher(t, "exit 0\n")
	probe := &scriptedProbe{answers: []bool{true}}
	rp := &countingReaper{terminated: 1, names: make(chan string, 1)}
	sup := newTestSupervisor(t, l, Options{Probe: probe, Reaper: rp, ProcessName: "frpc-test"})

	snap, err := sup.Start(context.Background(), testProfile())
	var conflict *PortConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, ErrPortConflict)
	assert.Equal(t, 16000, conflict.Port)
	assert.Equal(t, model.ReasonPortConflict, snap.Reason)
	assert.Equal(t, int32(1), rp.calls.Load())
	assert.Equal(t, "frpc-test", <-rp.names)
	assert.Zero(t, l.calls())
}

func TestPortConflictResolvedByReap(t *testing.T) {
	l := newScriptLauncher(t, "echo 'start proxy success'\nexec sleep 30\n")
	probe := &scriptedProbe{answers: []bool{true, true, false}}
	rp := &countingReaper{terminated: 1}
	sup := newTestSupervisor(t, l, Options{Probe: probe, Reaper: rp})

	_, err := sup.Start(context.Background(), testProfile())
	require.NoError(t, err)
	assert.Equal(t, int32(1), rp.calls.Load())
	assert.Equal(t, 1, l.calls())
	collectUntil(t, sup, events.TypeSuccess)
}

func TestProbeLocalPortOption(t *testing.T) {
	l := newScriptLauncher(t, "exit 0\n")
	probe := &scriptedProbe{answers: []bool{true}}
	sup := newTestSupervisor(t, l, Options{Probe: probe, ProbeLocalPort: true})

	_, err := sup.Start(context.Background(), testProfile())
	var conflict *PortConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 8080, conflict.Port)
}

func TestRedactAppliesToOutputLines(t *testing.T) {
	l := newScriptLauncher(t, "cat \"$2\"\nexec sleep 30\n")
	redact := func(s string) string { return strings.ReplaceAll(s, "secret-token-123", "se****") }
	sup := newTestSupervisor(t, l, Options{Redact: redact})

	snap, err := sup.Start(context.Background(), testProfile())
	require.NoError(t, err)
	assert.NotContains(t, snap.Profile.AuthToken, "secret-token-123")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sup.Recent(events.Query{Type: events.TypeLog})) > 5 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	var sawToken bool
	for _, e := range sup.Recent(events.Query{Type: events.TypeLog}) {
		assert.NotContains(t, e.Message, "secret-token-123")
		if strings.Contains(e.Message, "se****") {
			sawToken = true
		}
	}
	assert.True(t, sawToken, "expected the redacted token line in the log")
}

func TestStopWaitsForInFlightStart(t *testing.T) {
	l := newScriptLauncher(t, "sleep 0.5\necho starting\nexec sleep 30\n")
	sup := newTestSupervisor(t, l, Options{ConfigReadGrace: 3 * time.Second})

	type startResult struct {
		snap model.Session
		err  error
	}
	startDone := make(chan startResult, 1)
	go func() {
		snap, err := sup.Start(context.Background(), testProfile())
		startDone <- startResult{snap, err}
	}()
	require.Eventually(t, func() bool { return l.calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	stopCalled := time.Now()
	stopDone := make(chan error, 1)
	go func() { stopDone <- sup.Stop(context.Background()) }()

	res := <-startDone
	require.NoError(t, res.err)
	// Start finished its own transitions before Stop touched the session.
	assert.Equal(t, model.SessionStarting, res.snap.State)
	assert.Greater(t, res.snap.PID, 0)

	require.NoError(t, <-stopDone)
	assert.GreaterOrEqual(t, time.Since(stopCalled), 300*time.Millisecond)
	assert.Equal(t, model.SessionStopped, sup.State())
	assert.Equal(t, 1, l.calls())

	evts := collectUntil(t, sup, events.TypeStopped)
	assert.Zero(t, countType(evts, events.TypeFailed), "%+v", evts)
}

func TestStopGivesGracefulWindowWithCancelledContext(t *testing.T) {
	l := newScriptLauncher(t, strings.Join([]string{
		"trap 'echo graceful exit; exit 0' TERM",
		"echo starting",
		"while :; do sleep 0.1; done",
		"",
	}, "\n"))
	sup := newTestSupervisor(t, l, Options{})

	_, err := sup.Start(context.Background(), testProfile())
	require.NoError(t, err)
	collectUntil(t, sup, events.TypeLog)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sup.Stop(ctx))

	evts := collectUntil(t, sup, events.TypeStopped)
	var graceful bool
	for _, e := range evts {
		if e.Type == events.TypeLog && e.Message == "graceful exit" {
			graceful = true
		}
	}
	assert.True(t, graceful, "expected the TERM handler to run: %+v", evts)
	assert.Zero(t, countType(evts, events.TypeFailed))
}

func TestOverlongOutputLineStillReportsExit(t *testing.T) {
	l := newScriptLauncher(t, strings.Join([]string{
		"head -c 1200000 /dev/zero | tr '\\000' a",
		"echo",
		"echo 'after the long line'",
		"exit 3",
		"",
	}, "\n"))
	sup := newTestSupervisor(t, l, Options{})

	_, err := sup.Start(context.Background(), testProfile())
	require.NoError(t, err)

	evts := collectUntil(t, sup, events.TypeFailed)
	assert.Equal(t, model.ReasonProcessExited, evts[len(evts)-1].Reason)
	var warned bool
	for _, e := range evts {
		if e.Type == events.TypeLog && strings.Contains(e.Message, "too long") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestCloseReleasesUnreadEvents(t *testing.T) {
	l := newScriptLauncher(t, "exit 0\n")
	probe := &scriptedProbe{answers: []bool{true}}
	sup := newTestSupervisor(t, l, Options{Probe: probe})

	_, err := sup.Start(context.Background(), testProfile())
	require.ErrorIs(t, err, ErrPortConflict)

	done := make(chan error, 1)
	go func() { done <- sup.Close(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked on undelivered events")
	}
	_, ok := <-sup.Events()
	assert.False(t, ok, "event channel should be closed after Close")
}
