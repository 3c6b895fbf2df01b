// Package tunnel supervises a single frpc session: port probing, stale
// process reaping, config materialization, output monitoring, and shutdown.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/treykane/frpc-manager/internal/appconfig"
	"github.com/treykane/frpc-manager/internal/events"
	"github.com/treykane/frpc-manager/internal/frpclient"
	"github.com/treykane/frpc-manager/internal/frpconfig"
	"github.com/treykane/frpc-manager/internal/model"
	"github.com/treykane/frpc-manager/internal/reaper"
	"github.com/treykane/frpc-manager/internal/util"
)

var (
	ErrInvalidPort    = errors.New("invalid port")
	ErrAlreadyRunning = errors.New("a tunnel session is already active")
	ErrPortConflict   = errors.New("port conflict")
	ErrSpawnFailure   = errors.New("failed to start frpc")
	ErrProcessExited  = errors.New("frpc exited")
)

// PortConflictError reports a probe port that stayed bound after reaping.
type PortConflictError struct {
	Port int
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("port %d is occupied by another program", e.Port)
}

func (e *PortConflictError) Is(target error) bool { return target == ErrPortConflict }

// Launcher abstracts frpc process creation for testing.
type Launcher interface {
	Launch(configPath string) (*frpclient.Process, error)
}

// PortChecker reports whether a local TCP port is taken.
type PortChecker interface {
	IsPortBound(port int) bool
}

// ProcessReaper terminates processes by image name.
type ProcessReaper interface {
	KillByName(ctx context.Context, name string) (reaper.Result, error)
}

// Recorder receives session metrics. *monitor.Metrics implements it.
type Recorder interface {
	SessionStarted()
	SessionFailed(reason model.FailureReason)
	SessionSucceeded(elapsed time.Duration)
	Reaped(n int)
	OutputLine()
	SetState(s model.SessionState)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted() {}
func (nopRecorder) SessionFailed(model.FailureReason) {}
func (nopRecorder) SessionSucceeded(time.Duration) {}
func (nopRecorder) Reaped(int) {}
func (nopRecorder) OutputLine() {}
func (nopRecorder) SetState(model.SessionState) {}

// Options configures a Supervisor. Zero values take the package defaults.
type Options struct {
	// ProcessName is the image name reaped on a port conflict.
	ProcessName   string
	SuccessMarker string
	// ProbeLocalPort probes the local service port instead of the remote port.
	// The remote port is the default because a stale frpc from an earlier
	// session is what usually holds it, and that is what reaping can clear.
	ProbeLocalPort  bool
	ConfigReadGrace time.Duration
	ReapSettle      time.Duration
	StopTimeout     time.Duration
	// Backlog is the number of recent events kept for Recent.
	Backlog int

	Probe   PortChecker
	Reaper  ProcessReaper
	Metrics Recorder
	// Redact is applied to every output line and error message before it
	// leaves the supervisor.
	Redact func(string) string
}

// OptionsFromConfig maps the tunnel section of the app config onto Options.
func OptionsFromConfig(cfg appconfig.Config) Options {
	return Options{
		ProcessName:     cfg.Binary.ProcessName,
		SuccessMarker:   cfg.Tunnel.SuccessMarker,
		ProbeLocalPort:  cfg.Tunnel.ProbePort == appconfig.ProbeLocalPort,
		ConfigReadGrace: cfg.ConfigReadGrace(),
		ReapSettle:      cfg.ReapSettle(),
		StopTimeout:     cfg.StopTimeout(),
		Backlog:         cfg.UI.LogLines,
	}
}

func (o *Options) setDefaults() {
	if strings.TrimSpace(o.ProcessName) == "" {
		o.ProcessName = util.DefaultProcessName()
	}
	if strings.TrimSpace(o.SuccessMarker) == "" {
		o.SuccessMarker = util.DefaultSuccessMarker
	}
	if o.ConfigReadGrace <= 0 {
		o.ConfigReadGrace = util.DefaultConfigReadGrace
	}
	if o.ReapSettle <= 0 {
		o.ReapSettle = util.DefaultReapSettle
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = util.DefaultStopTimeout
	}
	if o.Probe == nil {
		o.Probe = util.PortProbe{}
	}
	if o.Reaper == nil {
		o.Reaper = reaper.New()
	}
	if o.Metrics == nil {
		o.Metrics = nopRecorder{}
	}
	if o.Redact == nil {
		o.Redact = func(s string) string { return s }
	}
}

// Supervisor owns at most one frpc process at a time.
//
// Start and Stop are serialized against each other. Every state change and
// every event is made under mu, so the event order matches the order in which
// state changed.
type Supervisor struct {
	opMu sync.Mutex

	mu       sync.Mutex
	launcher Launcher
	opts     Options
	session  model.Session
	proc     *frpclient.Process
	exited   chan struct{}
	diag     []string
	events   *events.Stream
}

// New creates an idle supervisor.
func New(launcher Launcher, opts Options) *Supervisor {
	opts.setDefaults()
	return &Supervisor{
		launcher: launcher,
		opts:     opts,
		session:  model.Session{State: model.SessionIdle},
		events:   events.NewStream(opts.Backlog),
	}
}

// Events returns the ordered event channel. It has a single consumer.
func (s *Supervisor) Events() <-chan events.Event { return s.events.C() }

// Recent returns retained events matching q.
func (s *Supervisor) Recent(q events.Query) []events.Event { return s.events.Recent(q) }

// State returns the current session state.
func (s *Supervisor) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.State
}

// Snapshot returns a copy of the current session.
func (s *Supervisor) Snapshot() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() model.Session {
	out := s.session
	if out.State.Active() && !out.StartedAt.IsZero() {
		out.UptimeSec = int64(time.Since(out.StartedAt).Seconds())
	}
	if out.State == model.SessionFailed && out.Diagnostic == "" && len(s.diag) > 0 {
		out.Diagnostic = strings.Join(s.diag, "\n")
	}
	return out
}

// Start launches frpc for profile.
//
// The call returns once frpc has read its config (first output line, exit, or
// the read grace elapsed); by then the transient config file is gone. Tunnel
// confirmation arrives later as a Success event.
func (s *Supervisor) Start(ctx context.Context, profile model.ConnectionProfile) (model.Session, error) {
	if err := util.ValidatePort(profile.LocalServicePort); err != nil {
		return s.Snapshot(), fmt.Errorf("%w: local port: %v", ErrInvalidPort, err)
	}
	if err := util.ValidatePort(profile.RemotePort); err != nil {
		return s.Snapshot(), fmt.Errorf("%w: remote port: %v", ErrInvalidPort, err)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	probePort := profile.RemotePort
	if s.opts.ProbeLocalPort {
		probePort = profile.LocalServicePort
	}

	s.mu.Lock()
	if s.session.State.Active() {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, fmt.Errorf("%w (state %s)", ErrAlreadyRunning, snap.State)
	}
	shown := profile
	shown.AuthToken = util.MaskSecret(profile.AuthToken)
	s.session = model.Session{
		ID:        uuid.NewString(),
		Profile:   shown,
		ProbePort: probePort,
		StartedAt: time.Now(),
	}
	s.diag = nil
	s.setStateLocked(model.SessionStarting)
	s.mu.Unlock()
	s.opts.Metrics.SessionStarted()
	slog.Info("starting frpc session", "profile", shown.String(), "probe_port", probePort)

	if s.opts.Probe.IsPortBound(probePort) {
		if s.stillBoundAfterReap(ctx, probePort) {
			err := &PortConflictError{Port: probePort}
			return s.fail(model.ReasonPortConflict, err), err
		}
	}

	path, err := frpconfig.WriteTransient(frpconfig.Render(profile))
	if err != nil {
		err = fmt.Errorf("write frpc config: %w", err)
		return s.fail(model.ReasonConfigError, err), err
	}
	defer frpconfig.Cleanup(path)

	proc, err := s.launcher.Launch(path)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSpawnFailure, err)
		return s.fail(model.ReasonSpawnFailure, err), err
	}

	consumed := make(chan struct{})
	exited := make(chan struct{})
	s.mu.Lock()
	s.proc = proc
	s.exited = exited
	s.session.PID = proc.PID()
	id := s.session.ID
	s.emitLocked(events.TypeLog, fmt.Sprintf("frpc started (pid %d)", proc.PID()))
	s.mu.Unlock()

	go s.watch(id, proc, consumed, exited)

	grace := time.NewTimer(s.opts.ConfigReadGrace)
	defer grace.Stop()
	select {
	case <-consumed:
	case <-grace.C:
	case <-ctx.Done():
	}
	return s.Snapshot(), nil
}

// stillBoundAfterReap runs one reap pass and then polls the port for the
// settle window. It reports whether the port is still taken.
func (s *Supervisor) stillBoundAfterReap(ctx context.Context, port int) bool {
	res, err := s.opts.Reaper.KillByName(ctx, s.opts.ProcessName)
	if err != nil {
		slog.Warn("reap stale frpc failed", "name", s.opts.ProcessName, "error", err)
	}
	s.opts.Metrics.Reaped(res.Terminated)

	s.mu.Lock()
	s.emitLocked(events.TypeLog, fmt.Sprintf("port %d in use; terminated %d stale %s process(es)", port, res.Terminated, s.opts.ProcessName))
	s.mu.Unlock()

	if res.Terminated == 0 {
		return s.opts.Probe.IsPortBound(port)
	}
	deadline := time.Now().Add(s.opts.ReapSettle)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if !s.opts.Probe.IsPortBound(port) {
			return false
		}
		if time.Now().After(deadline) {
			return true
		}
		select {
		case <-ctx.Done():
			return s.opts.Probe.IsPortBound(port)
		case <-tick.C:
		}
	}
}

func (s *Supervisor) watch(id string, proc *frpclient.Process, consumed, exited chan struct{}) {
	defer close(exited)
	var once sync.Once
	markConsumed := func() { once.Do(func() { close(consumed) }) }
	defer markConsumed()

	launched := time.Now()
	confirmed := false
	sc := bufio.NewScanner(proc.Output)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		markConsumed()
		line := s.opts.Redact(strings.TrimRight(sc.Text(), "\r"))
		s.opts.Metrics.OutputLine()
		s.mu.Lock()
		if s.session.ID != id {
			s.mu.Unlock()
			continue
		}
		s.appendDiagLocked(line)
		s.emitLocked(events.TypeLog, line)
		if !confirmed && util.ContainsFold(line, s.opts.SuccessMarker) {
			confirmed = true
			if s.session.State == model.SessionStarting {
				s.setStateLocked(model.SessionRunning)
				s.emitLocked(events.TypeSuccess, "tunnel established")
				s.opts.Metrics.SessionSucceeded(time.Since(launched))
			}
		}
		s.mu.Unlock()
	}
	// A PTY reports the child's exit as EIO rather than EOF.
	if err := sc.Err(); err != nil {
		slog.Debug("frpc output ended", "error", err)
		if errors.Is(err, bufio.ErrTooLong) {
			markConsumed()
			s.mu.Lock()
			if s.session.ID == id {
				s.emitLocked(events.TypeLog, "frpc output line too long; discarding further output")
			}
			s.mu.Unlock()
			// frpc blocks on a full pipe, so keep reading until it exits.
			_, _ = io.Copy(io.Discard, proc.Output)
		}
	}

	waitErr := proc.Wait()
	s.finish(id, waitErr)
}

func (s *Supervisor) finish(id string, waitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.ID != id {
		return
	}
	s.proc = nil
	switch s.session.State {
	case model.SessionStarting, model.SessionRunning:
		msg := ErrProcessExited.Error() + " before the tunnel was stopped"
		if waitErr != nil {
			msg = fmt.Errorf("%w: %v", ErrProcessExited, waitErr).Error()
		}
		s.session.Reason = model.ReasonProcessExited
		s.session.LastError = msg
		s.session.Diagnostic = strings.Join(s.diag, "\n")
		s.session.PID = 0
		s.setStateLocked(model.SessionFailed)
		s.opts.Metrics.SessionFailed(model.ReasonProcessExited)
		s.emitLocked(events.TypeFailed, msg)
		slog.Warn("frpc session failed", "session", id, "error", msg)
	default:
		// Stopping: Stop finalizes the session.
	}
}

// Stop terminates the current frpc process.
//
// It sends a graceful termination, waits up to the stop timeout, then kills.
// The graceful wait always runs; ctx only cuts short the wait after the kill.
// Stop is a no-op when no session is active.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.session.State.Active() {
		s.mu.Unlock()
		return nil
	}
	proc := s.proc
	exited := s.exited
	id := s.session.ID
	s.setStateLocked(model.SessionStopping)
	s.mu.Unlock()

	var stopErr error
	if proc != nil {
		pid := proc.PID()
		if err := proc.Terminate(); err != nil {
			slog.Warn("terminate frpc failed", "pid", pid, "error", err)
		}
		if !waitExit(context.Background(), exited, s.opts.StopTimeout) {
			slog.Warn("frpc did not exit after terminate; killing", "pid", pid)
			if err := proc.Kill(); err != nil {
				slog.Warn("kill frpc failed", "pid", pid, "error", err)
			}
			if !waitExit(ctx, exited, s.opts.StopTimeout) {
				stopErr = fmt.Errorf("frpc (pid %d) did not exit", pid)
			}
		}
	}

	s.mu.Lock()
	s.proc = nil
	s.session.PID = 0
	s.setStateLocked(model.SessionStopped)
	s.emitLocked(events.TypeStopped, "frpc stopped")
	s.mu.Unlock()
	slog.Info("frpc session stopped", "session", id)
	return stopErr
}

// Close stops any active session and shuts the event stream down. Events the
// consumer has not read yet are discarded and Events is closed on return.
func (s *Supervisor) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.events.Drain()
	return err
}

func waitExit(ctx context.Context, exited <-chan struct{}, d time.Duration) bool {
	if exited == nil {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-exited:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) fail(reason model.FailureReason, err error) model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Reason = reason
	s.session.LastError = s.opts.Redact(err.Error())
	s.setStateLocked(model.SessionFailed)
	s.opts.Metrics.SessionFailed(reason)
	s.emitLocked(events.TypeFailed, s.session.LastError)
	slog.Warn("frpc session failed", "reason", reason, "error", s.session.LastError)
	return s.snapshotLocked()
}

func (s *Supervisor) setStateLocked(st model.SessionState) {
	s.session.State = st
	s.opts.Metrics.SetState(st)
}

func (s *Supervisor) appendDiagLocked(line string) {
	s.diag = append(s.diag, line)
	if len(s.diag) > util.DiagnosticLines {
		s.diag = s.diag[len(s.diag)-util.DiagnosticLines:]
	}
}

func (s *Supervisor) emitLocked(typ events.Type, msg string) {
	s.events.Publish(events.Event{
		SessionID: s.session.ID,
		Type:      typ,
		State:     s.session.State,
		Reason:    s.session.Reason,
		Message:   msg,
		PID:       s.session.PID,
	})
}
