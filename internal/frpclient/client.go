// Package frpclient launches the external frpc binary.
//
// It does not speak the frp protocol. It starts `<binary> -c <config>` with
// stdout and stderr merged into one stream that the tunnel supervisor scans
// line by line, and gives the supervisor the handle it needs to signal and
// reap the process.
//
// Arguments are passed via argv (never through a shell), so config paths with
// spaces or metacharacters are safe.
package frpclient

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// Process is a running frpc instance.
//
// The caller owns its lifecycle: it must drain Output until EOF (or an error,
// which is how a PTY reports the child's exit) and then call Wait exactly once.
type Process struct {
	Cmd *exec.Cmd
	// Output carries stdout and stderr interleaved in write order.
	Output io.ReadCloser
}

// PID returns the OS process id, or 0 if the process never started.
func (p *Process) PID() int {
	if p == nil || p.Cmd == nil || p.Cmd.Process == nil {
		return 0
	}
	return p.Cmd.Process.Pid
}

// Terminate asks the process to exit gracefully.
func (p *Process) Terminate() error {
	if p.PID() == 0 {
		return nil
	}
	return terminate(p.Cmd.Process)
}

// Kill forcefully stops the process.
func (p *Process) Kill() error {
	if p.PID() == 0 {
		return nil
	}
	err := p.Cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait reaps the process and releases the output stream.
func (p *Process) Wait() error {
	err := p.Cmd.Wait()
	_ = p.Output.Close()
	return err
}

// Client creates frpc processes. It is stateless and safe for concurrent use.
type Client struct {
	// Binary is an absolute path or a name resolved via PATH.
	Binary string
	// UsePTY runs frpc on a pseudo-terminal so a child that block-buffers
	// non-tty output still flushes line by line.
	UsePTY bool
}

// New creates a client for the given frpc binary.
func New(binary string) *Client { return &Client{Binary: binary} }

// EnsureBinary checks that the frpc binary can be found.
//
// Call it early to turn a missing install into a clear message rather than a
// spawn failure after the port checks ran.
func (c *Client) EnsureBinary() error {
	if _, err := exec.LookPath(c.Binary); err != nil {
		return fmt.Errorf("frpc binary %q not found: %w", c.Binary, err)
	}
	return nil
}

// BuildArgs returns frpc's argv (without the binary) for a config file.
//
// Example output: ["-c", "/tmp/frpc-manager-123/frpc.ini"]
func (c *Client) BuildArgs(configPath string) []string {
	return []string{"-c", configPath}
}

// Launch starts frpc with the given config file.
//
// The process gets no stdin. It is not tied to a context: stopping it is an
// explicit Terminate/Kill by the supervisor so that the first attempt can be
// graceful.
func (c *Client) Launch(configPath string) (*Process, error) {
	cmd := exec.Command(c.Binary, c.BuildArgs(configPath)...)
	cmd.Stdin = nil
	configureSysProcAttr(cmd)

	if c.UsePTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		return &Process{Cmd: cmd, Output: f}, nil
	}

	// One pipe for both streams keeps stdout and stderr lines in the order
	// frpc wrote them.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	// The child holds its own copy of the write end; closing ours makes the
	// reader see EOF once frpc exits.
	_ = w.Close()
	return &Process{Cmd: cmd, Output: r}, nil
}
