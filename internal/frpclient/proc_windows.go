//go:build windows

package frpclient

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

const createNoWindow = 0x08000000

// Windows has no SIGTERM for console-less children; TerminateProcess is the
// only request available.
func terminate(p *os.Process) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// frpc is a console program; keep it from flashing a console window.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: createNoWindow}
}
