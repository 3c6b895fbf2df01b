//go:build !windows

package frpclient

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func terminate(p *os.Process) error {
	err := p.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func configureSysProcAttr(*exec.Cmd) {}
