//go:build windows

package subprocess

import (
	"errors"
	"os"
	"os/exec"
)

func setProcGroup(cmd *exec.Cmd) {}

var (
	signalTerm procSignal = 0
	signalKill procSignal = 0
)

func signalGroup(pid int, sig procSignal) error {
	return errors.New("process-group signaling not supported on windows")
}

func getpgid(pid int) (int, error) {
	return 0, errors.New("getpgid not supported on windows")
}

func termSignal() os.Signal {
	return os.Kill
}
