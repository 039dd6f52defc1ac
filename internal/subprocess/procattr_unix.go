//go:build unix

package subprocess

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the child in its own process group so signals sent
// to the whole group reach any descendants it spawns.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

var (
	signalTerm procSignal = procSignal(syscall.SIGTERM)
	signalKill procSignal = procSignal(syscall.SIGKILL)
)

func signalGroup(pid int, sig procSignal) error {
	return syscall.Kill(-pid, syscall.Signal(sig))
}

func getpgid(pid int) (int, error) {
	return syscall.Getpgid(pid)
}

func termSignal() syscall.Signal {
	return syscall.SIGTERM
}
