package subprocess

import "os"

// procSignal abstracts the OS signal used to terminate a process group so
// the escalation logic in runner.go stays platform-independent; the
// unix and windows procattr files provide the concrete values.
type procSignal int

// TerminateByPID sends a graceful termination signal to a process this
// runner does not hold an *exec.Cmd for, the shape the Task Scheduler
// and Recovery Supervisor need when all they have is a Task's recorded
// WorkerPID. A missing process yields the signal error; the callers
// (scheduler manual stop, recovery at startup) log it and treat the
// process as already gone.
func TerminateByPID(pid int) error {
	if pgid, err := getpgid(pid); err == nil {
		return signalGroup(pgid, signalTerm)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(termSignal())
}
