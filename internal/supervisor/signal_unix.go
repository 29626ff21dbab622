//go:build !windows

package supervisor

import "syscall"

// canSuspend reports whether Pause can stop the child at the OS level.
const canSuspend = true

// terminate asks the child to exit. SIGCONT follows so that a suspended
// child wakes up to handle the SIGTERM.
func terminate(p Process) error {
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	return p.Signal(syscall.SIGCONT)
}

func suspend(p Process) error { return p.Signal(syscall.SIGSTOP) }

func resume(p Process) error { return p.Signal(syscall.SIGCONT) }
