//go:build windows

package supervisor

// canSuspend is false: pausing relies on the engine's cooperative flag.
const canSuspend = false

// terminate kills the child; Windows has no catchable termination signal.
func terminate(p Process) error { return p.Kill() }

func suspend(Process) error { return nil }

func resume(Process) error { return nil }
