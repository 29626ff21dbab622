package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running engine child.
type Process interface {
	PID() int
	// Output streams the child's combined stdout and stderr until it exits.
	Output() io.Reader
	// Wait blocks until the child exits and returns its exit code.
	Wait() (int, error)
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher spawns the engine child for one identity.
type Launcher interface {
	Launch(identity string) (Process, error)
}

// ExecLauncher runs `<Binary> <Args...> run <identity>`.
type ExecLauncher struct {
	// Binary defaults to the running executable.
	Binary string
	// Args precede the run subcommand, e.g. a --config flag.
	Args []string
	Env  []string
	Dir  string
}

// Launch starts the child. It is not bound to any request context: the
// child outlives the call and is ended only through Stop.
func (l ExecLauncher) Launch(identity string) (Process, error) {
	binary := l.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		binary = self
	}
	args := append(append([]string(nil), l.Args...), "run", identity)
	cmd := exec.Command(binary, args...) //nolint:gosec
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Dir = l.Dir

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	return &execProcess{cmd: cmd, out: pr, pw: pw}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	out *io.PipeReader
	pw  *io.PipeWriter
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Output() io.Reader { return p.out }

// Wait reports a non-zero exit as a code, not an error.
func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	_ = p.pw.Close()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return code, fmt.Errorf("wait: %w", err)
	}
	return code, nil
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
