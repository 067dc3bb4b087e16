package agent

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
	"syscall"
)

// ShellRunner abstracts shell execution so tests can substitute a mock.
type ShellRunner interface {
	// Run executes command in dir, invoking onLine for each output line,
	// and returns the combined output and exit code. Cancelling ctx kills
	// the whole process group.
	Run(ctx context.Context, dir, command string, onLine func(string)) (output string, exitCode int, err error)
}

// ExecShellRunner runs commands through bash. Setpgid puts the child in
// its own process group so an abort kills the full pipeline, not just
// bash.
type ExecShellRunner struct{}

// Run implements ShellRunner.
func (r *ExecShellRunner) Run(ctx context.Context, dir, command string, onLine func(string)) (string, int, error) {
	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", -1, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", -1, err
	}

	killed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Negative pid signals the process group.
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		case <-killed:
		}
	}()

	var buf strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}

	waitErr := cmd.Wait()
	close(killed)

	if ctx.Err() != nil {
		return buf.String(), -1, ctx.Err()
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return buf.String(), exitErr.ExitCode(), nil
		}
		return buf.String(), -1, waitErr
	}
	return buf.String(), 0, nil
}
