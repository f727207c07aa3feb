// internal/process/process.go
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Shutdown grace periods.
var (
	InterruptGrace = 5 * time.Second
	TerminateGrace = 3 * time.Second
	stderrGrace    = time.Second
)

// Process is a child process in its own process group whose stdout is read
// by the caller and whose stderr is kept as a bounded tail.
type Process struct {
	Key string
	Cmd *exec.Cmd
	PID int

	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	stderrR *os.File
	stderr  *Ring

	mu      sync.Mutex
	done    chan struct{}
	running bool
	exitErr error
}

// Start launches cmd. stderrLines bounds the kept stderr tail.
func Start(key string, cmd *exec.Cmd, stderrLines int) (*Process, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, err
	}

	p := &Process{
		Key:     key,
		Cmd:     cmd,
		PID:     cmd.Process.Pid,
		Stdin:   stdin,
		Stdout:  stdoutR,
		stderrR: stderrR,
		stderr:  NewRing(stderrLines),
		done:    make(chan struct{}),
		running: true,
	}
	go p.supervise()
	return p, nil
}

func (p *Process) supervise() {
	var g errgroup.Group
	g.Go(p.pumpStderr)
	g.Go(func() error {
		err := p.Cmd.Wait()
		// Descendants may keep stderr open after the child exits.
		time.AfterFunc(stderrGrace, func() { p.stderrR.Close() })
		return err
	})
	err := g.Wait()

	p.mu.Lock()
	p.running = false
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) pumpStderr() error {
	defer p.stderrR.Close()
	scanner := bufio.NewScanner(p.stderrR)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.stderr.Add(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.stderr.Add("stderr read error: " + err.Error())
	}
	return nil
}

// IsRunning returns whether the process is running.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stderr returns the kept stderr tail.
func (p *Process) Stderr() []string {
	return p.stderr.Lines()
}

// ExitErr returns the error of Cmd.Wait once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitCode returns the exit code, or -1 while running or when killed.
func (p *Process) ExitCode() int {
	if p.IsRunning() || p.Cmd.ProcessState == nil {
		return -1
	}
	return p.Cmd.ProcessState.ExitCode()
}

// Signal sends sig to the whole process group.
func (p *Process) Signal(sig syscall.Signal) error {
	if !p.IsRunning() {
		return nil
	}
	if err := syscall.Kill(-p.PID, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// GracefulShutdown sends SIGINT, then SIGTERM, then SIGKILL, waiting a grace
// period between steps.
func (p *Process) GracefulShutdown(ctx context.Context) error {
	if !p.IsRunning() {
		return nil
	}
	p.Stdin.Close()

	for _, step := range []struct {
		sig   syscall.Signal
		grace time.Duration
	}{{syscall.SIGINT, InterruptGrace}, {syscall.SIGTERM, TerminateGrace}} {
		p.Signal(step.sig)
		timer := time.NewTimer(step.grace)
		select {
		case <-p.done:
			timer.Stop()
			return nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			p.Signal(syscall.SIGKILL)
			return ctx.Err()
		}
	}

	if err := p.Signal(syscall.SIGKILL); err != nil {
		return err
	}
	<-p.done
	return nil
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.ExitErr()
}

// Done returns a channel that closes when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}
