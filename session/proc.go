package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Proc is one spawned child process with independent stdin, stdout, and stderr
// pipes. It owns signaling and the two-phase terminate; it knows nothing about
// histories or subscribers.
//
// The pipes are created with os.Pipe rather than the exec.Cmd helpers so that
// Wait never closes them out from under a pump goroutine; readers see a plain
// EOF when the child exits.
type Proc struct {
	log   *zap.SugaredLogger
	cmd   *exec.Cmd
	grace time.Duration

	stdout io.ReadCloser
	stderr io.ReadCloser

	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	termOnce      sync.Once
	termRequested atomic.Bool

	done    chan struct{}
	waitErr error
}

// StartProc spawns command in workDir. The returned Proc is already running;
// the caller must drain Stdout and Stderr. Failures to spawn are reported as
// *SpawnError.
func StartProc(log *zap.SugaredLogger, command []string, workDir string, grace time.Duration) (*Proc, error) {
	if len(command) == 0 {
		return nil, &SpawnError{Command: "", Err: fmt.Errorf("empty command")}
	}
	name := command[0]
	// A relative tool path like ./gradlew lives in the project, not in the
	// daemon's own working directory.
	if strings.Contains(name, string(os.PathSeparator)) && !filepath.IsAbs(name) {
		name = filepath.Join(workDir, name)
	}

	info, err := os.Stat(workDir)
	if err != nil {
		return nil, &SpawnError{Command: name, Err: fmt.Errorf("working directory %s: %w", workDir, err)}
	}
	if !info.IsDir() {
		return nil, &SpawnError{Command: name, Err: fmt.Errorf("working directory %s is not a directory", workDir)}
	}

	cmd := exec.Command(name, command[1:]...)
	cmd.Dir = workDir
	// Own process group, so terminate/kill reaches helper processes the tool
	// spawns (Gradle forks worker JVMs).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: name, Err: fmt.Errorf("creating stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, &SpawnError{Command: name, Err: fmt.Errorf("creating stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Command: name, Err: fmt.Errorf("creating stderr pipe: %w", err)}
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	p := &Proc{
		log:    log,
		cmd:    cmd,
		grace:  grace,
		stdout: stdoutR,
		stderr: stderrR,
		stdin:  stdinW,
		done:   make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &SpawnError{Command: name, Err: err}
	}

	// The child holds its own copies of these ends now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	log.Debugw("process started", "PID", cmd.Process.Pid, "Command", name)

	go func() {
		err := cmd.Wait()
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				log.Debugf("unexpected wait error: %s", err)
			}
		}
		p.waitErr = err
		p.closeStdin()
		close(p.done)
	}()

	return p, nil
}

func (p *Proc) PID() int {
	return p.cmd.Process.Pid
}

// Stdout is the process's standard output. It EOFs when the child exits.
func (p *Proc) Stdout() io.Reader { return p.stdout }

// Stderr is the process's standard error. It EOFs when the child exits.
func (p *Proc) Stderr() io.Reader { return p.stderr }

// Done is closed once the process has exited and been reaped.
func (p *Proc) Done() <-chan struct{} { return p.done }

// ExitCode is only meaningful after Done is closed. A process killed by signal
// reports -1.
func (p *Proc) ExitCode() int {
	return p.cmd.ProcessState.ExitCode()
}

// WaitErr is the error from reaping the process, only meaningful after Done.
func (p *Proc) WaitErr() error { return p.waitErr }

// TermRequested reports whether Terminate was called, which distinguishes an
// operator stop from a process failing on its own.
func (p *Proc) TermRequested() bool { return p.termRequested.Load() }

// Write forwards p to the process's stdin. Once the process has exited the
// pipe is closed and writes fail.
func (p *Proc) Write(b []byte) (int, error) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdinClosed {
		return 0, fmt.Errorf("stdin closed: process exited")
	}
	return p.stdin.Write(b)
}

func (p *Proc) closeStdin() {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if !p.stdinClosed {
		p.stdin.Close()
		p.stdinClosed = true
	}
}

// Terminate sends a graceful termination signal and arms the grace timer.
// If the process has not exited when the timer fires, the whole process group
// is forcefully killed. Terminate returns immediately; the exit is observed
// through Done. Calling it more than once is a no-op.
func (p *Proc) Terminate() {
	p.termOnce.Do(func() {
		p.termRequested.Store(true)
		p.log.Debugw("sending graceful termination", "PID", p.cmd.Process.Pid, "Grace", p.grace)
		p.signalGroup(syscall.SIGTERM)

		timer := time.AfterFunc(p.grace, func() {
			// Build/simulation tooling is known to ignore SIGTERM.
			p.log.Debugw("grace period elapsed, killing process group", "PID", p.cmd.Process.Pid)
			p.signalGroup(syscall.SIGKILL)
		})
		go func() {
			<-p.done
			timer.Stop()
		}()
	})
}

// Kill skips the grace period.
func (p *Proc) Kill() {
	p.termRequested.Store(true)
	p.signalGroup(syscall.SIGKILL)
}

func (p *Proc) signalGroup(sig syscall.Signal) {
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		// Group already gone; try the process directly.
		if err := p.cmd.Process.Signal(sig); err != nil {
			p.log.Debugf("signaling pid %d: %s", pid, err)
		}
	}
}
