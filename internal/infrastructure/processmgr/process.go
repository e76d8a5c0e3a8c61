//go:build linux

package processmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrSpawn wraps failures to launch the command.
	ErrSpawn = errors.New("process spawn failed")
	// ErrKillFailed is returned by Close when the process group survived
	// SIGTERM and SIGKILL.
	ErrKillFailed = errors.New("process did not terminate")
)

const (
	defaultTermGrace = 3 * time.Second
	defaultKillGrace = 2 * time.Second

	stdoutChunk = 64 * 1024
)

// Process supervises one external command whose stdout is a raw byte stream
// (forwarded to a detachable sink) and whose stderr is diagnostic text
// (appended line by line to a LogBuffer).
//
// Canonical usage:
//
//	p → Start() → stream flows into sink → Detach() → Close()
//
// Done() is closed once the child has been reaped; Err() then reports how it
// exited.
type Process struct {
	log    *zap.Logger
	logBuf *LogBuffer

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	sinkMu   sync.Mutex
	sink     io.Writer
	detached atomic.Bool

	done      chan struct{}
	exitErr   error
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	started atomic.Bool
	pid     atomic.Int64

	TermGrace time.Duration // SIGTERM → SIGKILL escalation delay
	KillGrace time.Duration // how long to wait for reaping after SIGKILL
}

// NewProcess prepares argv for execution without starting it.
//
// Linux-specific attributes are applied:
//   - Setpgid: isolates the child into its own process group
//   - Pdeathsig: ensures the child receives SIGKILL if the parent dies
func NewProcess(log *zap.Logger, logBuf *LogBuffer, sink io.Writer, env, argv []string) (*Process, error) {
	if log == nil || logBuf == nil || len(argv) == 0 {
		return nil, fmt.Errorf("%w: invalid parameters", ErrSpawn)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, stderr, err := pipes(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	return &Process{
		log:       log,
		logBuf:    logBuf,
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
		sink:      sink,
		done:      make(chan struct{}),
		TermGrace: defaultTermGrace,
		KillGrace: defaultKillGrace,
	}, nil
}

// Start launches the command exactly once. Subsequent calls return nil.
func (p *Process) Start() error {
	var err error

	p.startOnce.Do(func() {
		if err = p.cmd.Start(); err != nil {
			_ = p.stdout.Close()
			_ = p.stderr.Close()
			err = fmt.Errorf("%w: %w", ErrSpawn, err)
			return
		}

		pid := p.cmd.Process.Pid
		p.started.Store(true)
		p.pid.Store(int64(pid))

		p.log.Info("process started", zap.Int("cmd_pid", pid))
		go p.supervise()
	})

	return err
}

// Pid returns the child's pid, or 0 before Start.
func (p *Process) Pid() int { return int(p.pid.Load()) }

// Done is closed after the process is fully reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error (nil on a clean exit). Valid after Done.
func (p *Process) Err() error {
	<-p.done
	return p.exitErr
}

// Detach stops forwarding stdout to the sink. Later output is discarded so
// the child never blocks on a full pipe. Idempotent.
func (p *Process) Detach() {
	p.sinkMu.Lock()
	p.sink = nil
	p.sinkMu.Unlock()
	p.detached.Store(true)
}

// Detached reports whether Detach has been called.
func (p *Process) Detached() bool { return p.detached.Load() }

// supervise drains both pipes, reaps the child once and fires Done.
//
// On Linux, pipe closure frequently precedes actual process exit. If only
// one pipe closes and the other stays open past a short grace window the
// child is considered unhealthy and is shut down.
func (p *Process) supervise() {
	pipeDone := make(chan string, 2)

	go func() {
		p.handleStdout()
		pipeDone <- "stdout"
	}()
	go func() {
		p.handleStderr()
		pipeDone <- "stderr"
	}()

	first := <-pipeDone
	p.log.Debug("first pipe ended", zap.String("pipe", first))

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	select {
	case second := <-pipeDone:
		p.log.Debug("second pipe ended", zap.String("pipe", second))
	case <-ctx.Done():
		p.log.Warn("second pipe did not close in grace interval; issuing shutdown")
		go func() { _ = p.Close() }()
		second := <-pipeDone
		p.log.Debug("second pipe ended", zap.String("pipe", second))
	}

	if err := p.cmd.Wait(); err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			status := eerr.ProcessState.Sys().(syscall.WaitStatus)
			p.log.Info("process exited with error status",
				zap.Int("exit_code", status.ExitStatus()),
				zap.Bool("signaled", status.Signaled()),
				zap.String("signal", status.Signal().String()))
		} else {
			p.log.Error("failed to wait for process", zap.Error(err))
		}
		p.exitErr = err
	} else {
		p.log.Info("process exited cleanly")
	}

	close(p.done)
}

// handleStdout copies raw stdout chunks into the sink while attached.
func (p *Process) handleStdout() {
	buf := make([]byte, stdoutChunk)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			p.sinkMu.Lock()
			if p.sink != nil {
				_, _ = p.sink.Write(buf[:n])
			}
			p.sinkMu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
				p.log.Error("stdout read failure", zap.Error(err))
			}
			return
		}
	}
}

// handleStderr streams stderr lines into the log buffer.
func (p *Process) handleStderr() {
	sc := bufio.NewScanner(p.stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		p.logBuf.Append(sc.Text())
	}

	if err := sc.Err(); err != nil {
		p.log.Error("stderr scanner failure", zap.Error(err))
	}
}

// Close terminates the process group and blocks until the child is reaped:
//
//   - sends SIGTERM to the process group
//   - escalates to SIGKILL after TermGrace if still alive
//   - returns ErrKillFailed if the child is still not reaped after KillGrace
//
// Close is idempotent and concurrency-safe; every call returns the first
// call's result.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.terminate()
	})
	if p.closeErr == nil && p.started.Load() {
		<-p.done
	}
	return p.closeErr
}

func (p *Process) terminate() error {
	if !p.started.Load() {
		return nil
	}

	select {
	case <-p.done:
		return nil
	default:
	}

	pid := p.Pid()
	p.log.Info("sending SIGTERM", zap.Int("cmd_pid", pid))
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		p.log.Warn("SIGTERM failed", zap.Error(err), zap.Int("cmd_pid", pid))
	}

	term := time.NewTimer(p.TermGrace)
	defer term.Stop()

	select {
	case <-p.done:
		p.log.Info("process exited gracefully", zap.Int("cmd_pid", pid))
		return nil
	case <-term.C:
	}

	p.log.Warn("grace timeout expired; sending SIGKILL", zap.Int("cmd_pid", pid))
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		p.log.Error("SIGKILL failed", zap.Error(err), zap.Int("cmd_pid", pid))
	}

	kill := time.NewTimer(p.KillGrace)
	defer kill.Stop()

	select {
	case <-p.done:
		p.log.Info("process killed", zap.Int("cmd_pid", pid))
		return nil
	case <-kill.C:
		p.log.Error("process survived SIGKILL", zap.Int("cmd_pid", pid))
		return fmt.Errorf("%w: pid %d", ErrKillFailed, pid)
	}
}

// pipes prepares stdout and stderr for exec.Cmd.
//
// exec.Cmd does NOT own these pipes until Start() succeeds, so if one pipe
// fails the previously-created one is closed to avoid leaking descriptors.
func pipes(cmd *exec.Cmd) (io.ReadCloser, io.ReadCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe creation failure: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("stderr pipe creation failure: %w", err)
	}

	return stdout, stderr, nil
}
