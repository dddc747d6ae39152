package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/agentshell/internal/supervisor/cgroups"
	"github.com/nixpig/agentshell/internal/supervisor/output"
	"golang.org/x/sys/unix"
)

const (
	// DefaultGracePeriod is how long a worker has to exit after SIGTERM
	// before it is killed.
	DefaultGracePeriod = 5 * time.Second

	// killTimeout bounds the wait for exit after SIGKILL.
	killTimeout = 5 * time.Second
)

var errSurvivedKill = errors.New("process did not exit after SIGKILL")

// Command describes how the worker is invoked:
// <Interpreter> <EntryPoint> [Args...] in Dir. Env entries (KEY=VALUE) are
// added to the supervisor's own environment.
type Command struct {
	Interpreter string
	EntryPoint  string
	Args        []string
	Dir         string
	Env         []string
}

func (c Command) args() []string {
	var args []string

	if c.EntryPoint != "" {
		args = append(args, c.EntryPoint)
	}

	return append(args, c.Args...)
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Interpreter}, c.args()...), " ")
}

// WorkerOptions configures how a Worker is run and terminated.
type WorkerOptions struct {
	GracePeriod time.Duration

	// Limits, when set, place the worker in its own cgroup under CgroupRoot.
	Limits     *cgroups.ResourceLimits
	CgroupRoot string

	Logger *slog.Logger
}

// Worker represents one worker process started with exec.Cmd. It provides
// management of the process lifecycle and concurrent streaming of its stdout
// and stderr.
type Worker struct {
	id        string
	state     AtomicState
	startedAt time.Time

	cmd          *exec.Cmd
	cgroup       *cgroups.Cgroup
	streamer     *output.Streamer
	processState atomic.Pointer[os.ProcessState]

	gracePeriod   time.Duration
	escalateOnce  sync.Once
	escalationErr atomic.Pointer[TerminateError]

	logger *slog.Logger
	done   chan struct{}
}

// Spawn starts the worker process described by c. It returns once the OS
// confirmed the process is running, or a *SpawnError.
func Spawn(c Command, opts WorkerOptions) (*Worker, error) {
	if c.Interpreter == "" {
		return nil, &SpawnError{
			Command: c.String(),
			Err:     errors.New("interpreter cannot be empty"),
		}
	}

	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	if opts.CgroupRoot == "" {
		opts.CgroupRoot = cgroups.DefaultRoot
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	w := &Worker{
		id:          uuid.NewString(),
		gracePeriod: opts.GracePeriod,
		done:        make(chan struct{}),
	}

	w.logger = opts.Logger.With("worker", w.id)

	w.cmd = exec.Command(c.Interpreter, c.args()...)
	w.cmd.Dir = c.Dir
	w.cmd.Env = append(os.Environ(), c.Env...)

	// Own process group, so signals reach the whole tree.
	w.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{c.String(), fmt.Errorf("create stdout pipe: %w", err)}
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()

		return nil, &SpawnError{c.String(), fmt.Errorf("create stderr pipe: %w", err)}
	}

	w.cmd.Stdout = stdoutW
	w.cmd.Stderr = stderrW

	closePipes := func() {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
	}

	if !opts.Limits.IsZero() {
		cg, err := cgroups.Create(opts.CgroupRoot, w.id, opts.Limits)
		if err != nil {
			closePipes()
			return nil, &SpawnError{c.String(), err}
		}

		w.cgroup = cg
		w.cmd.SysProcAttr.UseCgroupFD = true
		w.cmd.SysProcAttr.CgroupFD = cg.FD()
	}

	w.state.Store(StateStarting)

	if err := w.cmd.Start(); err != nil {
		closePipes()

		if w.cgroup != nil {
			w.cgroup.Destroy()
		}

		w.state.Store(StateExited)

		return nil, &SpawnError{c.String(), err}
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	if w.cgroup != nil {
		w.cgroup.Release()
	}

	w.startedAt = time.Now()

	w.streamer = output.NewStreamer(
		w.done,
		output.Source{Channel: output.Stdout, R: stdoutR},
		output.Source{Channel: output.Stderr, R: stderrR},
	)

	w.state.Store(StateRunning)

	go w.wait()

	return w, nil
}

func (w *Worker) wait() {
	// A non-nil error is an *exec.ExitError for a non-zero exit, which is
	// reflected in ProcessState.
	w.cmd.Wait()

	// The group leader can exit on SIGTERM while descendants ignore it. The
	// pgid is not reused while any of them remain, so they are killed here.
	if w.state.Load() == StateStopping {
		w.killRemaining()
	}

	w.processState.Store(w.cmd.ProcessState)
	w.state.Store(StateExited)

	close(w.done)

	if w.cgroup != nil {
		if err := w.cgroup.Destroy(); err != nil {
			w.logger.Warn("failed to destroy cgroup", "err", err)
		}
	}
}

// Terminate asks the worker to exit with SIGTERM and forcibly kills it if it
// is still running after the grace period. It returns without waiting for
// the exit; use Wait or Done for that. Terminating an exited Worker is a
// no-op. Calling it again while stopping resends SIGTERM, and if forced
// termination has failed, retries it and returns the recorded failure.
func (w *Worker) Terminate() error {
	_, err := w.terminate()
	return err
}

// terminate reports whether this call moved the Worker from Running to
// Stopping.
func (w *Worker) terminate() (bool, error) {
	stopped := w.state.CompareAndSwap(StateRunning, StateStopping)
	if !stopped {
		switch state := w.state.Load(); state {
		case StateExited:
			return false, nil
		case StateStopping:
		default:
			return false, fmt.Errorf("cannot terminate worker in state %s", state)
		}
	}

	if err := w.signal(unix.SIGTERM); err != nil {
		return stopped, err
	}

	if prev := w.escalationErr.Load(); prev != nil {
		if err := w.Kill(); err != nil {
			return stopped, err
		}

		return stopped, prev
	}

	w.escalateOnce.Do(func() {
		go w.escalate()
	})

	return stopped, nil
}

func (w *Worker) escalate() {
	timer := time.NewTimer(w.gracePeriod)
	defer timer.Stop()

	select {
	case <-w.done:
		return
	case <-timer.C:
	}

	w.logger.Warn(
		"worker did not exit within grace period, killing",
		"grace_period", w.gracePeriod,
	)

	if err := w.Kill(); err != nil {
		var termErr *TerminateError
		if errors.As(err, &termErr) {
			w.escalationErr.Store(termErr)
		}

		w.logger.Error("failed to kill worker", "err", err)

		return
	}

	select {
	case <-w.done:
	case <-time.After(killTimeout):
		w.escalationErr.Store(&TerminateError{
			PID:    w.PID(),
			Signal: unix.SignalName(unix.SIGKILL),
			Err:    errSurvivedKill,
		})

		w.logger.Error("worker survived kill", "pid", w.PID())
	}
}

// Kill forcibly ends the worker and everything it started. When the worker
// runs in its own cgroup the whole cgroup is killed, otherwise its process
// group receives SIGKILL.
func (w *Worker) Kill() error {
	if w.state.Load() == StateExited {
		return nil
	}

	if w.cgroup != nil {
		err := w.cgroup.Kill()
		if err == nil {
			return nil
		}

		w.logger.Warn("failed to kill cgroup, falling back to signal", "err", err)
	}

	return w.signal(unix.SIGKILL)
}

func (w *Worker) killRemaining() {
	if w.cgroup != nil {
		err := w.cgroup.Kill()
		if err == nil {
			return
		}

		w.logger.Warn("failed to kill remaining cgroup processes", "err", err)
	}

	if err := w.signal(unix.SIGKILL); err != nil {
		w.logger.Warn("failed to kill remaining processes", "err", err)
	}
}

func (w *Worker) signal(sig unix.Signal) error {
	pid := w.PID()

	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			// Already gone.
			return nil
		}

		return &TerminateError{PID: pid, Signal: unix.SignalName(sig), Err: err}
	}

	return nil
}

// Err returns the failure of the last forced termination attempt, if any.
func (w *Worker) Err() error {
	if err := w.escalationErr.Load(); err != nil {
		return err
	}

	return nil
}

// ID returns the unique ID of the Worker.
func (w *Worker) ID() string {
	return w.id
}

// PID returns the OS process ID of the worker.
func (w *Worker) PID() int {
	return w.cmd.Process.Pid
}

// State returns the state of the Worker.
func (w *Worker) State() State {
	return w.state.Load()
}

// StartedAt returns when the process was started.
func (w *Worker) StartedAt() time.Time {
	return w.startedAt
}

// ExitCode returns the exit code of the process once it has exited. A
// process killed by a signal reports 128 plus the signal number.
func (w *Worker) ExitCode() (int, bool) {
	ps := w.processState.Load()
	if ps == nil {
		return 0, false
	}

	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), true
	}

	return ps.ExitCode(), true
}

// Signal returns the name of the signal that ended the process, or "" if it
// exited normally or is still running.
func (w *Worker) Signal() string {
	ps := w.processState.Load()
	if ps == nil {
		return ""
	}

	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return unix.SignalName(ws.Signal())
	}

	return ""
}

// Stream returns a new Reader over the worker's output, starting from the
// oldest retained chunk. Next returns io.EOF once both pipes are closed and
// the process has exited.
func (w *Worker) Stream() *output.Reader {
	return w.streamer.Subscribe()
}

// Done returns a channel that is closed when the process has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the process exits or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current status of the Worker.
func (w *Worker) Snapshot() Snapshot {
	snap := Snapshot{
		State:     w.state.Load(),
		WorkerID:  w.id,
		PID:       w.PID(),
		Timestamp: time.Now(),
	}

	if code, ok := w.ExitCode(); ok {
		snap.State = StateExited
		snap.ExitCode = &code
		snap.Signal = w.Signal()
	}

	return snap
}
