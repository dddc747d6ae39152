package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nixpig/agentshell/internal/supervisor/broker"
	"github.com/nixpig/agentshell/internal/supervisor/cgroups"
	"github.com/nixpig/agentshell/internal/supervisor/output"
)

// Config holds the settings used to create a Supervisor.
type Config struct {
	// Command is used for every spawn until replaced with SetCommand.
	Command     Command
	GracePeriod time.Duration

	// Limits, when set, run each worker in its own cgroup under CgroupRoot.
	Limits     *cgroups.ResourceLimits
	CgroupRoot string

	// MaxPending is the per-subscriber queue length at which a subscriber is
	// dropped. Defaults to broker.DefaultMaxPending.
	MaxPending int

	Logger  *slog.Logger
	Metrics Metrics
}

// run is the active worker together with a channel closed once its Exited
// event was published and it was cleared.
type run struct {
	w       *Worker
	cleared chan struct{}
}

// Supervisor owns at most one active Worker and publishes its lifecycle and
// output as Events.
type Supervisor struct {
	mu          sync.Mutex
	cmd         Command
	gracePeriod time.Duration
	limits      *cgroups.ResourceLimits
	cgroupRoot  string
	active      *run
	last        *Snapshot
	shutdown    bool

	// pubMu orders sequence assignment with delivery. Lock order is mu, then
	// pubMu.
	pubMu  sync.Mutex
	seq    uint64
	events *broker.Broker[Event]

	pumps sync.WaitGroup

	logger  *slog.Logger
	metrics Metrics
}

// New creates an Idle Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	return &Supervisor{
		cmd:         cfg.Command,
		gracePeriod: cfg.GracePeriod,
		limits:      cfg.Limits,
		cgroupRoot:  cfg.CgroupRoot,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		events: broker.New[Event](
			broker.WithMaxPending(cfg.MaxPending),
			broker.WithLagHook(cfg.Metrics.SubscriberLagged),
			broker.WithSubscriberHook(cfg.Metrics.SubscribersChanged),
		),
	}
}

// Start spawns a worker if none is active and returns its Running snapshot.
// If a worker is already active, it returns that worker's snapshot without
// spawning. A spawn failure returns a *SpawnError and leaves the Supervisor
// Idle.
func (s *Supervisor) Start() (Snapshot, error) {
	for {
		s.mu.Lock()

		if s.shutdown {
			s.mu.Unlock()
			return s.Status(), ErrShutdown
		}

		if s.active == nil {
			defer s.mu.Unlock()
			return s.startLocked()
		}

		r := s.active
		if snap := r.w.Snapshot(); snap.State != StateExited {
			s.mu.Unlock()
			return snap, nil
		}

		// The worker exited but its remaining output is still being
		// published. Spawn once it was cleared.
		s.mu.Unlock()
		<-r.cleared
	}
}

func (s *Supervisor) startLocked() (Snapshot, error) {
	w, err := Spawn(s.cmd, WorkerOptions{
		GracePeriod: s.gracePeriod,
		Limits:      s.limits,
		CgroupRoot:  s.cgroupRoot,
		Logger:      s.logger,
	})
	if err != nil {
		s.metrics.SpawnFailed()
		s.logger.Error("failed to spawn worker", "command", s.cmd.String(), "err", err)

		return s.idleSnapshotLocked(), err
	}

	s.logger.Info(
		"worker spawned",
		"worker", w.ID(),
		"pid", w.PID(),
		"command", s.cmd.String(),
	)

	r := &run{w: w, cleared: make(chan struct{})}
	s.active = r
	s.metrics.WorkerStarted()

	snap := Snapshot{
		State:     StateRunning,
		WorkerID:  w.ID(),
		PID:       w.PID(),
		Timestamp: w.StartedAt(),
	}

	// Published before the pump exists, so Running precedes all output.
	s.publishStatus(w, snap)

	s.pumps.Go(func() {
		s.pump(r)
	})

	return snap, nil
}

// Stop requests termination of the active worker and returns its Stopping
// snapshot. With no active worker it returns the Idle snapshot. A
// *TerminateError leaves the worker Stopping and Stop may be retried.
func (s *Supervisor) Stop() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return s.statusLocked(), ErrShutdown
	}

	return s.stopLocked()
}

func (s *Supervisor) stopLocked() (Snapshot, error) {
	if s.active == nil {
		return s.idleSnapshotLocked(), nil
	}

	w := s.active.w

	stopped, err := w.terminate()

	if stopped {
		s.logger.Info("stopping worker", "worker", w.ID(), "pid", w.PID())

		s.publishStatus(w, Snapshot{
			State:     StateStopping,
			WorkerID:  w.ID(),
			PID:       w.PID(),
			Timestamp: time.Now(),
		})
	}

	if err != nil {
		s.logger.Error("failed to terminate worker", "worker", w.ID(), "err", err)
	}

	return s.statusLocked(), err
}

// Status returns the current snapshot. It never fails.
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Snapshot {
	if s.active == nil {
		return s.idleSnapshotLocked()
	}

	snap := s.active.w.Snapshot()
	if snap.State == StateExited {
		// Exited and about to be cleared, which is Idle from the outside.
		snap.State = StateIdle
		snap.PID = 0
	}

	return snap
}

func (s *Supervisor) idleSnapshotLocked() Snapshot {
	snap := Snapshot{State: StateIdle, Timestamp: time.Now()}

	if s.last != nil {
		snap.ExitCode = s.last.ExitCode
		snap.Signal = s.last.Signal
		snap.WorkerID = s.last.WorkerID
	}

	return snap
}

// Subscribe returns a Subscription to every Event published from now on.
// After Shutdown the Subscription is already at end of stream.
func (s *Supervisor) Subscribe() *broker.Subscription[Event] {
	return s.events.Subscribe()
}

// SetCommand replaces the command used by the next spawn. A running worker
// is unaffected.
func (s *Supervisor) SetCommand(c Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cmd = c
}

// Command returns the command used by the next spawn.
func (s *Supervisor) Command() Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cmd
}

// SetGracePeriod replaces the grace period used by the next spawn.
func (s *Supervisor) SetGracePeriod(d time.Duration) {
	if d <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.gracePeriod = d
}

// Shutdown stops the active worker, if any, and waits for it to exit. When
// ctx is done first the worker is killed. Once its output was published the
// Event Channel is closed, so every subscriber drains and then sees end of
// stream. Start and Stop return ErrShutdown afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()

	if s.shutdown {
		s.mu.Unlock()
		return nil
	}

	s.shutdown = true

	var errs []error

	r := s.active
	if r != nil {
		if _, err := s.stopLocked(); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Unlock()

	if r != nil {
		if err := r.w.Wait(ctx); err != nil {
			s.logger.Warn("worker still running at shutdown, killing", "worker", r.w.ID())

			if err := r.w.Kill(); err != nil {
				errs = append(errs, err)
			}

			select {
			case <-r.w.Done():
			case <-time.After(killTimeout):
				errs = append(errs, &TerminateError{
					PID:    r.w.PID(),
					Signal: "SIGKILL",
					Err:    errSurvivedKill,
				})
			}
		}

		if err := r.w.Err(); err != nil {
			errs = append(errs, err)
		}
	}

	// A worker that survived SIGKILL keeps its pump running forever.
	if r == nil || r.w.State() == StateExited {
		s.pumps.Wait()
	}

	s.events.Close()

	return errors.Join(errs...)
}

// pump turns the worker's output into Events, then publishes its exit.
func (s *Supervisor) pump(r *run) {
	w := r.w

	reader := w.Stream()
	defer reader.Close()

	buffers := map[output.Channel]*output.LineBuffer{
		output.Stdout: {},
		output.Stderr: {},
	}

	for {
		chunk, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("failed to read worker output", "worker", w.ID(), "err", err)
			}

			break
		}

		if chunk.Skipped > 0 {
			// Partial lines must not be joined across the gap.
			s.flushLines(w, buffers)

			s.logger.Warn("worker output dropped", "worker", w.ID(), "chunks", chunk.Skipped)

			s.publish(Event{
				Kind:     KindError,
				WorkerID: w.ID(),
				Text:     fmt.Sprintf("agentshell: %d chunks of worker output dropped", chunk.Skipped),
				Level:    "WARNING",
			})
		}

		for _, line := range buffers[chunk.Channel].Write(chunk.Data) {
			s.publishLine(w, chunk.Channel, line)
		}
	}

	s.flushLines(w, buffers)

	<-w.Done()

	snap := w.Snapshot()
	code, _ := w.ExitCode()

	s.mu.Lock()
	s.publishStatus(w, snap)
	s.active = nil
	s.last = &snap
	close(r.cleared)
	s.mu.Unlock()

	s.metrics.WorkerExited(code)

	s.logger.Info(
		"worker exited",
		"worker", w.ID(),
		"exit_code", code,
		"signal", snap.Signal,
		"uptime", time.Since(w.StartedAt()),
	)
}

func (s *Supervisor) flushLines(w *Worker, buffers map[output.Channel]*output.LineBuffer) {
	for _, ch := range []output.Channel{output.Stdout, output.Stderr} {
		if line, ok := buffers[ch].Flush(); ok {
			s.publishLine(w, ch, line)
		}
	}
}

func (s *Supervisor) publishLine(w *Worker, ch output.Channel, line string) {
	kind := KindLog
	if ch == output.Stderr {
		kind = KindError
	}

	s.publish(Event{
		Kind:     kind,
		WorkerID: w.ID(),
		Text:     line,
		Level:    parseLevel(line),
	})
}

func (s *Supervisor) publishStatus(w *Worker, snap Snapshot) {
	s.publish(Event{
		Kind:     KindStatusChange,
		WorkerID: w.ID(),
		Status:   &snap,
	})
}

func (s *Supervisor) publish(e Event) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.seq++
	e.Sequence = s.seq
	e.Time = time.Now()

	s.events.Publish(e)
	s.metrics.EventPublished(e.Kind.String())
}
