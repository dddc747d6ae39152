package supervisor_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nixpig/agentshell/internal/supervisor"
	"github.com/nixpig/agentshell/internal/supervisor/output"
	"golang.org/x/sys/unix"
)

func shellCommand(script string) supervisor.Command {
	return supervisor.Command{
		Interpreter: "/bin/sh",
		EntryPoint:  "-c",
		Args:        []string{script},
	}
}

func spawnTestWorker(
	t *testing.T,
	script string,
	opts supervisor.WorkerOptions,
) *supervisor.Worker {
	t.Helper()

	w, err := supervisor.Spawn(shellCommand(script), opts)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	t.Cleanup(func() {
		w.Kill()
	})

	if w.ID() == "" {
		t.Errorf("expected worker id: got ''")
	}

	if w.PID() <= 0 {
		t.Errorf("expected worker pid: got '%d'", w.PID())
	}

	return w
}

func waitTestWorker(t *testing.T, w *supervisor.Worker, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := w.Wait(ctx); err != nil {
		t.Fatalf("expected worker to exit within %v: got '%v'", timeout, err)
	}
}

func testExitCode(t *testing.T, w *supervisor.Worker, want int) {
	t.Helper()

	got, ok := w.ExitCode()
	if !ok {
		t.Fatalf("expected exit code to be set")
	}

	if got != want {
		t.Errorf("expected exit code: got '%d', want '%d'", got, want)
	}
}

func readStream(t *testing.T, r *output.Reader) map[output.Channel]string {
	t.Helper()

	got := make(map[output.Channel]string)

	for {
		chunk, err := r.Next()
		if errors.Is(err, io.EOF) {
			return got
		}

		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		got[chunk.Channel] += string(chunk.Data)
	}
}

// processAlive reports whether pid exists and is not a zombie.
func processAlive(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}

	// The state field follows the parenthesised command name.
	i := strings.LastIndexByte(string(data), ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}

	return data[i+2] != 'Z'
}

func waitForPIDFile(t *testing.T, path string) int {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && strings.HasSuffix(string(data), "\n") {
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err == nil {
				return pid
			}
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("expected pid file '%s' to be written", path)

	return 0
}

func TestWorker(t *testing.T) {
	t.Parallel()

	t.Run("Test run to completion", func(t *testing.T) {
		t.Parallel()

		w := spawnTestWorker(t, "echo out; echo err >&2", supervisor.WorkerOptions{})

		got := readStream(t, w.Stream())

		if got[output.Stdout] != "out\n" {
			t.Errorf("expected stdout: got '%s', want 'out\n'", got[output.Stdout])
		}

		if got[output.Stderr] != "err\n" {
			t.Errorf("expected stderr: got '%s', want 'err\n'", got[output.Stderr])
		}

		if w.State() != supervisor.StateExited {
			t.Errorf("expected state: got '%s', want 'Exited'", w.State())
		}

		testExitCode(t, w, 0)

		if w.Signal() != "" {
			t.Errorf("expected no signal: got '%s'", w.Signal())
		}
	})

	t.Run("Test non-zero exit", func(t *testing.T) {
		t.Parallel()

		w := spawnTestWorker(t, "exit 3", supervisor.WorkerOptions{})
		waitTestWorker(t, w, 5*time.Second)

		testExitCode(t, w, 3)

		snap := w.Snapshot()
		if snap.State != supervisor.StateExited {
			t.Errorf("expected snapshot state: got '%s', want 'Exited'", snap.State)
		}

		if snap.ExitCode == nil || *snap.ExitCode != 3 {
			t.Errorf("expected snapshot exit code 3: got '%v'", snap.ExitCode)
		}
	})

	t.Run("Test restartable stream", func(t *testing.T) {
		t.Parallel()

		w := spawnTestWorker(t, "printf 'a\\nb\\n'", supervisor.WorkerOptions{})
		waitTestWorker(t, w, 5*time.Second)

		for range 2 {
			r := w.Stream()
			got := readStream(t, r)
			r.Close()

			if got[output.Stdout] != "a\nb\n" {
				t.Errorf("expected replayed stdout: got '%s'", got[output.Stdout])
			}
		}
	})

	t.Run("Test terminate", func(t *testing.T) {
		t.Parallel()

		w := spawnTestWorker(t, "sleep 30", supervisor.WorkerOptions{})

		if w.State() != supervisor.StateRunning {
			t.Errorf("expected state: got '%s', want 'Running'", w.State())
		}

		if err := w.Terminate(); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		waitTestWorker(t, w, 5*time.Second)

		testExitCode(t, w, 143)

		if w.Signal() != "SIGTERM" {
			t.Errorf("expected signal: got '%s', want 'SIGTERM'", w.Signal())
		}

		if err := w.Terminate(); err != nil {
			t.Errorf("expected terminate on exited worker to be a no-op: got '%v'", err)
		}
	})

	t.Run("Test escalate to kill", func(t *testing.T) {
		t.Parallel()

		w := spawnTestWorker(
			t,
			"trap '' TERM; echo ready; while :; do sleep 0.1; done",
			supervisor.WorkerOptions{GracePeriod: 200 * time.Millisecond},
		)

		// Wait until the trap is installed.
		r := w.Stream()
		if _, err := r.Next(); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		r.Close()

		start := time.Now()

		if err := w.Terminate(); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if err := w.Terminate(); err != nil {
			t.Errorf("expected repeated terminate not to return error: got '%v'", err)
		}

		if w.State() != supervisor.StateStopping {
			t.Errorf("expected state: got '%s', want 'Stopping'", w.State())
		}

		waitTestWorker(t, w, 5*time.Second)

		if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
			t.Errorf("expected grace period to be honoured: exited after '%v'", elapsed)
		}

		testExitCode(t, w, 137)

		if w.Signal() != "SIGKILL" {
			t.Errorf("expected signal: got '%s', want 'SIGKILL'", w.Signal())
		}

		if err := w.Err(); err != nil {
			t.Errorf("expected no escalation error: got '%v'", err)
		}
	})

	t.Run("Test terminate kills descendants ignoring SIGTERM", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()

		w, err := supervisor.Spawn(supervisor.Command{
			Interpreter: "/bin/sh",
			EntryPoint:  "-c",
			Args: []string{
				`sh -c 'trap "" TERM; echo $$ > child.pid; exec sleep 30' & ` +
					`trap 'exit 0' TERM; while :; do sleep 0.1; done`,
			},
			Dir: dir,
		}, supervisor.WorkerOptions{GracePeriod: 200 * time.Millisecond})
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		t.Cleanup(func() {
			w.Kill()
		})

		child := waitForPIDFile(t, filepath.Join(dir, "child.pid"))

		t.Cleanup(func() {
			if processAlive(child) {
				unix.Kill(child, unix.SIGKILL)
			}
		})

		if err := w.Terminate(); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		waitTestWorker(t, w, 5*time.Second)

		testExitCode(t, w, 0)

		deadline := time.Now().Add(2 * time.Second)
		for processAlive(child) && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}

		if processAlive(child) {
			t.Errorf("expected descendant '%d' to be killed after worker exited", child)
		}
	})

	t.Run("Test orphaned pipe holder", func(t *testing.T) {
		t.Parallel()

		w := spawnTestWorker(t, "sleep 3 & echo hi", supervisor.WorkerOptions{})

		start := time.Now()
		got := readStream(t, w.Stream())

		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("expected stream to end after exit: took '%v'", elapsed)
		}

		if got[output.Stdout] != "hi\n" {
			t.Errorf("expected stdout: got '%s', want 'hi\n'", got[output.Stdout])
		}
	})

	t.Run("Test wait with cancelled context", func(t *testing.T) {
		t.Parallel()

		w := spawnTestWorker(t, "sleep 30", supervisor.WorkerOptions{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if err := w.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded: got '%v'", err)
		}

		if _, ok := w.ExitCode(); ok {
			t.Errorf("expected exit code to be unset while running")
		}
	})

	t.Run("Test environment and working directory", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()

		if err := os.WriteFile(filepath.Join(dir, "marker"), []byte("here"), 0644); err != nil {
			t.Fatalf("failed to write marker: '%v'", err)
		}

		w, err := supervisor.Spawn(supervisor.Command{
			Interpreter: "/bin/sh",
			EntryPoint:  "-c",
			Args:        []string{`printf '%s ' "$AGENT_TEST"; cat marker`},
			Dir:         dir,
			Env:         []string{"AGENT_TEST=value"},
		}, supervisor.WorkerOptions{})
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		got := readStream(t, w.Stream())

		want := "value here"
		if got[output.Stdout] != want {
			t.Errorf("expected stdout: got '%s', want '%s'", got[output.Stdout], want)
		}
	})
}

func TestSpawnErrors(t *testing.T) {
	t.Parallel()

	scenarios := map[string]supervisor.Command{
		"missing interpreter": {
			Interpreter: "/non/existent/interpreter",
			EntryPoint:  "main.py",
		},
		"empty interpreter": {
			EntryPoint: "main.py",
		},
		"missing working directory": {
			Interpreter: "/bin/sh",
			EntryPoint:  "-c",
			Args:        []string{"true"},
			Dir:         "/non/existent/dir",
		},
	}

	for scenario, cmd := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			w, err := supervisor.Spawn(cmd, supervisor.WorkerOptions{})

			var spawnErr *supervisor.SpawnError
			if !errors.As(err, &spawnErr) {
				t.Fatalf("expected SpawnError: got '%v'", err)
			}

			if w != nil {
				t.Errorf("expected no worker: got '%v'", w)
			}
		})
	}
}
