package main

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nixpig/agentshell/internal/api"
	"github.com/nixpig/agentshell/internal/config"
	"github.com/nixpig/agentshell/internal/supervisor"
	"github.com/nixpig/agentshell/internal/tlsconfig"
	"github.com/nixpig/agentshell/internal/tlsconfig/tlstest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

type subscriberCount struct {
	n atomic.Int64
}

func (*subscriberCount) WorkerStarted() {}
func (*subscriberCount) SpawnFailed() {}
func (*subscriberCount) WorkerExited(int) {}
func (*subscriberCount) EventPublished(string) {}
func (*subscriberCount) SubscriberLagged() {}

func (s *subscriberCount) SubscribersChanged(n int) {
	s.n.Store(int64(n))
}

type testServer struct {
	addr   string
	subs   *subscriberCount
	certs  *tlstest.Certs
	useTLS bool
}

func setupTestServer(t *testing.T, useTLS bool, cmd supervisor.Command) *testServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to setup listener: '%v'", err)
	}

	ts := &testServer{
		addr:   listener.Addr().String(),
		subs:   &subscriberCount{},
		useTLS: useTLS,
	}

	var cfg config.ServerConfig

	if useTLS {
		ts.certs = tlstest.Generate(t)

		cfg = config.ServerConfig{
			CertPath:   ts.certs.ServerCert,
			KeyPath:    ts.certs.ServerKey,
			CACertPath: ts.certs.CACert,
		}
	}

	sup := supervisor.New(supervisor.Config{
		Command:     cmd,
		GracePeriod: 500 * time.Millisecond,
		Metrics:     ts.subs,
	})

	s, err := newServer(sup, slog.New(slog.DiscardHandler), cfg)
	if err != nil {
		t.Fatalf("failed to create server: '%v'", err)
	}

	go func() {
		if err := s.serve(listener); err != nil {
			t.Logf("failed to start server: '%v'", err)
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sup.Shutdown(ctx)
		s.shutdown()
	})

	return ts
}

func (ts *testServer) client(t *testing.T, certPath, keyPath string) *api.Client {
	t.Helper()

	creds := insecure.NewCredentials()

	if ts.useTLS {
		clientTLSConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
			CertPath:   certPath,
			KeyPath:    keyPath,
			CACertPath: ts.certs.CACert,
			ServerName: "localhost",
		})
		if err != nil {
			t.Fatalf("failed to setup client TLS: '%v'", err)
		}

		creds = credentials.NewTLS(clientTLSConfig)
	}

	conn, err := grpc.NewClient(ts.addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		t.Fatalf("failed to connect: '%v'", err)
	}

	t.Cleanup(func() { conn.Close() })

	return api.NewClient(conn)
}

// waitForSubscribers blocks until the server holds n event subscriptions.
func (ts *testServer) waitForSubscribers(t *testing.T, n int64) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for ts.subs.n.Load() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers: got '%d'", n, ts.subs.n.Load())
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func testCode(t *testing.T, err error, want codes.Code) {
	t.Helper()

	if got := status.Code(err); got != want {
		t.Errorf("expected code: got '%s', want '%s' (%v)", got, want, err)
	}
}

func recvEvent(t *testing.T, stream *api.EventStream) supervisor.Event {
	t.Helper()

	e, err := stream.Recv()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return e
}

func shellCommand(script string) supervisor.Command {
	return supervisor.Command{
		Interpreter: "/bin/sh",
		EntryPoint:  "-c",
		Args:        []string{script},
	}
}

func TestServerIntegration(t *testing.T) {
	t.Parallel()

	t.Run("Test worker lifecycle", func(t *testing.T) {
		t.Parallel()

		ts := setupTestServer(t, true, shellCommand("echo hello; sleep 30"))
		client := ts.client(t, ts.certs.OperatorCert, ts.certs.OperatorKey)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		stream, err := client.Events(ctx)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		ts.waitForSubscribers(t, 1)

		snap, err := client.Start(ctx)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if snap.State != supervisor.StateRunning || snap.WorkerID == "" || snap.PID <= 0 {
			t.Errorf("expected running snapshot: got '%+v'", snap)
		}

		again, err := client.Start(ctx)
		if err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if again.WorkerID != snap.WorkerID {
			t.Errorf("expected same worker: got '%s', want '%s'", again.WorkerID, snap.WorkerID)
		}

		running := recvEvent(t, stream)
		if running.Kind != supervisor.KindStatusChange || running.Status.State != supervisor.StateRunning {
			t.Errorf("expected Running status change: got '%+v'", running)
		}

		hello := recvEvent(t, stream)
		if hello.Kind != supervisor.KindLog || hello.Text != "hello" {
			t.Errorf("expected hello log: got '%+v'", hello)
		}

		if hello.Sequence != running.Sequence+1 {
			t.Errorf("expected sequence: got '%d', want '%d'", hello.Sequence, running.Sequence+1)
		}

		if _, err := client.Stop(ctx); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		stopping := recvEvent(t, stream)
		if stopping.Status == nil || stopping.Status.State != supervisor.StateStopping {
			t.Errorf("expected Stopping status change: got '%+v'", stopping)
		}

		exited := recvEvent(t, stream)
		if exited.Status == nil || exited.Status.State != supervisor.StateExited {
			t.Fatalf("expected Exited status change: got '%+v'", exited)
		}

		if exited.Status.ExitCode == nil || *exited.Status.ExitCode != 143 {
			t.Errorf("expected exit code 143: got '%v'", exited.Status.ExitCode)
		}

		idle, err := client.Status(ctx)
		if err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if idle.State != supervisor.StateIdle || idle.ExitCode == nil || *idle.ExitCode != 143 {
			t.Errorf("expected idle snapshot with last exit: got '%+v'", idle)
		}

		if idle.Signal != "SIGTERM" {
			t.Errorf("expected signal: got '%s', want 'SIGTERM'", idle.Signal)
		}
	})

	t.Run("Test viewer permissions", func(t *testing.T) {
		t.Parallel()

		ts := setupTestServer(t, true, shellCommand("sleep 30"))
		client := ts.client(t, ts.certs.ViewerCert, ts.certs.ViewerKey)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := client.Start(ctx)
		testCode(t, err, codes.PermissionDenied)

		_, err = client.Stop(ctx)
		testCode(t, err, codes.PermissionDenied)

		snap, err := client.Status(ctx)
		if err != nil {
			t.Errorf("expected viewer to query status: got '%v'", err)
		}

		if snap.State != supervisor.StateIdle {
			t.Errorf("expected state: got '%s', want 'Idle'", snap.State)
		}

		if _, err := client.Events(ctx); err != nil {
			t.Errorf("expected viewer to watch events: got '%v'", err)
		}

		ts.waitForSubscribers(t, 1)
	})

	t.Run("Test untrusted client", func(t *testing.T) {
		t.Parallel()

		ts := setupTestServer(t, true, shellCommand("sleep 30"))
		client := ts.client(t, ts.certs.UntrustedCert, ts.certs.UntrustedKey)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := client.Status(ctx); err == nil {
			t.Errorf("expected untrusted client to be rejected")
		}
	})

	t.Run("Test spawn failure", func(t *testing.T) {
		t.Parallel()

		ts := setupTestServer(t, true, supervisor.Command{
			Interpreter: "/non/existent/python3",
			EntryPoint:  "main.py",
		})
		client := ts.client(t, ts.certs.OperatorCert, ts.certs.OperatorKey)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := client.Start(ctx)
		testCode(t, err, codes.FailedPrecondition)

		snap, err := client.Status(ctx)
		if err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if snap.State != supervisor.StateIdle {
			t.Errorf("expected state: got '%s', want 'Idle'", snap.State)
		}
	})

	t.Run("Test plaintext without authorisation", func(t *testing.T) {
		t.Parallel()

		ts := setupTestServer(t, false, shellCommand("exit 3"))
		client := ts.client(t, "", "")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		stream, err := client.Events(ctx)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		ts.waitForSubscribers(t, 1)

		if _, err := client.Start(ctx); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		for {
			e := recvEvent(t, stream)

			if e.Status != nil && e.Status.State == supervisor.StateExited {
				if *e.Status.ExitCode != 3 {
					t.Errorf("expected exit code: got '%d', want '3'", *e.Status.ExitCode)
				}

				break
			}
		}
	})

	t.Run("Test cancelled event stream", func(t *testing.T) {
		t.Parallel()

		ts := setupTestServer(t, false, shellCommand("sleep 30"))
		client := ts.client(t, "", "")

		ctx, cancel := context.WithCancel(context.Background())

		stream, err := client.Events(ctx)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		ts.waitForSubscribers(t, 1)
		cancel()

		_, err = stream.Recv()
		testCode(t, err, codes.Canceled)

		ts.waitForSubscribers(t, 0)
	})
}
