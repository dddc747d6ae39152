package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/nixpig/agentshell/internal/config"
	"github.com/nixpig/agentshell/internal/metrics"
	"github.com/nixpig/agentshell/internal/supervisor"
	"github.com/nixpig/agentshell/internal/supervisor/cgroups"
)

// shutdownSlack is added to the grace period to bound shutdown.
const shutdownSlack = 5 * time.Second

type daemon struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	// overrides re-applies command line flags to reloaded configs.
	overrides func(*config.Config)
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (d *daemon) run(ctx context.Context) error {
	cfg := d.cfg

	if !cfg.Worker.Limits.IsZero() {
		if err := cgroups.ValidateRoot(cfg.Worker.CgroupRoot); err != nil {
			return fmt.Errorf("worker limits need cgroup v2: %w", err)
		}
	}

	recorder := metrics.NewRecorder()

	sup := supervisor.New(supervisor.Config{
		Command:     cfg.Worker.Command(),
		GracePeriod: cfg.Worker.GracePeriod,
		Limits:      cfg.Worker.Limits,
		CgroupRoot:  cfg.Worker.CgroupRoot,
		MaxPending:  cfg.Events.MaxPending,
		Logger:      d.logger,
		Metrics:     recorder,
	})

	srv, err := newServer(sup, d.logger, cfg.Server)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}

	errCh := make(chan error, 2)

	go func() {
		d.logger.Info("serving gRPC", "addr", listener.Addr().String(), "tls", cfg.Server.TLS())
		errCh <- srv.serve(listener)
	}()

	var metricsServer *http.Server

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())

		metricsServer = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			d.logger.Info("serving metrics", "addr", cfg.Server.MetricsAddr)

			if err := metricsServer.ListenAndServe(); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve metrics: %w", err)
			}
		}()
	}

	d.watchConfig(ctx, sup)
	d.notify(sddaemon.SdNotifyReady)

	select {
	case <-ctx.Done():
		d.logger.Info("shutting down")
	case err = <-errCh:
		d.logger.Error("server failed, shutting down", "err", err)
	}

	d.notify(sddaemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.Worker.GracePeriod+shutdownSlack,
	)
	defer cancel()

	// Closing the Event Channel first ends every Events stream, so the
	// graceful stop does not wait on subscribers.
	errs := []error{err}

	if err := sup.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown supervisor: %w", err))
	}

	srv.shutdown()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
		}
	}

	return errors.Join(errs...)
}

// notify reports state to systemd when running as a notify service.
func (d *daemon) notify(state string) {
	sent, err := sddaemon.SdNotify(false, state)
	if err != nil {
		d.logger.Warn("failed to notify systemd", "state", state, "err", err)
		return
	}

	if sent {
		d.logger.Debug("notified systemd", "state", state)
	}
}

// watchConfig applies config file changes to the next spawned worker. Server
// settings need a restart.
func (d *daemon) watchConfig(ctx context.Context, sup *supervisor.Supervisor) {
	var opts []config.WatcherOption
	if d.overrides != nil {
		opts = append(opts, config.WithOverrides(d.overrides))
	}

	w, err := config.NewWatcher(d.configPath, d.logger, opts...)
	if err != nil {
		d.logger.Warn("config reload disabled", "err", err)
		return
	}

	go func() {
		err := w.Run(ctx, func(cfg *config.Config) {
			sup.SetCommand(cfg.Worker.Command())
			sup.SetGracePeriod(cfg.Worker.GracePeriod)

			d.logger.Info("worker command updated", "command", cfg.Worker.Command().String())
		})
		if err != nil {
			d.logger.Warn("config watcher stopped", "err", err)
		}
	}()
}
