// Package config loads agentshell configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/nixpig/agentshell/internal/supervisor"
	"github.com/nixpig/agentshell/internal/supervisor/broker"
	"github.com/nixpig/agentshell/internal/supervisor/cgroups"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "agentshell.yaml"

// Config is the daemon configuration.
type Config struct {
	Worker WorkerConfig `yaml:"worker"`
	Server ServerConfig `yaml:"server"`
	Events EventsConfig `yaml:"events"`
	Log    LogConfig    `yaml:"log"`
}

// WorkerConfig describes how the agent worker is invoked.
type WorkerConfig struct {
	Interpreter string            `yaml:"interpreter"`
	EntryPoint  string            `yaml:"entry_point"`
	Args        []string          `yaml:"args"`
	WorkingDir  string            `yaml:"working_dir"`
	Env         map[string]string `yaml:"env"`
	GracePeriod time.Duration     `yaml:"grace_period"`

	CgroupRoot string                  `yaml:"cgroup_root"`
	Limits     *cgroups.ResourceLimits `yaml:"limits"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsAddr string `yaml:"metrics_addr"`
	CertPath    string `yaml:"cert_path"`
	KeyPath     string `yaml:"key_path"`
	CACertPath  string `yaml:"ca_cert_path"`
}

type EventsConfig struct {
	MaxPending int `yaml:"max_pending"`
}

type LogConfig struct {
	Debug bool `yaml:"debug"`
}

// Default returns the configuration used for anything a file leaves unset.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Interpreter: "python3",
			EntryPoint:  "src/job_application_agent/__main__.py",
			WorkingDir:  ".",
			Env:         map[string]string{"PYTHONUNBUFFERED": "1"},
			GracePeriod: supervisor.DefaultGracePeriod,
			CgroupRoot:  cgroups.DefaultRoot,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 8443,
		},
		Events: EventsConfig{
			MaxPending: broker.DefaultMaxPending,
		},
	}
}

// Load reads the YAML config file at path over the defaults. A missing or
// empty file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}

		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config '%s': %w", path, err)
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Worker.Interpreter == "" {
		return errors.New("worker.interpreter cannot be empty")
	}

	if c.Worker.GracePeriod <= 0 {
		return errors.New("worker.grace_period must be positive")
	}

	if l := c.Worker.Limits; l != nil && (l.CPUMaxPercent < 0 || l.CPUMaxPercent > 100) {
		return errors.New("worker.limits.cpu_max_percent must be between 0 and 100")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be in valid range")
	}

	if c.Events.MaxPending < 0 {
		return errors.New("events.max_pending cannot be negative")
	}

	if !c.Server.TLS() {
		if c.Server.CertPath != "" || c.Server.KeyPath != "" || c.Server.CACertPath != "" {
			return errors.New("cert_path, key_path and ca_cert_path must be set together")
		}

		return nil
	}

	for name, path := range map[string]string{
		"cert_path":    c.Server.CertPath,
		"key_path":     c.Server.KeyPath,
		"ca_cert_path": c.Server.CACertPath,
	} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("failed to stat server.%s: %w", name, err)
		}
	}

	return nil
}

// TLS reports whether all certificate paths are set.
func (s ServerConfig) TLS() bool {
	return s.CertPath != "" && s.KeyPath != "" && s.CACertPath != ""
}

// Addr is the gRPC listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Command returns the worker command described by w. Env entries are sorted
// by key.
func (w WorkerConfig) Command() supervisor.Command {
	env := make([]string, 0, len(w.Env))
	for _, k := range slices.Sorted(maps.Keys(w.Env)) {
		env = append(env, k+"="+w.Env[k])
	}

	return supervisor.Command{
		Interpreter: w.Interpreter,
		EntryPoint:  w.EntryPoint,
		Args:        slices.Clone(w.Args),
		Dir:         w.WorkingDir,
		Env:         env,
	}
}
