package main

import (
	"time"

	"github.com/nixpig/agentshell/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// flags holds command line overrides. A flag only replaces the config file
// value when it was set explicitly.
type flags struct {
	configPath  string
	host        string
	port        int
	metricsAddr string
	certPath    string
	keyPath     string
	caCertPath  string
	debug       bool

	interpreter string
	entryPoint  string
	workingDir  string
	gracePeriod time.Duration
}

func rootCmd() *cobra.Command {
	f := &flags{}

	c := &cobra.Command{
		Use:          "agentd",
		Short:        "Supervisor daemon for the job search agent",
		Example:      "  agentd --config agentshell.yaml --debug",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}

			applyFlags(cmd.Flags(), f, cfg)

			if err := cfg.Validate(); err != nil {
				return err
			}

			d := &daemon{
				cfg:        cfg,
				configPath: f.configPath,
				logger:     newLogger(cfg.Log.Debug),
				overrides: func(c *config.Config) {
					applyFlags(cmd.Flags(), f, c)
				},
			}

			return d.run(cmd.Context())
		},
	}

	c.CompletionOptions.HiddenDefaultCmd = true

	registerFlags(c.Flags(), f)

	return c
}

func registerFlags(fs *pflag.FlagSet, f *flags) {
	defaults := config.Default()

	fs.StringVar(&f.configPath, "config", config.DefaultPath, "Path to YAML config file")
	fs.StringVar(&f.host, "host", defaults.Server.Host, "gRPC server host to bind")
	fs.IntVar(&f.port, "port", defaults.Server.Port, "gRPC server port")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9090")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logs")

	fs.StringVar(&f.certPath, "cert-path", "", "Path to server TLS certificate")
	fs.StringVar(&f.keyPath, "key-path", "", "Path to server TLS private key")
	fs.StringVar(&f.caCertPath, "ca-cert-path", "", "Path to CA certificate for mTLS")

	fs.StringVar(&f.interpreter, "interpreter", defaults.Worker.Interpreter, "Interpreter used to run the agent")
	fs.StringVar(&f.entryPoint, "entry-point", defaults.Worker.EntryPoint, "Agent entry point")
	fs.StringVar(&f.workingDir, "working-dir", defaults.Worker.WorkingDir, "Working directory of the agent")

	fs.DurationVar(
		&f.gracePeriod,
		"grace-period",
		defaults.Worker.GracePeriod,
		"Time allowed after SIGTERM before the agent is killed",
	)
}

func applyFlags(fs *pflag.FlagSet, f *flags, cfg *config.Config) {
	overrides := map[string]func(){
		"host":         func() { cfg.Server.Host = f.host },
		"port":         func() { cfg.Server.Port = f.port },
		"metrics-addr": func() { cfg.Server.MetricsAddr = f.metricsAddr },
		"cert-path":    func() { cfg.Server.CertPath = f.certPath },
		"key-path":     func() { cfg.Server.KeyPath = f.keyPath },
		"ca-cert-path": func() { cfg.Server.CACertPath = f.caCertPath },
		"debug":        func() { cfg.Log.Debug = f.debug },
		"interpreter":  func() { cfg.Worker.Interpreter = f.interpreter },
		"entry-point":  func() { cfg.Worker.EntryPoint = f.entryPoint },
		"working-dir":  func() { cfg.Worker.WorkingDir = f.workingDir },
		"grace-period": func() { cfg.Worker.GracePeriod = f.gracePeriod },
	}

	fs.Visit(func(flag *pflag.Flag) {
		if override, ok := overrides[flag.Name]; ok {
			override()
		}
	})
}
