package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/nixpig/agentshell/internal/api"
	"github.com/nixpig/agentshell/internal/supervisor"
	"github.com/nixpig/agentshell/internal/tlsconfig"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const version = "0.1.0"

type config struct {
	serverHostname string
	serverPort     string
	caCertPath     string
	certPath       string
	keyPath        string
}

type cli struct {
	client *api.Client
	conn   *grpc.ClientConn
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &config{}

	command := &cobra.Command{
		Use:          "agentctl",
		Short:        "CLI for controlling the job search agent through agentd",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			creds := insecure.NewCredentials()

			if cfg.caCertPath != "" {
				tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
					CertPath:   cfg.certPath,
					KeyPath:    cfg.keyPath,
					CACertPath: cfg.caCertPath,
					ServerName: cfg.serverHostname,
				})
				if err != nil {
					return err
				}

				creds = credentials.NewTLS(tlsConfig)
			}

			var err error

			c.conn, err = grpc.NewClient(
				net.JoinHostPort(
					cfg.serverHostname,
					cfg.serverPort,
				),
				grpc.WithTransportCredentials(creds),
			)
			if err != nil {
				return err
			}

			c.client = api.NewClient(c.conn)

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.conn == nil {
				return nil
			}

			// Connection needs to remain open for duration of any child commands.
			return c.conn.Close()
		},
	}

	command.AddCommand(
		c.startCmd(),
		c.stopCmd(),
		c.statusCmd(),
		c.watchCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&cfg.serverHostname,
		"server-hostname",
		"localhost",
		"Server hostname",
	)

	command.PersistentFlags().StringVar(
		&cfg.serverPort,
		"server-port",
		"8443",
		"Server port",
	)

	command.PersistentFlags().StringVar(
		&cfg.certPath,
		"cert-path",
		"certs/client-operator.crt",
		"Path to client TLS certificate",
	)

	command.PersistentFlags().StringVar(
		&cfg.keyPath,
		"key-path",
		"certs/client-operator.key",
		"Path to client TLS private key",
	)

	command.PersistentFlags().StringVar(
		&cfg.caCertPath,
		"ca-cert-path",
		"",
		"Path to CA certificate for mTLS; plaintext when empty",
	)

	return command
}

func (c *cli) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "start",
		Short:   "Start the agent worker",
		Example: "  agentctl start",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c.client.Start(cmd.Context())
			if err != nil {
				return mapError(err)
			}

			writeSnapshot(cmd.OutOrStdout(), snap)

			return nil
		},
	}
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop the agent worker",
		Example: "  agentctl stop",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c.client.Stop(cmd.Context())
			if err != nil {
				return mapError(err)
			}

			writeSnapshot(cmd.OutOrStdout(), snap)

			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Query status of the agent worker",
		Example: "  agentctl status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c.client.Status(cmd.Context())
			if err != nil {
				return mapError(err)
			}

			writeSnapshot(cmd.OutOrStdout(), snap)

			return nil
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Print the current status, then live events",
		Example: "  agentctl watch",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Subscribe before querying status so no event is missed in between.
			stream, err := c.client.Events(cmd.Context())
			if err != nil {
				return mapError(err)
			}

			snap, err := c.client.Status(cmd.Context())
			if err != nil {
				return mapError(err)
			}

			writeSnapshot(cmd.OutOrStdout(), snap)

			for {
				event, err := stream.Recv()
				if err != nil {
					if errors.Is(err, io.EOF) {
						break
					}

					if status.Code(err) == codes.Canceled {
						break
					}

					return mapError(err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(event))
			}

			return nil
		},
	}
}

func writeSnapshot(out io.Writer, snap supervisor.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "STATE\tEXIT CODE\tSIGNAL\tWORKER\tPID\t\n")
	fmt.Fprintf(
		w,
		"%s\t%s\t%s\t%s\t%s\t\n",
		snap.State,
		orDash(exitCode(snap.ExitCode)),
		orDash(snap.Signal),
		orDash(snap.WorkerID),
		orDash(pid(snap.PID)),
	)

	w.Flush()
}

// formatEvent renders an event as a single plain text line.
func formatEvent(e supervisor.Event) string {
	prefix := fmt.Sprintf("%s #%d", e.Time.Local().Format(time.TimeOnly), e.Sequence)

	switch e.Kind {
	case supervisor.KindStatusChange:
		line := fmt.Sprintf("%s status %s", prefix, e.Status.State)

		if e.Status.ExitCode != nil {
			line += fmt.Sprintf(" exit_code=%d", *e.Status.ExitCode)
		}

		if e.Status.Signal != "" {
			line += " signal=" + e.Status.Signal
		}

		return line

	case supervisor.KindError:
		return fmt.Sprintf("%s stderr %s", prefix, e.Text)

	default:
		return fmt.Sprintf("%s stdout %s", prefix, e.Text)
	}
}

func exitCode(code *int) string {
	if code == nil {
		return ""
	}

	return strconv.Itoa(*code)
}

func pid(n int) string {
	if n <= 0 {
		return ""
	}

	return strconv.Itoa(n)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

// mapError translates gRPC errors to human-readable messages.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.PermissionDenied:
		return errors.New("permission denied")
	case codes.Unauthenticated:
		return errors.New("not authenticated")
	case codes.FailedPrecondition:
		return fmt.Errorf("failed to start agent: %s", st.Message())
	case codes.Aborted:
		return fmt.Errorf("failed to stop agent: %s", st.Message())
	case codes.ResourceExhausted:
		return errors.New("fell too far behind the event stream, run watch again")
	case codes.Unavailable:
		return errors.New("server unavailable")
	default:
		return fmt.Errorf("%s", st.Message())
	}
}
