package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/chronicle/internal/chronicle/agent"
	"github.com/dshills/chronicle/internal/chronicle/wire"
	"github.com/dshills/chronicle/internal/config"
	"github.com/dshills/chronicle/internal/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

// ErrHandshake is returned when the agent never completes the info
// handshake.
var ErrHandshake = errors.New("agent handshake failed")

// dialer opens a transport to the agent described by cfg.
type dialer func(cfg config.AgentConfig) (wire.Transport, error)

// dialAgent connects to cfg.Address if set, and otherwise launches
// cfg.Command with the trace database appended to its arguments.
func dialAgent(cfg config.AgentConfig) (wire.Transport, error) {
	if cfg.Address != "" {
		t, err := wire.NewSocketTransport(cfg.Address)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	args := append([]string(nil), cfg.Args...)
	if cfg.Trace != "" {
		args = append(args, "--db", cfg.Trace)
	}
	t, err := wire.NewStdioTransport(exec.Command(cfg.Command, args...))
	if err != nil {
		return nil, err
	}
	return t, nil
}

// cli holds the root flags and the settings they produce.
type cli struct {
	dial dialer

	configPath  string
	agentCmd    string
	trace       string
	connect     string
	logLevel    string
	metricsAddr string
	traces      string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(dial dialer) *cobra.Command {
	c := &cli{dial: dial}

	root := &cobra.Command{
		Use:   "chronicle",
		Short: "Query a recorded execution trace",
		Long: `chronicle talks to a trace query agent and answers questions about
a recorded program run: memory and variables at any timestamp, the call
stack, memory extents and the loops a function executed.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "path to a TOML or YAML configuration file")
	flags.StringVar(&c.agentCmd, "agent", "", "agent command line, split on spaces")
	flags.StringVar(&c.trace, "trace", "", "trace database passed to the agent")
	flags.StringVar(&c.connect, "connect", "", "address of a running agent (host:port)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&c.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	flags.StringVar(&c.traces, "traces", "", "write query spans to stderr (none, stdout)")

	root.AddCommand(
		c.infoCmd(),
		c.readMemCmd(),
		c.memEndCmd(),
		c.stackCmd(),
		c.whereCmd(),
		c.loopsCmd(),
		c.localsCmd(),
		c.typeCmd(),
		c.functionsCmd(),
		c.completeCmd(),
	)
	return root
}

// loadConfig layers the root flags over the configuration file and
// environment.
func (c *cli) loadConfig() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if fields := strings.Fields(c.agentCmd); len(fields) > 0 {
		cfg.Agent.Command = fields[0]
		cfg.Agent.Args = fields[1:]
	}
	if c.trace != "" {
		cfg.Agent.Trace = c.trace
	}
	if c.connect != "" {
		cfg.Agent.Address = c.connect
	}
	overridden := false
	if c.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(c.logLevel)
		overridden = true
	}
	if c.metricsAddr != "" {
		cfg.Metrics.Address = c.metricsAddr
		overridden = true
	}
	if c.traces != "" {
		cfg.Metrics.Traces = strings.ToLower(c.traces)
		overridden = true
	}
	if overridden {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	c.cfg = cfg
	c.logger = cfg.Logging.NewLogger(os.Stderr)
	return nil
}

// withSession connects to the agent, waits for the handshake and runs fn
// under the configured timeout. The session is closed when fn returns.
func (c *cli) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *agent.Session) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.Agent.Timeout)
	defer cancel()

	stop, err := c.startTelemetry(cmd)
	if err != nil {
		return err
	}
	defer stop()

	t, err := c.dial(c.cfg.Agent)
	if err != nil {
		return fmt.Errorf("connecting to agent: %w", err)
	}
	s := agent.New(t,
		agent.WithLogger(c.logger),
		agent.WithMetrics(c.cfg.Metrics.Enabled),
		agent.WithListener(agent.ListenerFuncs{
			OnMessage: func(sev agent.Severity, text string, queryID int) {
				if sev >= agent.SeverityError {
					fmt.Fprintf(cmd.ErrOrStderr(), "agent: %s\n", text)
				}
			},
		}),
	)
	defer func() {
		if err := s.Close(); err != nil {
			c.logger.Debug("closing session", "error", err)
		}
		s.Wait()
	}()

	select {
	case <-s.Ready():
	case <-ctx.Done():
		return fmt.Errorf("waiting for handshake: %w", ctx.Err())
	}
	if s.Architecture() == nil {
		return ErrHandshake
	}
	return fn(ctx, s)
}

// startTelemetry installs the span exporter and serves metrics for the
// duration of one command. The returned function flushes and stops both.
func (c *cli) startTelemetry(cmd *cobra.Command) (func(), error) {
	shutdown, err := telemetry.InitTracing(c.cfg.Metrics.Traces, version, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	var srv *telemetry.MetricsServer
	if c.cfg.Metrics.Address != "" {
		srv, err = telemetry.ServeMetrics(c.cfg.Metrics.Address, nil, c.logger)
		if err != nil {
			shutdown(context.Background())
			return nil, err
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				c.logger.Debug("stopping metrics server", "error", err)
			}
		}
		if err := shutdown(ctx); err != nil {
			c.logger.Debug("flushing spans", "error", err)
		}
	}, nil
}

// await receives one result or fails when the command deadline passes.
func await[T any](ctx context.Context, ch <-chan T) (T, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
