// Command memgate runs the audited memory write path: the outbox worker, the
// reliability report, schema tooling, a one-shot write for smoke tests and an
// outbox drain benchmark.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/velmie/memgate/internal/config"
	"github.com/velmie/memgate/internal/logging"
)

const exitUsage = 2

const rootLongDesc string = `memgate guards writes to the semantic memory service.

Every write is checked against policy and audited. Writes that hit a
transient downstream failure are parked in a durable outbox and replayed by
the worker until they succeed or exhaust their retries.

Settings come from memgate.yaml (or --config) and MEMGATE_* environment
variables, for example MEMGATE_DATABASE_DSN.`

type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "memgate",
		Short:         "Audited, policy-checked memory writes with a durable outbox",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to config file (default ./memgate.yaml)")
	cmd.PersistentFlags().String("log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "", "Override logging.format (json, text, pretty)")

	cmd.AddCommand(newWorkerCmd(a))
	cmd.AddCommand(newReportCmd(a))
	cmd.AddCommand(newMigrateCmd(a))
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newWriteCmd(a))
	cmd.AddCommand(newBenchCmd(a))

	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	logger, err := logging.FromConfig(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, err)
	var usage usageError
	if errors.As(err, &usage) {
		os.Exit(exitUsage)
	}
	os.Exit(1)
}

type usageError struct {
	msg string
}

func (e usageError) Error() string {
	return e.msg
}
