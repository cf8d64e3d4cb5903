package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/prommetrics"
)

const workerLongDesc string = `Run the outbox worker.

The worker leases due outbox entries, replays them against the memory service
and records every attempt in the audit log. With --ops-addr set it also serves
/metrics (Prometheus), /reliability (JSON report) and /healthz.`

func newWorkerCmd(a *app) *cobra.Command {
	var opsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the outbox worker",
		Long:  workerLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("ops-addr") {
				a.cfg.Ops.Addr = opsAddr
			}

			return a.runWorker(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&opsAddr, "ops-addr", "", "Ops listen address; empty string disables (default from ops.addr)")

	return cmd
}

func (a *app) runWorker(ctx context.Context) error {
	cfg := a.cfg

	store, closeStore, err := openBackend(ctx, cfg, a.logger)
	if err != nil {
		return err
	}
	defer closeStore()

	classifier := newClassifier(cfg.Downstream)
	client, err := newDownstream(cfg.Downstream, classifier)
	if err != nil {
		return err
	}
	notifier, closeNotifier, err := newNotifier(cfg.AuditNATS, a.logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.New(registry, cfg.Ops.MetricsNamespace)

	worker, err := memgate.NewWorker(store, client,
		memgate.WithBatchSize(cfg.Worker.BatchSize),
		memgate.WithPollInterval(cfg.Worker.PollInterval),
		memgate.WithWorkers(cfg.Worker.Workers),
		memgate.WithConcurrency(cfg.Worker.Concurrency),
		memgate.WithDeliveryTimeout(cfg.Worker.DeliveryTimeout),
		memgate.WithLeaseDuration(cfg.Worker.LeaseDuration),
		memgate.WithPendingInterval(cfg.Worker.PendingInterval),
		memgate.WithLogger(a.logger),
		memgate.WithMetrics(metrics),
		memgate.WithNotifier(notifier),
		memgate.WithClassifier(classifier),
	)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("outbox worker started",
			"dialect", cfg.Database.Dialect,
			"workers", cfg.Worker.Workers,
			"batch_size", cfg.Worker.BatchSize)

		return worker.Run(ctx)
	})
	if cfg.Ops.Addr != "" {
		handler := newOpsHandler(registry, memgate.NewReporter(store, nil), a.logger)
		g.Go(func() error {
			return serveOps(ctx, cfg.Ops.Addr, handler, a.logger)
		})
	}

	err = g.Wait()
	a.logger.Info("outbox worker stopped")

	return err
}
