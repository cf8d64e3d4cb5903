package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
	"github.com/velmie/memgate/downstream"
)

const (
	defaultBenchRecords = 1000
	defaultBenchPayload = 256
	defaultDrainTimeout = 2 * time.Minute
	defaultDrainPoll    = 50 * time.Millisecond
	percentileP50       = 0.50
	percentileP95       = 0.95
	percentileP99       = 0.99
)

var (
	errInvalidRecords  = errors.New("memgate bench: records must be positive")
	errInvalidFailRate = errors.New("memgate bench: fail-rate must be within [0, 1)")
	errDrainTimeout    = errors.New("memgate bench: outbox did not drain before timeout")
)

type benchConfig struct {
	records      int
	payloadBytes int
	failRate     float64
	latency      time.Duration
	drainTimeout time.Duration
}

func (c benchConfig) validate() error {
	if c.records <= 0 {
		return errInvalidRecords
	}
	if c.failRate < 0 || c.failRate >= 1 {
		return errInvalidFailRate
	}

	return nil
}

type benchResult struct {
	Records       int           `json:"records"`
	Delivered     int64         `json:"delivered"`
	Dead          int64         `json:"dead"`
	Attempts      int64         `json:"attempts"`
	SeedDuration  time.Duration `json:"seed_duration"`
	RunDuration   time.Duration `json:"run_duration"`
	Throughput    float64       `json:"throughput_msg_per_sec"`
	Workers       int           `json:"workers"`
	Concurrency   int           `json:"concurrency"`
	BatchSize     int           `json:"batch_size"`
	LatencyP50Ms  float64       `json:"latency_p50_ms"`
	LatencyP95Ms  float64       `json:"latency_p95_ms"`
	LatencyP99Ms  float64       `json:"latency_p99_ms"`
	LatencyMaxMs  float64       `json:"latency_max_ms"`
	LatencyMeanMs float64       `json:"latency_mean_ms"`
}

// benchClient stands in for the memory service. It fails transiently at
// failRate and records seed-to-delivery latency per content key.
type benchClient struct {
	failRate float64
	latency  time.Duration

	mu       sync.Mutex
	seededAt map[string]time.Time
	samples  []time.Duration
	attempts int64
}

func (c *benchClient) Store(ctx context.Context, content string, _ map[string]any) (downstream.StoreResult, error) {
	if c.latency > 0 {
		select {
		case <-ctx.Done():
			return downstream.StoreResult{}, downstream.Unavailable(ctx.Err())
		case <-time.After(c.latency):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.failRate > 0 && rand.Float64() < c.failRate {
		return downstream.StoreResult{}, &downstream.StoreError{Transient: true, StatusCode: 503, Message: "bench injected failure"}
	}
	if seeded, ok := c.seededAt[content]; ok {
		c.samples = append(c.samples, time.Since(seeded))
		delete(c.seededAt, content)
	}

	return downstream.StoreResult{ID: "bench-" + content}, nil
}

func newBenchCmd(a *app) *cobra.Command {
	cfg := benchConfig{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Seed the outbox and measure how fast the worker drains it",
		Long: `Seed the configured outbox with synthetic entries and drain them with the
worker against an in-process stand-in for the memory service. Prints a JSON
summary with throughput and seed-to-delivery latency percentiles.

Use a scratch database: seeded entries and their audit rows are kept.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.validate(); err != nil {
				return usageError{msg: err.Error()}
			}

			result, err := a.runBench(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(result)
		},
	}
	cmd.Flags().IntVar(&cfg.records, "records", defaultBenchRecords, "Entries to seed")
	cmd.Flags().IntVar(&cfg.payloadBytes, "payload-bytes", defaultBenchPayload, "Content size per entry")
	cmd.Flags().Float64Var(&cfg.failRate, "fail-rate", 0, "Fraction of deliveries failing transiently")
	cmd.Flags().DurationVar(&cfg.latency, "latency", 0, "Simulated downstream latency per call")
	cmd.Flags().DurationVar(&cfg.drainTimeout, "drain-timeout", defaultDrainTimeout, "Give up if the outbox is not drained by then")

	return cmd
}

func (a *app) runBench(ctx context.Context, cfg benchConfig) (benchResult, error) {
	store, closeStore, err := openBackend(ctx, a.cfg, a.logger)
	if err != nil {
		return benchResult{}, err
	}
	defer closeStore()

	client := &benchClient{
		failRate: cfg.failRate,
		latency:  cfg.latency,
		seededAt: make(map[string]time.Time, cfg.records),
	}

	before, err := store.OutboxStats(ctx, time.Time{})
	if err != nil {
		return benchResult{}, err
	}

	seedStart := time.Now()
	if err := seedBench(ctx, store, client, cfg, a.cfg.Retry.MaxRetries); err != nil {
		return benchResult{}, err
	}
	seedDuration := time.Since(seedStart)

	worker, err := memgate.NewWorker(store, client,
		memgate.WithBatchSize(a.cfg.Worker.BatchSize),
		memgate.WithPollInterval(a.cfg.Worker.PollInterval),
		memgate.WithWorkers(a.cfg.Worker.Workers),
		memgate.WithConcurrency(a.cfg.Worker.Concurrency),
		memgate.WithDeliveryTimeout(a.cfg.Worker.DeliveryTimeout),
		memgate.WithLeaseDuration(a.cfg.Worker.LeaseDuration),
		memgate.WithLogger(a.logger),
	)
	if err != nil {
		return benchResult{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	runStart := time.Now()
	go func() {
		runErr <- worker.Run(runCtx)
	}()

	after, err := waitDrained(ctx, store, cfg.drainTimeout, runErr)
	runDuration := time.Since(runStart)
	cancel()
	if err != nil {
		return benchResult{}, err
	}

	client.mu.Lock()
	samples := append([]time.Duration(nil), client.samples...)
	attempts := client.attempts
	client.mu.Unlock()

	delivered := after.SentSince - before.SentSince
	result := benchResult{
		Records:      cfg.records,
		Delivered:    delivered,
		Dead:         after.Dead - before.Dead,
		Attempts:     attempts,
		SeedDuration: seedDuration,
		RunDuration:  runDuration,
		Workers:      a.cfg.Worker.Workers,
		Concurrency:  a.cfg.Worker.Concurrency,
		BatchSize:    a.cfg.Worker.BatchSize,
	}
	if runDuration > 0 {
		result.Throughput = float64(delivered) / runDuration.Seconds()
	}
	fillLatency(&result, samples)

	return result, nil
}

func seedBench(ctx context.Context, store memgate.OutboxStore, client *benchClient, cfg benchConfig, maxRetries int) error {
	filler := strings.Repeat("x", max(cfg.payloadBytes, 0))
	for i := 0; i < cfg.records; i++ {
		content := strconv.Itoa(i) + ":" + filler
		write := memgate.PendingWrite{
			CorrelationID: correlation.New(),
			ActorUserID:   "bench",
			Space:         "team:bench",
			Operation:     audit.OperationMemoryStore,
			Content:       content,
		}
		payload, err := write.Encode()
		if err != nil {
			return err
		}

		client.mu.Lock()
		client.seededAt[content] = time.Now()
		client.mu.Unlock()

		if _, err := store.Insert(ctx, memgate.NewEntry{
			CorrelationID: write.CorrelationID,
			Payload:       payload,
			MaxRetries:    maxRetries,
		}); err != nil {
			return fmt.Errorf("seed entry %d: %w", i, err)
		}
	}

	return nil
}

func waitDrained(
	ctx context.Context,
	source memgate.ReportSource,
	timeout time.Duration,
	runErr <-chan error,
) (memgate.OutboxStats, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(defaultDrainPoll)
	defer ticker.Stop()

	for {
		stats, err := source.OutboxStats(ctx, time.Time{})
		if err != nil {
			return memgate.OutboxStats{}, err
		}
		if stats.Pending == 0 {
			return stats, nil
		}

		select {
		case <-ctx.Done():
			return memgate.OutboxStats{}, ctx.Err()
		case err := <-runErr:
			if err == nil {
				err = errors.New("memgate bench: worker stopped early")
			}

			return memgate.OutboxStats{}, err
		case <-deadline.C:
			return memgate.OutboxStats{}, fmt.Errorf("%w: %d pending", errDrainTimeout, stats.Pending)
		case <-ticker.C:
		}
	}
}

func fillLatency(result *benchResult, samples []time.Duration) {
	if len(samples) == 0 {
		return
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	result.LatencyP50Ms = durationMs(percentile(samples, percentileP50))
	result.LatencyP95Ms = durationMs(percentile(samples, percentileP95))
	result.LatencyP99Ms = durationMs(percentile(samples, percentileP99))
	result.LatencyMaxMs = durationMs(samples[len(samples)-1])
	result.LatencyMeanMs = durationMs(meanDuration(samples))
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}

	return samples[idx]
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}

	return sum / time.Duration(len(samples))
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
