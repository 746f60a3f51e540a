// Command pgwatch-bench measures publish throughput, end-to-end delivery latency and
// catch-up speed of the pgwatch engine against a chosen backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velmie/pgwatch"
)

type mode string

const (
	modePublish mode = "publish"
	modeDeliver mode = "deliver"
	modeReplay  mode = "replay"
)

const (
	defaultRecords      = 10000
	defaultPayloadBytes = 256
	defaultProducers    = 4
	defaultConsumers    = 1
	defaultWorkers      = 4
	defaultBatchSize    = 100
	defaultDrainTimeout = 2 * time.Minute
	safetyNetInterval   = time.Second
	benchChannel        = "bench"
	timestampKey        = "t"
)

var (
	errDSNRequired     = errors.New("pgwatch-bench: dsn is required")
	errInvalidMode     = errors.New("pgwatch-bench: invalid mode")
	errInvalidBackend  = errors.New("pgwatch-bench: invalid backend")
	errDeliveryTimeout = errors.New("pgwatch-bench: deliveries did not drain in time")
)

type benchConfig struct {
	records      int
	producers    int
	consumers    int
	workers      int
	batchSize    int
	payload      pgwatch.Payload
	drainTimeout time.Duration
}

type result struct {
	Mode             mode          `json:"mode"`
	Backend          backendKind   `json:"backend"`
	Records          int           `json:"records"`
	Producers        int           `json:"producers"`
	Consumers        int           `json:"consumers"`
	Workers          int           `json:"workers"`
	BatchSize        int           `json:"batch_size"`
	PayloadBytes     int           `json:"payload_bytes"`
	Delivered        int64         `json:"delivered"`
	Duration         time.Duration `json:"duration"`
	Throughput       float64       `json:"throughput_msg_per_sec"`
	LatencyP50Ms     float64       `json:"latency_p50_ms"`
	LatencyP95Ms     float64       `json:"latency_p95_ms"`
	LatencyP99Ms     float64       `json:"latency_p99_ms"`
	LatencyMaxMs     float64       `json:"latency_max_ms"`
	LatencyMeanMs    float64       `json:"latency_mean_ms"`
	LatencySamples   int64         `json:"latency_samples"`
	ProcessUserCPU   float64       `json:"process_user_cpu_seconds"`
	ProcessSystemCPU float64       `json:"process_system_cpu_seconds"`
	ProcessMaxRSSKB  int64         `json:"process_max_rss_kb"`
	GoTotalAllocMB   float64       `json:"go_total_alloc_mb"`
	GoNumGC          uint32        `json:"go_num_gc"`
}

func main() {
	var (
		backendName  string
		dsn          string
		tablePrefix  string
		runMode      string
		payloadBytes int
		payloadSeed  int64
		jsonOut      bool
		cfg          benchConfig
	)

	flag.StringVar(&backendName, "backend", "memory", "Backend: memory, sqlite, postgres or mysql")
	flag.StringVar(&dsn, "dsn", "", "Connection string; mysql needs multiStatements=true, sqlite takes a file path")
	flag.StringVar(&tablePrefix, "table-prefix", "pgwatch_bench", "Table prefix (mysql only)")
	flag.StringVar(&runMode, "mode", "deliver", "Benchmark mode: publish, deliver or replay")
	flag.IntVar(&cfg.records, "records", defaultRecords, "Number of notifications to publish")
	flag.IntVar(&cfg.producers, "producers", defaultProducers, "Concurrent publishers")
	flag.IntVar(&cfg.consumers, "consumers", defaultConsumers, "Consumers subscribed to the channel")
	flag.IntVar(&cfg.workers, "workers", defaultWorkers, "Engine dispatch workers")
	flag.IntVar(&cfg.batchSize, "batch-size", defaultBatchSize, "Replay batch size")
	flag.IntVar(&payloadBytes, "payload-bytes", defaultPayloadBytes, "Approximate payload size in bytes")
	flag.Int64Var(&payloadSeed, "payload-seed", 1, "Random seed for payload generation")
	flag.DurationVar(&cfg.drainTimeout, "drain-timeout", defaultDrainTimeout, "Time to wait for deliveries to drain")
	flag.BoolVar(&jsonOut, "json", false, "Print JSON result")
	flag.Parse()

	benchMode, err := parseMode(runMode)
	if err != nil {
		exitErr(err)
	}
	kind, err := parseBackend(backendName)
	if err != nil {
		exitErr(err)
	}

	ctx := context.Background()
	b, err := openBackend(ctx, kind, dsn, tablePrefix)
	if err != nil {
		exitErr(err)
	}
	defer b.close()

	// #nosec G404 -- deterministic RNG for benchmark payloads.
	cfg.payload = buildPayload(payloadBytes, rand.New(rand.NewSource(payloadSeed)))

	start := readResourceUsage()
	var res result
	switch benchMode {
	case modePublish:
		res, err = runPublish(ctx, b, cfg)
	case modeDeliver:
		res, err = runDeliver(ctx, b, cfg)
	case modeReplay:
		res, err = runReplay(ctx, b, cfg)
	}
	if err != nil {
		exitErr(err)
	}
	end := readResourceUsage()

	res.Mode = benchMode
	res.Backend = kind
	res.Records = cfg.records
	res.Producers = cfg.producers
	res.Consumers = cfg.consumers
	res.Workers = cfg.workers
	res.BatchSize = cfg.batchSize
	res.PayloadBytes = payloadBytes
	if res.Duration > 0 {
		res.Throughput = float64(cfg.records) / res.Duration.Seconds()
	}
	res.ProcessUserCPU = end.UserCPUSeconds - start.UserCPUSeconds
	res.ProcessSystemCPU = end.SystemCPUSeconds - start.SystemCPUSeconds
	res.ProcessMaxRSSKB = end.MaxRSSKB
	res.GoTotalAllocMB = float64(end.GoTotalAllocBytes-start.GoTotalAllocBytes) / (1 << 20)
	res.GoNumGC = end.GoNumGC - start.GoNumGC

	if jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
			exitErr(err)
		}

		return
	}

	fmt.Printf(
		"RESULT mode=%s backend=%s records=%d duration=%s throughput=%.0f/s delivered=%d p50=%.2fms p99=%.2fms\n",
		res.Mode,
		res.Backend,
		res.Records,
		res.Duration,
		res.Throughput,
		res.Delivered,
		res.LatencyP50Ms,
		res.LatencyP99Ms,
	)
}

func newEngine(b backend, cfg benchConfig) *pgwatch.Engine {
	opts := []pgwatch.Option{
		pgwatch.WithWorkers(cfg.workers),
		pgwatch.WithBatchSize(cfg.batchSize),
		pgwatch.WithTransport(b.transport),
		// Hints dropped by a full transport buffer are picked up by the safety net.
		pgwatch.WithSafetyNetInterval(safetyNetInterval),
	}
	if b.notifier != nil {
		opts = append(opts, pgwatch.WithNotifier(b.notifier))
	}

	return pgwatch.New(b.store, b.store, opts...)
}

// publishAll splits records across producers and publishes them through publish.
func publishAll(ctx context.Context, cfg benchConfig, publish func(context.Context, pgwatch.Payload) error) error {
	producers := max(cfg.producers, 1)
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < producers; p++ {
		count := cfg.records / producers
		if p < cfg.records%producers {
			count++
		}
		g.Go(func() error {
			for i := 0; i < count; i++ {
				payload := pgwatch.Payload{"data": cfg.payload["data"], timestampKey: strconv.FormatInt(time.Now().UnixNano(), 10)}
				if err := publish(ctx, payload); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func runPublish(ctx context.Context, b backend, cfg benchConfig) (result, error) {
	engine := newEngine(b, cfg)

	begin := time.Now()
	err := publishAll(ctx, cfg, func(ctx context.Context, p pgwatch.Payload) error {
		_, err := engine.Publish(ctx, benchChannel, p)
		return err
	})
	if err != nil {
		return result{}, err
	}

	return result{Duration: time.Since(begin)}, nil
}

func runDeliver(ctx context.Context, b backend, cfg benchConfig) (result, error) {
	engine := newEngine(b, cfg)
	latency := &latencyStats{}
	var delivered atomic.Int64
	want := int64(cfg.records) * int64(max(cfg.consumers, 1))
	done := make(chan struct{})
	var doneOnce sync.Once

	callback := pgwatch.CallbackFunc(func(_ context.Context, h *pgwatch.NotificationHandler) error {
		if raw, ok := h.Data()[timestampKey].(string); ok {
			if ns, err := strconv.ParseInt(raw, 10, 64); err == nil {
				latency.Record(time.Since(time.Unix(0, ns)))
			}
		}
		if delivered.Add(1) == want {
			doneOnce.Do(func() { close(done) })
		}
		return nil
	})
	for i := 0; i < max(cfg.consumers, 1); i++ {
		err := engine.Register(ctx, pgwatch.Consumer{
			ID:         fmt.Sprintf("bench-%d", i),
			Channels:   []string{benchChannel},
			ReplayFrom: pgwatch.ReplayCurrent,
			Callback:   callback,
		})
		if err != nil {
			return result{}, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- engine.Run(runCtx) }()

	begin := time.Now()
	err := publishAll(ctx, cfg, func(ctx context.Context, p pgwatch.Payload) error {
		_, err := engine.Publish(ctx, benchChannel, p)
		return err
	})
	if err != nil {
		return result{}, err
	}

	select {
	case <-done:
	case err := <-runErr:
		return result{}, fmt.Errorf("engine stopped: %w", err)
	case <-time.After(cfg.drainTimeout):
		return result{}, fmt.Errorf("%w: %d of %d", errDeliveryTimeout, delivered.Load(), want)
	}
	elapsed := time.Since(begin)
	cancel()
	<-runErr

	snap := latency.Snapshot()

	return result{
		Duration:       elapsed,
		Delivered:      delivered.Load(),
		LatencyP50Ms:   msFloat(snap.P50),
		LatencyP95Ms:   msFloat(snap.P95),
		LatencyP99Ms:   msFloat(snap.P99),
		LatencyMaxMs:   msFloat(snap.Max),
		LatencyMeanMs:  msFloat(snap.Mean),
		LatencySamples: snap.Count,
	}, nil
}

func runReplay(ctx context.Context, b backend, cfg benchConfig) (result, error) {
	engine := newEngine(b, cfg)

	err := publishAll(ctx, cfg, func(ctx context.Context, p pgwatch.Payload) error {
		_, err := b.store.Append(ctx, benchChannel, p)
		return err
	})
	if err != nil {
		return result{}, fmt.Errorf("seed: %w", err)
	}

	var delivered atomic.Int64
	err = engine.Register(ctx, pgwatch.Consumer{
		ID:       "bench-replay",
		Channels: []string{benchChannel},
		Callback: pgwatch.CallbackFunc(func(context.Context, *pgwatch.NotificationHandler) error {
			delivered.Add(1)
			return nil
		}),
	})
	if err != nil {
		return result{}, err
	}

	begin := time.Now()
	if _, err := engine.CatchUp(ctx, "bench-replay"); err != nil {
		return result{}, err
	}

	return result{Duration: time.Since(begin), Delivered: delivered.Load()}, nil
}

func buildPayload(size int, rng *rand.Rand) pgwatch.Payload {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	data := make([]byte, max(size-len(`{"data":"","t":"0000000000000000000"}`), 0))
	for i := range data {
		data[i] = alphabet[rng.Intn(len(alphabet))]
	}

	return pgwatch.Payload{"data": string(data)}
}

func parseMode(value string) (mode, error) {
	switch mode(value) {
	case modePublish, modeDeliver, modeReplay:
		return mode(value), nil
	default:
		return "", fmt.Errorf("%w: %s", errInvalidMode, value)
	}
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
