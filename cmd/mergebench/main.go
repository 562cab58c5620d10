// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Command mergebench wires an in-memory fixture and a bolt-backed store
// through the admission semaphore and the combined reader, draining the
// resulting merged fragment stream while serving Prometheus gauges for the
// semaphore's live budget.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/spacemonkeygo/monkit.v2"

	"coredb.dev/coredb/admission"
	"coredb.dev/coredb/boltsource"
	"coredb.dev/coredb/fragment"
	"coredb.dev/coredb/internal/memory"
	"coredb.dev/coredb/internal/sync2"
	"coredb.dev/coredb/merge"
	"coredb.dev/coredb/mutationreader"
	"coredb.dev/coredb/ring"
	"coredb.dev/coredb/schema"
	"coredb.dev/coredb/selector"
	"coredb.dev/coredb/storetest"
)

var mon = monkit.Package()

type config struct {
	BoltPath    string
	MaxCount    int
	MaxMemory   memory.Size
	MaxQueue    int
	MetricsAddr string
}

func main() {
	cfg := &config{MaxMemory: 64 * memory.MB}

	cmd := &cobra.Command{
		Use:   "mergebench",
		Short: "drives a merged mutation-reader stream over a memory and a bolt source",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindEnv(cmd, cfg)
		},
		RunE: run,
	}

	cmd.Flags().StringVar(&cfg.BoltPath, "bolt-path", "mergebench.db", "path to the bolt database backing the on-disk source")
	cmd.Flags().IntVar(&cfg.MaxCount, "max-count", 10, "admission semaphore reader-count budget")
	cmd.Flags().Var(&cfg.MaxMemory, "max-memory", "admission semaphore memory budget (e.g. 64MB)")
	cmd.Flags().IntVar(&cfg.MaxQueue, "max-queue", 100, "admission semaphore waiting-queue depth")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	viper.SetEnvPrefix("MERGEBENCH")
	viper.AutomaticEnv()

	cmd.SetContext(context.WithValue(context.Background(), configKey{}, cfg))
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type configKey struct{}

// bindEnv overrides any flag left at its default with the value viper
// picked up from MERGEBENCH_* environment variables, following the
// flags-then-env precedence cobra+viper commands use throughout the stack.
func bindEnv(cmd *cobra.Command, cfg *config) error {
	if !cmd.Flags().Changed("bolt-path") {
		cfg.BoltPath = viper.GetString("bolt-path")
	}
	if !cmd.Flags().Changed("max-count") {
		cfg.MaxCount = viper.GetInt("max-count")
	}
	if !cmd.Flags().Changed("max-queue") {
		cfg.MaxQueue = viper.GetInt("max-queue")
	}
	if !cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = viper.GetString("metrics-addr")
	}
	if !cmd.Flags().Changed("max-memory") {
		if s := viper.GetString("max-memory"); s != "" {
			return cfg.MaxMemory.Set(s)
		}
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	defer mon.Task()(&ctx)(&err)

	cfg := ctx.Value(configKey{}).(*config)

	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sem := admission.New(log.Named("admission"), admission.Config{
		MaxCount:  cfg.MaxCount,
		MaxMemory: cfg.MaxMemory,
		MaxQueue:  cfg.MaxQueue,
	})
	go func() {
		if err := sem.Run(ctx); err != nil {
			log.Error("admission retry cycle exited", zap.Error(err))
		}
	}()
	defer sem.Close()

	registry := prometheus.NewRegistry()
	registerSemaphoreGauges(registry, sem)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	listener, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		return err
	}
	// listening is released once the socket is bound, so callers who want
	// to scrape /metrics immediately (e.g. an integration test) don't have
	// to poll or guess a sleep duration.
	var listening sync2.Fence
	go func() {
		listening.Release()
		log.Info("serving metrics", zap.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server exited", zap.Error(err))
		}
	}()
	listening.Wait()
	defer func() { _ = server.Close() }()

	sch := schema.Simple{Part: schema.BytesPartitioner{}, Cmp: clusteringComparator()}

	store, err := boltsource.Open(cfg.BoltPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	for _, m := range boltFixture() {
		if err := store.Put(m); err != nil {
			return err
		}
	}

	permit, err := sem.WaitAdmission(ctx, 4*memory.MB)
	if err != nil {
		return err
	}
	permitHeld := true
	defer func() {
		if permitHeld {
			permit.Release()
		}
	}()

	// Both readers are independent of each other, so their construction
	// (and, for boltsource, the initial on-disk scan) runs concurrently,
	// bounded by a Limiter.
	var memReader, boltReader mutationreader.Reader
	var memErr, boltErr error
	limiter := sync2.NewLimiter(2)
	limiter.Go(ctx, func() {
		memReader, memErr = storetest.Factory(sch, memoryFixture())(ctx, sch, ring.Everything, mutationreader.FullSlice, mutationreader.Forwarding{})
	})
	limiter.Go(ctx, func() {
		boltReader, boltErr = store.Factory(log.Named("boltsource"), permit)(ctx, sch, ring.Everything, mutationreader.FullSlice, mutationreader.Forwarding{})
	})
	limiter.Wait()
	if memErr != nil {
		return memErr
	}
	if boltErr != nil {
		return boltErr
	}

	pending := []selector.Candidate{
		{Reader: memReader, FirstPossible: ring.MinPosition, LastPossible: ring.MaxPosition},
		{Reader: boltReader, FirstPossible: ring.MinPosition, LastPossible: ring.MaxPosition},
	}
	combined := merge.New(log.Named("merge"), sch, pending, mutationreader.Forwarding{})
	defer func() { _ = combined.Close() }()

	count := 0
	for {
		if err := combined.FillBuffer(ctx); err != nil {
			return err
		}
		if combined.IsBufferEmpty() {
			if combined.IsEndOfStream() {
				break
			}
			continue
		}
		f := combined.PopFragment()
		if f.Kind == fragment.PartitionStart {
			count++
		}
	}

	log.Info("merge complete", zap.Int("partitions", count))

	// Give a final /metrics scrape a chance to observe the budget back at
	// full before the deferred server.Close() tears the listener down.
	permit.Release()
	permitHeld = false
	sync2.Sleep(ctx, 500*time.Millisecond)
	return nil
}

func registerSemaphoreGauges(registry *prometheus.Registry, sem *admission.Semaphore) {
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "mergebench_available_count", Help: "admission semaphore available reader-count budget"},
		func() float64 { return float64(sem.AvailableCount()) },
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "mergebench_available_memory_bytes", Help: "admission semaphore available memory budget"},
		func() float64 { return sem.AvailableMemory().Float64() },
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "mergebench_queue_length", Help: "admission semaphore waiting-queue depth"},
		func() float64 { return float64(sem.QueueLength()) },
	))
}
