package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/blockcache/block"
	"github.com/IvanBrykalov/blockcache/cache"
	"github.com/IvanBrykalov/blockcache/config"
	"github.com/IvanBrykalov/blockcache/internal/memwatch"
	pmet "github.com/IvanBrykalov/blockcache/metrics/prom"
)

type runFlags struct {
	duration    time.Duration
	workers     int
	keys        uint64
	zipfS       float64
	zipfV       float64
	seed        int64
	blockSize   int
	writePct    int
	prefetchPct int
	metricsAddr string
	pprofAddr   string
}

func newRunCmd(g *globals) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workload and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Server.MetricsAddr = f.metricsAddr
			}
			if f.workers <= 0 {
				f.workers = 1
			}
			if f.blockSize <= 0 || f.keys == 0 {
				return errors.New("--block-size and --keys must be positive")
			}
			return run(cmd.Context(), cfg, f, log, cmd.OutOrStdout())
		},
	}
	fl := cmd.Flags()
	fl.DurationVar(&f.duration, "duration", 10*time.Second, "benchmark duration")
	fl.IntVar(&f.workers, "workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
	fl.Uint64Var(&f.keys, "keys", 1<<20, "number of distinct blocks")
	fl.Float64Var(&f.zipfS, "zipf-s", 1.1, "Zipf s > 1 (skew)")
	fl.Float64Var(&f.zipfV, "zipf-v", 1.0, "Zipf v >= 1")
	fl.Int64Var(&f.seed, "seed", time.Now().UnixNano(), "random seed")
	fl.IntVar(&f.blockSize, "block-size", 4096, "block size in bytes")
	fl.IntVar(&f.writePct, "writes", 5, "write-through percentage [0..100]")
	fl.IntVar(&f.prefetchPct, "prefetch", 5, "percentage of reads that also prefetch the next block")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics at addr (overrides server.metrics_addr; empty disables)")
	fl.StringVar(&f.pprofAddr, "pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
	return cmd
}

type result struct {
	ops, reads, writes, prefetches, errors int64
	elapsed                                time.Duration
}

func run(ctx context.Context, cfg *config.Config, f *runFlags, log *slog.Logger, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closer, err := openStore(ctx, cfg.Store, f.blockSize, log)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pmet.New(reg, cfg.Server.Namespace, "arc", nil)

	l2cfg, err := cfg.L2.Open(log)
	if err != nil {
		return err
	}
	opt := cfg.Cache.Options()
	opt.Source = store
	opt.Sink = store
	opt.L2 = l2cfg
	opt.Metrics = metrics
	opt.Logger = log
	c, err := cache.New(opt)
	if err != nil {
		if l2cfg != nil {
			for _, d := range l2cfg.Devices {
				_ = d.Close()
			}
		}
		return err
	}
	defer c.Close()

	if cfg.MemWatch.Enabled {
		w := memwatch.New(memwatch.Config{
			Interval:        cfg.MemWatch.Interval,
			MinFreeFraction: cfg.MemWatch.MinFreeFraction,
			MinFreeBytes:    uint64(cfg.MemWatch.MinFree),
			Logger:          log,
		}, c.Shrink)
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Info("memory watcher disabled", "err", err)
			}
		}()
	}

	if addr := cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()
		defer srv.Close()
	}
	if f.pprofAddr != "" {
		go func() {
			log.Info("serving pprof", "addr", f.pprofAddr)
			log.Error("pprof server", "err", http.ListenAndServe(f.pprofAddr, nil))
		}()
	}

	res := drive(ctx, c, f, synth(f.blockSize), log)
	report(out, cfg, f, res, c.Stats())
	return nil
}

func blockKey(n uint64, blockSize int) block.Key {
	return block.Key{Pool: 0xb10c, Vdev: 1, Offset: n * uint64(blockSize), Birth: 1}
}

// drive runs the workers until the duration elapses or ctx ends.
func drive(ctx context.Context, c *cache.Cache, f *runFlags, gen func(block.Key) []byte, log *slog.Logger) result {
	ctx, cancel := context.WithTimeout(ctx, f.duration)
	defer cancel()

	var res result
	var logged atomic.Bool
	fail := func(err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		atomic.AddInt64(&res.errors, 1)
		if logged.CompareAndSwap(false, true) {
			log.Warn("workload error (further errors counted only)", "err", err)
		}
	}

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < f.workers; w++ {
		seed := f.seed + int64(w)*9973
		g.Go(func() error {
			// rand.Rand is not goroutine-safe: one per worker.
			r := rand.New(rand.NewSource(seed))
			z := rand.NewZipf(r, f.zipfS, f.zipfV, f.keys-1)
			for ctx.Err() == nil {
				atomic.AddInt64(&res.ops, 1)
				n := z.Uint64()
				k := blockKey(n, f.blockSize)

				if r.Intn(100) < f.writePct {
					atomic.AddInt64(&res.writes, 1)
					if err := c.Write(ctx, k, gen(k)); err != nil {
						fail(err)
					}
					continue
				}

				atomic.AddInt64(&res.reads, 1)
				h, err := c.Get(ctx, k)
				if err != nil {
					fail(err)
					continue
				}
				h.Release()

				if r.Intn(100) < f.prefetchPct && n+1 < f.keys {
					atomic.AddInt64(&res.prefetches, 1)
					if h, err := c.Get(ctx, blockKey(n+1, f.blockSize), cache.Prefetch()); err == nil {
						h.Release()
					} else {
						fail(err)
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	res.elapsed = time.Since(start)
	return res
}

func report(out io.Writer, cfg *config.Config, f *runFlags, res result, st cache.Stats) {
	secs := res.elapsed.Seconds()
	fmt.Fprintf(out, "store=%s workers=%d keys=%d block=%s dur=%v seed=%d\n",
		cfg.Store.Kind, f.workers, f.keys, humanize.IBytes(uint64(f.blockSize)), res.elapsed.Round(time.Millisecond), f.seed)
	fmt.Fprintf(out, "ops=%d (%.0f ops/s)  reads=%d  writes=%d  prefetches=%d  errors=%d\n",
		res.ops, float64(res.ops)/secs, res.reads, res.writes, res.prefetches, res.errors)
	fmt.Fprintf(out, "hit-ratio=%.2f%%  ghost-hits=%d  evictions=%d (%s)  stuck=%d\n",
		st.HitRatio()*100, st.GhostHits, st.Evictions, humanize.IBytes(uint64(st.EvictedBytes)), st.EvictStuck)
	fmt.Fprintf(out, "C=%s  P=%s  resident=%s  headers=%d\n",
		humanize.IBytes(uint64(st.Target)), humanize.IBytes(uint64(st.Split)), humanize.IBytes(uint64(st.Resident)), st.Headers)
	for s := cache.State(1); s < cache.NumStates; s++ {
		fmt.Fprintf(out, "  %-11s count=%-8d size=%-10s hits=%-10d misses=%d\n",
			s, st.Count[s], humanize.IBytes(uint64(st.Size[s])), st.Hits[s], st.Misses[s])
	}
	if l := st.L2; l != nil {
		fmt.Fprintf(out, "l2: hits=%d misses=%d writes=%d (%s) evictions=%d checksum-failures=%d used=%s/%s\n",
			st.L2Hits, st.L2Misses, l.Writes, humanize.IBytes(uint64(l.BytesWritten)), l.Evictions,
			l.ChecksumFailures, humanize.IBytes(uint64(l.UsedBytes)), humanize.IBytes(uint64(l.CapacityBytes)))
	}
}
