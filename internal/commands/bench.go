package commands

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"dfs-rpc/client"
	"dfs-rpc/internal/cli"
	"dfs-rpc/internal/demo"

	tdigest "github.com/caio/go-tdigest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var benchArgs struct {
	clientFlags
	n           int
	concurrency int
	rate        float64
	payload     int
	metricsAddr string
}

var BenchCmd = &cli.Subcommand{
	Use:   "bench",
	Short: "issue echo calls and report latency quantiles",
	SetupFlags: func(f *pflag.FlagSet) {
		benchArgs.register(f)
		f.IntVar(&benchArgs.n, "n", 1000, "number of calls")
		f.IntVar(&benchArgs.concurrency, "concurrency", 16, "calls in flight")
		f.Float64Var(&benchArgs.rate, "rate", 0, "calls per second, 0 = unlimited")
		f.IntVar(&benchArgs.payload, "payload", 64, "echo payload size in bytes")
		f.StringVar(&benchArgs.metricsAddr, "metrics-addr", "", "expose client metrics on this address while running")
	},
	Run: runBench,
}

// latencies is a mutex-guarded t-digest; tdigest.TDigest is not safe for concurrent use.
type latencies struct {
	mu      sync.Mutex
	td      *tdigest.TDigest
	slowest time.Duration
	failed  int
}

func (l *latencies) add(d time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.failed++
		return
	}
	l.td.Add(float64(d))
	if d > l.slowest {
		l.slowest = d
	}
}

func (l *latencies) quantile(q float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Duration(l.td.Quantile(q))
}

func runBench(s *cli.Subcommand, args []string) error {
	ctx := context.Background()
	if benchArgs.metricsAddr != "" {
		if err := client.PrometheusRegister(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go http.ListenAndServe(benchArgs.metricsAddr, mux)
	}
	e, closer, err := benchArgs.dial(ctx, s)
	if err != nil {
		return err
	}
	defer closer.Close()

	// compression 100 keeps the tails accurate at ~8KB per 1e6 samples
	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		return err
	}
	lat := &latencies{td: td}
	limit := rate.Inf
	if benchArgs.rate > 0 {
		limit = rate.Limit(benchArgs.rate)
	}
	limiter := rate.NewLimiter(limit, benchArgs.concurrency)
	payload := wrapperspb.String(strings.Repeat("x", benchArgs.payload))

	var g errgroup.Group
	g.SetLimit(benchArgs.concurrency)
	start := time.Now()
	for i := 0; i < benchArgs.n; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			t0 := time.Now()
			_, err := client.Invoke(ctx, e, demo.Echo, payload)
			lat.add(time.Since(t0), err)
			return nil
		})
	}
	g.Wait()
	elapsed := time.Since(start)

	fmt.Printf("calls=%d failed=%d elapsed=%s rate=%.0f/s\n",
		benchArgs.n, lat.failed, elapsed.Round(time.Millisecond), float64(benchArgs.n)/elapsed.Seconds())
	if lat.failed < benchArgs.n {
		fmt.Printf("q50=%s q99=%s q999=%s slowest=%s\n",
			lat.quantile(0.5), lat.quantile(0.99), lat.quantile(0.999), lat.slowest)
	}
	return nil
}
