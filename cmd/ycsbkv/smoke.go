package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/andreyvit/ycsbkv"
)

const smokeTable = "usertable"

type smokeOptions struct {
	Workers     int
	Records     int
	Fields      int
	FieldSize   int
	ScanLength  int
	Rate        float64
	Keep        bool
	MetricsAddr string
}

func newSmokeCmd(g *globalOptions) *cobra.Command {
	var opt smokeOptions
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run every record operation against the configured store and report the outcome",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVarP(&opt.Workers, "workers", "w", 0, "Concurrent workers (default threadcount)")
	cmd.Flags().IntVarP(&opt.Records, "records", "n", 1000, "Records to insert")
	cmd.Flags().IntVar(&opt.Fields, "fields", 10, "Fields per record")
	cmd.Flags().IntVar(&opt.FieldSize, "field-size", 100, "Bytes per field value")
	cmd.Flags().IntVar(&opt.ScanLength, "scan-length", 10, "Records per scan")
	cmd.Flags().Float64Var(&opt.Rate, "rate", 0, "Maximum operations per second across all workers (0 = unlimited)")
	cmd.Flags().BoolVar(&opt.Keep, "keep", false, "Keep the data instead of cleaning up afterwards")
	cmd.Flags().StringVar(&opt.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		b, err := g.open()
		if err != nil {
			return err
		}
		defer b.close()
		if opt.Workers <= 0 {
			opt.Workers = b.cfg.ThreadCount
		}

		logger := g.logger(cmd.ErrOrStderr())
		reg := prometheus.NewRegistry()
		metrics := ycsbkv.NewMetrics(reg)
		if opt.MetricsAddr != "" {
			ln, err := net.Listen("tcp", opt.MetricsAddr)
			if err != nil {
				return fmt.Errorf("metrics: %w", err)
			}
			srv := &http.Server{Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("ycsbkv: metrics server failed", "addr", opt.MetricsAddr, "err", err)
				}
			}()
			defer srv.Close()
		}

		sh := ycsbkv.NewShared(b.dial, b.cfg, logger, metrics)
		rep, err := runSmoke(cmd.Context(), b, sh, opt)
		if err != nil {
			return err
		}
		rep.print(cmd.OutOrStdout())
		if rep.failures() > 0 {
			return exitError(2)
		}
		return nil
	}
	return cmd
}

type opCounts struct {
	ok, failed int64
}

type smokeReport struct {
	mu      sync.Mutex
	ops     map[string]*opCounts
	order   []string
	elapsed time.Duration
}

func (r *smokeReport) record(op string, st ycsbkv.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.ops[op]
	if c == nil {
		if r.ops == nil {
			r.ops = make(map[string]*opCounts)
		}
		c = &opCounts{}
		r.ops[op] = c
		r.order = append(r.order, op)
	}
	if st == ycsbkv.StatusOK {
		c.ok++
	} else {
		c.failed++
	}
}

func (r *smokeReport) failures() int64 {
	var n int64
	for _, c := range r.ops {
		n += c.failed
	}
	return n
}

func (r *smokeReport) print(w io.Writer) {
	var total int64
	for _, op := range r.order {
		c := r.ops[op]
		total += c.ok + c.failed
		fmt.Fprintf(w, "%-8s %10s ok %10s failed\n", op, humanize.Comma(c.ok), humanize.Comma(c.failed))
	}
	secs := r.elapsed.Seconds()
	if secs > 0 {
		fmt.Fprintf(w, "%s operations in %v (%s ops/sec)\n", humanize.Comma(total), r.elapsed.Round(time.Millisecond), humanize.Comma(int64(float64(total)/secs)))
	} else {
		fmt.Fprintf(w, "%s operations\n", humanize.Comma(total))
	}
}

func smokeKey(i int) string {
	return fmt.Sprintf("user%d", i)
}

func smokeRecord(rng *rand.Rand, fields, size int) ycsbkv.Record {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	rec := make(ycsbkv.Record, fields)
	for f := range fields {
		v := make([]byte, size)
		for i := range v {
			v[i] = letters[rng.IntN(len(letters))]
		}
		rec[fmt.Sprintf("field%d", f)] = v
	}
	return rec
}

// runSmoke loads opt.Records records with opt.Workers bindings, then has each
// worker read, update, scan and delete its share of them.
func runSmoke(ctx context.Context, b *backend, sh *ycsbkv.Shared, opt smokeOptions) (*smokeReport, error) {
	err := b.withConn(ctx, func(c ycsbkv.Conn) error {
		return ycsbkv.Prepare(ctx, c, b.cfg)
	})
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if opt.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opt.Rate), 1)
	}
	wait := func() error {
		if limiter == nil {
			return nil
		}
		return limiter.Wait(ctx)
	}

	bindings := make([]*ycsbkv.Binding, opt.Workers)
	for i := range bindings {
		bnd, err := ycsbkv.OpenBinding(ctx, sh, b.cfg)
		if err != nil {
			for _, prev := range bindings[:i] {
				prev.Cleanup()
			}
			return nil, err
		}
		bindings[i] = bnd
	}
	defer func() {
		for _, bnd := range bindings {
			bnd.Cleanup()
		}
	}()

	rep := &smokeReport{}
	start := time.Now()
	phase := func(f func(bnd *ycsbkv.Binding, rng *rand.Rand, i int) error) error {
		g, ctx := errgroup.WithContext(ctx)
		for w, bnd := range bindings {
			g.Go(func() error {
				rng := rand.New(rand.NewPCG(uint64(w), uint64(start.UnixNano())))
				for i := w; i < opt.Records; i += opt.Workers {
					if err := ctx.Err(); err != nil {
						return err
					}
					if err := wait(); err != nil {
						return err
					}
					if err := f(bnd, rng, i); err != nil {
						return err
					}
				}
				return nil
			})
		}
		return g.Wait()
	}

	err = phase(func(bnd *ycsbkv.Binding, rng *rand.Rand, i int) error {
		rep.record("insert", bnd.Insert(ctx, smokeTable, smokeKey(i), smokeRecord(rng, opt.Fields, opt.FieldSize)))
		return nil
	})
	if err == nil {
		err = phase(func(bnd *ycsbkv.Binding, rng *rand.Rand, i int) error {
			key := smokeKey(i)
			_, st := bnd.Read(ctx, smokeTable, key, nil)
			rep.record("read", st)
			rep.record("update", bnd.Update(ctx, smokeTable, key, smokeRecord(rng, 1, opt.FieldSize)))
			_, st = bnd.Scan(ctx, smokeTable, key, opt.ScanLength, nil)
			rep.record("scan", st)
			return nil
		})
	}
	if err == nil {
		err = phase(func(bnd *ycsbkv.Binding, rng *rand.Rand, i int) error {
			rep.record("delete", bnd.Delete(ctx, smokeTable, smokeKey(i)))
			return nil
		})
	}
	rep.elapsed = time.Since(start)
	if err != nil {
		return nil, err
	}

	if !opt.Keep {
		err := b.withConn(ctx, func(c ycsbkv.Conn) error {
			return ycsbkv.Clean(ctx, c)
		})
		if err != nil {
			return nil, err
		}
	}
	return rep, nil
}
