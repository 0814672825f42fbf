// Package probe measures node latency through the engine in bounded
// concurrent batches. One node's failure never aborts a batch: it is
// recorded as an absent result.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrProbeTimeout = errors.New("probe: timeout")

// Delayer is the part of the control API a probe needs.
type Delayer interface {
	Delay(ctx context.Context, name, testURL string, timeout time.Duration) (time.Duration, error)
}

type Target struct {
	ID string
	// Name is the proxy name in the applied config.
	Name string
}

type Result struct {
	ID      string
	Name    string
	Latency time.Duration
	// OK is false for an absent result; Err says why.
	OK  bool
	Err error
}

type Results map[string]Result

// Latency returns the measured latency of id, ok=false when absent.
func (r Results) Latency(id string) (time.Duration, bool) {
	res, ok := r[id]
	if !ok || !res.OK {
		return 0, false
	}
	return res.Latency, true
}

// Progress is reported once per finished target, in completion order.
type Progress struct {
	Done   int
	Total  int
	Result Result
}

type Observer interface {
	ObserveProbe(ok bool, d time.Duration)
}

type Options struct {
	URL          string
	Timeout      time.Duration
	BatchTimeout time.Duration
	Concurrency  int
	// Rate caps probe starts per second, 0 is unlimited.
	Rate float64

	Logger   *slog.Logger
	Observer Observer
}

type Prober struct {
	d      Delayer
	opt    Options
	logger *slog.Logger
}

func New(d Delayer, opt Options) *Prober {
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	if opt.BatchTimeout <= 0 {
		opt.BatchTimeout = 2 * time.Minute
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = 4
	}
	if opt.URL == "" {
		opt.URL = "https://www.gstatic.com/generate_204"
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{d: d, opt: opt, logger: logger}
}

func (p *Prober) Concurrency() int { return p.opt.Concurrency }

// Timeout is the per-probe timeout.
func (p *Prober) Timeout() time.Duration { return p.opt.Timeout }

// One probes a single target with the per-probe timeout.
func (p *Prober) One(ctx context.Context, t Target) Result {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, p.opt.Timeout+time.Second)
	defer cancel()

	d, err := p.d.Delay(pctx, t.Name, p.opt.URL, p.opt.Timeout)
	res := Result{ID: t.ID, Name: t.Name}
	switch {
	case err == nil:
		res.OK = true
		res.Latency = d
	case errors.Is(pctx.Err(), context.DeadlineExceeded):
		res.Err = ErrProbeTimeout
	default:
		res.Err = err
	}
	if p.opt.Observer != nil {
		p.opt.Observer.ObserveProbe(res.OK, time.Since(start))
	}
	return res
}

// Run probes every target with at most Concurrency probes in flight. The
// returned map has an entry for every target. The error is non-nil only when
// ctx itself ended; the batch timeout turns unstarted targets into absent
// results instead.
func (p *Prober) Run(ctx context.Context, targets []Target, progress func(Progress)) (Results, error) {
	bctx, cancel := context.WithTimeout(ctx, p.opt.BatchTimeout)
	defer cancel()

	var limiter *rate.Limiter
	if p.opt.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.opt.Rate), 1)
	}

	results := make(Results, len(targets))
	var mu sync.Mutex
	done := 0
	record := func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results[r.ID] = r
		done++
		if progress != nil {
			progress(Progress{Done: done, Total: len(targets), Result: r})
		}
	}

	p.logger.Info("latency batch started",
		slog.Int("targets", len(targets)),
		slog.Int("concurrency", p.opt.Concurrency),
	)
	start := time.Now()

	g := new(errgroup.Group)
	g.SetLimit(p.opt.Concurrency)
	i := 0
	for ; i < len(targets); i++ {
		if limiter != nil {
			if err := limiter.Wait(bctx); err != nil {
				break
			}
		}
		if bctx.Err() != nil {
			break
		}
		t := targets[i]
		g.Go(func() error {
			if bctx.Err() != nil {
				record(Result{ID: t.ID, Name: t.Name, Err: ErrProbeTimeout})
				return nil
			}
			record(p.One(bctx, t))
			return nil
		})
	}
	_ = g.Wait()
	for ; i < len(targets); i++ {
		record(Result{ID: targets[i].ID, Name: targets[i].Name, Err: ErrProbeTimeout})
	}

	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
		}
	}
	p.logger.Info("latency batch finished",
		slog.Int("targets", len(targets)),
		slog.Int("ok", ok),
		slog.Duration("elapsed", time.Since(start)),
	)
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}
