package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/John-Robertt/vortex-go/internal/fetch"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/sub"
)

// Report summarizes one refresh.
type Report struct {
	Source   string
	Format   sub.Format
	Nodes    int
	Skipped  int
	UserInfo *fetch.UserInfo
	Catalog  *model.Catalog
}

type Options struct {
	// URL is fetched when set; otherwise File is read.
	URL   string
	File  string
	Fetch fetch.Options

	Logger *slog.Logger
	// OnSwap runs after a new catalog is installed.
	OnSwap func(*model.Catalog)
}

type Refresher struct {
	store  *Store
	opt    Options
	logger *slog.Logger
	flight singleflight.Group
	now    func() time.Time
}

func NewRefresher(store *Store, opt Options) *Refresher {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{store: store, opt: opt, logger: logger, now: time.Now}
}

// flightSlack covers parsing and the swap after the fetch itself.
const flightSlack = 5 * time.Second

var ErrNoSource = errors.New("catalog: no subscription url or file configured")

// Refresh fetches and parses the subscription and swaps the catalog.
// Concurrent calls share one fetch. When no node survives parsing the
// previous catalog stays in place and a *sub.ParseError is returned.
//
// The shared fetch outlives any single caller: ctx only bounds how long
// this caller waits for it.
func (r *Refresher) Refresh(ctx context.Context) (Report, error) {
	ch := r.flight.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.flightTimeout())
		defer cancel()
		return r.refresh(fctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Report{}, res.Err
		}
		return res.Val.(Report), nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

func (r *Refresher) flightTimeout() time.Duration {
	t := r.opt.Fetch.Timeout
	if t <= 0 {
		t = fetch.DefaultTimeout
	}
	return t + flightSlack
}

func (r *Refresher) refresh(ctx context.Context) (Report, error) {
	switch {
	case r.opt.URL != "":
		res, err := fetch.FetchSubscription(ctx, r.opt.URL, r.opt.Fetch)
		if err != nil {
			r.logger.Warn("subscription fetch failed",
				slog.String("source", safeSource(r.opt.URL)),
				slog.String("err", err.Error()),
			)
			return Report{}, err
		}
		rep, err := r.Apply(safeSource(r.opt.URL), res.Text)
		rep.UserInfo = res.UserInfo
		return rep, err
	case r.opt.File != "":
		b, err := os.ReadFile(r.opt.File)
		if err != nil {
			return Report{}, &sub.ParseError{
				AppError: model.AppError{
					Code:    "SUB_READ_ERROR",
					Message: "读取本地订阅文件失败",
					Stage:   "parse_sub",
					URL:     r.opt.File,
				},
				Cause: err,
			}
		}
		return r.Apply(r.opt.File, string(b))
	default:
		return Report{}, ErrNoSource
	}
}

// Apply parses text from source and swaps the catalog in.
func (r *Refresher) Apply(source, text string) (Report, error) {
	res := sub.Parse(source, text)
	for _, s := range res.Skipped {
		r.logger.Warn("subscription entry skipped",
			slog.String("source", source),
			slog.Int("line", s.Line),
			slog.String("code", s.Code),
			slog.String("message", s.Message),
		)
	}
	rep := Report{Source: source, Format: res.Format, Nodes: len(res.Nodes), Skipped: len(res.Skipped)}
	if err := res.Err(source); err != nil {
		r.logger.Warn("subscription has no usable nodes, keeping previous catalog",
			slog.String("source", source),
			slog.Int("skipped", len(res.Skipped)),
			slog.Int("kept", r.store.Load().Len()),
		)
		return rep, err
	}

	cat := model.NewCatalog(source, r.now(), res.Nodes)
	rep.Nodes = cat.Len()
	rep.Catalog = cat
	r.store.Swap(cat)
	r.logger.Info("catalog refreshed",
		slog.String("source", source),
		slog.String("format", string(res.Format)),
		slog.Int("nodes", cat.Len()),
		slog.Int("skipped", len(res.Skipped)),
	)
	if r.opt.OnSwap != nil {
		r.opt.OnSwap(cat)
	}
	return rep, nil
}

// Run refreshes every interval until ctx ends. Failures are logged and the
// loop continues with the previous catalog.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("periodic refresh failed", slog.String("err", err.Error()))
			}
		}
	}
}

// safeSource drops credentials, path tokens and query from a provider URL.
func safeSource(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "subscription"
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}
