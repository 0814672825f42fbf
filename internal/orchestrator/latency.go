package orchestrator

import (
	"context"
	"maps"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/John-Robertt/vortex-go/internal/probe"
)

// gatedDelayer holds one shared gate slot per probe so transitions wait for
// in-flight probes and new probes wait for transitions.
type gatedDelayer struct {
	d    probe.Delayer
	gate *semaphore.Weighted
}

func (g gatedDelayer) Delay(ctx context.Context, name, url string, timeout time.Duration) (time.Duration, error) {
	if err := g.gate.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer g.gate.Release(1)
	return g.d.Delay(ctx, name, url, timeout)
}

// TestAllLatencies probes every catalog node. Nodes that failed, timed out
// or are missing from the applied config have an entry with OK false; the
// latter carry ErrNotApplied and are reported through progress first.
// A background engine is started if needed and released afterwards.
func (o *Orchestrator) TestAllLatencies(ctx context.Context, progress func(probe.Progress)) (probe.Results, error) {
	const op = "latency"
	tok, err := o.StartBackgroundCore(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = o.StopBackgroundCore(context.Background(), tok) }()

	cat := o.d.Catalog.Load()
	o.mu.Lock()
	names := o.names
	o.mu.Unlock()

	targets := make([]probe.Target, 0, cat.Len())
	var missing []probe.Result
	for _, n := range cat.Nodes() {
		name, ok := names[n.ID]
		if !ok {
			missing = append(missing, probe.Result{ID: n.ID, Name: n.Name, Err: ErrNotApplied})
			continue
		}
		targets = append(targets, probe.Target{ID: n.ID, Name: name})
	}

	total := cat.Len()
	for i, r := range missing {
		if progress != nil {
			progress(probe.Progress{Done: i + 1, Total: total, Result: r})
		}
	}
	var inner func(probe.Progress)
	if progress != nil {
		inner = func(p probe.Progress) {
			p.Done += len(missing)
			p.Total = total
			progress(p)
		}
	}

	res, err := o.prober.Run(ctx, targets, inner)
	if res == nil {
		res = probe.Results{}
	}
	for _, r := range missing {
		res[r.ID] = r
	}
	o.mu.Lock()
	o.latency = maps.Clone(res)
	o.mu.Unlock()
	if err != nil {
		return res, wrapError(op, err)
	}
	return res, nil
}

// TestLatency probes one node.
func (o *Orchestrator) TestLatency(ctx context.Context, nodeID string) (probe.Result, error) {
	const op = "latency"
	if !o.d.Catalog.Load().Contains(nodeID) {
		return probe.Result{}, wrapError(op, ErrNodeNotFound)
	}
	tok, err := o.StartBackgroundCore(ctx)
	if err != nil {
		return probe.Result{}, err
	}
	defer func() { _ = o.StopBackgroundCore(context.Background(), tok) }()

	o.mu.Lock()
	name, ok := o.names[nodeID]
	o.mu.Unlock()
	if !ok {
		return probe.Result{}, wrapError(op, ErrNotApplied)
	}
	r := o.prober.One(ctx, probe.Target{ID: nodeID, Name: name})
	o.mu.Lock()
	o.latency[nodeID] = r
	o.mu.Unlock()
	return r, nil
}

// Latencies returns the results of the most recent probes.
func (o *Orchestrator) Latencies() probe.Results {
	o.mu.Lock()
	defer o.mu.Unlock()
	return maps.Clone(o.latency)
}
