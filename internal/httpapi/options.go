package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/John-Robertt/vortex-go/internal/catalog"
	"github.com/John-Robertt/vortex-go/internal/controlapi"
	"github.com/John-Robertt/vortex-go/internal/events"
	"github.com/John-Robertt/vortex-go/internal/metrics"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/orchestrator"
	"github.com/John-Robertt/vortex-go/internal/probe"
)

// Orchestrator is the part of *orchestrator.Orchestrator the handlers use.
type Orchestrator interface {
	Snapshot() orchestrator.Session
	Connect(ctx context.Context, nodeID string) error
	Disconnect(ctx context.Context) error
	SwitchNode(ctx context.Context, nodeID string) error
	SetTunMode(ctx context.Context, enabled bool) error
	TestAllLatencies(ctx context.Context, progress func(probe.Progress)) (probe.Results, error)
	TestLatency(ctx context.Context, nodeID string) (probe.Result, error)
	Latencies() probe.Results
	Connections(ctx context.Context) (controlapi.Connections, error)
	CloseConnection(ctx context.Context, id string) error
	ExportLogs() (string, error)
}

type Catalog interface {
	Load() *model.Catalog
}

type Refresher interface {
	Refresh(ctx context.Context) (catalog.Report, error)
}

// Options wires the HTTP surface to the running service.
type Options struct {
	Orchestrator Orchestrator
	Catalog      Catalog
	Refresher    Refresher
	Events       *events.Bus[orchestrator.Event]
	Traffic      *events.Bus[orchestrator.TrafficEvent]
	Logs         *events.Bus[orchestrator.LogEvent]
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	// RequestTimeout bounds connect, disconnect, switch, refresh and
	// connection calls.
	RequestTimeout time.Duration
	// LatencyTimeout bounds a full latency batch.
	LatencyTimeout time.Duration
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.LatencyTimeout <= 0 {
		o.LatencyTimeout = 3 * time.Minute
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
