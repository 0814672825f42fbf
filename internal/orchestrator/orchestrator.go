// Package orchestrator drives the connection lifecycle: it composes,
// validates and applies engine configs, switches nodes, keeps a background
// engine warm for probing and publishes state, traffic and log events.
//
// Lifecycle operations (Connect, Disconnect, SwitchNode, SetTunMode) are
// single-flight; a call made while another is running fails with ErrBusy.
// Probes hold a shared slot of the lifecycle gate, transitions hold all of
// it, so a probe never runs in the middle of a transition.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/John-Robertt/vortex-go/internal/compose"
	"github.com/John-Robertt/vortex-go/internal/config"
	"github.com/John-Robertt/vortex-go/internal/controlapi"
	"github.com/John-Robertt/vortex-go/internal/engine"
	"github.com/John-Robertt/vortex-go/internal/events"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/platform"
	"github.com/John-Robertt/vortex-go/internal/probe"
	"github.com/John-Robertt/vortex-go/internal/validate"
)

type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateError         State = "error"
)

// transitions lists the allowed moves. A failed Draft or Validate goes from
// disconnected straight to error without passing through connecting.
var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting, StateError},
	StateConnecting:    {StateConnected, StateError},
	StateConnected:     {StateDisconnecting, StateError},
	StateDisconnecting: {StateDisconnected},
	StateError:         {StateConnecting, StateDisconnecting, StateError},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Catalog is the read side of the node catalog.
type Catalog interface {
	Load() *model.Catalog
}

type Composer interface {
	Draft(cat *model.Catalog, f compose.Flags) (*compose.Draft, error)
	DefaultFlags() compose.Flags
}

type Supervisor interface {
	Start(ctx context.Context, configPath string) (engine.StartResult, error)
	Stop(ctx context.Context) error
	Running() bool
	Done() <-chan struct{}
	LogPath() string
}

// ControlPlane is the subset of the engine control API the orchestrator uses.
type ControlPlane interface {
	probe.Delayer
	ReloadConfig(ctx context.Context, path string, force bool) error
	SelectProxy(ctx context.Context, selector, name string) error
	CloseAllConnections(ctx context.Context) error
	CloseConnection(ctx context.Context, id string) error
	Connections(ctx context.Context) (controlapi.Connections, error)
	StreamTraffic(ctx context.Context, fn func(controlapi.Traffic) error) error
	StreamLogs(ctx context.Context, level string, fn func(controlapi.LogEntry) error) error
}

// Deps are the collaborators an Orchestrator drives. All are required.
type Deps struct {
	Catalog   Catalog
	Composer  Composer
	Validator validate.Validator
	Engine    Supervisor
	Control   ControlPlane
	Platform  platform.Platform
}

// Observer receives lifecycle measurements.
type Observer interface {
	ObserveTransition(from, to State)
	ObserveConnectFailure(stage string)
}

type Options struct {
	Selector  string
	ProxyHost string
	ProxyPort int
	TUN       bool

	Teardown config.Teardown
	Probe    probe.Options
	// EngineLogLevel is passed to the engine log stream.
	EngineLogLevel string
	// WorkDir receives exported log bundles.
	WorkDir string

	Logger   *slog.Logger
	Observer Observer
}

// Session is the user-visible connection. Node is nil when the selector was
// left on its automatic member.
type Session struct {
	ID         string        `json:"id,omitempty"`
	State      State         `json:"state"`
	Node       *model.Node   `json:"node,omitempty"`
	ConfigPath string        `json:"config_path,omitempty"`
	TUN        bool          `json:"tun"`
	Tier       validate.Tier `json:"validation_tier,omitempty"`

	ConnectedAt   time.Time `json:"connected_at,omitzero"`
	UploadTotal   int64     `json:"upload_total"`
	DownloadTotal int64     `json:"download_total"`
	UpSpeed       int64     `json:"up_speed"`
	DownSpeed     int64     `json:"down_speed"`

	LastError *model.AppError `json:"last_error,omitempty"`
	// Background reports a warm engine kept alive for probing.
	Background bool `json:"background"`
}

type EventKind string

const (
	EventState  EventKind = "state"
	EventNode   EventKind = "node"
	EventEngine EventKind = "engine"
)

// Event is published on every state change, node switch and engine
// start/stop. Engine events are withheld while a background token is held.
type Event struct {
	Kind          EventKind       `json:"kind"`
	From          State           `json:"from,omitempty"`
	To            State           `json:"to,omitempty"`
	NodeID        string          `json:"node_id,omitempty"`
	EngineRunning bool            `json:"engine_running,omitempty"`
	Reason        *model.AppError `json:"reason,omitempty"`
	At            time.Time       `json:"at"`
}

type TrafficEvent struct {
	Up            int64     `json:"up"`
	Down          int64     `json:"down"`
	UploadTotal   int64     `json:"upload_total"`
	DownloadTotal int64     `json:"download_total"`
	At            time.Time `json:"at"`
}

type LogEvent struct {
	Source  string    `json:"source"` // engine | orchestrator
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// gateWeight is the exclusive weight of the lifecycle gate; probes take 1.
const gateWeight = 1 << 10

const maxNotes = 500

type Orchestrator struct {
	d      Deps
	opt    Options
	logger *slog.Logger
	obs    Observer
	now    func() time.Time
	prober *probe.Prober

	busy atomic.Bool
	gate *semaphore.Weighted

	Events  *events.Bus[Event]
	Traffic *events.Bus[TrafficEvent]
	Logs    *events.Bus[LogEvent]

	mu        sync.Mutex
	sess      Session
	sessCat   *model.Catalog
	names     map[string]string
	preferred string
	tun       bool
	stopPumps context.CancelFunc

	tokens      map[string]struct{}
	warmStarted bool

	latency probe.Results
	notes   []string
}

func New(d Deps, opt Options) (*Orchestrator, error) {
	if d.Catalog == nil || d.Composer == nil || d.Validator == nil || d.Engine == nil || d.Control == nil || d.Platform == nil {
		return nil, &Error{
			Op:       "new",
			AppError: model.AppError{Code: "INVALID_ARGUMENT", Message: "缺少编排器依赖", Stage: stage},
		}
	}
	if opt.Selector == "" {
		opt.Selector = "PROXY"
	}
	if opt.ProxyHost == "" {
		opt.ProxyHost = "127.0.0.1"
	}
	if opt.ProxyPort == 0 {
		opt.ProxyPort = 7890
	}
	def := config.Default().Teardown
	if opt.Teardown.VPNTimeout <= 0 {
		opt.Teardown.VPNTimeout = def.VPNTimeout
	}
	if opt.Teardown.ProxyTimeout <= 0 {
		opt.Teardown.ProxyTimeout = def.ProxyTimeout
	}
	if opt.Teardown.EngineTimeout <= 0 {
		opt.Teardown.EngineTimeout = def.EngineTimeout
	}
	if opt.EngineLogLevel == "" {
		opt.EngineLogLevel = "info"
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opt.Probe.Logger == nil {
		opt.Probe.Logger = logger
	}
	o := &Orchestrator{
		d:       d,
		opt:     opt,
		logger:  logger,
		obs:     opt.Observer,
		now:     time.Now,
		gate:    semaphore.NewWeighted(gateWeight),
		Events:  events.NewBus[Event](64),
		Traffic: events.NewBus[TrafficEvent](64),
		Logs:    events.NewBus[LogEvent](256),
		sess:    Session{State: StateDisconnected},
		tun:     opt.TUN,
		tokens:  make(map[string]struct{}),
		latency: probe.Results{},
	}
	o.prober = probe.New(gatedDelayer{d: d.Control, gate: o.gate}, opt.Probe)
	return o, nil
}

// Snapshot returns a copy of the current session.
func (o *Orchestrator) Snapshot() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	if s.Node != nil {
		n := s.Node.Clone()
		s.Node = &n
	}
	if s.LastError != nil {
		e := *s.LastError
		s.LastError = &e
	}
	s.TUN = o.tun
	s.Background = len(o.tokens) > 0
	return s
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.State
}

// Busy reports whether a lifecycle operation is running.
func (o *Orchestrator) Busy() bool { return o.busy.Load() }

// Close releases event subscribers. The engine is left as it is.
func (o *Orchestrator) Close() {
	o.Events.Close()
	o.Traffic.Close()
	o.Logs.Close()
}

// setStateLocked moves the session to `to` and publishes the change.
// Callers hold o.mu.
func (o *Orchestrator) setStateLocked(to State, reason *model.AppError) {
	from := o.sess.State
	if from == to && to != StateError {
		return
	}
	if !canTransition(from, to) {
		o.logger.Error("rejected state transition", slog.String("from", string(from)), slog.String("to", string(to)))
		return
	}
	o.sess.State = to
	if reason != nil {
		o.sess.LastError = reason
	}
	o.noteLocked(fmt.Sprintf("state %s -> %s", from, to))
	if o.obs != nil {
		o.obs.ObserveTransition(from, to)
	}
	ev := Event{Kind: EventState, From: from, To: to, Reason: reason, At: o.now()}
	if o.sess.Node != nil {
		ev.NodeID = o.sess.Node.ID
	}
	o.Events.Publish(ev)
	o.logger.Info("connection state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

func (o *Orchestrator) setState(to State, reason *model.AppError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setStateLocked(to, reason)
}

// publishEngineLocked reports an engine start or stop unless a background
// token is held.
func (o *Orchestrator) publishEngineLocked(running bool) {
	if len(o.tokens) > 0 {
		return
	}
	o.Events.Publish(Event{Kind: EventEngine, EngineRunning: running, At: o.now()})
}

func (o *Orchestrator) noteLocked(msg string) {
	line := o.now().Format(time.RFC3339) + " " + msg
	o.notes = append(o.notes, line)
	if len(o.notes) > maxNotes {
		o.notes = append(o.notes[:0:0], o.notes[len(o.notes)-maxNotes:]...)
	}
	o.Logs.Publish(LogEvent{Source: "orchestrator", Level: "info", Message: msg, At: o.now()})
}

func (o *Orchestrator) note(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.noteLocked(msg)
}

// enter claims the single lifecycle slot.
func (o *Orchestrator) enter(op string) error {
	if !o.busy.CompareAndSwap(false, true) {
		return wrapError(op, ErrBusy)
	}
	return nil
}

func (o *Orchestrator) leave() { o.busy.Store(false) }

// lock takes the whole gate, waiting for in-flight probes to finish.
func (o *Orchestrator) lock(ctx context.Context, op string) error {
	if err := o.gate.Acquire(ctx, gateWeight); err != nil {
		return wrapError(op, err)
	}
	return nil
}

func (o *Orchestrator) unlock() { o.gate.Release(gateWeight) }
