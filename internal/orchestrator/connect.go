package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/John-Robertt/vortex-go/internal/model"
)

// Connect runs Draft, Validate and Apply for nodeID. An empty nodeID uses
// the stored preference, or leaves the selector on its automatic member.
// A failed Draft or Validate moves the session to error without entering
// connecting; later failures clean up and settle in error.
func (o *Orchestrator) Connect(ctx context.Context, nodeID string) error {
	const op = "connect"
	if err := o.enter(op); err != nil {
		return err
	}
	defer o.leave()
	if st := o.State(); st != StateDisconnected && st != StateError {
		return wrapError(op, ErrInvalidState)
	}
	if err := o.lock(ctx, op); err != nil {
		return err
	}
	defer o.unlock()
	return o.connectLocked(ctx, op, nodeID)
}

// connectLocked assumes the lifecycle slot and the whole gate are held.
func (o *Orchestrator) connectLocked(ctx context.Context, op, nodeID string) error {
	cat := o.d.Catalog.Load()

	o.mu.Lock()
	explicit := nodeID != ""
	if !explicit {
		nodeID = o.preferred
	}
	tun := o.tun
	o.mu.Unlock()

	var node *model.Node
	if nodeID != "" {
		n, ok := cat.Lookup(nodeID)
		switch {
		case ok:
			node = &n
		case explicit:
			return wrapError(op, ErrNodeNotFound)
		default:
			o.logger.Info("preferred node left the catalog", slog.String("node", nodeID))
			nodeID = ""
		}
	}

	flags := o.d.Composer.DefaultFlags()
	flags.TUN = tun
	flags.SelectedID = nodeID

	draft, err := o.d.Composer.Draft(cat, flags)
	if err != nil {
		return o.failEarly(op, "compose", err)
	}
	verdict, err := o.d.Validator.Validate(ctx, draft.Path)
	if err != nil {
		return o.failEarly(op, "validate", err)
	}
	o.logger.Info("engine config validated",
		slog.String("path", draft.Path),
		slog.String("tier", string(verdict.Tier)),
		slog.Int("proxies", draft.Proxies),
	)

	o.mu.Lock()
	o.sess = Session{
		ID:         uuid.NewString(),
		State:      o.sess.State,
		Node:       node,
		ConfigPath: draft.Path,
		TUN:        tun,
		Tier:       verdict.Tier,
	}
	o.sessCat = cat
	o.setStateLocked(StateConnecting, nil)
	o.mu.Unlock()

	res, err := o.d.Engine.Start(ctx, draft.Path)
	if err != nil {
		return o.abort(op, "process", err)
	}
	if res.Reused {
		if err := o.d.Control.ReloadConfig(ctx, draft.Path, true); err != nil {
			return o.abort(op, "control_api", err)
		}
	}
	o.mu.Lock()
	o.names = draft.Names
	if !res.Reused {
		o.publishEngineLocked(true)
	}
	o.mu.Unlock()

	if tun {
		err = o.d.Platform.StartTUN(ctx)
	} else {
		err = o.d.Platform.SetSystemProxy(ctx, o.opt.ProxyHost, o.opt.ProxyPort)
	}
	if err != nil {
		return o.abort(op, "platform", err)
	}

	pctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.sess.ConnectedAt = o.now()
	o.warmStarted = false
	o.stopPumps = cancel
	sessID := o.sess.ID
	o.setStateLocked(StateConnected, nil)
	o.mu.Unlock()

	go o.watchEngine(pctx, sessID, o.d.Engine.Done())
	go o.pumpTraffic(pctx)
	go o.pumpLogs(pctx)
	return nil
}

// failEarly records a failure that happened before any process started.
func (o *Orchestrator) failEarly(op, at string, err error) error {
	e := wrapError(op, err)
	if o.obs != nil {
		o.obs.ObserveConnectFailure(at)
	}
	o.logger.Warn("connect rejected", slog.String("stage", at), slog.String("err", err.Error()))
	o.mu.Lock()
	reason := e.AppError
	o.setStateLocked(StateError, &reason)
	o.mu.Unlock()
	return e
}

// abort undoes a partial Apply and settles in error.
func (o *Orchestrator) abort(op, at string, err error) error {
	e := wrapError(op, err)
	if o.obs != nil {
		o.obs.ObserveConnectFailure(at)
	}
	o.logger.Warn("connect failed, cleaning up", slog.String("stage", at), slog.String("err", err.Error()))

	o.mu.Lock()
	stopEngine := len(o.tokens) == 0
	if !stopEngine {
		o.warmStarted = true
	}
	o.mu.Unlock()
	o.teardown(stopEngine)

	o.mu.Lock()
	if stopEngine {
		o.names = nil
	}
	reason := e.AppError
	o.setStateLocked(StateError, &reason)
	o.mu.Unlock()
	return e
}

// Disconnect tears the session down. Every step runs with its own timeout
// and a failing step does not stop the next one; the session always ends
// disconnected.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	const op = "disconnect"
	if err := o.enter(op); err != nil {
		return err
	}
	defer o.leave()
	if o.State() == StateDisconnected {
		return wrapError(op, ErrInvalidState)
	}
	if o.lockForTeardown() {
		defer o.unlock()
	}
	o.disconnectLocked()
	return nil
}

// lockForTeardown waits at most one probe timeout for the gate. Teardown
// goes ahead without it rather than leave the session up.
func (o *Orchestrator) lockForTeardown() bool {
	wait := o.prober.Timeout() + time.Second
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := o.gate.Acquire(ctx, gateWeight); err != nil {
		o.logger.Warn("teardown proceeding while probes are in flight", slog.Duration("waited", wait))
		return false
	}
	return true
}

func (o *Orchestrator) disconnectLocked() {
	o.mu.Lock()
	stop := o.stopPumps
	o.stopPumps = nil
	o.setStateLocked(StateDisconnecting, nil)
	stopEngine := len(o.tokens) == 0
	if !stopEngine {
		o.warmStarted = true
	}
	o.mu.Unlock()

	if stop != nil {
		stop()
	}
	o.teardown(stopEngine)

	o.mu.Lock()
	if stopEngine {
		o.names = nil
		o.publishEngineLocked(false)
	}
	o.sess = Session{State: StateDisconnecting}
	o.sessCat = nil
	o.setStateLocked(StateDisconnected, nil)
	o.mu.Unlock()
}

type step struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// teardown clears the platform and optionally stops the engine. It never
// takes longer than the sum of the step timeouts.
func (o *Orchestrator) teardown(stopEngine bool) {
	steps := []step{
		{name: "stop_vpn", timeout: o.opt.Teardown.VPNTimeout, run: o.d.Platform.StopTUN},
		{name: "clear_proxy", timeout: o.opt.Teardown.ProxyTimeout, run: o.d.Platform.ClearSystemProxy},
	}
	if stopEngine {
		steps = append(steps, step{name: "stop_engine", timeout: o.opt.Teardown.EngineTimeout, run: o.d.Engine.Stop})
	}
	for _, s := range steps {
		o.runStep(s)
	}
}

func (o *Orchestrator) runStep(s step) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.run(ctx) }()

	select {
	case err := <-errc:
		if err != nil {
			o.logger.Warn("teardown step failed", slog.String("step", s.name), slog.String("err", err.Error()))
			o.note(fmt.Sprintf("teardown %s failed: %v", s.name, err))
		}
	case <-ctx.Done():
		o.logger.Warn("teardown step timed out", slog.String("step", s.name), slog.Duration("timeout", s.timeout))
		o.note(fmt.Sprintf("teardown %s timed out after %s", s.name, s.timeout))
	}
}

// watchEngine moves a connected session to error when the engine exits
// under it.
func (o *Orchestrator) watchEngine(ctx context.Context, sessID string, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-done:
	}

	o.mu.Lock()
	if o.sess.ID != sessID || o.sess.State != StateConnected {
		o.mu.Unlock()
		return
	}
	stop := o.stopPumps
	o.stopPumps = nil
	reason := &model.AppError{Code: "ENGINE_EXITED", Message: "引擎进程意外退出", Stage: "process"}
	o.setStateLocked(StateError, reason)
	o.names = nil
	o.publishEngineLocked(false)
	o.mu.Unlock()
	if stop != nil {
		stop()
	}
	o.logger.Error("engine exited while connected", slog.String("session", sessID))

	// A lifecycle call already in flight owns the platform state.
	if o.busy.CompareAndSwap(false, true) {
		defer o.leave()
		o.teardown(false)
	}
}
