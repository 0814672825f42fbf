package orchestrator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Token is returned by StartBackgroundCore and must be handed back to
// StopBackgroundCore exactly once.
type Token struct{ id string }

func (t Token) String() string { return t.id }

// StartBackgroundCore makes sure an engine is running so probes can reach
// it. It reuses the session's engine when there is one. While any token is
// outstanding, engine start/stop events are not published.
func (o *Orchestrator) StartBackgroundCore(ctx context.Context) (Token, error) {
	const op = "start_background"
	if err := o.lock(ctx, op); err != nil {
		return Token{}, err
	}
	defer o.unlock()

	tok := Token{id: uuid.NewString()}
	o.mu.Lock()
	o.tokens[tok.id] = struct{}{}
	o.mu.Unlock()

	if err := o.warmLocked(ctx); err != nil {
		o.mu.Lock()
		delete(o.tokens, tok.id)
		o.mu.Unlock()
		return Token{}, wrapError(op, err)
	}
	return tok, nil
}

// warmLocked assumes the whole gate is held.
func (o *Orchestrator) warmLocked(ctx context.Context) error {
	o.mu.Lock()
	applied := o.names != nil
	preferred := o.preferred
	o.mu.Unlock()
	running := o.d.Engine.Running()
	if running && applied {
		return nil
	}

	cat := o.d.Catalog.Load()
	flags := o.d.Composer.DefaultFlags()
	flags.TUN = false
	if cat.Contains(preferred) {
		flags.SelectedID = preferred
	}
	draft, err := o.d.Composer.Draft(cat, flags)
	if err != nil {
		return err
	}
	if _, err := o.d.Validator.Validate(ctx, draft.Path); err != nil {
		return err
	}

	started := false
	if running {
		if err := o.d.Control.ReloadConfig(ctx, draft.Path, true); err != nil {
			return err
		}
	} else {
		res, err := o.d.Engine.Start(ctx, draft.Path)
		if err != nil {
			return err
		}
		started = !res.Reused
	}

	o.mu.Lock()
	o.names = draft.Names
	if started {
		o.warmStarted = true
	}
	o.noteLocked("background engine ready")
	o.mu.Unlock()
	o.logger.Info("background engine ready", slog.Bool("started", started), slog.Int("proxies", draft.Proxies))
	return nil
}

// StopBackgroundCore releases tok. The engine is stopped only when this was
// the last token, the engine was started for probing and no session is
// using it.
func (o *Orchestrator) StopBackgroundCore(ctx context.Context, tok Token) error {
	const op = "stop_background"
	o.mu.Lock()
	if _, ok := o.tokens[tok.id]; !ok {
		o.mu.Unlock()
		return wrapError(op, ErrTokenReleased)
	}
	delete(o.tokens, tok.id)
	stop := o.idleWarmLocked()
	o.mu.Unlock()
	if !stop {
		return nil
	}

	if o.lockForTeardown() {
		defer o.unlock()
	}
	o.mu.Lock()
	stop = o.idleWarmLocked()
	if stop {
		o.warmStarted = false
		o.names = nil
	}
	o.mu.Unlock()
	if !stop {
		return nil
	}
	o.runStep(step{name: "stop_engine", timeout: o.opt.Teardown.EngineTimeout, run: o.d.Engine.Stop})
	o.note("background engine stopped")
	return nil
}

// idleWarmLocked reports whether the engine exists only for probing.
func (o *Orchestrator) idleWarmLocked() bool {
	if len(o.tokens) > 0 || !o.warmStarted {
		return false
	}
	switch o.sess.State {
	case StateDisconnected, StateError:
		return true
	default:
		o.warmStarted = false
		return false
	}
}

// Silent reports whether engine events are being withheld.
func (o *Orchestrator) Silent() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tokens) > 0
}
