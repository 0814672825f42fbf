package orchestrator

import (
	"context"
	"log/slog"
)

// SwitchNode moves traffic to nodeID. While connected it selects the node
// through the control API and closes open connections so they re-dial; if
// the engine refuses, it reconnects with the node instead. While not
// connected it only records the preference for the next Connect.
func (o *Orchestrator) SwitchNode(ctx context.Context, nodeID string) error {
	const op = "switch"
	if err := o.enter(op); err != nil {
		return err
	}
	defer o.leave()
	if !o.d.Catalog.Load().Contains(nodeID) {
		return wrapError(op, ErrNodeNotFound)
	}
	if o.State() != StateConnected {
		o.mu.Lock()
		o.preferred = nodeID
		o.mu.Unlock()
		return nil
	}
	if err := o.lock(ctx, op); err != nil {
		return err
	}
	defer o.unlock()

	if o.hotSwap(ctx, nodeID) {
		return nil
	}
	o.mu.Lock()
	o.preferred = nodeID
	o.mu.Unlock()
	o.disconnectLocked()
	return o.connectLocked(ctx, op, nodeID)
}

// hotSwap reports whether the running engine took the new selection.
func (o *Orchestrator) hotSwap(ctx context.Context, nodeID string) bool {
	o.mu.Lock()
	name, ok := o.names[nodeID]
	cat := o.sessCat
	o.mu.Unlock()
	if !ok || cat == nil {
		o.logger.Info("node not in applied config, reconnecting", slog.String("node", nodeID))
		return false
	}
	if err := o.d.Control.SelectProxy(ctx, o.opt.Selector, name); err != nil {
		o.logger.Warn("hot-swap failed, reconnecting",
			slog.String("node", nodeID),
			slog.String("err", err.Error()),
		)
		return false
	}
	if err := o.d.Control.CloseAllConnections(ctx); err != nil {
		o.logger.Warn("closing connections after switch failed", slog.String("err", err.Error()))
	}

	n, _ := cat.Lookup(nodeID)
	o.mu.Lock()
	o.sess.Node = &n
	o.preferred = nodeID
	o.noteLocked("switched to " + name)
	o.Events.Publish(Event{Kind: EventNode, From: o.sess.State, To: o.sess.State, NodeID: nodeID, At: o.now()})
	o.mu.Unlock()
	o.logger.Info("node switched", slog.String("node", nodeID), slog.String("name", name))
	return true
}

// SelectPreferred records the node the next Connect uses.
func (o *Orchestrator) SelectPreferred(nodeID string) error {
	if !o.d.Catalog.Load().Contains(nodeID) {
		return wrapError("select", ErrNodeNotFound)
	}
	o.mu.Lock()
	o.preferred = nodeID
	o.mu.Unlock()
	return nil
}

// SetTunMode sets the TUN flag. A connected session is rebuilt because the
// platform mechanism that owns traffic changes.
func (o *Orchestrator) SetTunMode(ctx context.Context, enabled bool) error {
	const op = "set_tun"
	if err := o.enter(op); err != nil {
		return err
	}
	defer o.leave()

	o.mu.Lock()
	changed := o.tun != enabled
	o.tun = enabled
	connected := o.sess.State == StateConnected
	if changed && connected && o.sess.Node != nil {
		o.preferred = o.sess.Node.ID
	}
	o.mu.Unlock()
	if !changed || !connected {
		return nil
	}

	if err := o.lock(ctx, op); err != nil {
		o.mu.Lock()
		o.tun = !enabled
		o.mu.Unlock()
		return err
	}
	defer o.unlock()
	o.logger.Info("tun mode changed, reconnecting", slog.Bool("tun", enabled))
	o.disconnectLocked()
	return o.connectLocked(ctx, op, "")
}
