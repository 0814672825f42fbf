// Package platform declares the OS integration the orchestrator drives but
// does not implement: the virtual network interface, the system proxy
// registration, and forced termination of a stuck engine process.
package platform

import (
	"context"
	"log/slog"
	"os"
)

// TUN owns the virtual network interface used in TUN mode.
type TUN interface {
	StartTUN(ctx context.Context) error
	StopTUN(ctx context.Context) error
}

// SystemProxy registers the engine's local listener as the system proxy.
type SystemProxy interface {
	SetSystemProxy(ctx context.Context, host string, port int) error
	ClearSystemProxy(ctx context.Context) error
}

// Killer terminates a process that ignored a graceful stop.
type Killer interface {
	ForceKill(pid int) error
}

type Platform interface {
	TUN
	SystemProxy
	Killer
}

// Noop logs TUN and system proxy requests without acting on them. It is
// used when no platform shell is attached (headless serve, CLI). ForceKill
// does kill the process.
type Noop struct {
	Logger *slog.Logger
}

func (n Noop) log() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

func (n Noop) StartTUN(ctx context.Context) error {
	n.log().Info("platform: tun start requested (no platform shell)")
	return nil
}

func (n Noop) StopTUN(ctx context.Context) error {
	n.log().Info("platform: tun stop requested (no platform shell)")
	return nil
}

func (n Noop) SetSystemProxy(ctx context.Context, host string, port int) error {
	n.log().Info("platform: system proxy requested (no platform shell)",
		slog.String("host", host),
		slog.Int("port", port),
	)
	return nil
}

func (n Noop) ClearSystemProxy(ctx context.Context) error {
	n.log().Info("platform: system proxy clear requested (no platform shell)")
	return nil
}

func (n Noop) ForceKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
