package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/vortex-go/internal/platform"
)

func fakeEngine(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine stub")
	}
	path := filepath.Join(t.TempDir(), "mihomo")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newSupervisor(t *testing.T, bin string, mod func(*Options)) (*Supervisor, *platform.Recorder) {
	t.Helper()
	rec := platform.NewRecorder()
	opt := Options{
		Binary:       bin,
		WorkDir:      t.TempDir(),
		StartGrace:   50 * time.Millisecond,
		ReadyTimeout: time.Second,
		StopTimeout:  time.Second,
		Killer:       rec,
	}
	if mod != nil {
		mod(&opt)
	}
	s := New(opt)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, rec
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	bin := fakeEngine(t, "echo \"engine $*\"\nexec sleep 30\n")
	var readyCalls atomic.Int32
	s, _ := newSupervisor(t, bin, func(o *Options) {
		o.Ready = func(ctx context.Context) error {
			if readyCalls.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		}
	})

	ctx := context.Background()
	r1, err := s.Start(ctx, "/tmp/a.yaml")
	require.NoError(t, err)
	assert.False(t, r1.Reused)
	assert.NotZero(t, r1.PID)
	assert.Equal(t, StateRunning, s.State())
	assert.GreaterOrEqual(t, readyCalls.Load(), int32(3))

	r2, err := s.Start(ctx, "/tmp/b.yaml")
	require.NoError(t, err)
	assert.True(t, r2.Reused)
	assert.Equal(t, r1.PID, r2.PID)
	assert.Equal(t, "/tmp/a.yaml", r2.ConfigPath)
	assert.Equal(t, 1, s.Starts())

	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(s.LogPath())
		return strings.Contains(string(b), "engine -d ")
	}, 2*time.Second, 20*time.Millisecond)
	b, _ := os.ReadFile(s.LogPath())
	assert.Contains(t, string(b), "-f /tmp/a.yaml")

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, StateStopped, s.State())
	assert.Zero(t, s.PID())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestSupervisor_ExitDuringGrace(t *testing.T) {
	bin := fakeEngine(t, "echo 'level=fatal msg=\"parse config error\"' >&2\nexit 3\n")
	s, _ := newSupervisor(t, bin, func(o *Options) { o.StartGrace = 500 * time.Millisecond })

	_, err := s.Start(context.Background(), "/tmp/a.yaml")
	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "ENGINE_EXITED", pe.AppError.Code)
	assert.Equal(t, "process", pe.AppError.Stage)
	assert.Equal(t, 3, pe.ExitCode)
	assert.Contains(t, pe.AppError.Snippet, "parse config error")
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisor_NotReady(t *testing.T) {
	bin := fakeEngine(t, "exec sleep 30\n")
	s, rec := newSupervisor(t, bin, func(o *Options) {
		o.ReadyTimeout = 300 * time.Millisecond
		o.Ready = func(context.Context) error { return errors.New("connection refused") }
	})

	_, err := s.Start(context.Background(), "/tmp/a.yaml")
	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "ENGINE_NOT_READY", pe.AppError.Code)
	assert.Contains(t, rec.Calls(), "ForceKill")
	assert.Zero(t, s.PID())
}

func TestSupervisor_BinaryMissing(t *testing.T) {
	s, _ := newSupervisor(t, "vortex-missing-engine-binary", nil)
	_, err := s.Start(context.Background(), "/tmp/a.yaml")
	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "ENGINE_NOT_FOUND", pe.AppError.Code)
	assert.Zero(t, s.Starts())
}

func TestSupervisor_StopEscalatesWhenInterruptIgnored(t *testing.T) {
	bin := fakeEngine(t, "trap '' INT\nwhile true; do sleep 0.05; done\n")
	s, rec := newSupervisor(t, bin, func(o *Options) { o.StopTimeout = 200 * time.Millisecond })

	_, err := s.Start(context.Background(), "/tmp/a.yaml")
	require.NoError(t, err)
	done := s.Done()

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"ForceKill"}, rec.Calls())
	select {
	case <-done:
	default:
		t.Fatal("process should be gone")
	}
}

func TestSupervisor_DoneFiresOnCrash(t *testing.T) {
	bin := fakeEngine(t, "sleep 0.3\nexit 1\n")
	s, _ := newSupervisor(t, bin, nil)

	_, err := s.Start(context.Background(), "/tmp/a.yaml")
	require.NoError(t, err)
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done did not fire")
	}
	assert.False(t, s.Running())

	r, err := s.Start(context.Background(), "/tmp/a.yaml")
	require.NoError(t, err)
	assert.False(t, r.Reused)
	assert.Equal(t, 2, s.Starts())
}

func TestSupervisor_StopWhenStopped(t *testing.T) {
	s, _ := newSupervisor(t, "mihomo", nil)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, "stopped", s.State().String())
}
