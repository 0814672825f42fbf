package platform

import (
	"context"
	"sync"
	"time"
)

// Recorder is an in-memory Platform for tests and dry runs. Calls are
// recorded in order; Fail and Block inject per-operation behavior.
type Recorder struct {
	mu    sync.Mutex
	calls []string

	// Fail maps an operation name (StartTUN, StopTUN, SetSystemProxy,
	// ClearSystemProxy, ForceKill) to the error it returns.
	Fail map[string]error
	// Block makes an operation wait this long or until ctx ends.
	Block map[string]time.Duration

	tunUp   bool
	proxyOn bool
}

func NewRecorder() *Recorder {
	return &Recorder{Fail: map[string]error{}, Block: map[string]time.Duration{}}
}

// Calls returns the operations seen so far.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *Recorder) TUNUp() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunUp
}

func (r *Recorder) ProxyOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proxyOn
}

func (r *Recorder) enter(ctx context.Context, op string) error {
	r.mu.Lock()
	r.calls = append(r.calls, op)
	block := r.Block[op]
	fail := r.Fail[op]
	r.mu.Unlock()

	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fail
}

func (r *Recorder) StartTUN(ctx context.Context) error {
	if err := r.enter(ctx, "StartTUN"); err != nil {
		return err
	}
	r.mu.Lock()
	r.tunUp = true
	r.mu.Unlock()
	return nil
}

func (r *Recorder) StopTUN(ctx context.Context) error {
	if err := r.enter(ctx, "StopTUN"); err != nil {
		return err
	}
	r.mu.Lock()
	r.tunUp = false
	r.mu.Unlock()
	return nil
}

func (r *Recorder) SetSystemProxy(ctx context.Context, host string, port int) error {
	if err := r.enter(ctx, "SetSystemProxy"); err != nil {
		return err
	}
	r.mu.Lock()
	r.proxyOn = true
	r.mu.Unlock()
	return nil
}

func (r *Recorder) ClearSystemProxy(ctx context.Context) error {
	if err := r.enter(ctx, "ClearSystemProxy"); err != nil {
		return err
	}
	r.mu.Lock()
	r.proxyOn = false
	r.mu.Unlock()
	return nil
}

func (r *Recorder) ForceKill(pid int) error {
	return r.enter(context.Background(), "ForceKill")
}
