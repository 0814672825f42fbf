// Package engine supervises the routing engine subprocess. At most one
// instance is live per Supervisor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/platform"
)

const stage = "process"

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	names := []string{"stopped", "starting", "running", "stopping"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

type ProcessError struct {
	AppError model.AppError
	// ExitCode is the engine's exit status, -1 when it did not exit.
	ExitCode int
	Cause    error
}

func (e *ProcessError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ProcessError) Unwrap() error { return e.Cause }

// ReadyFunc reports nil once the engine answers on its control API.
type ReadyFunc func(ctx context.Context) error

type Options struct {
	Binary  string
	WorkDir string

	StartGrace   time.Duration
	ReadyTimeout time.Duration
	StopTimeout  time.Duration

	// Ready is polled after the start grace; nil skips the poll.
	Ready  ReadyFunc
	Killer platform.Killer
	Logger *slog.Logger
}

type StartResult struct {
	PID        int
	Reused     bool
	ConfigPath string
}

type Supervisor struct {
	opt    Options
	logger *slog.Logger

	mu    sync.Mutex
	state State
	proc  *process

	// starts counts process launches.
	starts int
}

type process struct {
	cmd     *exec.Cmd
	config  string
	started time.Time
	done    chan struct{}
	err     error
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func New(opt Options) *Supervisor {
	if opt.StartGrace < 0 {
		opt.StartGrace = 0
	}
	if opt.ReadyTimeout <= 0 {
		opt.ReadyTimeout = 10 * time.Second
	}
	if opt.StopTimeout <= 0 {
		opt.StopTimeout = 3 * time.Second
	}
	if opt.Killer == nil {
		opt.Killer = platform.Noop{}
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{opt: opt, logger: logger}
}

// LogPath is the file engine stdout and stderr are appended to.
func (s *Supervisor) LogPath() string {
	return filepath.Join(s.opt.WorkDir, "logs", "engine.log")
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning && s.proc != nil && s.proc.exited() {
		return StateStopped
	}
	return s.state
}

func (s *Supervisor) Running() bool { return s.State() == StateRunning }

// PID of the live process, 0 if none.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.proc.exited() {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// Starts reports how many times a process was launched.
func (s *Supervisor) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Done is closed when the live process exits. With no live process the
// returned channel is already closed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return s.proc.done
}

// Start launches the engine against configPath, or reports Reused when an
// instance is already live. The engine process does not inherit ctx: ctx only
// bounds how long Start waits.
func (s *Supervisor) Start(ctx context.Context, configPath string) (StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil && !s.proc.exited() {
		return StartResult{PID: s.proc.cmd.Process.Pid, Reused: true, ConfigPath: s.proc.config}, nil
	}
	s.proc = nil

	bin, err := exec.LookPath(s.opt.Binary)
	if err != nil {
		return StartResult{}, &ProcessError{
			AppError: model.AppError{
				Code:    "ENGINE_NOT_FOUND",
				Message: "找不到引擎程序",
				Stage:   stage,
				URL:     s.opt.Binary,
			},
			ExitCode: -1,
			Cause:    err,
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.LogPath()), 0o755); err != nil {
		return StartResult{}, startError("ENGINE_START_ERROR", "无法创建引擎日志目录", err)
	}
	logf, err := os.OpenFile(s.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return StartResult{}, startError("ENGINE_START_ERROR", "无法打开引擎日志文件", err)
	}

	cmd := exec.Command(bin, "-d", s.opt.WorkDir, "-f", configPath)
	cmd.Dir = s.opt.WorkDir
	cmd.Stdout = logf
	cmd.Stderr = logf
	s.state = StateStarting
	if err := cmd.Start(); err != nil {
		_ = logf.Close()
		s.state = StateStopped
		return StartResult{}, startError("ENGINE_START_ERROR", "引擎启动失败", err)
	}
	s.starts++

	p := &process{cmd: cmd, config: configPath, started: time.Now(), done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		_ = logf.Close()
		close(p.done)
		s.logger.Info("engine exited",
			slog.Int("pid", cmd.Process.Pid),
			slog.Int("exit_code", cmd.ProcessState.ExitCode()),
			slog.Duration("uptime", time.Since(p.started)),
		)
	}()
	s.proc = p
	s.logger.Info("engine started",
		slog.String("binary", bin),
		slog.String("config", configPath),
		slog.Int("pid", cmd.Process.Pid),
	)

	if err := s.awaitStartup(ctx, p); err != nil {
		s.killLocked(p)
		s.proc = nil
		s.state = StateStopped
		return StartResult{}, err
	}
	s.state = StateRunning
	return StartResult{PID: cmd.Process.Pid, ConfigPath: configPath}, nil
}

func (s *Supervisor) awaitStartup(ctx context.Context, p *process) error {
	grace := time.NewTimer(s.opt.StartGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		return s.exitedEarly(p)
	case <-ctx.Done():
		return startError("ENGINE_START_CANCELED", "引擎启动被取消", ctx.Err())
	case <-grace.C:
	}
	if s.opt.Ready == nil {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.opt.ReadyTimeout)
	defer cancel()
	_, err := backoff.Retry(rctx, func() (struct{}, error) {
		if p.exited() {
			return struct{}{}, backoff.Permanent(s.exitedEarly(p))
		}
		return struct{}{}, s.opt.Ready(rctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxElapsedTime(s.opt.ReadyTimeout),
	)
	if err == nil {
		return nil
	}
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe
	}
	if p.exited() {
		return s.exitedEarly(p)
	}
	return &ProcessError{
		AppError: model.AppError{
			Code:    "ENGINE_NOT_READY",
			Message: "引擎未在规定时间内就绪",
			Stage:   stage,
		},
		ExitCode: -1,
		Cause:    err,
	}
}

func (s *Supervisor) exitedEarly(p *process) error {
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	return &ProcessError{
		AppError: model.AppError{
			Code:    "ENGINE_EXITED",
			Message: "引擎启动后立即退出",
			Stage:   stage,
			URL:     s.LogPath(),
			Snippet: tailLine(s.LogPath(), 200),
		},
		ExitCode: code,
		Cause:    p.err,
	}
}

// Stop interrupts the engine, waits StopTimeout, then force-kills it through
// the platform and finally with Process.Kill. Stopping a stopped supervisor
// is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.proc
	if p == nil || p.exited() {
		s.proc = nil
		s.state = StateStopped
		return nil
	}
	s.state = StateStopping
	defer func() {
		s.proc = nil
		s.state = StateStopped
	}()

	pid := p.cmd.Process.Pid
	s.logger.Info("engine stopping", slog.Int("pid", pid))
	if err := p.cmd.Process.Signal(os.Interrupt); err == nil {
		if waitDone(ctx, p.done, s.opt.StopTimeout) {
			return nil
		}
	}
	s.logger.Warn("engine did not stop in time, forcing", slog.Int("pid", pid))
	return s.killLocked(p)
}

func (s *Supervisor) killLocked(p *process) error {
	pid := p.cmd.Process.Pid
	if err := s.opt.Killer.ForceKill(pid); err != nil {
		s.logger.Warn("platform force kill failed", slog.Int("pid", pid), slog.String("err", err.Error()))
	}
	if waitDone(context.Background(), p.done, 500*time.Millisecond) {
		return nil
	}
	_ = p.cmd.Process.Kill()
	if waitDone(context.Background(), p.done, 2*time.Second) {
		return nil
	}
	return &ProcessError{
		AppError: model.AppError{
			Code:    "ENGINE_STOP_TIMEOUT",
			Message: "无法终止引擎进程",
			Stage:   stage,
		},
		ExitCode: -1,
	}
}

func waitDone(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func startError(code, msg string, err error) *ProcessError {
	return &ProcessError{
		AppError: model.AppError{Code: code, Message: msg, Stage: stage},
		ExitCode: -1,
		Cause:    err,
	}
}

func tailLine(path string, max int) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
