// Package validate checks an engine config file before it is applied.
//
// Two tiers exist: the engine's own dry run (authoritative) and a structural
// heuristic used when the engine binary cannot be invoked. Every verdict
// names the tier that produced it.
package validate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/John-Robertt/vortex-go/internal/model"
)

const stage = "validate"

type Tier string

const (
	TierEngine    Tier = "engine"
	TierHeuristic Tier = "heuristic"
)

// ErrUnavailable means a tier could not run at all (no binary, cannot exec).
// Chain falls back on it; it never means the config is bad.
var ErrUnavailable = errors.New("validate: check unavailable")

type Verdict struct {
	Tier   Tier
	Output string
}

type Validator interface {
	Validate(ctx context.Context, path string) (Verdict, error)
}

type ValidationError struct {
	Tier Tier
	// Section is the top-level key the failure refers to, if any.
	Section  string
	AppError model.AppError
	Cause    error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// EngineCheck runs "<binary> -t -d <workdir> -f <file>".
type EngineCheck struct {
	Binary  string
	WorkDir string
	Timeout time.Duration
	Logger  *slog.Logger
}

const maxOutput = 16 << 10

func (c *EngineCheck) Validate(ctx context.Context, path string) (Verdict, error) {
	if c.Binary == "" {
		return Verdict{}, ErrUnavailable
	}
	bin, err := exec.LookPath(c.Binary)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-t", "-f", path}
	if c.WorkDir != "" {
		args = []string{"-t", "-d", c.WorkDir, "-f", path}
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	lw := &limitedWriter{w: &out, limit: maxOutput}
	cmd.Stdout = lw
	cmd.Stderr = lw
	cmd.WaitDelay = time.Second

	logger(c.Logger).Debug("engine config check",
		slog.String("binary", bin),
		slog.String("path", path),
		slog.Duration("timeout", timeout),
	)
	err = cmd.Run()
	output := out.String()

	if ctx.Err() == context.DeadlineExceeded {
		return Verdict{}, &ValidationError{
			Tier: TierEngine,
			AppError: model.AppError{
				Code:    "VALIDATE_TIMEOUT",
				Message: "引擎配置校验超时",
				Stage:   stage,
				URL:     path,
			},
			Cause: ctx.Err(),
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return Verdict{}, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Verdict{}, &ValidationError{
			Tier: TierEngine,
			AppError: model.AppError{
				Code:    "CONFIG_INVALID",
				Message: "引擎拒绝了该配置",
				Stage:   stage,
				URL:     path,
				Snippet: lastLine(output, 200),
			},
			Cause: err,
		}
	}
	return Verdict{Tier: TierEngine, Output: output}, nil
}

// Heuristic checks a file for the structure the engine needs.
type Heuristic struct{}

func (Heuristic) Validate(ctx context.Context, path string) (Verdict, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Verdict{}, &ValidationError{
			Tier: TierHeuristic,
			AppError: model.AppError{
				Code:    "CONFIG_READ_ERROR",
				Message: "读取引擎配置失败",
				Stage:   stage,
				URL:     path,
			},
			Cause: err,
		}
	}
	if err := CheckDocument(b); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.AppError.URL = path
		}
		return Verdict{}, err
	}
	return Verdict{Tier: TierHeuristic}, nil
}

// Chain runs Primary and falls back to Fallback only when Primary is
// unavailable. A rejection from Primary is final.
type Chain struct {
	Primary  Validator
	Fallback Validator
	Logger   *slog.Logger
}

func (c *Chain) Validate(ctx context.Context, path string) (Verdict, error) {
	if c.Primary != nil {
		v, err := c.Primary.Validate(ctx, path)
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return v, err
		}
		logger(c.Logger).Warn("engine config check unavailable, using heuristic",
			slog.String("path", path),
			slog.String("err", err.Error()),
		)
	}
	if c.Fallback == nil {
		return Verdict{}, ErrUnavailable
	}
	return c.Fallback.Validate(ctx, path)
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func lastLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max]
	}
	return s
}

type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if room := l.limit - l.w.Len(); room > 0 {
		if len(p) > room {
			l.w.Write(p[:room])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}
