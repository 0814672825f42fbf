package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/John-Robertt/vortex-go/internal/compose"
	"github.com/John-Robertt/vortex-go/internal/controlapi"
	"github.com/John-Robertt/vortex-go/internal/engine"
	"github.com/John-Robertt/vortex-go/internal/fetch"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/sub"
	"github.com/John-Robertt/vortex-go/internal/validate"
)

const stage = "orchestrator"

var (
	ErrBusy          = errors.New("orchestrator: another lifecycle operation is in progress")
	ErrInvalidState  = errors.New("orchestrator: operation not allowed in current state")
	ErrNodeNotFound  = errors.New("orchestrator: node not in catalog")
	ErrNotApplied    = errors.New("orchestrator: node not in applied config")
	ErrTokenReleased = errors.New("orchestrator: background token already released")
)

// Error is the only error type returned by Orchestrator methods.
type Error struct {
	Op       string
	AppError model.AppError
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// wrapError translates a component error into an *Error carrying that
// component's AppError.
func wrapError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Op: op, AppError: appErrorOf(err), Cause: err}
}

func appErrorOf(err error) model.AppError {
	var (
		ce *compose.ComposeError
		ve *validate.ValidationError
		pe *engine.ProcessError
		ae *controlapi.Error
		se *sub.ParseError
		fe *fetch.FetchError
	)
	switch {
	case errors.As(err, &ve):
		return ve.AppError
	case errors.As(err, &ce):
		return ce.AppError
	case errors.As(err, &pe):
		return pe.AppError
	case errors.As(err, &ae):
		return ae.AppError
	case errors.As(err, &se):
		return se.AppError
	case errors.As(err, &fe):
		return fe.AppError
	case errors.Is(err, ErrBusy):
		return model.AppError{Code: "BUSY", Message: "正在执行其他连接操作", Stage: stage}
	case errors.Is(err, ErrInvalidState):
		return model.AppError{Code: "INVALID_STATE", Message: "当前状态不允许该操作", Stage: stage}
	case errors.Is(err, ErrNodeNotFound):
		return model.AppError{Code: "NODE_NOT_FOUND", Message: "节点不存在", Stage: stage}
	case errors.Is(err, ErrNotApplied):
		return model.AppError{Code: "NODE_NOT_APPLIED", Message: "节点不在当前引擎配置中，重新连接后可测速", Stage: stage}
	case errors.Is(err, ErrTokenReleased):
		return model.AppError{Code: "TOKEN_RELEASED", Message: "后台引擎令牌已释放", Stage: stage}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return model.AppError{Code: "CANCELED", Message: "操作已取消或超时", Stage: stage}
	case errors.Is(err, validate.ErrUnavailable):
		return model.AppError{Code: "VALIDATOR_UNAVAILABLE", Message: "无法校验引擎配置", Stage: "validate"}
	default:
		return model.AppError{Code: "INTERNAL", Message: "内部错误", Stage: stage, Snippet: clip(err.Error(), 200)}
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
