package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/John-Robertt/vortex-go/internal/catalog"
	"github.com/John-Robertt/vortex-go/internal/compose"
	"github.com/John-Robertt/vortex-go/internal/controlapi"
	"github.com/John-Robertt/vortex-go/internal/engine"
	"github.com/John-Robertt/vortex-go/internal/fetch"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/orchestrator"
	"github.com/John-Robertt/vortex-go/internal/sub"
	"github.com/John-Robertt/vortex-go/internal/validate"
)

// APIError is used by the HTTP layer for request validation and a few
// HTTP-specific errors.
type APIError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *APIError) Unwrap() error { return e.Cause }

func apiError(status int, app model.AppError, cause error) error {
	return &APIError{Status: status, AppError: app, Cause: cause}
}

func requestError(code, message, hint string) error {
	return apiError(http.StatusBadRequest, model.AppError{
		Code:    code,
		Message: message,
		Stage:   "validate_request",
		Hint:    hint,
	}, nil)
}

// classify maps err to a status and the AppError shown to the client.
func classify(err error) (int, model.AppError) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status, ae.AppError
	}

	status := statusOf(err)
	var oe *orchestrator.Error
	if errors.As(err, &oe) {
		return status, oe.AppError
	}

	var (
		ve  *validate.ValidationError
		ce  *compose.ComposeError
		se  *sub.ParseError
		pe  *engine.ProcessError
		cpe *controlapi.Error
		fe  *fetch.FetchError
	)
	switch {
	case errors.As(err, &ve):
		return status, ve.AppError
	case errors.As(err, &ce):
		return status, ce.AppError
	case errors.As(err, &se):
		return status, se.AppError
	case errors.As(err, &pe):
		return status, pe.AppError
	case errors.As(err, &cpe):
		return status, cpe.AppError
	case errors.As(err, &fe):
		return status, fe.AppError
	case errors.Is(err, catalog.ErrNoSource):
		return status, model.AppError{
			Code:    "NO_SUBSCRIPTION",
			Message: "未配置订阅地址或本地订阅文件",
			Stage:   "fetch_sub",
			Hint:    "subscription.url / subscription.file",
		}
	}
	return http.StatusInternalServerError, model.AppError{
		Code:    "INTERNAL_ERROR",
		Message: "服务端内部错误",
		Stage:   "internal",
		Hint:    err.Error(),
	}
}

func statusOf(err error) int {
	var (
		ve *validate.ValidationError
		ce *compose.ComposeError
		se *sub.ParseError
		pe *engine.ProcessError
		ae *controlapi.Error
		fe *fetch.FetchError
	)
	switch {
	case errors.Is(err, orchestrator.ErrBusy),
		errors.Is(err, orchestrator.ErrInvalidState),
		errors.Is(err, orchestrator.ErrTokenReleased),
		errors.Is(err, orchestrator.ErrNotApplied),
		errors.Is(err, catalog.ErrNoSource):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.As(err, &ve), errors.As(err, &ce), errors.As(err, &se):
		return http.StatusUnprocessableEntity
	case errors.As(err, &pe), errors.As(err, &ae):
		return http.StatusBadGateway
	case errors.As(err, &fe):
		if fe.Status != 0 {
			return fe.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeErrorFromErr(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	status, app := classify(err)
	if s.opt.Metrics != nil {
		s.opt.Metrics.IncAppError(app.Stage, app.Code)
	}
	if status >= http.StatusInternalServerError {
		s.opt.Logger.Warn("request failed",
			slog.Int("status", status),
			slog.String("code", app.Code),
			slog.String("err", err.Error()),
		)
	}
	WriteError(w, status, app)
}
