package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/John-Robertt/vortex-go/internal/events"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/orchestrator"
	"github.com/John-Robertt/vortex-go/internal/probe"
)

type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func startSSE(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	s := &sseWriter{w: w, rc: http.NewResponseController(w)}
	_ = s.rc.Flush()
	return s
}

func (s *sseWriter) event(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// serveSub streams items until the client leaves or the bus closes.
func serveSub[T any](ctx context.Context, sw *sseWriter, sub *events.Subscription[T], keepAlive time.Duration, name func(T) string) {
	tick := time.NewTicker(keepAlive)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-sub.C():
			if !ok {
				return
			}
			if err := sw.event(name(v), v); err != nil {
				return
			}
		case <-tick.C:
			if err := sw.ping(); err != nil {
				return
			}
		}
	}
}

func notConfigured(what string) error {
	return apiError(http.StatusNotFound, model.AppError{
		Code:    "NOT_CONFIGURED",
		Message: what + " 未启用",
		Stage:   "validate_request",
	}, nil)
}

// handleEvents sends the current session first, then every state, node and
// engine event.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opt.Events == nil {
		s.writeErrorFromErr(w, notConfigured("事件流"))
		return
	}
	sub := s.opt.Events.Subscribe()
	defer sub.Close()
	sw := startSSE(w)
	if err := sw.event("snapshot", s.opt.Orchestrator.Snapshot()); err != nil {
		return
	}
	serveSub(r.Context(), sw, sub, s.opt.KeepAlive, func(ev orchestrator.Event) string {
		return string(ev.Kind)
	})
}

func (s *server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if s.opt.Traffic == nil {
		s.writeErrorFromErr(w, notConfigured("流量流"))
		return
	}
	sub := s.opt.Traffic.Subscribe()
	defer sub.Close()
	sw := startSSE(w)
	serveSub(r.Context(), sw, sub, s.opt.KeepAlive, func(orchestrator.TrafficEvent) string {
		return "traffic"
	})
}

// handleLogs streams engine and orchestrator log lines. ?source=engine keeps
// only one source.
func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.opt.Logs == nil {
		s.writeErrorFromErr(w, notConfigured("日志流"))
		return
	}
	source := r.URL.Query().Get("source")
	sub := s.opt.Logs.Subscribe()
	defer sub.Close()
	sw := startSSE(w)
	tick := time.NewTicker(s.opt.KeepAlive)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if source != "" && ev.Source != source {
				continue
			}
			if err := sw.event("log", ev); err != nil {
				return
			}
		case <-tick.C:
			if err := sw.ping(); err != nil {
				return
			}
		}
	}
}

type progressView struct {
	Done   int         `json:"done"`
	Total  int         `json:"total"`
	Result latencyView `json:"result"`
}

// streamLatency opens the stream on the first result so a failure to reach
// the engine is still reported as a normal JSON error.
func (s *server) streamLatency(ctx context.Context, w http.ResponseWriter) {
	var sw *sseWriter
	res, err := s.opt.Orchestrator.TestAllLatencies(ctx, func(p probe.Progress) {
		if sw == nil {
			sw = startSSE(w)
		}
		_ = sw.event("progress", progressView{Done: p.Done, Total: p.Total, Result: viewResult(p.Result)})
	})
	if err != nil && sw == nil {
		s.writeErrorFromErr(w, err)
		return
	}
	if sw == nil {
		sw = startSSE(w)
	}
	ok := 0
	for _, r := range res {
		if r.OK {
			ok++
		}
	}
	summary := map[string]int{"total": len(res), "ok": ok}
	if err != nil {
		_, app := classify(err)
		_ = sw.event("error", model.ErrorResponse{Error: app})
		return
	}
	_ = sw.event("done", summary)
}
