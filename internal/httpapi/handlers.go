package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/John-Robertt/vortex-go/internal/probe"
)

const maxBodyBytes = 64 << 10

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteText(w, http.StatusOK, "ok\n")
}

// decodeBody reads one JSON object. An empty body is accepted when
// allowEmpty is set.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return requestError("INVALID_ARGUMENT", "JSON body 解析失败", err.Error())
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return requestError("INVALID_ARGUMENT", "JSON body 不允许多段", "")
	} else if !errors.Is(err, io.EOF) {
		return requestError("INVALID_ARGUMENT", "JSON body 解析失败", err.Error())
	}
	return nil
}

// lifecycleContext outlives the client connection so a transition is not
// abandoned halfway when the caller goes away.
func (s *server) lifecycleContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.opt.RequestTimeout)
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.opt.Orchestrator.Snapshot())
}

type nodeView struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Server     string   `json:"server"`
	Port       int      `json:"port"`
	Group      string   `json:"group,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty"`
	LatencyMS  *int64   `json:"latency_ms,omitempty"`
	Active     bool     `json:"active,omitempty"`
}

type nodesResponse struct {
	Source    string     `json:"source,omitempty"`
	FetchedAt time.Time  `json:"fetched_at,omitzero"`
	Nodes     []nodeView `json:"nodes"`
}

// handleNodes lists the catalog without protocol settings, which carry
// credentials.
func (s *server) handleNodes(w http.ResponseWriter, r *http.Request) {
	cat := s.opt.Catalog.Load()
	lat := s.opt.Orchestrator.Latencies()
	sess := s.opt.Orchestrator.Snapshot()

	resp := nodesResponse{Source: cat.SourceURL, FetchedAt: cat.FetchedAt, Nodes: make([]nodeView, 0, cat.Len())}
	for _, n := range cat.Nodes() {
		v := nodeView{
			ID:         n.ID,
			Name:       n.Name,
			Type:       string(n.Kind),
			Server:     n.Server,
			Port:       n.Port,
			Group:      n.Group,
			Tags:       n.Tags,
			Multiplier: n.Multiplier,
			Active:     sess.Node != nil && sess.Node.ID == n.ID,
		}
		if d, ok := lat.Latency(n.ID); ok {
			ms := d.Milliseconds()
			v.LatencyMS = &ms
		}
		resp.Nodes = append(resp.Nodes, v)
	}
	WriteJSON(w, http.StatusOK, resp)
}

type userInfoView struct {
	Upload   int64     `json:"upload"`
	Download int64     `json:"download"`
	Total    int64     `json:"total"`
	Expire   time.Time `json:"expire,omitzero"`
}

type refreshResponse struct {
	Source   string        `json:"source"`
	Format   string        `json:"format"`
	Nodes    int           `json:"nodes"`
	Skipped  int           `json:"skipped"`
	UserInfo *userInfoView `json:"userinfo,omitempty"`
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.opt.Refresher == nil {
		s.writeErrorFromErr(w, requestError("NOT_CONFIGURED", "未启用订阅刷新", ""))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opt.RequestTimeout)
	defer cancel()
	rep, err := s.opt.Refresher.Refresh(ctx)
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	resp := refreshResponse{Source: rep.Source, Format: string(rep.Format), Nodes: rep.Nodes, Skipped: rep.Skipped}
	if ui := rep.UserInfo; ui != nil {
		resp.UserInfo = &userInfoView{Upload: ui.Upload, Download: ui.Download, Total: ui.Total, Expire: ui.Expire}
	}
	WriteJSON(w, http.StatusOK, resp)
}

type nodeRequest struct {
	Node string `json:"node"`
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	ctx, cancel := s.lifecycleContext(r)
	defer cancel()
	if err := s.opt.Orchestrator.Connect(ctx, strings.TrimSpace(req.Node)); err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.opt.Orchestrator.Snapshot())
}

func (s *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.lifecycleContext(r)
	defer cancel()
	if err := s.opt.Orchestrator.Disconnect(ctx); err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.opt.Orchestrator.Snapshot())
}

func (s *server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	id := strings.TrimSpace(req.Node)
	if id == "" {
		s.writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "node 不能为空", `expected: {"node":"<id>"}`))
		return
	}
	ctx, cancel := s.lifecycleContext(r)
	defer cancel()
	if err := s.opt.Orchestrator.SwitchNode(ctx, id); err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.opt.Orchestrator.Snapshot())
}

func (s *server) handleTun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	if req.Enabled == nil {
		s.writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "缺少 enabled", `expected: {"enabled":true}`))
		return
	}
	ctx, cancel := s.lifecycleContext(r)
	defer cancel()
	if err := s.opt.Orchestrator.SetTunMode(ctx, *req.Enabled); err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.opt.Orchestrator.Snapshot())
}

type latencyView struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

func viewResult(r probe.Result) latencyView {
	v := latencyView{ID: r.ID, Name: r.Name, OK: r.OK}
	if r.OK {
		v.LatencyMS = r.Latency.Milliseconds()
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

// handleLatencyAll probes every node. With Accept: text/event-stream each
// result is streamed as it lands; otherwise the full map is returned.
func (s *server) handleLatencyAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opt.LatencyTimeout)
	defer cancel()

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamLatency(ctx, w)
		return
	}
	res, err := s.opt.Orchestrator.TestAllLatencies(ctx, nil)
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	out := make(map[string]latencyView, len(res))
	for id, r := range res {
		out[id] = viewResult(r)
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *server) handleLatencyOne(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opt.RequestTimeout)
	defer cancel()
	res, err := s.opt.Orchestrator.TestLatency(ctx, r.PathValue("id"))
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, viewResult(res))
}

func (s *server) handleConnections(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opt.RequestTimeout)
	defer cancel()
	c, err := s.opt.Orchestrator.Connections(ctx)
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (s *server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opt.RequestTimeout)
	defer cancel()
	if err := s.opt.Orchestrator.CloseConnection(ctx, r.PathValue("id")); err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
