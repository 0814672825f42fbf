package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/vortex-go/internal/catalog"
	"github.com/John-Robertt/vortex-go/internal/controlapi"
	"github.com/John-Robertt/vortex-go/internal/engine"
	"github.com/John-Robertt/vortex-go/internal/events"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/orchestrator"
	"github.com/John-Robertt/vortex-go/internal/probe"
	"github.com/John-Robertt/vortex-go/internal/validate"
)

type fakeOrch struct {
	mu       sync.Mutex
	sess     orchestrator.Session
	err      error
	calls    []string
	results  probe.Results
	exported string
}

func (f *fakeOrch) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeOrch) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeOrch) Snapshot() orchestrator.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess
}

func (f *fakeOrch) Connect(ctx context.Context, nodeID string) error {
	return f.record("connect:" + nodeID)
}

func (f *fakeOrch) Disconnect(ctx context.Context) error { return f.record("disconnect") }

func (f *fakeOrch) SwitchNode(ctx context.Context, nodeID string) error {
	return f.record("switch:" + nodeID)
}

func (f *fakeOrch) SetTunMode(ctx context.Context, enabled bool) error {
	if enabled {
		return f.record("tun:on")
	}
	return f.record("tun:off")
}

func (f *fakeOrch) TestAllLatencies(ctx context.Context, progress func(probe.Progress)) (probe.Results, error) {
	if err := f.record("latency"); err != nil {
		return nil, err
	}
	i := 0
	for _, r := range f.results {
		i++
		if progress != nil {
			progress(probe.Progress{Done: i, Total: len(f.results), Result: r})
		}
	}
	return f.results, nil
}

func (f *fakeOrch) TestLatency(ctx context.Context, nodeID string) (probe.Result, error) {
	if err := f.record("latency:" + nodeID); err != nil {
		return probe.Result{}, err
	}
	return f.results[nodeID], nil
}

func (f *fakeOrch) Latencies() probe.Results { return f.results }

func (f *fakeOrch) Connections(ctx context.Context) (controlapi.Connections, error) {
	if err := f.record("connections"); err != nil {
		return controlapi.Connections{}, err
	}
	return controlapi.Connections{UploadTotal: 7, Connections: []controlapi.Connection{{ID: "c1"}}}, nil
}

func (f *fakeOrch) CloseConnection(ctx context.Context, id string) error {
	return f.record("close:" + id)
}

func (f *fakeOrch) ExportLogs() (string, error) {
	if err := f.record("export"); err != nil {
		return "", err
	}
	return f.exported, nil
}

type fakeRefresher struct {
	rep catalog.Report
	err error
}

func (f fakeRefresher) Refresh(ctx context.Context) (catalog.Report, error) { return f.rep, f.err }

func testCatalog() *catalog.Store {
	return catalog.NewStore(model.NewCatalog("https://sub.example.com", time.Unix(1700000000, 0), []model.Node{
		{ID: "n1", Name: "香港 01", Server: "hk.example.com", Port: 443, Kind: model.KindTrojan,
			Settings: model.Settings{"password": "hunter2"}, Tags: []string{"HK"}},
		{ID: "n2", Name: "日本 02", Server: "jp.example.com", Port: 8388, Kind: model.KindShadowsocks},
	}))
}

func newTestMux(f *fakeOrch) *http.ServeMux {
	return NewMux(Options{
		Orchestrator: f,
		Catalog:      testCatalog(),
		Events:       events.NewBus[orchestrator.Event](8),
		Traffic:      events.NewBus[orchestrator.TrafficEvent](8),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) model.AppError {
	t.Helper()
	var resp model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nbody=%q", err, rr.Body.String())
	}
	return resp.Error
}

func TestMux_HealthzAndIndex(t *testing.T) {
	mux := newTestMux(&fakeOrch{})
	rr := do(t, mux, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz status=%d body=%q", rr.Code, rr.Body.String())
	}
	rr = do(t, mux, http.MethodGet, "/", "")
	if got := rr.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Fatalf("index Content-Type=%q, want text/html", got)
	}
	rr = do(t, mux, http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown path status=%d, want=404", rr.Code)
	}
}

func TestMux_State(t *testing.T) {
	f := &fakeOrch{sess: orchestrator.Session{
		State: orchestrator.StateConnected,
		TUN:   true,
		Node:  &model.Node{ID: "n1", Name: "香港 01", Settings: model.Settings{"password": "hunter2"}},
	}}
	rr := do(t, newTestMux(f), http.MethodGet, "/api/state", "")
	if strings.Contains(rr.Body.String(), "hunter2") {
		t.Fatalf("session leaked node settings: %s", rr.Body.String())
	}
	var s orchestrator.Session
	if err := json.Unmarshal(rr.Body.Bytes(), &s); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	if s.State != orchestrator.StateConnected || !s.TUN || s.Node == nil || s.Node.ID != "n1" {
		t.Fatalf("state=%+v", s)
	}
}

func TestMux_NodesHidesSettings(t *testing.T) {
	f := &fakeOrch{
		sess:    orchestrator.Session{State: orchestrator.StateConnected, Node: &model.Node{ID: "n2"}},
		results: probe.Results{"n1": {ID: "n1", OK: true, Latency: 123 * time.Millisecond}},
	}
	rr := do(t, newTestMux(f), http.MethodGet, "/api/nodes", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "hunter2") {
		t.Fatalf("node settings leaked: %s", rr.Body.String())
	}
	var resp nodesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Nodes) != 2 {
		t.Fatalf("nodes=%d, want=2", len(resp.Nodes))
	}
	if resp.Nodes[0].LatencyMS == nil || *resp.Nodes[0].LatencyMS != 123 {
		t.Fatalf("latency=%v, want=123", resp.Nodes[0].LatencyMS)
	}
	if resp.Nodes[1].LatencyMS != nil {
		t.Fatalf("n2 latency=%v, want absent", *resp.Nodes[1].LatencyMS)
	}
	if !resp.Nodes[1].Active || resp.Nodes[0].Active {
		t.Fatalf("active flags wrong: %+v", resp.Nodes)
	}
	if resp.Source != "https://sub.example.com" {
		t.Fatalf("source=%q", resp.Source)
	}
}

func TestMux_LifecycleRequests(t *testing.T) {
	tests := []struct {
		method, path, body string
		wantStatus         int
		wantCall           string
	}{
		{http.MethodPost, "/api/connect", "", 200, "connect:"},
		{http.MethodPost, "/api/connect", `{"node":"n1"}`, 200, "connect:n1"},
		{http.MethodPost, "/api/connect", `{"nodes":"n1"}`, 400, ""},
		{http.MethodPost, "/api/connect", `{"node":"n1"}{}`, 400, ""},
		{http.MethodPost, "/api/disconnect", "", 200, "disconnect"},
		{http.MethodPost, "/api/switch", `{"node":"n2"}`, 200, "switch:n2"},
		{http.MethodPost, "/api/switch", `{"node":" "}`, 400, ""},
		{http.MethodPost, "/api/switch", "", 400, ""},
		{http.MethodPost, "/api/tun", `{"enabled":true}`, 200, "tun:on"},
		{http.MethodPost, "/api/tun", `{"enabled":false}`, 200, "tun:off"},
		{http.MethodPost, "/api/tun", `{}`, 400, ""},
		{http.MethodDelete, "/api/connections/c9", "", 204, "close:c9"},
		{http.MethodPost, "/api/latency/n1", "", 200, "latency:n1"},
	}
	for _, tt := range tests {
		f := &fakeOrch{results: probe.Results{"n1": {ID: "n1", OK: true, Latency: time.Millisecond}}}
		rr := do(t, newTestMux(f), tt.method, tt.path, tt.body)
		if rr.Code != tt.wantStatus {
			t.Fatalf("%s %s %q: status=%d, want=%d body=%s", tt.method, tt.path, tt.body, rr.Code, tt.wantStatus, rr.Body.String())
		}
		if got := f.lastCall(); got != tt.wantCall {
			t.Fatalf("%s %s %q: call=%q, want=%q", tt.method, tt.path, tt.body, got, tt.wantCall)
		}
		if tt.wantStatus == 400 {
			if app := decodeError(t, rr); app.Stage != "validate_request" {
				t.Fatalf("stage=%q, want=validate_request", app.Stage)
			}
		}
	}
}

func TestMux_ErrorStatusMapping(t *testing.T) {
	wrap := func(code string, cause error) error {
		return &orchestrator.Error{Op: "connect", AppError: model.AppError{Code: code, Stage: "x"}, Cause: cause}
	}
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", wrap("CONFIG_MISSING_SECTION", &validate.ValidationError{}), 422, "CONFIG_MISSING_SECTION"},
		{"busy", wrap("BUSY", orchestrator.ErrBusy), 409, "BUSY"},
		{"invalid state", wrap("INVALID_STATE", orchestrator.ErrInvalidState), 409, "INVALID_STATE"},
		{"not found", wrap("NODE_NOT_FOUND", orchestrator.ErrNodeNotFound), 404, "NODE_NOT_FOUND"},
		{"not applied", wrap("NODE_NOT_APPLIED", orchestrator.ErrNotApplied), 409, "NODE_NOT_APPLIED"},
		{"process", wrap("ENGINE_EXITED", &engine.ProcessError{}), 502, "ENGINE_EXITED"},
		{"control api", wrap("CONTROL_API_UNREACHABLE", &controlapi.Error{Unreachable: true}), 502, "CONTROL_API_UNREACHABLE"},
		{"internal", errors.New("boom"), 500, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		f := &fakeOrch{err: tt.err}
		rr := do(t, newTestMux(f), http.MethodPost, "/api/connect", "")
		if rr.Code != tt.wantStatus {
			t.Fatalf("%s: status=%d, want=%d", tt.name, rr.Code, tt.wantStatus)
		}
		if app := decodeError(t, rr); app.Code != tt.wantCode {
			t.Fatalf("%s: code=%q, want=%q", tt.name, app.Code, tt.wantCode)
		}
	}
}

func TestMux_Refresh(t *testing.T) {
	opt := Options{
		Orchestrator: &fakeOrch{},
		Catalog:      testCatalog(),
		Refresher:    fakeRefresher{rep: catalog.Report{Source: "https://sub.example.com", Format: "uri-list", Nodes: 2, Skipped: 1}},
	}
	rr := do(t, NewMux(opt), http.MethodPost, "/api/subscription/refresh", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp refreshResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Nodes != 2 || resp.Skipped != 1 || resp.UserInfo != nil {
		t.Fatalf("resp=%+v", resp)
	}

	opt.Refresher = fakeRefresher{err: catalog.ErrNoSource}
	rr = do(t, NewMux(opt), http.MethodPost, "/api/subscription/refresh", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("no source status=%d, want=409", rr.Code)
	}
	if app := decodeError(t, rr); app.Code != "NO_SUBSCRIPTION" {
		t.Fatalf("code=%q, want=NO_SUBSCRIPTION", app.Code)
	}
}

func TestMux_LatencyJSONAndConnections(t *testing.T) {
	f := &fakeOrch{results: probe.Results{
		"n1": {ID: "n1", Name: "香港 01", OK: true, Latency: 88 * time.Millisecond},
		"n2": {ID: "n2", Name: "日本 02", Err: probe.ErrProbeTimeout},
	}}
	mux := newTestMux(f)

	rr := do(t, mux, http.MethodPost, "/api/latency", "")
	var out map[string]latencyView
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v body=%s", err, rr.Body.String())
	}
	if out["n1"].LatencyMS != 88 || !out["n1"].OK {
		t.Fatalf("n1=%+v", out["n1"])
	}
	if out["n2"].OK || out["n2"].Error == "" {
		t.Fatalf("n2=%+v", out["n2"])
	}

	rr = do(t, mux, http.MethodGet, "/api/connections", "")
	var c controlapi.Connections
	if err := json.Unmarshal(rr.Body.Bytes(), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(c.Connections) != 1 || c.UploadTotal != 7 {
		t.Fatalf("connections=%+v", c)
	}
}

func TestMux_ExportLogsAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vortex_logs_1700000000.txt")
	if err := os.WriteFile(path, []byte("line one\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rr := do(t, newTestMux(&fakeOrch{exported: path}), http.MethodGet, "/api/logs/export", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	cd := rr.Header().Get("Content-Disposition")
	if !strings.Contains(cd, `filename="vortex_logs_1700000000.txt"`) {
		t.Fatalf("Content-Disposition=%q", cd)
	}
	if rr.Body.String() != "line one\n" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}
