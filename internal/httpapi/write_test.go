package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/John-Robertt/vortex-go/internal/model"
)

func TestWriteError_JSONShapeAndHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusUnprocessableEntity, model.AppError{
		Code:    "SUB_PARSE_ERROR",
		Message: "无法解析节点",
		Stage:   "parse_sub",
		URL:     "https://sub.example.com/list",
		Line:    12,
		Snippet: "vmess://???",
		Hint:    "expected: scheme://...",
	})

	if got, want := rr.Code, http.StatusUnprocessableEntity; got != want {
		t.Fatalf("status = %d, want %d", got, want)
	}

	if got, want := rr.Header().Get("Content-Type"), "application/json; charset=utf-8"; got != want {
		t.Fatalf("Content-Type = %q, want %q", got, want)
	}

	var resp model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nbody=%q", err, rr.Body.String())
	}
	if resp.Error.Code != "SUB_PARSE_ERROR" {
		t.Fatalf("code = %q, want %q", resp.Error.Code, "SUB_PARSE_ERROR")
	}
	if resp.Error.Stage != "parse_sub" {
		t.Fatalf("stage = %q, want %q", resp.Error.Stage, "parse_sub")
	}
	if resp.Error.Line != 12 {
		t.Fatalf("line = %d, want %d", resp.Error.Line, 12)
	}
}

func TestWriteJSON_NoStore(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusOK, map[string]int{"a": 1})

	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", got)
	}
	if got, want := rr.Body.String(), "{\"a\":1}\n"; got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
}
