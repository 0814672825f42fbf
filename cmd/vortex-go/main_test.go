package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/vortex-go/internal/config"
)

func TestDeriveHealthzURL_FromListenAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:9091", "http://127.0.0.1:9091/healthz"},
		{"0.0.0.0:9091", "http://127.0.0.1:9091/healthz"},
		{":9091", "http://127.0.0.1:9091/healthz"},
		{"9091", "http://127.0.0.1:9091/healthz"},
		{"http://127.0.0.1:9091", "http://127.0.0.1:9091/healthz"},
		{"[::]:9091", "http://127.0.0.1:9091/healthz"},
	}
	for _, tt := range tests {
		got, err := deriveHealthzURL(tt.in)
		if err != nil {
			t.Fatalf("deriveHealthzURL(%q) unexpected err: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("deriveHealthzURL(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := deriveHealthzURL(" "); err == nil {
		t.Fatalf("empty address should fail")
	}
}

func TestRunHealthcheck_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	defer ts.Close()

	if err := runHealthcheck(ts.URL+"/healthz", 200*time.Millisecond); err != nil {
		t.Fatalf("runHealthcheck unexpected err: %v", err)
	}
}

func TestRunHealthcheck_StatusNotOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := runHealthcheck(ts.URL, 200*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "unexpected status") {
		t.Fatalf("err=%q, want contains %q", err.Error(), "unexpected status")
	}
}

const testSub = "trojan://secret-pass@hk.example.com:443#HK%2001\n" +
	"ss://YWVzLTEyOC1nY206cGFzcw==@jp.example.com:8388#JP%2002\n"

// writeFixture writes a config whose engine binary does not exist, so
// validation always takes the structural path.
func writeFixture(t *testing.T) (cfgPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	subPath := filepath.Join(dir, "sub.txt")
	if err := os.WriteFile(subPath, []byte(testSub), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgPath = filepath.Join(dir, "vortex.yaml")
	body := "version: 1\n" +
		"engine:\n" +
		"  binary: vortex-test-no-such-engine\n" +
		"  work_dir: " + filepath.Join(dir, "data") + "\n" +
		"subscription:\n" +
		"  file: " + subPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestParseCmd_ListsNodesWithoutCredentials(t *testing.T) {
	cfgPath, _ := writeFixture(t)
	out, _, err := execute(t, "parse", "-c", cfgPath)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(out, "HK 01") || !strings.Contains(out, "jp.example.com:8388") {
		t.Fatalf("output missing nodes:\n%s", out)
	}
	if !strings.Contains(out, "nodes=2") {
		t.Fatalf("output missing summary:\n%s", out)
	}

	out, _, err = execute(t, "parse", "-c", cfgPath, "--json")
	if err != nil {
		t.Fatalf("parse --json: %v", err)
	}
	if strings.Contains(out, "secret-pass") {
		t.Fatalf("json output leaked credentials:\n%s", out)
	}
}

func TestComposeThenValidate(t *testing.T) {
	cfgPath, dir := writeFixture(t)
	target := filepath.Join(dir, "out.yaml")

	out, _, err := execute(t, "compose", "-c", cfgPath, "-o", target)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !strings.Contains(out, "proxies=2") {
		t.Fatalf("compose output=%q", out)
	}
	b, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "secret-pass") {
		t.Fatalf("engine config should carry node credentials")
	}

	out, _, err = execute(t, "validate", "-c", cfgPath, target)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "tier=heuristic") {
		t.Fatalf("validate output=%q", out)
	}
}

func TestValidateCmd_RejectsBrokenDocument(t *testing.T) {
	cfgPath, dir := writeFixture(t)
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("mixed-port: 7890\nrules: [MATCH,DIRECT]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := execute(t, "validate", "-c", cfgPath, bad); err == nil {
		t.Fatalf("expected rejection")
	}
}

func TestLoad_MissingDefaultFallsBack(t *testing.T) {
	t.Chdir(t.TempDir())
	cmd := newRootCmd()
	f := &rootFlags{configPath: "vortex.yaml", logLevel: "debug"}
	cfg, err := f.load(cmd)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Listen != config.Default().API.Listen || cfg.Log.Level != "debug" {
		t.Fatalf("cfg api=%q level=%q", cfg.API.Listen, cfg.Log.Level)
	}

	if err := cmd.PersistentFlags().Set("config", "missing.yaml"); err != nil {
		t.Fatal(err)
	}
	f.configPath = "missing.yaml"
	if _, err := f.load(cmd); err == nil {
		t.Fatalf("explicit missing config should fail")
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, config.Log{Level: "warn", Format: "json"}).Info("hidden")
	newLogger(&buf, config.Log{Level: "warn", Format: "json"}).Warn("shown", slog.Int("n", 1))
	got := buf.String()
	if strings.Contains(got, "hidden") || !strings.Contains(got, `"msg":"shown"`) {
		t.Fatalf("log output=%q", got)
	}
}

func TestWatchSubscription_MissingDirOnlyWarns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	path := filepath.Join(t.TempDir(), "nope", "sub.txt")

	done := make(chan struct{})
	go func() {
		watchSubscription(context.Background(), path, logger, func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchSubscription did not return for a missing directory")
	}
	if !strings.Contains(buf.String(), "subscription file watch stopped") {
		t.Fatalf("log output=%q", buf.String())
	}
}
