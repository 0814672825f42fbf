package compose

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/vortex-go/internal/config"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/validate"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse("vortex.yaml", "engine:\n  work_dir: "+t.TempDir()+"\ncontroller:\n  secret: s3cret\n")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func testCatalog() *model.Catalog {
	return model.NewCatalog("https://sub.example.com", time.Unix(1700000000, 0), []model.Node{
		{Name: "HK 01", Server: "hk.example.com", Port: 443, Kind: model.KindTrojan, Settings: model.Settings{"password": "p", "sni": "hk.example.com"}},
		{Name: "JP 01", Server: "jp.example.com", Port: 8388, Kind: model.KindShadowsocks, Settings: model.Settings{"cipher": "aes-128-gcm", "password": "123"}},
		{Name: "US 01", Server: "us.example.com", Port: 443, Kind: model.KindVMess, Settings: model.Settings{"uuid": "b831381d-6324-4d53-ad4f-8cda48b30811", "alterId": 0, "cipher": "auto", "network": "ws", "ws-opts": map[string]any{"path": "/ws"}}},
	})
}

func TestCompose_Deterministic(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cat := testCatalog()
	f := c.DefaultFlags()

	a, err := c.Compose(cat, f)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	for i := 0; i < 10; i++ {
		b, err := c.Compose(cat, f)
		if err != nil {
			t.Fatalf("Compose: %v", err)
		}
		if !bytes.Equal(a.Bytes, b.Bytes) {
			t.Fatalf("output differs between runs:\n%s\n---\n%s", a.Bytes, b.Bytes)
		}
	}
}

func TestCompose_DocumentShape(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cat := testCatalog()
	f := c.DefaultFlags()
	jp := cat.Nodes()[1]
	f.SelectedID = jp.ID
	f.TUN = true

	doc, err := c.Compose(cat, f)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if doc.Proxies != 3 || doc.Selector != "PROXY" || doc.Names[jp.ID] != "JP 01" {
		t.Fatalf("doc=%+v", doc)
	}

	var parsed struct {
		MixedPort int              `yaml:"mixed-port"`
		Secret    string           `yaml:"secret"`
		TUN       map[string]any   `yaml:"tun"`
		Proxies   []map[string]any `yaml:"proxies"`
		Groups    []struct {
			Name    string   `yaml:"name"`
			Type    string   `yaml:"type"`
			Proxies []string `yaml:"proxies"`
		} `yaml:"proxy-groups"`
		Rules []string `yaml:"rules"`
	}
	if err := yaml.Unmarshal(doc.Bytes, &parsed); err != nil {
		t.Fatalf("document is not valid YAML: %v\n%s", err, doc.Bytes)
	}
	if parsed.MixedPort != 7890 || parsed.Secret != "s3cret" || parsed.TUN["enable"] != true {
		t.Fatalf("general/tun=%+v", parsed)
	}
	if len(parsed.Proxies) != 3 || parsed.Proxies[1]["password"] != "123" {
		t.Fatalf("proxies=%v", parsed.Proxies)
	}
	if parsed.Groups[0].Name != "PROXY" || parsed.Groups[0].Proxies[0] != "JP 01" {
		t.Fatalf("selector=%+v", parsed.Groups[0])
	}
	if last := parsed.Rules[len(parsed.Rules)-1]; last != "MATCH,PROXY" {
		t.Fatalf("last rule=%q", last)
	}
}

func TestDraft_WritesAtomicallyAndSkipsUnchanged(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cat := testCatalog()

	d1, err := c.Draft(cat, c.DefaultFlags())
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if !d1.Changed || d1.Path != cfg.EngineConfigPath() {
		t.Fatalf("first draft=%+v", d1)
	}
	got, err := os.ReadFile(d1.Path)
	if err != nil || !bytes.Equal(got, d1.Bytes) {
		t.Fatalf("file content mismatch: %v", err)
	}

	d2, err := c.Draft(cat, c.DefaultFlags())
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if d2.Changed {
		t.Fatalf("second identical draft should not rewrite the file")
	}

	entries, err := os.ReadDir(filepath.Dir(d1.Path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".vortex-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestCompose_EmptyCatalog(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Compose(model.NewCatalog("", time.Time{}, nil), c.DefaultFlags())
	var ce *ComposeError
	if !errors.As(err, &ce) || ce.AppError.Code != "NO_NODES" {
		t.Fatalf("expected NO_NODES, got %v", err)
	}
}

func TestNew_LocalRulesetAndTemplate(t *testing.T) {
	dir := t.TempDir()
	rs := filepath.Join(dir, "lan.list")
	if err := os.WriteFile(rs, []byte("DOMAIN-SUFFIX,lan\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Parse("vortex.yaml", "engine:\n  work_dir: "+dir+"\nruleset:\n  - DIRECT,"+rs+"\n")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	doc, err := c.Compose(testCatalog(), c.DefaultFlags())
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if !strings.Contains(string(doc.Bytes), `- "DOMAIN-SUFFIX,lan,DIRECT"`) {
		t.Fatalf("local ruleset not expanded:\n%s", doc.Bytes)
	}

	cfg.Template = filepath.Join(dir, "missing.yaml")
	_, err = New(cfg)
	var ce *ComposeError
	if !errors.As(err, &ce) || ce.AppError.Code != "TEMPLATE_READ_ERROR" {
		t.Fatalf("expected TEMPLATE_READ_ERROR, got %v", err)
	}
}

func TestCompose_InvisibleRunesInNamesPassHeuristic(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	names := []string{"\U0001F3F3️‍\U0001F308 US 01", "HK 01"}
	cat := model.NewCatalog("https://sub.example.com", time.Unix(1700000000, 0), []model.Node{
		{Name: names[0], Server: "us.example.com", Port: 443, Kind: model.KindTrojan, Settings: model.Settings{"password": "pw"}},
		{Name: names[1], Server: "hk.example.com", Port: 443, Kind: model.KindTrojan, Settings: model.Settings{"password": "pw"}},
	})

	doc, err := c.Compose(cat, c.DefaultFlags())
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if err := validate.CheckDocument(doc.Bytes); err != nil {
		t.Fatalf("heuristic rejected composed document: %v", err)
	}

	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, doc.Bytes, 0o600); err != nil {
		t.Fatal(err)
	}
	v, err := validate.Heuristic{}.Validate(context.Background(), path)
	if err != nil {
		t.Fatalf("Heuristic.Validate: %v", err)
	}
	if v.Tier != validate.TierHeuristic {
		t.Fatalf("tier=%v", v.Tier)
	}

	var parsed struct {
		Proxies []struct {
			Name string `yaml:"name"`
		} `yaml:"proxies"`
	}
	if err := yaml.Unmarshal(doc.Bytes, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := map[string]bool{}
	for _, p := range parsed.Proxies {
		got[p.Name] = true
	}
	for _, n := range names {
		if !got[n] {
			t.Fatalf("proxy %q not in rendered document: %+v", n, parsed.Proxies)
		}
	}
}
