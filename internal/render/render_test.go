package render

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/vortex-go/internal/compiler"
	"github.com/John-Robertt/vortex-go/internal/config"
	"github.com/John-Robertt/vortex-go/internal/model"
)

func sampleResult() *compiler.Result {
	return &compiler.Result{
		Proxies: []model.Node{
			{
				ID: "a", Name: "n1", Server: "example.com", Port: 8388, Kind: model.KindShadowsocks,
				Settings: model.Settings{
					"cipher":   "aes-128-gcm",
					"password": "123",
					"plugin":   "obfs",
					"plugin-opts": map[string]any{
						"mode": "tls",
						"host": "example.com",
					},
				},
			},
			{
				ID: "b", Name: `w"g`, Server: "wg.example.com", Port: 51820, Kind: model.KindWireGuard,
				Settings: model.Settings{
					"private-key": "cHJpdmF0ZQ==",
					"udp":         true,
					"reserved":    []any{1, 2, 3},
					"alpn":        []string{"h2", "http/1.1"},
					"peers":       []any{map[string]any{"server": "p.example.com", "port": 1}},
				},
			},
		},
		Groups: []model.Group{
			{Name: "PROXY", Type: "select", Members: []string{"n1", `w"g`, "DIRECT"}},
			{Name: "AUTO", Type: "url-test", Members: []string{"n1"}, TestURL: "https://www.gstatic.com/generate_204", IntervalSec: 300, HasTolerance: true, ToleranceMS: 50},
		},
		RulesetRefs: []compiler.RulesetRef{{Name: "Google", Action: "PROXY", URL: "https://example.com/Google.list"}},
		Rules: []model.Rule{
			{Type: "RULE-SET", Value: "Google", Action: "PROXY"},
			{Type: "IP-CIDR", Value: "10.0.0.0/8", Action: "DIRECT", NoResolve: true},
			{Type: "MATCH", Action: "PROXY"},
		},
	}
}

func sampleOptions() Options {
	return Options{
		MixedPort:  7890,
		Mode:       "rule",
		LogLevel:   "info",
		Controller: "127.0.0.1:9090",
		Secret:     "s3cret",
		DNS:        config.DNS{Enable: true, EnhancedMode: "fake-ip", FakeIPRange: "198.18.0.1/16", Nameservers: []string{"223.5.5.5"}},
	}
}

func TestRender_ProxiesQuotedAndNested(t *testing.T) {
	blocks, err := Render(sampleResult(), sampleOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(blocks.Proxies, `password: "123"`) {
		t.Fatalf("password should be quoted, got:\n%s", blocks.Proxies)
	}
	if !strings.Contains(blocks.Proxies, "  plugin-opts:\n    host: \"example.com\"\n    mode: \"tls\"") {
		t.Fatalf("plugin-opts should be a sorted nested map, got:\n%s", blocks.Proxies)
	}
	if !strings.Contains(blocks.Proxies, "  peers:\n    - port: 1\n      server: \"p.example.com\"") {
		t.Fatalf("list of maps misrendered, got:\n%s", blocks.Proxies)
	}

	// The block must be valid YAML that round-trips the settings types.
	var proxies []map[string]any
	if err := yaml.Unmarshal([]byte(blocks.Proxies), &proxies); err != nil {
		t.Fatalf("proxies block is not valid YAML: %v\n%s", err, blocks.Proxies)
	}
	if len(proxies) != 2 {
		t.Fatalf("proxies=%d, want=2", len(proxies))
	}
	if proxies[0]["password"] != "123" || proxies[0]["port"] != 8388 {
		t.Fatalf("proxy0=%v", proxies[0])
	}
	if proxies[1]["name"] != `w"g` || proxies[1]["udp"] != true {
		t.Fatalf("proxy1=%v", proxies[1])
	}
	reserved, ok := proxies[1]["reserved"].([]any)
	if !ok || len(reserved) != 3 || reserved[2] != 3 {
		t.Fatalf("reserved=%v", proxies[1]["reserved"])
	}
}

func TestRender_GroupsProvidersRules(t *testing.T) {
	blocks, err := Render(sampleResult(), sampleOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(blocks.Groups, "  tolerance: 50") || !strings.Contains(blocks.Groups, `    - "w\"g"`) {
		t.Fatalf("groups=\n%s", blocks.Groups)
	}
	if !strings.HasPrefix(blocks.Providers, "rule-providers:\n  Google:\n") {
		t.Fatalf("providers=\n%s", blocks.Providers)
	}
	wantRules := "- \"RULE-SET,Google,PROXY\"\n- \"IP-CIDR,10.0.0.0/8,DIRECT,no-resolve\"\n- \"MATCH,PROXY\""
	if blocks.Rules != wantRules {
		t.Fatalf("rules=%q, want=%q", blocks.Rules, wantRules)
	}
}

func TestRender_GeneralDNSTUN(t *testing.T) {
	opt := sampleOptions()
	blocks, err := Render(sampleResult(), opt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(blocks.General, "mixed-port: 7890") || !strings.Contains(blocks.General, `secret: "s3cret"`) {
		t.Fatalf("general=\n%s", blocks.General)
	}
	if !strings.Contains(blocks.DNS, "  enhanced-mode: fake-ip") || !strings.Contains(blocks.DNS, "  nameserver:\n    - \"223.5.5.5\"") {
		t.Fatalf("dns=\n%s", blocks.DNS)
	}
	if blocks.TUN != "" {
		t.Fatalf("tun should be empty when disabled, got:\n%s", blocks.TUN)
	}

	opt.TUN = config.TUN{Enable: true, Stack: "mixed", AutoRoute: true, DNSHijack: []string{"any:53"}, MTU: 9000}
	blocks, err = Render(sampleResult(), opt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(blocks.TUN, "tun:\n  enable: true\n  stack: mixed") {
		t.Fatalf("tun=\n%s", blocks.TUN)
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(blocks.General+"\n"+blocks.DNS+"\n"+blocks.TUN), &doc); err != nil {
		t.Fatalf("general/dns/tun not valid YAML: %v", err)
	}
}

func TestRender_Deterministic(t *testing.T) {
	a, err := Render(sampleResult(), sampleOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 20; i++ {
		b, err := Render(sampleResult(), sampleOptions())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a != b {
			t.Fatalf("render output differs between runs")
		}
	}
}

func TestRender_InvalidPort(t *testing.T) {
	opt := sampleOptions()
	opt.MixedPort = 0
	if _, err := Render(sampleResult(), opt); err == nil {
		t.Fatalf("expected error for mixed-port=0")
	}
}

func TestYamlDQ_EscapesInvisibleRunes(t *testing.T) {
	name := "\U0001F3F3️‍\U0001F308 US 01​‌\uFEFF"
	got := yamlDQ(name)
	for _, r := range []rune{' ', '​', '‌', '‍', '\uFEFF'} {
		if strings.ContainsRune(got, r) {
			t.Fatalf("raw %U left in %q", r, got)
		}
	}
	if !strings.Contains(got, `‍`) || !strings.Contains(got, ` `) {
		t.Fatalf("escapes missing: %s", got)
	}

	var back string
	if err := yaml.Unmarshal([]byte(got), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != name {
		t.Fatalf("round trip: got %q want %q", back, name)
	}
}
