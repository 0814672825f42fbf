package template

import (
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/vortex-go/internal/render"
)

func sampleBlocks() render.Blocks {
	return render.Blocks{
		General: "mixed-port: 7890\nmode: rule",
		DNS:     "dns:\n  enable: false",
		Proxies: "- name: \"A\"\n  type: ss\n  server: \"a.com\"\n  port: 1",
		Groups:  "- name: \"PROXY\"\n  type: \"select\"\n  proxies:\n    - \"A\"",
		Rules:   "- \"MATCH,PROXY\"",
	}
}

func TestInjectAnchors_Default(t *testing.T) {
	out, err := InjectAnchors(Default, sampleBlocks(), "builtin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "#@") {
		t.Fatalf("anchor left in output:\n%s", out)
	}
	if strings.Contains(out, "\n\n") {
		t.Fatalf("empty TUN/PROVIDERS anchors should leave no blank line:\n%s", out)
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("output is not valid YAML: %v\n%s", err, out)
	}
	for _, key := range []string{"mixed-port", "dns", "proxies", "proxy-groups", "rules"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("missing key %q in:\n%s", key, out)
		}
	}
	if _, ok := doc["tun"]; ok {
		t.Fatalf("tun should be absent")
	}
}

func TestInjectAnchors_OK_IndentAndCRLFPreserved(t *testing.T) {
	templateText := "" +
		"#@GENERAL@#\r\n" +
		"proxies:\r\n" +
		"  #@PROXIES@#\r\n" +
		"proxy-groups:\r\n" +
		"\t#@GROUPS@#\r\n" +
		"rules:\r\n" +
		"  #@RULES@#\r\n"

	blocks := sampleBlocks()
	blocks.DNS = ""
	out, err := InjectAnchors(templateText, blocks, "https://example.com/clash.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "\r\n") {
		t.Fatalf("expected CRLF output, got:\n%q", out)
	}
	if hasBareLF(out) {
		t.Fatalf("output should not contain bare LF, got:\n%q", out)
	}
	if !strings.Contains(out, "  - name: \"A\"\r\n    type: ss") {
		t.Fatalf("proxy block indent not preserved, got:\n%q", out)
	}
	if !strings.Contains(out, "\t- name: \"PROXY\"") {
		t.Fatalf("group block indent not preserved, got:\n%q", out)
	}
}

func TestInjectAnchors_MissingAnchor(t *testing.T) {
	templateText := "proxies:\n  #@PROXIES@#\nrules:\n  #@RULES@#\n"

	_, err := InjectAnchors(templateText, render.Blocks{}, "https://example.com/clash.yaml")
	var te *TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TemplateError, got %T: %v", err, err)
	}
	if te.AppError.Code != "TEMPLATE_ANCHOR_MISSING" {
		t.Fatalf("code=%q, want=%q", te.AppError.Code, "TEMPLATE_ANCHOR_MISSING")
	}
}

func TestInjectAnchors_OptionalAnchorWithContent(t *testing.T) {
	// No #@DNS@# but a DNS block to inject.
	templateText := "#@GENERAL@#\nproxies:\n  #@PROXIES@#\nproxy-groups:\n  #@GROUPS@#\nrules:\n  #@RULES@#\n"

	_, err := InjectAnchors(templateText, sampleBlocks(), "https://example.com/clash.yaml")
	var te *TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TemplateError, got %T: %v", err, err)
	}
	if te.AppError.Code != "TEMPLATE_ANCHOR_MISSING" || !strings.Contains(te.AppError.Message, AnchorDNS) {
		t.Fatalf("err=%+v", te.AppError)
	}
}

func TestInjectAnchors_DupAnchor(t *testing.T) {
	templateText := "proxies:\n  #@PROXIES@#\nproxy-groups:\n  #@GROUPS@#\n  #@GROUPS@#\nrules:\n  #@RULES@#\n"

	_, err := InjectAnchors(templateText, render.Blocks{}, "https://example.com/clash.yaml")
	var te *TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TemplateError, got %T: %v", err, err)
	}
	if te.AppError.Code != "TEMPLATE_ANCHOR_DUP" {
		t.Fatalf("code=%q, want=%q", te.AppError.Code, "TEMPLATE_ANCHOR_DUP")
	}
}

func TestInjectAnchors_AnchorNotStandalone(t *testing.T) {
	templateText := "proxies:\n  #@PROXIES@# extra\nproxy-groups:\n  #@GROUPS@#\nrules:\n  #@RULES@#\n"

	_, err := InjectAnchors(templateText, render.Blocks{}, "https://example.com/clash.yaml")
	var te *TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TemplateError, got %T: %v", err, err)
	}
	if te.AppError.Code != "TEMPLATE_SECTION_ERROR" {
		t.Fatalf("code=%q, want=%q", te.AppError.Code, "TEMPLATE_SECTION_ERROR")
	}
	if !strings.Contains(te.AppError.Message, "独占一行") {
		t.Fatalf("message=%q, want contains %q", te.AppError.Message, "独占一行")
	}
}

func TestInjectAnchors_Indentation(t *testing.T) {
	cases := map[string]string{
		"list anchor at column 0":   "proxies:\n#@PROXIES@#\nproxy-groups:\n  #@GROUPS@#\nrules:\n  #@RULES@#\n",
		"top-level anchor indented": "  #@GENERAL@#\nproxies:\n  #@PROXIES@#\nproxy-groups:\n  #@GROUPS@#\nrules:\n  #@RULES@#\n",
	}
	for name, templateText := range cases {
		_, err := InjectAnchors(templateText, render.Blocks{}, "https://example.com/clash.yaml")
		var te *TemplateError
		if !errors.As(err, &te) {
			t.Fatalf("%s: expected *TemplateError, got %T: %v", name, err, err)
		}
		if te.AppError.Code != "TEMPLATE_SECTION_ERROR" {
			t.Fatalf("%s: code=%q, want=%q", name, te.AppError.Code, "TEMPLATE_SECTION_ERROR")
		}
	}
}

func hasBareLF(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '\n' {
			continue
		}
		if i == 0 || s[i-1] != '\r' {
			return true
		}
	}
	return false
}
