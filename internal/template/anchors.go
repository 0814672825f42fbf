package template

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/John-Robertt/vortex-go/internal/render"
)

const (
	AnchorGeneral   = "#@GENERAL@#"
	AnchorDNS       = "#@DNS@#"
	AnchorTUN       = "#@TUN@#"
	AnchorProxies   = "#@PROXIES@#"
	AnchorGroups    = "#@GROUPS@#"
	AnchorProviders = "#@PROVIDERS@#"
	AnchorRules     = "#@RULES@#"
)

// Default is the built-in base template.
//
//go:embed base.yaml
var Default string

type anchor struct {
	name string
	// list anchors sit indented under their key; top-level anchors must be
	// at column 0 because their block carries its own key.
	list     bool
	required bool
	block    func(render.Blocks) string
}

var anchors = []anchor{
	{name: AnchorGeneral, block: func(b render.Blocks) string { return b.General }},
	{name: AnchorDNS, block: func(b render.Blocks) string { return b.DNS }},
	{name: AnchorTUN, block: func(b render.Blocks) string { return b.TUN }},
	{name: AnchorProxies, list: true, required: true, block: func(b render.Blocks) string { return b.Proxies }},
	{name: AnchorGroups, list: true, required: true, block: func(b render.Blocks) string { return b.Groups }},
	{name: AnchorProviders, block: func(b render.Blocks) string { return b.Providers }},
	{name: AnchorRules, list: true, required: true, block: func(b render.Blocks) string { return b.Rules }},
}

// InjectAnchors validates anchors and injects blocks into the template.
// It preserves indentation (leading whitespace) and newline style (CRLF/LF).
//
// PROXIES, GROUPS and RULES are required. The other anchors may be left out
// when the template carries that section itself, but a non-empty block
// without its anchor is an error.
func InjectAnchors(templateText string, blocks render.Blocks, templateURL string) (string, error) {
	if templateText == "" {
		return "", templateError(templateURL, "INVALID_ARGUMENT", "template 不能为空")
	}

	newline := detectNewline(templateText)
	normalized := strings.ReplaceAll(templateText, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")
	endsWithNewline := strings.HasSuffix(normalized, "\n")

	pos, err := findAndValidateAnchors(lines, templateURL)
	if err != nil {
		return "", err
	}

	// Blocks are multi-line; keep line slots so later positions stay valid.
	for _, a := range anchors {
		i, ok := pos[a.name]
		block := a.block(blocks)
		if !ok {
			if block != "" {
				return "", anchorMissing(templateURL, a.name)
			}
			continue
		}
		lines[i] = indentBlock(lines[i], block)
	}

	out := joinSkippingEmptyAnchors(lines, pos)
	if !endsWithNewline {
		out = strings.TrimSuffix(out, "\n")
	}
	if newline == "\r\n" {
		out = strings.ReplaceAll(out, "\n", "\r\n")
	}
	return out, nil
}

// joinSkippingEmptyAnchors drops anchor lines whose block was empty so the
// output carries no stray blank lines.
func joinSkippingEmptyAnchors(lines []string, pos map[string]int) string {
	anchorLine := make(map[int]struct{}, len(pos))
	for _, i := range pos {
		anchorLine[i] = struct{}{}
	}
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if _, ok := anchorLine[i]; ok && line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func findAndValidateAnchors(lines []string, templateURL string) (map[string]int, error) {
	pos := make(map[string]int, len(anchors))
	for i, line := range lines {
		trim := strings.TrimSpace(line)
		for _, a := range anchors {
			// Fail fast if an anchor appears but is not standalone.
			if !strings.Contains(line, a.name) {
				continue
			}
			if trim != a.name {
				return nil, anchorNotStandalone(templateURL, line, a.name)
			}
			if _, dup := pos[a.name]; dup {
				return nil, anchorDup(templateURL, a.name)
			}
			indented := leadingWhitespace(line) != ""
			if a.list && !indented {
				return nil, sectionError(templateURL, fmt.Sprintf("%s 缩进不能为 0（应位于对应列表下方）", a.name))
			}
			if !a.list && indented {
				return nil, sectionError(templateURL, fmt.Sprintf("%s 必须位于顶层（缩进为 0）", a.name))
			}
			pos[a.name] = i
		}
	}

	for _, a := range anchors {
		if _, ok := pos[a.name]; a.required && !ok {
			return nil, anchorMissing(templateURL, a.name)
		}
	}
	return pos, nil
}

func indentBlock(anchorLine string, block string) string {
	indent := leadingWhitespace(anchorLine)
	if block == "" {
		return ""
	}
	blockLines := strings.Split(block, "\n")
	for i := range blockLines {
		blockLines[i] = indent + blockLines[i]
	}
	return strings.Join(blockLines, "\n")
}

func leadingWhitespace(line string) string {
	i := 0
	for i < len(line) {
		if line[i] == ' ' || line[i] == '\t' {
			i++
			continue
		}
		break
	}
	return line[:i]
}

func detectNewline(s string) string {
	if strings.Contains(s, "\r\n") {
		return "\r\n"
	}
	return "\n"
}
