package validate

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/vortex-go/internal/model"
)

// Characters the engine's YAML loader rejects or silently misreads.
var badRunes = map[rune]string{
	'\t':     "tab",
	'\u00a0': "no-break space",
	'\u200b': "zero-width space",
	'\u200c': "zero-width non-joiner",
	'\u200d': "zero-width joiner",
	'\ufeff': "byte order mark",
}

// CheckDocument is the heuristic tier applied to in-memory bytes.
func CheckDocument(b []byte) error {
	for i, line := range strings.Split(string(b), "\n") {
		for _, r := range line {
			if name, bad := badRunes[r]; bad {
				return heuristicError("", "CONFIG_INVALID_WHITESPACE",
					fmt.Sprintf("引擎配置包含不允许的字符（%s）", name), i+1, line)
			}
		}
	}

	var root yaml.Node
	if err := yaml.Unmarshal(b, &root); err != nil {
		e := heuristicError("", "CONFIG_YAML_ERROR", "引擎配置不是合法 YAML", 0, "")
		e.Cause = err
		return e
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return heuristicError("", "CONFIG_YAML_ERROR", "引擎配置顶层必须是映射", 0, "")
	}
	top := make(map[string]*yaml.Node, len(root.Content[0].Content)/2)
	for i := 0; i+1 < len(root.Content[0].Content); i += 2 {
		top[root.Content[0].Content[i].Value] = root.Content[0].Content[i+1]
	}

	if top["mixed-port"] == nil && top["port"] == nil && top["socks-port"] == nil {
		return heuristicError("mixed-port", "CONFIG_MISSING_SECTION", "引擎配置缺少监听端口（mixed-port/port/socks-port）", 0, "")
	}

	proxies := top["proxies"]
	if proxies == nil || proxies.Kind != yaml.SequenceNode {
		return missingSection("proxies")
	}
	if len(proxies.Content) == 0 {
		return heuristicError("proxies", "CONFIG_MISSING_SECTION", "引擎配置的 proxies 段没有任何节点", 0, "")
	}
	for _, p := range proxies.Content {
		if p.Kind != yaml.MappingNode || mappingValue(p, "name") == "" || mappingValue(p, "type") == "" {
			return heuristicError("proxies", "CONFIG_INVALID_PROXY", "proxies 段存在缺少 name/type 的条目", p.Line, "")
		}
	}

	if g := top["proxy-groups"]; g == nil || g.Kind != yaml.SequenceNode || len(g.Content) == 0 {
		return missingSection("proxy-groups")
	}
	if r := top["rules"]; r == nil || r.Kind != yaml.SequenceNode || len(r.Content) == 0 {
		return missingSection("rules")
	}
	return nil
}

func mappingValue(n *yaml.Node, key string) string {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1].Value
		}
	}
	return ""
}

func missingSection(section string) error {
	return heuristicError(section, "CONFIG_MISSING_SECTION", fmt.Sprintf("引擎配置缺少 %s 段", section), 0, "")
}

func heuristicError(section, code, msg string, line int, snippet string) *ValidationError {
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return &ValidationError{
		Tier:    TierHeuristic,
		Section: section,
		AppError: model.AppError{
			Code:    code,
			Message: msg,
			Stage:   stage,
			Line:    line,
			Snippet: snippet,
			Hint:    section,
		},
	}
}
