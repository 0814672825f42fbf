package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/John-Robertt/vortex-go/internal/compiler"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/rules"
)

// Keys owned by the node itself; settings may not override them.
var reservedKeys = map[string]struct{}{
	"name":   {},
	"type":   {},
	"server": {},
	"port":   {},
}

func renderProxies(nodes []model.Node) (string, error) {
	lines := make([]string, 0, len(nodes)*8)
	for _, n := range nodes {
		if strings.ContainsAny(n.Server, "\r\n\x00") {
			return "", &RenderError{
				AppError: model.AppError{
					Code:    "INVALID_ARGUMENT",
					Message: "节点 server 含有非法控制字符",
					Stage:   "render",
					Snippet: n.Name,
				},
			}
		}
		lines = append(lines, "- name: "+yamlDQ(n.Name))
		lines = append(lines, "  type: "+string(n.Kind))
		lines = append(lines, "  server: "+yamlDQ(n.Server))
		lines = append(lines, "  port: "+strconv.Itoa(n.Port))
		for _, k := range n.Settings.Keys() {
			if _, ok := reservedKeys[k]; ok {
				continue
			}
			lines = appendValue(lines, "  ", k, n.Settings[k])
		}
	}
	return strings.Join(lines, "\n"), nil
}

// appendValue writes "key: value" at indent, recursing into maps and lists.
// Every string is double-quoted so values like "123" or "true" keep their type.
func appendValue(lines []string, indent, key string, v any) []string {
	prefix := indent + yamlKey(key) + ":"
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return append(lines, prefix+" {}")
		}
		lines = append(lines, prefix)
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = appendValue(lines, indent+"  ", k, t[k])
		}
		return lines
	case []any:
		if len(t) == 0 {
			return append(lines, prefix+" []")
		}
		lines = append(lines, prefix)
		for _, item := range t {
			lines = appendItem(lines, indent+"  ", item)
		}
		return lines
	case []string:
		if len(t) == 0 {
			return append(lines, prefix+" []")
		}
		lines = append(lines, prefix)
		for _, item := range t {
			lines = append(lines, indent+"  - "+yamlDQ(item))
		}
		return lines
	default:
		return append(lines, prefix+" "+scalar(v))
	}
}

func appendItem(lines []string, indent string, v any) []string {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return append(lines, indent+"- {}")
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		// The first key shares the "- " line; the rest align under it.
		sub := appendValue(nil, indent+"  ", keys[0], t[keys[0]])
		sub[0] = indent + "- " + strings.TrimPrefix(sub[0], indent+"  ")
		lines = append(lines, sub...)
		for _, k := range keys[1:] {
			lines = appendValue(lines, indent+"  ", k, t[k])
		}
		return lines
	case []any, []string:
		// Nested lists do not occur in engine proxy fields; flatten to a
		// quoted scalar rather than emit ambiguous YAML.
		return append(lines, indent+"- "+yamlDQ(scalar(v)))
	default:
		return append(lines, indent+"- "+scalar(v))
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return yamlDQ(t)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []string:
		return strings.Join(t, ",")
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return yamlDQ("")
	}
}

// yamlKey leaves plain field names bare and quotes anything else.
func yamlKey(k string) string {
	if k == "" {
		return `""`
	}
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return yamlDQ(k)
		}
	}
	return k
}

var invisibleEscaper = strings.NewReplacer(
	"\u00a0", `\u00a0`,
	"\u200b", `\u200b`,
	"\u200c", `\u200c`,
	"\u200d", `\u200d`,
	"\ufeff", `\ufeff`,
)

func yamlDQ(s string) string {
	// Minimal YAML double-quoted scalar escaping.
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\t", "\\t")
	s = strings.ReplaceAll(s, "\x00", "\\0")
	// Invisible spaces and joiners stay in the value but not in the file.
	s = invisibleEscaper.Replace(s)
	return "\"" + s + "\""
}

func renderGroups(groups []model.Group) string {
	lines := make([]string, 0, len(groups)*6)
	for _, g := range groups {
		lines = append(lines, "- name: "+yamlDQ(g.Name))
		lines = append(lines, "  type: "+yamlDQ(g.Type))
		lines = append(lines, "  proxies:")
		for _, m := range g.Members {
			lines = append(lines, "    - "+yamlDQ(m))
		}
		if g.Auto() {
			lines = append(lines, "  url: "+yamlDQ(g.TestURL))
			lines = append(lines, "  interval: "+strconv.Itoa(g.IntervalSec))
			if g.HasTolerance {
				lines = append(lines, "  tolerance: "+strconv.Itoa(g.ToleranceMS))
			}
			if g.Type == "load-balance" {
				lines = append(lines, "  strategy: consistent-hashing")
			}
		}
	}
	return strings.Join(lines, "\n")
}

// renderRuleProviders emits the whole top-level rule-providers mapping, or
// nothing when there are no remote rulesets.
func renderRuleProviders(refs []compiler.RulesetRef) (string, error) {
	if len(refs) == 0 {
		return "", nil
	}
	lines := make([]string, 0, len(refs)*6+1)
	lines = append(lines, "rule-providers:")
	for _, rs := range refs {
		if strings.TrimSpace(rs.URL) == "" || strings.ContainsAny(rs.URL, "\r\n\x00") {
			return "", &RenderError{
				AppError: model.AppError{
					Code:    "INVALID_ARGUMENT",
					Message: "ruleset URL 不合法",
					Stage:   "render",
					Snippet: rs.Raw,
				},
			}
		}
		// Minimal provider config per https://wiki.metacubex.one/config/rule-providers/.
		lines = append(lines, "  "+rs.Name+":")
		lines = append(lines, "    type: http")
		lines = append(lines, "    behavior: classical")
		lines = append(lines, "    url: "+yamlDQ(rs.URL))
		lines = append(lines, "    interval: 86400")
		lines = append(lines, "    format: text")
	}
	return strings.Join(lines, "\n"), nil
}

func renderRules(rs []model.Rule) string {
	lines := make([]string, 0, len(rs))
	for _, r := range rs {
		lines = append(lines, "- "+yamlDQ(rules.Format(r)))
	}
	return strings.Join(lines, "\n")
}
