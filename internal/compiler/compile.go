// Package compiler turns catalog nodes plus group/rule directives into the
// normalized, engine-ready pieces a renderer needs: uniquely named proxies,
// expanded groups and an ordered rule list ending in MATCH.
package compiler

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/John-Robertt/vortex-go/internal/config"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/rules"
)

const stage = "compile"

// AutoGroup is the url-test group added next to the default selector.
const AutoGroup = "AUTO"

type Spec struct {
	// Selector is the select group driven by node switching.
	Selector string
	// SelectedID, when set, moves that node to the front of Selector.
	SelectedID string

	Groups   []config.GroupSpec
	Rulesets []config.RulesetSpec
	Rules    []model.Rule

	// LocalRulesets holds the text of local ruleset files keyed by path.
	LocalRulesets map[string]string

	// TestURL and IntervalSec configure the default AUTO group.
	TestURL     string
	IntervalSec int
}

type Result struct {
	Proxies     []model.Node
	Groups      []model.Group
	Rules       []model.Rule
	RulesetRefs []RulesetRef

	// Names maps node id to the final proxy name.
	Names map[string]string
}

// RulesetRef is a remote ruleset rendered as a rule provider named Name.
type RulesetRef struct {
	Raw    string
	Name   string
	Action string
	URL    string
}

type CompileError struct {
	AppError model.AppError
	Cause    error
}

func (e *CompileError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *CompileError) Unwrap() error { return e.Cause }

func Compile(nodes []model.Node, spec Spec) (*Result, error) {
	if strings.TrimSpace(spec.Selector) == "" {
		return nil, &CompileError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "selector 不能为空",
				Stage:   stage,
			},
		}
	}

	groupSpecs := spec.Groups
	if len(groupSpecs) == 0 {
		groupSpecs = defaultGroups(spec)
	}
	groupNameSet := make(map[string]struct{}, len(groupSpecs))
	for _, g := range groupSpecs {
		groupNameSet[g.Name] = struct{}{}
	}

	proxies, err := compileProxies(nodes, groupNameSet)
	if err != nil {
		return nil, err
	}
	if len(proxies) == 0 {
		return nil, &CompileError{
			AppError: model.AppError{
				Code:    "NO_NODES",
				Message: "没有任何可用节点",
				Stage:   stage,
			},
		}
	}

	names := make(map[string]string, len(proxies))
	for _, p := range proxies {
		names[p.ID] = p.Name
	}

	groups, err := compileGroups(proxies, groupSpecs)
	if err != nil {
		return nil, err
	}
	if spec.SelectedID != "" {
		name, ok := names[spec.SelectedID]
		if !ok {
			return nil, &CompileError{
				AppError: model.AppError{
					Code:    "NODE_NOT_FOUND",
					Message: "所选节点不在节点列表中",
					Stage:   stage,
					Snippet: spec.SelectedID,
				},
			}
		}
		preferFirst(groups, spec.Selector, name)
	}

	rulesOut, refs, err := compileRules(groupNameSet, spec)
	if err != nil {
		return nil, err
	}

	return &Result{
		Proxies:     proxies,
		Groups:      groups,
		Rules:       rulesOut,
		RulesetRefs: refs,
		Names:       names,
	}, nil
}

func defaultGroups(spec Spec) []config.GroupSpec {
	testURL := spec.TestURL
	if testURL == "" {
		testURL = "https://www.gstatic.com/generate_204"
	}
	interval := spec.IntervalSec
	if interval <= 0 {
		interval = 300
	}
	return []config.GroupSpec{
		{Name: spec.Selector, Type: "select", Members: []string{AutoGroup, "@all", "DIRECT"}},
		{Name: AutoGroup, Type: "url-test", RegexRaw: ".*", TestURL: testURL, IntervalSec: interval},
	}
}

func compileProxies(in []model.Node, reserved map[string]struct{}) ([]model.Node, error) {
	// 1) Normalize
	normalized := make([]model.Node, 0, len(in))
	for _, n := range in {
		n2, err := normalizeNode(n)
		if err != nil {
			return nil, &CompileError{
				AppError: model.AppError{
					Code:    "NODE_INVALID",
					Message: "节点字段不合法",
					Stage:   stage,
					Snippet: n.Name,
				},
				Cause: err,
			}
		}
		normalized = append(normalized, n2)
	}

	// 2) Dedup by id (keep first occurrence in catalog order).
	seen := make(map[string]struct{}, len(normalized))
	deduped := make([]model.Node, 0, len(normalized))
	for _, n := range normalized {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		deduped = append(deduped, n)
	}

	// 3) Deterministic naming in catalog order. Group names and the
	// built-in policies are reserved.
	used := make(map[string]struct{}, len(deduped)+len(reserved))
	for name := range reserved {
		used[name] = struct{}{}
	}
	used["DIRECT"] = struct{}{}
	used["REJECT"] = struct{}{}
	for i := range deduped {
		base := deduped[i].Name
		if base == "" {
			base = fmt.Sprintf("%s:%d", deduped[i].Server, deduped[i].Port)
		}

		name := base
		if _, ok := used[name]; ok {
			for n := 2; ; n++ {
				try := fmt.Sprintf("%s-%d", base, n)
				if _, ok := used[try]; ok {
					continue
				}
				name = try
				break
			}
		}
		deduped[i].Name = name
		used[name] = struct{}{}
	}
	return deduped, nil
}

func normalizeNode(n model.Node) (model.Node, error) {
	n = n.Clone()
	n.Name = strings.TrimSpace(n.Name)
	if strings.ContainsAny(n.Name, "\r\n\x00") {
		return model.Node{}, errors.New("node name contains control chars")
	}
	n.Server = strings.TrimSpace(n.Server)
	if n.Server == "" {
		return model.Node{}, errors.New("empty server")
	}
	if strings.ContainsAny(n.Server, "\r\n\x00 ") {
		return model.Node{}, errors.New("server contains invalid chars")
	}
	if n.Port <= 0 || n.Port > 65535 {
		return model.Node{}, fmt.Errorf("port out of range: %d", n.Port)
	}
	if _, ok := model.ParseKind(string(n.Kind)); !ok {
		return model.Node{}, fmt.Errorf("unsupported kind: %s", n.Kind)
	}
	if n.ID == "" {
		n.ID = model.NodeID(n.Kind, n.Server, n.Port)
	}
	return n, nil
}

func compileGroups(proxies []model.Node, groupSpecs []config.GroupSpec) ([]model.Group, error) {
	allNames := make([]string, 0, len(proxies))
	for _, p := range proxies {
		allNames = append(allNames, p.Name)
	}

	out := make([]model.Group, 0, len(groupSpecs))
	for _, gs := range groupSpecs {
		switch gs.Type {
		case "select":
			var members []string
			if len(gs.Members) > 0 {
				// Explicit member list form: []A[]B[]@all...
				members = make([]string, 0, len(gs.Members)+len(allNames))
				for _, m := range gs.Members {
					if m == "@all" {
						members = append(members, allNames...)
					} else {
						members = append(members, m)
					}
				}
			} else if gs.Regex != nil {
				members = matchNames(allNames, gs)
			}
			if len(members) == 0 {
				return nil, &CompileError{
					AppError: model.AppError{
						Code:    "GROUP_PARSE_ERROR",
						Message: fmt.Sprintf("select 组为空：%s", gs.Name),
						Stage:   stage,
						Snippet: gs.Raw,
					},
				}
			}
			out = append(out, model.Group{
				Name:    gs.Name,
				Type:    "select",
				Members: members,
			})
		case "url-test", "fallback", "load-balance":
			members := matchNames(allNames, gs)
			if len(members) == 0 {
				return nil, &CompileError{
					AppError: model.AppError{
						Code:    "GROUP_PARSE_ERROR",
						Message: fmt.Sprintf("%s 组匹配为空：%s", gs.Type, gs.Name),
						Stage:   stage,
						Snippet: gs.Raw,
					},
				}
			}
			out = append(out, model.Group{
				Name:         gs.Name,
				Type:         gs.Type,
				Members:      members,
				TestURL:      gs.TestURL,
				IntervalSec:  gs.IntervalSec,
				ToleranceMS:  gs.ToleranceMS,
				HasTolerance: gs.HasTolerance,
			})
		default:
			return nil, &CompileError{
				AppError: model.AppError{
					Code:    "GROUP_UNSUPPORTED_TYPE",
					Message: fmt.Sprintf("不支持的策略组类型：%s", gs.Type),
					Stage:   stage,
					Snippet: gs.Raw,
				},
			}
		}
	}
	return out, nil
}

// matchNames returns the proxy names matched by the group regex. A group
// without a compiled regex (the default AUTO group) takes every proxy.
func matchNames(allNames []string, gs config.GroupSpec) []string {
	if gs.Regex == nil {
		return append([]string(nil), allNames...)
	}
	members := make([]string, 0)
	for _, name := range allNames {
		if gs.Regex.MatchString(name) {
			members = append(members, name)
		}
	}
	return members
}

// preferFirst moves name to the front of the selector group, inserting it
// when the group does not list it.
func preferFirst(groups []model.Group, selector, name string) {
	for i := range groups {
		if groups[i].Name != selector {
			continue
		}
		members := make([]string, 0, len(groups[i].Members)+1)
		members = append(members, name)
		for _, m := range groups[i].Members {
			if m != name {
				members = append(members, m)
			}
		}
		groups[i].Members = members
		return
	}
}

func compileRules(groupNameSet map[string]struct{}, spec Spec) ([]model.Rule, []RulesetRef, error) {
	// Validate ruleset default actions.
	for _, rs := range spec.Rulesets {
		if !actionKnown(groupNameSet, rs.Action) {
			return nil, nil, &CompileError{
				AppError: model.AppError{
					Code:    "REFERENCE_NOT_FOUND",
					Message: fmt.Sprintf("ruleset ACTION 引用不存在：%s", rs.Action),
					Stage:   stage,
					Snippet: rs.Raw,
				},
			}
		}
	}

	// Rulesets come first, in directive order: remote ones as RULE-SET
	// references, local ones expanded inline.
	out := make([]model.Rule, 0, len(spec.Rules))
	refs := make([]RulesetRef, 0, len(spec.Rulesets))
	used := make(map[string]int, len(spec.Rulesets))
	for _, rs := range spec.Rulesets {
		if rs.Remote() {
			ref := RulesetRef{
				Raw:    rs.Raw,
				Name:   providerName(rs.URL, used),
				Action: rs.Action,
				URL:    rs.URL,
			}
			refs = append(refs, ref)
			out = append(out, model.Rule{Type: "RULE-SET", Value: ref.Name, Action: rs.Action})
			continue
		}
		text, ok := spec.LocalRulesets[rs.Path]
		if !ok {
			return nil, nil, &CompileError{
				AppError: model.AppError{
					Code:    "RULESET_NOT_LOADED",
					Message: "本地 ruleset 未加载",
					Stage:   stage,
					URL:     rs.Path,
					Snippet: rs.Raw,
				},
			}
		}
		ruleList, err := rules.ParseRulesetText(rs.Path, text, rs.Action)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, ruleList...)
	}

	// Then append inline rules (already parsed).
	out = append(out, spec.Rules...)

	// Validate: exactly one MATCH, and it must be the last rule.
	matchCount := 0
	matchIndex := -1
	for i, r := range out {
		if r.Type == "MATCH" {
			matchCount++
			matchIndex = i
		}
	}
	if matchCount != 1 {
		return nil, nil, &CompileError{
			AppError: model.AppError{
				Code:    "RULE_PARSE_ERROR",
				Message: fmt.Sprintf("兜底规则 MATCH 数量不合法（got=%d, want=1）", matchCount),
				Stage:   stage,
			},
		}
	}
	if matchIndex != len(out)-1 {
		return nil, nil, &CompileError{
			AppError: model.AppError{
				Code:    "RULE_PARSE_ERROR",
				Message: "兜底规则 MATCH 必须是最后一条",
				Stage:   stage,
			},
		}
	}

	// Validate action references.
	for _, r := range out {
		if !actionKnown(groupNameSet, r.Action) {
			return nil, nil, &CompileError{
				AppError: model.AppError{
					Code:    "REFERENCE_NOT_FOUND",
					Message: fmt.Sprintf("规则 ACTION 引用不存在：%s", r.Action),
					Stage:   stage,
					Snippet: rules.Format(r),
				},
			}
		}
	}

	return out, refs, nil
}

func actionKnown(groupNameSet map[string]struct{}, action string) bool {
	if action == "DIRECT" || action == "REJECT" {
		return true
	}
	_, ok := groupNameSet[action]
	return ok
}

func providerName(rawURL string, used map[string]int) string {
	base := ""
	if u, err := url.Parse(strings.TrimSpace(rawURL)); err == nil && u != nil {
		base = path.Base(u.Path)
	}
	if base == "" || base == "." || base == "/" {
		base = "ruleset"
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	base = sanitizeProviderName(base)
	if base == "" {
		base = "ruleset"
	}

	if n, ok := used[base]; ok {
		n++
		used[base] = n
		return fmt.Sprintf("%s-%d", base, n)
	}
	used[base] = 1
	return base
}

// sanitizeProviderName keeps provider names usable both as a YAML key and
// inside "RULE-SET,name,policy".
func sanitizeProviderName(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_-")
	if len(out) > 60 {
		out = out[:60]
	}
	return out
}
