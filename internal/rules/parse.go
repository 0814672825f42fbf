package rules

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/John-Robertt/vortex-go/internal/model"
)

type RuleError struct {
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *RuleError) Unwrap() error { return e.Cause }

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

type valueKind int

const (
	valueText valueKind = iota
	valueCIDR4
	valueCIDR6
	valueCIDRAny
	valuePort
)

// ruleTypes lists the engine rule types accepted in inline rules and
// rulesets, with how the VALUE is checked.
var ruleTypes = map[string]valueKind{
	"DOMAIN":         valueText,
	"DOMAIN-SUFFIX":  valueText,
	"DOMAIN-KEYWORD": valueText,
	"DOMAIN-REGEX":   valueText,
	"GEOSITE":        valueText,
	"GEOIP":          valueText,
	"PROCESS-NAME":   valueText,
	"PROCESS-PATH":   valueText,
	"NETWORK":        valueText,
	"RULE-SET":       valueText,
	"IP-CIDR":        valueCIDR4,
	"IP-CIDR6":       valueCIDR6,
	"SRC-IP-CIDR":    valueCIDRAny,
	"DST-PORT":       valuePort,
	"SRC-PORT":       valuePort,
}

func isCIDRKind(k valueKind) bool {
	return k == valueCIDR4 || k == valueCIDR6 || k == valueCIDRAny
}

// ParseRulesetText parses a local ruleset file (classical lines).
// It allows missing ACTION in each line and fills it using defaultAction.
func ParseRulesetText(sourceURL string, text string, defaultAction string) ([]model.Rule, error) {
	if strings.TrimSpace(defaultAction) == "" {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "RULESET_PARSE_ERROR",
				Message: "ruleset default action 不能为空",
				Stage:   "parse_ruleset",
				URL:     sourceURL,
			},
		}
	}

	lines := strings.Split(text, "\n")
	out := make([]model.Rule, 0, len(lines))
	for i, raw := range lines {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Provider "payload:" files prefix each line with "- ".
		line = strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "- ")), `'"`)
		if line == "payload:" {
			continue
		}

		r, err := parseRuleLine(line, ruleParseOptions{
			AllowNoAction: true,
			DefaultAction: defaultAction,
			AllowMatch:    false,
		})
		if err != nil {
			var rerr *RuleError
			if errors.As(err, &rerr) {
				return nil, &ParseError{
					AppError: model.AppError{
						Code:    rerr.Code,
						Message: rerr.Message,
						Stage:   "parse_ruleset",
						URL:     sourceURL,
						Line:    i + 1,
						Snippet: truncateSnippet(raw, 200),
						Hint:    rerr.Hint,
					},
					Cause: rerr.Cause,
				}
			}
			return nil, &ParseError{
				AppError: model.AppError{
					Code:    "RULE_PARSE_ERROR",
					Message: "invalid rule line",
					Stage:   "parse_ruleset",
					URL:     sourceURL,
					Line:    i + 1,
					Snippet: truncateSnippet(raw, 200),
				},
				Cause: err,
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseInlineRule parses a single inline rule line. ACTION is required.
// Caller is expected to attach proper stage/url/line if needed.
func ParseInlineRule(line string) (model.Rule, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is empty"}
	}
	if strings.HasPrefix(line, "#") {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is comment"}
	}
	return parseRuleLine(line, ruleParseOptions{
		AllowNoAction: false,
		DefaultAction: "",
		AllowMatch:    true,
	})
}

// Format renders r in the engine's "TYPE,VALUE,ACTION[,no-resolve]" form.
func Format(r model.Rule) string {
	if r.Type == "MATCH" {
		return "MATCH," + r.Action
	}
	if r.NoResolve {
		return r.Type + "," + r.Value + "," + r.Action + ",no-resolve"
	}
	return r.Type + "," + r.Value + "," + r.Action
}

type ruleParseOptions struct {
	AllowNoAction bool
	DefaultAction string
	AllowMatch    bool
}

func parseRuleLine(line string, opt ruleParseOptions) (model.Rule, error) {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) == 0 || parts[0] == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "规则类型不能为空"}
	}

	typ := strings.ToUpper(parts[0])
	if typ == "FINAL" {
		typ = "MATCH"
	}
	if typ == "MATCH" {
		if !opt.AllowMatch {
			return model.Rule{}, &RuleError{
				Code:    "RULESET_PARSE_ERROR",
				Message: "ruleset 不允许包含 MATCH 规则",
				Hint:    "move MATCH into rule (inline rule)",
			}
		}
		if len(parts) != 2 || parts[1] == "" {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "MATCH 规则必须是 MATCH,<ACTION>",
			}
		}
		return model.Rule{Type: "MATCH", Action: parts[1]}, nil
	}

	kind, ok := ruleTypes[typ]
	if !ok {
		return model.Rule{}, &RuleError{
			Code:    "UNSUPPORTED_RULE_TYPE",
			Message: fmt.Sprintf("不支持的规则类型：%s", typ),
		}
	}
	if typ == "RULE-SET" && !opt.AllowMatch {
		return model.Rule{}, &RuleError{
			Code:    "RULESET_PARSE_ERROR",
			Message: "ruleset 不允许嵌套 RULE-SET",
		}
	}

	r := model.Rule{Type: typ}
	switch len(parts) {
	case 2:
		if !opt.AllowNoAction {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "规则缺少 ACTION",
				Hint:    "expected: TYPE,VALUE,ACTION",
			}
		}
		r.Value, r.Action = parts[1], opt.DefaultAction
	case 3:
		if strings.EqualFold(parts[2], "no-resolve") {
			// Ambiguous: missing action but has option.
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: fmt.Sprintf("%s 缺少 ACTION（不允许仅写 no-resolve）", typ),
				Hint:    "expected: TYPE,VALUE,ACTION[,no-resolve]",
			}
		}
		r.Value, r.Action = parts[1], parts[2]
	case 4:
		if !strings.EqualFold(parts[3], "no-resolve") {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "规则的可选项仅支持 no-resolve",
				Hint:    "expected: TYPE,VALUE,ACTION[,no-resolve]",
			}
		}
		if !isCIDRKind(kind) && typ != "GEOIP" && typ != "RULE-SET" {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: fmt.Sprintf("%s 不支持 no-resolve", typ),
			}
		}
		r.Value, r.Action, r.NoResolve = parts[1], parts[2], true
	default:
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: "规则字段数量不合法",
			Hint:    "expected: TYPE,VALUE[,ACTION][,no-resolve]",
		}
	}
	if r.Value == "" || r.Action == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "规则 VALUE/ACTION 不能为空"}
	}
	if err := checkValue(kind, r.Value); err != nil {
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: fmt.Sprintf("%s 的 VALUE 不合法", typ),
			Hint:    valueHint(kind),
			Cause:   err,
		}
	}
	return r, nil
}

func checkValue(kind valueKind, v string) error {
	switch kind {
	case valueCIDR4, valueCIDR6, valueCIDRAny:
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return err
		}
		if kind == valueCIDR4 && !p.Addr().Is4() {
			return errors.New("not an ipv4 cidr")
		}
		if kind == valueCIDR6 && !p.Addr().Is6() {
			return errors.New("not an ipv6 cidr")
		}
	case valuePort:
		lo, hi, isRange := strings.Cut(v, "-")
		ports := []string{lo}
		if isRange {
			ports = append(ports, hi)
		}
		for _, s := range ports {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return err
			}
			if n < 0 || n > 65535 {
				return errors.New("port out of range")
			}
		}
	}
	return nil
}

func valueHint(kind valueKind) string {
	switch kind {
	case valueCIDR4:
		return "expected: IPv4 CIDR, e.g. 1.2.3.4/32"
	case valueCIDR6:
		return "expected: IPv6 CIDR, e.g. 2001:db8::/32"
	case valueCIDRAny:
		return "expected: CIDR, e.g. 192.168.0.0/16"
	case valuePort:
		return "expected: port or range, e.g. 443 or 8000-9000"
	}
	return ""
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
