package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

type GroupSpec struct {
	Raw  string
	Name string
	Type string // "select" | "url-test" | "fallback" | "load-balance"

	// select
	Members []string

	// select (regex form) and auto groups
	RegexRaw string
	Regex    *regexp.Regexp

	// auto groups
	TestURL     string
	IntervalSec int

	ToleranceMS  int
	HasTolerance bool
}

// RulesetSpec is "ACTION,URL" or "ACTION,PATH". Remote rulesets become rule
// providers; local files are expanded inline.
type RulesetSpec struct {
	Raw    string
	Action string
	URL    string
	Path   string
}

func (r RulesetSpec) Remote() bool { return r.URL != "" }

type directiveError struct {
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *directiveError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *directiveError) Unwrap() error { return e.Cause }

func validateHTTPURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if u == nil || !u.IsAbs() {
		return errors.New("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http/https")
	}
	return nil
}

func parseRulesetDirective(raw string) (RulesetSpec, error) {
	a, u, ok := strings.Cut(raw, ",")
	if !ok {
		return RulesetSpec{}, errors.New("expected: ACTION,URL|PATH")
	}
	action := strings.TrimSpace(a)
	target := strings.TrimSpace(u)
	if action == "" || target == "" {
		return RulesetSpec{}, errors.New("ACTION/URL must not be empty")
	}
	if strings.ContainsAny(target, "\r\n\x00") {
		return RulesetSpec{}, errors.New("ruleset target contains control chars")
	}
	if strings.Contains(target, "://") {
		if err := validateHTTPURL(target); err != nil {
			return RulesetSpec{}, err
		}
		return RulesetSpec{Raw: raw, Action: action, URL: target}, nil
	}
	return RulesetSpec{Raw: raw, Action: action, Path: target}, nil
}

// parseGroupDirective parses the backtick-separated group syntax:
//
//	NAME`select`[]A[]B...        explicit members (@all expands to every node)
//	NAME`select`REGEX            nodes whose name matches
//	NAME`url-test`REGEX`URL`INTERVAL[`TOLERANCE]
//	NAME`fallback`REGEX`URL`INTERVAL
//	NAME`load-balance`REGEX`URL`INTERVAL
func parseGroupDirective(raw string) (GroupSpec, error) {
	parts := strings.Split(raw, "`")
	if len(parts) < 2 {
		return GroupSpec{}, &directiveError{
			Code:    "GROUP_PARSE_ERROR",
			Message: "custom_proxy_group 指令格式不合法",
			Hint:    "expected: <NAME>`select`[]... or <NAME>`url-test`<REGEX>`<URL>`<INTERVAL>[`<TOLERANCE>]",
		}
	}

	name := strings.TrimSpace(parts[0])
	typ := strings.TrimSpace(parts[1])
	if strings.ContainsAny(name, "\r\n\x00") {
		return GroupSpec{}, errors.New("group name contains control chars")
	}
	if name == "" || typ == "" {
		return GroupSpec{}, errors.New("group name/type must not be empty")
	}

	switch typ {
	case "select":
		if len(parts) != 3 {
			return GroupSpec{}, errors.New("select group must be: <NAME>`select`[]<MEMBER_1>[]<MEMBER_2>... or <NAME>`select`<REGEX>")
		}
		third := strings.TrimSpace(parts[2])
		if third == "" {
			return GroupSpec{}, errors.New("select group requires member list or regex")
		}
		if !strings.HasPrefix(third, "[]") {
			re, err := regexp.Compile(third)
			if err != nil {
				return GroupSpec{}, &directiveError{
					Code:    "GROUP_PARSE_ERROR",
					Message: "select 正则不可编译",
					Hint:    "expected: <NAME>`select`(REGEX) or <NAME>`select`[]MEMBER...",
					Cause:   err,
				}
			}
			return GroupSpec{Raw: raw, Name: name, Type: "select", RegexRaw: third, Regex: re}, nil
		}

		toks := strings.Split(third, "[]")
		members := make([]string, 0, len(toks))
		for _, tok := range toks[1:] {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				return GroupSpec{}, errors.New("empty member in select group")
			}
			members = append(members, tok)
		}
		if len(members) == 0 {
			return GroupSpec{}, errors.New("select group requires at least 1 member")
		}
		return GroupSpec{Raw: raw, Name: name, Type: "select", Members: members}, nil
	case "url-test", "fallback", "load-balance":
		maxParts := 5
		if typ == "url-test" {
			maxParts = 6
		}
		if len(parts) < 5 || len(parts) > maxParts {
			return GroupSpec{}, fmt.Errorf("%s group must be: <NAME>`%s`<REGEX>`<URL>`<INTERVAL_SEC>", typ, typ)
		}
		regexRaw := parts[2]
		testURL := parts[3]
		intervalRaw := parts[4]
		if regexRaw == "" || testURL == "" || intervalRaw == "" {
			return GroupSpec{}, errors.New("regex/url/interval must not be empty")
		}
		re, err := regexp.Compile(regexRaw)
		if err != nil {
			return GroupSpec{}, &directiveError{
				Code:    "GROUP_PARSE_ERROR",
				Message: typ + " 正则不可编译",
				Cause:   err,
			}
		}
		if err := validateHTTPURL(testURL); err != nil {
			return GroupSpec{}, err
		}
		intervalSec, err := strconv.Atoi(strings.TrimSpace(intervalRaw))
		if err != nil || intervalSec <= 0 {
			return GroupSpec{}, errors.New("interval must be a positive integer")
		}
		var tol int
		var hasTol bool
		if len(parts) == 6 {
			hasTol = true
			tol, err = strconv.Atoi(strings.TrimSpace(parts[5]))
			if err != nil || tol < 0 {
				return GroupSpec{}, errors.New("url-test tolerance must be a non-negative integer")
			}
		}
		return GroupSpec{
			Raw:          raw,
			Name:         name,
			Type:         typ,
			RegexRaw:     regexRaw,
			Regex:        re,
			TestURL:      testURL,
			IntervalSec:  intervalSec,
			ToleranceMS:  tol,
			HasTolerance: hasTol,
		}, nil
	default:
		return GroupSpec{}, &directiveError{
			Code:    "GROUP_UNSUPPORTED_TYPE",
			Message: fmt.Sprintf("不支持的策略组类型：%s", typ),
		}
	}
}
