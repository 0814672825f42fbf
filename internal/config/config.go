// Package config loads the orchestrator configuration file.
//
// The file is YAML, decoded strictly (unknown keys and multiple documents are
// rejected) over a set of defaults, then checked with struct tags. The
// custom_proxy_group / ruleset / rule directives are parsed into typed specs.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/rules"
)

const stage = "parse_config"

type Config struct {
	Version int `yaml:"version" validate:"eq=1"`

	Engine     Engine     `yaml:"engine"`
	Controller Controller `yaml:"controller"`
	Listen     Listen     `yaml:"listen"`

	Mode     string `yaml:"mode" validate:"oneof=rule global direct"`
	LogLevel string `yaml:"log_level" validate:"oneof=silent error warning info debug"`

	DNS          DNS          `yaml:"dns"`
	TUN          TUN          `yaml:"tun"`
	Subscription Subscription `yaml:"subscription"`
	Probe        Probe        `yaml:"probe"`

	// Selector is the select group driven by node switching.
	Selector string `yaml:"selector" validate:"required"`

	CustomProxyGroup []string `yaml:"custom_proxy_group"`
	Ruleset          []string `yaml:"ruleset"`
	Rule             []string `yaml:"rule"`

	// Template is an optional local base template; empty uses the built-in one.
	Template string `yaml:"template"`

	Teardown Teardown `yaml:"teardown"`
	API      API      `yaml:"api"`
	Log      Log      `yaml:"log"`

	Groups   []GroupSpec   `yaml:"-"`
	Rulesets []RulesetSpec `yaml:"-"`
	Rules    []model.Rule  `yaml:"-"`
}

type Engine struct {
	Binary          string        `yaml:"binary"`
	WorkDir         string        `yaml:"work_dir" validate:"required"`
	ConfigFile      string        `yaml:"config_file" validate:"required"`
	StartGrace      time.Duration `yaml:"start_grace" validate:"gte=0"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout" validate:"gt=0"`
	StopTimeout     time.Duration `yaml:"stop_timeout" validate:"gt=0"`
	ValidateTimeout time.Duration `yaml:"validate_timeout" validate:"gt=0"`
}

type Controller struct {
	Addr    string        `yaml:"addr" validate:"required,hostname_port"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	Retries int           `yaml:"retries" validate:"gte=1,lte=10"`
}

type Listen struct {
	MixedPort   int    `yaml:"mixed_port" validate:"min=1,max=65535"`
	SocksPort   int    `yaml:"socks_port" validate:"min=0,max=65535"`
	AllowLAN    bool   `yaml:"allow_lan"`
	BindAddress string `yaml:"bind_address"`
}

type DNS struct {
	Enable       bool     `yaml:"enable"`
	Listen       string   `yaml:"listen" validate:"omitempty,hostname_port"`
	EnhancedMode string   `yaml:"enhanced_mode" validate:"oneof=fake-ip redir-host normal"`
	FakeIPRange  string   `yaml:"fake_ip_range" validate:"omitempty,cidr"`
	Nameservers  []string `yaml:"nameservers" validate:"required_if=Enable true"`
	Fallback     []string `yaml:"fallback"`
}

type TUN struct {
	Enable              bool     `yaml:"enable"`
	Stack               string   `yaml:"stack" validate:"oneof=system gvisor mixed"`
	AutoRoute           bool     `yaml:"auto_route"`
	AutoDetectInterface bool     `yaml:"auto_detect_interface"`
	DNSHijack           []string `yaml:"dns_hijack"`
	MTU                 int      `yaml:"mtu" validate:"min=576,max=65535"`
}

type Subscription struct {
	URL             string        `yaml:"url" validate:"omitempty,url"`
	Flag            string        `yaml:"flag"`
	UserAgent       string        `yaml:"user_agent"`
	File            string        `yaml:"file"`
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gte=0"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	MaxBytes        int64         `yaml:"max_bytes" validate:"gt=0"`
}

type Probe struct {
	URL          string        `yaml:"url" validate:"required,url"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"gtfield=Timeout"`
	Concurrency  int           `yaml:"concurrency" validate:"min=1,max=32"`
	// Rate caps probe starts per second; 0 means unlimited.
	Rate float64 `yaml:"rate" validate:"gte=0"`
}

type Teardown struct {
	VPNTimeout    time.Duration `yaml:"vpn_timeout" validate:"gt=0"`
	ProxyTimeout  time.Duration `yaml:"proxy_timeout" validate:"gt=0"`
	EngineTimeout time.Duration `yaml:"engine_timeout" validate:"gt=0"`
}

type API struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Version: 1,
		Engine: Engine{
			Binary:          "mihomo",
			WorkDir:         "./vortex-data",
			ConfigFile:      "config.yaml",
			StartGrace:      500 * time.Millisecond,
			ReadyTimeout:    10 * time.Second,
			StopTimeout:     3 * time.Second,
			ValidateTimeout: 10 * time.Second,
		},
		Controller: Controller{
			Addr:    "127.0.0.1:9090",
			Timeout: 5 * time.Second,
			Retries: 3,
		},
		Listen: Listen{
			MixedPort:   7890,
			BindAddress: "*",
		},
		Mode:     "rule",
		LogLevel: "info",
		DNS: DNS{
			Enable:       true,
			Listen:       "127.0.0.1:1053",
			EnhancedMode: "fake-ip",
			FakeIPRange:  "198.18.0.1/16",
			Nameservers:  []string{"223.5.5.5", "119.29.29.29"},
		},
		TUN: TUN{
			Stack:               "mixed",
			AutoRoute:           true,
			AutoDetectInterface: true,
			DNSHijack:           []string{"any:53"},
			MTU:                 9000,
		},
		Subscription: Subscription{
			Flag:         "meta",
			UserAgent:    "clash.meta",
			FetchTimeout: 15 * time.Second,
			MaxBytes:     5 * 1024 * 1024,
		},
		Probe: Probe{
			URL:          "https://www.gstatic.com/generate_204",
			Timeout:      5 * time.Second,
			BatchTimeout: 2 * time.Minute,
			Concurrency:  4,
		},
		Selector: "PROXY",
		Teardown: Teardown{
			VPNTimeout:    3 * time.Second,
			ProxyTimeout:  2 * time.Second,
			EngineTimeout: 5 * time.Second,
		},
		API: API{Listen: "127.0.0.1:9091"},
		Log: Log{Level: "info", Format: "text"},
	}
}

// DefaultRules is used when the file carries no rule directives.
// The selector name is appended as the MATCH action.
var DefaultRules = []string{
	"DOMAIN-SUFFIX,local,DIRECT",
	"IP-CIDR,127.0.0.0/8,DIRECT,no-resolve",
	"IP-CIDR,10.0.0.0/8,DIRECT,no-resolve",
	"IP-CIDR,172.16.0.0/12,DIRECT,no-resolve",
	"IP-CIDR,192.168.0.0/16,DIRECT,no-resolve",
}

// EngineConfigPath is where the composed engine config is written.
func (c *Config) EngineConfigPath() string {
	return filepath.Join(c.Engine.WorkDir, c.Engine.ConfigFile)
}

// ControllerURL is the base URL of the engine's control API.
func (c *Config) ControllerURL() string {
	return "http://" + c.Controller.Addr
}

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

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report yaml key names instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads and parses the config file at path. A missing file is an error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "CONFIG_READ_ERROR",
				Message: "读取配置文件失败",
				Stage:   stage,
				URL:     path,
			},
			Cause: err,
		}
	}
	return Parse(path, string(b))
}

// Parse decodes content over Default(), validates it and parses the
// directives. sourceURL is only used for error reporting.
func Parse(sourceURL string, content string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(content) != "" {
		if err := yamlDecodeStrict(content, cfg); err != nil {
			return nil, &ParseError{
				AppError: model.AppError{
					Code:    "CONFIG_PARSE_ERROR",
					Message: "配置 YAML 解析失败",
					Stage:   stage,
					URL:     sourceURL,
					Snippet: truncateSnippet(content, 200),
				},
				Cause: err,
			}
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, validationError(sourceURL, err)
	}
	if cfg.Subscription.URL != "" && cfg.Subscription.File != "" {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "CONFIG_VALIDATE_ERROR",
				Message: "subscription.url 与 subscription.file 只能设置一个",
				Stage:   stage,
				URL:     sourceURL,
			},
		}
	}

	if err := parseDirectives(sourceURL, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validationError(sourceURL string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		// Namespace is "Config.engine.work_dir"; drop the root type.
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		hint := fe.Tag()
		if fe.Param() != "" {
			hint += "=" + fe.Param()
		}
		return &ParseError{
			AppError: model.AppError{
				Code:    "CONFIG_VALIDATE_ERROR",
				Message: fmt.Sprintf("配置字段不合法：%s", field),
				Stage:   stage,
				URL:     sourceURL,
				Hint:    hint,
			},
			Cause: err,
		}
	}
	return &ParseError{
		AppError: model.AppError{
			Code:    "CONFIG_VALIDATE_ERROR",
			Message: "配置校验失败",
			Stage:   stage,
			URL:     sourceURL,
		},
		Cause: err,
	}
}

func parseDirectives(sourceURL string, cfg *Config) error {
	groups := make([]GroupSpec, 0, len(cfg.CustomProxyGroup))
	for _, raw := range cfg.CustomProxyGroup {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		g, err := parseGroupDirective(raw)
		if err != nil {
			var de *directiveError
			if errors.As(err, &de) {
				return &ParseError{
					AppError: model.AppError{
						Code:    de.Code,
						Message: de.Message,
						Stage:   stage,
						URL:     sourceURL,
						Snippet: raw,
						Hint:    de.Hint,
					},
					Cause: de.Cause,
				}
			}
			return &ParseError{
				AppError: model.AppError{
					Code:    "GROUP_PARSE_ERROR",
					Message: "custom_proxy_group 解析失败",
					Stage:   stage,
					URL:     sourceURL,
					Snippet: raw,
				},
				Cause: err,
			}
		}
		groups = append(groups, g)
	}
	if err := checkGroups(sourceURL, cfg.Selector, groups); err != nil {
		return err
	}

	rulesets := make([]RulesetSpec, 0, len(cfg.Ruleset))
	for _, raw := range cfg.Ruleset {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		rs, err := parseRulesetDirective(raw)
		if err != nil {
			return &ParseError{
				AppError: model.AppError{
					Code:    "RULESET_PARSE_ERROR",
					Message: "ruleset 指令解析失败",
					Stage:   stage,
					URL:     sourceURL,
					Snippet: raw,
				},
				Cause: err,
			}
		}
		rulesets = append(rulesets, rs)
	}

	lines := cfg.Rule
	if len(lines) == 0 {
		lines = append(append([]string(nil), DefaultRules...), "MATCH,"+cfg.Selector)
	}
	inline := make([]model.Rule, 0, len(lines))
	hasMatch := false
	for _, raw := range lines {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		r, err := rules.ParseInlineRule(raw)
		if err != nil {
			var re *rules.RuleError
			if errors.As(err, &re) {
				return &ParseError{
					AppError: model.AppError{
						Code:    re.Code,
						Message: re.Message,
						Stage:   stage,
						URL:     sourceURL,
						Snippet: raw,
						Hint:    re.Hint,
					},
					Cause: re.Cause,
				}
			}
			return &ParseError{
				AppError: model.AppError{
					Code:    "RULE_PARSE_ERROR",
					Message: "rule 指令解析失败",
					Stage:   stage,
					URL:     sourceURL,
					Snippet: raw,
				},
				Cause: err,
			}
		}
		if r.Final() {
			hasMatch = true
		}
		inline = append(inline, r)
	}
	if !hasMatch {
		return &ParseError{
			AppError: model.AppError{
				Code:    "CONFIG_VALIDATE_ERROR",
				Message: "缺少兜底规则 MATCH,<ACTION>",
				Stage:   stage,
				URL:     sourceURL,
				Hint:    "add at end of rule: MATCH," + cfg.Selector,
			},
		}
	}

	cfg.Groups = groups
	cfg.Rulesets = rulesets
	cfg.Rules = inline
	return nil
}

// checkGroups validates names (non-empty, unique, not reserved), select
// references, and that the selector is a select group when groups are
// configured.
func checkGroups(sourceURL, selector string, groups []GroupSpec) error {
	fail := func(code, msg, snippet string) error {
		return &ParseError{
			AppError: model.AppError{
				Code:    code,
				Message: msg,
				Stage:   stage,
				URL:     sourceURL,
				Snippet: snippet,
			},
		}
	}

	names := make(map[string]GroupSpec, len(groups))
	for _, g := range groups {
		if g.Name == "" {
			return fail("GROUP_PARSE_ERROR", "策略组名不能为空", g.Raw)
		}
		if g.Name == "DIRECT" || g.Name == "REJECT" {
			return fail("CONFIG_VALIDATE_ERROR", "策略组名不能使用保留名 DIRECT/REJECT", g.Raw)
		}
		if _, ok := names[g.Name]; ok {
			return fail("CONFIG_VALIDATE_ERROR", fmt.Sprintf("重复的策略组名：%s", g.Name), g.Raw)
		}
		names[g.Name] = g
	}
	for _, g := range groups {
		if g.Type != "select" {
			continue
		}
		for _, m := range g.Members {
			if m == "@all" || m == "DIRECT" || m == "REJECT" {
				continue
			}
			if _, ok := names[m]; !ok {
				return fail("GROUP_PARSE_ERROR", fmt.Sprintf("策略组引用不存在：%s", m), g.Raw)
			}
		}
	}
	if len(groups) > 0 {
		g, ok := names[selector]
		if !ok {
			return fail("CONFIG_VALIDATE_ERROR", fmt.Sprintf("selector 策略组不存在：%s", selector), "")
		}
		if g.Type != "select" {
			return fail("CONFIG_VALIDATE_ERROR", fmt.Sprintf("selector 必须是 select 类型：%s", selector), g.Raw)
		}
	}
	return nil
}

func yamlDecodeStrict(content string, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}

	// Reject multi-document YAML to keep behavior deterministic.
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("multiple YAML documents are not allowed")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
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
