// Package compose renders a node catalog into the engine's config document
// and writes it to the fixed config path.
//
// Compose is pure: the same catalog and flags give byte-identical output.
// Everything that needs I/O (base template, local rulesets) is read once by
// New.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/John-Robertt/vortex-go/internal/compiler"
	"github.com/John-Robertt/vortex-go/internal/config"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/render"
	"github.com/John-Robertt/vortex-go/internal/rules"
	"github.com/John-Robertt/vortex-go/internal/template"
)

const stage = "compose"

// Flags are the per-connect inputs that change the document.
type Flags struct {
	Mode       string // rule | global | direct
	TUN        bool
	SelectedID string
	AllowLAN   bool
	LogLevel   string
	MixedPort  int
	SocksPort  int
}

// Document is a composed engine config.
type Document struct {
	Bytes []byte
	// Names maps node id to the proxy name used in the document.
	Names    map[string]string
	Selector string
	Proxies  int
}

// Draft is a Document written to disk.
type Draft struct {
	*Document
	Path    string
	Changed bool
}

type ComposeError struct {
	AppError model.AppError
	Cause    error
}

func (e *ComposeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ComposeError) Unwrap() error { return e.Cause }

type Composer struct {
	cfg          *config.Config
	templateText string
	templateURL  string
	local        map[string]string
}

// New loads the base template and every local ruleset named by cfg.
func New(cfg *config.Config) (*Composer, error) {
	if cfg == nil {
		return nil, &ComposeError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "config 不能为空",
				Stage:   stage,
			},
		}
	}
	c := &Composer{
		cfg:          cfg,
		templateText: template.Default,
		templateURL:  "builtin",
		local:        make(map[string]string),
	}
	if cfg.Template != "" {
		b, err := os.ReadFile(cfg.Template)
		if err != nil {
			return nil, &ComposeError{
				AppError: model.AppError{
					Code:    "TEMPLATE_READ_ERROR",
					Message: "读取模板失败",
					Stage:   stage,
					URL:     cfg.Template,
				},
				Cause: err,
			}
		}
		c.templateText = string(b)
		c.templateURL = cfg.Template
	}
	for _, rs := range cfg.Rulesets {
		if rs.Remote() {
			continue
		}
		b, err := os.ReadFile(rs.Path)
		if err != nil {
			return nil, &ComposeError{
				AppError: model.AppError{
					Code:    "RULESET_READ_ERROR",
					Message: "读取本地 ruleset 失败",
					Stage:   stage,
					URL:     rs.Path,
				},
				Cause: err,
			}
		}
		c.local[rs.Path] = string(b)
	}
	return c, nil
}

// DefaultFlags returns the flags implied by the configuration alone.
func (c *Composer) DefaultFlags() Flags {
	return Flags{
		Mode:      c.cfg.Mode,
		TUN:       c.cfg.TUN.Enable,
		AllowLAN:  c.cfg.Listen.AllowLAN,
		LogLevel:  c.cfg.LogLevel,
		MixedPort: c.cfg.Listen.MixedPort,
		SocksPort: c.cfg.Listen.SocksPort,
	}
}

// Path is where Draft writes the document.
func (c *Composer) Path() string { return c.cfg.EngineConfigPath() }

func (c *Composer) Compose(cat *model.Catalog, f Flags) (*Document, error) {
	if cat.Len() == 0 {
		return nil, &ComposeError{
			AppError: model.AppError{
				Code:    "NO_NODES",
				Message: "节点列表为空",
				Stage:   stage,
			},
		}
	}
	res, err := compiler.Compile(cat.Nodes(), compiler.Spec{
		Selector:      c.cfg.Selector,
		SelectedID:    f.SelectedID,
		Groups:        c.cfg.Groups,
		Rulesets:      c.cfg.Rulesets,
		Rules:         c.cfg.Rules,
		LocalRulesets: c.local,
		TestURL:       c.cfg.Probe.URL,
	})
	if err != nil {
		return nil, wrap(err)
	}

	tun := c.cfg.TUN
	tun.Enable = f.TUN
	opt := render.Options{
		MixedPort:   f.MixedPort,
		SocksPort:   f.SocksPort,
		AllowLAN:    f.AllowLAN,
		BindAddress: c.cfg.Listen.BindAddress,
		Mode:        f.Mode,
		LogLevel:    f.LogLevel,
		Controller:  c.cfg.Controller.Addr,
		Secret:      c.cfg.Controller.Secret,
		DNS:         c.cfg.DNS,
		TUN:         tun,
	}
	if opt.MixedPort == 0 {
		opt.MixedPort = c.cfg.Listen.MixedPort
	}
	blocks, err := render.Render(res, opt)
	if err != nil {
		return nil, wrap(err)
	}
	out, err := template.InjectAnchors(c.templateText, blocks, c.templateURL)
	if err != nil {
		return nil, wrap(err)
	}

	return &Document{
		Bytes:    []byte(out),
		Names:    res.Names,
		Selector: c.cfg.Selector,
		Proxies:  len(res.Proxies),
	}, nil
}

// Draft composes and writes the document to Path.
func (c *Composer) Draft(cat *model.Catalog, f Flags) (*Draft, error) {
	doc, err := c.Compose(cat, f)
	if err != nil {
		return nil, err
	}
	path := c.Path()
	changed, err := WriteFile(path, doc.Bytes)
	if err != nil {
		return nil, err
	}
	return &Draft{Document: doc, Path: path, Changed: changed}, nil
}

// WriteFile replaces path with b through a temp file and rename. It does
// nothing and reports false when the file already holds b.
func WriteFile(path string, b []byte) (bool, error) {
	if cur, err := os.ReadFile(path); err == nil && bytes.Equal(cur, b) {
		return false, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, writeError(path, err)
	}
	tmp, err := os.CreateTemp(dir, ".vortex-*.yaml")
	if err != nil {
		return false, writeError(path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return false, writeError(path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, writeError(path, err)
	}
	if err := tmp.Close(); err != nil {
		return false, writeError(path, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return false, writeError(path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return false, writeError(path, err)
	}
	return true, nil
}

func writeError(path string, err error) error {
	return &ComposeError{
		AppError: model.AppError{
			Code:    "CONFIG_WRITE_ERROR",
			Message: "写入引擎配置失败",
			Stage:   stage,
			URL:     path,
		},
		Cause: err,
	}
}

// wrap lifts a compile/render/template error into a ComposeError while
// keeping its payload.
func wrap(err error) error {
	var ce *compiler.CompileError
	var re *render.RenderError
	var te *template.TemplateError
	var pe *rules.ParseError
	app := model.AppError{Code: "COMPOSE_ERROR", Message: "生成引擎配置失败", Stage: stage}
	switch {
	case errors.As(err, &ce):
		app = ce.AppError
	case errors.As(err, &re):
		app = re.AppError
	case errors.As(err, &te):
		app = te.AppError
	case errors.As(err, &pe):
		app = pe.AppError
	}
	return &ComposeError{AppError: app, Cause: err}
}
