// Package render emits the engine's YAML blocks from a compiled result.
// Output is built line by line with sorted keys so identical input always
// yields identical bytes.
package render

import (
	"fmt"

	"github.com/John-Robertt/vortex-go/internal/compiler"
	"github.com/John-Robertt/vortex-go/internal/config"
	"github.com/John-Robertt/vortex-go/internal/model"
)

// Blocks are injected at the template anchors of the same name. An empty
// block means "nothing to inject".
type Blocks struct {
	General   string
	DNS       string
	TUN       string
	Proxies   string
	Groups    string
	Providers string
	Rules     string
}

// Options carries the non-node parts of the engine config.
type Options struct {
	MixedPort   int
	SocksPort   int
	AllowLAN    bool
	BindAddress string
	Mode        string
	LogLevel    string

	// Controller is the external-controller address; Secret its bearer token.
	Controller string
	Secret     string

	DNS config.DNS
	// TUN is emitted only when TUN.Enable is set.
	TUN config.TUN
}

type RenderError struct {
	AppError model.AppError
	Cause    error
}

func (e *RenderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

func Render(res *compiler.Result, opt Options) (Blocks, error) {
	if res == nil {
		return Blocks{}, &RenderError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "render input 不能为空",
				Stage:   "render",
			},
		}
	}
	general, err := renderGeneral(opt)
	if err != nil {
		return Blocks{}, err
	}
	proxies, err := renderProxies(res.Proxies)
	if err != nil {
		return Blocks{}, err
	}
	providers, err := renderRuleProviders(res.RulesetRefs)
	if err != nil {
		return Blocks{}, err
	}
	return Blocks{
		General:   general,
		DNS:       renderDNS(opt.DNS),
		TUN:       renderTUN(opt.TUN),
		Proxies:   proxies,
		Groups:    renderGroups(res.Groups),
		Providers: providers,
		Rules:     renderRules(res.Rules),
	}, nil
}
