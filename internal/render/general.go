package render

import (
	"strconv"
	"strings"

	"github.com/John-Robertt/vortex-go/internal/config"
	"github.com/John-Robertt/vortex-go/internal/model"
)

func renderGeneral(opt Options) (string, error) {
	for _, s := range []string{opt.BindAddress, opt.Mode, opt.LogLevel, opt.Controller, opt.Secret} {
		if strings.ContainsAny(s, "\r\n\x00") {
			return "", &RenderError{
				AppError: model.AppError{
					Code:    "INVALID_ARGUMENT",
					Message: "通用配置含有非法控制字符",
					Stage:   "render",
				},
			}
		}
	}
	if opt.MixedPort <= 0 || opt.MixedPort > 65535 {
		return "", &RenderError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "mixed-port 不合法",
				Stage:   "render",
				Snippet: strconv.Itoa(opt.MixedPort),
			},
		}
	}

	mode := opt.Mode
	if mode == "" {
		mode = "rule"
	}
	logLevel := opt.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	lines := []string{"mixed-port: " + strconv.Itoa(opt.MixedPort)}
	if opt.SocksPort > 0 {
		lines = append(lines, "socks-port: "+strconv.Itoa(opt.SocksPort))
	}
	lines = append(lines, "allow-lan: "+strconv.FormatBool(opt.AllowLAN))
	if opt.BindAddress != "" {
		lines = append(lines, "bind-address: "+yamlDQ(opt.BindAddress))
	}
	lines = append(lines,
		"mode: "+mode,
		"log-level: "+logLevel,
	)
	if opt.Controller != "" {
		lines = append(lines, "external-controller: "+yamlDQ(opt.Controller))
	}
	if opt.Secret != "" {
		lines = append(lines, "secret: "+yamlDQ(opt.Secret))
	}
	return strings.Join(lines, "\n"), nil
}

func renderDNS(d config.DNS) string {
	if !d.Enable {
		return "dns:\n  enable: false"
	}
	lines := []string{"dns:", "  enable: true"}
	if d.Listen != "" {
		lines = append(lines, "  listen: "+yamlDQ(d.Listen))
	}
	if d.EnhancedMode != "" {
		lines = append(lines, "  enhanced-mode: "+d.EnhancedMode)
	}
	if d.EnhancedMode == "fake-ip" && d.FakeIPRange != "" {
		lines = append(lines, "  fake-ip-range: "+yamlDQ(d.FakeIPRange))
	}
	lines = appendList(lines, "  nameserver", d.Nameservers)
	lines = appendList(lines, "  fallback", d.Fallback)
	return strings.Join(lines, "\n")
}

func renderTUN(t config.TUN) string {
	if !t.Enable {
		return ""
	}
	lines := []string{
		"tun:",
		"  enable: true",
		"  stack: " + t.Stack,
		"  auto-route: " + strconv.FormatBool(t.AutoRoute),
		"  auto-detect-interface: " + strconv.FormatBool(t.AutoDetectInterface),
	}
	lines = appendList(lines, "  dns-hijack", t.DNSHijack)
	if t.MTU > 0 {
		lines = append(lines, "  mtu: "+strconv.Itoa(t.MTU))
	}
	return strings.Join(lines, "\n")
}

func appendList(lines []string, key string, items []string) []string {
	if len(items) == 0 {
		return lines
	}
	indent := key[:len(key)-len(strings.TrimLeft(key, " "))]
	lines = append(lines, key+":")
	for _, it := range items {
		lines = append(lines, indent+"  - "+yamlDQ(it))
	}
	return lines
}
