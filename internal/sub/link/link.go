// Package link decodes the share-link URI schemes other than ss://.
// Each decoder turns a single line into a model.Node whose Settings use the
// engine's proxy field names.
package link

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/sub/codec"
)

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

type decoder func(sourceURL string, lineNo int, s string) (model.Node, error)

var decoders = map[string]decoder{
	"ssr":       parseSSR,
	"vmess":     parseVMess,
	"vless":     parseVLESS,
	"trojan":    parseTrojan,
	"hysteria":  parseHysteria,
	"hysteria2": parseHysteria2,
	"hy2":       parseHysteria2,
	"tuic":      parseTUIC,
	"wireguard": parseWireGuard,
	"wg":        parseWireGuard,
}

// Scheme returns the lower-cased scheme of a share link, or "".
func Scheme(s string) string {
	i := strings.Index(s, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(s[:i])
}

// Supported reports whether Parse has a decoder for scheme.
func Supported(scheme string) bool {
	_, ok := decoders[scheme]
	return ok
}

// Parse decodes one share link. lineNo is only used for error reporting.
func Parse(sourceURL string, lineNo int, s string) (model.Node, error) {
	s = strings.TrimSpace(s)
	scheme := Scheme(s)
	dec, ok := decoders[scheme]
	if !ok {
		return model.Node{}, &ParseError{
			AppError: model.AppError{
				Code:    "SUB_UNSUPPORTED_SCHEME",
				Message: "不支持的链接协议",
				Stage:   "parse_sub",
				URL:     sourceURL,
				Line:    lineNo,
				Snippet: codec.Snippet(s, 200),
				Hint:    "supported: ssr vmess vless trojan hysteria hysteria2 hy2 tuic wireguard wg",
			},
		}
	}
	return dec(sourceURL, lineNo, s)
}

func newParseError(sourceURL string, lineNo int, raw string, message string, cause error) error {
	return &ParseError{
		AppError: model.AppError{
			Code:    "SUB_PARSE_ERROR",
			Message: message,
			Stage:   "parse_sub",
			URL:     sourceURL,
			Line:    lineNo,
			Snippet: codec.Snippet(raw, 200),
		},
		Cause: cause,
	}
}

// fragmentName decodes the "#name" part of a link; failures fall back to the
// raw text.
func fragmentName(u *url.URL) string {
	if u.Fragment != "" {
		return strings.TrimSpace(u.Fragment)
	}
	if u.RawFragment != "" {
		if v, err := url.PathUnescape(u.RawFragment); err == nil {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(u.RawFragment)
	}
	return ""
}

// parseURL parses scheme://userinfo@host:port?query#fragment links and checks
// the host and port.
func parseURL(s string) (*url.URL, string, int, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, "", 0, err
	}
	host := u.Hostname()
	if host == "" {
		return nil, "", 0, fmt.Errorf("missing host")
	}
	port, err := codec.ParsePort(u.Port())
	if err != nil {
		return nil, "", 0, err
	}
	return u, host, port, nil
}

func firstQuery(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func atoiDefault(v string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// applyTransport maps the shared v2ray-style transport parameters
// (type/host/path/serviceName) onto network and *-opts fields.
func applyTransport(set model.Settings, network, host, path, serviceName string) {
	network = strings.ToLower(strings.TrimSpace(network))
	switch network {
	case "", "tcp", "none":
		return
	case "ws", "websocket", "httpupgrade":
		set["network"] = "ws"
		opts := map[string]any{}
		if path != "" {
			opts["path"] = path
		}
		if host != "" {
			opts["headers"] = map[string]any{"Host": host}
		}
		if network == "httpupgrade" {
			opts["v2ray-http-upgrade"] = true
		}
		if len(opts) > 0 {
			set["ws-opts"] = opts
		}
	case "grpc":
		set["network"] = "grpc"
		if serviceName == "" {
			serviceName = strings.TrimPrefix(path, "/")
		}
		if serviceName != "" {
			set["grpc-opts"] = map[string]any{"grpc-service-name": serviceName}
		}
	case "h2", "http":
		set["network"] = "h2"
		opts := map[string]any{}
		if path != "" {
			opts["path"] = path
		}
		if hosts := splitList(host); len(hosts) > 0 {
			opts["host"] = hosts
		}
		if len(opts) > 0 {
			set["h2-opts"] = opts
		}
	default:
		set["network"] = network
	}
}

func applyALPN(set model.Settings, v string) {
	if l := splitList(v); len(l) > 0 {
		set["alpn"] = l
	}
}
