package ss

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

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

// ParseURI decodes one ss:// entry. Two encodings are accepted:
//
//	SIP002: ss://BASE64(method:password)@host:port[/][?plugin=...]#name
//	legacy: ss://BASE64(method:password@host:port)#name
//
// SIP2022 plain userinfo (ss://method:password@host:port) is accepted too.
func ParseURI(sourceURL string, lineNo int, s string) (model.Node, error) {
	fail := func(msg, hint string, cause error) (model.Node, error) {
		return model.Node{}, newParseError(sourceURL, lineNo, codec.Snippet(s, 200), msg, hint, cause)
	}

	withoutFrag, frag, hasFrag := strings.Cut(s, "#")
	name := ""
	if hasFrag {
		decoded, err := url.PathUnescape(frag)
		if err != nil {
			// Keep the raw fragment; a bad name never costs the node.
			decoded = frag
		}
		name = strings.TrimSpace(decoded)
		if codec.HasControl(name) {
			return fail("节点名称包含非法控制字符", `forbidden: \r \n \0`, nil)
		}
	}

	withoutQuery, query, _ := strings.Cut(withoutFrag, "?")
	plugin, pluginOpts, err := parseQueryPlugin(query)
	if err != nil {
		return fail("plugin 参数不合法", "", err)
	}

	rest := strings.TrimPrefix(withoutQuery, "ss://")
	if rest == "" {
		return fail("ss:// 后缺少内容", "", nil)
	}

	var method, password, hostPort string
	if userPart, hostPart, ok := cutLast(rest, "@"); ok {
		if userPart == "" || hostPart == "" {
			return fail("ss uri 格式不合法", "", nil)
		}
		hostPort = hostPart
		if idx := strings.IndexByte(hostPort, '/'); idx >= 0 {
			// Only allow empty path or a single trailing "/".
			if hostPort[idx:] != "/" {
				return fail("ss uri path 不支持（仅允许空或 /）", "", nil)
			}
			hostPort = hostPort[:idx]
		}
		method, password, err = decodeUserInfo(userPart)
		if err != nil {
			return fail("ss userinfo 解码失败", "", err)
		}
	} else {
		decoded, err := codec.DecodeBase64(strings.TrimSuffix(rest, "/"))
		if err != nil {
			return fail("ss base64 解码失败", "", err)
		}
		if !utf8.Valid(decoded) {
			return fail("ss base64 解码结果不是合法 UTF-8", "", nil)
		}
		cred, hp, ok := cutLast(string(decoded), "@")
		if !ok {
			return fail("ss base64 解码结果缺少 @ 分隔符", "", nil)
		}
		method, password, err = splitMethodPassword(cred)
		if err != nil {
			return fail("ss base64 解码结果缺少 cipher:password", "", err)
		}
		hostPort = hp
	}

	server, port, err := codec.SplitHostPort(hostPort)
	if err != nil {
		return fail("服务器地址或端口不合法", "", err)
	}

	settings := model.Settings{
		"cipher":   method,
		"password": password,
	}
	if plugin != "" {
		settings["plugin"] = plugin
		if len(pluginOpts) > 0 {
			settings["plugin-opts"] = pluginOpts
		}
	}
	return model.Node{
		Name:     name,
		Server:   server,
		Port:     port,
		Kind:     model.KindShadowsocks,
		Settings: settings,
	}, nil
}

func cutLast(s, sep string) (string, string, bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

func decodeUserInfo(userPart string) (string, string, error) {
	// SIP002 requires base64 userinfo, SIP2022 allows percent-encoded plain text.
	if b, err := codec.DecodeBase64(userPart); err == nil && utf8.Valid(b) && strings.Contains(string(b), ":") {
		return splitMethodPassword(string(b))
	}
	plain, err := url.PathUnescape(userPart)
	if err != nil {
		return "", "", err
	}
	if !strings.Contains(plain, ":") {
		return "", "", errors.New("userinfo is neither base64 nor method:password")
	}
	return splitMethodPassword(plain)
}

func splitMethodPassword(s string) (string, string, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return "", "", errors.New("missing ':'")
	}
	method := strings.TrimSpace(s[:colon])
	// The password is reproduced byte-for-byte; only the method is trimmed.
	password := s[colon+1:]
	if method == "" || password == "" {
		return "", "", errors.New("empty method or password")
	}
	if codec.HasControl(method) || codec.HasControl(password) {
		return "", "", errors.New("control chars in method/password")
	}
	return strings.ToLower(method), password, nil
}

// parseQueryPlugin reads the SIP002 plugin parameter and maps the common
// plugins onto the engine's plugin / plugin-opts fields. Other query keys
// (group, outline, ...) are ignored.
func parseQueryPlugin(query string) (string, map[string]any, error) {
	if query == "" {
		return "", nil, nil
	}

	// net/url.ParseQuery rejects bare semicolons, and SIP002 puts them inside
	// the plugin value, so split on '&' by hand.
	var pluginValue string
	found := false
	for _, part := range strings.Split(query, "&") {
		kRaw, vRaw, hasEq := strings.Cut(part, "=")
		if !hasEq {
			continue
		}
		k, err := url.QueryUnescape(kRaw)
		if err != nil || k != "plugin" {
			continue
		}
		v, err := url.PathUnescape(vRaw)
		if err != nil {
			return "", nil, err
		}
		pluginValue = v
		found = true
	}
	if !found || strings.TrimSpace(pluginValue) == "" {
		return "", nil, nil
	}

	segs := strings.Split(pluginValue, ";")
	name := strings.TrimSpace(segs[0])
	if name == "" {
		return "", nil, errors.New("empty plugin name")
	}
	opts := make([]model.KV, 0, len(segs)-1)
	for _, seg := range segs[1:] {
		if seg == "" {
			continue
		}
		k, v, ok := strings.Cut(seg, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return "", nil, errors.New("empty plugin option key")
		}
		if !ok {
			// Flags like "tls" in v2ray-plugin carry no value.
			v = "true"
		}
		opts = append(opts, model.KV{Key: k, Value: v})
	}
	plugin, mapped := mapPlugin(name, opts)
	return plugin, mapped, nil
}

func mapPlugin(name string, opts []model.KV) (string, map[string]any) {
	get := func(key string) (string, bool) {
		for _, kv := range opts {
			if kv.Key == key {
				return kv.Value, true
			}
		}
		return "", false
	}

	switch name {
	case "simple-obfs", "obfs-local", "obfs":
		out := map[string]any{}
		if v, ok := get("obfs"); ok {
			out["mode"] = v
		}
		if v, ok := get("obfs-host"); ok {
			out["host"] = v
		}
		return "obfs", out
	case "v2ray-plugin", "xray-plugin":
		out := map[string]any{"mode": "websocket"}
		if v, ok := get("mode"); ok {
			out["mode"] = v
		}
		if v, ok := get("host"); ok {
			out["host"] = v
		}
		if v, ok := get("path"); ok {
			out["path"] = v
		}
		if _, ok := get("tls"); ok {
			out["tls"] = true
		}
		if _, ok := get("mux"); ok {
			out["mux"] = true
		}
		return "v2ray-plugin", out
	default:
		out := make(map[string]any, len(opts))
		for _, kv := range opts {
			out[kv.Key] = kv.Value
		}
		return name, out
	}
}

func newParseError(sourceURL string, lineNo int, snippet string, message string, hint string, cause error) error {
	return &ParseError{
		AppError: model.AppError{
			Code:    "SUB_PARSE_ERROR",
			Message: message,
			Stage:   "parse_sub",
			URL:     sourceURL,
			Line:    lineNo,
			Snippet: snippet,
			Hint:    hint,
		},
		Cause: cause,
	}
}
