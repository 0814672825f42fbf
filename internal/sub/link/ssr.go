package link

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/sub/codec"
)

// parseSSR decodes
// ssr://BASE64(host:port:protocol:method:obfs:BASE64(password)/?obfsparam=&protoparam=&remarks=&group=)
// where every parameter value is itself URL-safe base64.
func parseSSR(sourceURL string, lineNo int, s string) (model.Node, error) {
	raw, err := codec.DecodeBase64(strings.TrimSpace(s[len("ssr://"):]))
	if err != nil {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "ssr base64 解码失败", err)
	}
	if !utf8.Valid(raw) {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "ssr 解码结果不是合法 UTF-8", nil)
	}
	main, params, _ := strings.Cut(string(raw), "/?")
	main = strings.TrimSuffix(main, "/")

	// host may itself contain ':' (IPv6), so split from the right.
	parts := strings.Split(main, ":")
	if len(parts) < 6 {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "ssr 字段数量不足", nil)
	}
	n := len(parts)
	host := strings.Trim(strings.Join(parts[:n-5], ":"), "[]")
	port, err := codec.ParsePort(parts[n-5])
	if err != nil || host == "" {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "服务器地址或端口不合法", err)
	}
	protocol, method, obfs := parts[n-4], parts[n-3], parts[n-2]
	pw, err := codec.DecodeBase64(parts[n-1])
	if err != nil || len(pw) == 0 {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "ssr 密码解码失败", err)
	}

	set := model.Settings{
		"cipher":   method,
		"password": string(pw),
		"protocol": protocol,
		"obfs":     obfs,
	}
	var name, group string
	if params != "" {
		q, _ := url.ParseQuery(params)
		dec := func(key string) string {
			v := q.Get(key)
			if v == "" {
				return ""
			}
			b, err := codec.DecodeBase64(v)
			if err != nil || !utf8.Valid(b) {
				return ""
			}
			return strings.TrimSpace(string(b))
		}
		if v := dec("obfsparam"); v != "" {
			set["obfs-param"] = v
		}
		if v := dec("protoparam"); v != "" {
			set["protocol-param"] = v
		}
		name = dec("remarks")
		group = dec("group")
	}

	return model.Node{
		Name:     name,
		Server:   host,
		Port:     port,
		Kind:     model.KindShadowsocksR,
		Settings: set,
		Group:    group,
	}, nil
}
