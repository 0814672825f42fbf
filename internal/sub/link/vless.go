package link

import (
	"net/url"
	"strings"

	"github.com/John-Robertt/vortex-go/internal/model"
)

// parseVLESS decodes vless://uuid@host:port?type=&security=&sni=...#name.
func parseVLESS(sourceURL string, lineNo int, s string) (model.Node, error) {
	u, host, port, err := parseURL(s)
	if err != nil {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "vless 链接不合法", err)
	}
	uuid := ""
	if u.User != nil {
		uuid = strings.TrimSpace(u.User.Username())
	}
	if uuid == "" {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "vless 缺少 uuid", nil)
	}

	q := u.Query()
	set := model.Settings{"uuid": uuid}
	if flow := q.Get("flow"); flow != "" {
		set["flow"] = flow
	}
	applySecurity(set, q, "servername")
	applyTransport(set, q.Get("type"), q.Get("host"), q.Get("path"), q.Get("serviceName"))

	return model.Node{
		Name:     fragmentName(u),
		Server:   host,
		Port:     port,
		Kind:     model.KindVLESS,
		Settings: set,
	}, nil
}

// parseTrojan decodes trojan://password@host:port?sni=&type=...#name. TLS is
// implicit for trojan.
func parseTrojan(sourceURL string, lineNo int, s string) (model.Node, error) {
	u, host, port, err := parseURL(s)
	if err != nil {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "trojan 链接不合法", err)
	}
	password := ""
	if u.User != nil {
		password = u.User.Username()
	}
	if password == "" {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "trojan 缺少密码", nil)
	}

	q := u.Query()
	set := model.Settings{"password": password}
	if sni := firstQuery(q, "sni", "peer"); sni != "" {
		set["sni"] = sni
	}
	if truthy(firstQuery(q, "allowInsecure", "insecure")) {
		set["skip-cert-verify"] = true
	}
	if fp := q.Get("fp"); fp != "" {
		set["client-fingerprint"] = fp
	}
	applyALPN(set, q.Get("alpn"))
	applyTransport(set, q.Get("type"), q.Get("host"), q.Get("path"), q.Get("serviceName"))

	return model.Node{
		Name:     fragmentName(u),
		Server:   host,
		Port:     port,
		Kind:     model.KindTrojan,
		Settings: set,
	}, nil
}

// applySecurity maps security=tls|reality and its companions. sniKey is the
// engine field the SNI lands in for this kind.
func applySecurity(set model.Settings, q url.Values, sniKey string) {
	sec := strings.ToLower(q.Get("security"))
	if sec != "tls" && sec != "reality" && sec != "xtls" {
		return
	}
	set["tls"] = true
	if sni := firstQuery(q, "sni", "peer"); sni != "" {
		set[sniKey] = sni
	}
	if fp := q.Get("fp"); fp != "" {
		set["client-fingerprint"] = fp
	}
	if truthy(firstQuery(q, "allowInsecure", "insecure")) {
		set["skip-cert-verify"] = true
	}
	applyALPN(set, q.Get("alpn"))
	if sec == "reality" {
		opts := map[string]any{}
		if pbk := q.Get("pbk"); pbk != "" {
			opts["public-key"] = pbk
		}
		if sid := q.Get("sid"); sid != "" {
			opts["short-id"] = sid
		}
		set["reality-opts"] = opts
	}
}
