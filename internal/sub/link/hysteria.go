package link

import (
	"github.com/John-Robertt/vortex-go/internal/model"
)

// parseHysteria decodes the v1 link:
// hysteria://host:port?protocol=&auth=&peer=&insecure=&upmbps=&downmbps=&alpn=&obfsParam=#name
func parseHysteria(sourceURL string, lineNo int, s string) (model.Node, error) {
	u, host, port, err := parseURL(s)
	if err != nil {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "hysteria 链接不合法", err)
	}
	q := u.Query()
	set := model.Settings{}
	if v := firstQuery(q, "auth", "auth_str"); v != "" {
		set["auth-str"] = v
	}
	if v := q.Get("protocol"); v != "" {
		set["protocol"] = v
	}
	if v := firstQuery(q, "peer", "sni"); v != "" {
		set["sni"] = v
	}
	if truthy(q.Get("insecure")) {
		set["skip-cert-verify"] = true
	}
	up := firstQuery(q, "upmbps", "up")
	down := firstQuery(q, "downmbps", "down")
	if up == "" || down == "" {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "hysteria 缺少 upmbps/downmbps", nil)
	}
	set["up"] = up
	set["down"] = down
	if v := firstQuery(q, "obfsParam", "obfs"); v != "" {
		set["obfs"] = v
	}
	applyALPN(set, q.Get("alpn"))

	return model.Node{
		Name:     fragmentName(u),
		Server:   host,
		Port:     port,
		Kind:     model.KindHysteria,
		Settings: set,
	}, nil
}

// parseHysteria2 decodes hysteria2://auth@host:port/?sni=&obfs=&obfs-password=&insecure=#name
// (hy2:// is the same format).
func parseHysteria2(sourceURL string, lineNo int, s string) (model.Node, error) {
	u, host, port, err := parseURL(s)
	if err != nil {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "hysteria2 链接不合法", err)
	}
	set := model.Settings{}
	if u.User != nil {
		password := u.User.Username()
		if p, ok := u.User.Password(); ok {
			// user:pass form authenticates with the joined string.
			password += ":" + p
		}
		if password != "" {
			set["password"] = password
		}
	}
	q := u.Query()
	if v := q.Get("sni"); v != "" {
		set["sni"] = v
	}
	if v := q.Get("obfs"); v != "" && v != "none" {
		set["obfs"] = v
		if pw := q.Get("obfs-password"); pw != "" {
			set["obfs-password"] = pw
		}
	}
	if truthy(q.Get("insecure")) {
		set["skip-cert-verify"] = true
	}
	if v := q.Get("pinSHA256"); v != "" {
		set["fingerprint"] = v
	}
	if v := q.Get("mport"); v != "" {
		set["ports"] = v
	}
	applyALPN(set, q.Get("alpn"))

	return model.Node{
		Name:     fragmentName(u),
		Server:   host,
		Port:     port,
		Kind:     model.KindHysteria2,
		Settings: set,
	}, nil
}
