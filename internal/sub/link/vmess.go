package link

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/sub/codec"
)

// parseVMess decodes vmess://BASE64(JSON) using the v2rayN field set.
// Numeric fields may be strings or numbers.
func parseVMess(sourceURL string, lineNo int, s string) (model.Node, error) {
	body := strings.TrimSpace(s[len("vmess://"):])
	if i := strings.IndexByte(body, '#'); i >= 0 {
		body = body[:i]
	}
	raw, err := codec.DecodeBase64(body)
	if err != nil {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "vmess base64 解码失败", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "vmess JSON 解析失败", err)
	}

	str := func(key string) string {
		switch v := obj[key].(type) {
		case string:
			return strings.TrimSpace(v)
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
		return ""
	}

	server := str("add")
	if server == "" {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "vmess 缺少服务器地址", nil)
	}
	port, err := codec.ParsePort(str("port"))
	if err != nil {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "vmess 端口不合法", err)
	}
	uuid := str("id")
	if uuid == "" {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "vmess 缺少 id", nil)
	}
	if codec.HasControl(uuid) {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "vmess id 包含非法控制字符", fmt.Errorf("control chars"))
	}

	cipher := str("scy")
	if cipher == "" {
		cipher = "auto"
	}
	set := model.Settings{
		"uuid":    uuid,
		"alterId": atoiDefault(str("aid"), 0),
		"cipher":  cipher,
	}
	if tls := strings.ToLower(str("tls")); tls == "tls" || tls == "true" {
		set["tls"] = true
		if sni := str("sni"); sni != "" {
			set["servername"] = sni
		} else if h := str("host"); h != "" && !strings.Contains(h, ",") {
			set["servername"] = h
		}
		if fp := str("fp"); fp != "" {
			set["client-fingerprint"] = fp
		}
		applyALPN(set, str("alpn"))
		if truthy(str("allowInsecure")) {
			set["skip-cert-verify"] = true
		}
	}
	network := str("net")
	if network == "tcp" && str("type") == "http" {
		set["network"] = "http"
		opts := map[string]any{}
		if p := str("path"); p != "" {
			opts["path"] = splitList(p)
		}
		if h := str("host"); h != "" {
			opts["headers"] = map[string]any{"Host": splitList(h)}
		}
		if len(opts) > 0 {
			set["http-opts"] = opts
		}
	} else {
		applyTransport(set, network, str("host"), str("path"), str("path"))
	}

	return model.Node{
		Name:     str("ps"),
		Server:   server,
		Port:     port,
		Kind:     model.KindVMess,
		Settings: set,
	}, nil
}
