package sub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/sub/codec"
)

// parseJSON accepts a bare array of servers or a SIP008 document
// ({"version":1,"servers":[...]}). Array items are either engine-shaped
// proxy objects (with "type") or SIP008 servers.
func parseJSON(sourceURL, s string) (Result, bool) {
	if s[0] != '[' && s[0] != '{' {
		return Result{}, false
	}
	var doc any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return Result{}, false
	}
	var items []any
	switch t := doc.(type) {
	case []any:
		items = t
	case map[string]any:
		servers, ok := t["servers"].([]any)
		if !ok {
			return Result{}, false
		}
		items = servers
	default:
		return Result{}, false
	}

	res := Result{Format: FormatJSON}
	for i, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			res.Skipped = append(res.Skipped, Skipped{Line: i + 1, Code: "SUB_PARSE_ERROR", Message: "条目不是 JSON 对象"})
			continue
		}
		var n model.Node
		var err error
		if _, hasType := obj["type"]; hasType {
			n, err = nodeFromMap(obj)
		} else {
			n, err = nodeFromSIP008(obj)
		}
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{
				Line:    i + 1,
				Code:    "SUB_PARSE_ERROR",
				Message: err.Error(),
				Snippet: codec.Snippet(anyString(obj["remarks"])+anyString(obj["name"]), 200),
			})
			continue
		}
		res.Nodes = append(res.Nodes, n)
	}
	return res, true
}

func nodeFromSIP008(obj map[string]any) (model.Node, error) {
	server := strings.TrimSpace(anyString(obj["server"]))
	if server == "" {
		return model.Node{}, fmt.Errorf("节点缺少 server")
	}
	port, err := codec.ParsePort(anyString(obj["server_port"]))
	if err != nil {
		return model.Node{}, fmt.Errorf("节点端口不合法：%v", err)
	}
	method := strings.ToLower(strings.TrimSpace(anyString(obj["method"])))
	password := anyString(obj["password"])
	if method == "" || password == "" {
		return model.Node{}, fmt.Errorf("ss 节点缺少 method 或 password")
	}
	set := model.Settings{
		"cipher":   method,
		"password": password,
	}
	if plugin := strings.TrimSpace(anyString(obj["plugin"])); plugin != "" {
		set["plugin"] = plugin
		if opts := anyString(obj["plugin_opts"]); opts != "" {
			m := map[string]any{}
			for _, seg := range strings.Split(opts, ";") {
				k, v, ok := strings.Cut(seg, "=")
				if k = strings.TrimSpace(k); k == "" {
					continue
				}
				if !ok {
					v = "true"
				}
				m[k] = v
			}
			set["plugin-opts"] = m
		}
	}
	return model.Node{
		Name:     strings.TrimSpace(anyString(obj["remarks"])),
		Server:   server,
		Port:     port,
		Kind:     model.KindShadowsocks,
		Settings: set,
	}, nil
}
