package sub

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/sub/codec"
)

// parseYAML accepts any document whose top level is a mapping with a
// "proxies" sequence (a full engine config or a provider file). Other keys
// are ignored.
func parseYAML(sourceURL, s string) (Result, bool) {
	if !strings.Contains(s, "proxies") {
		return Result{}, false
	}
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(s), &root); err != nil {
		return Result{}, false
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return Result{}, false
	}
	m := root.Content[0]
	var list *yaml.Node
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == "proxies" {
			list = m.Content[i+1]
			break
		}
	}
	if list == nil || list.Kind != yaml.SequenceNode {
		return Result{}, false
	}

	res := Result{Format: FormatYAML}
	for _, item := range list.Content {
		var raw map[string]any
		if err := item.Decode(&raw); err != nil {
			res.Skipped = append(res.Skipped, Skipped{
				Line:    item.Line,
				Code:    "SUB_PARSE_ERROR",
				Message: "proxies 条目不是映射",
				Snippet: codec.Snippet(item.Value, 200),
			})
			continue
		}
		n, err := nodeFromMap(raw)
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{
				Line:    item.Line,
				Code:    "SUB_PARSE_ERROR",
				Message: err.Error(),
				Snippet: codec.Snippet(fmt.Sprint(raw["name"]), 200),
			})
			continue
		}
		res.Nodes = append(res.Nodes, n)
	}
	return res, true
}

// nodeFromMap converts an engine-shaped proxy object (name/type/server/port
// plus protocol fields). The protocol fields pass through unchanged.
func nodeFromMap(raw map[string]any) (model.Node, error) {
	typ, _ := raw["type"].(string)
	kind, ok := model.ParseKind(typ)
	if !ok {
		return model.Node{}, fmt.Errorf("不支持的节点类型：%q", typ)
	}
	server := strings.TrimSpace(anyString(raw["server"]))
	if server == "" {
		return model.Node{}, errors.New("节点缺少 server")
	}
	port, err := codec.ParsePort(anyString(raw["port"]))
	if err != nil {
		return model.Node{}, fmt.Errorf("节点端口不合法：%v", err)
	}
	name := strings.TrimSpace(anyString(raw["name"]))
	if codec.HasControl(name) {
		return model.Node{}, errors.New("节点名称包含非法控制字符")
	}

	set := make(model.Settings, len(raw))
	for k, v := range raw {
		switch k {
		case "name", "type", "server", "port":
			continue
		}
		set[k] = normalizeValue(v)
	}
	if err := requireFields(kind, set); err != nil {
		return model.Node{}, err
	}
	return model.Node{
		Name:     name,
		Server:   server,
		Port:     port,
		Kind:     kind,
		Settings: set,
	}, nil
}

// requireFields checks the one credential each kind cannot do without.
func requireFields(kind model.Kind, set model.Settings) error {
	var need []string
	switch kind {
	case model.KindShadowsocks:
		need = []string{"cipher", "password"}
	case model.KindShadowsocksR:
		need = []string{"cipher", "password", "protocol", "obfs"}
	case model.KindVMess, model.KindVLESS:
		need = []string{"uuid"}
	case model.KindTrojan:
		need = []string{"password"}
	case model.KindTUIC:
		need = []string{"uuid"}
	case model.KindWireGuard:
		need = []string{"private-key"}
	}
	for _, k := range need {
		if set.String(k) == "" {
			return fmt.Errorf("%s 节点缺少字段 %s", kind, k)
		}
	}
	return nil
}

func anyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// normalizeValue folds decoder-specific shapes (map[any]any, int64, whole
// float64 from JSON) into the value types Settings documents.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeValue(vv)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[fmt.Sprint(k)] = normalizeValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeValue(vv)
		}
		return out
	case int64:
		return int(t)
	case float64:
		if t == float64(int(t)) {
			return int(t)
		}
		return t
	default:
		return v
	}
}
