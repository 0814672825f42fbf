package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

type KV struct {
	Key   string
	Value string
}

// Kind is the protocol variant of a node.
type Kind string

const (
	KindShadowsocks  Kind = "ss"
	KindShadowsocksR Kind = "ssr"
	KindVMess        Kind = "vmess"
	KindVLESS        Kind = "vless"
	KindTrojan       Kind = "trojan"
	KindHysteria     Kind = "hysteria"
	KindHysteria2    Kind = "hysteria2"
	KindTUIC         Kind = "tuic"
	KindWireGuard    Kind = "wireguard"
	KindSOCKS5       Kind = "socks5"
)

var kinds = map[Kind]struct{}{
	KindShadowsocks:  {},
	KindShadowsocksR: {},
	KindVMess:        {},
	KindVLESS:        {},
	KindTrojan:       {},
	KindHysteria:     {},
	KindHysteria2:    {},
	KindTUIC:         {},
	KindWireGuard:    {},
	KindSOCKS5:       {},
}

// ParseKind maps an engine "type" value to a Kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "shadowsocks" {
		k = KindShadowsocks
	}
	if k == "hy2" {
		k = KindHysteria2
	}
	_, ok := kinds[k]
	return k, ok
}

// Settings is the protocol-specific part of a node, keyed by the engine's
// proxy field names (cipher, password, uuid, ws-opts, ...). Values are
// string, int, bool, float64, []any, []string or map[string]any.
type Settings map[string]any

func (s Settings) String(key string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// Keys returns the keys in sorted order.
func (s Settings) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	if s == nil {
		return nil
	}
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, vv := range t {
			l[i] = cloneValue(vv)
		}
		return l
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Node is one candidate server of a subscription.
type Node struct {
	// ID is derived from kind+server+port so the same server keeps its identity
	// across refreshes.
	ID string `json:"id"`

	Name   string `json:"name"`
	Server string `json:"server"`
	Port   int    `json:"port"`
	Kind   Kind   `json:"type"`

	// Settings carry credentials and are never serialized to clients.
	Settings Settings `json:"-"`

	Group      string   `json:"group,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty"`
}

// NodeID returns the stable identity of a (kind, server, port) triple.
func NodeID(kind Kind, server string, port int) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + strings.ToLower(strings.TrimSpace(server)) + "|" + strconv.Itoa(port)))
	return hex.EncodeToString(sum[:8])
}

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	n.Settings = n.Settings.Clone()
	n.Tags = append([]string(nil), n.Tags...)
	return n
}
