package link

import (
	"net/netip"
	"strings"

	"github.com/John-Robertt/vortex-go/internal/model"
)

// parseWireGuard decodes
// wireguard://privatekey@host:port?publickey=&address=&mtu=&reserved=&presharedkey=#name
// (wg:// is the same format).
func parseWireGuard(sourceURL string, lineNo int, s string) (model.Node, error) {
	u, host, port, err := parseURL(s)
	if err != nil {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "wireguard 链接不合法", err)
	}
	privateKey := ""
	if u.User != nil {
		privateKey = u.User.Username()
	}
	q := u.Query()
	if privateKey == "" {
		privateKey = firstQuery(q, "privatekey", "private-key")
	}
	publicKey := firstQuery(q, "publickey", "public-key", "peer-public-key")
	if privateKey == "" || publicKey == "" {
		return model.Node{}, newParseError(sourceURL, lineNo, s, "wireguard 缺少密钥", nil)
	}

	set := model.Settings{
		"private-key": privateKey,
		"public-key":  publicKey,
		"udp":         true,
	}
	for _, a := range splitList(firstQuery(q, "address", "ip")) {
		a = strings.TrimSpace(a)
		if p, err := netip.ParsePrefix(a); err == nil {
			a = p.Addr().String()
		}
		addr, err := netip.ParseAddr(a)
		if err != nil {
			continue
		}
		if addr.Is4() {
			if _, ok := set["ip"]; !ok {
				set["ip"] = addr.String()
			}
		} else if _, ok := set["ipv6"]; !ok {
			set["ipv6"] = addr.String()
		}
	}
	if v := firstQuery(q, "presharedkey", "pre-shared-key"); v != "" {
		set["pre-shared-key"] = v
	}
	if v := atoiDefault(q.Get("mtu"), 0); v > 0 {
		set["mtu"] = v
	}
	if r := splitList(q.Get("reserved")); len(r) == 3 {
		vals := make([]any, 0, 3)
		for _, x := range r {
			vals = append(vals, atoiDefault(x, 0))
		}
		set["reserved"] = vals
	}

	return model.Node{
		Name:     fragmentName(u),
		Server:   host,
		Port:     port,
		Kind:     model.KindWireGuard,
		Settings: set,
	}, nil
}
