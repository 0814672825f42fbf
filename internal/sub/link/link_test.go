package link

import (
	"encoding/base64"
	"errors"
	"reflect"
	"testing"

	"github.com/John-Robertt/vortex-go/internal/model"
)

func vmessLink(json string) string {
	return "vmess://" + base64.StdEncoding.EncodeToString([]byte(json))
}

func TestParse_VMess(t *testing.T) {
	raw := vmessLink(`{"v":"2","ps":"HK 01 x2","add":"hk.example.com","port":"443","id":"b831381d-6324-4d53-ad4f-8cda48b30811","aid":0,"scy":"","net":"ws","host":"cdn.example.com","path":"/v","tls":"tls"}`)
	n, err := Parse("", 1, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Kind != model.KindVMess || n.Name != "HK 01 x2" || n.Server != "hk.example.com" || n.Port != 443 {
		t.Fatalf("node=%+v", n)
	}
	if n.Settings.String("uuid") != "b831381d-6324-4d53-ad4f-8cda48b30811" {
		t.Fatalf("uuid=%q", n.Settings.String("uuid"))
	}
	if n.Settings["alterId"] != 0 || n.Settings["cipher"] != "auto" || n.Settings["tls"] != true {
		t.Fatalf("settings=%v", n.Settings)
	}
	if n.Settings["servername"] != "cdn.example.com" {
		t.Fatalf("servername=%v", n.Settings["servername"])
	}
	want := map[string]any{"path": "/v", "headers": map[string]any{"Host": "cdn.example.com"}}
	if !reflect.DeepEqual(n.Settings["ws-opts"], want) {
		t.Fatalf("ws-opts=%v, want=%v", n.Settings["ws-opts"], want)
	}
}

func TestParse_VMessTruncated(t *testing.T) {
	full := vmessLink(`{"v":"2","ps":"a","add":"a.example.com","port":443,"id":"b831381d-6324-4d53-ad4f-8cda48b30811","aid":"0"}`)
	_, err := Parse("", 1, full[:len(full)/2])
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if pe.AppError.Code != "SUB_PARSE_ERROR" {
		t.Fatalf("code=%q, want=%q", pe.AppError.Code, "SUB_PARSE_ERROR")
	}
}

func TestParse_VLESSReality(t *testing.T) {
	raw := "vless://b831381d-6324-4d53-ad4f-8cda48b30811@1.2.3.4:443?security=reality&sni=www.example.com&fp=chrome&pbk=PUBKEY&sid=ab12&flow=xtls-rprx-vision&type=tcp#JP%20Reality"
	n, err := Parse("", 1, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Kind != model.KindVLESS || n.Name != "JP Reality" {
		t.Fatalf("node=%+v", n)
	}
	if n.Settings["flow"] != "xtls-rprx-vision" || n.Settings["servername"] != "www.example.com" || n.Settings["client-fingerprint"] != "chrome" {
		t.Fatalf("settings=%v", n.Settings)
	}
	want := map[string]any{"public-key": "PUBKEY", "short-id": "ab12"}
	if !reflect.DeepEqual(n.Settings["reality-opts"], want) {
		t.Fatalf("reality-opts=%v", n.Settings["reality-opts"])
	}
	if _, ok := n.Settings["network"]; ok {
		t.Fatalf("tcp should not set network")
	}
}

func TestParse_TrojanGRPC(t *testing.T) {
	n, err := Parse("", 1, "trojan://p%40ss@tr.example.com:443?sni=sni.example.com&type=grpc&serviceName=svc&allowInsecure=1#TR")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Settings["password"] != "p@ss" || n.Settings["sni"] != "sni.example.com" || n.Settings["skip-cert-verify"] != true {
		t.Fatalf("settings=%v", n.Settings)
	}
	if n.Settings["network"] != "grpc" {
		t.Fatalf("network=%v", n.Settings["network"])
	}
	if !reflect.DeepEqual(n.Settings["grpc-opts"], map[string]any{"grpc-service-name": "svc"}) {
		t.Fatalf("grpc-opts=%v", n.Settings["grpc-opts"])
	}
}

func TestParse_Hysteria(t *testing.T) {
	n, err := Parse("", 1, "hysteria://h.example.com:36712?protocol=udp&auth=secret&peer=sni.example.com&insecure=1&upmbps=50&downmbps=100&alpn=h3#HY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Kind != model.KindHysteria || n.Settings["auth-str"] != "secret" || n.Settings["up"] != "50" || n.Settings["down"] != "100" {
		t.Fatalf("node=%+v", n)
	}
	if !reflect.DeepEqual(n.Settings["alpn"], []string{"h3"}) {
		t.Fatalf("alpn=%v", n.Settings["alpn"])
	}
	if _, err := Parse("", 1, "hysteria://h.example.com:36712?auth=x"); err == nil {
		t.Fatalf("expected error without bandwidth")
	}
}

func TestParse_Hysteria2Alias(t *testing.T) {
	for _, scheme := range []string{"hysteria2", "hy2"} {
		n, err := Parse("", 1, scheme+"://pw@h2.example.com:443/?sni=s.example.com&obfs=salamander&obfs-password=op&insecure=1#H2")
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", scheme, err)
		}
		if n.Kind != model.KindHysteria2 {
			t.Fatalf("kind=%q", n.Kind)
		}
		if n.Settings["password"] != "pw" || n.Settings["obfs"] != "salamander" || n.Settings["obfs-password"] != "op" {
			t.Fatalf("settings=%v", n.Settings)
		}
	}
}

func TestParse_TUIC(t *testing.T) {
	n, err := Parse("", 1, "tuic://b831381d-6324-4d53-ad4f-8cda48b30811:pw@t.example.com:443?congestion_control=bbr&udp_relay_mode=native&alpn=h3,spdy&sni=t.example.com#T")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Settings["uuid"] != "b831381d-6324-4d53-ad4f-8cda48b30811" || n.Settings["password"] != "pw" {
		t.Fatalf("settings=%v", n.Settings)
	}
	if n.Settings["congestion-controller"] != "bbr" || n.Settings["udp-relay-mode"] != "native" {
		t.Fatalf("settings=%v", n.Settings)
	}
	if !reflect.DeepEqual(n.Settings["alpn"], []string{"h3", "spdy"}) {
		t.Fatalf("alpn=%v", n.Settings["alpn"])
	}
}

func TestParse_WireGuard(t *testing.T) {
	n, err := Parse("", 1, "wg://cHJpdmF0ZQ%3D%3D@wg.example.com:51820?publickey=cHVibGlj&address=10.0.0.2/32,fd00::2/128&mtu=1280&reserved=1,2,3#WG")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Kind != model.KindWireGuard || n.Settings["private-key"] != "cHJpdmF0ZQ==" || n.Settings["public-key"] != "cHVibGlj" {
		t.Fatalf("node=%+v", n)
	}
	if n.Settings["ip"] != "10.0.0.2" || n.Settings["ipv6"] != "fd00::2" || n.Settings["mtu"] != 1280 {
		t.Fatalf("settings=%v", n.Settings)
	}
	if !reflect.DeepEqual(n.Settings["reserved"], []any{1, 2, 3}) {
		t.Fatalf("reserved=%v", n.Settings["reserved"])
	}
}

func TestParse_SSR(t *testing.T) {
	b64 := base64.RawURLEncoding.EncodeToString
	body := "ssr.example.com:8989:auth_aes128_md5:aes-256-cfb:tls1.2_ticket_auth:" + b64([]byte("secret")) +
		"/?obfsparam=" + b64([]byte("obfs.example.com")) + "&remarks=" + b64([]byte("SSR 节点")) + "&group=" + b64([]byte("G"))
	n, err := Parse("", 1, "ssr://"+b64([]byte(body)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Kind != model.KindShadowsocksR || n.Server != "ssr.example.com" || n.Port != 8989 {
		t.Fatalf("node=%+v", n)
	}
	if n.Name != "SSR 节点" || n.Group != "G" {
		t.Fatalf("name/group=%q/%q", n.Name, n.Group)
	}
	if n.Settings["password"] != "secret" || n.Settings["protocol"] != "auth_aes128_md5" || n.Settings["obfs-param"] != "obfs.example.com" {
		t.Fatalf("settings=%v", n.Settings)
	}
}

func TestParse_UnsupportedScheme(t *testing.T) {
	_, err := Parse("https://example.com/sub", 3, "http://example.com")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if pe.AppError.Code != "SUB_UNSUPPORTED_SCHEME" || pe.AppError.Line != 3 {
		t.Fatalf("err=%+v", pe.AppError)
	}
}
