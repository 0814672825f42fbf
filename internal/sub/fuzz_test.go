package sub

import "testing"

func FuzzParse(f *testing.F) {
	seed := []string{
		"",
		"proxies:\n  - {name: a, type: ss, server: h, port: 1, cipher: c, password: p}\n",
		`[{"server":"h","server_port":1,"method":"m","password":"p"}]`,
		"c3M6Ly9ZV1Z6TFRFeU9DMW5ZMjA2Y0dGemN3PT1AZXhhbXBsZS5jb206ODM4OCNB",
		"ss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388#A\ntrojan://p@h:443#t\n",
		"vmess://eyJhZGQiOiJhIiwicG9ydCI6MSwiaWQiOiJ1In0=",
	}
	for _, s := range seed {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, content string) {
		res := Parse("https://example.com/sub", content)
		if res.Format == FormatUnknown && len(res.Nodes) != 0 {
			t.Fatalf("nodes without a format")
		}
		for _, n := range res.Nodes {
			if n.ID == "" || n.Name == "" {
				t.Fatalf("missing id/name: %+v", n)
			}
			if n.Server == "" {
				t.Fatalf("empty server")
			}
			if n.Port < 1 || n.Port > 65535 {
				t.Fatalf("port out of range: %d", n.Port)
			}
			if n.Multiplier <= 0 {
				t.Fatalf("multiplier=%v", n.Multiplier)
			}
		}
	})
}
