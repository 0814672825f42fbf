package httpapi

import (
	_ "embed"
	"net/http"
)

// statusPage is the built-in control page. It only talks to /api on the same
// origin.
//
//go:embed ui/index.html
var statusPage []byte

func handleIndex(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'")
	h.Set("X-Frame-Options", "DENY")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(statusPage)
}
