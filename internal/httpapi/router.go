package httpapi

import "net/http"

type server struct {
	opt Options
}

func NewMux(opt Options) *http.ServeMux {
	s := &server{opt: opt.withDefaults()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleIndex)
	mux.HandleFunc("GET /healthz", handleHealthz)
	if s.opt.Metrics != nil {
		mux.Handle("GET /metrics", s.opt.Metrics.Handler())
	}

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/nodes", s.handleNodes)
	mux.HandleFunc("POST /api/subscription/refresh", s.handleRefresh)

	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/switch", s.handleSwitch)
	mux.HandleFunc("POST /api/tun", s.handleTun)

	mux.HandleFunc("POST /api/latency", s.handleLatencyAll)
	mux.HandleFunc("POST /api/latency/{id}", s.handleLatencyOne)

	mux.HandleFunc("GET /api/connections", s.handleConnections)
	mux.HandleFunc("DELETE /api/connections/{id}", s.handleCloseConnection)

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/traffic", s.handleTraffic)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/logs/export", s.handleExportLogs)
	return mux
}
