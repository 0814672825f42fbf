package controlapi

// Version is the GET /version payload.
type Version struct {
	Version string `json:"version"`
	Meta    bool   `json:"meta"`
}

// Configs is the subset of GET /configs the orchestrator reads.
type Configs struct {
	Port      int    `json:"port"`
	SocksPort int    `json:"socks-port"`
	MixedPort int    `json:"mixed-port"`
	AllowLAN  bool   `json:"allow-lan"`
	Mode      string `json:"mode"`
	LogLevel  string `json:"log-level"`
	TUN       struct {
		Enable bool   `json:"enable"`
		Stack  string `json:"stack"`
	} `json:"tun"`
}

type DelayHistory struct {
	Time  string `json:"time"`
	Delay int    `json:"delay"`
}

// Proxy is one entry of GET /proxies. Now and All are set for groups.
type Proxy struct {
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Now     string         `json:"now,omitempty"`
	All     []string       `json:"all,omitempty"`
	Alive   bool           `json:"alive"`
	UDP     bool           `json:"udp"`
	History []DelayHistory `json:"history,omitempty"`
}

// IsGroup reports whether p is a group or built-in rather than a node.
func (p Proxy) IsGroup() bool {
	switch p.Type {
	case "Selector", "URLTest", "Fallback", "LoadBalance", "Relay", "Direct", "Reject", "RejectDrop", "Compatible", "Pass":
		return true
	}
	return false
}

type proxiesResponse struct {
	Proxies map[string]Proxy `json:"proxies"`
}

type delayResponse struct {
	Delay int `json:"delay"`
}

type ConnectionMetadata struct {
	Network         string `json:"network"`
	Type            string `json:"type"`
	SourceIP        string `json:"sourceIP"`
	DestinationIP   string `json:"destinationIP"`
	SourcePort      string `json:"sourcePort"`
	DestinationPort string `json:"destinationPort"`
	Host            string `json:"host"`
	DNSMode         string `json:"dnsMode"`
	ProcessPath     string `json:"processPath"`
}

type Connection struct {
	ID          string             `json:"id"`
	Metadata    ConnectionMetadata `json:"metadata"`
	Upload      int64              `json:"upload"`
	Download    int64              `json:"download"`
	Start       string             `json:"start"`
	Chains      []string           `json:"chains"`
	Rule        string             `json:"rule"`
	RulePayload string             `json:"rulePayload"`
}

type Connections struct {
	DownloadTotal int64        `json:"downloadTotal"`
	UploadTotal   int64        `json:"uploadTotal"`
	Connections   []Connection `json:"connections"`
}

// Traffic is one sample of the /traffic stream, in bytes per second.
type Traffic struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

// LogEntry is one line of the /logs stream.
type LogEntry struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

type apiMessage struct {
	Message string `json:"message"`
}
