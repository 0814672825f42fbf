package model

// Group is one entry of the engine's proxy-groups section.
type Group struct {
	Name string
	// Type is "select", "url-test", "fallback" or "load-balance".
	Type string

	// Members are node proxy names, other group names, DIRECT or REJECT.
	Members []string

	TestURL     string
	IntervalSec int

	ToleranceMS  int
	HasTolerance bool
}

// Auto reports whether the engine picks the member itself by probing
// TestURL. The selector driven by node switching is never an auto group.
func (g Group) Auto() bool { return g.Type != "select" }
