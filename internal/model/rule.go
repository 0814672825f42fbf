package model

// Rule is one routing rule, rendered as TYPE,VALUE,ACTION[,no-resolve].
type Rule struct {
	Type      string // DOMAIN-SUFFIX, IP-CIDR, RULE-SET, MATCH, ...
	Value     string // empty for MATCH
	Action    string // DIRECT, REJECT or a group name
	NoResolve bool   // IP-CIDR / IP-CIDR6 only
}

// Final reports whether r is the catch-all rule that must close the list.
func (r Rule) Final() bool { return r.Type == "MATCH" }
