package model

import "time"

// Catalog is an immutable, ordered snapshot of parsed nodes. A refresh builds
// a new Catalog; an existing one is never modified.
type Catalog struct {
	nodes []Node
	index map[string]int

	SourceURL string
	FetchedAt time.Time
}

// NewCatalog copies nodes into a new catalog. Nodes without an id get one,
// and later duplicates of an id are dropped.
func NewCatalog(sourceURL string, fetchedAt time.Time, nodes []Node) *Catalog {
	c := &Catalog{
		nodes:     make([]Node, 0, len(nodes)),
		index:     make(map[string]int, len(nodes)),
		SourceURL: sourceURL,
		FetchedAt: fetchedAt,
	}
	for _, n := range nodes {
		n = n.Clone()
		if n.ID == "" {
			n.ID = NodeID(n.Kind, n.Server, n.Port)
		}
		if _, ok := c.index[n.ID]; ok {
			continue
		}
		c.index[n.ID] = len(c.nodes)
		c.nodes = append(c.nodes, n)
	}
	return c
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.nodes)
}

// Nodes returns a copy of the node list in catalog order.
func (c *Catalog) Nodes() []Node {
	if c == nil {
		return nil
	}
	out := make([]Node, len(c.nodes))
	for i, n := range c.nodes {
		out[i] = n.Clone()
	}
	return out
}

func (c *Catalog) Lookup(id string) (Node, bool) {
	if c == nil {
		return Node{}, false
	}
	i, ok := c.index[id]
	if !ok {
		return Node{}, false
	}
	return c.nodes[i].Clone(), true
}

func (c *Catalog) Contains(id string) bool {
	if c == nil {
		return false
	}
	_, ok := c.index[id]
	return ok
}

// First returns the first node, if any.
func (c *Catalog) First() (Node, bool) {
	if c.Len() == 0 {
		return Node{}, false
	}
	return c.nodes[0].Clone(), true
}
