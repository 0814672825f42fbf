// Package catalog holds the current node catalog and replaces it on refresh.
// Readers always see a complete catalog: a refresh is one pointer swap.
package catalog

import (
	"sync/atomic"
	"time"

	"github.com/John-Robertt/vortex-go/internal/model"
)

type Store struct {
	p atomic.Pointer[model.Catalog]
}

func NewStore(c *model.Catalog) *Store {
	s := &Store{}
	if c == nil {
		c = model.NewCatalog("", time.Time{}, nil)
	}
	s.p.Store(c)
	return s
}

// Load never returns nil.
func (s *Store) Load() *model.Catalog { return s.p.Load() }

// Swap installs c and returns the previous catalog.
func (s *Store) Swap(c *model.Catalog) *model.Catalog {
	if c == nil {
		c = model.NewCatalog("", time.Time{}, nil)
	}
	return s.p.Swap(c)
}
