package spatial

import (
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"

	"github.com/verdelis/server/internal/fieldstore"
)

var worldBound = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// entry adapts a field centroid to the quadtree's Pointer interface.
type entry struct {
	field fieldstore.Field
}

func (e *entry) Point() orb.Point {
	return e.field.Centroid
}

// Index holds one quadtree per tenant. Keeping tenants in separate trees
// makes cross-tenant results impossible by construction: a query can only
// ever see the tree belonging to its own tenant. Reads are lock-free apart
// from an RWMutex read lock; rebuilds swap whole trees.
type Index struct {
	mu    sync.RWMutex
	trees map[string]*quadtree.Quadtree
}

// NewIndex creates an empty spatial index.
func NewIndex() *Index {
	return &Index{trees: make(map[string]*quadtree.Quadtree)}
}

// RefreshTenant replaces the tenant's tree with one built from the given
// fields. Fields whose centroid falls outside the world bound are skipped.
func (ix *Index) RefreshTenant(tenantID string, fields []fieldstore.Field) {
	qt := quadtree.New(worldBound)
	for i := range fields {
		// quadtree.Add only fails for points outside the bound
		_ = qt.Add(&entry{field: fields[i]})
	}

	ix.mu.Lock()
	ix.trees[tenantID] = qt
	ix.mu.Unlock()
}

// candidates returns the tenant's fields whose centroid lies inside bound.
// The result is empty when the tenant has no tree yet.
func (ix *Index) candidates(tenantID string, bound orb.Bound) []fieldstore.Field {
	ix.mu.RLock()
	qt := ix.trees[tenantID]
	ix.mu.RUnlock()

	if qt == nil {
		return nil
	}

	ptrs := qt.InBound(nil, bound)
	out := make([]fieldstore.Field, 0, len(ptrs))
	for _, p := range ptrs {
		out = append(out, p.(*entry).field)
	}
	return out
}

// TenantCount returns the number of indexed fields for a tenant.
func (ix *Index) TenantCount(tenantID string) int {
	return len(ix.candidates(tenantID, worldBound))
}
