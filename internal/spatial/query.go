package spatial

import (
	"fmt"
	"log"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/verdelis/server/internal/fieldstore"
)

// FieldSource is the persistent store the query service reads from.
type FieldSource interface {
	List(tenantID string, filters fieldstore.Filters, offset, limit int) ([]fieldstore.Field, int, error)
	ListAfter(tenantID string, filters fieldstore.Filters, after fieldstore.Key, limit int) ([]fieldstore.Field, error)
	AllForTenant(tenantID string) ([]fieldstore.Field, error)
	Tenants() ([]string, error)
}

// Limits caps query parameters. Out-of-range values are rejected, not clamped.
type Limits struct {
	MaxPageSize    int
	MaxRadiusM     float64
	MaxNearbyLimit int
}

// DefaultLimits mirrors the server's configured maxima.
func DefaultLimits() Limits {
	return Limits{MaxPageSize: 500, MaxRadiusM: 50000, MaxNearbyLimit: 100}
}

// Page is one page of a tenant's field listing.
type Page struct {
	Fields   []fieldstore.Field `json:"fields"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Total    int                `json:"total"`
}

// NearbyResult pairs a field with its distance from the query point.
type NearbyResult struct {
	Field     fieldstore.Field `json:"field"`
	DistanceM float64          `json:"distance_m"`
}

// QueryService answers tenant-scoped list and proximity queries.
type QueryService struct {
	store  FieldSource
	index  *Index
	limits Limits
}

// NewQueryService builds a query service over a store and a spatial index.
func NewQueryService(store FieldSource, index *Index, limits Limits) *QueryService {
	if limits.MaxPageSize <= 0 {
		limits.MaxPageSize = DefaultLimits().MaxPageSize
	}
	if limits.MaxRadiusM <= 0 {
		limits.MaxRadiusM = DefaultLimits().MaxRadiusM
	}
	if limits.MaxNearbyLimit <= 0 {
		limits.MaxNearbyLimit = DefaultLimits().MaxNearbyLimit
	}
	return &QueryService{store: store, index: index, limits: limits}
}

// RebuildIndex loads every tenant's live fields into the spatial index.
func (q *QueryService) RebuildIndex() error {
	tenants, err := q.store.Tenants()
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	for _, tenant := range tenants {
		fields, err := q.store.AllForTenant(tenant)
		if err != nil {
			return fmt.Errorf("failed to load fields for tenant %s: %w", tenant, err)
		}
		q.index.RefreshTenant(tenant, fields)
	}
	return nil
}

// List returns one page of the tenant's fields in stable (created_at, id)
// order.
func (q *QueryService) List(tenantID string, filters fieldstore.Filters, page, pageSize int) (*Page, error) {
	if page < 1 {
		return nil, errPagination("page", "must be >= 1, got %d", page)
	}
	if pageSize < 1 || pageSize > q.limits.MaxPageSize {
		return nil, errPagination("page_size", "must be in [1, %d], got %d", q.limits.MaxPageSize, pageSize)
	}

	fields, total, err := q.store.List(tenantID, filters, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	if err := q.assertTenant(tenantID, fields); err != nil {
		return nil, err
	}
	return &Page{Fields: fields, Page: page, PageSize: pageSize, Total: total}, nil
}

// Nearby returns the tenant's fields within radiusM meters of point,
// ascending by distance, capped at limit.
func (q *QueryService) Nearby(tenantID string, point orb.Point, radiusM float64, limit int) ([]NearbyResult, error) {
	if point.Lon() < -180 || point.Lon() > 180 || point.Lat() < -90 || point.Lat() > 90 {
		return nil, fmt.Errorf("%w: point (%v, %v) out of range", ErrInvalidGeometry, point.Lon(), point.Lat())
	}
	if radiusM <= 0 || radiusM > q.limits.MaxRadiusM {
		return nil, errPagination("distance", "must be in (0, %v] meters, got %v", q.limits.MaxRadiusM, radiusM)
	}
	if limit < 1 || limit > q.limits.MaxNearbyLimit {
		return nil, errPagination("limit", "must be in [1, %d], got %d", q.limits.MaxNearbyLimit, limit)
	}

	bound := geo.NewBoundAroundPoint(point, radiusM)
	candidates := q.index.candidates(tenantID, bound)

	results := make([]NearbyResult, 0, len(candidates))
	for _, f := range candidates {
		d := geo.DistanceHaversine(point, f.Centroid)
		if d <= radiusM {
			results = append(results, NearbyResult{Field: f, DistanceM: d})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].DistanceM != results[j].DistanceM {
			return results[i].DistanceM < results[j].DistanceM
		}
		return results[i].Field.ID < results[j].Field.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	fields := make([]fieldstore.Field, len(results))
	for i := range results {
		fields[i] = results[i].Field
	}
	if err := q.assertTenant(tenantID, fields); err != nil {
		return nil, err
	}
	return results, nil
}

// assertTenant is the last line of defense on every read path. The store
// predicates and per-tenant trees already scope results; a mismatch here
// means an internal bug and is surfaced as a security failure rather than
// filtered away.
func (q *QueryService) assertTenant(tenantID string, fields []fieldstore.Field) error {
	for _, f := range fields {
		if f.TenantID != tenantID {
			log.Printf("[SECURITY] query for tenant %s produced field %s owned by %s", tenantID, f.ID, f.TenantID)
			return fmt.Errorf("%w: field %s", ErrTenantIsolation, f.ID)
		}
	}
	return nil
}
