package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/paulmach/orb"

	"github.com/verdelis/server/internal/audit"
	"github.com/verdelis/server/internal/cache"
	"github.com/verdelis/server/internal/export"
	"github.com/verdelis/server/internal/fieldstore"
	"github.com/verdelis/server/internal/quota"
	"github.com/verdelis/server/internal/spatial"
)

// FieldServiceConfig contains field service configuration.
type FieldServiceConfig struct {
	Store    *fieldstore.Store
	Queries  *spatial.QueryService
	Exporter *export.Exporter
	Guard    *quota.Guard
	Audit    *audit.Sink
	Cache    *cache.Manager
}

// FieldService is the tenant-facing entry point for listing, proximity
// search and bulk export. Every operation passes the quota guard before
// touching the store or any cache; export and nearby invocations are
// audited fire-and-forget.
type FieldService struct {
	store    *fieldstore.Store
	queries  *spatial.QueryService
	exporter *export.Exporter
	guard    *quota.Guard
	audit    *audit.Sink
	cache    *cache.Manager
}

// NewFieldService creates a field service.
func NewFieldService(cfg FieldServiceConfig) *FieldService {
	return &FieldService{
		store:    cfg.Store,
		queries:  cfg.Queries,
		exporter: cfg.Exporter,
		guard:    cfg.Guard,
		audit:    cfg.Audit,
		cache:    cfg.Cache,
	}
}

// List returns one page of the tenant's fields. Operation class: standard.
func (s *FieldService) List(tenantID string, filters fieldstore.Filters, page, pageSize int) (*spatial.Page, error) {
	if err := s.guard.Allow(tenantID, quota.ClassStandard); err != nil {
		return nil, err
	}
	return s.queries.List(tenantID, filters, page, pageSize)
}

// Nearby returns the tenant's fields around a point, nearest first.
// Operation class: heavy. The quota counter and the audit trail see every
// attempt; the result cache only short-circuits the spatial query itself.
func (s *FieldService) Nearby(tenantID string, point orb.Point, radiusM float64, limit int) ([]spatial.NearbyResult, error) {
	if err := s.guard.Allow(tenantID, quota.ClassHeavy); err != nil {
		return nil, err
	}

	results, cached, err := s.nearby(tenantID, point, radiusM, limit)
	if err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.Record(tenantID, "nearby",
			fmt.Sprintf("lon=%.6f lat=%.6f radius=%.0f results=%d cached=%t",
				point.Lon(), point.Lat(), radiusM, len(results), cached))
	}
	return results, nil
}

func (s *FieldService) nearby(tenantID string, point orb.Point, radiusM float64, limit int) ([]spatial.NearbyResult, bool, error) {
	key := cache.NearbyKey(tenantID, point.Lon(), point.Lat(), radiusM, limit)
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			var results []spatial.NearbyResult
			if err := json.Unmarshal(data, &results); err == nil {
				return results, true, nil
			}
		}
	}

	results, err := s.queries.Nearby(tenantID, point, radiusM, limit)
	if err != nil {
		return nil, false, err
	}
	if s.cache != nil {
		if data, err := json.Marshal(results); err == nil {
			s.cache.SetQuery(key, data)
		}
	}
	return results, false, nil
}

// Export streams the tenant's fields into w. Operation class: export.
// flush, when non-nil, is invoked after every serialized page so HTTP
// responses go out incrementally.
func (s *FieldService) Export(ctx context.Context, w io.Writer, tenantID string, filters fieldstore.Filters, format export.Format, resume *export.Cursor, flush func()) error {
	if err := s.guard.Allow(tenantID, quota.ClassExport); err != nil {
		return err
	}

	exp := s.exporter
	if flush != nil {
		exp = exp.WithFlush(flush)
	}
	err := exp.Export(ctx, w, tenantID, filters, format, resume)

	if s.audit != nil {
		detail := fmt.Sprintf("format=%s", format)
		if err != nil {
			detail += " aborted"
		}
		s.audit.Record(tenantID, "export", detail)
	}
	return err
}

// RefreshIndex rebuilds the spatial index from the store and drops every
// cached nearby result, which may predate the rebuild.
func (s *FieldService) RefreshIndex() error {
	if err := s.queries.RebuildIndex(); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.PurgeQueries()
	}
	return nil
}
