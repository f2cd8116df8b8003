package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/verdelis/server/internal/fieldstore"
)

// Format selects the export serialization.
type Format string

const (
	FormatGeoJSON Format = "geojson"
	FormatCSV     Format = "csv"
)

// ParseFormat validates a format query parameter.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatGeoJSON, FormatCSV:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/geo+json"
}

// Pager fetches keyset pages from the field store.
type Pager interface {
	ListAfter(tenantID string, filters fieldstore.Filters, after fieldstore.Key, limit int) ([]fieldstore.Field, error)
}

// Exporter streams a tenant's fields page by page. The export reflects the
// live record set: there is no snapshot isolation, so rows mutated while an
// export is running may be included or skipped depending on their position
// relative to the cursor. The keyset cursor guarantees no duplicates and,
// absent concurrent mutation, no omissions.
type Exporter struct {
	pager    Pager
	pageSize int

	// flush is called after each page when streaming over HTTP; nil is fine.
	flush func()
}

// New creates an exporter with the given fixed page size (default 100).
func New(pager Pager, pageSize int) *Exporter {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Exporter{pager: pager, pageSize: pageSize}
}

// WithFlush returns a copy of the exporter that calls fn after every page.
func (e *Exporter) WithFlush(fn func()) *Exporter {
	cp := *e
	cp.flush = fn
	return &cp
}

// Export streams every live field visible to the tenant into w. A non-zero
// resume cursor continues a previous export. Cancellation of ctx stops the
// export after the in-flight page; no further pages are fetched.
func (e *Exporter) Export(ctx context.Context, w io.Writer, tenantID string, filters fieldstore.Filters, format Format, resume *Cursor) error {
	cur := Cursor{TenantID: tenantID, PageSize: e.pageSize}
	if resume != nil {
		if resume.TenantID != tenantID {
			return fmt.Errorf("%w: cursor belongs to a different tenant", ErrBadCursor)
		}
		cur = *resume
		// The token's page size is advisory at best and forged at worst;
		// the server's fixed page size is what keeps memory bounded.
		cur.PageSize = e.pageSize
	}

	switch format {
	case FormatCSV:
		return e.exportCSV(ctx, w, filters, cur)
	default:
		return e.exportGeoJSON(ctx, w, filters, cur)
	}
}

// pages invokes fn for each keyset page until the set is exhausted or ctx
// is cancelled.
func (e *Exporter) pages(ctx context.Context, filters fieldstore.Filters, cur Cursor, fn func([]fieldstore.Field) error) error {
	after := fieldstore.Key{CreatedAt: cur.LastCreatedAt, ID: cur.LastID}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.pager.ListAfter(cur.TenantID, filters, after, cur.PageSize)
		if err != nil {
			return fmt.Errorf("page fetch after %s: %w", after.ID, err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if e.flush != nil {
			e.flush()
		}
		last := page[len(page)-1]
		after = fieldstore.Key{CreatedAt: last.CreatedAt, ID: last.ID}
		if len(page) < cur.PageSize {
			return nil
		}
	}
}

func (e *Exporter) exportGeoJSON(ctx context.Context, w io.Writer, filters fieldstore.Filters, cur Cursor) error {
	if _, err := io.WriteString(w, `{"type":"FeatureCollection","features":[`); err != nil {
		return err
	}

	first := true
	err := e.pages(ctx, filters, cur, func(page []fieldstore.Field) error {
		for i := range page {
			b, err := json.Marshal(fieldFeature(&page[i]))
			if err != nil {
				return fmt.Errorf("marshal feature %s: %w", page[i].ID, err)
			}
			if !first {
				if _, err := w.Write([]byte{','}); err != nil {
					return err
				}
			}
			first = false
			if _, err := w.Write(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	_, err = io.WriteString(w, "]}")
	return err
}

func fieldFeature(f *fieldstore.Field) *geojson.Feature {
	feat := geojson.NewFeature(f.Geometry)
	feat.ID = f.ID
	feat.Properties = geojson.Properties{
		"id":         f.ID,
		"name":       f.Name,
		"crop":       f.Crop,
		"area_ha":    f.AreaHa,
		"created_at": f.CreatedAt.Format(time.RFC3339),
	}
	return feat
}

var csvHeader = []string{"id", "name", "crop", "area_ha", "centroid_lon", "centroid_lat", "created_at"}

func (e *Exporter) exportCSV(ctx context.Context, w io.Writer, filters fieldstore.Filters, cur Cursor) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	err := e.pages(ctx, filters, cur, func(page []fieldstore.Field) error {
		for i := range page {
			f := &page[i]
			rec := []string{
				f.ID,
				f.Name,
				f.Crop,
				strconv.FormatFloat(f.AreaHa, 'f', 4, 64),
				strconv.FormatFloat(f.Centroid.Lon(), 'f', 6, 64),
				strconv.FormatFloat(f.Centroid.Lat(), 'f', 6, 64),
				f.CreatedAt.Format(time.RFC3339),
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}
