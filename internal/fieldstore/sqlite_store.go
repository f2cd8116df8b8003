// Package fieldstore provides persistent storage for tenant field records using SQLite.
package fieldstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	_ "modernc.org/sqlite"
)

// Field is one tenant-owned field polygon. TenantID is set at creation and
// never updated afterwards.
type Field struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id"`
	Name      string      `json:"name"`
	Crop      string      `json:"crop,omitempty"`
	AreaHa    float64     `json:"area_ha"`
	Geometry  orb.Polygon `json:"-"`
	Centroid  orb.Point   `json:"centroid"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Filters narrows list and export queries.
type Filters struct {
	Crop      string
	MinAreaHa float64
	Search    string
}

// Key is the stable sort key used for pagination: (created_at, id).
type Key struct {
	CreatedAt time.Time
	ID        string
}

// Store provides persistent storage for fields using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if needed) the field database.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fields (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		crop TEXT DEFAULT '',
		area_ha REAL DEFAULT 0,
		geometry_json TEXT NOT NULL,
		centroid_lon REAL NOT NULL,
		centroid_lat REAL NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_fields_tenant_key ON fields(tenant_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_fields_tenant_crop ON fields(tenant_id, crop);
	`
	_, err := s.db.Exec(schema)
	return err
}

// liveTenantWhere is the predicate every read shares: tenant scoping plus
// soft-delete filtering. No query path may bypass it.
const liveTenantWhere = "tenant_id = ? AND deleted_at IS NULL"

// Create inserts a new field. Missing id, centroid and area are derived
// from the geometry.
func (s *Store) Create(f *Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.TenantID == "" {
		return fmt.Errorf("field requires a tenant_id")
	}
	if len(f.Geometry) == 0 {
		return fmt.Errorf("field requires a polygon geometry")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Centroid == (orb.Point{}) {
		f.Centroid, _ = planar.CentroidArea(f.Geometry)
	}
	if f.AreaHa == 0 {
		f.AreaHa = geo.Area(f.Geometry) / 10000
	}

	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	geomJSON, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal geometry: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO fields (id, tenant_id, name, crop, area_ha, geometry_json, centroid_lon, centroid_lat, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`,
		f.ID,
		f.TenantID,
		f.Name,
		f.Crop,
		f.AreaHa,
		string(geomJSON),
		f.Centroid.Lon(),
		f.Centroid.Lat(),
		f.CreatedAt.Format(time.RFC3339),
		f.UpdatedAt.Format(time.RFC3339),
	)
	return err
}

// Update rewrites a live field's mutable attributes. Tenant and created_at
// are immutable; centroid and area are re-derived from the new geometry and
// updated_at is bumped.
func (s *Store) Update(f *Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.TenantID == "" || f.ID == "" {
		return fmt.Errorf("update requires a tenant_id and an id")
	}
	if len(f.Geometry) == 0 {
		return fmt.Errorf("field requires a polygon geometry")
	}

	f.Centroid, _ = planar.CentroidArea(f.Geometry)
	f.AreaHa = geo.Area(f.Geometry) / 10000
	f.UpdatedAt = time.Now().UTC()

	geomJSON, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal geometry: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE fields SET name = ?, crop = ?, area_ha = ?, geometry_json = ?, centroid_lon = ?, centroid_lat = ?, updated_at = ?
		WHERE id = ? AND `+liveTenantWhere,
		f.Name,
		f.Crop,
		f.AreaHa,
		string(geomJSON),
		f.Centroid.Lon(),
		f.Centroid.Lat(),
		f.UpdatedAt.Format(time.RFC3339),
		f.ID,
		f.TenantID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("field %s not found for tenant %s", f.ID, f.TenantID)
	}
	return nil
}

// Get retrieves one live field scoped to the tenant. Returns nil when not found.
func (s *Store) Get(tenantID, id string) (*Field, error) {
	row := s.db.QueryRow(`
		SELECT id, tenant_id, name, crop, area_ha, geometry_json, centroid_lon, centroid_lat, created_at, updated_at
		FROM fields WHERE id = ? AND `+liveTenantWhere, id, tenantID)
	f, err := scanField(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// SoftDelete marks a field deleted without removing the row.
func (s *Store) SoftDelete(tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE fields SET deleted_at = ? WHERE id = ? AND `+liveTenantWhere,
		time.Now().UTC().Format(time.RFC3339), id, tenantID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("field %s not found for tenant %s", id, tenantID)
	}
	return nil
}

// List returns one offset page of live fields for the tenant, ordered by
// (created_at, id), plus the total match count.
func (s *Store) List(tenantID string, filters Filters, offset, limit int) ([]Field, int, error) {
	where, args := filterClause(tenantID, filters)

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM fields WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, tenant_id, name, crop, area_ha, geometry_json, centroid_lon, centroid_lat, created_at, updated_at
		FROM fields WHERE ` + where + `
		ORDER BY created_at, id
		LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	fields, err := scanFields(rows)
	return fields, total, err
}

// ListAfter returns up to limit live fields strictly after the given key in
// (created_at, id) order. A zero key starts from the beginning. Keyset
// pagination keeps export cursors monotonic even when rows are inserted or
// deleted between pages.
func (s *Store) ListAfter(tenantID string, filters Filters, after Key, limit int) ([]Field, error) {
	where, args := filterClause(tenantID, filters)

	if !after.CreatedAt.IsZero() || after.ID != "" {
		ts := after.CreatedAt.UTC().Format(time.RFC3339)
		where += " AND (created_at > ? OR (created_at = ? AND id > ?))"
		args = append(args, ts, ts, after.ID)
	}

	query := `
		SELECT id, tenant_id, name, crop, area_ha, geometry_json, centroid_lon, centroid_lat, created_at, updated_at
		FROM fields WHERE ` + where + `
		ORDER BY created_at, id
		LIMIT ?`
	rows, err := s.db.Query(query, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFields(rows)
}

// AllForTenant returns every live field for a tenant, used to build the
// in-memory spatial index.
func (s *Store) AllForTenant(tenantID string) ([]Field, error) {
	return s.ListAfter(tenantID, Filters{}, Key{}, -1)
}

// Tenants returns the distinct tenant ids present in the store.
func (s *Store) Tenants() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT tenant_id FROM fields WHERE deleted_at IS NULL ORDER BY tenant_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func filterClause(tenantID string, f Filters) (string, []interface{}) {
	where := liveTenantWhere
	args := []interface{}{tenantID}

	if f.Crop != "" {
		where += " AND crop = ?"
		args = append(args, f.Crop)
	}
	if f.MinAreaHa > 0 {
		where += " AND area_ha >= ?"
		args = append(args, f.MinAreaHa)
	}
	if f.Search != "" {
		where += ` AND name LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}
	return where, args
}

func escapeLike(s string) string {
	r := strings.NewReplacer("%", `\%`, "_", `\_`)
	return r.Replace(s)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanField(row rowScanner) (*Field, error) {
	var (
		f          Field
		geomJSON   string
		lon, lat   float64
		createdStr string
		updatedStr string
	)
	err := row.Scan(
		&f.ID,
		&f.TenantID,
		&f.Name,
		&f.Crop,
		&f.AreaHa,
		&geomJSON,
		&lon,
		&lat,
		&createdStr,
		&updatedStr,
	)
	if err != nil {
		return nil, err
	}

	g, err := geojson.UnmarshalGeometry([]byte(geomJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal geometry for field %s: %w", f.ID, err)
	}
	poly, ok := g.Geometry().(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("field %s geometry is %T, want polygon", f.ID, g.Geometry())
	}
	f.Geometry = poly
	f.Centroid = orb.Point{lon, lat}
	f.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	f.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return &f, nil
}

func scanFields(rows *sql.Rows) ([]Field, error) {
	var out []Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}
