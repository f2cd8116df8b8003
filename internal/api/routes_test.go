package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/verdelis/server/internal/audit"
	"github.com/verdelis/server/internal/cache"
	"github.com/verdelis/server/internal/export"
	"github.com/verdelis/server/internal/fieldstore"
	"github.com/verdelis/server/internal/ndvi"
	"github.com/verdelis/server/internal/quota"
	"github.com/verdelis/server/internal/render"
	"github.com/verdelis/server/internal/service"
	"github.com/verdelis/server/internal/spatial"
)

type testServer struct {
	router http.Handler
	store  *fieldstore.Store
	fields *service.FieldService
}

func setupTestServer(t *testing.T, quotaCfg quota.Config) *testServer {
	t.Helper()

	dir := t.TempDir()
	store, err := fieldstore.NewStore(filepath.Join(dir, "fields.db"))
	if err != nil {
		t.Fatalf("Failed to initialize field store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sink, err := audit.NewSink(filepath.Join(dir, "audit.db"), 64)
	if err != nil {
		t.Fatalf("Failed to initialize audit sink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: 16,
		ImageTTL:         1 * time.Minute,
		QueryCacheSize:   10,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	queries := spatial.NewQueryService(store, spatial.NewIndex(), spatial.Limits{})
	exporter := export.New(store, 10)
	guard := quota.NewGuard(quotaCfg)

	fields := service.NewFieldService(service.FieldServiceConfig{
		Store:    store,
		Queries:  queries,
		Exporter: exporter,
		Guard:    guard,
		Audit:    sink,
		Cache:    cacheManager,
	})

	compute := service.NewComputeService(service.ComputeServiceConfig{
		Scheduler: ndvi.NewScheduler(ndvi.Config{Workers: 2, TileSize: 8}),
		Renderer:  render.NewRenderer(render.Config{}),
		Cache:     cacheManager,
		Guard:     guard,
	})

	router := NewRouter(RouterConfig{
		Fields:        fields,
		Compute:       compute,
		CORSOrigins:   []string{"http://localhost:3000"},
		MaxGridPixels: 1 << 20,
	})

	return &testServer{router: router, store: store, fields: fields}
}

func (ts *testServer) seedField(t *testing.T, tenant, name string, lon, lat float64, createdAt time.Time) fieldstore.Field {
	t.Helper()
	d := 0.0005
	f := fieldstore.Field{
		TenantID: tenant,
		Name:     name,
		Crop:     "wheat",
		Geometry: orb.Polygon{orb.Ring{
			{lon - d, lat - d}, {lon + d, lat - d}, {lon + d, lat + d}, {lon - d, lat + d}, {lon - d, lat - d},
		}},
		CreatedAt: createdAt,
	}
	if err := ts.store.Create(&f); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return f
}

func (ts *testServer) do(t *testing.T, method, target, tenant string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestMissingTenantRejected(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())

	for _, target := range []string{"/fields", "/fields/nearby", "/fields/export"} {
		rec := ts.do(t, http.MethodGet, target, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401 without tenant header, got %d", target, rec.Code)
		}
	}
}

func TestHealthNeedsNoTenant(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListFieldsPaging(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		ts.seedField(t, "t1", "field", 5.0+float64(i)*0.01, 48.0, base.Add(time.Duration(i)*time.Minute))
	}
	ts.seedField(t, "t2", "other", 5.0, 48.0, base)

	rec := ts.do(t, http.MethodGet, "/fields?page=2&page_size=5", "t1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var page spatial.Page
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if page.Total != 7 {
		t.Errorf("expected total 7, got %d", page.Total)
	}
	if len(page.Fields) != 2 {
		t.Errorf("expected 2 fields on page 2, got %d", len(page.Fields))
	}
	for _, f := range page.Fields {
		if f.TenantID != "t1" {
			t.Errorf("field %s belongs to tenant %s", f.ID, f.TenantID)
		}
	}
}

func TestListFieldsBadPageParam(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())
	rec := ts.do(t, http.MethodGet, "/fields?page=abc", "t1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed page, got %d", rec.Code)
	}
}

func TestNearbyTenantIsolation(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())
	now := time.Now().UTC()

	// Tenant A's field is farther away than tenant B's, but a request as
	// tenant A must only ever see A's.
	mine := ts.seedField(t, "tenant-a", "a-field", 5.0, 48.003, now)
	ts.seedField(t, "tenant-b", "b-field", 5.0, 48.001, now)
	if err := ts.fields.RefreshIndex(); err != nil {
		t.Fatalf("RefreshIndex failed: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/fields/nearby?lon=5.0&lat=48.0&distance=5000&limit=10", "tenant-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Results []spatial.NearbyResult `json:"results"`
		Count   int                    `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if payload.Count != 1 || len(payload.Results) != 1 {
		t.Fatalf("expected exactly one result, got %d", payload.Count)
	}
	if payload.Results[0].Field.ID != mine.ID {
		t.Errorf("got field %s, want %s", payload.Results[0].Field.ID, mine.ID)
	}
}

func TestNearbyValidation(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())

	cases := []struct {
		name   string
		target string
	}{
		{"missing lat", "/fields/nearby?lon=5.0&distance=1000"},
		{"missing distance", "/fields/nearby?lon=5.0&lat=48.0"},
		{"lat out of range", "/fields/nearby?lon=5.0&lat=123.0&distance=1000"},
		{"negative distance", "/fields/nearby?lon=5.0&lat=48.0&distance=-5"},
		{"malformed lon", "/fields/nearby?lon=xyz&lat=48.0&distance=1000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tc.target, "t1", nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestExportGeoJSONStream(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		ts.seedField(t, "t1", "field", 5.0+float64(i)*0.001, 48.0, base.Add(time.Duration(i)*time.Second))
	}

	rec := ts.do(t, http.MethodGet, "/fields/export?format=geojson", "t1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "fields.geojson") {
		t.Errorf("unexpected content disposition %q", cd)
	}

	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &fc); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if fc.Type != "FeatureCollection" {
		t.Errorf("unexpected type %q", fc.Type)
	}
	if len(fc.Features) != 25 {
		t.Errorf("expected 25 features, got %d", len(fc.Features))
	}
}

func TestExportCSV(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts.seedField(t, "t1", "field", 5.0, 48.0, base.Add(time.Duration(i)*time.Second))
	}

	rec := ts.do(t, http.MethodGet, "/fields/export?format=csv", "t1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,name,crop") {
		t.Errorf("unexpected header %q", lines[0])
	}
}

func TestExportGzipWhenAccepted(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())
	ts.seedField(t, "t1", "field", 5.0, 48.0, time.Now().UTC())

	req := httptest.NewRequest(http.MethodGet, "/fields/export?format=csv", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if enc := rec.Header().Get("Content-Encoding"); enc != "gzip" {
		t.Errorf("expected gzip encoding, got %q", enc)
	}
}

func TestExportBadFormatAndCursor(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())

	rec := ts.do(t, http.MethodGet, "/fields/export?format=xml", "t1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported format, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/fields/export?format=csv&cursor=not-a-cursor", "t1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed cursor, got %d", rec.Code)
	}
}

func TestQuotaExceededReturns429(t *testing.T) {
	ts := setupTestServer(t, quota.Config{Window: time.Minute, Standard: 60, Heavy: 10, Export: 1})
	ts.seedField(t, "t1", "field", 5.0, 48.0, time.Now().UTC())

	rec := ts.do(t, http.MethodGet, "/fields/export?format=csv", "t1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first export: expected 200, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/fields/export?format=csv", "t1", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second export: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response is missing Retry-After")
	}

	// Another tenant is unaffected.
	rec = ts.do(t, http.MethodGet, "/fields/export?format=csv", "t2", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("other tenant: expected 200, got %d", rec.Code)
	}
}

func TestNearbyCacheHitsStillMetered(t *testing.T) {
	// Identical repeated requests are served from the query cache, but each
	// attempt still draws from the heavy budget.
	ts := setupTestServer(t, quota.Config{Window: time.Minute, Standard: 60, Heavy: 2, Export: 5})
	ts.seedField(t, "t1", "field", 5.0, 48.001, time.Now().UTC())
	if err := ts.fields.RefreshIndex(); err != nil {
		t.Fatalf("RefreshIndex failed: %v", err)
	}

	target := "/fields/nearby?lon=5.0&lat=48.0&distance=5000&limit=10"
	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodGet, target, "t1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}
	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodGet, target, "t1", nil)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: expected 429 once the budget is spent, got %d", i+3, rec.Code)
		}
	}
}

func TestComputeDrawsFromHeavyBudget(t *testing.T) {
	ts := setupTestServer(t, quota.Config{Window: time.Minute, Standard: 60, Heavy: 1, Export: 5})

	body, _ := json.Marshal(computeRequest{
		Width:  2,
		Height: 1,
		Red:    []float64{0.2, 0.5},
		Nir:    []float64{0.6, 0.5},
	})
	rec := ts.do(t, http.MethodPost, "/compute/ndvi", "t1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("first compute: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/compute/ndvi", "t1", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second compute: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response is missing Retry-After")
	}

	rec = ts.do(t, http.MethodPost, "/compute/ndvi/render", "t1", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("render shares the heavy budget: expected 429, got %d", rec.Code)
	}
}

func TestComputeNDVIEndpoint(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())

	body, _ := json.Marshal(computeRequest{
		Width:  2,
		Height: 1,
		Red:    []float64{0.2, 0.5},
		Nir:    []float64{0.6, 0.5},
	})
	rec := ts.do(t, http.MethodPost, "/compute/ndvi", "t1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp computeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if len(resp.Grid) != 2 {
		t.Fatalf("expected 2 grid values, got %d", len(resp.Grid))
	}
	if got, want := resp.Grid[0], 0.5; got != want {
		t.Errorf("grid[0] = %v, want %v", got, want)
	}
	if got := resp.Grid[1]; got != 0 {
		t.Errorf("grid[1] = %v, want 0", got)
	}
}

func TestComputeNDVIStatsOnly(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())

	body, _ := json.Marshal(computeRequest{
		Width:     2,
		Height:    2,
		Red:       []float64{0.2, 0.2, 0.2, 0.2},
		Nir:       []float64{0.6, 0.6, 0.6, 0.6},
		StatsOnly: true,
	})
	rec := ts.do(t, http.MethodPost, "/compute/ndvi", "t1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp computeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if resp.Grid != nil {
		t.Error("stats_only response should omit the grid")
	}
	if got, want := resp.Stats.Mean, 0.5; got != want {
		t.Errorf("mean = %v, want %v", got, want)
	}
}

func TestComputeNDVIBadRequests(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", "{not json"},
		{"zero shape", `{"width":0,"height":4,"red":[],"nir":[]}`},
		{"length mismatch", `{"width":2,"height":2,"red":[1,2,3],"nir":[1,2,3,4]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/compute/ndvi", "t1", []byte(tc.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestComputeNDVIPixelCap(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())

	body, _ := json.Marshal(computeRequest{Width: 4096, Height: 4096})
	rec := ts.do(t, http.MethodPost, "/compute/ndvi", "t1", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized grid, got %d", rec.Code)
	}
}

func TestRenderNDVIEndpoint(t *testing.T) {
	ts := setupTestServer(t, quota.DefaultConfig())

	body, _ := json.Marshal(computeRequest{
		Width:  2,
		Height: 2,
		Red:    []float64{0.2, 0.2, 0.2, 0.2},
		Nir:    []float64{0.6, 0.6, 0.6, 0.6},
	})
	rec := ts.do(t, http.MethodPost, "/compute/ndvi/render", "t1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("unexpected content type %q", ct)
	}
	// PNG signature.
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte{0x89, 'P', 'N', 'G'}) {
		t.Error("response body is not a PNG")
	}
}
