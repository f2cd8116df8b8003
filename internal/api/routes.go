// Package api provides HTTP handlers for the analytics server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/verdelis/server/internal/export"
	"github.com/verdelis/server/internal/quota"
	"github.com/verdelis/server/internal/raster"
	"github.com/verdelis/server/internal/service"
	"github.com/verdelis/server/internal/spatial"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Fields  *service.FieldService
	Compute *service.ComputeService

	CORSOrigins   []string
	MaxGridPixels int
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS: explicit allow-list only, never a wildcard.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID"},
		ExposedHeaders:   []string{"Retry-After", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Tenant-scoped routes. The verified tenant identity arrives from the
	// auth proxy; everything beyond this point trusts it.
	r.Group(func(r chi.Router) {
		r.Use(tenantMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5))
			r.Get("/fields", listFieldsHandler(cfg.Fields))
			r.Get("/fields/nearby", nearbyHandler(cfg.Fields))
			r.Post("/compute/ndvi", computeNDVIHandler(cfg.Compute, cfg.MaxGridPixels))
		})

		// Export does its own streaming compression.
		r.Get("/fields/export", exportHandler(cfg.Fields))
		r.Post("/compute/ndvi/render", renderNDVIHandler(cfg.Compute, cfg.MaxGridPixels))
	})

	return r
}

// Context key for the verified tenant identity.
type ctxKey string

const tenantKey ctxKey = "tenant"

// tenantMiddleware extracts the tenant id placed on the request by the
// auth layer. Requests without one are rejected; this service never
// authenticates on its own.
func tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			writeError(w, http.StatusUnauthorized, "missing tenant identity")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(r *http.Request) string {
	tenant, _ := r.Context().Value(tenantKey).(string)
	return tenant
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

// writeDomainError maps domain errors onto HTTP statuses in one place.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		pe *spatial.PaginationError
		le *quota.LimitError
	)
	switch {
	case errors.As(err, &pe):
		writeError(w, http.StatusBadRequest, pe.Error())
	case errors.Is(err, spatial.ErrInvalidGeometry):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, export.ErrBadCursor):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &le):
		w.Header().Set("Retry-After", strconv.Itoa(int(le.RetryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, le.Error())
	case errors.Is(err, spatial.ErrTenantIsolation):
		// Logged at the query layer as a security event.
		writeError(w, http.StatusForbidden, "request rejected")
	case errors.Is(err, raster.ErrRasterAlignment):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		log.Printf("[API] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

// queryInt parses an integer query parameter, returning def when absent.
// A malformed value is an error, not a fallback.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &spatial.PaginationError{Param: name, Msg: "not an integer: " + raw}
	}
	return v, nil
}

func queryFloat(r *http.Request, name string) (float64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, &spatial.PaginationError{Param: name, Msg: "not a number: " + raw}
	}
	return v, true, nil
}
