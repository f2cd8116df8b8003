package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"

	"github.com/verdelis/server/internal/export"
	"github.com/verdelis/server/internal/fieldstore"
	"github.com/verdelis/server/internal/service"
	"github.com/verdelis/server/internal/spatial"
)

// listFieldsHandler serves GET /fields?page&page_size&crop&min_area&search.
func listFieldsHandler(svc *service.FieldService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r)

		page, err := queryInt(r, "page", 1)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		pageSize, err := queryInt(r, "page_size", 50)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		filters, err := queryFilters(r)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		result, err := svc.List(tenant, filters, page, pageSize)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, result)
	}
}

type nearbyResponse struct {
	Results []spatial.NearbyResult `json:"results"`
	Count   int                    `json:"count"`
}

// nearbyHandler serves GET /fields/nearby?lat&lon&distance&limit. Result
// caching lives in the field service, behind the quota guard.
func nearbyHandler(svc *service.FieldService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r)

		lat, err := requiredFloat(r, "lat")
		if err != nil {
			writeDomainError(w, err)
			return
		}
		lon, err := requiredFloat(r, "lon")
		if err != nil {
			writeDomainError(w, err)
			return
		}
		radius, err := requiredFloat(r, "distance")
		if err != nil {
			writeDomainError(w, err)
			return
		}
		limit, err := queryInt(r, "limit", 10)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		results, err := svc.Nearby(tenant, orb.Point{lon, lat}, radius, limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if results == nil {
			results = []spatial.NearbyResult{}
		}
		writeJSON(w, nearbyResponse{Results: results, Count: len(results)})
	}
}

// exportHandler serves GET /fields/export?format=geojson|csv as a streamed
// attachment. A cursor query parameter resumes an earlier export; pages are
// flushed to the client as they are serialized so memory stays bounded
// regardless of dataset size.
func exportHandler(svc *service.FieldService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r)

		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var resume *export.Cursor
		if token := r.URL.Query().Get("cursor"); token != "" {
			c, err := export.DecodeCursor(token)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			resume = &c
		}

		filters, err := queryFilters(r)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", `attachment; filename="fields.`+string(format)+`"`)

		var out io.Writer = w
		flush := func() {
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}

		var gz *gzip.Writer
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			gz = gzip.NewWriter(w)
			out = gz
			flush = func() {
				gz.Flush()
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}

		// Headers are committed once the first page is written; a failure
		// after that can only truncate the stream, never change the status.
		err = svc.Export(r.Context(), out, tenant, filters, format, resume, flush)
		if gz != nil {
			gz.Close()
		}
		if err != nil {
			writeDomainError(w, err)
		}
	}
}

func queryFilters(r *http.Request) (fieldstore.Filters, error) {
	minArea, _, err := queryFloat(r, "min_area")
	if err != nil {
		return fieldstore.Filters{}, err
	}
	return fieldstore.Filters{
		Crop:      r.URL.Query().Get("crop"),
		MinAreaHa: minArea,
		Search:    r.URL.Query().Get("search"),
	}, nil
}

func requiredFloat(r *http.Request, name string) (float64, error) {
	v, ok, err := queryFloat(r, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &spatial.PaginationError{Param: name, Msg: "required"}
	}
	return v, nil
}
