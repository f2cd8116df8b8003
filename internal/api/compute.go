package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/verdelis/server/internal/raster"
	"github.com/verdelis/server/internal/service"
)

// computeRequest is the body for POST /compute/ndvi and /compute/ndvi/render.
// Bands arrive row-major; red and nir must share the declared shape.
type computeRequest struct {
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Red       []float64 `json:"red"`
	Nir       []float64 `json:"nir"`
	NoData    *float64  `json:"nodata,omitempty"`
	StatsOnly bool      `json:"stats_only,omitempty"`
}

type computeResponse struct {
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	NoData   float64      `json:"nodata"`
	Stats    statsPayload `json:"stats"`
	Degraded []string     `json:"degraded,omitempty"`
	Grid     []float64    `json:"grid,omitempty"`
}

type statsPayload struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// decodeComputeRequest parses and validates a band-pair request. The pixel
// cap bounds request memory before any allocation-heavy work starts.
func decodeComputeRequest(r *http.Request, maxPixels int) (*computeRequest, *raster.Band, *raster.Band, error) {
	var req computeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, nil, nil, badRequestError("invalid request body: " + err.Error())
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, nil, nil, badRequestError("width and height must be positive")
	}
	if maxPixels > 0 && req.Width*req.Height > maxPixels {
		return nil, nil, nil, badRequestError("grid exceeds the allowed pixel count")
	}
	if len(req.Red) != req.Width*req.Height || len(req.Nir) != req.Width*req.Height {
		return nil, nil, nil, badRequestError("band length does not match the declared shape")
	}

	nodata := raster.DefaultNoData
	if req.NoData != nil {
		nodata = *req.NoData
	}
	red := &raster.Band{Values: req.Red, Width: req.Width, Height: req.Height, NoData: nodata}
	nir := &raster.Band{Values: req.Nir, Width: req.Width, Height: req.Height, NoData: nodata}
	return &req, red, nir, nil
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequestError(msg string) error { return &requestError{msg: msg} }

// computeNDVIHandler serves POST /compute/ndvi.
func computeNDVIHandler(svc *service.ComputeService, maxPixels int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, red, nir, err := decodeComputeRequest(r, maxPixels)
		if err != nil {
			writeComputeError(w, err)
			return
		}

		res, err := svc.ComputeNDVI(r.Context(), tenantFrom(r), red, nir)
		if err != nil {
			writeComputeError(w, err)
			return
		}

		resp := computeResponse{
			Width:    res.Width,
			Height:   res.Height,
			NoData:   res.NoData,
			Stats:    statsPayload{Mean: res.Stats.Mean, Min: res.Stats.Min, Max: res.Stats.Max},
			Degraded: res.Degraded,
		}
		if !req.StatsOnly {
			resp.Grid = res.Grid
		}
		writeJSON(w, resp)
	}
}

// renderNDVIHandler serves POST /compute/ndvi/render?colormap=... with a
// color-mapped PNG of the computed grid.
func renderNDVIHandler(svc *service.ComputeService, maxPixels int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, red, nir, err := decodeComputeRequest(r, maxPixels)
		if err != nil {
			writeComputeError(w, err)
			return
		}

		data, res, err := svc.RenderNDVI(r.Context(), tenantFrom(r), red, nir, r.URL.Query().Get("colormap"))
		if err != nil {
			writeComputeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		if len(res.Degraded) > 0 {
			w.Header().Set("X-Degraded-Chunks", strings.Join(res.Degraded, ","))
		}
		w.Write(data)
	}
}

func writeComputeError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		writeError(w, http.StatusBadRequest, re.msg)
		return
	}
	writeDomainError(w, err)
}
