// Package service provides business logic for the analytics server.
package service

import (
	"context"

	"github.com/verdelis/server/internal/cache"
	"github.com/verdelis/server/internal/ndvi"
	"github.com/verdelis/server/internal/quota"
	"github.com/verdelis/server/internal/raster"
	"github.com/verdelis/server/internal/render"
)

// ComputeServiceConfig contains compute service configuration.
type ComputeServiceConfig struct {
	Scheduler *ndvi.Scheduler
	Renderer  *render.Renderer
	Cache     *cache.Manager
	Guard     *quota.Guard
}

// ComputeService runs chunked NDVI computations over band pairs supplied
// by the external imagery service. Compute requests draw from the heavy
// operation budget.
type ComputeService struct {
	scheduler *ndvi.Scheduler
	renderer  *render.Renderer
	cache     *cache.Manager
	guard     *quota.Guard
}

// NewComputeService creates a compute service.
func NewComputeService(cfg ComputeServiceConfig) *ComputeService {
	return &ComputeService{
		scheduler: cfg.Scheduler,
		renderer:  cfg.Renderer,
		cache:     cfg.Cache,
		guard:     cfg.Guard,
	}
}

// ComputeNDVI computes the vegetation index for one red/nir band pair.
func (s *ComputeService) ComputeNDVI(ctx context.Context, tenantID string, red, nir *raster.Band) (*ndvi.Result, error) {
	if err := s.guard.Allow(tenantID, quota.ClassHeavy); err != nil {
		return nil, err
	}
	return s.scheduler.Compute(ctx, red, nir)
}

// RenderNDVI computes NDVI and renders the grid as a PNG. Rendered images
// are cached by grid content, so identical band pairs hit the cache.
func (s *ComputeService) RenderNDVI(ctx context.Context, tenantID string, red, nir *raster.Band, colormapName string) ([]byte, *ndvi.Result, error) {
	if err := s.guard.Allow(tenantID, quota.ClassHeavy); err != nil {
		return nil, nil, err
	}
	res, err := s.scheduler.Compute(ctx, red, nir)
	if err != nil {
		return nil, nil, err
	}

	key := cache.RenderKey(res.Grid, res.Width, res.Height, colormapName)
	if s.cache != nil {
		if data, ok := s.cache.GetImage(key); ok {
			return data, res, nil
		}
	}

	data, err := s.renderer.Render(res, colormapName)
	if err != nil {
		return nil, nil, err
	}
	if s.cache != nil {
		_ = s.cache.SetImage(key, data)
	}
	return data, res, nil
}
