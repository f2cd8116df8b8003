// Package render turns NDVI grids into PNG images using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/verdelis/server/internal/ndvi"
	"github.com/verdelis/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	DefaultColormap string
	Scale           int // output pixels per grid cell (default 1)
}

// Renderer renders NDVI results as color-mapped PNGs.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
	colormaps  map[string]colormap.Colormap
}

// NewRenderer creates an NDVI renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.Scale <= 0 {
		cfg.Scale = 1
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "vegetation"
	}

	r := &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
		colormaps: make(map[string]colormap.Colormap),
	}

	r.colormaps["vegetation"] = colormap.Vegetation
	r.colormaps["viridis"] = colormap.Viridis
	r.colormaps["grayscale"] = colormap.Grayscale

	return r
}

// HasColormap reports whether name is a known colormap.
func (r *Renderer) HasColormap(name string) bool {
	_, ok := r.colormaps[name]
	return ok
}

// Render draws the result grid with the named colormap. NDVI values span
// [-1, 1] and are mapped linearly onto the ramp; nodata pixels (degraded
// chunks) are left fully transparent.
func (r *Renderer) Render(res *ndvi.Result, colormapName string) ([]byte, error) {
	if res.Width <= 0 || res.Height <= 0 || len(res.Grid) != res.Width*res.Height {
		return nil, fmt.Errorf("render: result grid shape %dx%d does not match %d values",
			res.Width, res.Height, len(res.Grid))
	}

	cmap, ok := r.colormaps[colormapName]
	if !ok {
		cmap = r.colormaps[r.config.DefaultColormap]
	}

	scale := r.config.Scale
	dc := gg.NewContext(res.Width*scale, res.Height*scale)

	for row := 0; row < res.Height; row++ {
		for col := 0; col < res.Width; col++ {
			v := res.Grid[row*res.Width+col]
			if v == res.NoData {
				continue // transparent
			}
			dc.SetColor(cmap.At((v + 1) / 2))
			if scale == 1 {
				dc.SetPixel(col, row)
			} else {
				dc.DrawRectangle(float64(col*scale), float64(row*scale), float64(scale), float64(scale))
				dc.Fill()
			}
		}
	}

	return r.encodeContext(dc)
}

func (r *Renderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
