// Package ndvi computes the Normalized Difference Vegetation Index over
// paired red/near-infrared raster bands using chunked parallel workers.
package ndvi

import (
	"fmt"
	"math"

	"github.com/verdelis/server/internal/raster"
)

// ChunkError is a transient per-chunk failure. The scheduler retries the
// chunk and downgrades its region to nodata once retries are exhausted.
type ChunkError struct {
	Chunk raster.Chunk
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %s: %v", e.Chunk.ID(), e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// computeChunk computes NDVI for one chunk, writing into the chunk's own
// region of the full-size output grid. Pixels where red+nir == 0, or where
// either band carries its NoData sentinel, are defined as 0 rather than
// letting the division fabricate a vegetation value. Values are clamped
// to [-1, 1].
func computeChunk(red, nir *raster.Band, c raster.Chunk, out []float64, outWidth int) error {
	for r := c.Row; r < c.Row+c.Height; r++ {
		rowOff := r * outWidth
		for col := c.Col; col < c.Col+c.Width; col++ {
			rv := red.Values[rowOff+col]
			nv := nir.Values[rowOff+col]
			if math.IsNaN(rv) || math.IsInf(rv, 0) || math.IsNaN(nv) || math.IsInf(nv, 0) {
				return &ChunkError{Chunk: c, Err: fmt.Errorf("non-finite input at (%d,%d)", r, col)}
			}
			if rv == red.NoData || nv == nir.NoData {
				out[rowOff+col] = 0
				continue
			}
			out[rowOff+col] = pixelNDVI(rv, nv)
		}
	}
	return nil
}

// pixelNDVI computes a single clamped NDVI value with the zero-denominator
// guard.
func pixelNDVI(red, nir float64) float64 {
	sum := nir + red
	if sum == 0 {
		return 0
	}
	v := (nir - red) / sum
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
