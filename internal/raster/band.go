// Package raster provides in-memory raster bands and chunked access to them.
package raster

import (
	"errors"
	"fmt"
)

// ErrRasterAlignment indicates that two bands that must be processed together
// do not share the same shape. This is a fatal input error.
var ErrRasterAlignment = errors.New("raster bands are not aligned")

// DefaultNoData is the sentinel used when a band does not declare its own.
const DefaultNoData = -9999.0

// Band is a single spectral band stored row-major.
type Band struct {
	Values []float64
	Width  int
	Height int
	NoData float64
}

// NewBand allocates a zero-filled band of the given shape.
func NewBand(width, height int) *Band {
	return &Band{
		Values: make([]float64, width*height),
		Width:  width,
		Height: height,
		NoData: DefaultNoData,
	}
}

// At returns the value at (row, col). No bounds checking beyond the slice's own.
func (b *Band) At(row, col int) float64 {
	return b.Values[row*b.Width+col]
}

// Set writes the value at (row, col).
func (b *Band) Set(row, col int, v float64) {
	b.Values[row*b.Width+col] = v
}

// Validate checks that the declared shape matches the backing slice.
func (b *Band) Validate() error {
	if b == nil {
		return fmt.Errorf("nil band")
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("invalid band shape %dx%d", b.Width, b.Height)
	}
	if len(b.Values) != b.Width*b.Height {
		return fmt.Errorf("band has %d values, shape %dx%d needs %d",
			len(b.Values), b.Width, b.Height, b.Width*b.Height)
	}
	return nil
}

// CheckAlignment verifies that the red and nir bands share one shape.
func CheckAlignment(red, nir *Band) error {
	if err := red.Validate(); err != nil {
		return fmt.Errorf("red band: %w", err)
	}
	if err := nir.Validate(); err != nil {
		return fmt.Errorf("nir band: %w", err)
	}
	if red.Width != nir.Width || red.Height != nir.Height {
		return fmt.Errorf("%w: red %dx%d vs nir %dx%d",
			ErrRasterAlignment, red.Width, red.Height, nir.Width, nir.Height)
	}
	return nil
}
