package raster

import (
	"fmt"
)

// Chunk describes one tile of a raster. Offsets are in pixels from the
// top-left corner; boundary chunks are clipped, so Width/Height may be
// smaller than the planned tile size.
type Chunk struct {
	Row    int
	Col    int
	Width  int
	Height int
}

// ID returns a stable identifier for the chunk within its plan.
func (c Chunk) ID() string {
	return fmt.Sprintf("%d:%d", c.Row, c.Col)
}

// PlanChunks partitions a width x height raster into tiles of at most
// tile x tile pixels. The returned chunks are ordered row-major, do not
// overlap, and cover the raster exactly.
func PlanChunks(width, height, tile int) ([]Chunk, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid raster shape %dx%d", width, height)
	}
	if tile <= 0 {
		return nil, fmt.Errorf("invalid tile size %d", tile)
	}

	rows := (height + tile - 1) / tile
	cols := (width + tile - 1) / tile
	chunks := make([]Chunk, 0, rows*cols)

	for row := 0; row < height; row += tile {
		h := tile
		if row+h > height {
			h = height - row
		}
		for col := 0; col < width; col += tile {
			w := tile
			if col+w > width {
				w = width - col
			}
			chunks = append(chunks, Chunk{Row: row, Col: col, Width: w, Height: h})
		}
	}

	if err := validatePlan(chunks, width, height); err != nil {
		return nil, err
	}
	return chunks, nil
}

// validatePlan asserts the partition invariant: every pixel is covered by
// exactly one chunk.
func validatePlan(chunks []Chunk, width, height int) error {
	covered := 0
	for _, c := range chunks {
		if c.Row < 0 || c.Col < 0 || c.Row+c.Height > height || c.Col+c.Width > width {
			return fmt.Errorf("chunk %s exceeds raster bounds %dx%d", c.ID(), width, height)
		}
		if c.Width <= 0 || c.Height <= 0 {
			return fmt.Errorf("chunk %s has empty extent", c.ID())
		}
		covered += c.Width * c.Height
	}
	if covered != width*height {
		return fmt.Errorf("chunk plan covers %d pixels, raster has %d", covered, width*height)
	}
	return nil
}
