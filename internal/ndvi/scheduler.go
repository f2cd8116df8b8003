package ndvi

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/verdelis/server/internal/raster"
)

// Config contains scheduler configuration.
type Config struct {
	Workers    int // bounded worker pool size (default 4)
	MaxRetries int // per-chunk retries before downgrading to nodata (default 2)
	TileSize   int // chunk edge length in pixels (default 256)
}

// Stats holds aggregate NDVI statistics over valid pixels.
type Stats struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Result is the assembled output of a chunked NDVI computation.
type Result struct {
	Grid     []float64 `json:"grid"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	NoData   float64   `json:"nodata"`
	Stats    Stats     `json:"stats"`
	Degraded []string  `json:"degraded,omitempty"` // chunk ids downgraded to nodata
}

// Scheduler fans chunks out to a bounded worker pool and reassembles the
// per-chunk outputs into one grid. Each chunk writes only to its own
// disjoint region of the preallocated output, so the buffer itself needs
// no locking; the WaitGroup join is the only synchronization point.
type Scheduler struct {
	cfg Config

	// chunkFn computes one chunk. Replaceable in tests to inject
	// transient failures.
	chunkFn func(red, nir *raster.Band, c raster.Chunk, out []float64, outWidth int) error
}

// NewScheduler creates a scheduler with the given configuration.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	return &Scheduler{cfg: cfg, chunkFn: computeChunk}
}

// Compute runs the chunked NDVI computation. Already-dispatched chunks run
// to completion when ctx is cancelled; remaining chunks are not dispatched
// and ctx.Err() is returned.
func (s *Scheduler) Compute(ctx context.Context, red, nir *raster.Band) (*Result, error) {
	if err := raster.CheckAlignment(red, nir); err != nil {
		return nil, err
	}

	chunks, err := raster.PlanChunks(red.Width, red.Height, s.cfg.TileSize)
	if err != nil {
		return nil, err
	}

	out := make([]float64, red.Width*red.Height)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		degraded   []raster.Chunk
		degradedID []string
	)

	work := make(chan raster.Chunk)
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				if err := s.runChunk(red, nir, c, out); err != nil {
					mu.Lock()
					degraded = append(degraded, c)
					degradedID = append(degradedID, c.ID())
					mu.Unlock()
				}
			}
		}()
	}

	var cancelled error
dispatch:
	for _, c := range chunks {
		select {
		case <-ctx.Done():
			cancelled = ctx.Err()
			break dispatch
		case work <- c:
		}
	}
	close(work)
	wg.Wait()

	if cancelled != nil {
		return nil, cancelled
	}

	nodata := red.NoData
	for _, c := range degraded {
		fillRegion(out, red.Width, c, nodata)
	}
	sort.Strings(degradedID)

	res := &Result{
		Grid:     out,
		Width:    red.Width,
		Height:   red.Height,
		NoData:   nodata,
		Degraded: degradedID,
	}
	res.Stats = gridStats(out, nodata)
	return res, nil
}

// runChunk retries a transient chunk failure up to MaxRetries times.
func (s *Scheduler) runChunk(red, nir *raster.Band, c raster.Chunk, out []float64) error {
	var err error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		err = s.chunkFn(red, nir, c, out, red.Width)
		if err == nil {
			return nil
		}
		var ce *ChunkError
		if !errors.As(err, &ce) {
			return err
		}
	}
	return err
}

func fillRegion(out []float64, width int, c raster.Chunk, v float64) {
	for r := c.Row; r < c.Row+c.Height; r++ {
		row := out[r*width+c.Col : r*width+c.Col+c.Width]
		for i := range row {
			row[i] = v
		}
	}
}

// gridStats aggregates over pixels that were not downgraded to nodata.
func gridStats(grid []float64, nodata float64) Stats {
	var (
		sum   float64
		count int
		min   = 1.0
		max   = -1.0
	)
	for _, v := range grid {
		if v == nodata {
			continue
		}
		sum += v
		count++
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if count == 0 {
		return Stats{}
	}
	return Stats{Mean: sum / float64(count), Min: min, Max: max}
}
