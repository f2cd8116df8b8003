package ndvi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/verdelis/server/internal/raster"
)

func randomBands(t *testing.T, width, height int, seed int64) (*raster.Band, *raster.Band) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	red := raster.NewBand(width, height)
	nir := raster.NewBand(width, height)
	for i := range red.Values {
		red.Values[i] = rng.Float64() * 10000
		nir.Values[i] = rng.Float64() * 10000
	}
	return red, nir
}

// singlePass computes the reference result without any chunking.
func singlePass(red, nir *raster.Band) []float64 {
	out := make([]float64, len(red.Values))
	for i := range out {
		out[i] = pixelNDVI(red.Values[i], nir.Values[i])
	}
	return out
}

func TestPixelNDVI_ZeroDenominator(t *testing.T) {
	if got := pixelNDVI(0, 0); got != 0 {
		t.Errorf("pixelNDVI(0, 0) = %v, want 0", got)
	}
	if got := pixelNDVI(5, -5); got != 0 {
		t.Errorf("pixelNDVI(5, -5) = %v, want 0", got)
	}
}

func TestPixelNDVI_Clamped(t *testing.T) {
	// Negative reflectances from sensor noise can push the ratio outside
	// [-1, 1]; the kernel clamps.
	if got := pixelNDVI(-1, 3); got != 1 {
		t.Errorf("pixelNDVI(-1, 3) = %v, want clamp to 1", got)
	}
	if got := pixelNDVI(3, -1); got != -1 {
		t.Errorf("pixelNDVI(3, -1) = %v, want clamp to -1", got)
	}
}

func TestCompute_NoDataInputIsZero(t *testing.T) {
	// A sentinel in either band must not reach the ratio: -9999 against a
	// valid reflectance would clamp to a fake ±1.
	red := raster.NewBand(4, 4)
	nir := raster.NewBand(4, 4)
	for i := range red.Values {
		red.Values[i] = 0.2
		nir.Values[i] = 0.6
	}
	red.Values[5] = red.NoData
	nir.Values[10] = nir.NoData

	res, err := NewScheduler(Config{Workers: 2, TileSize: 2}).Compute(context.Background(), red, nir)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if res.Grid[5] != 0 {
		t.Errorf("pixel with nodata red = %v, want 0", res.Grid[5])
	}
	if res.Grid[10] != 0 {
		t.Errorf("pixel with nodata nir = %v, want 0", res.Grid[10])
	}
	if res.Grid[0] != 0.5 {
		t.Errorf("valid pixel = %v, want 0.5", res.Grid[0])
	}
	if len(res.Degraded) != 0 {
		t.Errorf("nodata input must not degrade chunks, got %v", res.Degraded)
	}
}

func TestCompute_AllZeroBands(t *testing.T) {
	red := raster.NewBand(64, 48)
	nir := raster.NewBand(64, 48)

	res, err := NewScheduler(Config{Workers: 4, TileSize: 16}).Compute(context.Background(), red, nir)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	for i, v := range res.Grid {
		if v != 0 {
			t.Fatalf("pixel %d = %v, want 0", i, v)
		}
	}
	if res.Stats.Mean != 0 || res.Stats.Min != 0 || res.Stats.Max != 0 {
		t.Errorf("unexpected stats for all-zero bands: %+v", res.Stats)
	}
}

func TestCompute_ChunkedMatchesSinglePass(t *testing.T) {
	red, nir := randomBands(t, 250, 130, 7)
	want := singlePass(red, nir)

	for _, tile := range []int{1, 7, 64, 100, 256, 1024} {
		t.Run(fmt.Sprintf("tile=%d", tile), func(t *testing.T) {
			s := NewScheduler(Config{Workers: 8, TileSize: tile})
			res, err := s.Compute(context.Background(), red, nir)
			if err != nil {
				t.Fatalf("Compute failed: %v", err)
			}
			if len(res.Degraded) != 0 {
				t.Fatalf("unexpected degraded chunks: %v", res.Degraded)
			}
			for i := range want {
				if res.Grid[i] != want[i] {
					t.Fatalf("pixel %d differs: chunked %v vs single-pass %v", i, res.Grid[i], want[i])
				}
			}
		})
	}
}

func TestCompute_ValuesInRange(t *testing.T) {
	red, nir := randomBands(t, 120, 90, 11)
	res, err := NewScheduler(Config{Workers: 4, TileSize: 32}).Compute(context.Background(), red, nir)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	for i, v := range res.Grid {
		if v < -1 || v > 1 {
			t.Fatalf("pixel %d = %v outside [-1, 1]", i, v)
		}
	}
	if res.Stats.Min < -1 || res.Stats.Max > 1 {
		t.Errorf("stats outside [-1, 1]: %+v", res.Stats)
	}
}

func TestCompute_AlignmentError(t *testing.T) {
	red := raster.NewBand(10, 10)
	nir := raster.NewBand(12, 10)
	_, err := NewScheduler(Config{}).Compute(context.Background(), red, nir)
	if !errors.Is(err, raster.ErrRasterAlignment) {
		t.Fatalf("expected alignment error, got %v", err)
	}
}

func TestCompute_TransientFailureRetries(t *testing.T) {
	red, nir := randomBands(t, 64, 64, 3)
	want := singlePass(red, nir)

	s := NewScheduler(Config{Workers: 2, MaxRetries: 2, TileSize: 32})

	// Fail the first attempt on one chunk, succeed on retry.
	var mu sync.Mutex
	failed := false
	inner := s.chunkFn
	s.chunkFn = func(r, n *raster.Band, c raster.Chunk, out []float64, w int) error {
		mu.Lock()
		fail := c.ID() == "32:32" && !failed
		if fail {
			failed = true
		}
		mu.Unlock()
		if fail {
			return &ChunkError{Chunk: c, Err: errors.New("transient read error")}
		}
		return inner(r, n, c, out, w)
	}

	res, err := s.Compute(context.Background(), red, nir)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if len(res.Degraded) != 0 {
		t.Fatalf("retried chunk should not be degraded, got %v", res.Degraded)
	}
	for i := range want {
		if res.Grid[i] != want[i] {
			t.Fatalf("pixel %d differs after retry", i)
		}
	}
}

func TestCompute_ExhaustedRetriesDowngradesChunk(t *testing.T) {
	red, nir := randomBands(t, 64, 64, 5)

	s := NewScheduler(Config{Workers: 2, MaxRetries: 1, TileSize: 32})
	inner := s.chunkFn
	s.chunkFn = func(r, n *raster.Band, c raster.Chunk, out []float64, w int) error {
		if c.ID() == "0:32" {
			return &ChunkError{Chunk: c, Err: errors.New("persistent read error")}
		}
		return inner(r, n, c, out, w)
	}

	res, err := s.Compute(context.Background(), red, nir)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != "0:32" {
		t.Fatalf("expected degraded [0:32], got %v", res.Degraded)
	}

	// The degraded region is nodata; everything else is valid.
	for r := 0; r < 32; r++ {
		for c := 32; c < 64; c++ {
			if v := res.Grid[r*64+c]; v != res.NoData {
				t.Fatalf("degraded pixel (%d,%d) = %v, want nodata", r, c, v)
			}
		}
	}
	if v := res.Grid[33*64+33]; v == res.NoData {
		t.Error("pixel outside degraded chunk was overwritten with nodata")
	}
	if res.Stats.Min < -1 || res.Stats.Max > 1 {
		t.Errorf("stats should exclude nodata pixels: %+v", res.Stats)
	}
}

func TestCompute_Cancellation(t *testing.T) {
	red, nir := randomBands(t, 512, 512, 9)

	ctx, cancel := context.WithCancel(context.Background())

	s := NewScheduler(Config{Workers: 1, TileSize: 32})
	inner := s.chunkFn
	var once sync.Once
	s.chunkFn = func(r, n *raster.Band, c raster.Chunk, out []float64, w int) error {
		once.Do(cancel) // cancel after the first chunk starts
		return inner(r, n, c, out, w)
	}

	_, err := s.Compute(ctx, red, nir)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCompute_NonFiniteInputDowngrades(t *testing.T) {
	red, nir := randomBands(t, 64, 64, 13)
	nir.Values[5*64+40] = inf()

	res, err := NewScheduler(Config{Workers: 4, MaxRetries: 1, TileSize: 32}).
		Compute(context.Background(), red, nir)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != "0:32" {
		t.Fatalf("expected degraded [0:32], got %v", res.Degraded)
	}
}

func inf() float64 {
	return math.Inf(1)
}
