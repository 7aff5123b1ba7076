package dsm

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"os"
)

// ThresholdFuser keeps a pixel when both height maps define it and they
// agree within the threshold; the fused value is their mean. Every other
// pixel is undefined.
type ThresholdFuser struct{}

// Merge implements Fuser
func (ThresholdFuser) Merge(in FusionInput) (string, error) {
	for _, p := range []string{in.Left, in.Right} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", ioError(p, fmt.Errorf("height map missing: %w", err))
			}
			return "", ioError(p, err)
		}
	}
	left, err := LoadRaster(in.Left)
	if err != nil {
		return "", err
	}
	right, err := LoadRaster(in.Right)
	if err != nil {
		return "", err
	}

	merged, err := FuseHeights(left, right, in.Threshold)
	if err != nil {
		return "", err
	}
	if err := SaveRaster(in.Out, merged); err != nil {
		return "", err
	}
	log.Printf("fusion: %d of %d pixels agree within %.2f m",
		merged.ValidCount(), len(merged.Data), in.Threshold)
	return in.Out, nil
}

// FuseHeights merges two co-registered height rasters
func FuseHeights(left, right *Raster, threshold float64) (*Raster, error) {
	if left.Width != right.Width || left.Height != right.Height {
		return nil, geometryErrorf("height maps differ in size: %dx%d vs %dx%d",
			left.Width, left.Height, right.Width, right.Height)
	}
	if threshold < 0 || math.IsNaN(threshold) {
		return nil, configErrorf("fusion threshold must be non-negative, got %g", threshold)
	}
	out := NewNaNRaster(left.Width, left.Height)
	for i := range left.Data {
		a, b := float64(left.Data[i]), float64(right.Data[i])
		if !finite(a) || !finite(b) {
			continue
		}
		if math.Abs(a-b) <= threshold {
			out.Data[i] = float32((a + b) / 2)
		}
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
