package dsm

import (
	"path/filepath"
	"strings"
)

// GridResampler transfers rasters from the rectified grid back onto the
// crop+zoom grid of the reference image. Target pixel (i, j) sits at
// full-resolution reference position origin + (i+0.5)/zoom - 0.5, which H1
// carries into the rectified grid.
type GridResampler struct{}

// TransferMap implements Resampler
func (GridResampler) TransferMap(in TransferInput) (string, error) {
	if err := ValidateZoom(in.Zoom); err != nil {
		return "", err
	}
	w, h, err := imageSize(in.TargetGrid)
	if err != nil {
		return "", ioError(in.TargetGrid, err)
	}
	src, err := LoadGrid(in.Source)
	if err != nil {
		return "", err
	}

	out := ResampleToGrid(src, in.H1, in.Origin, in.Zoom, w, h, in.Nearest)
	if err := SaveGrid(in.Out, out); err != nil {
		return "", err
	}
	return in.Out, nil
}

// ResampleToGrid builds a width x height raster on the reference crop+zoom
// grid by sampling src, which lives on the rectified grid of h1
func ResampleToGrid(src *Raster, h1 Homography, origin Point, zoom float64, width, height int, nearest bool) *Raster {
	out := NewNaNRaster(width, height)
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			ref := Point{
				X: origin.X + (float64(i)+0.5)/zoom - 0.5,
				Y: origin.Y + (float64(j)+0.5)/zoom - 0.5,
			}
			q := h1.Apply(ref)
			if nearest {
				out.Set(i, j, src.Nearest(q.X, q.Y))
			} else {
				out.Set(i, j, src.Bilinear(q.X, q.Y))
			}
		}
	}
	return out
}

// LoadGrid reads a raster artifact: PNG masks as 0/1 samples, anything
// else as a CBOR float raster
func LoadGrid(path string) (*Raster, error) {
	if isPNG(path) {
		m, err := LoadMask(path)
		if err != nil {
			return nil, err
		}
		return m.Raster(), nil
	}
	return LoadRaster(path)
}

// SaveGrid is the inverse of LoadGrid
func SaveGrid(path string, r *Raster) error {
	if isPNG(path) {
		return SaveMask(path, MaskFromRaster(r))
	}
	return SaveRaster(path, r)
}

func isPNG(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".png")
}
