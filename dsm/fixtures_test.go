package dsm

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// linearRPC returns a camera whose projection is affine: one pixel per
// 1e-4 degree, north up, and parallax pixels of column shift per metre
// of height.
func linearRPC(parallax float64) *RPCModel {
	m := &RPCModel{
		LineOff: 500, SampOff: 500, LatOff: 45, LonOff: 5, HeightOff: 0,
		LineScale: 500, SampScale: 500, LatScale: 0.05, LonScale: 0.05, HeightScale: 500,
	}
	m.SampNum[1] = 1
	m.SampNum[3] = parallax
	m.SampDen[0] = 1
	m.LineNum[2] = -1
	m.LineDen[0] = 1
	return m
}

func writeRPC(t *testing.T, path string, m *RPCModel) {
	t.Helper()
	data, err := m.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

// texture returns a deterministic noisy image with no zero samples
func texture(w, h int, seed int64) *image.Gray16 {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(1000 + rng.Intn(60000))})
		}
	}
	return img
}

// writeDataset lays out a dataset under root with one textured image and
// one camera model per id. Camera i gets a parallax of 0.1*(i-1).
func writeDataset(t *testing.T, root, dataset string, size int, ids ...int) {
	t.Helper()
	imgDir := filepath.Join(root, "images", dataset)
	require.NoError(t, os.MkdirAll(imgDir, 0755))
	for _, id := range ids {
		require.NoError(t, SaveTIFF(filepath.Join(imgDir, fmt.Sprintf("im%02d.tif", id)), texture(size, size, int64(id))))
		writeRPC(t, filepath.Join(root, "rpc", dataset, fmt.Sprintf("rpc%02d.xml", id)), linearRPC(0.1*float64(id-1)))
	}
}

func constRaster(w, h int, v float32) *Raster {
	r := NewRaster(w, h)
	for i := range r.Data {
		r.Data[i] = v
	}
	return r
}

func fullMask(w, h int) *Mask {
	m := NewMask(w, h)
	for i := range m.Valid {
		m.Valid[i] = true
	}
	return m
}
