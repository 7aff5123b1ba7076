package dsm

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shiftedPair returns a textured left image and a right image in which
// every left pixel reappears shift columns further right
func shiftedPair(w, h, shift int) (*Raster, *Raster) {
	left := RasterFromImage(texture(w, h, 11))
	fill := RasterFromImage(texture(w, h, 12))
	right := NewRaster(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x-shift >= 0 {
				right.Set(x, y, left.At(x-shift, y))
			} else {
				right.Set(x, y, fill.At(x, y))
			}
		}
	}
	return left, right
}

func TestNCC(t *testing.T) {
	a := RasterFromImage(texture(9, 9, 1))
	s, ok := ncc(a, 4, 4, a, 4, 4, 2)
	require.True(t, ok)
	assert.InDelta(t, 1.0, s, 1e-9)

	flat := constRaster(9, 9, 10)
	_, ok = ncc(a, 4, 4, flat, 4, 4, 2)
	assert.False(t, ok, "a flat window has no correlation")

	_, ok = ncc(a, 1, 4, a, 4, 4, 2)
	assert.False(t, ok, "window past the border")
}

func TestSAD(t *testing.T) {
	a := constRaster(5, 5, 10)
	b := constRaster(5, 5, 13)
	s, ok := sad(a, 2, 2, b, 2, 2, 1)
	require.True(t, ok)
	assert.InDelta(t, 3.0, s, 1e-9)

	b.Set(2, 1, 0)
	_, ok = sad(a, 2, 2, b, 2, 2, 1)
	assert.False(t, ok, "no-data samples are never compared")
}

func TestBlockMatcher_RecoversShift(t *testing.T) {
	const w, h, shift, radius = 40, 20, 3, 2
	left, right := shiftedPair(w, h, shift)

	for _, algo := range []string{AlgorithmNCC, AlgorithmSAD} {
		t.Run(algo, func(t *testing.T) {
			cost, err := costFunc(algo)
			require.NoError(t, err)
			m := &BlockMatcher{Config: MatchingConfig{WindowRadius: radius, ConsistencyTolerance: 1}}
			disp, mask := m.Match(left, right, cost, 0, 6)

			// every pixel whose true match window is inside both images
			for y := radius; y < h-radius; y++ {
				for x := radius; x+shift+radius < w; x++ {
					require.True(t, mask.At(x, y), "(%d,%d) should match", x, y)
					assert.InDelta(t, shift, disp.At(x, y), 0.5, "(%d,%d)", x, y)
				}
			}
			for i, v := range mask.Valid {
				assert.Equal(t, v, !math.IsNaN(float64(disp.Data[i])), "mask and disparity disagree at %d", i)
			}
		})
	}
}

func TestBlockMatcher_ZeroPixelsNeverMatch(t *testing.T) {
	left, right := shiftedPair(20, 12, 2)
	left.Set(8, 6, 0)
	cost, err := costFunc(AlgorithmNCC)
	require.NoError(t, err)

	disp, mask := (&BlockMatcher{Config: MatchingConfig{WindowRadius: 2, ConsistencyTolerance: 1}}).Match(left, right, cost, 0, 4)
	assert.False(t, mask.At(8, 6))
	assert.True(t, isNaN32(disp.At(8, 6)))
}

// ----------------------------------------------------------------------------
// ComputeDisparity
// ----------------------------------------------------------------------------

func TestBlockMatcher_ComputeDisparity(t *testing.T) {
	dir := t.TempDir()
	left, right := shiftedPair(32, 16, 2)
	rect1 := filepath.Join(dir, RectRefFile)
	rect2 := filepath.Join(dir, RectSecFile)
	require.NoError(t, SavePGM(rect1, left.Gray16()))
	require.NoError(t, SavePGM(rect2, right.Gray16()))

	m := &BlockMatcher{Config: MatchingConfig{WindowRadius: 2, ConsistencyTolerance: 1}}
	in := DisparityInput{
		Rect1: rect1, Rect2: rect2, Algorithm: AlgorithmNCC,
		DispMin: -0.5, DispMax: 4.2,
		DispPath: filepath.Join(dir, DisparityFile), MaskPath: filepath.Join(dir, MaskFile),
	}
	out, err := m.ComputeDisparity(in)
	require.NoError(t, err)

	disp, err := LoadRaster(out.Disparity)
	require.NoError(t, err)
	mask, err := LoadMask(out.Mask)
	require.NoError(t, err)
	assert.Equal(t, 32, disp.Width)
	assert.Equal(t, mask.Count(), disp.ValidCount())
	assert.InDelta(t, 2, disp.At(10, 8), 0.5)
}

func TestBlockMatcher_ComputeDisparityErrors(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.pgm")
	big := filepath.Join(dir, "big.pgm")
	require.NoError(t, SavePGM(small, texture(8, 8, 1)))
	require.NoError(t, SavePGM(big, texture(9, 8, 2)))

	m := &BlockMatcher{Config: MatchingConfig{WindowRadius: 1, ConsistencyTolerance: 1}}
	base := DisparityInput{Rect1: small, Rect2: small, Algorithm: AlgorithmNCC, DispMin: 0, DispMax: 2,
		DispPath: filepath.Join(dir, "d.cbor"), MaskPath: filepath.Join(dir, "m.png")}

	in := base
	in.DispMax = 0
	_, err := m.ComputeDisparity(in)
	assert.ErrorIs(t, err, ErrGeometry)

	in = base
	in.Algorithm = "census"
	_, err = m.ComputeDisparity(in)
	assert.ErrorIs(t, err, ErrConfig)

	in = base
	in.Rect2 = big
	_, err = m.ComputeDisparity(in)
	assert.ErrorIs(t, err, ErrGeometry)

	in = base
	in.Rect1 = filepath.Join(dir, "none.pgm")
	_, err = m.ComputeDisparity(in)
	assert.ErrorIs(t, err, ErrIO)
}
