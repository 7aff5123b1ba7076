package dsm

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// BlockMatcher is a winner-takes-all block matcher over a rectified pair
// with a left-right consistency check and parabolic sub-pixel refinement.
// Pixels where the rectified data is zero (outside the warped footprint)
// are never matched.
type BlockMatcher struct {
	Config MatchingConfig
}

// ComputeDisparity implements DisparityEstimator
func (b *BlockMatcher) ComputeDisparity(in DisparityInput) (*DisparityMap, error) {
	if !(in.DispMin < in.DispMax) {
		return nil, geometryErrorf("degenerate disparity range [%g, %g]", in.DispMin, in.DispMax)
	}
	cost, err := costFunc(in.Algorithm)
	if err != nil {
		return nil, err
	}
	left, err := LoadImageRaster(in.Rect1)
	if err != nil {
		return nil, err
	}
	right, err := LoadImageRaster(in.Rect2)
	if err != nil {
		return nil, err
	}
	if left.Width != right.Width || left.Height != right.Height {
		return nil, geometryErrorf("rectified pair size mismatch: %dx%d vs %dx%d",
			left.Width, left.Height, right.Width, right.Height)
	}

	disp, mask := b.Match(left, right, cost, int(math.Floor(in.DispMin)), int(math.Ceil(in.DispMax)))
	if err := SaveRaster(in.DispPath, disp); err != nil {
		return nil, err
	}
	if err := SaveMask(in.MaskPath, mask); err != nil {
		return nil, err
	}
	return &DisparityMap{Disparity: in.DispPath, Mask: in.MaskPath}, nil
}

// matchCost scores a window pair; lower is better. ok is false when the
// windows cannot be compared.
type matchCost func(a *Raster, ax, ay int, b *Raster, bx, by, radius int) (float64, bool)

func costFunc(algorithm string) (matchCost, error) {
	switch algorithm {
	case AlgorithmNCC, "":
		return func(a *Raster, ax, ay int, b *Raster, bx, by, radius int) (float64, bool) {
			s, ok := ncc(a, ax, ay, b, bx, by, radius)
			return -s, ok
		}, nil
	case AlgorithmSAD:
		return sad, nil
	default:
		return nil, configErrorf("unknown matching algorithm %q", algorithm)
	}
}

// Match computes left-to-right disparities in [dmin, dmax]. Rows are
// processed concurrently; the result does not depend on scheduling.
func (b *BlockMatcher) Match(left, right *Raster, cost matchCost, dmin, dmax int) (*Raster, *Mask) {
	w, h := left.Width, left.Height
	radius := b.Config.WindowRadius
	dl := make([]float64, w*h)
	dr := make([]float64, w*h)

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for y := 0; y < h; y++ {
		g.Go(func() error {
			for x := 0; x < w; x++ {
				dl[y*w+x] = bestDisparity(left, x, y, right, cost, dmin, dmax, radius)
				dr[y*w+x] = bestDisparity(right, x, y, left, cost, -dmax, -dmin, radius)
			}
			return nil
		})
	}
	_ = g.Wait()

	disp := NewNaNRaster(w, h)
	mask := NewMask(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d := dl[y*w+x]
			if math.IsNaN(d) {
				continue
			}
			x2 := int(math.Round(float64(x) + d))
			if x2 < 0 || x2 >= w {
				continue
			}
			back := dr[y*w+x2]
			if math.IsNaN(back) || math.Abs(d+back) > b.Config.ConsistencyTolerance {
				continue
			}
			disp.Set(x, y, float32(d))
			mask.Set(x, y, true)
		}
	}
	return disp, mask
}

// bestDisparity returns the sub-pixel disparity minimising cost for the
// pixel (x, y) of a, searched in b, or NaN when nothing matches
func bestDisparity(a *Raster, x, y int, b *Raster, cost matchCost, dmin, dmax, radius int) float64 {
	if a.At(x, y) == 0 {
		return math.NaN()
	}
	n := dmax - dmin + 1
	costs := make([]float64, n)
	best := -1
	for i := 0; i < n; i++ {
		c, ok := cost(a, x, y, b, x+dmin+i, y, radius)
		if !ok {
			costs[i] = math.Inf(1)
			continue
		}
		costs[i] = c
		if best < 0 || c < costs[best] {
			best = i
		}
	}
	if best < 0 {
		return math.NaN()
	}

	d := float64(dmin + best)
	if best > 0 && best < n-1 && !math.IsInf(costs[best-1], 1) && !math.IsInf(costs[best+1], 1) {
		c0, c1, c2 := costs[best-1], costs[best], costs[best+1]
		denom := c0 - 2*c1 + c2
		if denom > 0 {
			d += 0.5 * (c0 - c2) / denom
		}
	}
	return d
}

// ncc is the normalised cross-correlation of two square windows
func ncc(a *Raster, ax, ay int, b *Raster, bx, by, radius int) (float64, bool) {
	if !windowInside(a, ax, ay, radius) || !windowInside(b, bx, by, radius) {
		return 0, false
	}
	var sa, sb, saa, sbb, sab float64
	n := 0.0
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			va := float64(a.Data[(ay+dy)*a.Width+ax+dx])
			vb := float64(b.Data[(by+dy)*b.Width+bx+dx])
			sa += va
			sb += vb
			saa += va * va
			sbb += vb * vb
			sab += va * vb
			n++
		}
	}
	cov := sab - sa*sb/n
	varA := saa - sa*sa/n
	varB := sbb - sb*sb/n
	if varA <= 1e-9 || varB <= 1e-9 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}

// sad is the mean absolute difference of two square windows. Windows
// touching no-data (zero) samples are rejected.
func sad(a *Raster, ax, ay int, b *Raster, bx, by, radius int) (float64, bool) {
	if !windowInside(a, ax, ay, radius) || !windowInside(b, bx, by, radius) {
		return 0, false
	}
	var s float64
	n := 0.0
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			va := a.Data[(ay+dy)*a.Width+ax+dx]
			vb := b.Data[(by+dy)*b.Width+bx+dx]
			if va == 0 || vb == 0 {
				return 0, false
			}
			s += math.Abs(float64(va - vb))
			n++
		}
	}
	return s / n, true
}

func windowInside(r *Raster, x, y, radius int) bool {
	return x-radius >= 0 && y-radius >= 0 && x+radius < r.Width && y+radius < r.Height
}
