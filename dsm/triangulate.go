package dsm

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const (
	// triangulationIterations bounds the secant search along a ray
	triangulationIterations = 8

	// triangulationTolerance is the height step (metres) that ends the search
	triangulationTolerance = 1e-3
)

// RayTriangulator recovers heights on the rectified grid. For every valid
// disparity the reference ray is walked in height until its projection in
// the secondary image reaches the corrected secondary measurement. The
// distance left between the two is the RPC error.
type RayTriangulator struct {
	HeightRange HeightRange
}

// ComputeHeightMap implements Triangulator
func (t *RayTriangulator) ComputeHeightMap(in TriangulationInput) (*HeightMap, error) {
	rpc1, err := LoadRPC(in.RPC1)
	if err != nil {
		return nil, err
	}
	rpc2, err := LoadRPC(in.RPC2)
	if err != nil {
		return nil, err
	}
	disp, err := LoadRaster(in.Disparity)
	if err != nil {
		return nil, err
	}
	mask, err := LoadMask(in.Mask)
	if err != nil {
		return nil, err
	}
	if mask.Width != disp.Width || mask.Height != disp.Height {
		return nil, geometryErrorf("mask %dx%d does not match disparity %dx%d",
			mask.Width, mask.Height, disp.Width, disp.Height)
	}

	h1Inv, err := in.H1.Inverse()
	if err != nil {
		return nil, err
	}
	h2Inv, err := in.H2.Inverse()
	if err != nil {
		return nil, err
	}

	height := NewNaNRaster(disp.Width, disp.Height)
	residual := NewNaNRaster(disp.Width, disp.Height)

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for y := 0; y < disp.Height; y++ {
		g.Go(func() error {
			for x := 0; x < disp.Width; x++ {
				d := disp.At(x, y)
				if !mask.At(x, y) || math.IsNaN(float64(d)) {
					continue
				}
				p1 := h1Inv.Apply(Point{float64(x), float64(y)})
				p2 := in.Correction.Apply(h2Inv.Apply(Point{float64(x) + float64(d), float64(y)}))
				h, e, ok := t.Intersect(rpc1, rpc2, p1, p2)
				if !ok {
					continue
				}
				height.Set(x, y, float32(h))
				residual.Set(x, y, float32(e))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := SaveRaster(in.HeightPath, height); err != nil {
		return nil, err
	}
	if err := SaveRaster(in.ErrorPath, residual); err != nil {
		return nil, err
	}
	return &HeightMap{Height: in.HeightPath, Error: in.ErrorPath}, nil
}

// Intersect finds the height at which the reference ray through p1
// projects closest to p2 in the secondary image. It returns the height and
// the remaining distance in pixels.
func (t *RayTriangulator) Intersect(rpc1, rpc2 *RPCModel, p1, p2 Point) (float64, float64, bool) {
	lo, hi := t.HeightRange.Min, t.HeightRange.Max
	qLo, err := rpc1.Transfer(rpc2, p1, lo)
	if err != nil {
		return 0, 0, false
	}
	qHi, err := rpc1.Transfer(rpc2, p1, hi)
	if err != nil {
		return 0, 0, false
	}
	ux, uy := qHi.X-qLo.X, qHi.Y-qLo.Y
	l := math.Hypot(ux, uy)
	if l < 1e-12 {
		return 0, 0, false
	}
	ux, uy = ux/l, uy/l

	// signed offset of the ray's projection past p2 along the epipolar line
	along := func(q Point) float64 { return (q.X-p2.X)*ux + (q.Y-p2.Y)*uy }

	h0, f0 := lo, along(qLo)
	h1, f1 := hi, along(qHi)
	q := qHi
	for i := 0; i < triangulationIterations; i++ {
		if f1 == f0 {
			break
		}
		h := h1 - f1*(h1-h0)/(f1-f0)
		next, err := rpc1.Transfer(rpc2, p1, h)
		if err != nil {
			return 0, 0, false
		}
		h0, f0 = h1, f1
		h1, f1 = h, along(next)
		q = next
		if math.Abs(h1-h0) < triangulationTolerance {
			break
		}
	}
	if math.IsNaN(h1) || math.IsInf(h1, 0) {
		return 0, 0, false
	}
	return h1, Distance(q, p2), true
}
