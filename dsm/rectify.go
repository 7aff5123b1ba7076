package dsm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// rectifyGrid is the number of tie points per ROI side used to
	// estimate the epipolar geometry
	rectifyGrid = 5

	// disparityMargin widens the predicted disparity interval (pixels)
	disparityMargin = 2
)

// correspondence is a reference point and its secondary-image location at
// one ground height
type correspondence struct {
	p1, p2 Point
	height float64
}

// AffineRectifier approximates the epipolar geometry of a pair of RPC
// cameras over a small ROI by an affine one. Each image is rotated so its
// epipolar direction is horizontal, the secondary image's rows are aligned
// to the reference by a least-squares fit, and both are scaled by zoom.
type AffineRectifier struct {
	HeightRange HeightRange
}

// RectifyPair implements Rectifier
func (r *AffineRectifier) RectifyPair(in RectifyInput) (*RectifiedPair, error) {
	if err := ValidateZoom(in.Zoom); err != nil {
		return nil, err
	}
	rpc1, err := LoadRPC(in.Reference.RPC)
	if err != nil {
		return nil, err
	}
	rpc2, err := LoadRPC(in.Secondary.RPC)
	if err != nil {
		return nil, err
	}

	h1, h2, width, height, matches, err := r.estimate(rpc1, rpc2, in.ROI, in.Correction, in.Zoom)
	if err != nil {
		return nil, err
	}

	dmin, dmax := math.Inf(1), math.Inf(-1)
	for _, c := range matches {
		d := h2.Apply(c.p2).X - h1.Apply(c.p1).X
		dmin = math.Min(dmin, d)
		dmax = math.Max(dmax, d)
	}
	dmin = math.Floor(dmin) - disparityMargin
	dmax = math.Ceil(dmax) + disparityMargin
	if !(dmin < dmax) {
		return nil, geometryErrorf("degenerate disparity range [%g, %g]", dmin, dmax)
	}

	for _, job := range []struct {
		src string
		h   Homography
		out string
	}{
		{in.Reference.Image, h1, in.Out1},
		{in.Secondary.Image, h2, in.Out2},
	} {
		img, err := loadImage(job.src)
		if err != nil {
			return nil, err
		}
		warped, err := WarpImage(img, job.h, width, height)
		if err != nil {
			return nil, err
		}
		if err := SavePGM(job.out, warped); err != nil {
			return nil, err
		}
	}

	return &RectifiedPair{
		Rect1:   in.Out1,
		Rect2:   in.Out2,
		H1:      h1,
		H2:      h2,
		DispMin: dmin,
		DispMax: dmax,
	}, nil
}

// estimate computes the rectifying transforms and rectified grid size
func (r *AffineRectifier) estimate(rpc1, rpc2 *RPCModel, roi ROI, a Homography, zoom float64) (Homography, Homography, int, int, []correspondence, error) {
	fail := func(err error) (Homography, Homography, int, int, []correspondence, error) {
		return Homography{}, Homography{}, 0, 0, nil, err
	}

	aInv, err := a.Inverse()
	if err != nil {
		return fail(err)
	}

	hLo, hHi := r.HeightRange.Min, r.HeightRange.Max
	var matches []correspondence
	var dir1, dir2 Point
	for _, p1 := range gridPoints(roi, rectifyGrid) {
		qLo, err := rpc1.Transfer(rpc2, p1, hLo)
		if err != nil {
			return fail(err)
		}
		qHi, err := rpc1.Transfer(rpc2, p1, hHi)
		if err != nil {
			return fail(err)
		}
		// measured secondary coordinates: undo the pointing correction
		mLo, mHi := aInv.Apply(qLo), aInv.Apply(qHi)
		matches = append(matches,
			correspondence{p1: p1, p2: mLo, height: hLo},
			correspondence{p1: p1, p2: mHi, height: hHi},
		)
		dir2 = addUnit(dir2, Point{mHi.X - mLo.X, mHi.Y - mLo.Y})

		// reference-image epipolar line of the secondary point, oriented so
		// both images keep the same sense along the baseline
		qMid := Point{(qLo.X + qHi.X) / 2, (qLo.Y + qHi.Y) / 2}
		tLo, err := rpc2.Transfer(rpc1, qMid, hLo)
		if err != nil {
			return fail(err)
		}
		tHi, err := rpc2.Transfer(rpc1, qMid, hHi)
		if err != nil {
			return fail(err)
		}
		dir1 = addUnit(dir1, Point{tLo.X - tHi.X, tLo.Y - tHi.Y})
	}

	if math.Hypot(dir1.X, dir1.Y) < 1e-9 || math.Hypot(dir2.X, dir2.Y) < 1e-9 {
		return fail(geometryErrorf("no parallax between the two views: cannot build epipolar geometry"))
	}
	r1 := Rotation(-math.Atan2(dir1.Y, dir1.X))
	r2 := Rotation(-math.Atan2(dir2.Y, dir2.X))

	v, err := fitRowAlignment(matches, r1, r2)
	if err != nil {
		return fail(err)
	}

	// rectified frame origin at the ROI's bounding box in the reference
	minX, minY, maxX, maxY := bounds(r1.ApplyAll(roi.Corners()))
	t1 := Translation(-minX, -minY)

	// centre the secondary image's disparities on zero
	var shift float64
	for _, c := range matches {
		shift += v.Mul(r2).Apply(c.p2).X - r1.Apply(c.p1).X
	}
	shift /= float64(len(matches))
	t2 := Translation(-minX-math.Round(shift), -minY)

	s := Scale(zoom, zoom)
	h1 := s.Mul(t1).Mul(r1)
	h2 := s.Mul(t2).Mul(v).Mul(r2)

	// rounding noise in the rotation must not add a column
	width := int(math.Ceil((maxX-minX)*zoom - 1e-6))
	height := int(math.Ceil((maxY-minY)*zoom - 1e-6))
	if width <= 0 || height <= 0 {
		return fail(geometryErrorf("empty rectified grid %dx%d", width, height))
	}
	return h1, h2, width, height, matches, nil
}

// fitRowAlignment solves y1' = a x2' + b y2' + c in the least-squares sense,
// where primes are rotated coordinates, and returns the transform that
// applies it to the secondary image.
func fitRowAlignment(matches []correspondence, r1, r2 Homography) (Homography, error) {
	n := len(matches)
	if n < 3 {
		return Homography{}, geometryErrorf("need at least 3 correspondences for row alignment, got %d", n)
	}
	design := mat.NewDense(n, 3, nil)
	target := mat.NewVecDense(n, nil)
	for i, c := range matches {
		q := r2.Apply(c.p2)
		design.SetRow(i, []float64{q.X, q.Y, 1})
		target.SetVec(i, r1.Apply(c.p1).Y)
	}

	var coef mat.VecDense
	if err := coef.SolveVec(design, target); err != nil {
		return Homography{}, geometryErrorf("row alignment fit: %v", err)
	}
	a, b, c := coef.AtVec(0), coef.AtVec(1), coef.AtVec(2)
	if math.Abs(b) < 1e-6 {
		return Homography{}, geometryErrorf("row alignment fit collapsed (b=%g)", b)
	}
	return Homography{1, 0, 0, a, b, c, 0, 0, 1}, nil
}

// gridPoints returns n x n points spread over the ROI, corners included
func gridPoints(roi ROI, n int) []Point {
	pts := make([]Point, 0, n*n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			pts = append(pts, Point{
				X: float64(roi.X) + float64(roi.W)*float64(i)/float64(n-1),
				Y: float64(roi.Y) + float64(roi.H)*float64(j)/float64(n-1),
			})
		}
	}
	return pts
}

func addUnit(acc, v Point) Point {
	l := math.Hypot(v.X, v.Y)
	if l == 0 {
		return acc
	}
	return Point{acc.X + v.X/l, acc.Y + v.Y/l}
}

func bounds(points []Point) (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return
}
