package dsm

import (
	"image"
	"log"
	"math"
	"sort"
)

// minTiePointScore is the lowest NCC score accepted for a tie point
const minTiePointScore = 0.7

// TiePointCorrector estimates the pointing error between two acquisitions.
// Tie points on a regular grid in the reference ROI are searched for along
// their epipolar segment in the secondary image; the median offset of the
// matches from the segments, measured along the segment normal, is the
// translation that brings the secondary camera model in line.
type TiePointCorrector struct {
	Config      PointingConfig
	HeightRange HeightRange
}

type tiePoint struct {
	p1     Point
	lo, hi Point // epipolar segment ends in the secondary image
}

// ComputeCorrection implements PointingCorrector
func (c *TiePointCorrector) ComputeCorrection(in PointingInput) (Homography, error) {
	rpc1, err := LoadRPC(in.Reference.RPC)
	if err != nil {
		return Homography{}, err
	}
	rpc2, err := LoadRPC(in.Secondary.RPC)
	if err != nil {
		return Homography{}, err
	}

	step := c.Config.GridStep
	var ties []tiePoint
	for y := in.ROI.Y + step/2; y < in.ROI.Y+in.ROI.H; y += step {
		for x := in.ROI.X + step/2; x < in.ROI.X+in.ROI.W; x += step {
			p1 := Point{X: float64(x), Y: float64(y)}
			lo, err := rpc1.Transfer(rpc2, p1, c.HeightRange.Min)
			if err != nil {
				return Homography{}, err
			}
			hi, err := rpc1.Transfer(rpc2, p1, c.HeightRange.Max)
			if err != nil {
				return Homography{}, err
			}
			ties = append(ties, tiePoint{p1: p1, lo: lo, hi: hi})
		}
	}
	if len(ties) < c.Config.MinMatches {
		return Homography{}, geometryErrorf("roi %s too small for pointing correction: %d tie points", in.ROI, len(ties))
	}

	img1, err := loadImage(in.Reference.Image)
	if err != nil {
		return Homography{}, err
	}
	img2, err := loadImage(in.Secondary.Image)
	if err != nil {
		return Homography{}, err
	}

	pad := c.Config.SearchRadius + c.Config.WindowRadius + 2
	ref := newPatchSource(img1, in.ROI, c.Config.WindowRadius+1)
	sec := newPatchSource(img2, segmentsBounds(ties, pad), 0)

	var offsets []float64
	var normal Point
	for _, t := range ties {
		n, off, ok := c.matchTiePoint(ref, sec, t)
		if !ok {
			continue
		}
		offsets = append(offsets, off)
		normal = Point{normal.X + n.X, normal.Y + n.Y}
	}

	if len(offsets) < c.Config.MinMatches {
		return Homography{}, geometryErrorf("pointing correction did not converge: %d of %d tie points matched, need %d",
			len(offsets), len(ties), c.Config.MinMatches)
	}

	l := math.Hypot(normal.X, normal.Y)
	normal = Point{normal.X / l, normal.Y / l}
	sort.Float64s(offsets)
	med := offsets[len(offsets)/2]

	log.Printf("pointing correction %d-%d: %d/%d tie points, offset %.2f px",
		in.Reference.ID, in.Secondary.ID, len(offsets), len(ties), med)
	return Translation(med*normal.X, med*normal.Y), nil
}

// matchTiePoint searches the epipolar band for the best NCC match and
// returns the band normal and the signed distance from the match to the
// segment (positive along the normal, pointing from match to segment).
func (c *TiePointCorrector) matchTiePoint(ref, sec *patchSource, t tiePoint) (Point, float64, bool) {
	dx, dy := t.hi.X-t.lo.X, t.hi.Y-t.lo.Y
	length := math.Hypot(dx, dy)
	var u Point
	if length < 1e-9 {
		u = Point{X: 1}
	} else {
		u = Point{dx / length, dy / length}
	}
	n := Point{-u.Y, u.X}

	rx, ry := ref.local(t.p1)
	best := math.Inf(-1)
	bestK := 0
	steps := int(math.Ceil(length))
	for s := 0; s <= steps; s++ {
		base := Point{t.lo.X + u.X*float64(s), t.lo.Y + u.Y*float64(s)}
		for k := -c.Config.SearchRadius; k <= c.Config.SearchRadius; k++ {
			cand := Point{base.X + n.X*float64(k), base.Y + n.Y*float64(k)}
			sx, sy := sec.local(cand)
			score, ok := ncc(ref.r, rx, ry, sec.r, sx, sy, c.Config.WindowRadius)
			if ok && score > best {
				best = score
				bestK = k
			}
		}
	}
	if best < minTiePointScore {
		return Point{}, 0, false
	}
	// the match sits bestK pixels along n from the segment
	return n, -float64(bestK), true
}

// patchSource is a raster cut from a larger image with its offset
type patchSource struct {
	r      *Raster
	origin image.Point
}

func newPatchSource(img image.Image, roi ROI, pad int) *patchSource {
	padded := ROI{X: roi.X - pad, Y: roi.Y - pad, W: roi.W + 2*pad, H: roi.H + 2*pad}
	return &patchSource{
		r:      RasterFromImage(CropZoomImage(img, padded, 1)),
		origin: image.Pt(padded.X, padded.Y),
	}
}

func (p *patchSource) local(pt Point) (int, int) {
	return int(math.Round(pt.X)) - p.origin.X, int(math.Round(pt.Y)) - p.origin.Y
}

func segmentsBounds(ties []tiePoint, pad int) ROI {
	var pts []Point
	for _, t := range ties {
		pts = append(pts, t.lo, t.hi)
	}
	minX, minY, maxX, maxY := bounds(pts)
	x0 := int(math.Floor(minX)) - pad
	y0 := int(math.Floor(minY)) - pad
	return ROI{
		X: x0,
		Y: y0,
		W: int(math.Ceil(maxX)) + pad - x0 + 1,
		H: int(math.Ceil(maxY)) + pad - y0 + 1,
	}
}
