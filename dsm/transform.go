package dsm

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 projective transform stored row-major:
// x' = (h0 x + h1 y + h2) / (h6 x + h7 y + h8)
// y' = (h3 x + h4 y + h5) / (h6 x + h7 y + h8)
type Homography [9]float64

// Identity returns the identity transform
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Translation creates a translation-only transform
func Translation(tx, ty float64) Homography {
	return Homography{1, 0, tx, 0, 1, ty, 0, 0, 1}
}

// Rotation creates a rotation transform (angle in radians, around origin)
func Rotation(angle float64) Homography {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	return Homography{cos, -sin, 0, sin, cos, 0, 0, 0, 1}
}

// Scale creates a scaling transform
func Scale(sx, sy float64) Homography {
	return Homography{sx, 0, 0, 0, sy, 0, 0, 0, 1}
}

// Apply maps a point through the transform
func (h Homography) Apply(p Point) Point {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if w == 0 {
		return Point{X: math.NaN(), Y: math.NaN()}
	}
	return Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
}

// ApplyAll maps multiple points
func (h Homography) ApplyAll(points []Point) []Point {
	result := make([]Point, len(points))
	for i, p := range points {
		result[i] = h.Apply(p)
	}
	return result
}

// Mul composes two transforms: result = h * o.
// Applying result is equivalent to applying o first, then h.
func (h Homography) Mul(o Homography) Homography {
	var r Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[3*i+j] = h[3*i]*o[j] + h[3*i+1]*o[3+j] + h[3*i+2]*o[6+j]
		}
	}
	return r
}

// Inverse computes the inverse transform.
// Returns an error if the matrix is singular.
func (h Homography) Inverse() (Homography, error) {
	m := mat.NewDense(3, 3, h[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Homography{}, geometryErrorf("singular homography %v: %v", h, err)
	}
	var r Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[3*i+j] = inv.At(i, j)
		}
	}
	return r.normalized(), nil
}

// normalized rescales so h8 == 1 when possible
func (h Homography) normalized() Homography {
	if h[8] == 0 || h[8] == 1 {
		return h
	}
	for i := range h {
		h[i] /= h[8]
	}
	return h
}

// IsAffine reports whether the last row is (0, 0, 1)
func (h Homography) IsAffine() bool {
	return h[6] == 0 && h[7] == 0 && h[8] == 1
}

// Distance calculates Euclidean distance between two points
func Distance(p1, p2 Point) float64 {
	dx := p2.X - p1.X
	dy := p2.Y - p1.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Centroid calculates the center of mass of a set of points
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	return Point{X: sumX / n, Y: sumY / n}
}

// WriteMatrix writes the transform as three rows of three numbers
func WriteMatrix(w io.Writer, h Homography) error {
	for i := 0; i < 3; i++ {
		_, err := fmt.Fprintf(w, "%.18e %.18e %.18e\n", h[3*i], h[3*i+1], h[3*i+2])
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadMatrix parses nine whitespace-separated numbers
func ReadMatrix(r io.Reader) (Homography, error) {
	var h Homography
	n := 0
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		if n == 9 {
			return Homography{}, fmt.Errorf("matrix has more than 9 values")
		}
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return Homography{}, fmt.Errorf("parsing matrix value %q: %w", sc.Text(), err)
		}
		h[n] = v
		n++
	}
	if err := sc.Err(); err != nil {
		return Homography{}, err
	}
	if n != 9 {
		return Homography{}, fmt.Errorf("matrix has %d values, want 9", n)
	}
	return h, nil
}

// SaveMatrix writes a transform to a flat numeric file
func SaveMatrix(path string, h Homography) error {
	var sb strings.Builder
	if err := WriteMatrix(&sb, h); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return ioError(path, err)
	}
	return nil
}

// LoadMatrix reads a transform from a flat numeric file
func LoadMatrix(path string) (Homography, error) {
	f, err := os.Open(path)
	if err != nil {
		return Homography{}, ioError(path, err)
	}
	defer func() { _ = f.Close() }()

	h, err := ReadMatrix(f)
	if err != nil {
		return Homography{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return h, nil
}
