package dsm

import (
	"encoding/xml"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// RPCModel is a rational polynomial camera model.
// Image coordinates are (col, row) = (sample, line); ground coordinates
// are (lon, lat) in degrees and height in metres.
type RPCModel struct {
	LineOff, SampOff, LatOff, LonOff, HeightOff           float64
	LineScale, SampScale, LatScale, LonScale, HeightScale float64

	LineNum, LineDen, SampNum, SampDen [20]float64
}

// rpcXML is the on-disk layout: RPC00B field names, one element each,
// coefficient lists whitespace separated.
type rpcXML struct {
	XMLName      xml.Name `xml:"RPC"`
	LineOff      float64  `xml:"LINE_OFF"`
	SampOff      float64  `xml:"SAMP_OFF"`
	LatOff       float64  `xml:"LAT_OFF"`
	LonOff       float64  `xml:"LONG_OFF"`
	HeightOff    float64  `xml:"HEIGHT_OFF"`
	LineScale    float64  `xml:"LINE_SCALE"`
	SampScale    float64  `xml:"SAMP_SCALE"`
	LatScale     float64  `xml:"LAT_SCALE"`
	LonScale     float64  `xml:"LONG_SCALE"`
	HeightScale  float64  `xml:"HEIGHT_SCALE"`
	LineNumCoeff string   `xml:"LINE_NUM_COEFF"`
	LineDenCoeff string   `xml:"LINE_DEN_COEFF"`
	SampNumCoeff string   `xml:"SAMP_NUM_COEFF"`
	SampDenCoeff string   `xml:"SAMP_DEN_COEFF"`
}

// LoadRPC reads a camera model file. Any failure is a configuration error.
func LoadRPC(path string) (*RPCModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("reading camera model %s: %v", path, err)
	}
	m, err := ParseRPC(data)
	if err != nil {
		return nil, configErrorf("camera model %s: %v", path, err)
	}
	return m, nil
}

// ParseRPC decodes an RPC XML document
func ParseRPC(data []byte) (*RPCModel, error) {
	var raw rpcXML
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing RPC XML: %w", err)
	}

	m := &RPCModel{
		LineOff: raw.LineOff, SampOff: raw.SampOff, LatOff: raw.LatOff, LonOff: raw.LonOff, HeightOff: raw.HeightOff,
		LineScale: raw.LineScale, SampScale: raw.SampScale, LatScale: raw.LatScale, LonScale: raw.LonScale, HeightScale: raw.HeightScale,
	}
	for _, c := range []struct {
		name string
		text string
		dst  *[20]float64
	}{
		{"LINE_NUM_COEFF", raw.LineNumCoeff, &m.LineNum},
		{"LINE_DEN_COEFF", raw.LineDenCoeff, &m.LineDen},
		{"SAMP_NUM_COEFF", raw.SampNumCoeff, &m.SampNum},
		{"SAMP_DEN_COEFF", raw.SampDenCoeff, &m.SampDen},
	} {
		coeffs, err := parseCoefficients(c.text)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		*c.dst = coeffs
	}

	for name, s := range map[string]float64{
		"LINE_SCALE": m.LineScale, "SAMP_SCALE": m.SampScale,
		"LAT_SCALE": m.LatScale, "LONG_SCALE": m.LonScale, "HEIGHT_SCALE": m.HeightScale,
	} {
		if s == 0 {
			return nil, fmt.Errorf("%s must be non-zero", name)
		}
	}
	return m, nil
}

func parseCoefficients(text string) ([20]float64, error) {
	var out [20]float64
	fields := strings.Fields(text)
	if len(fields) != 20 {
		return out, fmt.Errorf("got %d coefficients, want 20", len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return out, fmt.Errorf("coefficient %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Marshal renders the model in the layout ParseRPC reads
func (m *RPCModel) Marshal() ([]byte, error) {
	join := func(c [20]float64) string {
		parts := make([]string, len(c))
		for i, v := range c {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		return strings.Join(parts, " ")
	}
	raw := rpcXML{
		LineOff: m.LineOff, SampOff: m.SampOff, LatOff: m.LatOff, LonOff: m.LonOff, HeightOff: m.HeightOff,
		LineScale: m.LineScale, SampScale: m.SampScale, LatScale: m.LatScale, LonScale: m.LonScale, HeightScale: m.HeightScale,
		LineNumCoeff: join(m.LineNum), LineDenCoeff: join(m.LineDen),
		SampNumCoeff: join(m.SampNum), SampDenCoeff: join(m.SampDen),
	}
	return xml.MarshalIndent(raw, "", "  ")
}

// terms evaluates the 20 cubic monomials in RPC00B order
func terms(l, p, h float64) [20]float64 {
	return [20]float64{
		1, l, p, h,
		l * p, l * h, p * h, l * l, p * p, h * h,
		p * l * h, l * l * l, l * p * p, l * h * h, l * l * p,
		p * p * p, p * h * h, l * l * h, p * p * h, h * h * h,
	}
}

func dot(a, b [20]float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Project maps a ground point to image coordinates (col, row)
func (m *RPCModel) Project(lon, lat, h float64) Point {
	l := (lon - m.LonOff) / m.LonScale
	p := (lat - m.LatOff) / m.LatScale
	z := (h - m.HeightOff) / m.HeightScale
	t := terms(l, p, z)

	row := dot(m.LineNum, t) / dot(m.LineDen, t)
	col := dot(m.SampNum, t) / dot(m.SampDen, t)
	return Point{
		X: col*m.SampScale + m.SampOff,
		Y: row*m.LineScale + m.LineOff,
	}
}

const (
	localizeMaxIter = 20
	localizeTol     = 1e-6 // pixels
)

// Localize maps an image point at a given height to ground (lon, lat)
// by Newton iteration on Project.
func (m *RPCModel) Localize(col, row, h float64) (lon, lat float64, err error) {
	lon, lat = m.LonOff, m.LatOff
	// finite difference steps, a small fraction of the normalisation scale
	dl := math.Abs(m.LonScale) * 1e-6
	dp := math.Abs(m.LatScale) * 1e-6

	for i := 0; i < localizeMaxIter; i++ {
		p := m.Project(lon, lat, h)
		ex, ey := col-p.X, row-p.Y
		if math.Hypot(ex, ey) < localizeTol {
			return lon, lat, nil
		}

		pl := m.Project(lon+dl, lat, h)
		pp := m.Project(lon, lat+dp, h)
		a := (pl.X - p.X) / dl
		b := (pp.X - p.X) / dp
		c := (pl.Y - p.Y) / dl
		d := (pp.Y - p.Y) / dp

		det := a*d - b*c
		if math.Abs(det) < 1e-15 {
			return 0, 0, geometryErrorf("localize (%.1f, %.1f, %.1f): singular jacobian", col, row, h)
		}
		lon += (d*ex - b*ey) / det
		lat += (-c*ex + a*ey) / det
	}

	p := m.Project(lon, lat, h)
	if math.Hypot(col-p.X, row-p.Y) > 1e-3 {
		return 0, 0, geometryErrorf("localize (%.1f, %.1f, %.1f) did not converge", col, row, h)
	}
	return lon, lat, nil
}

// Transfer maps a point of this image, at height h, into another image
func (m *RPCModel) Transfer(other *RPCModel, p Point, h float64) (Point, error) {
	lon, lat, err := m.Localize(p.X, p.Y, h)
	if err != nil {
		return Point{}, err
	}
	return other.Project(lon, lat, h), nil
}

// Extent returns the image size the model was fitted for, taken from
// the normalisation offsets.
func (m *RPCModel) Extent() (width, height int) {
	return int(math.Round(2 * m.SampOff)), int(math.Round(2 * m.LineOff))
}
