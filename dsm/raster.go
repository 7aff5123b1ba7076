package dsm

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/spakin/netpbm"
	"golang.org/x/image/tiff"
)

// Raster is a single-band float32 grid. NaN marks an undefined sample.
type Raster struct {
	Width  int       `cbor:"w"`
	Height int       `cbor:"h"`
	Data   []float32 `cbor:"d"`
}

// NewRaster allocates a zero-filled raster
func NewRaster(width, height int) *Raster {
	return &Raster{Width: width, Height: height, Data: make([]float32, width*height)}
}

// NewNaNRaster allocates a raster with every sample undefined
func NewNaNRaster(width, height int) *Raster {
	r := NewRaster(width, height)
	nan := float32(math.NaN())
	for i := range r.Data {
		r.Data[i] = nan
	}
	return r
}

// At returns the sample at (x, y), NaN outside the grid
func (r *Raster) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return float32(math.NaN())
	}
	return r.Data[y*r.Width+x]
}

// Set stores a sample; out-of-range writes are ignored
func (r *Raster) Set(x, y int, v float32) {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return
	}
	r.Data[y*r.Width+x] = v
}

// Bilinear samples at a fractional position. Any undefined neighbour
// makes the result undefined.
func (r *Raster) Bilinear(x, y float64) float32 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := float32(x - float64(x0))
	fy := float32(y - float64(y0))

	v00 := r.At(x0, y0)
	v10 := r.At(x0+1, y0)
	v01 := r.At(x0, y0+1)
	v11 := r.At(x0+1, y0+1)

	// exact grid hits must not depend on the out-of-range neighbour
	if fx == 0 && fy == 0 {
		return v00
	}
	if fx == 0 {
		return v00*(1-fy) + v01*fy
	}
	if fy == 0 {
		return v00*(1-fx) + v10*fx
	}
	return v00*(1-fx)*(1-fy) + v10*fx*(1-fy) + v01*(1-fx)*fy + v11*fx*fy
}

// Nearest samples the closest grid cell
func (r *Raster) Nearest(x, y float64) float32 {
	return r.At(int(math.Round(x)), int(math.Round(y)))
}

// ValidCount returns the number of finite samples
func (r *Raster) ValidCount() int {
	n := 0
	for _, v := range r.Data {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			n++
		}
	}
	return n
}

// MinMax returns the range of finite samples; ok is false when none exist
func (r *Raster) MinMax() (lo, hi float32, ok bool) {
	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range r.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		ok = true
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, ok
}

// RasterFromImage converts any image to a float raster using luminance
func RasterFromImage(img image.Image) *Raster {
	b := img.Bounds()
	r := NewRaster(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			r.Data[y*r.Width+x] = float32(g.Y)
		}
	}
	return r
}

// Gray16 converts a raster to a 16-bit image, clamping each sample.
// Undefined samples become 0.
func (r *Raster) Gray16() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, r.Width, r.Height))
	for i, v := range r.Data {
		f := float64(v)
		var g uint16
		switch {
		case math.IsNaN(f) || f <= 0:
			g = 0
		case f >= math.MaxUint16:
			g = math.MaxUint16
		default:
			g = uint16(math.Round(f))
		}
		img.Pix[2*i] = uint8(g >> 8)
		img.Pix[2*i+1] = uint8(g)
	}
	return img
}

// SaveRaster writes a float raster as CBOR
func SaveRaster(path string, r *Raster) error {
	data, err := cbor.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding raster %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return ioError(path, err)
	}
	return nil
}

// LoadRaster reads a float raster written by SaveRaster
func LoadRaster(path string) (*Raster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioError(path, err)
	}
	var r Raster
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding raster %s: %w", path, err)
	}
	if len(r.Data) != r.Width*r.Height {
		return nil, fmt.Errorf("decoding raster %s: %d samples for %dx%d grid", path, len(r.Data), r.Width, r.Height)
	}
	return &r, nil
}

// Mask is a boolean validity grid
type Mask struct {
	Width  int
	Height int
	Valid  []bool
}

// NewMask allocates an all-invalid mask
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Valid: make([]bool, width*height)}
}

// At reports validity; false outside the grid
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Valid[y*m.Width+x]
}

// Set marks a pixel; out-of-range writes are ignored
func (m *Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Valid[y*m.Width+x] = v
}

// Count returns the number of valid pixels
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Valid {
		if v {
			n++
		}
	}
	return n
}

// Bounds returns the bounding box of valid pixels; ok is false when empty
func (m *Mask) Bounds() (image.Rectangle, bool) {
	rect := image.Rectangle{}
	found := false
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if !m.Valid[y*m.Width+x] {
				continue
			}
			px := image.Rect(x, y, x+1, y+1)
			if !found {
				rect = px
				found = true
			} else {
				rect = rect.Union(px)
			}
		}
	}
	return rect, found
}

// Raster converts the mask to 0/1 samples so it can be resampled
func (m *Mask) Raster() *Raster {
	r := NewRaster(m.Width, m.Height)
	for i, v := range m.Valid {
		if v {
			r.Data[i] = 1
		}
	}
	return r
}

// MaskFromRaster marks finite samples at or above 0.5 as valid
func MaskFromRaster(r *Raster) *Mask {
	m := NewMask(r.Width, r.Height)
	for i, v := range r.Data {
		m.Valid[i] = !math.IsNaN(float64(v)) && v >= 0.5
	}
	return m
}

// SaveMask writes a mask as an 8-bit PNG (255 valid, 0 invalid)
func SaveMask(path string, m *Mask) error {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, v := range m.Valid {
		if v {
			img.Pix[i] = 255
		}
	}
	return savePNG(path, img)
}

// LoadMask reads a mask PNG; any non-zero pixel is valid
func LoadMask(path string) (*Mask, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			m.Valid[y*m.Width+x] = g.Y != 0
		}
	}
	return m, nil
}

// SavePGM writes a 16-bit binary PGM
func SavePGM(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return ioError(path, err)
	}
	w := bufio.NewWriter(f)
	opts := &netpbm.EncodeOptions{
		Format:   netpbm.PGM,
		MaxValue: 65535,
	}
	if err := netpbm.Encode(w, img, opts); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding PGM %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return ioError(path, err)
	}
	if err := f.Close(); err != nil {
		return ioError(path, err)
	}
	return nil
}

// LoadImageRaster decodes a TIFF, PGM, PNG or JPEG file into a float raster
func LoadImageRaster(path string) (*Raster, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	return RasterFromImage(img), nil
}

// loadImage decodes an image file. Registered decoders: TIFF (x/image),
// netpbm, PNG and JPEG from the standard library.
func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioError(path, err)
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decoding image %s: %w", path, err)
	}
	return img, nil
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return ioError(path, err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding PNG %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return ioError(path, err)
	}
	return nil
}

// SaveTIFF writes an image as an uncompressed TIFF
func SaveTIFF(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return ioError(path, err)
	}
	if err := tiff.Encode(f, img, nil); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding TIFF %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return ioError(path, err)
	}
	return nil
}
