package dsm

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"sort"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// coverageColors are assigned to pairs in name order
var coverageColors = []color.RGBA{
	{0, 0, 139, 255},
	{139, 0, 0, 255},
	{0, 100, 0, 255},
	{184, 134, 11, 255},
}

// OverviewRenderer draws the ROI and the area each pair covered with valid
// heights, in full-resolution pixels relative to the ROI origin.
type OverviewRenderer struct {
	ROI        ROI
	Zoom       float64
	Coverage   map[string]image.Rectangle // valid-data bounds on the crop+zoom grid
	Padding    float64
	Resolution canvas.Resolution
}

// NewOverviewRenderer creates a renderer with default settings
func NewOverviewRenderer(roi ROI, zoom float64) *OverviewRenderer {
	return &OverviewRenderer{
		ROI:        roi,
		Zoom:       zoom,
		Coverage:   make(map[string]image.Rectangle),
		Padding:    20,
		Resolution: canvas.DPMM(1),
	}
}

// AddCoverage records the valid-data bounds of a pair's mask
func (r *OverviewRenderer) AddCoverage(name string, m *Mask) {
	if box, ok := m.Bounds(); ok {
		r.Coverage[name] = box
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the overview as an SVG to the provided writer
func (r *OverviewRenderer) RenderToSVG(w io.Writer) error {
	width, height := r.size()
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the overview as a PNG to the provided writer
func (r *OverviewRenderer) RenderToPNG(w io.Writer) error {
	width, height := r.size()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, width, height)
	return png.Encode(w, rast)
}

// SaveSVG writes the overview SVG to path
func (r *OverviewRenderer) SaveSVG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return ioError(path, err)
	}
	if err := r.RenderToSVG(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return ioError(path, err)
	}
	return nil
}

func (r *OverviewRenderer) size() (float64, float64) {
	return float64(r.ROI.W) + 2*r.Padding, float64(r.ROI.H) + 2*r.Padding
}

func (r *OverviewRenderer) renderToCanvas(renderer canvasRenderer, width, height float64) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	// canvas y grows upwards; image rows grow downwards
	toCanvas := func(x, y float64) (float64, float64) {
		return x + r.Padding, height - (y + r.Padding)
	}
	rect := func(x0, y0, x1, y1 float64) *canvas.Path {
		p := &canvas.Path{}
		cx, cy := toCanvas(x0, y0)
		p.MoveTo(cx, cy)
		cx, cy = toCanvas(x1, y0)
		p.LineTo(cx, cy)
		cx, cy = toCanvas(x1, y1)
		p.LineTo(cx, cy)
		cx, cy = toCanvas(x0, y1)
		p.LineTo(cx, cy)
		p.Close()
		return p
	}

	roiStyle := canvas.DefaultStyle
	roiStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	roiStyle.Stroke = canvas.Paint{Color: canvas.Black}
	roiStyle.StrokeWidth = 2
	renderer.RenderPath(rect(0, 0, float64(r.ROI.W), float64(r.ROI.H)), roiStyle, canvas.Identity)

	names := make([]string, 0, len(r.Coverage))
	for name := range r.Coverage {
		names = append(names, name)
	}
	sort.Strings(names)

	zoom := r.Zoom
	if zoom <= 0 {
		zoom = 1
	}
	for i, name := range names {
		box := r.Coverage[name]
		c := coverageColors[i%len(coverageColors)]
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: color.RGBA{c.R / 4, c.G / 4, c.B / 4, 64}}
		style.Stroke = canvas.Paint{Color: c}
		style.StrokeWidth = 1
		style.Dashes = []float64{6, 4}
		renderer.RenderPath(rect(
			float64(box.Min.X)/zoom, float64(box.Min.Y)/zoom,
			float64(box.Max.X)/zoom, float64(box.Max.Y)/zoom,
		), style, canvas.Identity)
	}
}
