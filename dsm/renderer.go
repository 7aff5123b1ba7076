package dsm

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// heightRamp runs from low (blue) through green and yellow to high (red)
var heightRamp = []color.RGBA{
	{49, 54, 149, 255},
	{69, 117, 180, 255},
	{116, 173, 209, 255},
	{171, 217, 233, 255},
	{254, 224, 144, 255},
	{253, 174, 97, 255},
	{244, 109, 67, 255},
	{215, 48, 39, 255},
}

var noDataColor = color.RGBA{0, 0, 0, 255}

// legendHeight is the strip below the map holding the colour scale
const legendHeight = 40

// HeightRenderer draws a height raster as a false-colour preview with a
// legend strip. Undefined samples are black.
type HeightRenderer struct {
	Title string
}

// Render colours r between its finite minimum and maximum
func (hr *HeightRenderer) Render(r *Raster) *image.RGBA {
	width := max(r.Width, 160)
	img := image.NewRGBA(image.Rect(0, 0, width, r.Height+legendHeight))
	for i := range img.Pix {
		img.Pix[i] = 255
	}

	lo, hi, ok := r.MinMax()
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			v := r.Data[y*r.Width+x]
			if !ok || !finite(float64(v)) {
				img.SetRGBA(x, y, noDataColor)
				continue
			}
			img.SetRGBA(x, y, rampColor(normalise(v, lo, hi)))
		}
	}

	// colour bar
	barTop := r.Height + 4
	barW := width - 8
	for x := 0; x < barW; x++ {
		c := rampColor(float64(x) / float64(max(barW-1, 1)))
		for y := barTop; y < barTop+10; y++ {
			img.SetRGBA(4+x, y, c)
		}
	}

	black := color.RGBA{0, 0, 0, 255}
	if ok {
		drawText(img, 4, barTop+24, fmt.Sprintf("%.1f m", lo), black)
		label := fmt.Sprintf("%.1f m", hi)
		drawText(img, width-4-7*len(label), barTop+24, label, black)
	} else {
		drawText(img, 4, barTop+24, "no data", black)
	}
	if hr.Title != "" {
		drawText(img, 4, barTop+35, hr.Title, black)
	}
	return img
}

// SavePNG renders r and writes it to path
func (hr *HeightRenderer) SavePNG(path string, r *Raster) error {
	return savePNG(path, hr.Render(r))
}

func normalise(v, lo, hi float32) float64 {
	if hi <= lo {
		return 0.5
	}
	return float64(v-lo) / float64(hi-lo)
}

// rampColor interpolates heightRamp at t in [0, 1]
func rampColor(t float64) color.RGBA {
	t = math.Max(0, math.Min(1, t))
	pos := t * float64(len(heightRamp)-1)
	i := int(math.Floor(pos))
	if i >= len(heightRamp)-1 {
		return heightRamp[len(heightRamp)-1]
	}
	f := pos - float64(i)
	a, b := heightRamp[i], heightRamp[i+1]
	lerp := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x)*(1-f) + float64(y)*f))
	}
	return color.RGBA{lerp(a.R, b.R), lerp(a.G, b.G), lerp(a.B, b.B), 255}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
