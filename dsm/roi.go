package dsm

import (
	"image"
	"image/color"
	"log"
	"math"
	"os"
)

// ResolveROI turns a spec into a concrete rectangle. Explicit specs are
// used verbatim; AutoDetect delegates to the detector. The result is
// logged and reported before any stage consumes it.
func ResolveROI(spec RoiSpec, ref ImageSource, detector ROIDetector) (ROI, error) {
	if r, ok := spec.Explicit(); ok {
		if err := r.Validate(); err != nil {
			return ROI{}, err
		}
		log.Printf("ROI x, y, w, h = %d, %d, %d, %d", r.X, r.Y, r.W, r.H)
		return r, nil
	}

	if detector == nil {
		return ROI{}, configErrorf("roi not given and no detector configured")
	}
	r, err := detector.DetectROI(ref)
	if err != nil {
		return ROI{}, err
	}
	if err := r.Validate(); err != nil {
		return ROI{}, err
	}
	log.Printf("ROI x, y, w, h = %d, %d, %d, %d (auto)", r.X, r.Y, r.W, r.H)
	return r, nil
}

// previewThreshold is the luminance below which preview pixels count as
// no-data (black borders around the acquisition)
const previewThreshold = 8

// PreviewROIDetector picks a Width x Height rectangle centred on the valid
// area of the reference preview, scaled to full resolution.
type PreviewROIDetector struct {
	Width  int
	Height int
}

// DetectROI implements ROIDetector
func (d *PreviewROIDetector) DetectROI(ref ImageSource) (ROI, error) {
	cam, err := LoadRPC(ref.RPC)
	if err != nil {
		return ROI{}, err
	}
	fullW, fullH := cam.Extent()
	if fullW <= 0 || fullH <= 0 {
		fullW, fullH, err = imageSize(ref.Image)
		if err != nil {
			return ROI{}, configErrorf("cannot size reference image: %v", err)
		}
	}

	valid := image.Rect(0, 0, fullW, fullH)
	if ref.Preview != "" {
		if box, ok, err := previewValidArea(ref.Preview, fullW, fullH); err != nil {
			log.Printf("Warning: preview %s unusable, using full extent: %v", ref.Preview, err)
		} else if ok {
			valid = box
		}
	}

	return centredROI(valid, d.Width, d.Height), nil
}

// centredROI returns a w x h rectangle centred in area, shrunk to fit
func centredROI(area image.Rectangle, w, h int) ROI {
	if w > area.Dx() {
		w = area.Dx()
	}
	if h > area.Dy() {
		h = area.Dy()
	}
	cx := area.Min.X + area.Dx()/2
	cy := area.Min.Y + area.Dy()/2
	return ROI{X: cx - w/2, Y: cy - h/2, W: w, H: h}
}

// previewValidArea returns the bounding box of non-black preview pixels,
// in full-resolution coordinates
func previewValidArea(path string, fullW, fullH int) (image.Rectangle, bool, error) {
	img, err := loadImage(path)
	if err != nil {
		return image.Rectangle{}, false, err
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return image.Rectangle{}, false, nil
	}

	m := NewMask(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			m.Valid[y*m.Width+x] = g.Y >= previewThreshold
		}
	}
	box, ok := m.Bounds()
	if !ok {
		return image.Rectangle{}, false, nil
	}

	sx := float64(fullW) / float64(b.Dx())
	sy := float64(fullH) / float64(b.Dy())
	return image.Rect(
		int(math.Floor(float64(box.Min.X)*sx)),
		int(math.Floor(float64(box.Min.Y)*sy)),
		int(math.Ceil(float64(box.Max.X)*sx)),
		int(math.Ceil(float64(box.Max.Y)*sy)),
	).Intersect(image.Rect(0, 0, fullW, fullH)), true, nil
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
