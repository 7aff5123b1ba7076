package dsm

import (
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ZoomedSize returns the grid size of a w x h region at a subsampling factor
func ZoomedSize(w, h int, zoom float64) (int, int) {
	zw := int(math.Round(float64(w) * zoom))
	zh := int(math.Round(float64(h) * zoom))
	return max(zw, 1), max(zh, 1)
}

// ImageCropZoomer crops the ROI out of a source image and subsamples it
// with a Catmull-Rom kernel. The result is written as a 16-bit TIFF.
type ImageCropZoomer struct{}

// CropZoom implements CropZoomer
func (ImageCropZoomer) CropZoom(in CropZoomInput) (string, error) {
	if err := ValidateZoom(in.Zoom); err != nil {
		return "", err
	}
	img, err := loadImage(in.Image)
	if err != nil {
		return "", err
	}

	crop := CropZoomImage(img, in.ROI, in.Zoom)
	if err := SaveTIFF(in.Out, crop); err != nil {
		return "", err
	}
	return in.Out, nil
}

// CropZoomImage crops roi out of img and scales it by zoom. Pixels of the
// ROI outside the image stay black.
func CropZoomImage(img image.Image, roi ROI, zoom float64) *image.Gray16 {
	r := image.Rect(roi.X, roi.Y, roi.X+roi.W, roi.Y+roi.H)
	crop := image.NewGray16(image.Rect(0, 0, roi.W, roi.H))
	draw.Draw(crop, crop.Bounds(), img, r.Min, draw.Src)

	if zoom == 1 {
		return crop
	}
	zw, zh := ZoomedSize(roi.W, roi.H, zoom)
	dst := image.NewGray16(image.Rect(0, 0, zw, zh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), crop, crop.Bounds(), draw.Src, nil)
	return dst
}

// WarpImage resamples src onto a width x height grid through the affine
// homography h, which maps src pixel indices to destination pixel indices.
func WarpImage(src image.Image, h Homography, width, height int) (*image.Gray16, error) {
	if !h.IsAffine() {
		return nil, geometryErrorf("warp needs an affine transform, got %v", h)
	}
	dst := image.NewGray16(image.Rect(0, 0, width, height))
	// x/image puts pixel centres at +0.5; h works on integer indices
	c := Translation(0.5, 0.5).Mul(h).Mul(Translation(-0.5, -0.5))
	s2d := f64.Aff3{c[0], c[1], c[2], c[3], c[4], c[5]}
	draw.BiLinear.Transform(dst, s2d, src, src.Bounds(), draw.Src, nil)
	return dst, nil
}
