package dsm

import "fmt"

// Stage names, used in StageError and progress events
const (
	StageROI           = "roi"
	StagePointing      = "pointing"
	StageRectification = "rectification"
	StageMatching      = "matching"
	StageTriangulation = "triangulation"
	StageCropZoom      = "crop_zoom"
	StageResampling    = "resampling"
	StageFusion        = "fusion"
)

// ROIDetector derives a default ROI from the reference camera model and
// its low-resolution preview.
type ROIDetector interface {
	DetectROI(ref ImageSource) (ROI, error)
}

// PointingInput is what the pointing estimator sees. It always works at
// full resolution, so there is no zoom here.
type PointingInput struct {
	Reference ImageSource
	Secondary ImageSource
	ROI       ROI
	Workspace *Workspace
}

// PointingCorrector estimates the 3x3 transform A that maps measured
// secondary-image coordinates onto coordinates consistent with the
// secondary camera model.
type PointingCorrector interface {
	ComputeCorrection(in PointingInput) (Homography, error)
}

// RectifyInput is what the rectifier sees. Correction is always the
// pairwise transform; a global transform never reaches this stage.
type RectifyInput struct {
	Reference  ImageSource
	Secondary  ImageSource
	ROI        ROI
	Correction Homography
	Zoom       float64
	Out1       string
	Out2       string
	Workspace  *Workspace
}

// RectifiedPair is the rectifier's output. H1 and H2 map full-resolution
// image coordinates onto the (zoomed) rectified grid.
type RectifiedPair struct {
	Rect1   string
	Rect2   string
	H1      Homography
	H2      Homography
	DispMin float64
	DispMax float64
}

// Rectifier resamples a pair into epipolar geometry
type Rectifier interface {
	RectifyPair(in RectifyInput) (*RectifiedPair, error)
}

// DisparityInput is what the matcher sees
type DisparityInput struct {
	Rect1     string
	Rect2     string
	Algorithm string
	DispMin   float64
	DispMax   float64
	DispPath  string
	MaskPath  string
	Workspace *Workspace
}

// DisparityMap locates the matcher's outputs
type DisparityMap struct {
	Disparity string
	Mask      string
}

// DisparityEstimator computes a dense disparity map on a rectified pair
type DisparityEstimator interface {
	ComputeDisparity(in DisparityInput) (*DisparityMap, error)
}

// TriangulationInput is what the triangulator sees. Correction is the
// triangulation transform: the global one when supplied, else pairwise.
type TriangulationInput struct {
	RPC1       string
	RPC2       string
	H1         Homography
	H2         Homography
	Disparity  string
	Mask       string
	Correction Homography
	HeightPath string
	ErrorPath  string
	Workspace  *Workspace
}

// HeightMap locates the triangulator's outputs on the rectified grid
type HeightMap struct {
	Height string
	Error  string
}

// Triangulator intersects rays to recover heights
type Triangulator interface {
	ComputeHeightMap(in TriangulationInput) (*HeightMap, error)
}

// CropZoomInput asks for the ROI of an image at a subsampling factor
type CropZoomInput struct {
	Image string
	ROI   ROI
	Zoom  float64
	Out   string
}

// CropZoomer crops and subsamples a source image
type CropZoomer interface {
	CropZoom(in CropZoomInput) (string, error)
}

// TransferInput maps a rectified-grid raster back onto the reference grid.
// TargetGrid is the crop+zoom output whose size defines the result;
// Origin is the ROI's top-left corner.
type TransferInput struct {
	Source     string
	TargetGrid string
	H1         Homography
	Origin     Point
	Zoom       float64
	Out        string
	Nearest    bool
}

// Resampler back-projects rasters from the rectified grid
type Resampler interface {
	TransferMap(in TransferInput) (string, error)
}

// FusionInput merges two co-registered height maps
type FusionInput struct {
	Left      string
	Right     string
	Threshold float64
	Out       string
}

// Fuser merges height maps into a consensus
type Fuser interface {
	Merge(in FusionInput) (string, error)
}

// Stages bundles the collaborators the orchestrators call
type Stages struct {
	ROIDetector  ROIDetector
	Pointing     PointingCorrector
	Rectifier    Rectifier
	Matcher      DisparityEstimator
	Triangulator Triangulator
	CropZoom     CropZoomer
	Resampler    Resampler
	Fusion       Fuser
}

// DefaultStages wires the built-in implementations
func DefaultStages(cfg *Config) Stages {
	return Stages{
		ROIDetector:  &PreviewROIDetector{Width: cfg.ROI.DefaultWidth, Height: cfg.ROI.DefaultHeight},
		Pointing:     &TiePointCorrector{Config: cfg.Pointing, HeightRange: cfg.HeightRange},
		Rectifier:    &AffineRectifier{HeightRange: cfg.HeightRange},
		Matcher:      &BlockMatcher{Config: cfg.Matching},
		Triangulator: &RayTriangulator{HeightRange: cfg.HeightRange},
		CropZoom:     ImageCropZoomer{},
		Resampler:    GridResampler{},
		Fusion:       ThresholdFuser{},
	}
}

func (s Stages) validatePair() error {
	missing := []struct {
		name string
		ok   bool
	}{
		{"roi detector", s.ROIDetector != nil},
		{"pointing corrector", s.Pointing != nil},
		{"rectifier", s.Rectifier != nil},
		{"disparity estimator", s.Matcher != nil},
		{"triangulator", s.Triangulator != nil},
		{"crop/zoom", s.CropZoom != nil},
		{"resampler", s.Resampler != nil},
	}
	for _, m := range missing {
		if !m.ok {
			return fmt.Errorf("pipeline has no %s", m.name)
		}
	}
	return nil
}
