package dsm

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// Fake collaborators for orchestrator tests. They write real, small
// artifacts so the built-in crop/zoom, resampler and fuser can run on them.

type fakePointing struct {
	mu    sync.Mutex
	calls []int
}

// ComputeCorrection returns a column shift equal to the secondary id
func (f *fakePointing) ComputeCorrection(in PointingInput) (Homography, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in.Secondary.ID)
	f.mu.Unlock()
	return Translation(float64(in.Secondary.ID), 0), nil
}

type fakeRectifier struct {
	mu          sync.Mutex
	corrections map[string]Homography // by experiment
	rois        map[string]ROI
	degenerate  bool
}

func newFakeRectifier() *fakeRectifier {
	return &fakeRectifier{corrections: make(map[string]Homography), rois: make(map[string]ROI)}
}

// RectifyPair frames the ROI at the zoom without rotating it
func (f *fakeRectifier) RectifyPair(in RectifyInput) (*RectifiedPair, error) {
	f.mu.Lock()
	f.corrections[in.Workspace.Experiment] = in.Correction
	f.rois[in.Workspace.Experiment] = in.ROI
	f.mu.Unlock()

	w, h := ZoomedSize(in.ROI.W, in.ROI.H, in.Zoom)
	for i, out := range []string{in.Out1, in.Out2} {
		if err := SavePGM(out, texture(w, h, int64(i+1))); err != nil {
			return nil, err
		}
	}
	hr := Scale(in.Zoom, in.Zoom).Mul(Translation(-float64(in.ROI.X), -float64(in.ROI.Y)))
	out := &RectifiedPair{Rect1: in.Out1, Rect2: in.Out2, H1: hr, H2: hr, DispMin: -1, DispMax: 1}
	if f.degenerate {
		out.DispMax = out.DispMin
	}
	return out, nil
}

type fakeMatcher struct {
	failSuffix string
}

// ComputeDisparity writes a zero disparity with every pixel valid
func (f *fakeMatcher) ComputeDisparity(in DisparityInput) (*DisparityMap, error) {
	if f.failSuffix != "" && strings.HasSuffix(in.Workspace.Experiment, f.failSuffix) {
		return nil, geometryErrorf("no texture to match")
	}
	w, h, err := imageSize(in.Rect1)
	if err != nil {
		return nil, ioError(in.Rect1, err)
	}
	if err := SaveRaster(in.DispPath, NewRaster(w, h)); err != nil {
		return nil, err
	}
	if err := SaveMask(in.MaskPath, fullMask(w, h)); err != nil {
		return nil, err
	}
	return &DisparityMap{Disparity: in.DispPath, Mask: in.MaskPath}, nil
}

type fakeTriangulator struct {
	mu          sync.Mutex
	corrections map[string]Homography // by experiment
	delay       map[string]time.Duration
}

func newFakeTriangulator() *fakeTriangulator {
	return &fakeTriangulator{corrections: make(map[string]Homography), delay: make(map[string]time.Duration)}
}

// ComputeHeightMap writes 100 m plus the correction's column shift, so
// tests can tell which transform reached triangulation
func (f *fakeTriangulator) ComputeHeightMap(in TriangulationInput) (*HeightMap, error) {
	exp := in.Workspace.Experiment
	f.mu.Lock()
	f.corrections[exp] = in.Correction
	d := f.delay[exp]
	f.mu.Unlock()
	time.Sleep(d)

	disp, err := LoadRaster(in.Disparity)
	if err != nil {
		return nil, err
	}
	if err := SaveRaster(in.HeightPath, constRaster(disp.Width, disp.Height, float32(100+in.Correction[2]))); err != nil {
		return nil, err
	}
	if err := SaveRaster(in.ErrorPath, NewRaster(disp.Width, disp.Height)); err != nil {
		return nil, err
	}
	return &HeightMap{Height: in.HeightPath, Error: in.ErrorPath}, nil
}

// checkingFuser records whether both inputs existed when it was called
type checkingFuser struct {
	ThresholdFuser

	mu          sync.Mutex
	calls       int
	inputsExist bool
}

func (f *checkingFuser) Merge(in FusionInput) (string, error) {
	_, errL := os.Stat(in.Left)
	_, errR := os.Stat(in.Right)
	f.mu.Lock()
	f.calls++
	f.inputsExist = errL == nil && errR == nil
	f.mu.Unlock()
	return f.ThresholdFuser.Merge(in)
}

// countingDetector returns a fixed ROI and counts calls
type countingDetector struct {
	mu    sync.Mutex
	roi   ROI
	calls int
}

func (d *countingDetector) DetectROI(ImageSource) (ROI, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.roi, nil
}

type pipelineFixture struct {
	root         string
	cfg          *Config
	detector     *countingDetector
	pointing     *fakePointing
	rectifier    *fakeRectifier
	matcher      *fakeMatcher
	triangulator *fakeTriangulator
	fuser        *checkingFuser
	recorder     *RecordingObserver
}

func (f *pipelineFixture) stages() Stages {
	return Stages{
		ROIDetector:  f.detector,
		Pointing:     f.pointing,
		Rectifier:    f.rectifier,
		Matcher:      f.matcher,
		Triangulator: f.triangulator,
		CropZoom:     ImageCropZoomer{},
		Resampler:    GridResampler{},
		Fusion:       f.fuser,
	}
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	root := t.TempDir()
	writeDataset(t, root, "ds", 64, 1, 2, 3)

	cfg := DefaultConfig()
	cfg.DataRoot = root
	cfg.WorkDir = filepath.Join(root, "work")
	return &pipelineFixture{
		root:         root,
		cfg:          cfg,
		detector:     &countingDetector{roi: ROI{X: 8, Y: 6, W: 10, H: 8}},
		pointing:     &fakePointing{},
		rectifier:    newFakeRectifier(),
		matcher:      &fakeMatcher{},
		triangulator: newFakeTriangulator(),
		fuser:        &checkingFuser{},
		recorder:     NewRecordingObserver(),
	}
}

func (f *pipelineFixture) pair() *PairPipeline {
	return NewPairPipeline(f.cfg, f.stages(), MultiObserver{LogObserver{}, f.recorder})
}

func (f *pipelineFixture) triplet() *TripletOrchestrator {
	return NewTripletOrchestrator(f.cfg, f.stages(), MultiObserver{LogObserver{}, f.recorder})
}

// stageNames lists the recorded stages of one experiment in order
func (f *pipelineFixture) stageNames(exp string) []string {
	var out []string
	for _, ev := range f.recorder.Stages() {
		if ev.Experiment == exp {
			out = append(out, ev.Stage)
		}
	}
	return out
}
