package dsm

import (
	"fmt"
	"log"
	"time"
)

// Artifact names inside a pair workspace
const (
	RefRPCFile         = "rpc_ref.xml"
	SecRPCFile         = "rpc_sec.xml"
	SubsamplingFile    = "subsampling.txt"
	ROIFile            = "roi.yaml"
	GlobalPointingFile = "global_pointing_correction.txt"
	RectRefFile        = "rect_ref.pgm"
	RectSecFile        = "rect_sec.pgm"
	DisparityFile      = "disp.cbor"
	MaskFile           = "mask.png"
	HeightFile         = "height.cbor"
	RPCErrorFile       = "rpc_err.cbor"
	HeightUnrectFile   = "height_unrect.cbor"
	MaskUnrectFile     = "mask_unrect.png"
)

// PointingFile names the pairwise correction record of an image pair
func PointingFile(ref, sec int) string {
	return fmt.Sprintf("pointing_correction_%02d_%02d.txt", ref, sec)
}

// PairRequest describes one stereo pair run
type PairRequest struct {
	Dataset     string
	Experiment  string
	ROI         RoiSpec
	ReferenceID int
	SecondaryID int

	// WorkDir is the workspace root of a standalone run. Parent, when set,
	// nests the pair inside it and shares its scratch registry instead.
	WorkDir string
	Parent  *Workspace

	// TriangulationTransform is an externally computed global pointing
	// correction. It replaces the pairwise transform for triangulation
	// only; rectification always uses the pairwise one.
	TriangulationTransform *Homography
}

// PairResult is what a finished pair leaves behind. HeightUnrectified is
// the product; everything else is a companion artifact.
type PairResult struct {
	Experiment        string
	Dir               string
	ROI               ROI
	HeightUnrectified string
	MaskUnrectified   string

	RectificationTransform Homography
	TriangulationTransform Homography

	Rectified *RectifiedPair
	Disparity *DisparityMap
	Height    *HeightMap
}

// PairPipeline computes a height map for one (reference, secondary) pair
type PairPipeline struct {
	Stages   Stages
	Config   *Config
	Datasets Datasets
	Observer Observer
}

// NewPairPipeline creates a pipeline reading datasets from cfg.DataRoot
func NewPairPipeline(cfg *Config, stages Stages, obs Observer) *PairPipeline {
	return &PairPipeline{
		Stages:   stages,
		Config:   cfg,
		Datasets: Datasets{Root: cfg.DataRoot},
		Observer: obs,
	}
}

// Run executes the pair stages in order. Any failure aborts the pair and
// is returned as a *StageError wrapping the stage's own error.
func (p *PairPipeline) Run(req PairRequest) (*PairResult, error) {
	if p.Config == nil {
		return nil, configErrorf("pair pipeline has no configuration")
	}
	if err := p.Stages.validatePair(); err != nil {
		return nil, err
	}
	zoom := p.Config.SubsamplingFactor
	if err := ValidateZoom(zoom); err != nil {
		return nil, err
	}
	if req.ReferenceID == req.SecondaryID {
		return nil, configErrorf("reference and secondary image are both %d", req.ReferenceID)
	}

	// 1. inputs and ROI
	ref, err := p.Datasets.Source(req.Dataset, req.ReferenceID)
	if err != nil {
		return nil, err
	}
	sec, err := p.Datasets.Source(req.Dataset, req.SecondaryID)
	if err != nil {
		return nil, err
	}
	for _, s := range []ImageSource{ref, sec} {
		if _, err := LoadRPC(s.RPC); err != nil {
			return nil, err
		}
	}

	obs := observerOrNop(p.Observer)
	exp := req.Experiment
	var roi ROI
	if err := p.stage(exp, StageROI, func() error {
		roi, err = ResolveROI(req.ROI, ref, p.Stages.ROIDetector)
		return err
	}); err != nil {
		return nil, err
	}
	obs.ROIResolved(exp, roi)

	var ws *Workspace
	if req.Parent != nil {
		ws, err = req.Parent.Sub(exp)
	} else {
		ws, err = NewWorkspace(req.WorkDir, exp)
	}
	if err != nil {
		return nil, err
	}

	res := &PairResult{Experiment: exp, Dir: ws.Dir, ROI: roi}

	// 2. pointing correction, always at full resolution
	var a Homography
	if err := p.stage(exp, StagePointing, func() error {
		a, err = p.Stages.Pointing.ComputeCorrection(PointingInput{
			Reference: ref,
			Secondary: sec,
			ROI:       roi,
			Workspace: ws,
		})
		return err
	}); err != nil {
		return nil, err
	}
	res.RectificationTransform = a
	res.TriangulationTransform = a
	if req.TriangulationTransform != nil {
		res.TriangulationTransform = *req.TriangulationTransform
	}

	// 3. durable records
	if err := p.persist(ws, req, ref, sec, roi, a, zoom); err != nil {
		return nil, err
	}

	// 4. rectification with the pairwise transform
	if err := p.stage(exp, StageRectification, func() error {
		res.Rectified, err = p.Stages.Rectifier.RectifyPair(RectifyInput{
			Reference:  ref,
			Secondary:  sec,
			ROI:        roi,
			Correction: res.RectificationTransform,
			Zoom:       zoom,
			Out1:       ws.Path(RectRefFile),
			Out2:       ws.Path(RectSecFile),
			Workspace:  ws,
		})
		if err == nil && !(res.Rectified.DispMin < res.Rectified.DispMax) {
			err = geometryErrorf("degenerate disparity range [%g, %g]", res.Rectified.DispMin, res.Rectified.DispMax)
		}
		return err
	}); err != nil {
		return nil, err
	}
	rect := res.Rectified

	// 5. matching
	if err := p.stage(exp, StageMatching, func() error {
		res.Disparity, err = p.Stages.Matcher.ComputeDisparity(DisparityInput{
			Rect1:     rect.Rect1,
			Rect2:     rect.Rect2,
			Algorithm: p.Config.MatchingAlgorithm,
			DispMin:   rect.DispMin,
			DispMax:   rect.DispMax,
			DispPath:  ws.Path(DisparityFile),
			MaskPath:  ws.Path(MaskFile),
			Workspace: ws,
		})
		return err
	}); err != nil {
		return nil, err
	}

	// 6. triangulation with the global transform when one was supplied
	if err := p.stage(exp, StageTriangulation, func() error {
		res.Height, err = p.Stages.Triangulator.ComputeHeightMap(TriangulationInput{
			RPC1:       ws.Path(RefRPCFile),
			RPC2:       ws.Path(SecRPCFile),
			H1:         rect.H1,
			H2:         rect.H2,
			Disparity:  res.Disparity.Disparity,
			Mask:       res.Disparity.Mask,
			Correction: res.TriangulationTransform,
			HeightPath: ws.Path(HeightFile),
			ErrorPath:  ws.Path(RPCErrorFile),
			Workspace:  ws,
		})
		return err
	}); err != nil {
		return nil, err
	}

	// 7. reference crop at the working resolution, the resampling target
	var grid string
	if err := p.stage(exp, StageCropZoom, func() error {
		out, err := ws.TempFile("ref_crop_*.tif")
		if err != nil {
			return err
		}
		grid, err = p.Stages.CropZoom.CropZoom(CropZoomInput{
			Image: ref.Image,
			ROI:   roi,
			Zoom:  zoom,
			Out:   out,
		})
		if err == nil && grid != out {
			ws.Garbage().Add(grid)
		}
		return err
	}); err != nil {
		return nil, err
	}

	// 8. back to the reference grid
	if err := p.stage(exp, StageResampling, func() error {
		res.HeightUnrectified, err = p.Stages.Resampler.TransferMap(TransferInput{
			Source:     res.Height.Height,
			TargetGrid: grid,
			H1:         rect.H1,
			Origin:     roi.Origin(),
			Zoom:       zoom,
			Out:        ws.Path(HeightUnrectFile),
		})
		if err != nil {
			return err
		}
		res.MaskUnrectified, err = p.Stages.Resampler.TransferMap(TransferInput{
			Source:     res.Disparity.Mask,
			TargetGrid: grid,
			H1:         rect.H1,
			Origin:     roi.Origin(),
			Zoom:       zoom,
			Out:        ws.Path(MaskUnrectFile),
			Nearest:    true,
		})
		return err
	}); err != nil {
		return nil, err
	}

	// 9. records and result
	p.writeFootprint(ws, roi)
	m := NewManifest("pair", req.Dataset, exp)
	m.ROI = roi
	m.Images = []int{req.ReferenceID, req.SecondaryID}
	m.SubsamplingFactor = zoom
	m.GlobalCorrection = req.TriangulationTransform != nil
	m.Result = res.HeightUnrectified
	m.Artifacts["rect_ref"] = rect.Rect1
	m.Artifacts["rect_sec"] = rect.Rect2
	m.Artifacts["disparity"] = res.Disparity.Disparity
	m.Artifacts["mask"] = res.Disparity.Mask
	m.Artifacts["height"] = res.Height.Height
	m.Artifacts["rpc_err"] = res.Height.Error
	m.Artifacts["mask_unrect"] = res.MaskUnrectified
	if err := ws.SaveManifest(m); err != nil {
		return nil, err
	}

	log.Printf("Pair %s finished: %s", exp, res.HeightUnrectified)
	obs.ResultReady(exp, res.HeightUnrectified)
	return res, nil
}

// persist writes what is needed to reproduce the run from the workspace
func (p *PairPipeline) persist(ws *Workspace, req PairRequest, ref, sec ImageSource, roi ROI, a Homography, zoom float64) error {
	if _, err := ws.CopyFile(ref.RPC, RefRPCFile); err != nil {
		return err
	}
	if _, err := ws.CopyFile(sec.RPC, SecRPCFile); err != nil {
		return err
	}
	if err := SaveMatrix(ws.Path(PointingFile(ref.ID, sec.ID)), a); err != nil {
		return err
	}
	if req.TriangulationTransform != nil {
		if err := SaveMatrix(ws.Path(GlobalPointingFile), *req.TriangulationTransform); err != nil {
			return err
		}
	}
	if err := SaveFloat(ws.Path(SubsamplingFile), zoom); err != nil {
		return err
	}
	return SaveROI(ws.Path(ROIFile), roi)
}

// writeFootprint records the ROI's ground footprint at mid height. The
// footprint is informative only, so failures are logged.
func (p *PairPipeline) writeFootprint(ws *Workspace, roi ROI) {
	rpc, err := LoadRPC(ws.Path(RefRPCFile))
	if err != nil {
		log.Printf("Warning: no footprint for %s: %v", ws.Experiment, err)
		return
	}
	h := (p.Config.HeightRange.Min + p.Config.HeightRange.Max) / 2
	poly, err := Footprint(rpc, roi, h)
	if err != nil {
		log.Printf("Warning: no footprint for %s: %v", ws.Experiment, err)
		return
	}
	if err := SaveFootprint(ws.Path(FootprintFile), ws.Experiment, poly, h); err != nil {
		log.Printf("Warning: no footprint for %s: %v", ws.Experiment, err)
	}
}

// stage runs fn, reports it, and wraps its error with the stage name
func (p *PairPipeline) stage(exp, name string, fn func() error) error {
	return runStage(p.Observer, exp, name, fn)
}

func runStage(o Observer, exp, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	observerOrNop(o).StageDone(exp, name, time.Since(start), err)
	if err != nil {
		return &StageError{Experiment: exp, Stage: name, Err: err}
	}
	return nil
}
