package dsm

import (
	"log"

	"golang.org/x/sync/errgroup"
)

// Artifact names at the root of a triplet workspace
const (
	MergedHeightFile    = "merged_height.cbor"
	MergedHeightPreview = "merged_height.png"
	OverviewFile        = "overview.svg"
)

// TripletRequest describes a run over three images sharing a reference
type TripletRequest struct {
	Dataset     string
	Experiment  string
	ROI         RoiSpec
	ReferenceID int
	LeftID      int
	RightID     int
	WorkDir     string

	// GlobalCorrection, when set, is handed to both pairs as their
	// triangulation transform. Nil keeps each pair on its own.
	GlobalCorrection *Homography
}

// TripletResult is the merged height map and the two pairs it came from
type TripletResult struct {
	Dir          string
	ROI          ROI
	MergedHeight string
	Left         *PairResult
	Right        *PairResult
}

// TripletOrchestrator runs two pair pipelines against a common reference
// and fuses their height maps
type TripletOrchestrator struct {
	Pair     *PairPipeline
	Config   *Config
	Observer Observer
}

// NewTripletOrchestrator builds a triplet orchestrator and its pair pipeline
func NewTripletOrchestrator(cfg *Config, stages Stages, obs Observer) *TripletOrchestrator {
	return &TripletOrchestrator{
		Pair:     NewPairPipeline(cfg, stages, obs),
		Config:   cfg,
		Observer: obs,
	}
}

// Run resolves the ROI once, runs the (reference, left) and
// (reference, right) pairs, merges them and cleans up scratch files.
// Failure of either pair aborts the triplet before fusion; scratch files
// are then left in place for inspection.
func (t *TripletOrchestrator) Run(req TripletRequest) (*TripletResult, error) {
	if t.Pair == nil || t.Config == nil {
		return nil, configErrorf("triplet orchestrator is not configured")
	}
	stages := t.Pair.Stages
	if err := stages.validatePair(); err != nil {
		return nil, err
	}
	if stages.Fusion == nil {
		return nil, configErrorf("fusion stage is not configured")
	}
	if req.LeftID == req.RightID {
		return nil, configErrorf("left and right image are both %d", req.LeftID)
	}
	if req.ReferenceID == req.LeftID || req.ReferenceID == req.RightID {
		return nil, configErrorf("reference image %d is also a secondary", req.ReferenceID)
	}
	obs := observerOrNop(t.Observer)
	exp := req.Experiment

	// all three images must exist before anything runs
	var ref ImageSource
	for _, id := range []int{req.ReferenceID, req.LeftID, req.RightID} {
		src, err := t.Pair.Datasets.Source(req.Dataset, id)
		if err != nil {
			return nil, err
		}
		if _, err := LoadRPC(src.RPC); err != nil {
			return nil, err
		}
		if id == req.ReferenceID {
			ref = src
		}
	}

	// 1. one ROI for both pairs, against the triplet's reference
	var (
		roi ROI
		err error
	)
	if err := runStage(t.Observer, exp, StageROI, func() error {
		roi, err = ResolveROI(req.ROI, ref, stages.ROIDetector)
		return err
	}); err != nil {
		return nil, err
	}
	obs.ROIResolved(exp, roi)
	resolved := RoiSpec{explicit: &roi}

	// 2. workspace
	ws, err := NewWorkspace(req.WorkDir, exp)
	if err != nil {
		return nil, err
	}

	// 3. the two pairs, nested and named apart
	pairReq := func(suffix string, secondary int) PairRequest {
		return PairRequest{
			Dataset:                req.Dataset,
			Experiment:             exp + suffix,
			ROI:                    resolved,
			ReferenceID:            req.ReferenceID,
			SecondaryID:            secondary,
			Parent:                 ws,
			TriangulationTransform: req.GlobalCorrection,
		}
	}
	var left, right *PairResult
	runLeft := func() error {
		var err error
		left, err = t.Pair.Run(pairReq("_left", req.LeftID))
		return err
	}
	runRight := func() error {
		var err error
		right, err = t.Pair.Run(pairReq("_right", req.RightID))
		return err
	}
	if t.Config.ParallelPairs {
		var g errgroup.Group
		g.Go(runLeft)
		g.Go(runRight)
		err = g.Wait()
	} else {
		err = runLeft()
		if err == nil {
			err = runRight()
		}
	}
	if err != nil {
		return nil, err
	}

	// 4. fusion, only once both pair results are on disk
	merged := ws.Path(MergedHeightFile)
	if err := runStage(t.Observer, exp, StageFusion, func() error {
		merged, err = stages.Fusion.Merge(FusionInput{
			Left:      left.HeightUnrectified,
			Right:     right.HeightUnrectified,
			Threshold: t.Config.FusionThreshold,
			Out:       merged,
		})
		return err
	}); err != nil {
		return nil, err
	}

	// 5. previews and manifest
	t.writePreviews(ws, roi, merged, left, right)
	m := NewManifest("triplet", req.Dataset, exp)
	m.ROI = roi
	m.Images = []int{req.ReferenceID, req.LeftID, req.RightID}
	m.SubsamplingFactor = t.Config.SubsamplingFactor
	m.GlobalCorrection = req.GlobalCorrection != nil
	m.Result = merged
	m.Artifacts["left"] = left.HeightUnrectified
	m.Artifacts["right"] = right.HeightUnrectified
	if err := ws.SaveManifest(m); err != nil {
		return nil, err
	}

	// 6. cleanup after the merged result is written
	ws.Cleanup(merged)

	obs.ResultReady(exp, merged)
	return &TripletResult{
		Dir:          ws.Dir,
		ROI:          roi,
		MergedHeight: merged,
		Left:         left,
		Right:        right,
	}, nil
}

// writePreviews renders the merged height PNG and the coverage overview.
// They are conveniences, so failures are logged.
func (t *TripletOrchestrator) writePreviews(ws *Workspace, roi ROI, merged string, pairs ...*PairResult) {
	if h, err := LoadRaster(merged); err == nil {
		hr := &HeightRenderer{Title: ws.Experiment}
		if err := hr.SavePNG(ws.Path(MergedHeightPreview), h); err != nil {
			log.Printf("Warning: merged height preview: %v", err)
		}
	} else {
		log.Printf("Warning: merged height preview: %v", err)
	}

	ov := NewOverviewRenderer(roi, t.Config.SubsamplingFactor)
	for _, p := range pairs {
		m, err := LoadMask(p.MaskUnrectified)
		if err != nil {
			log.Printf("Warning: no coverage for %s: %v", p.Experiment, err)
			continue
		}
		ov.AddCoverage(p.Experiment, m)
	}
	if err := ov.SaveSVG(ws.Path(OverviewFile)); err != nil {
		log.Printf("Warning: overview: %v", err)
	}
}
