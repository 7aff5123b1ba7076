package dsm

import (
	"log"
	"sync"
	"time"
)

// Observer receives progress events from the orchestrators. Calls may
// arrive concurrently from the two pairs of a triplet.
type Observer interface {
	ROIResolved(experiment string, roi ROI)
	StageDone(experiment, stage string, elapsed time.Duration, err error)
	ResultReady(experiment, path string)
}

// LogObserver writes progress events to the standard logger
type LogObserver struct{}

func (LogObserver) ROIResolved(experiment string, roi ROI) {
	log.Printf("[%s] roi resolved: %s", experiment, roi)
}

func (LogObserver) StageDone(experiment, stage string, elapsed time.Duration, err error) {
	if err != nil {
		log.Printf("[%s] %s failed after %v: %v", experiment, stage, elapsed.Round(time.Millisecond), err)
		return
	}
	log.Printf("[%s] %s done in %v", experiment, stage, elapsed.Round(time.Millisecond))
}

func (LogObserver) ResultReady(experiment, path string) {
	log.Printf("[%s] result: %s", experiment, path)
}

// MultiObserver fans events out to several observers in order
type MultiObserver []Observer

func (m MultiObserver) ROIResolved(experiment string, roi ROI) {
	for _, o := range m {
		o.ROIResolved(experiment, roi)
	}
}

func (m MultiObserver) StageDone(experiment, stage string, elapsed time.Duration, err error) {
	for _, o := range m {
		o.StageDone(experiment, stage, elapsed, err)
	}
}

func (m MultiObserver) ResultReady(experiment, path string) {
	for _, o := range m {
		o.ResultReady(experiment, path)
	}
}

// StageEvent is one recorded StageDone call
type StageEvent struct {
	Experiment string
	Stage      string
	Err        error
}

// RecordingObserver keeps every event in memory. The HTTP status page and
// tests read it back.
type RecordingObserver struct {
	mu      sync.Mutex
	rois    map[string]ROI
	stages  []StageEvent
	results map[string]string
}

// NewRecordingObserver creates an empty recorder
func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{
		rois:    make(map[string]ROI),
		results: make(map[string]string),
	}
}

func (r *RecordingObserver) ROIResolved(experiment string, roi ROI) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rois[experiment] = roi
}

func (r *RecordingObserver) StageDone(experiment, stage string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, StageEvent{Experiment: experiment, Stage: stage, Err: err})
}

func (r *RecordingObserver) ResultReady(experiment, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[experiment] = path
}

// ROI returns the ROI reported for an experiment
func (r *RecordingObserver) ROI(experiment string) (ROI, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roi, ok := r.rois[experiment]
	return roi, ok
}

// Stages returns a copy of the recorded stage events
func (r *RecordingObserver) Stages() []StageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StageEvent, len(r.stages))
	copy(out, r.stages)
	return out
}

// Results returns a copy of the reported results by experiment
func (r *RecordingObserver) Results() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

type nopObserver struct{}

func (nopObserver) ROIResolved(string, ROI)                         {}
func (nopObserver) StageDone(string, string, time.Duration, error) {}
func (nopObserver) ResultReady(string, string)                      {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
