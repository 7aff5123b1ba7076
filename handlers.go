package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kwv/stereomesh/dsm"
)

// runSummary is one entry of /runs
type runSummary struct {
	Experiment string    `json:"experiment"`
	Kind       string    `json:"kind"`
	Dataset    string    `json:"dataset"`
	ROI        dsm.ROI   `json:"roi"`
	Result     string    `json:"result"`
	Finished   time.Time `json:"finished"`
}

// stageStatus is one entry of /progress
type stageStatus struct {
	Experiment string `json:"experiment"`
	Stage      string `json:"stage"`
	Error      string `json:"error,omitempty"`
}

// newHTTPServer creates an HTTP server exposing the runs under workDir
func newHTTPServer(workDir string, rec *dsm.RecordingObserver) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Runs      int       `json:"runs"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Runs:      len(listRuns(workDir)),
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("GET /runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, listRuns(workDir))
	})

	mux.HandleFunc("GET /progress", func(w http.ResponseWriter, r *http.Request) {
		var out []stageStatus
		if rec != nil {
			for _, ev := range rec.Stages() {
				s := stageStatus{Experiment: ev.Experiment, Stage: ev.Stage}
				if ev.Err != nil {
					s.Error = ev.Err.Error()
				}
				out = append(out, s)
			}
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("GET /runs/{exp}/manifest", func(w http.ResponseWriter, r *http.Request) {
		_, m, ok := findRun(w, workDir, r.PathValue("exp"))
		if !ok {
			return
		}
		writeJSON(w, m)
	})

	mux.HandleFunc("GET /runs/{exp}/height.png", func(w http.ResponseWriter, r *http.Request) {
		_, m, ok := findRun(w, workDir, r.PathValue("exp"))
		if !ok {
			return
		}
		h, err := dsm.LoadRaster(m.Result)
		if err != nil {
			log.Printf("[HTTP] loading %s: %v", m.Result, err)
			http.Error(w, "Height map unavailable", http.StatusServiceUnavailable)
			return
		}
		img := (&dsm.HeightRenderer{Title: m.Experiment}).Render(h)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, img); err != nil {
			log.Printf("Error encoding height PNG: %v", err)
		}
	})

	mux.HandleFunc("GET /runs/{exp}/overview.svg", func(w http.ResponseWriter, r *http.Request) {
		dir, m, ok := findRun(w, workDir, r.PathValue("exp"))
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")

		// triplets keep a rendered overview; pairs are drawn on demand
		if data, err := os.ReadFile(filepath.Join(dir, dsm.OverviewFile)); err == nil {
			_, _ = w.Write(data)
			return
		}
		ov := dsm.NewOverviewRenderer(m.ROI, m.SubsamplingFactor)
		if mask, err := dsm.LoadMask(filepath.Join(dir, dsm.MaskUnrectFile)); err == nil {
			ov.AddCoverage(m.Experiment, mask)
		}
		if err := ov.RenderToSVG(w); err != nil {
			log.Printf("Error rendering overview SVG: %v", err)
		}
	})

	return mux
}

// listRuns returns every workspace under workDir with a manifest, pairs
// nested in a triplet included, sorted by experiment name
func listRuns(workDir string) []runSummary {
	var dirs []string
	for _, pattern := range []string{"*", filepath.Join("*", "*")} {
		matches, _ := filepath.Glob(filepath.Join(workDir, pattern, dsm.ManifestFile))
		for _, mf := range matches {
			dirs = append(dirs, filepath.Dir(mf))
		}
	}

	runs := make([]runSummary, 0, len(dirs))
	for _, d := range dirs {
		m, err := dsm.LoadManifest(d)
		if err != nil {
			log.Printf("[HTTP] skipping %s: %v", d, err)
			continue
		}
		runs = append(runs, runSummary{
			Experiment: m.Experiment,
			Kind:       m.Kind,
			Dataset:    m.Dataset,
			ROI:        m.ROI,
			Result:     m.Result,
			Finished:   m.Finished,
		})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Experiment < runs[j].Experiment })
	return runs
}

// findRun locates an experiment's workspace, at the top level or nested
// one level down, and writes a 404 when there is none
func findRun(w http.ResponseWriter, workDir, exp string) (string, *dsm.Manifest, bool) {
	if exp == "" || strings.ContainsAny(exp, `/\`) || exp == "." || exp == ".." {
		http.Error(w, "Bad experiment name", http.StatusBadRequest)
		return "", nil, false
	}

	candidates := []string{filepath.Join(workDir, exp)}
	nested, _ := filepath.Glob(filepath.Join(workDir, "*", exp))
	candidates = append(candidates, nested...)
	for _, dir := range candidates {
		m, err := dsm.LoadManifest(dir)
		if err == nil {
			return dir, m, true
		}
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("[HTTP] reading manifest in %s: %v", dir, err)
		}
	}
	http.Error(w, fmt.Sprintf("No run named %s", exp), http.StatusNotFound)
	return "", nil, false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
