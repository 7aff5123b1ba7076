package dsm

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Garbage is the scratch-file registry of a run. Insertion is safe from
// concurrent pipelines; Drain empties it for cleanup.
type Garbage struct {
	mu    sync.Mutex
	paths []string
	seen  map[string]struct{}
}

// NewGarbage creates an empty registry
func NewGarbage() *Garbage {
	return &Garbage{seen: make(map[string]struct{})}
}

// Add registers a path for deletion; duplicates are ignored
func (g *Garbage) Add(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[path]; ok {
		return
	}
	g.seen[path] = struct{}{}
	g.paths = append(g.paths, path)
}

// Paths returns a copy of the registered paths in insertion order
func (g *Garbage) Paths() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.paths))
	copy(out, g.paths)
	return out
}

// Len returns the number of registered paths
func (g *Garbage) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.paths)
}

// Drain returns every registered path and empties the registry
func (g *Garbage) Drain() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.paths
	g.paths = nil
	g.seen = make(map[string]struct{})
	return out
}

// Workspace is the directory owning every artifact of one experiment.
// Child workspaces share their parent's scratch registry.
type Workspace struct {
	Dir        string
	Experiment string
	garbage    *Garbage
}

// NewWorkspace creates <root>/<experiment> with a fresh scratch registry
func NewWorkspace(root, experiment string) (*Workspace, error) {
	return newWorkspace(root, experiment, NewGarbage())
}

func newWorkspace(root, experiment string, g *Garbage) (*Workspace, error) {
	if experiment == "" {
		return nil, configErrorf("experiment name is required")
	}
	if strings.ContainsAny(experiment, `/\`) {
		return nil, configErrorf("experiment name %q must not contain path separators", experiment)
	}
	dir := filepath.Join(root, experiment)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ioError(dir, err)
	}
	return &Workspace{Dir: dir, Experiment: experiment, garbage: g}, nil
}

// Sub creates a nested workspace sharing this workspace's registry
func (w *Workspace) Sub(experiment string) (*Workspace, error) {
	return newWorkspace(w.Dir, experiment, w.garbage)
}

// Garbage returns the shared scratch registry
func (w *Workspace) Garbage() *Garbage {
	return w.garbage
}

// Path returns the location of a named artifact
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Scratch returns the location of a named artifact and registers it
// for cleanup
func (w *Workspace) Scratch(name string) string {
	p := w.Path(name)
	w.garbage.Add(p)
	return p
}

// TempFile creates an empty scratch file in the workspace and registers it
func (w *Workspace) TempFile(pattern string) (string, error) {
	f, err := os.CreateTemp(w.Dir, pattern)
	if err != nil {
		return "", ioError(w.Dir, err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", ioError(name, err)
	}
	w.garbage.Add(name)
	return name, nil
}

// Cleanup removes every registered scratch path except the kept ones.
// Removal failures are logged and swallowed; calling it again is safe.
// Returns the number of paths actually removed.
func (w *Workspace) Cleanup(keep ...string) int {
	protected := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		protected[filepath.Clean(k)] = struct{}{}
	}

	removed := 0
	for _, p := range w.garbage.Drain() {
		if _, ok := protected[filepath.Clean(p)]; ok {
			continue
		}
		if err := os.Remove(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Printf("cleanup: %s already gone", p)
			} else {
				log.Printf("cleanup: removing %s: %v", p, err)
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Printf("cleanup: removed %d scratch file(s) from %s", removed, w.Dir)
	}
	return removed
}

// CopyFile copies src into the workspace under name
func (w *Workspace) CopyFile(src, name string) (string, error) {
	dst := w.Path(name)
	in, err := os.Open(src)
	if err != nil {
		return "", ioError(src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return "", ioError(dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", ioError(dst, err)
	}
	if err := out.Close(); err != nil {
		return "", ioError(dst, err)
	}
	return dst, nil
}

// SaveFloat writes a single number as a flat numeric file
func SaveFloat(path string, v float64) error {
	data := strconv.FormatFloat(v, 'e', 18, 64) + "\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return ioError(path, err)
	}
	return nil
}

// LoadFloat reads a flat numeric file written by SaveFloat
func LoadFloat(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, ioError(path, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return v, nil
}

// SaveROI records the ROI a run used
func SaveROI(path string, roi ROI) error {
	return saveYAML(path, roi)
}

// LoadROI reads a recorded ROI
func LoadROI(path string) (ROI, error) {
	var roi ROI
	if err := loadYAML(path, &roi); err != nil {
		return ROI{}, err
	}
	return roi, nil
}

// Manifest summarises a finished run
type Manifest struct {
	RunID             string            `yaml:"runId" json:"runId"`
	Kind              string            `yaml:"kind" json:"kind"` // "pair" or "triplet"
	Dataset           string            `yaml:"dataset" json:"dataset"`
	Experiment        string            `yaml:"experiment" json:"experiment"`
	ROI               ROI               `yaml:"roi" json:"roi"`
	Images            []int             `yaml:"images" json:"images"`
	SubsamplingFactor float64           `yaml:"subsamplingFactor" json:"subsamplingFactor"`
	GlobalCorrection  bool              `yaml:"globalCorrection" json:"globalCorrection"`
	Result            string            `yaml:"result" json:"result"`
	Artifacts         map[string]string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	Started           time.Time         `yaml:"started" json:"started"`
	Finished          time.Time         `yaml:"finished" json:"finished"`
}

// ManifestFile is the manifest's name inside a workspace
const ManifestFile = "manifest.yaml"

// NewManifest starts a manifest with a fresh run id
func NewManifest(kind, dataset, experiment string) *Manifest {
	return &Manifest{
		RunID:      uuid.New().String(),
		Kind:       kind,
		Dataset:    dataset,
		Experiment: experiment,
		Artifacts:  make(map[string]string),
		Started:    time.Now(),
	}
}

// ArtifactNames returns the recorded artifact keys sorted
func (m *Manifest) ArtifactNames() []string {
	names := make([]string, 0, len(m.Artifacts))
	for k := range m.Artifacts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SaveManifest writes the manifest into the workspace
func (w *Workspace) SaveManifest(m *Manifest) error {
	m.Finished = time.Now()
	return saveYAML(w.Path(ManifestFile), m)
}

// LoadManifest reads a workspace manifest
func LoadManifest(dir string) (*Manifest, error) {
	var m Manifest
	if err := loadYAML(filepath.Join(dir, ManifestFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func saveYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return ioError(path, err)
	}
	return nil
}

func loadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ioError(path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ScratchPatterns match the scratch files a run leaves behind when it
// fails before cleanup
var ScratchPatterns = []string{"ref_crop_*.tif"}

// SweepScratch removes leftover scratch files under dir, recursively.
// It returns how many were removed.
func SweepScratch(dir string) (int, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return 0, ioError(dir, err)
	}
	if !st.IsDir() {
		return 0, ioError(dir, fmt.Errorf("not a directory"))
	}

	ws := &Workspace{Dir: dir, Experiment: filepath.Base(dir), garbage: NewGarbage()}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		for _, pattern := range ScratchPatterns {
			if ok, _ := filepath.Match(pattern, d.Name()); ok {
				ws.garbage.Add(path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return 0, ioError(dir, err)
	}
	return ws.Cleanup(), nil
}
