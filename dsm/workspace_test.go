package dsm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestNewWorkspace(t *testing.T) {
	root := t.TempDir()

	ws, err := NewWorkspace(root, "exp1")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(root, "exp1"))
	assert.Equal(t, filepath.Join(root, "exp1", "roi.yaml"), ws.Path(ROIFile))

	for _, bad := range []string{"", "a/b", `a\b`} {
		_, err := NewWorkspace(root, bad)
		assert.ErrorIs(t, err, ErrConfig, "name %q", bad)
	}
}

func TestWorkspace_SubSharesGarbage(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "triplet")
	require.NoError(t, err)
	sub, err := ws.Sub("triplet_left")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(ws.Dir, "triplet_left"), sub.Dir)
	assert.Same(t, ws.Garbage(), sub.Garbage())

	p := sub.Scratch("tmp.bin")
	assert.Equal(t, []string{p}, ws.Garbage().Paths())
}

// ----------------------------------------------------------------------------
// Garbage
// ----------------------------------------------------------------------------

func TestGarbage_ConcurrentAdd(t *testing.T) {
	g := NewGarbage()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Add(fmt.Sprintf("/tmp/%d-%d", i, j))
				g.Add("/tmp/shared")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 801, g.Len())
	assert.Len(t, g.Drain(), 801)
	assert.Equal(t, 0, g.Len())
}

func TestWorkspace_CleanupKeepsProtected(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "exp")
	require.NoError(t, err)

	tmp1, err := ws.TempFile("ref_crop_*.tif")
	require.NoError(t, err)
	tmp2 := ws.Scratch("other.tmp")
	touch(t, tmp2)
	result := ws.Scratch(MergedHeightFile)
	touch(t, result)

	removed := ws.Cleanup(result)
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, tmp1)
	assert.NoFileExists(t, tmp2)
	assert.FileExists(t, result)
}

func TestWorkspace_CleanupIsIdempotent(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "exp")
	require.NoError(t, err)

	present := ws.Scratch("a.tmp")
	touch(t, present)
	ws.Scratch("never-created.tmp")

	assert.NotPanics(t, func() {
		assert.Equal(t, 1, ws.Cleanup())
	})
	assert.NotPanics(t, func() {
		assert.Equal(t, 0, ws.Cleanup())
	})

	// a path registered again after a cleanup is just gone
	ws.Garbage().Add(present)
	assert.Equal(t, 0, ws.Cleanup())
}

func TestSweepScratch(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root, "exp")
	require.NoError(t, err)
	sub, err := ws.Sub("exp_left")
	require.NoError(t, err)

	touch(t, ws.Path("ref_crop_1.tif"))
	touch(t, sub.Path("ref_crop_2.tif"))
	touch(t, sub.Path(HeightUnrectFile))

	n, err := SweepScratch(ws.Dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, sub.Path(HeightUnrectFile))

	n, err = SweepScratch(ws.Dir)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = SweepScratch(filepath.Join(root, "missing"))
	assert.ErrorIs(t, err, ErrIO)
	_, err = SweepScratch(sub.Path(HeightUnrectFile))
	assert.ErrorIs(t, err, ErrIO)
}

// ----------------------------------------------------------------------------
// Records
// ----------------------------------------------------------------------------

func TestWorkspace_CopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "rpc01.xml")
	require.NoError(t, os.WriteFile(src, []byte("<RPC/>"), 0644))
	ws, err := NewWorkspace(dir, "exp")
	require.NoError(t, err)

	dst, err := ws.CopyFile(src, RefRPCFile)
	require.NoError(t, err)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "<RPC/>", string(data))

	_, err = ws.CopyFile(filepath.Join(dir, "absent.xml"), SecRPCFile)
	assert.ErrorIs(t, err, ErrIO)
}

func TestSaveLoadFloatAndROI(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, SaveFloat(filepath.Join(dir, SubsamplingFile), 0.25))
	z, err := LoadFloat(filepath.Join(dir, SubsamplingFile))
	require.NoError(t, err)
	assert.Equal(t, 0.25, z)

	roi := ROI{X: 5000, Y: 5000, W: 1000, H: 1000}
	require.NoError(t, SaveROI(filepath.Join(dir, ROIFile), roi))
	got, err := LoadROI(filepath.Join(dir, ROIFile))
	require.NoError(t, err)
	assert.Equal(t, roi, got)
}

func TestManifest_RoundTrip(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "exp")
	require.NoError(t, err)

	m := NewManifest("pair", "ds", "exp")
	m.ROI = ROI{1, 2, 3, 4}
	m.Images = []int{1, 2}
	m.SubsamplingFactor = 0.5
	m.Result = ws.Path(HeightUnrectFile)
	m.Artifacts["mask"] = ws.Path(MaskFile)
	m.Artifacts["disparity"] = ws.Path(DisparityFile)
	require.NoError(t, ws.SaveManifest(m))

	got, err := LoadManifest(ws.Dir)
	require.NoError(t, err)
	if diff := cmp.Diff(m, got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
	assert.NotEmpty(t, got.RunID)
	assert.Equal(t, []string{"disparity", "mask"}, got.ArtifactNames())
	assert.False(t, got.Finished.Before(got.Started))
}
