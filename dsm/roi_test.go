package dsm

import (
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockDetector is a testify mock of ROIDetector
type mockDetector struct {
	mock.Mock
}

func (m *mockDetector) DetectROI(ref ImageSource) (ROI, error) {
	args := m.Called(ref)
	return args.Get(0).(ROI), args.Error(1)
}

func TestResolveROI_ExplicitSkipsDetector(t *testing.T) {
	det := &mockDetector{}
	spec, err := ExplicitROI(5000, 5000, 1000, 1000)
	require.NoError(t, err)

	roi, err := ResolveROI(spec, ImageSource{ID: 1}, det)
	require.NoError(t, err)
	assert.Equal(t, ROI{5000, 5000, 1000, 1000}, roi)
	det.AssertNotCalled(t, "DetectROI", mock.Anything)
}

func TestResolveROI_AutoUsesDetector(t *testing.T) {
	ref := ImageSource{ID: 1, Image: "im01.tif"}
	det := &mockDetector{}
	det.On("DetectROI", ref).Return(ROI{10, 20, 30, 40}, nil).Once()

	roi, err := ResolveROI(AutoDetectROI(), ref, det)
	require.NoError(t, err)
	assert.Equal(t, ROI{10, 20, 30, 40}, roi)
	det.AssertExpectations(t)
}

func TestResolveROI_Failures(t *testing.T) {
	_, err := ResolveROI(AutoDetectROI(), ImageSource{}, nil)
	assert.ErrorIs(t, err, ErrConfig)

	boom := errors.New("no preview")
	det := &mockDetector{}
	det.On("DetectROI", mock.Anything).Return(ROI{}, boom).Once()
	_, err = ResolveROI(AutoDetectROI(), ImageSource{}, det)
	assert.ErrorIs(t, err, boom)

	det = &mockDetector{}
	det.On("DetectROI", mock.Anything).Return(ROI{W: 0, H: 10}, nil).Once()
	_, err = ResolveROI(AutoDetectROI(), ImageSource{}, det)
	assert.ErrorIs(t, err, ErrConfig)
}

// ----------------------------------------------------------------------------
// PreviewROIDetector
// ----------------------------------------------------------------------------

func TestCentredROI(t *testing.T) {
	assert.Equal(t, ROI{X: 300, Y: 300, W: 400, H: 400}, centredROI(image.Rect(200, 200, 800, 800), 400, 400))
	// shrunk to the area
	assert.Equal(t, ROI{X: 10, Y: 0, W: 50, H: 20}, centredROI(image.Rect(10, 0, 60, 20), 100, 100))
}

func TestPreviewROIDetector(t *testing.T) {
	dir := t.TempDir()
	rpc := filepath.Join(dir, "rpc01.xml")
	writeRPC(t, rpc, linearRPC(0)) // 1000 x 1000

	// 100 x 100 preview, valid in [20, 80) on both axes
	preview := image.NewGray(image.Rect(0, 0, 100, 100))
	for y := 20; y < 80; y++ {
		for x := 20; x < 80; x++ {
			preview.SetGray(x, y, color.Gray{Y: 128})
		}
	}
	prevPath := filepath.Join(dir, "prev01.png")
	require.NoError(t, savePNG(prevPath, preview))

	det := &PreviewROIDetector{Width: 400, Height: 200}
	roi, err := det.DetectROI(ImageSource{ID: 1, RPC: rpc, Preview: prevPath})
	require.NoError(t, err)
	assert.Equal(t, ROI{X: 300, Y: 400, W: 400, H: 200}, roi)

	// without a preview the whole extent is valid
	roi, err = det.DetectROI(ImageSource{ID: 1, RPC: rpc})
	require.NoError(t, err)
	assert.Equal(t, ROI{X: 300, Y: 400, W: 400, H: 200}, roi)

	// an unreadable preview falls back to the extent
	bad := filepath.Join(dir, "prev02.jpg")
	touch(t, bad)
	det.Width = 2000
	roi, err = det.DetectROI(ImageSource{ID: 1, RPC: rpc, Preview: bad})
	require.NoError(t, err)
	assert.Equal(t, ROI{X: 0, Y: 400, W: 1000, H: 200}, roi)
}

func TestPreviewROIDetector_OffCentre(t *testing.T) {
	dir := t.TempDir()
	rpc := filepath.Join(dir, "rpc01.xml")
	writeRPC(t, rpc, linearRPC(0))

	preview := image.NewGray(image.Rect(0, 0, 100, 100))
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			preview.SetGray(x, y, color.Gray{Y: 200})
		}
	}
	prevPath := filepath.Join(dir, "prev01.png")
	require.NoError(t, savePNG(prevPath, preview))

	det := &PreviewROIDetector{Width: 100, Height: 100}
	roi, err := det.DetectROI(ImageSource{ID: 1, RPC: rpc, Preview: prevPath})
	require.NoError(t, err)
	assert.Equal(t, ROI{X: 200, Y: 200, W: 100, H: 100}, roi)
}

func TestPreviewROIDetector_BadCamera(t *testing.T) {
	det := &PreviewROIDetector{Width: 10, Height: 10}
	_, err := det.DetectROI(ImageSource{RPC: filepath.Join(t.TempDir(), "none.xml")})
	assert.ErrorIs(t, err, ErrConfig)
}
