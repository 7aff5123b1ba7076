package dsm

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func intp(v int) *int { return &v }

// ----------------------------------------------------------------------------
// RoiSpec
// ----------------------------------------------------------------------------

func TestParseRoiFields(t *testing.T) {
	tests := []struct {
		name       string
		x, y, w, h *int
		wantAuto   bool
		wantROI    ROI
		wantErr    bool
	}{
		{name: "none is auto", wantAuto: true},
		{name: "all four", x: intp(10), y: intp(20), w: intp(300), h: intp(200), wantROI: ROI{10, 20, 300, 200}},
		{name: "only x", x: intp(10), wantErr: true},
		{name: "x and y", x: intp(10), y: intp(20), wantErr: true},
		{name: "missing h", x: intp(10), y: intp(20), w: intp(300), wantErr: true},
		{name: "only size", w: intp(300), h: intp(200), wantErr: true},
		{name: "zero width", x: intp(0), y: intp(0), w: intp(0), h: intp(10), wantErr: true},
		{name: "negative height", x: intp(0), y: intp(0), w: intp(10), h: intp(-1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseRoiFields(tt.x, tt.y, tt.w, tt.h)
			if tt.wantErr {
				if !errors.Is(err, ErrConfig) {
					t.Fatalf("expected a configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRoiFields failed: %v", err)
			}
			if spec.IsAuto() != tt.wantAuto {
				t.Errorf("IsAuto() = %v, want %v", spec.IsAuto(), tt.wantAuto)
			}
			if tt.wantAuto {
				return
			}
			roi, ok := spec.Explicit()
			if !ok {
				t.Fatal("expected an explicit ROI")
			}
			if roi != tt.wantROI {
				t.Errorf("got %v, want %v", roi, tt.wantROI)
			}
		})
	}
}

func TestParseRoiFields_PartialMessage(t *testing.T) {
	_, err := ParseRoiFields(intp(1), nil, intp(3), nil)
	if err == nil {
		t.Fatal("expected an error for a partial ROI")
	}
	if !strings.Contains(err.Error(), "2 of 4") {
		t.Errorf("expected the error to count the given fields, got %v", err)
	}
}

func TestRoiSpec_ZeroValueIsAuto(t *testing.T) {
	var s RoiSpec
	if !s.IsAuto() {
		t.Error("zero RoiSpec should be automatic")
	}
	if s.String() != "auto" {
		t.Errorf("expected auto, got %q", s.String())
	}
	if _, ok := s.Explicit(); ok {
		t.Error("zero RoiSpec has no explicit rectangle")
	}
}

func TestRoiSpec_ExplicitIsCopied(t *testing.T) {
	s, err := ExplicitROI(1, 2, 3, 4)
	if err != nil {
		t.Fatalf("ExplicitROI failed: %v", err)
	}
	r, _ := s.Explicit()
	r.W = 99
	if again, _ := s.Explicit(); again.W != 3 {
		t.Errorf("caller changed the stored ROI: %v", again)
	}
	if got := s.String(); got != "x=1 y=2 w=3 h=4" {
		t.Errorf("unexpected String() %q", got)
	}
}

// ----------------------------------------------------------------------------
// ROI
// ----------------------------------------------------------------------------

func TestROI_Contains(t *testing.T) {
	r := ROI{X: 10, Y: 20, W: 5, H: 4}
	tests := []struct {
		x, y int
		want bool
	}{
		{10, 20, true},
		{14, 23, true},
		{15, 20, false},
		{10, 24, false},
		{9, 20, false},
	}
	for _, tt := range tests {
		if got := r.Contains(tt.x, tt.y); got != tt.want {
			t.Errorf("Contains(%d, %d) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestROI_Corners(t *testing.T) {
	r := ROI{X: 10, Y: 20, W: 5, H: 4}
	if o := r.Origin(); o != (Point{10, 20}) {
		t.Errorf("Origin() = %v", o)
	}
	want := []Point{{10, 20}, {15, 20}, {15, 24}, {10, 24}}
	if got := r.Corners(); !reflect.DeepEqual(got, want) {
		t.Errorf("Corners() = %v, want %v", got, want)
	}
}

func TestStageError_Unwrap(t *testing.T) {
	inner := geometryErrorf("no convergence")
	err := error(&StageError{Experiment: "exp", Stage: StageTriangulation, Err: inner})

	if !errors.Is(err, ErrGeometry) {
		t.Error("expected the stage error to wrap a geometric failure")
	}
	if errors.Is(err, ErrConfig) {
		t.Error("a geometric failure is not a configuration error")
	}
	if want := "exp: triangulation: geometric failure: no convergence"; err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
