package dsm

import "fmt"

// Point represents a 2D coordinate in some image grid
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// ROI is a rectangle in reference-image pixel coordinates.
// (X, Y) is the top-left corner, W and H the dimensions.
type ROI struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	W int `json:"w" yaml:"w"`
	H int `json:"h" yaml:"h"`
}

// Validate checks the rectangle has a positive size
func (r ROI) Validate() error {
	if r.W <= 0 || r.H <= 0 {
		return configErrorf("roi %s: width and height must be positive", r)
	}
	return nil
}

func (r ROI) String() string {
	return fmt.Sprintf("x=%d y=%d w=%d h=%d", r.X, r.Y, r.W, r.H)
}

// Origin returns the top-left corner as a point
func (r ROI) Origin() Point {
	return Point{X: float64(r.X), Y: float64(r.Y)}
}

// Contains reports whether the pixel (px, py) lies inside the rectangle
func (r ROI) Contains(px, py int) bool {
	return px >= r.X && px < r.X+r.W && py >= r.Y && py < r.Y+r.H
}

// Corners returns the four corners clockwise from the top-left
func (r ROI) Corners() []Point {
	x0, y0 := float64(r.X), float64(r.Y)
	x1, y1 := float64(r.X+r.W), float64(r.Y+r.H)
	return []Point{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}}
}

// RoiSpec is either an explicit rectangle or a request to derive one
// automatically from the reference camera model and preview.
// The zero value is AutoDetect.
type RoiSpec struct {
	explicit *ROI
}

// ExplicitROI builds a spec from a fully specified rectangle
func ExplicitROI(x, y, w, h int) (RoiSpec, error) {
	r := ROI{X: x, Y: y, W: w, H: h}
	if err := r.Validate(); err != nil {
		return RoiSpec{}, err
	}
	return RoiSpec{explicit: &r}, nil
}

// AutoDetectROI returns the spec that triggers automatic derivation
func AutoDetectROI() RoiSpec {
	return RoiSpec{}
}

// ParseRoiFields builds a spec from four optional fields.
// All four nil means AutoDetect; all four set means Explicit.
// Any mixture is a configuration error, never silently completed.
func ParseRoiFields(x, y, w, h *int) (RoiSpec, error) {
	set := 0
	for _, v := range []*int{x, y, w, h} {
		if v != nil {
			set++
		}
	}
	switch set {
	case 0:
		return AutoDetectROI(), nil
	case 4:
		return ExplicitROI(*x, *y, *w, *h)
	default:
		return RoiSpec{}, configErrorf("roi partially specified (%d of 4 fields): give all of x, y, w, h or none", set)
	}
}

// IsAuto reports whether the spec requests automatic derivation
func (s RoiSpec) IsAuto() bool {
	return s.explicit == nil
}

// Explicit returns the rectangle and true for an explicit spec
func (s RoiSpec) Explicit() (ROI, bool) {
	if s.explicit == nil {
		return ROI{}, false
	}
	return *s.explicit, true
}

func (s RoiSpec) String() string {
	if s.explicit == nil {
		return "auto"
	}
	return s.explicit.String()
}

// ImageSource locates the files of one acquisition in a dataset
type ImageSource struct {
	ID      int    `json:"id" yaml:"id"`
	Image   string `json:"image" yaml:"image"`
	RPC     string `json:"rpc" yaml:"rpc"`
	Preview string `json:"preview" yaml:"preview"`
}

// HeightRange bounds the ground altitudes searched during rectification
type HeightRange struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// ROIConfig holds the automatic ROI derivation settings
type ROIConfig struct {
	DefaultWidth  int `yaml:"defaultWidth" json:"defaultWidth"`
	DefaultHeight int `yaml:"defaultHeight" json:"defaultHeight"`
}

// PointingConfig tunes the default pointing correction estimator
type PointingConfig struct {
	GridStep     int `yaml:"gridStep" json:"gridStep"`
	SearchRadius int `yaml:"searchRadius" json:"searchRadius"`
	WindowRadius int `yaml:"windowRadius" json:"windowRadius"`
	MinMatches   int `yaml:"minMatches" json:"minMatches"`
}

// MatchingConfig tunes the default block matcher
type MatchingConfig struct {
	WindowRadius         int     `yaml:"windowRadius" json:"windowRadius"`
	ConsistencyTolerance float64 `yaml:"consistencyTolerance" json:"consistencyTolerance"`
}

// MQTTConfig holds MQTT connection settings for progress publishing
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	DataRoot          string         `yaml:"dataRoot" json:"dataRoot"`
	WorkDir           string         `yaml:"workDir" json:"workDir"`
	SubsamplingFactor float64        `yaml:"subsamplingFactor" json:"subsamplingFactor"`
	MatchingAlgorithm string         `yaml:"matchingAlgorithm" json:"matchingAlgorithm"`
	FusionThreshold   float64        `yaml:"fusionThreshold" json:"fusionThreshold"`
	ParallelPairs     bool           `yaml:"parallelPairs" json:"parallelPairs"`
	ROI               ROIConfig      `yaml:"roi" json:"roi"`
	Pointing          PointingConfig `yaml:"pointing" json:"pointing"`
	Matching          MatchingConfig `yaml:"matching" json:"matching"`
	HeightRange       HeightRange    `yaml:"heightRange" json:"heightRange"`
	MQTT              MQTTConfig     `yaml:"mqtt" json:"mqtt"`
}
