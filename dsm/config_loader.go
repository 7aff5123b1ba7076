package dsm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Supported block matching cost functions
const (
	AlgorithmNCC = "ncc"
	AlgorithmSAD = "sad"
)

// DefaultFusionThreshold is the consensus threshold (metres) used when
// merging the two height maps of a triplet.
const DefaultFusionThreshold = 3.0

// DefaultConfig returns a configuration with every field populated
func DefaultConfig() *Config {
	return &Config{
		DataRoot:          "pleiades_data",
		WorkDir:           os.TempDir(),
		SubsamplingFactor: 1,
		MatchingAlgorithm: AlgorithmNCC,
		FusionThreshold:   DefaultFusionThreshold,
		ParallelPairs:     true,
		ROI: ROIConfig{
			DefaultWidth:  1000,
			DefaultHeight: 1000,
		},
		Pointing: PointingConfig{
			GridStep:     50,
			SearchRadius: 8,
			WindowRadius: 7,
			MinMatches:   5,
		},
		Matching: MatchingConfig{
			WindowRadius:         3,
			ConsistencyTolerance: 1,
		},
		HeightRange: HeightRange{Min: -100, Max: 1000},
		MQTT: MQTTConfig{
			PublishPrefix: "stereomesh",
			ClientID:      "stereomesh",
		},
	}
}

// LoadConfig loads the configuration from a YAML file.
// Fields absent from the file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks every field that later stages rely on
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return configErrorf("dataRoot is required")
	}
	if c.WorkDir == "" {
		return configErrorf("workDir is required")
	}
	if err := ValidateZoom(c.SubsamplingFactor); err != nil {
		return err
	}
	switch c.MatchingAlgorithm {
	case AlgorithmNCC, AlgorithmSAD:
	default:
		return configErrorf("unknown matchingAlgorithm %q", c.MatchingAlgorithm)
	}
	if c.FusionThreshold <= 0 {
		return configErrorf("fusionThreshold must be positive, got %g", c.FusionThreshold)
	}
	if c.ROI.DefaultWidth <= 0 || c.ROI.DefaultHeight <= 0 {
		return configErrorf("roi.defaultWidth and roi.defaultHeight must be positive")
	}
	if c.Pointing.GridStep <= 0 || c.Pointing.SearchRadius < 0 || c.Pointing.WindowRadius <= 0 {
		return configErrorf("pointing.gridStep and pointing.windowRadius must be positive")
	}
	if c.Pointing.MinMatches < 1 {
		return configErrorf("pointing.minMatches must be at least 1")
	}
	if c.Matching.WindowRadius <= 0 {
		return configErrorf("matching.windowRadius must be positive")
	}
	if c.HeightRange.Min >= c.HeightRange.Max {
		return configErrorf("heightRange.min (%g) must be below heightRange.max (%g)", c.HeightRange.Min, c.HeightRange.Max)
	}
	return nil
}

// ValidateZoom checks a subsampling factor lies in (0, 1]
func ValidateZoom(zoom float64) error {
	if !(zoom > 0 && zoom <= 1) {
		return configErrorf("subsampling factor must be in (0, 1], got %g", zoom)
	}
	return nil
}

// ApplyEnv overrides MQTT settings from the environment, the same
// variables InitMQTT honours.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}
