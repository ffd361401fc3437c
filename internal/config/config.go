// Package config provides configuration loading and management for duolens.
// It handles loading configuration from YAML files, provides default values and
// applies runtime overrides addressed by dotted keys such as "pipeline.sepia".
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ayusman/duolens/internal/stereo"
)

var (
	// ErrUnknownSetting is returned by Set for keys that do not name a scalar setting.
	ErrUnknownSetting = errors.New("unknown setting")
	// ErrInvalidConfig is returned when a configuration fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config represents the application configuration loaded from YAML
type Config struct {
	Pipeline  Pipeline  `yaml:"pipeline"`
	Disparity Disparity `yaml:"disparity"`
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Capture   Capture   `yaml:"capture"`
	Detector  Detector  `yaml:"detector"`
	Logging   Logging   `yaml:"logging"`
}

// Pipeline holds the per-shot processing switches.
type Pipeline struct {
	// CalibrationMode saves the raw shots and skips depth processing.
	CalibrationMode bool `yaml:"calibration_mode"`
	// SaveIntermediate writes every stage image under Storage.IntermediateDir.
	SaveIntermediate bool `yaml:"save_intermediate"`
	// ShowIntermediate publishes every stage image to the preview board.
	ShowIntermediate bool `yaml:"show_intermediate"`
	// Sepia selects a sepia background; false selects monochrome.
	Sepia bool `yaml:"sepia"`
	// DownscaleFactor shrinks frames before matching.
	DownscaleFactor float64 `yaml:"downscale_factor"`
	// BlurRadius is the background blur radius in working-frame pixels.
	BlurRadius int `yaml:"blur_radius"`
	// MaskThreshold is the normalized disparity at or above which a pixel is foreground.
	MaskThreshold int `yaml:"mask_threshold"`
	// FaceProtection forces detected faces into the foreground.
	FaceProtection bool `yaml:"face_protection"`
	// RequiredRotation is the device orientation correction in degrees.
	RequiredRotation int `yaml:"required_rotation"`
}

// Disparity holds the matcher and filter settings.
type Disparity struct {
	MinDisparity      int     `yaml:"min_disparity"`
	NumDisparities    int     `yaml:"num_disparities"`
	WindowSize        int     `yaml:"window_size"`
	P1                int     `yaml:"p1"`
	P2                int     `yaml:"p2"`
	MaxDiff           int     `yaml:"max_diff"`
	PreFilterCap      int     `yaml:"prefilter_cap"`
	UniquenessRatio   int     `yaml:"uniqueness_ratio"`
	SpeckleWindowSize int     `yaml:"speckle_window_size"`
	SpeckleRange      int     `yaml:"speckle_range"`
	Mode              string  `yaml:"mode"`
	WLSLambda         float64 `yaml:"wls_lambda"`
	WLSSigma          float64 `yaml:"wls_sigma"`
	// InvertMatcher makes the right matcher's map primary.
	InvertMatcher bool `yaml:"invert_matcher"`
}

// Storage holds filesystem locations.
type Storage struct {
	DataDir         string `yaml:"data_dir"`
	Database        string `yaml:"database"`
	OutputDir       string `yaml:"output_dir"`
	IntermediateDir string `yaml:"intermediate_dir"`
	PluginDir       string `yaml:"plugin_dir"`
	PluginTimeoutMs int    `yaml:"plugin_timeout_ms"`
}

// Server holds HTTP settings.
type Server struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
}

// Capture holds camera device settings.
type Capture struct {
	NormalDevice int  `yaml:"normal_device"`
	WideDevice   int  `yaml:"wide_device"`
	Width        int  `yaml:"width"`
	Height       int  `yaml:"height"`
	TwoLens      bool `yaml:"two_lens"`
	// CalibrationFile is the YAML rig calibration attached to captured frames.
	CalibrationFile string `yaml:"calibration_file"`
}

// Detector holds face detector settings.
type Detector struct {
	CascadeFile string `yaml:"cascade_file"`
	MinFaceSize int    `yaml:"min_face_size"`
}

// Logging holds logger settings.
type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Pipeline.Sepia = true
	cfg.Pipeline.DownscaleFactor = 0.5
	cfg.Pipeline.BlurRadius = 25
	cfg.Pipeline.MaskThreshold = 128
	cfg.Pipeline.FaceProtection = true

	cfg.Disparity.MinDisparity = 0
	cfg.Disparity.NumDisparities = 64
	cfg.Disparity.WindowSize = 5
	cfg.Disparity.P1 = 200
	cfg.Disparity.P2 = 800
	cfg.Disparity.MaxDiff = -1
	cfg.Disparity.PreFilterCap = 63
	cfg.Disparity.UniquenessRatio = 0
	cfg.Disparity.SpeckleWindowSize = 100
	cfg.Disparity.SpeckleRange = 2
	cfg.Disparity.Mode = stereo.ModeHH4.String()
	cfg.Disparity.WLSLambda = 8000
	cfg.Disparity.WLSSigma = 1.5

	cfg.Storage.DataDir = defaultDataDir()
	cfg.Storage.Database = "duolens.db"
	cfg.Storage.OutputDir = "shots"
	cfg.Storage.IntermediateDir = "intermediate"
	cfg.Storage.PluginDir = "plugins"
	cfg.Storage.PluginTimeoutMs = 5000

	cfg.Server.Addr = ":8080"

	cfg.Capture.NormalDevice = 0
	cfg.Capture.WideDevice = 1
	cfg.Capture.Width = 1280
	cfg.Capture.Height = 960
	cfg.Capture.TwoLens = true

	cfg.Detector.MinFaceSize = 40

	cfg.Logging.Level = "info"

	return cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".duolens"
	}
	return filepath.Join(home, ".duolens")
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	p := c.Pipeline
	switch {
	case p.DownscaleFactor <= 0 || p.DownscaleFactor > 1:
		return fmt.Errorf("%w: downscale_factor %g must be in (0, 1]", ErrInvalidConfig, p.DownscaleFactor)
	case p.BlurRadius < 0:
		return fmt.Errorf("%w: blur_radius %d must not be negative", ErrInvalidConfig, p.BlurRadius)
	case p.MaskThreshold < 0 || p.MaskThreshold > 255:
		return fmt.Errorf("%w: mask_threshold %d must be in [0, 255]", ErrInvalidConfig, p.MaskThreshold)
	case p.RequiredRotation%90 != 0:
		return fmt.Errorf("%w: required_rotation %d must be a multiple of 90", ErrInvalidConfig, p.RequiredRotation)
	case c.Disparity.WLSSigma <= 0 || c.Disparity.WLSLambda < 0:
		return fmt.Errorf("%w: wls lambda/sigma %g/%g", ErrInvalidConfig, c.Disparity.WLSLambda, c.Disparity.WLSSigma)
	}
	if _, err := c.Disparity.Params(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Params converts the disparity settings into matcher parameters.
func (d Disparity) Params() (stereo.Params, error) {
	mode, err := stereo.ParseMode(d.Mode)
	if err != nil {
		return stereo.Params{}, err
	}
	p := stereo.Params{
		MinDisparity:      d.MinDisparity,
		NumDisparities:    d.NumDisparities,
		BlockSize:         d.WindowSize,
		P1:                d.P1,
		P2:                d.P2,
		Disp12MaxDiff:     d.MaxDiff,
		PreFilterCap:      d.PreFilterCap,
		UniquenessRatio:   d.UniquenessRatio,
		SpeckleWindowSize: d.SpeckleWindowSize,
		SpeckleRange:      d.SpeckleRange,
		Mode:              mode,
	}
	return p, p.Validate()
}

// Path resolves a storage location relative to the data directory.
func (s Storage) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.DataDir, name)
}

// RuntimeKey reports whether key may be changed while the application runs.
func RuntimeKey(key string) bool {
	return strings.HasPrefix(key, "pipeline.") || strings.HasPrefix(key, "disparity.")
}

// Set assigns the scalar setting named by a dotted key. The value is parsed with
// YAML rules for the setting's type and the result must validate; on error c is unchanged.
func (c *Config) Set(key, value string) error {
	var root yaml.Node
	if err := root.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	node := lookup(&root, strings.Split(key, "."))
	if node == nil || node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	node.Value = value
	node.Style = 0

	next := &Config{}
	if err := root.Decode(next); err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, value, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	*c = *next
	return nil
}

// Get returns the value of a dotted key.
func (c *Config) Get(key string) (string, error) {
	v, ok := c.Settings()[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	return v, nil
}

// Settings flattens every scalar setting into dotted keys.
func (c *Config) Settings() map[string]string {
	var root yaml.Node
	out := make(map[string]string)
	if err := root.Encode(c); err != nil {
		return out
	}
	flatten(&root, "", out)
	return out
}

// Keys returns the sorted setting keys.
func (c *Config) Keys() []string {
	settings := c.Settings()
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lookup(n *yaml.Node, path []string) *yaml.Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	for _, part := range path {
		if n.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == part {
				next = n.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil
		}
		n = next
	}
	return n
}

func flatten(n *yaml.Node, prefix string, out map[string]string) {
	switch n.Kind {
	case yaml.DocumentNode:
		for _, child := range n.Content {
			flatten(child, prefix, out)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if prefix != "" {
				key = prefix + "." + key
			}
			flatten(n.Content[i+1], key, out)
		}
	case yaml.ScalarNode:
		out[prefix] = n.Value
	}
}
