// Package calib describes the per-lens calibration metadata that accompanies every captured frame.
package calib

import (
	"errors"
	"fmt"
	"image"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LensID identifies one of the two rear lenses.
type LensID int

const (
	// Normal is the standard focal length lens.
	Normal LensID = iota
	// Wide is the wide-angle lens.
	Wide
)

// ErrUnknownLens is returned when a lens name cannot be parsed.
var ErrUnknownLens = errors.New("unknown lens")

func (l LensID) String() string {
	switch l {
	case Normal:
		return "normal"
	case Wide:
		return "wide"
	default:
		return fmt.Sprintf("lens(%d)", int(l))
	}
}

// ParseLens parses "normal" or "wide".
func ParseLens(s string) (LensID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return Normal, nil
	case "wide":
		return Wide, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLens, s)
}

// Rect is a face rectangle in the original sensor frame.
type Rect struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Rectangle converts r to an image.Rectangle.
func (r Rect) Rectangle() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Calibration is the metadata a lens reports for one exposure.
// Slices are nil when the platform did not report the value.
type Calibration struct {
	Lens LensID `yaml:"-"`

	// Intrinsics is f_x, f_y, c_x, c_y, s.
	Intrinsics []float64 `yaml:"intrinsics,omitempty"`
	// Distortion is the five radial/tangential coefficients in platform order.
	Distortion []float64 `yaml:"distortion,omitempty"`
	// Rotation is the pose quaternion x, y, z, w.
	Rotation []float64 `yaml:"pose_rotation,omitempty"`
	// Translation is the pose translation x, y, z.
	Translation []float64 `yaml:"pose_translation,omitempty"`

	Face *Rect `yaml:"face,omitempty"`
}

// HasIntrinsics reports whether all five intrinsic values are present.
func (c Calibration) HasIntrinsics() bool { return len(c.Intrinsics) == 5 }

// HasDistortion reports whether all five distortion coefficients are present.
func (c Calibration) HasDistortion() bool { return len(c.Distortion) == 5 }

// HasPose reports whether both pose rotation and translation are present.
func (c Calibration) HasPose() bool { return len(c.Rotation) == 4 && len(c.Translation) == 3 }

// Complete reports whether the calibration can drive rectification.
func (c Calibration) Complete() bool {
	return c.HasIntrinsics() && c.HasDistortion() && c.HasPose()
}

// FaceBounds returns the face rectangle and whether one was reported.
func (c Calibration) FaceBounds() (image.Rectangle, bool) {
	if c.Face == nil || c.Face.Width <= 0 || c.Face.Height <= 0 {
		return image.Rectangle{}, false
	}
	return c.Face.Rectangle(), true
}

// WithFace returns a copy of c reporting the given face rectangle.
func (c Calibration) WithFace(r image.Rectangle) Calibration {
	c.Face = &Rect{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
	return c
}

// Rig holds the calibration of both lenses, as stored in a calibration file.
type Rig struct {
	Normal Calibration `yaml:"normal"`
	Wide   Calibration `yaml:"wide"`
}

// For returns the calibration of the given lens.
func (r *Rig) For(lens LensID) Calibration {
	if lens == Wide {
		return r.Wide
	}
	return r.Normal
}

// ParseRig parses a YAML calibration document.
func ParseRig(data []byte) (*Rig, error) {
	rig := &Rig{}
	if err := yaml.Unmarshal(data, rig); err != nil {
		return nil, fmt.Errorf("failed to parse calibration: %w", err)
	}
	rig.Normal.Lens = Normal
	rig.Wide.Lens = Wide
	return rig, nil
}

// LoadRig reads a YAML calibration file.
func LoadRig(path string) (*Rig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file: %w", err)
	}
	return ParseRig(data)
}
