package geometry

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/ayusman/duolens/internal/calib"
)

const tol = 1e-9

func TestCameraMatrix(t *testing.T) {
	m := CameraMatrix([5]float64{1000, 900, 320, 240, 0.5})
	want := mat.NewDense(3, 3, []float64{
		1000, 0.5, 320,
		0, 900, 240,
		0, 0, 1,
	})
	if !mat.Equal(m, want) {
		t.Errorf("CameraMatrix() = %v, want %v", mat.Formatted(m), mat.Formatted(want))
	}
}

func TestDistortionVector(t *testing.T) {
	got := DistortionVector([5]float64{1, 2, 3, 4, 5})
	want := [5]float64{1, 2, 4, 5, 3}
	if got != want {
		t.Errorf("DistortionVector() = %v, want %v", got, want)
	}
}

func randomUnitQuat(rng *rand.Rand) quat.Number {
	q := quat.Number{Real: rng.NormFloat64(), Imag: rng.NormFloat64(), Jmag: rng.NormFloat64(), Kmag: rng.NormFloat64()}
	return quat.Scale(1/quat.Abs(q), q)
}

func TestRotationFromQuaternion_Orthonormal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		r := RotationFromQuaternion(randomUnitQuat(rng))

		if d := mat.Det(r); math.Abs(d-1) > 1e-9 {
			t.Fatalf("det(R) = %v, want 1", d)
		}

		var rrt mat.Dense
		rrt.Mul(r, r.T())
		if !mat.EqualApprox(&rrt, eye(), 1e-9) {
			t.Fatalf("R·Rᵀ = %v, want identity", mat.Formatted(&rrt))
		}
	}
}

func TestRotationFromQuaternion_Identity(t *testing.T) {
	r := RotationFromQuaternion(quat.Number{Real: 1})
	if !mat.Equal(r, eye()) {
		t.Errorf("identity quaternion gave %v", mat.Formatted(r))
	}
}

func TestRelativePose_IdenticalPoses(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 10; i++ {
		p := Pose{Rotation: randomUnitQuat(rng)}

		ext, err := RelativePose(p, p)
		if err != nil {
			t.Fatalf("RelativePose() error = %v", err)
		}
		if !mat.EqualApprox(ext.R, eye(), 1e-9) {
			t.Errorf("R = %v, want identity", mat.Formatted(ext.R))
		}
		if ext.T.Norm() > tol {
			t.Errorf("T = %v, want zero", ext.T)
		}
	}
}

func TestRelativePose_Translation(t *testing.T) {
	// Quarter turn around z: rows of R_a are (0,-1,0), (1,0,0), (0,0,1).
	a := Pose{
		Rotation:    quat.Number{Real: math.Sqrt2 / 2, Kmag: math.Sqrt2 / 2},
		Translation: r3.Vector{X: 1, Y: 2, Z: 3},
	}
	b := Pose{Rotation: quat.Number{Real: 1}}

	ext, err := RelativePose(a, b)
	if err != nil {
		t.Fatalf("RelativePose() error = %v", err)
	}

	want := r3.Vector{X: 2, Y: -1, Z: -3}
	if ext.T.Sub(want).Norm() > 1e-9 {
		t.Errorf("T = %v, want %v", ext.T, want)
	}

	ra := RotationFromQuaternion(a.Rotation)
	if !mat.EqualApprox(ext.R, ra, 1e-9) {
		t.Errorf("R = %v, want R_a when R_b is identity", mat.Formatted(ext.R))
	}
}

func TestRelativePose_InverseOfB(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := Pose{Rotation: quat.Number{Real: 1}}
	b := Pose{Rotation: randomUnitQuat(rng)}

	ext, err := RelativePose(a, b)
	if err != nil {
		t.Fatalf("RelativePose() error = %v", err)
	}

	var prod mat.Dense
	prod.Mul(RotationFromQuaternion(b.Rotation), ext.R)
	if !mat.EqualApprox(&prod, eye(), 1e-9) {
		t.Errorf("R_b·R = %v, want identity", mat.Formatted(&prod))
	}
}

func TestPseudoInverse_Singular(t *testing.T) {
	m := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 0,
	})
	if _, err := pseudoInverse(m); !errors.Is(err, ErrDegenerate) {
		t.Errorf("pseudoInverse() error = %v, want ErrDegenerate", err)
	}
}

func completeCalibration(lens calib.LensID, tx float64) calib.Calibration {
	return calib.Calibration{
		Lens:        lens,
		Intrinsics:  []float64{500, 500, 320, 240, 0},
		Distortion:  []float64{0, 0, 0, 0, 0},
		Rotation:    []float64{0, 0, 0, 1},
		Translation: []float64{tx, 0, 0},
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		normal  calib.Calibration
		wide    calib.Calibration
		want    Availability
		wantErr error
	}{
		{
			name:   "complete",
			normal: completeCalibration(calib.Normal, 0.012),
			wide:   completeCalibration(calib.Wide, 0),
			want:   CalibrationAvailable,
		},
		{
			name:    "normal missing intrinsics",
			normal:  calib.Calibration{Lens: calib.Normal},
			wide:    completeCalibration(calib.Wide, 0),
			want:    CalibrationUnavailable,
			wantErr: ErrMissingCalibration,
		},
		{
			name:    "zero baseline",
			normal:  completeCalibration(calib.Normal, 0),
			wide:    completeCalibration(calib.Wide, 0),
			want:    CalibrationUnavailable,
			wantErr: ErrDegenerate,
		},
		{
			name: "zero quaternion",
			normal: func() calib.Calibration {
				c := completeCalibration(calib.Normal, 0.01)
				c.Rotation = []float64{0, 0, 0, 0}
				return c
			}(),
			wide:    completeCalibration(calib.Wide, 0),
			want:    CalibrationUnavailable,
			wantErr: ErrDegenerate,
		},
		{
			name: "NaN translation",
			normal: func() calib.Calibration {
				c := completeCalibration(calib.Normal, 0.012)
				c.Translation = []float64{math.NaN(), 0, 0}
				return c
			}(),
			wide:    completeCalibration(calib.Wide, 0),
			want:    CalibrationUnavailable,
			wantErr: ErrDegenerate,
		},
		{
			name: "NaN intrinsics",
			normal: func() calib.Calibration {
				c := completeCalibration(calib.Normal, 0.012)
				c.Intrinsics = []float64{math.NaN(), 1000, 500, 400, 0}
				return c
			}(),
			wide:    completeCalibration(calib.Wide, 0),
			want:    CalibrationUnavailable,
			wantErr: ErrDegenerate,
		},
		{
			name: "infinite distortion",
			normal: func() calib.Calibration {
				c := completeCalibration(calib.Normal, 0.012)
				c.Distortion = []float64{math.Inf(1), 0, 0, 0, 0}
				return c
			}(),
			wide:    completeCalibration(calib.Wide, 0),
			want:    CalibrationUnavailable,
			wantErr: ErrDegenerate,
		},
		{
			name: "NaN quaternion",
			normal: func() calib.Calibration {
				c := completeCalibration(calib.Normal, 0.012)
				c.Rotation = []float64{0, math.NaN(), 0, 1}
				return c
			}(),
			wide:    completeCalibration(calib.Wide, 0),
			want:    CalibrationUnavailable,
			wantErr: ErrDegenerate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Resolve(tt.normal, tt.wide)
			if g.Availability != tt.want {
				t.Fatalf("Availability = %v, want %v (reason %v)", g.Availability, tt.want, g.Reason)
			}
			if tt.wantErr != nil && !errors.Is(g.Reason, tt.wantErr) {
				t.Errorf("Reason = %v, want %v", g.Reason, tt.wantErr)
			}
			if g.Available() {
				if g.Extrinsics.T.X != -0.012 {
					t.Errorf("T.X = %v, want -0.012", g.Extrinsics.T.X)
				}
				if g.Normal.Matrix.At(0, 0) != 500 {
					t.Errorf("normal f_x = %v, want 500", g.Normal.Matrix.At(0, 0))
				}
			}
		})
	}
}

func eye() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
