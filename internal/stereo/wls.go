package stereo

import (
	"image"
	"math"
)

const (
	// wlsIterations is the number of row/column sweeps of the global smoother.
	wlsIterations = 3
	// consistencyThreshold is the largest left-right disagreement, in pixels,
	// at which a disparity is still trusted.
	consistencyThreshold = 1.0
	// minConfidence guards the final division.
	minConfidence = 1e-3
)

// filterWLS smooths d with a fast global smoother guided by g. Each pixel is
// weighted by its left-right agreement with s: the primary disparity v at x points
// at x-v in the secondary view, whose disparity should be -v.
func filterWLS(d, s *fgrid, g *grid, roi image.Rectangle, lambda, sigma float64) *fgrid {
	rw, rh := roi.Dx(), roi.Dy()
	num := make([]float64, rw*rh)
	conf := make([]float64, rw*rh)
	guide := make([]uint8, rw*rh)

	for y := 0; y < rh; y++ {
		for x := 0; x < rw; x++ {
			gx, gy := x+roi.Min.X, y+roi.Min.Y
			i := y*rw + x
			guide[i] = g.pix[gy*g.w+gx]

			v := d.v[gy*d.w+gx]
			if isInvalid(v) {
				continue
			}
			xs := gx - int(math.Round(float64(v)))
			if xs < 0 || xs >= s.w {
				continue
			}
			sv := s.v[gy*s.w+xs]
			if isInvalid(sv) || math.Abs(float64(v+sv)) > consistencyThreshold {
				continue
			}
			conf[i] = 1
			num[i] = float64(v)
		}
	}

	fgs := newSmoother(guide, rw, rh, lambda, sigma)
	fgs.apply(num)
	fgs.apply(conf)

	out := newFgrid(d.w, d.h)
	for i := range out.v {
		out.v[i] = invalid()
	}
	for y := 0; y < rh; y++ {
		for x := 0; x < rw; x++ {
			i := y*rw + x
			if conf[i] < minConfidence {
				continue
			}
			out.v[(y+roi.Min.Y)*d.w+x+roi.Min.X] = float32(num[i] / conf[i])
		}
	}
	return out
}

// smoother solves (I + λW) u = f separably along rows and columns, where W holds
// the guide's edge-stopping weights exp(-|Δg|/σ).
type smoother struct {
	guide  []uint8
	w, h   int
	lambda float64
	lut    [256]float64
}

func newSmoother(guide []uint8, w, h int, lambda, sigma float64) *smoother {
	s := &smoother{guide: guide, w: w, h: h, lambda: lambda}
	for i := range s.lut {
		s.lut[i] = math.Exp(-float64(i) / sigma)
	}
	return s
}

func (s *smoother) weight(i, j int) float64 {
	diff := int(s.guide[i]) - int(s.guide[j])
	if diff < 0 {
		diff = -diff
	}
	return s.lut[diff]
}

// apply filters f in place.
func (s *smoother) apply(f []float64) {
	n := max(s.w, s.h)
	line := make([]float64, n)
	idx := make([]int, n)
	scratch := newTridiagonal(n)

	denom := math.Pow(4, wlsIterations) - 1
	for t := 1; t <= wlsIterations; t++ {
		lt := 1.5 * s.lambda * math.Pow(4, float64(wlsIterations-t)) / denom

		for y := 0; y < s.h; y++ {
			for x := 0; x < s.w; x++ {
				idx[x] = y*s.w + x
			}
			s.solveLine(f, idx[:s.w], line[:s.w], lt, scratch)
		}
		for x := 0; x < s.w; x++ {
			for y := 0; y < s.h; y++ {
				idx[y] = y*s.w + x
			}
			s.solveLine(f, idx[:s.h], line[:s.h], lt, scratch)
		}
	}
}

type tridiagonal struct {
	a, b, c, cp, dp []float64
}

func newTridiagonal(n int) *tridiagonal {
	return &tridiagonal{
		a:  make([]float64, n),
		b:  make([]float64, n),
		c:  make([]float64, n),
		cp: make([]float64, n),
		dp: make([]float64, n),
	}
}

// solveLine solves the 1-D system along the pixels listed in idx with the Thomas algorithm.
func (s *smoother) solveLine(f []float64, idx []int, line []float64, lt float64, m *tridiagonal) {
	n := len(idx)
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		line[i] = f[idx[i]]
		m.a[i], m.c[i] = 0, 0
		if i > 0 {
			m.a[i] = -lt * s.weight(idx[i-1], idx[i])
		}
		if i < n-1 {
			m.c[i] = -lt * s.weight(idx[i], idx[i+1])
		}
		m.b[i] = 1 - m.a[i] - m.c[i]
	}

	m.cp[0] = m.c[0] / m.b[0]
	m.dp[0] = line[0] / m.b[0]
	for i := 1; i < n; i++ {
		den := m.b[i] - m.a[i]*m.cp[i-1]
		m.cp[i] = m.c[i] / den
		m.dp[i] = (line[i] - m.a[i]*m.dp[i-1]) / den
	}

	f[idx[n-1]] = m.dp[n-1]
	for i := n - 2; i >= 0; i-- {
		f[idx[i]] = m.dp[i] - m.cp[i]*f[idx[i+1]]
	}
}
