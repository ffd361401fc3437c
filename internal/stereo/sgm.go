package stereo

import "math"

// matcher computes disparities for one reference view. Costs are a block sum of
// prefiltered gradient and intensity differences; ModeHH4 aggregates them along the
// four axis-aligned scanline paths before the winner-takes-all step.
type matcher struct {
	p   Params
	dir int
	nd  int
	r   int
	p1  int32
	p2  int32
}

func newMatcher(p Params, side Side) *matcher {
	dir := 1
	if side == Right {
		dir = -1
	}
	p2 := p.P2
	if p2 < p.P1 {
		p2 = p.P1
	}
	return &matcher{
		p:   p,
		dir: dir,
		nd:  p.NumDisparities,
		r:   p.BlockSize / 2,
		p1:  int32(p.P1),
		p2:  int32(p2),
	}
}

// partner returns the column in the other view matched by reference column x at
// disparity index d.
func (m *matcher) partner(x, d int) int {
	return x - m.dir*(m.p.MinDisparity+d)
}

// prefilter returns the horizontal Sobel response clipped to [-limit, limit] and shifted
// to [0, 2*limit].
func prefilter(g *grid, limit int) []int16 {
	out := make([]int16, g.w*g.h)
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			v := 2*(g.atClamped(x+1, y)-g.atClamped(x-1, y)) +
				(g.atClamped(x+1, y-1) - g.atClamped(x-1, y-1)) +
				(g.atClamped(x+1, y+1) - g.atClamped(x-1, y+1))
			out[y*g.w+x] = int16(clamp(v, -limit, limit) + limit)
		}
	}
	return out
}

// coster produces block costs row by row, caching horizontal box sums.
type coster struct {
	m      *matcher
	a, b   *grid
	pa, pb []int16
	maxPix int
	hsum   [][]uint16
}

func newCoster(m *matcher, a, b *grid) *coster {
	limit := m.p.PreFilterCap
	return &coster{
		m:      m,
		a:      a,
		b:      b,
		pa:     prefilter(a, limit),
		pb:     prefilter(b, limit),
		maxPix: 2*limit + 63,
		hsum:   make([][]uint16, a.h),
	}
}

// pixelRow returns the per-pixel costs of row y, laid out as [x*nd + d].
func (c *coster) pixelRow(y int) []uint16 {
	w, nd := c.a.w, c.m.nd
	out := make([]uint16, w*nd)
	for x := 0; x < w; x++ {
		ia := y*w + x
		for d := 0; d < nd; d++ {
			xm := c.m.partner(x, d)
			if xm < 0 || xm >= w {
				out[x*nd+d] = uint16(c.maxPix)
				continue
			}
			ib := y*w + xm
			grad := int(c.pa[ia]) - int(c.pb[ib])
			if grad < 0 {
				grad = -grad
			}
			intensity := int(c.a.pix[ia]) - int(c.b.pix[ib])
			if intensity < 0 {
				intensity = -intensity
			}
			out[x*nd+d] = uint16(grad + intensity>>2)
		}
	}
	return out
}

// horizontal returns the horizontal box sum of row y, computing it on first use.
func (c *coster) horizontal(y int) []uint16 {
	if h := c.hsum[y]; h != nil {
		return h
	}
	w, nd, r := c.a.w, c.m.nd, c.m.r
	pix := c.pixelRow(y)
	out := make([]uint16, w*nd)
	for x := 0; x < w; x++ {
		for dx := -r; dx <= r; dx++ {
			src := clamp(x+dx, 0, w-1) * nd
			dst := x * nd
			for d := 0; d < nd; d++ {
				out[dst+d] += pix[src+d]
			}
		}
	}
	c.hsum[y] = out
	return out
}

// block returns the block costs of row y.
func (c *coster) block(y int) []uint16 {
	w, nd, r, h := c.a.w, c.m.nd, c.m.r, c.a.h
	out := make([]uint16, w*nd)
	for dy := -r; dy <= r; dy++ {
		row := c.horizontal(clamp(y+dy, 0, h-1))
		for i, v := range row {
			out[i] += v
		}
	}
	return out
}

// evict drops cached horizontal sums outside rows [lo, hi].
func (c *coster) evict(lo, hi int) {
	for i := range c.hsum {
		if i < lo || i > hi {
			c.hsum[i] = nil
		}
	}
}

// aggregate runs one step of the path recurrence:
// L(p,d) = C(p,d) + min(L(p-r,d), L(p-r,d±1)+P1, min L(p-r)+P2) - min L(p-r).
// prev may be nil at the start of a path. It returns min over d of L(p,·).
func (m *matcher) aggregate(cost, prev, out []uint16) uint16 {
	nd := m.nd
	if prev == nil {
		best := uint16(math.MaxUint16)
		for d := 0; d < nd; d++ {
			out[d] = cost[d]
			best = min(best, cost[d])
		}
		return best
	}

	prevMin := int32(math.MaxInt32)
	for d := 0; d < nd; d++ {
		prevMin = min(prevMin, int32(prev[d]))
	}

	best := uint16(math.MaxUint16)
	for d := 0; d < nd; d++ {
		v := int32(prev[d])
		if d > 0 {
			v = min(v, int32(prev[d-1])+m.p1)
		}
		if d < nd-1 {
			v = min(v, int32(prev[d+1])+m.p1)
		}
		v = min(v, prevMin+m.p2)
		l := int32(cost[d]) + v - prevMin
		if l > math.MaxUint16 {
			l = math.MaxUint16
		}
		out[d] = uint16(l)
		best = min(best, out[d])
	}
	return best
}

func addSaturating(dst, src []uint16) {
	for i, v := range src {
		s := uint32(dst[i]) + uint32(v)
		if s > math.MaxUint16 {
			s = math.MaxUint16
		}
		dst[i] = uint16(s)
	}
}

// match computes the disparity map of a against b.
func (m *matcher) match(a, b *grid) *fgrid {
	c := newCoster(m, a, b)
	out := newFgrid(a.w, a.h)

	if m.p.Mode == ModeBlock {
		for y := 0; y < a.h; y++ {
			m.selectRow(c.block(y), out, y)
			c.evict(y-m.r+1, a.h)
		}
		return out
	}

	w, h, nd := a.w, a.h, m.nd
	sums := make([][]uint16, h)

	// Top to bottom: left-to-right, right-to-left and downward paths.
	var prevDown []uint16
	for y := 0; y < h; y++ {
		cost := c.block(y)
		c.evict(y-m.r+1, h)

		s := make([]uint16, w*nd)
		lr := make([]uint16, w*nd)
		for x := 0; x < w; x++ {
			var prev []uint16
			if x > 0 {
				prev = lr[(x-1)*nd : x*nd]
			}
			m.aggregate(cost[x*nd:(x+1)*nd], prev, lr[x*nd:(x+1)*nd])
		}
		addSaturating(s, lr)

		rl := make([]uint16, w*nd)
		for x := w - 1; x >= 0; x-- {
			var prev []uint16
			if x < w-1 {
				prev = rl[(x+1)*nd : (x+2)*nd]
			}
			m.aggregate(cost[x*nd:(x+1)*nd], prev, rl[x*nd:(x+1)*nd])
		}
		addSaturating(s, rl)

		down := make([]uint16, w*nd)
		for x := 0; x < w; x++ {
			var prev []uint16
			if prevDown != nil {
				prev = prevDown[x*nd : (x+1)*nd]
			}
			m.aggregate(cost[x*nd:(x+1)*nd], prev, down[x*nd:(x+1)*nd])
		}
		addSaturating(s, down)
		prevDown = down
		sums[y] = s
	}

	// Bottom to top: upward path, then select once the row is complete.
	c.evict(-1, -1)
	var prevUp []uint16
	for y := h - 1; y >= 0; y-- {
		cost := c.block(y)
		c.evict(0, y+m.r-1)

		up := make([]uint16, w*nd)
		for x := 0; x < w; x++ {
			var prev []uint16
			if prevUp != nil {
				prev = prevUp[x*nd : (x+1)*nd]
			}
			m.aggregate(cost[x*nd:(x+1)*nd], prev, up[x*nd:(x+1)*nd])
		}
		addSaturating(sums[y], up)
		prevUp = up

		m.selectRow(sums[y], out, y)
		sums[y] = nil
	}
	return out
}

// selectRow picks the winning disparity of every pixel of row y from its aggregated
// costs, applying the uniqueness, left-right and sub-pixel steps.
func (m *matcher) selectRow(s []uint16, out *fgrid, y int) {
	w, nd := out.w, m.nd

	var crossBest []int
	if m.p.Disp12MaxDiff >= 0 {
		crossBest = m.crossCheckRow(s, w)
	}

	for x := 0; x < w; x++ {
		costs := s[x*nd : (x+1)*nd]
		best, bestCost := -1, uint16(math.MaxUint16)
		for d := 0; d < nd; d++ {
			xm := m.partner(x, d)
			if xm < 0 || xm >= w {
				continue
			}
			if costs[d] < bestCost {
				best, bestCost = d, costs[d]
			}
		}

		idx := y*w + x
		if best < 0 {
			out.v[idx] = invalid()
			continue
		}

		if m.p.UniquenessRatio > 0 && !m.unique(costs, best, bestCost, x, w) {
			out.v[idx] = invalid()
			continue
		}

		if crossBest != nil {
			xm := m.partner(x, best)
			if cb := crossBest[xm]; cb < 0 || abs(cb-best) > m.p.Disp12MaxDiff {
				out.v[idx] = invalid()
				continue
			}
		}

		d := float64(best)
		if best > 0 && best < nd-1 {
			lo, mid, hi := float64(costs[best-1]), float64(costs[best]), float64(costs[best+1])
			if denom := lo + hi - 2*mid; denom > 0 {
				d += (lo - hi) / (2 * denom)
			}
		}
		out.v[idx] = float32(float64(m.dir) * (float64(m.p.MinDisparity) + d))
	}
}

func (m *matcher) unique(costs []uint16, best int, bestCost uint16, x, w int) bool {
	ratio := int64(100 - m.p.UniquenessRatio)
	for d, c := range costs {
		if abs(d-best) <= 1 {
			continue
		}
		if xm := m.partner(x, d); xm < 0 || xm >= w {
			continue
		}
		if int64(c)*ratio < int64(bestCost)*100 {
			return false
		}
	}
	return true
}

// crossCheckRow returns, for each column of the other view, the disparity index with
// the lowest cost among the reference pixels that map onto it, or -1.
func (m *matcher) crossCheckRow(s []uint16, w int) []int {
	nd := m.nd
	best := make([]int, w)
	bestCost := make([]uint16, w)
	for i := range best {
		best[i] = -1
		bestCost[i] = math.MaxUint16
	}
	for x := 0; x < w; x++ {
		for d := 0; d < nd; d++ {
			xm := m.partner(x, d)
			if xm < 0 || xm >= w {
				continue
			}
			if c := s[x*nd+d]; c < bestCost[xm] {
				best[xm], bestCost[xm] = d, c
			}
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// filterSpeckles invalidates 4-connected regions of similar disparity no larger than
// maxSize pixels and returns how many pixels were cleared.
func filterSpeckles(g *fgrid, maxSize int, maxDiff float32) int {
	labels := make([]int32, len(g.v))
	var stack []int
	removed := 0
	label := int32(0)

	for start := range g.v {
		if labels[start] != 0 || isInvalid(g.v[start]) {
			continue
		}
		label++
		labels[start] = label
		stack = append(stack[:0], start)
		region := []int{start}

		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			px, py := p%g.w, p/g.w
			for _, q := range [4][2]int{{px - 1, py}, {px + 1, py}, {px, py - 1}, {px, py + 1}} {
				if q[0] < 0 || q[0] >= g.w || q[1] < 0 || q[1] >= g.h {
					continue
				}
				n := q[1]*g.w + q[0]
				if labels[n] != 0 || isInvalid(g.v[n]) {
					continue
				}
				diff := g.v[n] - g.v[p]
				if diff < 0 {
					diff = -diff
				}
				if diff > maxDiff {
					continue
				}
				labels[n] = label
				stack = append(stack, n)
				region = append(region, n)
			}
		}

		if len(region) <= maxSize {
			for _, p := range region {
				g.v[p] = invalid()
			}
			removed += len(region)
		}
	}
	return removed
}
