package smooth

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// laplacianKernel moves v to the metric-weighted Laplacian position and
// always accepts, provided the position admits a valid metric
// interpolation.
func (s *Smoother) laplacianKernel(v int) bool {
	p, ok := s.laplacianPosition(v)
	if !ok {
		return false
	}
	mp, ok := s.generateLocation(v, p)
	if !ok {
		return false
	}
	s.commit(v, p, mp)
	return true
}

// smartLaplacianKernel computes the Laplacian candidate but only
// accepts it when the worst incident quality improves by at least
// EpsilonQ.
func (s *Smoother) smartLaplacianKernel(v int) bool {
	p, ok := s.laplacianPosition(v)
	if !ok {
		return false
	}
	mp, ok := s.generateLocation(v, p)
	if !ok {
		return false
	}

	if s.functionalLinfAt(v, p, mp)-s.functionalLinf(v) < s.EpsilonQ {
		return false
	}

	s.commit(v, p, mp)
	for e := range s.mesh.NEList[v] {
		s.quality[e] = s.elementQuality(e)
	}
	return true
}

// laplacianPosition solves the DxD system A b = q with
// A = sum_w M(v) and q = sum_w M(v) (x_w - x_v) over the neighbours of
// v, returning p = x_v + b.
func (s *Smoother) laplacianPosition(v int) ([]float64, bool) {
	m := s.mesh
	dim := m.Dim
	x0 := m.Coord(v)
	mv := m.MetricAt(v)

	A := mat.NewDense(dim, dim, nil)
	q := mat.NewVecDense(dim, nil)
	d := make([]float64, dim)
	for _, w := range m.NNList[v] {
		xw := m.Coord(w)
		for k := 0; k < dim; k++ {
			d[k] = xw[k] - x0[k]
		}
		if dim == 2 {
			q.SetVec(0, q.AtVec(0)+mv[0]*d[0]+mv[1]*d[1])
			q.SetVec(1, q.AtVec(1)+mv[1]*d[0]+mv[2]*d[1])
			A.Set(0, 0, A.At(0, 0)+mv[0])
			A.Set(0, 1, A.At(0, 1)+mv[1])
			A.Set(1, 1, A.At(1, 1)+mv[2])
		} else {
			q.SetVec(0, q.AtVec(0)+mv[0]*d[0]+mv[1]*d[1]+mv[2]*d[2])
			q.SetVec(1, q.AtVec(1)+mv[1]*d[0]+mv[3]*d[1]+mv[4]*d[2])
			q.SetVec(2, q.AtVec(2)+mv[2]*d[0]+mv[4]*d[1]+mv[5]*d[2])
			A.Set(0, 0, A.At(0, 0)+mv[0])
			A.Set(0, 1, A.At(0, 1)+mv[1])
			A.Set(0, 2, A.At(0, 2)+mv[2])
			A.Set(1, 1, A.At(1, 1)+mv[3])
			A.Set(1, 2, A.At(1, 2)+mv[4])
			A.Set(2, 2, A.At(2, 2)+mv[5])
		}
	}
	A.Set(1, 0, A.At(0, 1))
	if dim == 3 {
		A.Set(2, 0, A.At(0, 2))
		A.Set(2, 1, A.At(1, 2))
	}

	var b mat.VecDense
	if err := b.SolveVec(A, q); err != nil {
		return nil, false
	}

	p := make([]float64, dim)
	for k := 0; k < dim; k++ {
		p[k] = x0[k] + b.AtVec(k)
	}
	return p, true
}

// optimisationLinfKernel ascends the gradient of the worst incident
// element's quality: estimate a step from the neighbourhood bounding
// box, clamp it where a linear model predicts another element becomes
// equally bad, then backtrack until every incident element strictly
// beats the old worst.
func (s *Smoother) optimisationLinfKernel(v int) bool {
	m := s.mesh

	worstQ := math.MaxFloat64
	worstE := -1
	for e := range m.NEList[v] {
		if s.quality[e] < worstQ {
			worstQ, worstE = s.quality[e], e
		}
	}
	if worstE < 0 {
		return false
	}
	if worstQ > s.goodQ {
		return false
	}

	gradW := s.qualityGrad(worstE, v)
	mag := 0.0
	for _, g := range gradW {
		mag += g * g
	}
	mag = math.Sqrt(mag)
	if mag == 0 || math.IsNaN(mag) || math.IsInf(mag, 0) {
		s.log.Warn("non-finite quality gradient; metric field is rubbish",
			zap.Int("vertex", v), zap.Float64("magnitude", mag))
		return false
	}
	search := make([]float64, m.Dim)
	for k := range search {
		search[k] = gradW[k] / mag
	}

	// Initial step from the neighbourhood bounding box.
	lo := make([]float64, m.Dim)
	hi := make([]float64, m.Dim)
	for k := range lo {
		lo[k], hi[k] = math.MaxFloat64, -math.MaxFloat64
	}
	for _, w := range m.NNList[v] {
		xw := m.Coord(w)
		for k := 0; k < m.Dim; k++ {
			lo[k] = math.Min(lo[k], xw[k])
			hi[k] = math.Max(hi[k], xw[k])
		}
	}
	alpha := 0.0
	for k := 0; k < m.Dim; k++ {
		alpha += hi[k] - lo[k]
	}
	alpha /= float64(2 * m.Dim)

	// Clamp where the linear model predicts a tie with another element.
	sDotW := dot(search, gradW)
	for e := range m.NEList[v] {
		if e == worstE {
			continue
		}
		gradE := s.qualityGrad(e, v)
		denom := sDotW - dot(search, gradE)
		if denom == 0 {
			continue
		}
		alphaE := (s.quality[e] - worstQ) / denom
		if alphaE > 0 && alphaE < alpha {
			alpha = alphaE
		}
	}

	x0 := m.Coord(v)
	p := make([]float64, m.Dim)
	for step := 0; step < lineSearchSteps; step++ {
		alpha *= 0.5
		for k := 0; k < m.Dim; k++ {
			p[k] = x0[k] + alpha*search[k]
		}

		mp, ok := s.generateLocation(v, p)
		if !ok {
			continue
		}

		newQuality := make(map[int]float64, len(m.NEList[v]))
		improved := true
		for e := range m.NEList[v] {
			q := s.qualityAt(e, v, p, mp)
			if q <= worstQ {
				improved = false
				break
			}
			newQuality[e] = q
		}
		if !improved {
			continue
		}

		s.commit(v, p, mp)
		for e, q := range newQuality {
			s.quality[e] = q
		}
		return true
	}
	return false
}

func dot(a, b []float64) float64 {
	var acc float64
	for i := range a {
		acc += a[i] * b[i]
	}
	return acc
}

// qualityGrad evaluates the gradient of element e's quality with
// respect to the position of vertex v, holding the metric fixed at v.
// The element tuple is rotated by an even permutation so v leads and
// orientation is preserved.
func (s *Smoother) qualityGrad(e, v int) []float64 {
	m := s.mesh
	n := m.Element(e)
	loc := 0
	for ; loc < m.NLoc; loc++ {
		if n[loc] == v {
			break
		}
	}

	mv := m.MetricAt(v)
	if m.Dim == 2 {
		perm := [3][3]int{{0, 1, 2}, {1, 2, 0}, {2, 0, 1}}[loc]
		g := s.prop.LipnikovGrad2D(
			m.Coord(n[perm[0]]), m.Coord(n[perm[1]]), m.Coord(n[perm[2]]), mv)
		return g[:]
	}
	perm := [4][4]int{{0, 1, 2, 3}, {1, 2, 0, 3}, {2, 0, 1, 3}, {3, 0, 2, 1}}[loc]
	g := s.prop.LipnikovGrad3D(
		m.Coord(n[perm[0]]), m.Coord(n[perm[1]]), m.Coord(n[perm[2]]), m.Coord(n[perm[3]]), mv)
	return g[:]
}

// functionalLinf returns the worst cached quality among v's incident
// elements.
func (s *Smoother) functionalLinf(v int) float64 {
	worst := math.MaxFloat64
	for e := range s.mesh.NEList[v] {
		worst = math.Min(worst, s.quality[e])
	}
	return worst
}

// functionalLinfAt returns the worst quality among v's incident
// elements with position p and metric mp substituted for v.
func (s *Smoother) functionalLinfAt(v int, p, mp []float64) float64 {
	worst := math.MaxFloat64
	for e := range s.mesh.NEList[v] {
		worst = math.Min(worst, s.qualityAt(e, v, p, mp))
	}
	return worst
}

// qualityAt evaluates element e's quality with p and mp substituted at
// v's slot.
func (s *Smoother) qualityAt(e, v int, p, mp []float64) float64 {
	m := s.mesh
	n := m.Element(e)
	xs := make([][]float64, m.NLoc)
	ms := make([][]float64, m.NLoc)
	for i, w := range n {
		if w == v {
			xs[i], ms[i] = p, mp
		} else {
			xs[i], ms[i] = m.Coord(w), m.MetricAt(w)
		}
	}
	return s.prop.Lipnikov(xs, ms)
}

// generateLocation interpolates the metric at candidate position p for
// vertex v. It rejects p if any incident element would lose strictly
// positive volume; otherwise it interpolates over the incident element
// whose barycentric coordinates of p have the greatest minimum
// component.
func (s *Smoother) generateLocation(v int, p []float64) ([]float64, bool) {
	m := s.mesh

	bestTol := -math.MaxFloat64
	var bestElement []int
	bestL := make([]float64, m.NLoc)
	l := make([]float64, m.NLoc)
	xs := make([][]float64, m.NLoc)
	sub := make([][]float64, m.NLoc)

	for e := range m.NEList[v] {
		n := m.Element(e)
		for i, w := range n {
			xs[i] = m.Coord(w)
		}

		// Inversion guard on the slot v occupies.
		copy(sub, xs)
		for i, w := range n {
			if w == v {
				sub[i] = p
			}
		}
		if s.prop.SignedVolume(sub) <= 0 {
			return nil, false
		}

		total := s.prop.SignedVolume(xs)
		minL := math.MaxFloat64
		for i := 0; i < m.NLoc; i++ {
			copy(sub, xs)
			sub[i] = p
			l[i] = s.prop.SignedVolume(sub) / total
			minL = math.Min(minL, l[i])
		}
		if minL > bestTol {
			bestTol = minL
			bestElement = append(bestElement[:0], n...)
			copy(bestL, l)
		}
	}
	if bestElement == nil {
		return nil, false
	}

	mp := make([]float64, m.MSize)
	for i, w := range bestElement {
		mw := m.MetricAt(w)
		for k := 0; k < m.MSize; k++ {
			mp[k] += bestL[i] * mw[k]
		}
	}
	return mp, true
}

// commit writes the accepted position and metric of v.
func (s *Smoother) commit(v int, p, mp []float64) {
	copy(s.mesh.Coords[v*s.mesh.Dim:(v+1)*s.mesh.Dim], p)
	copy(s.mesh.Metric[v*s.mesh.MSize:(v+1)*s.mesh.MSize], mp)
}
