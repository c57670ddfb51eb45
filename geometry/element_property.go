package geometry

import (
	"fmt"
	"math"
)

// Lipnikov normalisation constants. Chosen so that an equilateral
// simplex with unit metric edge lengths scores exactly 1.
const (
	lipnikovConst2D = 12.0 * 1.7320508075688772 // 12*sqrt(3)
	lipnikovConst3D = 1296.0 * 1.4142135623730951 // 6^4*sqrt(2)
)

// ElementProperty evaluates geometric and metric-space properties of
// simplicial elements. The orientation sign is fixed once from a
// reference element so that signed areas/volumes of a consistently
// oriented mesh come out positive.
type ElementProperty struct {
	Dim   int // spatial dimension, 2 or 3
	NLoc  int // vertices per element
	SNLoc int // vertices per boundary facet
	MSize int // packed metric entries, Dim*(Dim+1)/2

	orientation float64
}

// NewElementProperty2D fixes the orientation from a reference triangle.
func NewElementProperty2D(x0, x1, x2 []float64) (*ElementProperty, error) {
	p := &ElementProperty{Dim: 2, NLoc: 3, SNLoc: 2, MSize: 3, orientation: 1}
	a := p.Area(x0, x1, x2)
	if a == 0 {
		return nil, fmt.Errorf("degenerate reference triangle")
	}
	if a < 0 {
		p.orientation = -1
	}
	return p, nil
}

// NewElementProperty3D fixes the orientation from a reference tetrahedron.
func NewElementProperty3D(x0, x1, x2, x3 []float64) (*ElementProperty, error) {
	p := &ElementProperty{Dim: 3, NLoc: 4, SNLoc: 3, MSize: 6, orientation: 1}
	v := p.Volume(x0, x1, x2, x3)
	if v == 0 {
		return nil, fmt.Errorf("degenerate reference tetrahedron")
	}
	if v < 0 {
		p.orientation = -1
	}
	return p, nil
}

// Area returns the orientation-corrected signed area of a triangle.
func (p *ElementProperty) Area(x0, x1, x2 []float64) float64 {
	return p.orientation * 0.5 *
		((x1[0]-x0[0])*(x2[1]-x0[1]) - (x2[0]-x0[0])*(x1[1]-x0[1]))
}

// Volume returns the orientation-corrected signed volume of a tetrahedron.
func (p *ElementProperty) Volume(x0, x1, x2, x3 []float64) float64 {
	a1, a2, a3 := x1[0]-x0[0], x1[1]-x0[1], x1[2]-x0[2]
	b1, b2, b3 := x2[0]-x0[0], x2[1]-x0[1], x2[2]-x0[2]
	c1, c2, c3 := x3[0]-x0[0], x3[1]-x0[1], x3[2]-x0[2]

	det := a1*(b2*c3-b3*c2) - a2*(b1*c3-b3*c1) + a3*(b1*c2-b2*c1)
	return p.orientation * det / 6.0
}

// SignedVolume dispatches on dimension. xs must hold NLoc coordinates.
func (p *ElementProperty) SignedVolume(xs [][]float64) float64 {
	if p.Dim == 2 {
		return p.Area(xs[0], xs[1], xs[2])
	}
	return p.Volume(xs[0], xs[1], xs[2], xs[3])
}

// MetricLength2D returns the length of the displacement d under the
// packed symmetric metric m; MetricLength3D is the 3D counterpart.
func MetricLength2D(d, m []float64) float64 {
	return math.Sqrt(d[0]*(m[0]*d[0]+m[1]*d[1]) + d[1]*(m[1]*d[0]+m[2]*d[1]))
}

func MetricLength3D(d, m []float64) float64 {
	return math.Sqrt(d[0]*(m[0]*d[0]+m[1]*d[1]+m[2]*d[2]) +
		d[1]*(m[1]*d[0]+m[3]*d[1]+m[4]*d[2]) +
		d[2]*(m[2]*d[0]+m[4]*d[1]+m[5]*d[2]))
}

func det2(m []float64) float64 {
	return m[0]*m[2] - m[1]*m[1]
}

func det3(m []float64) float64 {
	return m[0]*(m[3]*m[5]-m[4]*m[4]) -
		m[1]*(m[1]*m[5]-m[4]*m[2]) +
		m[2]*(m[1]*m[4]-m[3]*m[2])
}

// Lipnikov returns the metric-space quality of an element in (0, 1],
// 1 being an equilateral simplex under the local metric. xs and ms hold
// NLoc coordinate and packed metric slices. The metric volume uses the
// vertex-averaged metric; edge lengths are measured under the same
// average.
func (p *ElementProperty) Lipnikov(xs, ms [][]float64) float64 {
	m := make([]float64, p.MSize)
	for _, mi := range ms {
		for k := 0; k < p.MSize; k++ {
			m[k] += mi[k]
		}
	}
	for k := 0; k < p.MSize; k++ {
		m[k] /= float64(p.NLoc)
	}

	d := make([]float64, p.Dim)
	var l float64
	for i := 0; i < p.NLoc; i++ {
		for j := i + 1; j < p.NLoc; j++ {
			for k := 0; k < p.Dim; k++ {
				d[k] = xs[j][k] - xs[i][k]
			}
			if p.Dim == 2 {
				l += MetricLength2D(d, m)
			} else {
				l += MetricLength3D(d, m)
			}
		}
	}

	if p.Dim == 2 {
		a := p.Area(xs[0], xs[1], xs[2]) * math.Sqrt(det2(m))
		return lipnikovConst2D * a / (l * l)
	}
	v := p.Volume(xs[0], xs[1], xs[2], xs[3]) * math.Sqrt(det3(m))
	return lipnikovConst3D * v / (l * l * l)
}

// LipnikovGrad2D returns the gradient of the Lipnikov quality of the
// triangle (x0, x1, x2) with respect to x0, holding the metric fixed at
// m0. The triangle must be positively oriented with x0 first.
func (p *ElementProperty) LipnikovGrad2D(x0, x1, x2, m0 []float64) [2]float64 {
	// l and its gradient; only the two edges at x0 depend on x0.
	d01 := []float64{x1[0] - x0[0], x1[1] - x0[1]}
	d02 := []float64{x2[0] - x0[0], x2[1] - x0[1]}
	d12 := []float64{x2[0] - x1[0], x2[1] - x1[1]}

	l01 := MetricLength2D(d01, m0)
	l02 := MetricLength2D(d02, m0)
	l := l01 + l02 + MetricLength2D(d12, m0)

	var gradL [2]float64
	gradL[0] = -(m0[0]*d01[0]+m0[1]*d01[1])/l01 - (m0[0]*d02[0]+m0[1]*d02[1])/l02
	gradL[1] = -(m0[1]*d01[0]+m0[2]*d01[1])/l01 - (m0[1]*d02[0]+m0[2]*d02[1])/l02

	a := p.Area(x0, x1, x2)
	gradA := [2]float64{
		p.orientation * 0.5 * (x1[1] - x2[1]),
		p.orientation * 0.5 * (x2[0] - x1[0]),
	}

	c := lipnikovConst2D * math.Sqrt(det2(m0))
	var grad [2]float64
	for k := 0; k < 2; k++ {
		grad[k] = c * (gradA[k]*l - 2*a*gradL[k]) / (l * l * l)
	}
	return grad
}

// LipnikovGrad3D returns the gradient of the Lipnikov quality of the
// tetrahedron (x0, x1, x2, x3) with respect to x0, holding the metric
// fixed at m0. The tetrahedron must be positively oriented with x0 first.
func (p *ElementProperty) LipnikovGrad3D(x0, x1, x2, x3, m0 []float64) [3]float64 {
	var l float64
	var gradL [3]float64
	others := [][]float64{x1, x2, x3}
	d := make([]float64, 3)
	for _, xi := range others {
		for k := 0; k < 3; k++ {
			d[k] = xi[k] - x0[k]
		}
		li := MetricLength3D(d, m0)
		gradL[0] -= (m0[0]*d[0] + m0[1]*d[1] + m0[2]*d[2]) / li
		gradL[1] -= (m0[1]*d[0] + m0[3]*d[1] + m0[4]*d[2]) / li
		gradL[2] -= (m0[2]*d[0] + m0[4]*d[1] + m0[5]*d[2]) / li
		l += li
	}
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			for k := 0; k < 3; k++ {
				d[k] = others[j][k] - others[i][k]
			}
			l += MetricLength3D(d, m0)
		}
	}

	v := p.Volume(x0, x1, x2, x3)
	// grad of the signed volume with respect to x0.
	e1 := [3]float64{x2[0] - x1[0], x2[1] - x1[1], x2[2] - x1[2]}
	e2 := [3]float64{x3[0] - x1[0], x3[1] - x1[1], x3[2] - x1[2]}
	gradV := [3]float64{
		-p.orientation * (e1[1]*e2[2] - e1[2]*e2[1]) / 6.0,
		-p.orientation * (e1[2]*e2[0] - e1[0]*e2[2]) / 6.0,
		-p.orientation * (e1[0]*e2[1] - e1[1]*e2[0]) / 6.0,
	}

	c := lipnikovConst3D * math.Sqrt(det3(m0))
	var grad [3]float64
	for k := 0; k < 3; k++ {
		grad[k] = c * (gradV[k]*l - 3*v*gradL[k]) / (l * l * l * l)
	}
	return grad
}
