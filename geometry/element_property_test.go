package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var identity2D = []float64{1, 0, 1}
var identity3D = []float64{1, 0, 0, 1, 0, 1}

func equilateralTriangle() [][]float64 {
	return [][]float64{
		{0, 0},
		{1, 0},
		{0.5, math.Sqrt(3) / 2},
	}
}

func regularTetrahedron() [][]float64 {
	return [][]float64{
		{0, 0, 0},
		{1, 0, 0},
		{0.5, math.Sqrt(3) / 2, 0},
		{0.5, math.Sqrt(3) / 6, math.Sqrt(2.0 / 3.0)},
	}
}

func TestAreaOrientation(t *testing.T) {
	xs := equilateralTriangle()
	prop, err := NewElementProperty2D(xs[0], xs[1], xs[2])
	require.NoError(t, err)

	assert.InDelta(t, math.Sqrt(3)/4, prop.Area(xs[0], xs[1], xs[2]), 1e-12)
	// Swapping two vertices flips the sign.
	assert.InDelta(t, -math.Sqrt(3)/4, prop.Area(xs[1], xs[0], xs[2]), 1e-12)
}

func TestVolumeOrientation(t *testing.T) {
	xs := regularTetrahedron()
	prop, err := NewElementProperty3D(xs[0], xs[1], xs[2], xs[3])
	require.NoError(t, err)

	want := math.Sqrt(2) / 12
	assert.InDelta(t, want, prop.Volume(xs[0], xs[1], xs[2], xs[3]), 1e-12)
	assert.InDelta(t, -want, prop.Volume(xs[1], xs[0], xs[2], xs[3]), 1e-12)
}

func TestLipnikovEquilateral2D(t *testing.T) {
	xs := equilateralTriangle()
	prop, err := NewElementProperty2D(xs[0], xs[1], xs[2])
	require.NoError(t, err)

	ms := [][]float64{identity2D, identity2D, identity2D}
	assert.InDelta(t, 1.0, prop.Lipnikov(xs, ms), 1e-12)

	// A squashed triangle scores strictly worse.
	bad := [][]float64{{0, 0}, {1, 0}, {0.5, 0.05}}
	assert.Less(t, prop.Lipnikov(bad, ms), 0.3)
}

func TestLipnikovEquilateral3D(t *testing.T) {
	xs := regularTetrahedron()
	prop, err := NewElementProperty3D(xs[0], xs[1], xs[2], xs[3])
	require.NoError(t, err)

	ms := [][]float64{identity3D, identity3D, identity3D, identity3D}
	assert.InDelta(t, 1.0, prop.Lipnikov(xs, ms), 1e-12)
}

func TestLipnikovMetricScaling2D(t *testing.T) {
	// Under the metric diag(4, 4) a triangle with physical edge 0.5 is
	// unit-length, so the half-scale equilateral is ideal.
	xs := [][]float64{
		{0, 0},
		{0.5, 0},
		{0.25, math.Sqrt(3) / 4},
	}
	prop, err := NewElementProperty2D(xs[0], xs[1], xs[2])
	require.NoError(t, err)

	m := []float64{4, 0, 4}
	assert.InDelta(t, 1.0, prop.Lipnikov(xs, [][]float64{m, m, m}), 1e-12)
}

func TestLipnikovGrad2DMatchesFiniteDifference(t *testing.T) {
	xs := [][]float64{
		{0.1, -0.05},
		{1, 0},
		{0.3, 0.8},
	}
	prop, err := NewElementProperty2D(xs[0], xs[1], xs[2])
	require.NoError(t, err)

	grad := prop.LipnikovGrad2D(xs[0], xs[1], xs[2], identity2D)

	ms := [][]float64{identity2D, identity2D, identity2D}
	h := 1e-6
	for k := 0; k < 2; k++ {
		forward := [][]float64{append([]float64(nil), xs[0]...), xs[1], xs[2]}
		backward := [][]float64{append([]float64(nil), xs[0]...), xs[1], xs[2]}
		forward[0][k] += h
		backward[0][k] -= h
		fd := (prop.Lipnikov(forward, ms) - prop.Lipnikov(backward, ms)) / (2 * h)
		assert.InDelta(t, fd, grad[k], 1e-5)
	}
}

func TestLipnikovGrad3DMatchesFiniteDifference(t *testing.T) {
	xs := [][]float64{
		{0.1, 0.02, -0.03},
		{1, 0, 0},
		{0.4, 0.9, 0},
		{0.5, 0.3, 0.8},
	}
	prop, err := NewElementProperty3D(xs[0], xs[1], xs[2], xs[3])
	require.NoError(t, err)

	grad := prop.LipnikovGrad3D(xs[0], xs[1], xs[2], xs[3], identity3D)

	ms := [][]float64{identity3D, identity3D, identity3D, identity3D}
	h := 1e-6
	for k := 0; k < 3; k++ {
		forward := [][]float64{append([]float64(nil), xs[0]...), xs[1], xs[2], xs[3]}
		backward := [][]float64{append([]float64(nil), xs[0]...), xs[1], xs[2], xs[3]}
		forward[0][k] += h
		backward[0][k] -= h
		fd := (prop.Lipnikov(forward, ms) - prop.Lipnikov(backward, ms)) / (2 * h)
		assert.InDelta(t, fd, grad[k], 1e-5)
	}
}

func TestMetricLengthAnisotropic(t *testing.T) {
	// diag(100, 1): a physical step of 0.1 in x is one metric unit.
	m := []float64{100, 0, 1}
	assert.InDelta(t, 1.0, MetricLength2D([]float64{0.1, 0}, m), 1e-12)
	assert.InDelta(t, 1.0, MetricLength2D([]float64{0, 1}, m), 1e-12)
}
