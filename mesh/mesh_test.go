package mesh

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identityMetrics returns n copies of the identity metric for dim.
func identityMetrics(n, dim int) []float64 {
	var id []float64
	if dim == 2 {
		id = []float64{1, 0, 1}
	} else {
		id = []float64{1, 0, 0, 1, 0, 1}
	}
	out := make([]float64, 0, n*len(id))
	for i := 0; i < n; i++ {
		out = append(out, id...)
	}
	return out
}

// unitSquareTwoTriangles is the unit square split along the (0,0)-(1,1)
// diagonal.
func unitSquareTwoTriangles(t *testing.T) *Mesh {
	t.Helper()
	coords := []float64{
		0, 0,
		1, 0,
		1, 1,
		0, 1,
	}
	enlist := []int{
		0, 1, 2,
		0, 2, 3,
	}
	m, err := New(2, coords, identityMetrics(4, 2), enlist)
	require.NoError(t, err)
	return m
}

func TestAdjacencyConstruction(t *testing.T) {
	m := unitSquareTwoTriangles(t)

	assert.Equal(t, 4, m.NumberOfNodes())
	assert.Equal(t, 2, m.NumberOfElements())
	assert.Len(t, m.Edges, 5)

	// The diagonal is interior with two incident elements.
	diag := m.Edges[Key(0, 2)]
	require.NotNil(t, diag)
	assert.Len(t, diag.Elements, 2)

	// Boundary edges see one element each.
	for _, key := range []EdgeKey{Key(0, 1), Key(1, 2), Key(2, 3), Key(0, 3)} {
		edge := m.Edges[key]
		require.NotNil(t, edge, "edge %v", key)
		assert.Len(t, edge.Elements, 1, "edge %v", key)
	}

	assert.ElementsMatch(t, []int{1, 2, 3}, m.NNList[0])
	assert.ElementsMatch(t, []int{0, 2}, m.NNList[1])
}

func TestEdgeLengthIdentityMetric(t *testing.T) {
	m := unitSquareTwoTriangles(t)

	assert.InDelta(t, 1.0, m.EdgeLength(0, 1), 1e-12)
	assert.InDelta(t, math.Sqrt2, m.EdgeLength(0, 2), 1e-12)
}

func TestEdgeLengthAnisotropicMetric(t *testing.T) {
	coords := []float64{0, 0, 1, 0, 0.5, 1}
	metric := []float64{
		4, 0, 1,
		4, 0, 1,
		4, 0, 1,
	}
	m, err := New(2, coords, metric, []int{0, 1, 2})
	require.NoError(t, err)

	// Under diag(4,1) the unit x edge measures 2.
	assert.InDelta(t, 2.0, m.EdgeLength(0, 1), 1e-12)
}

func TestVerifyInvariants(t *testing.T) {
	m := unitSquareTwoTriangles(t)
	prop, err := m.ElementProperty()
	require.NoError(t, err)
	assert.NoError(t, m.VerifyInvariants(prop))

	// A vertex listed as its own neighbour is detected.
	m.NNList[0] = append(m.NNList[0], 0)
	assert.Error(t, m.VerifyInvariants(prop))
}

func TestEraseAndAppend(t *testing.T) {
	m := unitSquareTwoTriangles(t)

	m.EraseElement(1)
	assert.False(t, m.ElementLive(1))
	assert.Equal(t, []int{0}, m.LiveElements())

	v := m.AppendVertex([]float64{2, 0}, []float64{1, 0, 1})
	assert.Equal(t, 4, v)
	assert.Equal(t, 5, m.NumberOfNodes())
	assert.Empty(t, m.NNList[v])

	e := m.AppendElement([]int{1, 4, 2})
	assert.Equal(t, 2, e)
	assert.True(t, m.ElementLive(e))
}

func TestGlobalNumberingSerial(t *testing.T) {
	m := unitSquareTwoTriangles(t)

	npnodes, lnn2gnn, owner := m.CreateGlobalNumbering()
	assert.Equal(t, 4, npnodes)
	assert.Equal(t, []int{0, 1, 2, 3}, lnn2gnn)
	assert.Equal(t, []int{0, 0, 0, 0}, owner)

	for v := 0; v < 4; v++ {
		assert.True(t, m.IsOwned(v))
		assert.False(t, m.IsHalo(v))
	}
}
