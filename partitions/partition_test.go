package partitions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/meshadapt/mesh"
)

func identityMetrics(n int) []float64 {
	out := make([]float64, 0, n*3)
	for i := 0; i < n; i++ {
		out = append(out, 1, 0, 1)
	}
	return out
}

func centroidSquare(t *testing.T) *mesh.Mesh {
	t.Helper()
	coords := []float64{
		0, 0,
		1, 0,
		1, 1,
		0, 1,
		0.5, 0.5,
	}
	enlist := []int{
		0, 1, 4,
		1, 2, 4,
		2, 3, 4,
		3, 0, 4,
	}
	m, err := mesh.New(2, coords, identityMetrics(5), enlist)
	require.NoError(t, err)
	return m
}

// stripMesh builds n squares in a row, each split into two triangles.
func stripMesh(t *testing.T, n int) *mesh.Mesh {
	t.Helper()
	var coords []float64
	for i := 0; i <= n; i++ {
		coords = append(coords, float64(i), 0)
		coords = append(coords, float64(i), 1)
	}
	var enlist []int
	for i := 0; i < n; i++ {
		b0, t0 := 2*i, 2*i+1
		b1, t1 := 2*(i+1), 2*(i+1)+1
		enlist = append(enlist, b0, b1, t0)
		enlist = append(enlist, b1, t1, t0)
	}
	m, err := mesh.New(2, coords, identityMetrics(2*(n+1)), enlist)
	require.NoError(t, err)
	return m
}

func TestSplitTwoRanks(t *testing.T) {
	global := centroidSquare(t)
	locals, err := Split(global, 2, Block)
	require.NoError(t, err)
	require.Len(t, locals, 2)

	for r, lm := range locals {
		assert.Equal(t, r, lm.Rank)
		assert.Equal(t, 2, lm.NRanks)
		prop, err := lm.ElementProperty()
		require.NoError(t, err)
		assert.NoError(t, lm.VerifyInvariants(prop))

		// Owned vertices come first in the local numbering.
		seenHalo := false
		for v := 0; v < lm.NumberOfNodes(); v++ {
			if lm.Owner[v] != r {
				seenHalo = true
			} else {
				assert.False(t, seenHalo, "owned vertex %d after a halo vertex", v)
			}
		}
	}

	// Every element of the global mesh lives on at least one rank.
	total := make(map[[3]int]struct{})
	for _, lm := range locals {
		for _, e := range lm.LiveElements() {
			n := lm.Element(e)
			var key [3]int
			for i, v := range n {
				key[i] = lm.Lnn2Gnn[v]
			}
			total[key] = struct{}{}
		}
	}
	assert.Len(t, total, 4)
}

func TestSplitOwnershipIsLowestRank(t *testing.T) {
	global := stripMesh(t, 8)
	locals, err := Split(global, 2, Block)
	require.NoError(t, err)

	// Block strategy: 16 elements over 2 ranks, 8 consecutive per rank.
	lowest := make(map[int]int)
	for e := 0; e < global.NumberOfElements(); e++ {
		r := e / 8
		for _, v := range global.Element(e) {
			if prev, ok := lowest[v]; !ok || r < prev {
				lowest[v] = r
			}
		}
	}

	owners := make(map[int]int)
	for _, lm := range locals {
		for v := 0; v < lm.NumberOfNodes(); v++ {
			gnn := lm.Lnn2Gnn[v]
			assert.Equal(t, lowest[gnn], lm.Owner[v], "gnn %d not owned by its lowest incident rank", gnn)
			if prev, ok := owners[gnn]; ok {
				assert.Equal(t, prev, lm.Owner[v], "gnn %d owner disagrees", gnn)
			} else {
				owners[gnn] = lm.Owner[v]
			}
		}
	}
}

func TestSplitHaloSymmetry(t *testing.T) {
	global := stripMesh(t, 10)

	for _, nranks := range []int{2, 3} {
		locals, err := Split(global, nranks, Block)
		require.NoError(t, err, "nranks=%d", nranks)
		assert.NoError(t, Verify(locals), "nranks=%d", nranks)

		for r, lm := range locals {
			for _, v := range lm.Recv[(r+1)%nranks] {
				assert.False(t, lm.IsOwned(v))
			}
			for p := range lm.Send {
				for _, v := range lm.Send[p] {
					assert.True(t, lm.IsOwned(v))
				}
			}
		}
	}
}

func TestSplitRoundRobin(t *testing.T) {
	global := stripMesh(t, 6)
	locals, err := Split(global, 3, RoundRobin)
	require.NoError(t, err)
	assert.NoError(t, Verify(locals))
}

func TestSplitRejectsEmptyMesh(t *testing.T) {
	_, err := mesh.New(2, nil, nil, nil)
	require.NoError(t, err)

	m, err := mesh.New(2, []float64{0, 0}, []float64{1, 0, 1}, nil)
	require.NoError(t, err)
	_, err = Split(m, 2, Block)
	assert.Error(t, err)
}
