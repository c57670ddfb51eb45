package smooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/notargets/meshadapt/comm"
	"github.com/notargets/meshadapt/partitions"
)

func TestSmoothTwoRanksConsistent(t *testing.T) {
	global := anisotropicStrip(t, 0.4)
	locals, err := partitions.Split(global, 2, partitions.Block)
	require.NoError(t, err)

	group := comm.NewGroup(2)

	var g errgroup.Group
	for r := 0; r < 2; r++ {
		lm, c := locals[r], group[r]
		g.Go(func() error {
			s, err := New(lm, c, nil)
			if err != nil {
				return err
			}
			return s.Smooth("smart Laplacian", 4, -1)
		})
	}
	require.NoError(t, g.Wait())

	// Every vertex ends at the same position on every rank that holds
	// a copy of it.
	coordsByGnn := make(map[int][]float64)
	for r := 0; r < 2; r++ {
		lm := locals[r]
		for v := 0; v < lm.NumberOfNodes(); v++ {
			gnn := lm.Lnn2Gnn[v]
			x := lm.Coord(v)
			if prev, ok := coordsByGnn[gnn]; ok {
				assert.InDelta(t, prev[0], x[0], 1e-12, "gnn %d x", gnn)
				assert.InDelta(t, prev[1], x[1], 1e-12, "gnn %d y", gnn)
			} else {
				coordsByGnn[gnn] = append([]float64(nil), x...)
			}
		}
	}

	// No rank inverted an element.
	for r := 0; r < 2; r++ {
		prop, err := locals[r].ElementProperty()
		require.NoError(t, err)
		assert.NoError(t, locals[r].VerifyInvariants(prop), "rank %d", r)
	}
}
