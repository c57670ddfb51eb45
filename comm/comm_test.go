package comm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSelfCommunicator(t *testing.T) {
	var c Self
	assert.Equal(t, 0, c.Rank())
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, 7, c.AllreduceMaxInt(7))
	assert.Equal(t, []int{1, 2}, c.AllreduceSumInts([]int{1, 2}))

	recv, err := c.Exchange(make([][]int64, 1))
	require.NoError(t, err)
	assert.Len(t, recv, 1)
}

func TestGroupAllreduce(t *testing.T) {
	const n = 4
	group := NewGroup(n)

	maxes := make([]int, n)
	sums := make([][]int, n)

	var g errgroup.Group
	for r := 0; r < n; r++ {
		c := group[r]
		g.Go(func() error {
			maxes[c.Rank()] = c.AllreduceMaxInt(c.Rank() * 10)
			sums[c.Rank()] = c.AllreduceSumInts([]int{1, c.Rank()})
			c.Barrier()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for r := 0; r < n; r++ {
		assert.Equal(t, 30, maxes[r])
		assert.Equal(t, []int{4, 0 + 1 + 2 + 3}, sums[r])
	}
}

func TestGroupExchange(t *testing.T) {
	const n = 3
	group := NewGroup(n)

	received := make([][][]int64, n)

	var g errgroup.Group
	for r := 0; r < n; r++ {
		c := group[r]
		g.Go(func() error {
			send := make([][]int64, n)
			for p := 0; p < n; p++ {
				if p == c.Rank() {
					continue
				}
				send[p] = []int64{int64(c.Rank()*100 + p)}
			}
			recv, err := c.Exchange(send)
			if err != nil {
				return err
			}
			received[c.Rank()] = recv
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for r := 0; r < n; r++ {
		for p := 0; p < n; p++ {
			if p == r {
				assert.Nil(t, received[r][p])
				continue
			}
			require.Len(t, received[r][p], 1)
			assert.Equal(t, int64(p*100+r), received[r][p][0])
		}
	}
}

func TestGroupExchangeEmptyBuffers(t *testing.T) {
	const n = 2
	group := NewGroup(n)

	var g errgroup.Group
	results := make([][][]int64, n)
	for r := 0; r < n; r++ {
		c := group[r]
		g.Go(func() error {
			// Rank 0 sends nothing; rank 1 sends one word.
			send := make([][]int64, n)
			if c.Rank() == 1 {
				send[0] = []int64{42}
			}
			recv, err := c.Exchange(send)
			if err != nil {
				return err
			}
			results[c.Rank()] = recv
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, results[0][1], 1)
	assert.Equal(t, int64(42), results[0][1][0])
	assert.Nil(t, results[1][0])
}

func TestGroupReusableCollectives(t *testing.T) {
	const n = 2
	group := NewGroup(n)

	var g errgroup.Group
	out := make([]int, n)
	for r := 0; r < n; r++ {
		c := group[r]
		g.Go(func() error {
			total := 0
			for i := 0; i < 10; i++ {
				total = c.AllreduceSumInts([]int{i})[0]
			}
			out[c.Rank()] = total
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, []int{18, 18}, out)
}
