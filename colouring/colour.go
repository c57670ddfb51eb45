// Package colouring provides the distance-2 graph colouring used to
// schedule independent topology and smoothing operations. Within one
// rank a greedy first-fit pass colours owned vertices; across ranks a
// conflict-resolution loop in the style of Gebremedhin-Manne exchanges
// boundary colours, notifies the owner of the losing vertex of every
// detected conflict, and recolours until a global reduction reports
// quiescence.
package colouring

import (
	"fmt"
	"sort"

	"github.com/notargets/meshadapt/comm"
	"github.com/notargets/meshadapt/mesh"
)

const maxConflictRounds = 50

// Colour returns a distance-2 colouring of the mesh graph. Owned
// vertices with neighbours receive colours >= 1; non-owned and isolated
// vertices receive -1 locally (halo copies pick up their owner's colour
// through the exchange rounds). The colouring is valid across partition
// boundaries: no two vertices within graph distance 2 share a colour.
func Colour(m *mesh.Mesh, c comm.Communicator) ([]int, error) {
	nnodes := m.NumberOfNodes()
	colour := make([]int, nnodes)
	for i := range colour {
		colour[i] = -1
	}

	_, gid, owner := m.CreateGlobalNumbering()

	// Colours a rank may not use for a vertex because a remote rank
	// reported a conflict this vertex lost.
	remoteForbidden := make(map[int]map[int]struct{})

	firstFit := func(v int) int {
		forbidden := make(map[int]struct{})
		for _, w := range m.NNList[v] {
			if colour[w] > 0 {
				forbidden[colour[w]] = struct{}{}
			}
			for _, u := range m.NNList[w] {
				if u != v && colour[u] > 0 {
					forbidden[colour[u]] = struct{}{}
				}
			}
		}
		for col := range remoteForbidden[v] {
			forbidden[col] = struct{}{}
		}
		for cand := 1; ; cand++ {
			if _, used := forbidden[cand]; !used {
				return cand
			}
		}
	}

	for v := 0; v < nnodes; v++ {
		if owner[v] != m.Rank || len(m.NNList[v]) == 0 {
			continue
		}
		colour[v] = firstFit(v)
	}

	if c.Size() == 1 {
		return colour, nil
	}

	gnn2lnn := make(map[int]int, nnodes)
	for lnn, g := range gid {
		gnn2lnn[g] = lnn
	}

	for round := 0; ; round++ {
		if round == maxConflictRounds {
			return nil, fmt.Errorf("colouring did not converge after %d rounds", maxConflictRounds)
		}

		if err := m.HaloUpdateInts(c, colour); err != nil {
			return nil, err
		}

		// A conflict is a pair at distance <= 2 with equal colours; the
		// vertex with the larger global id loses. Owned losers recolour
		// in place; remote losers are reported to their owner together
		// with the colour they must avoid.
		recoloured := 0
		notify := make(map[int]map[[2]int]struct{})
		resolve := func(v, w int) {
			if v == w || colour[v] < 1 || colour[v] != colour[w] {
				return
			}
			loser := v
			if gid[w] > gid[v] {
				loser = w
			}
			if owner[loser] == m.Rank {
				forbid(remoteForbidden, loser, colour[loser])
				colour[loser] = firstFit(loser)
				recoloured++
				return
			}
			p := owner[loser]
			if notify[p] == nil {
				notify[p] = make(map[[2]int]struct{})
			}
			notify[p][[2]int{gid[loser], colour[loser]}] = struct{}{}
		}

		for u := 0; u < nnodes; u++ {
			for i, v := range m.NNList[u] {
				resolve(u, v)
				for _, w := range m.NNList[u][i+1:] {
					resolve(v, w)
				}
			}
		}

		send := make([][]int64, c.Size())
		for p, pairs := range notify {
			flat := make([][2]int, 0, len(pairs))
			for pair := range pairs {
				flat = append(flat, pair)
			}
			sort.Slice(flat, func(i, j int) bool {
				if flat[i][0] != flat[j][0] {
					return flat[i][0] < flat[j][0]
				}
				return flat[i][1] < flat[j][1]
			})
			buf := make([]int64, 0, 2*len(flat))
			for _, pair := range flat {
				buf = append(buf, int64(pair[0]), int64(pair[1]))
			}
			send[p] = buf
		}

		recv, err := c.Exchange(send)
		if err != nil {
			return nil, err
		}
		for p := range recv {
			for i := 0; i+1 < len(recv[p]); i += 2 {
				v, ok := gnn2lnn[int(recv[p][i])]
				if !ok {
					return nil, fmt.Errorf("conflict report references unknown gnn %d", recv[p][i])
				}
				badColour := int(recv[p][i+1])
				forbid(remoteForbidden, v, badColour)
				if colour[v] == badColour {
					colour[v] = firstFit(v)
					recoloured++
				}
			}
		}

		total := c.AllreduceSumInts([]int{recoloured})
		if total[0] == 0 {
			break
		}
	}
	return colour, nil
}

func forbid(remoteForbidden map[int]map[int]struct{}, v, colour int) {
	if remoteForbidden[v] == nil {
		remoteForbidden[v] = make(map[int]struct{})
	}
	remoteForbidden[v][colour] = struct{}{}
}
