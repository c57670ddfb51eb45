// Package partitions decomposes a serial mesh into rank-local meshes
// for SPMD adaptation: element-to-rank assignment, per-rank local
// numbering with owned vertices first, vertex ownership by lowest
// incident rank, and symmetric per-peer send/recv halo lists.
package partitions

import (
	"fmt"
	"sort"

	"github.com/notargets/meshadapt/mesh"
)

// Strategy defines how elements are grouped onto ranks.
type Strategy int

const (
	// Block assigns consecutive elements, the default.
	Block Strategy = iota
	// RoundRobin distributes elements cyclically.
	RoundRobin
)

// Split partitions global into nranks local meshes. Each rank receives
// the elements assigned to it plus every element touching a vertex it
// owns; vertices shared across that boundary appear in the symmetric
// Send/Recv halo lists.
func Split(global *mesh.Mesh, nranks int, strategy Strategy) ([]*mesh.Mesh, error) {
	if nranks < 1 {
		return nil, fmt.Errorf("invalid rank count %d", nranks)
	}
	nelements := global.NumberOfElements()
	nnodes := global.NumberOfNodes()
	if nelements == 0 {
		return nil, fmt.Errorf("cannot partition an empty mesh")
	}

	eToP := make([]int, nelements)
	switch strategy {
	case RoundRobin:
		for e := range eToP {
			eToP[e] = e % nranks
		}
	default:
		perRank := (nelements + nranks - 1) / nranks
		for e := range eToP {
			eToP[e] = e / perRank
			if eToP[e] >= nranks {
				eToP[e] = nranks - 1
			}
		}
	}

	// A vertex is owned by the lowest rank among its incident elements.
	owner := make([]int, nnodes)
	for v := range owner {
		owner[v] = -1
	}
	for e := 0; e < nelements; e++ {
		for _, v := range global.Element(e) {
			if owner[v] < 0 || eToP[e] < owner[v] {
				owner[v] = eToP[e]
			}
		}
	}

	// Element membership per rank: assigned elements plus any element
	// touching an owned vertex.
	members := make([][]int, nranks)
	for e := 0; e < nelements; e++ {
		ranks := map[int]struct{}{eToP[e]: {}}
		for _, v := range global.Element(e) {
			ranks[owner[v]] = struct{}{}
		}
		for r := range ranks {
			members[r] = append(members[r], e)
		}
	}

	locals := make([]*mesh.Mesh, nranks)
	g2l := make([]map[int]int, nranks)
	for r := 0; r < nranks; r++ {
		lm, lookup, err := buildLocal(global, r, nranks, members[r], owner)
		if err != nil {
			return nil, fmt.Errorf("rank %d: %w", r, err)
		}
		locals[r] = lm
		g2l[r] = lookup
	}

	// Symmetric halo lists, ordered by global vertex id on both sides.
	for r := 0; r < nranks; r++ {
		for p := 0; p < nranks; p++ {
			if p == r {
				continue
			}
			var shared []int
			for gv := range g2l[r] {
				if owner[gv] != r {
					continue
				}
				if _, ok := g2l[p][gv]; ok {
					shared = append(shared, gv)
				}
			}
			sort.Ints(shared)
			for _, gv := range shared {
				sv := g2l[r][gv]
				rv := g2l[p][gv]
				locals[r].Send[p] = append(locals[r].Send[p], sv)
				locals[r].SendHalo[sv] = struct{}{}
				locals[p].Recv[r] = append(locals[p].Recv[r], rv)
				locals[p].RecvHalo[rv] = struct{}{}
			}
		}
	}

	if err := Verify(locals); err != nil {
		return nil, err
	}
	return locals, nil
}

// buildLocal assembles rank r's submesh with owned vertices numbered
// first, each group ordered by global id.
func buildLocal(global *mesh.Mesh, r, nranks int, elements []int, owner []int) (*mesh.Mesh, map[int]int, error) {
	vertexSet := make(map[int]struct{})
	for _, e := range elements {
		for _, v := range global.Element(e) {
			vertexSet[v] = struct{}{}
		}
	}

	var owned, halo []int
	for v := range vertexSet {
		if owner[v] == r {
			owned = append(owned, v)
		} else {
			halo = append(halo, v)
		}
	}
	sort.Ints(owned)
	sort.Ints(halo)
	ordered := append(owned, halo...)

	lookup := make(map[int]int, len(ordered))
	for lnn, gnn := range ordered {
		lookup[gnn] = lnn
	}

	coords := make([]float64, 0, len(ordered)*global.Dim)
	metric := make([]float64, 0, len(ordered)*global.MSize)
	for _, gv := range ordered {
		coords = append(coords, global.Coord(gv)...)
		metric = append(metric, global.MetricAt(gv)...)
	}

	enlist := make([]int, 0, len(elements)*global.NLoc)
	for _, e := range elements {
		for _, v := range global.Element(e) {
			enlist = append(enlist, lookup[v])
		}
	}

	lm, err := mesh.New(global.Dim, coords, metric, enlist)
	if err != nil {
		return nil, nil, err
	}
	lm.Rank = r
	lm.NRanks = nranks
	lm.Owner = make([]int, len(ordered))
	lm.Lnn2Gnn = append([]int(nil), ordered...)
	for lnn, gnn := range ordered {
		lm.Owner[lnn] = owner[gnn]
	}
	lm.Send = make([][]int, nranks)
	lm.Recv = make([][]int, nranks)
	return lm, lookup, nil
}

// Verify checks communication symmetry across the whole decomposition:
// rank r's send list to p and p's receive list from r must name the
// same global vertices in the same order.
func Verify(locals []*mesh.Mesh) error {
	n := len(locals)
	for r := 0; r < n; r++ {
		for p := 0; p < n; p++ {
			if p == r {
				continue
			}
			send := locals[r].Send[p]
			recv := locals[p].Recv[r]
			if len(send) != len(recv) {
				return fmt.Errorf("halo asymmetry: %d sends %d to %d, %d expects %d",
					r, len(send), p, p, len(recv))
			}
			for i := range send {
				sg := locals[r].Lnn2Gnn[send[i]]
				rg := locals[p].Lnn2Gnn[recv[i]]
				if sg != rg {
					return fmt.Errorf("halo mismatch between %d and %d at slot %d: gnn %d vs %d",
						r, p, i, sg, rg)
				}
			}
		}
	}
	return nil
}
