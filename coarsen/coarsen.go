// Package coarsen removes short edges from a simplicial mesh by
// vertex-to-vertex collapse, scheduled over a distance-2 colouring so
// that concurrent collapses never share an incident element, and
// coordinated across ranks by a halo exchange of pending collapses.
package coarsen

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/notargets/meshadapt/colouring"
	"github.com/notargets/meshadapt/comm"
	"github.com/notargets/meshadapt/geometry"
	"github.com/notargets/meshadapt/mesh"
	"github.com/notargets/meshadapt/surface"
)

// Collapse verdicts returned by the identification kernel. Non-negative
// values are the chosen target vertex; negative values name the reason
// no collapse is scheduled.
const (
	NotExamined     = -1
	CornerVertex    = -2
	UnownedVertex   = -3
	NothingFeasible = -4
)

// The invertibility guard: a proposed element is rejected when its
// signed volume shrinks below this fraction of the original.
const volumeRatioGuard = 1.0e-3

const maxSweeps = 100

// Coarsen is the edge-collapse engine for one mesh/surface pair.
type Coarsen struct {
	mesh *mesh.Mesh
	surf *surface.Surface
	prop *geometry.ElementProperty
	comm comm.Communicator
	log  *zap.Logger
}

// New prepares a coarsening engine. A nil logger disables diagnostics.
// An empty local partition is accepted: the engine then only
// participates in the collective phases.
func New(m *mesh.Mesh, s *surface.Surface, c comm.Communicator, log *zap.Logger) (*Coarsen, error) {
	if log == nil {
		log = zap.NewNop()
	}
	prop, err := m.ElementProperty()
	if err != nil {
		prop = nil
	}
	return &Coarsen{mesh: m, surf: s, prop: prop, comm: c, log: log}, nil
}

// Coarsen removes edges shorter than lLow by collapsing one endpoint
// onto the other, without inverting elements, violating the surface
// classification, or creating edges longer than lMax. Each outer sweep
// collapses a maximal independent set drawn from the globally largest
// colour class; the loop ends when that set is empty everywhere.
func (c *Coarsen) Coarsen(lLow, lMax float64) error {
	m := c.mesh
	nnodes := m.NumberOfNodes()

	dynamic := make([]int, nnodes)
	recalc := make([]bool, nnodes)
	for i := range dynamic {
		dynamic[i] = NotExamined
		if m.IsOwned(i) {
			dynamic[i] = c.identify(i, lLow, lMax)
		}
	}

	_, lnn2gnn, owner := m.CreateGlobalNumbering()
	st := &haloState{
		lnn2gnn: lnn2gnn,
		owner:   owner,
		gnn2lnn: make(map[int]int, len(lnn2gnn)),
	}
	for lnn, gnn := range st.lnn2gnn {
		st.gnn2lnn[gnn] = lnn
	}

	for sweep := 0; sweep < maxSweeps; sweep++ {
		if sweep == maxSweeps-1 {
			c.log.Warn("possibly excessive coarsening; verify results",
				zap.Int("sweeps", sweep))
		}
		nnodes = m.NumberOfNodes()

		colour, err := colouring.Colour(m, c.comm)
		if err != nil {
			return fmt.Errorf("coarsen: %w", err)
		}

		colourSets := make(map[int][]int)
		for i := 0; i < nnodes; i++ {
			if recalc[i] {
				recalc[i] = false
				if m.IsOwned(i) {
					dynamic[i] = c.identify(i, lLow, lMax)
				}
			}
			if colour[i] >= 1 && dynamic[i] >= 0 {
				colourSets[colour[i]] = append(colourSets[colour[i]], i)
			}
		}

		maxColour := -1
		for id := range colourSets {
			if id > maxColour {
				maxColour = id
			}
		}
		maxColour = c.comm.AllreduceMaxInt(maxColour)
		if maxColour < 1 {
			break
		}

		sizes := make([]int, maxColour)
		for id, set := range colourSets {
			sizes[id-1] = len(set)
		}
		sizes = c.comm.AllreduceSumInts(sizes)

		bestSize, bestID := sizes[0], 0
		for id := 1; id < maxColour; id++ {
			if sizes[id] > bestSize {
				bestSize, bestID = sizes[id], id
			}
		}
		if bestSize == 0 {
			break
		}
		independentSet := colourSets[bestID+1]

		if c.comm.Size() > 1 {
			independentSet, err = c.exchangeCollapses(independentSet, &dynamic, &recalc, st)
			if err != nil {
				return fmt.Errorf("coarsen: %w", err)
			}
		}

		for _, rm := range independentSet {
			target := dynamic[rm]
			if target < 0 {
				continue
			}
			if err := c.collapse(rm, target); err != nil {
				return fmt.Errorf("coarsen: %w", err)
			}
			if m.IsOwned(target) {
				dynamic[target] = c.identify(target, lLow, lMax)
			}
			for _, nn := range m.NNList[target] {
				recalc[nn] = true
			}
			dynamic[rm] = NotExamined
		}
	}

	return nil
}

// identify chooses the vertex rm should collapse onto, or a negative
// verdict. Candidate neighbours are those under lLow, not across a halo
// receive boundary, and collapsible on the surface; they are tried
// shortest first. A candidate is accepted when every surviving element
// keeps a healthy volume ratio and no resulting edge exceeds lMax.
func (c *Coarsen) identify(rm int, lLow, lMax float64) int {
	m := c.mesh

	if c.surf.IsCornerVertex(rm) {
		return CornerVertex
	}
	if !m.IsOwned(rm) {
		return UnownedVertex
	}

	type candidate struct {
		length float64
		nn     int
	}
	var short []candidate
	for _, nn := range m.NNList[rm] {
		if _, halo := m.RecvHalo[nn]; halo {
			continue
		}
		if !c.surf.IsCollapsible(rm, nn) {
			continue
		}
		edge := m.Edges[mesh.Key(rm, nn)]
		if edge != nil && edge.Length < lLow {
			short = append(short, candidate{edge.Length, nn})
		}
	}
	if len(short) == 0 {
		return NotExamined
	}
	sort.Slice(short, func(i, j int) bool {
		if short[i].length != short[j].length {
			return short[i].length < short[j].length
		}
		return short[i].nn < short[j].nn
	})

	xs := make([][]float64, m.NLoc)
	origXS := make([][]float64, m.NLoc)
	for _, cand := range short {
		target := cand.nn
		targetEdge := m.Edges[mesh.Key(rm, target)]

		reject := false
		for ee := range m.NEList[rm] {
			if _, adjacent := targetEdge.Elements[ee]; adjacent {
				continue
			}
			n := m.Element(ee)
			for i, v := range n {
				origXS[i] = m.Coord(v)
				if v == rm {
					xs[i] = m.Coord(target)
				} else {
					xs[i] = m.Coord(v)
				}
			}
			if c.prop.SignedVolume(xs)/c.prop.SignedVolume(origXS) <= volumeRatioGuard {
				reject = true
				break
			}
		}
		if !reject {
			for _, nn := range m.NNList[rm] {
				if nn == target {
					continue
				}
				if m.EdgeLength(target, nn) > lMax {
					reject = true
					break
				}
			}
		}
		if !reject {
			return target
		}
	}
	return NothingFeasible
}

// collapse performs the certified collapse rm -> target, maintaining
// the edge set, NNList, NEList and the surface classification. It is an
// error to call it on an edge the identification kernel did not accept.
func (c *Coarsen) collapse(rm, target int) error {
	m := c.mesh

	targetEdge := m.Edges[mesh.Key(rm, target)]
	if targetEdge == nil {
		return fmt.Errorf("collapse %d->%d: edge does not exist", rm, target)
	}
	deleted := make(map[int]struct{}, len(targetEdge.Elements))
	for e := range targetEdge.Elements {
		deleted[e] = struct{}{}
	}

	if c.surf.ContainsNode(rm) && c.surf.ContainsNode(target) {
		c.surf.Collapse(rm, target)
	}

	// Deleted elements leave the incidence sets of their other edges.
	targetKey := mesh.Key(rm, target)
	for de := range deleted {
		n := m.Element(de)
		for i := 0; i < m.NLoc; i++ {
			for j := i + 1; j < m.NLoc; j++ {
				key := mesh.Key(n[i], n[j])
				if key == targetKey {
					continue
				}
				edge := m.Edges[key]
				if edge == nil {
					return fmt.Errorf("collapse %d->%d: missing edge (%d,%d)", rm, target, key.V, key.W)
				}
				edge.RemoveElement(de)
			}
		}
	}

	// Surviving elements of rm are renumbered onto target.
	for ee := range m.NEList[rm] {
		if _, dead := deleted[ee]; dead {
			m.EraseElement(ee)
			continue
		}
		n := m.Element(ee)
		for i := range n {
			if n[i] == rm {
				n[i] = target
				break
			}
		}
		m.NEList[target][ee] = struct{}{}
	}
	for de := range deleted {
		delete(m.NEList[target], de)
	}

	adjTarget := m.NodePatch(target)

	// Rename or merge the edges radiating from rm.
	for _, nn := range m.NNList[rm] {
		old := m.Edges[mesh.Key(rm, nn)]
		if old == nil {
			return fmt.Errorf("collapse %d->%d: missing edge (%d,%d)", rm, target, rm, nn)
		}
		delete(m.Edges, mesh.Key(rm, nn))
		if nn == target {
			continue
		}
		if _, dup := adjTarget[nn]; dup {
			existing := m.Edges[mesh.Key(target, nn)]
			if existing == nil {
				return fmt.Errorf("collapse %d->%d: missing edge (%d,%d)", rm, target, target, nn)
			}
			for e := range old.Elements {
				existing.AddElement(e)
			}
		} else {
			renamed := &mesh.Edge{Length: m.EdgeLength(target, nn), Elements: old.Elements}
			m.Edges[mesh.Key(target, nn)] = renamed
		}
	}

	// Fix the neighbour lists around the hole.
	for _, nn := range m.NNList[rm] {
		switch {
		case nn == target:
			patch := make(map[int]struct{}, len(adjTarget)+len(m.NNList[rm]))
			for w := range adjTarget {
				patch[w] = struct{}{}
			}
			for _, w := range m.NNList[rm] {
				patch[w] = struct{}{}
			}
			delete(patch, rm)
			delete(patch, target)
			rebuilt := make([]int, 0, len(patch))
			for w := range patch {
				rebuilt = append(rebuilt, w)
			}
			sort.Ints(rebuilt)
			m.NNList[target] = rebuilt

		default:
			if _, dup := adjTarget[nn]; dup {
				for de := range deleted {
					delete(m.NEList[nn], de)
				}
				m.NNList[nn] = removeValue(m.NNList[nn], rm)
			} else {
				replaceValue(m.NNList[nn], rm, target)
			}
		}
	}

	m.EraseVertex(rm)
	return nil
}

func removeValue(list []int, v int) []int {
	for i, w := range list {
		if w == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func replaceValue(list []int, old, new int) {
	for i, w := range list {
		if w == old {
			list[i] = new
			return
		}
	}
}
