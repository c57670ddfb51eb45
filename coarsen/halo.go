package coarsen

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/meshadapt/mesh"
)

// haloState tracks the mutable global-numbering view while halo
// exchanges append vertices to the local arrays.
type haloState struct {
	lnn2gnn []int
	owner   []int
	gnn2lnn map[int]int
}

// exchangeCollapses communicates the pending collapses of halo vertices
// to every rank that mirrors them, together with the supporting
// vertices, elements and facets, all encoded under the global
// numbering. Received collapse edges join the local independent set.
// A second all-to-all round tells owners which of their vertices were
// just learned by other ranks so both sides extend their send/recv
// lists symmetrically.
func (c *Coarsen) exchangeCollapses(independentSet []int, dynamic *[]int, recalc *[]bool, st *haloState) ([]int, error) {
	m := c.mesh
	nprocs := c.comm.Size()
	rank := c.comm.Rank()

	known := make([]map[int]struct{}, nprocs)
	for p := 0; p < nprocs; p++ {
		if p == rank {
			continue
		}
		known[p] = make(map[int]struct{})
		for _, v := range m.Send[p] {
			known[p][v] = struct{}{}
		}
		for _, v := range m.Recv[p] {
			known[p][v] = struct{}{}
		}
	}

	sendEdges := make([][]int, nprocs)
	sendElements := make([]map[int]struct{}, nprocs)
	sendNodes := make([]map[int]struct{}, nprocs)
	for p := range sendElements {
		sendElements[p] = make(map[int]struct{})
		sendNodes[p] = make(map[int]struct{})
	}

	for _, v := range independentSet {
		if !m.IsHalo(v) {
			continue
		}
		for p := 0; p < nprocs; p++ {
			if p == rank {
				continue
			}
			if _, ok := known[p][v]; !ok {
				continue
			}
			sendEdges[p] = append(sendEdges[p], st.lnn2gnn[v], st.lnn2gnn[(*dynamic)[v]])
			for e := range m.NEList[v] {
				sendElements[p][e] = struct{}{}
			}
		}
	}

	// Elements already resident on the destination are dropped; vertices
	// the destination has never seen ride along with their coordinates
	// and metric.
	for p := 0; p < nprocs; p++ {
		if p == rank {
			continue
		}
		for e := range sendElements[p] {
			n := m.Element(e)
			residents := 0
			for _, v := range n {
				if _, ok := known[p][v]; !ok {
					sendNodes[p][v] = struct{}{}
				}
				if st.owner[v] == p {
					residents++
				}
			}
			if residents > 0 {
				delete(sendElements[p], e)
			}
		}
	}

	send := make([][]int64, nprocs)
	for p := 0; p < nprocs; p++ {
		if p == rank || len(sendEdges[p]) == 0 {
			continue
		}
		send[p] = c.packCollapses(p, sendEdges[p], sendElements[p], sendNodes[p], st)
	}

	recv, err := c.comm.Exchange(send)
	if err != nil {
		return nil, err
	}

	extraHalo := make([]map[int]struct{}, nprocs)
	for p := range extraHalo {
		extraHalo[p] = make(map[int]struct{})
	}
	for p := 0; p < nprocs; p++ {
		if len(recv[p]) == 0 {
			continue
		}
		independentSet, err = c.unpackCollapses(recv[p], independentSet, dynamic, recalc, st, extraHalo)
		if err != nil {
			return nil, fmt.Errorf("unpack from rank %d: %w", p, err)
		}
	}

	// Second round: tell each owner which of its vertices this rank just
	// learned about. Sorted gnn order keeps the send/recv list extension
	// identical on both sides.
	notify := make([][]int64, nprocs)
	notifyGnns := make([][]int, nprocs)
	for p := 0; p < nprocs; p++ {
		if p == rank || len(extraHalo[p]) == 0 {
			continue
		}
		gnns := make([]int, 0, len(extraHalo[p]))
		for gnn := range extraHalo[p] {
			gnns = append(gnns, gnn)
		}
		sort.Ints(gnns)
		notifyGnns[p] = gnns
		buf := make([]int64, len(gnns))
		for i, gnn := range gnns {
			buf[i] = int64(gnn)
		}
		notify[p] = buf
	}

	acks, err := c.comm.Exchange(notify)
	if err != nil {
		return nil, err
	}

	for p := 0; p < nprocs; p++ {
		for _, word := range acks[p] {
			lnn, ok := st.gnn2lnn[int(word)]
			if !ok {
				return nil, fmt.Errorf("halo extension references unknown gnn %d", word)
			}
			m.Send[p] = append(m.Send[p], lnn)
			m.SendHalo[lnn] = struct{}{}
		}
		for _, gnn := range notifyGnns[p] {
			lnn, ok := st.gnn2lnn[gnn]
			if !ok {
				return nil, fmt.Errorf("halo extension references unknown gnn %d", gnn)
			}
			m.Recv[p] = append(m.Recv[p], lnn)
			m.RecvHalo[lnn] = struct{}{}
		}
	}

	return independentSet, nil
}

// packCollapses encodes one peer's message: supporting vertices with
// coordinates and metric, collapse edges, elements, and the facets on
// those elements, all under the global numbering. Floats travel as
// Float64bits words.
func (c *Coarsen) packCollapses(p int, edges []int, elements, nodes map[int]struct{}, st *haloState) []int64 {
	m := c.mesh
	var buf []int64

	nodeList := make([]int, 0, len(nodes))
	for v := range nodes {
		nodeList = append(nodeList, v)
	}
	sort.Ints(nodeList)

	buf = append(buf, int64(len(nodeList)))
	for _, v := range nodeList {
		buf = append(buf, int64(st.lnn2gnn[v]), int64(st.owner[v]))
		for _, x := range m.Coord(v) {
			buf = append(buf, int64(math.Float64bits(x)))
		}
		for _, x := range m.MetricAt(v) {
			buf = append(buf, int64(math.Float64bits(x)))
		}
	}

	buf = append(buf, int64(len(edges)))
	for _, gnn := range edges {
		buf = append(buf, int64(gnn))
	}

	elementList := make([]int, 0, len(elements))
	for e := range elements {
		elementList = append(elementList, e)
	}
	sort.Ints(elementList)

	buf = append(buf, int64(len(elementList)))
	facets := make(map[int]struct{})
	for _, e := range elementList {
		n := m.Element(e)
		for _, v := range n {
			buf = append(buf, int64(st.lnn2gnn[v]))
		}
		for _, f := range c.surf.FindFacets(n) {
			facets[f] = struct{}{}
		}
	}

	facetList := make([]int, 0, len(facets))
	for f := range facets {
		facetList = append(facetList, f)
	}
	sort.Ints(facetList)

	buf = append(buf, int64(len(facetList)))
	for _, f := range facetList {
		for _, v := range c.surf.Facet(f) {
			buf = append(buf, int64(st.lnn2gnn[v]))
		}
		buf = append(buf, int64(c.surf.CoplanarID(f)))
	}

	return buf
}

// unpackCollapses decodes a peer's message, appending unknown vertices,
// registering received collapse edges into the independent set, and
// appending elements and facets that are not already present. A
// reference to a gnn that cannot be resolved is a protocol fault.
func (c *Coarsen) unpackCollapses(buf []int64, independentSet []int, dynamic *[]int, recalc *[]bool, st *haloState, extraHalo []map[int]struct{}) ([]int, error) {
	m := c.mesh
	loc := 0
	next := func() int64 {
		v := buf[loc]
		loc++
		return v
	}

	numNodes := int(next())
	for i := 0; i < numNodes; i++ {
		gnn := int(next())
		nodeOwner := int(next())
		coords := make([]float64, m.Dim)
		for k := range coords {
			coords[k] = math.Float64frombits(uint64(next()))
		}
		metric := make([]float64, m.MSize)
		for k := range metric {
			metric[k] = math.Float64frombits(uint64(next()))
		}

		if _, seen := st.gnn2lnn[gnn]; seen {
			continue
		}
		lnn := m.AppendVertex(coords, metric)
		st.lnn2gnn = append(st.lnn2gnn, gnn)
		st.owner = append(st.owner, nodeOwner)
		st.gnn2lnn[gnn] = lnn
		m.Owner = append(m.Owner, nodeOwner)
		m.Lnn2Gnn = append(m.Lnn2Gnn, gnn)
		*dynamic = append(*dynamic, NotExamined)
		*recalc = append(*recalc, false)
		extraHalo[nodeOwner][gnn] = struct{}{}
	}

	numEdgeWords := int(next())
	for i := 0; i < numEdgeWords; i += 2 {
		rmGnn := int(next())
		targetGnn := int(next())
		rm, ok := st.gnn2lnn[rmGnn]
		if !ok {
			return nil, fmt.Errorf("collapse edge references unknown gnn %d", rmGnn)
		}
		target, ok := st.gnn2lnn[targetGnn]
		if !ok {
			return nil, fmt.Errorf("collapse edge references unknown gnn %d", targetGnn)
		}
		(*dynamic)[rm] = target
		independentSet = append(independentSet, rm)
	}

	numElements := int(next())
	tuple := make([]int, m.NLoc)
	for i := 0; i < numElements; i++ {
		for k := range tuple {
			gnn := int(next())
			lnn, ok := st.gnn2lnn[gnn]
			if !ok {
				return nil, fmt.Errorf("element references unknown gnn %d", gnn)
			}
			tuple[k] = lnn
		}

		missing := 0
		for a := 0; a < m.NLoc; a++ {
			for b := a + 1; b < m.NLoc; b++ {
				if _, ok := m.Edges[mesh.Key(tuple[a], tuple[b])]; !ok {
					missing++
				}
			}
		}
		if missing == 0 {
			continue
		}

		eid := m.AppendElement(append([]int(nil), tuple...))
		for a := 0; a < m.NLoc; a++ {
			m.NEList[tuple[a]][eid] = struct{}{}
			for b := a + 1; b < m.NLoc; b++ {
				key := mesh.Key(tuple[a], tuple[b])
				edge, ok := m.Edges[key]
				if !ok {
					edge = mesh.NewEdge(m.EdgeLength(key.V, key.W))
					m.Edges[key] = edge
					m.NNList[tuple[a]] = append(m.NNList[tuple[a]], tuple[b])
					m.NNList[tuple[b]] = append(m.NNList[tuple[b]], tuple[a])
				}
				edge.AddElement(eid)
			}
		}
	}

	numFacets := int(next())
	facet := make([]int, m.SNLoc)
	for i := 0; i < numFacets; i++ {
		for k := range facet {
			gnn := int(next())
			lnn, ok := st.gnn2lnn[gnn]
			if !ok {
				return nil, fmt.Errorf("facet references unknown gnn %d", gnn)
			}
			facet[k] = lnn
		}
		coplanarID := int(next())
		c.surf.AppendFacet(append([]int(nil), facet...), coplanarID)
	}

	return independentSet, nil
}
