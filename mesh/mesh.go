package mesh

import (
	"fmt"
	"sort"

	"github.com/notargets/meshadapt/geometry"
)

// Mesh is an unstructured simplicial mesh in 2D (triangles) or 3D
// (tetrahedra). Vertices carry coordinates and a packed symmetric
// positive-definite metric tensor. Elements are stored in an arena:
// a first vertex index < 0 marks a deleted slot.
//
// Adjacency tables maintained at every quiescent point:
//
//	NNList[v] — neighbour vertices of v, symmetric and duplicate-free
//	NEList[v] — elements incident to v
//	Edges     — canonical (min,max) pairs with cached metric length and
//	            the incident element set
type Mesh struct {
	Dim   int
	NLoc  int // vertices per element
	SNLoc int // vertices per facet
	MSize int // packed metric entries per vertex

	Coords []float64 // NNodes x Dim
	Metric []float64 // NNodes x MSize
	ENList []int     // NElements x NLoc

	NNList [][]int
	NEList []map[int]struct{}
	Edges  map[EdgeKey]*Edge

	// Distributed-memory bookkeeping. On a serial mesh Owner is nil and
	// every vertex is owned.
	Rank     int
	NRanks   int
	Owner    []int
	Lnn2Gnn  []int
	Send     [][]int // per peer: owned vertices mirrored on that rank
	Recv     [][]int // per peer: halo vertices owned by that rank
	SendHalo map[int]struct{}
	RecvHalo map[int]struct{}
}

// New builds a mesh from flat coordinate, metric and element arrays and
// derives the adjacency tables. dim is 2 or 3; enlist holds nloc vertex
// indices per element.
func New(dim int, coords, metric []float64, enlist []int) (*Mesh, error) {
	if dim != 2 && dim != 3 {
		return nil, fmt.Errorf("unsupported dimension %d", dim)
	}
	nloc := dim + 1
	msize := dim * (dim + 1) / 2
	if len(coords)%dim != 0 {
		return nil, fmt.Errorf("coords length %d not a multiple of %d", len(coords), dim)
	}
	nnodes := len(coords) / dim
	if len(metric) != nnodes*msize {
		return nil, fmt.Errorf("metric length %d does not match %d nodes", len(metric), nnodes)
	}
	if len(enlist)%nloc != 0 {
		return nil, fmt.Errorf("element list length %d not a multiple of %d", len(enlist), nloc)
	}

	m := &Mesh{
		Dim:      dim,
		NLoc:     nloc,
		SNLoc:    dim,
		MSize:    msize,
		Coords:   append([]float64(nil), coords...),
		Metric:   append([]float64(nil), metric...),
		ENList:   append([]int(nil), enlist...),
		NRanks:   1,
		SendHalo: make(map[int]struct{}),
		RecvHalo: make(map[int]struct{}),
	}
	m.InitAdjacency()
	return m, nil
}

// NumberOfNodes returns the size of the local vertex arena, deleted
// slots included.
func (m *Mesh) NumberOfNodes() int {
	return len(m.Coords) / m.Dim
}

// NumberOfElements returns the size of the local element arena, deleted
// slots included.
func (m *Mesh) NumberOfElements() int {
	return len(m.ENList) / m.NLoc
}

// Element returns the vertex tuple of element e. The slice aliases the
// arena.
func (m *Mesh) Element(e int) []int {
	return m.ENList[e*m.NLoc : (e+1)*m.NLoc]
}

// ElementLive reports whether element e occupies a live slot.
func (m *Mesh) ElementLive(e int) bool {
	return m.ENList[e*m.NLoc] >= 0
}

// Coord returns the coordinates of vertex v. The slice aliases the arena.
func (m *Mesh) Coord(v int) []float64 {
	return m.Coords[v*m.Dim : (v+1)*m.Dim]
}

// MetricAt returns the packed metric of vertex v. The slice aliases the
// arena.
func (m *Mesh) MetricAt(v int) []float64 {
	return m.Metric[v*m.MSize : (v+1)*m.MSize]
}

// IsOwned reports whether vertex v is owned by this rank.
func (m *Mesh) IsOwned(v int) bool {
	return m.Owner == nil || m.Owner[v] == m.Rank
}

// IsHalo reports whether vertex v appears in any halo list.
func (m *Mesh) IsHalo(v int) bool {
	if _, ok := m.SendHalo[v]; ok {
		return true
	}
	_, ok := m.RecvHalo[v]
	return ok
}

// EdgeLength measures edge (v, w) in metric space using the closed form
// with the entry-averaged endpoint metrics.
func (m *Mesh) EdgeLength(v, w int) float64 {
	mv := m.MetricAt(v)
	mw := m.MetricAt(w)
	avg := make([]float64, m.MSize)
	for k := 0; k < m.MSize; k++ {
		avg[k] = 0.5 * (mv[k] + mw[k])
	}
	d := make([]float64, m.Dim)
	xv, xw := m.Coord(v), m.Coord(w)
	for k := 0; k < m.Dim; k++ {
		d[k] = xw[k] - xv[k]
	}
	if m.Dim == 2 {
		return geometry.MetricLength2D(d, avg)
	}
	return geometry.MetricLength3D(d, avg)
}

// NodePatch returns the set of vertices adjacent to v.
func (m *Mesh) NodePatch(v int) map[int]struct{} {
	patch := make(map[int]struct{}, len(m.NNList[v]))
	for _, w := range m.NNList[v] {
		patch[w] = struct{}{}
	}
	return patch
}

// InitAdjacency rebuilds NNList, NEList and the edge set from the
// element arena. Cached edge lengths are recomputed.
func (m *Mesh) InitAdjacency() {
	nnodes := m.NumberOfNodes()
	m.NNList = make([][]int, nnodes)
	m.NEList = make([]map[int]struct{}, nnodes)
	for i := range m.NEList {
		m.NEList[i] = make(map[int]struct{})
	}
	m.Edges = make(map[EdgeKey]*Edge)

	for e := 0; e < m.NumberOfElements(); e++ {
		if !m.ElementLive(e) {
			continue
		}
		n := m.Element(e)
		for i := 0; i < m.NLoc; i++ {
			m.NEList[n[i]][e] = struct{}{}
			for j := i + 1; j < m.NLoc; j++ {
				key := Key(n[i], n[j])
				edge, ok := m.Edges[key]
				if !ok {
					edge = NewEdge(m.EdgeLength(key.V, key.W))
					m.Edges[key] = edge
					m.NNList[n[i]] = append(m.NNList[n[i]], n[j])
					m.NNList[n[j]] = append(m.NNList[n[j]], n[i])
				}
				edge.AddElement(e)
			}
		}
	}
}

// AppendVertex grows the vertex arena and returns the new local index.
// Adjacency entries start empty.
func (m *Mesh) AppendVertex(coords, metric []float64) int {
	v := m.NumberOfNodes()
	m.Coords = append(m.Coords, coords...)
	m.Metric = append(m.Metric, metric...)
	m.NNList = append(m.NNList, nil)
	m.NEList = append(m.NEList, make(map[int]struct{}))
	return v
}

// AppendElement grows the element arena and returns the new element id.
// The caller is responsible for adjacency updates.
func (m *Mesh) AppendElement(tuple []int) int {
	e := m.NumberOfElements()
	m.ENList = append(m.ENList, tuple...)
	return e
}

// EraseVertex removes v from the live topology. Its arena slots remain
// allocated.
func (m *Mesh) EraseVertex(v int) {
	m.NNList[v] = nil
	m.NEList[v] = make(map[int]struct{})
}

// EraseElement marks element e deleted.
func (m *Mesh) EraseElement(e int) {
	m.ENList[e*m.NLoc] = -1
}

// CreateGlobalNumbering returns the count of owned vertices, the
// local-to-global map and the owner array. On a serial mesh the local
// numbering is the global numbering.
func (m *Mesh) CreateGlobalNumbering() (int, []int, []int) {
	nnodes := m.NumberOfNodes()
	if m.Owner == nil {
		lnn2gnn := make([]int, nnodes)
		owner := make([]int, nnodes)
		for i := range lnn2gnn {
			lnn2gnn[i] = i
		}
		return nnodes, lnn2gnn, owner
	}
	npnodes := 0
	for _, o := range m.Owner {
		if o == m.Rank {
			npnodes++
		}
	}
	return npnodes, m.Lnn2Gnn, m.Owner
}

// VerifyInvariants checks the adjacency invariants: positive signed
// volumes, edge incidence sets equal to NEList intersections, and
// symmetric duplicate-free neighbour lists.
func (m *Mesh) VerifyInvariants(prop *geometry.ElementProperty) error {
	for e := 0; e < m.NumberOfElements(); e++ {
		if !m.ElementLive(e) {
			continue
		}
		n := m.Element(e)
		xs := make([][]float64, m.NLoc)
		for i, v := range n {
			xs[i] = m.Coord(v)
		}
		if vol := prop.SignedVolume(xs); vol <= 0 {
			return fmt.Errorf("element %d has non-positive volume %g", e, vol)
		}
	}

	for key, edge := range m.Edges {
		if len(edge.Elements) < 1 {
			return fmt.Errorf("edge (%d,%d) has empty incidence", key.V, key.W)
		}
		for eid := range edge.Elements {
			if _, ok := m.NEList[key.V][eid]; !ok {
				return fmt.Errorf("edge (%d,%d): element %d missing from NEList[%d]", key.V, key.W, eid, key.V)
			}
			if _, ok := m.NEList[key.W][eid]; !ok {
				return fmt.Errorf("edge (%d,%d): element %d missing from NEList[%d]", key.V, key.W, eid, key.W)
			}
		}
		shared := 0
		for eid := range m.NEList[key.V] {
			if _, ok := m.NEList[key.W][eid]; ok {
				shared++
			}
		}
		if shared != len(edge.Elements) {
			return fmt.Errorf("edge (%d,%d): incidence %d != NEList intersection %d",
				key.V, key.W, len(edge.Elements), shared)
		}
	}

	for v := 0; v < m.NumberOfNodes(); v++ {
		seen := make(map[int]struct{}, len(m.NNList[v]))
		for _, w := range m.NNList[v] {
			if w == v {
				return fmt.Errorf("vertex %d is its own neighbour", v)
			}
			if _, dup := seen[w]; dup {
				return fmt.Errorf("duplicate neighbour %d in NNList[%d]", w, v)
			}
			seen[w] = struct{}{}
			found := false
			for _, u := range m.NNList[w] {
				if u == v {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("NNList asymmetry between %d and %d", v, w)
			}
		}
	}
	return nil
}

// LiveNodes returns the indices of vertices with non-empty adjacency,
// sorted ascending.
func (m *Mesh) LiveNodes() []int {
	var live []int
	for v := 0; v < m.NumberOfNodes(); v++ {
		if len(m.NNList[v]) > 0 || len(m.NEList[v]) > 0 {
			live = append(live, v)
		}
	}
	sort.Ints(live)
	return live
}

// LiveElements returns the ids of live element slots.
func (m *Mesh) LiveElements() []int {
	var live []int
	for e := 0; e < m.NumberOfElements(); e++ {
		if m.ElementLive(e) {
			live = append(live, e)
		}
	}
	return live
}

// ElementProperty constructs the property oracle matching this mesh's
// dimension, orienting it from the first live element.
func (m *Mesh) ElementProperty() (*geometry.ElementProperty, error) {
	for e := 0; e < m.NumberOfElements(); e++ {
		if !m.ElementLive(e) {
			continue
		}
		n := m.Element(e)
		if m.Dim == 2 {
			return geometry.NewElementProperty2D(m.Coord(n[0]), m.Coord(n[1]), m.Coord(n[2]))
		}
		return geometry.NewElementProperty3D(m.Coord(n[0]), m.Coord(n[1]), m.Coord(n[2]), m.Coord(n[3]))
	}
	return nil, fmt.Errorf("mesh has no live elements")
}
