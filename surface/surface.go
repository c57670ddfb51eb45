// Package surface classifies the boundary of a volumetric mesh: it
// extracts boundary facets, orients them outward, groups them into
// coplanar patches, and exposes the predicates the coarsening engine
// consults before altering surface topology.
package surface

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/notargets/meshadapt/mesh"
)

// DefaultCoplanarTolerance is the dot-product threshold for two facet
// normals to be considered coplanar.
const DefaultCoplanarTolerance = 0.9999999

// Surface holds the boundary classification of a mesh. Facet slots
// deleted by Collapse are sentinelled (first vertex -1) and tolerated by
// every accessor; classification is rebuilt from scratch by FindSurface
// rather than compacted.
type Surface struct {
	mesh *mesh.Mesh
	log  *zap.Logger

	dim   int
	nloc  int
	snloc int
	tol   float64

	// SENList is the facet arena: NSElements tuples of snloc vertex
	// indices, outward oriented.
	NSElements   int
	SENList      []int
	CoplanarIDs  []int
	Normals      []float64
	SNEList      map[int]map[int]struct{}
	surfaceNodes map[int]struct{}
}

// New classifies the boundary of m. A nil logger disables diagnostics.
func New(m *mesh.Mesh, log *zap.Logger) *Surface {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Surface{
		mesh:  m,
		log:   log,
		dim:   m.Dim,
		nloc:  m.NLoc,
		snloc: m.SNLoc,
		tol:   DefaultCoplanarTolerance,
	}
	s.FindSurface()
	return s
}

// SetCoplanarTolerance overrides the patch dot-product threshold. It
// takes effect on the next FindSurface.
func (s *Surface) SetCoplanarTolerance(tol float64) {
	s.tol = tol
}

// ContainsNode reports whether v lies on the boundary.
func (s *Surface) ContainsNode(v int) bool {
	_, ok := s.surfaceNodes[v]
	return ok
}

// Facet returns the vertex tuple of facet f, or nil for a deleted slot.
func (s *Surface) Facet(f int) []int {
	t := s.SENList[f*s.snloc : (f+1)*s.snloc]
	if t[0] < 0 {
		return nil
	}
	return t
}

// Normal returns the outward unit normal of facet f.
func (s *Surface) Normal(f int) []float64 {
	return s.Normals[f*s.dim : (f+1)*s.dim]
}

// CoplanarID returns the patch id of facet f.
func (s *Surface) CoplanarID(f int) int {
	return s.CoplanarIDs[f]
}

// NodePatches returns the set of patch ids incident to vertex v.
func (s *Surface) NodePatches(v int) map[int]struct{} {
	ids := make(map[int]struct{})
	for f := range s.SNEList[v] {
		if s.Facet(f) == nil {
			continue
		}
		ids[s.CoplanarIDs[f]] = struct{}{}
	}
	return ids
}

// IsCornerVertex reports whether v is incident to at least Dim distinct
// coplanar patches.
func (s *Surface) IsCornerVertex(v int) bool {
	return len(s.NodePatches(v)) >= s.dim
}

// IsCollapsible reports whether collapsing vFree onto vTarget preserves
// the surface classification: interior vertices are unconstrained,
// corners are pinned, geometric-edge vertices (two patches, 3D) may only
// slide along the same edge, and plane vertices may only move within
// their plane.
func (s *Surface) IsCollapsible(vFree, vTarget int) bool {
	if !s.ContainsNode(vFree) {
		return true
	}

	free := s.NodePatches(vFree)
	if len(free) >= s.dim {
		return false
	}

	target := s.NodePatches(vTarget)
	for id := range free {
		if _, ok := target[id]; !ok {
			return false
		}
	}
	return true
}

// Collapse removes the facets incident to both vFree and vTarget,
// relabels the remaining facets of vFree to reference vTarget, and
// updates the incidence lists. Deleted facet slots are sentinelled, not
// compacted.
func (s *Surface) Collapse(vFree, vTarget int) {
	delete(s.surfaceNodes, vFree)

	deleted := make(map[int]struct{})
	for f := range s.SNEList[vFree] {
		if _, ok := s.SNEList[vTarget][f]; ok {
			deleted[f] = struct{}{}
		}
	}

	for f := range s.SNEList[vFree] {
		if _, dead := deleted[f]; dead {
			for i := 0; i < s.snloc; i++ {
				s.SENList[f*s.snloc+i] = -1
			}
			continue
		}
		for i := 0; i < s.snloc; i++ {
			if s.SENList[f*s.snloc+i] == vFree {
				s.SENList[f*s.snloc+i] = vTarget
				break
			}
		}
		s.SNEList[vTarget][f] = struct{}{}
	}

	for f := range deleted {
		delete(s.SNEList[vTarget], f)
	}
	delete(s.SNEList, vFree)
}

// FindFacets returns the live facets whose vertices are all contained in
// the element tuple n.
func (s *Surface) FindFacets(n []int) []int {
	inElement := make(map[int]struct{}, len(n))
	for _, v := range n {
		inElement[v] = struct{}{}
	}
	seen := make(map[int]struct{})
	var out []int
	for _, v := range n {
		for f := range s.SNEList[v] {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			facet := s.Facet(f)
			if facet == nil {
				continue
			}
			contained := true
			for _, w := range facet {
				if _, ok := inElement[w]; !ok {
					contained = false
					break
				}
			}
			if contained {
				out = append(out, f)
			}
		}
	}
	sort.Ints(out)
	return out
}

// AppendFacet registers a facet received from another rank, keeping its
// patch id. The tuple is assumed outward oriented by the sender.
// Duplicates of an existing live facet are ignored.
func (s *Surface) AppendFacet(facet []int, coplanarID int) {
	for f := range s.SNEList[facet[0]] {
		existing := s.Facet(f)
		if existing == nil {
			continue
		}
		if sameVertexSet(existing, facet) {
			return
		}
	}

	f := s.NSElements
	s.NSElements++
	s.SENList = append(s.SENList, facet...)
	s.CoplanarIDs = append(s.CoplanarIDs, coplanarID)
	s.Normals = append(s.Normals, s.facetNormal(facet, nil)...)
	for _, v := range facet {
		if s.SNEList[v] == nil {
			s.SNEList[v] = make(map[int]struct{})
		}
		s.SNEList[v][f] = struct{}{}
		s.surfaceNodes[v] = struct{}{}
	}
}

func sameVertexSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for _, v := range a {
		found := false
		for _, w := range b {
			if v == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FindSurface rebuilds the classification from the element arena:
// enumerate every face of every live element, keep the faces appearing
// exactly once, orient them outward, then form coplanar patches.
func (s *Surface) FindSurface() {
	type faceEntry struct {
		tuple    []int // outward oriented
		count    int
		interior int // the omitted vertex, fixes orientation
	}
	faces := make(map[mesh.EdgeKey]*faceEntry)
	keys3 := make(map[[3]int]*faceEntry)

	m := s.mesh
	for e := 0; e < m.NumberOfElements(); e++ {
		if !m.ElementLive(e) {
			continue
		}
		n := m.Element(e)
		for j := 0; j < s.nloc; j++ {
			tuple := orientedFace(n, j, s.dim)
			if s.dim == 2 {
				key := mesh.Key(tuple[0], tuple[1])
				if fe, ok := faces[key]; ok {
					fe.count++
				} else {
					faces[key] = &faceEntry{tuple: tuple, count: 1, interior: n[j]}
				}
			} else {
				key := sorted3(tuple)
				if fe, ok := keys3[key]; ok {
					fe.count++
				} else {
					keys3[key] = &faceEntry{tuple: tuple, count: 1, interior: n[j]}
				}
			}
		}
	}

	var entries []*faceEntry
	collect := func(fe *faceEntry) {
		switch {
		case fe.count == 1:
			entries = append(entries, fe)
		case fe.count > 2:
			s.log.Warn("dangling face skipped during surface classification",
				zap.Ints("face", fe.tuple), zap.Int("incidence", fe.count))
		}
	}
	for _, fe := range faces {
		collect(fe)
	}
	for _, fe := range keys3 {
		collect(fe)
	}

	// Reverse any tuple whose normal points towards the omitted vertex,
	// so that every stored facet is outward oriented.
	for _, fe := range entries {
		n := s.facetNormal(fe.tuple, nil)
		x0, xi := m.Coord(fe.tuple[0]), m.Coord(fe.interior)
		dot := 0.0
		for k := range n {
			dot += n[k] * (xi[k] - x0[k])
		}
		if dot > 0 {
			fe.tuple[0], fe.tuple[1] = fe.tuple[1], fe.tuple[0]
		}
	}

	// Deterministic facet ordering.
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].tuple, entries[j].tuple
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})

	s.NSElements = len(entries)
	s.SENList = s.SENList[:0]
	s.Normals = s.Normals[:0]
	s.SNEList = make(map[int]map[int]struct{})
	s.surfaceNodes = make(map[int]struct{})

	for f, fe := range entries {
		s.SENList = append(s.SENList, fe.tuple...)
		s.Normals = append(s.Normals, s.facetNormal(fe.tuple, m.Coord(fe.interior))...)
		for _, v := range fe.tuple {
			if s.SNEList[v] == nil {
				s.SNEList[v] = make(map[int]struct{})
			}
			s.SNEList[v][f] = struct{}{}
			s.surfaceNodes[v] = struct{}{}
		}
	}

	s.calculateCoplanarIDs()
}

// orientedFace returns the face of element n omitting vertex j. The
// vertex order gives an outward normal for a counter-clockwise triangle
// in 2D; FindSurface checks every tuple against the omitted vertex and
// reverses it where the normal points inward.
func orientedFace(n []int, j, dim int) []int {
	if dim == 2 {
		return []int{n[(j+1)%3], n[(j+2)%3]}
	}
	switch j {
	case 0:
		return []int{n[1], n[3], n[2]}
	case 1:
		return []int{n[2], n[3], n[0]}
	case 2:
		return []int{n[0], n[3], n[1]}
	default:
		return []int{n[0], n[1], n[2]}
	}
}

func sorted3(t []int) [3]int {
	k := [3]int{t[0], t[1], t[2]}
	if k[0] > k[1] {
		k[0], k[1] = k[1], k[0]
	}
	if k[1] > k[2] {
		k[1], k[2] = k[2], k[1]
	}
	if k[0] > k[1] {
		k[0], k[1] = k[1], k[0]
	}
	return k
}

// facetNormal computes the outward unit normal. In 2D the sign is fixed
// from the interior vertex when available; in 3D the oriented tuple
// already encodes it, but the interior point is used as a cross-check
// when supplied.
func (s *Surface) facetNormal(tuple []int, interior []float64) []float64 {
	m := s.mesh
	if s.dim == 2 {
		a, b := m.Coord(tuple[0]), m.Coord(tuple[1])
		nx, ny := b[1]-a[1], a[0]-b[0]
		mag := math.Hypot(nx, ny)
		if mag == 0 {
			return []float64{0, 0}
		}
		nx, ny = nx/mag, ny/mag
		if interior != nil {
			mx, my := 0.5*(a[0]+b[0]), 0.5*(a[1]+b[1])
			if nx*(interior[0]-mx)+ny*(interior[1]-my) > 0 {
				nx, ny = -nx, -ny
			}
		}
		return []float64{nx, ny}
	}

	x0, x1, x2 := m.Coord(tuple[0]), m.Coord(tuple[1]), m.Coord(tuple[2])
	ux, uy, uz := x1[0]-x0[0], x1[1]-x0[1], x1[2]-x0[2]
	vx, vy, vz := x2[0]-x0[0], x2[1]-x0[1], x2[2]-x0[2]
	nx := uy*vz - uz*vy
	ny := uz*vx - ux*vz
	nz := ux*vy - uy*vx
	mag := math.Sqrt(nx*nx + ny*ny + nz*nz)
	if mag == 0 {
		return []float64{0, 0, 0}
	}
	nx, ny, nz = nx/mag, ny/mag, nz/mag
	if interior != nil {
		if nx*(interior[0]-x0[0])+ny*(interior[1]-x0[1])+nz*(interior[2]-x0[2]) > 0 {
			nx, ny, nz = -nx, -ny, -nz
		}
	}
	return []float64{nx, ny, nz}
}

// calculateCoplanarIDs groups facets into patches by breadth-first
// traversal over shared sub-facets. A neighbour joins the patch when its
// normal's dot product with the patch's seed normal is within tolerance;
// comparing against the seed rather than the neighbour prevents drift
// along curved surfaces.
func (s *Surface) calculateCoplanarIDs() {
	s.CoplanarIDs = make([]int, s.NSElements)

	eeList := s.buildEEList()

	currentID := 1
	for pos := 0; pos < s.NSElements; pos++ {
		if s.CoplanarIDs[pos] != 0 {
			continue
		}
		s.CoplanarIDs[pos] = currentID
		seed := s.Normal(pos)

		front := []int{pos}
		for len(front) > 0 {
			f := front[0]
			front = front[1:]

			for _, g := range eeList[f] {
				if g < 0 || s.CoplanarIDs[g] != 0 {
					continue
				}
				gn := s.Normal(g)
				dot := 0.0
				for d := 0; d < s.dim; d++ {
					dot += seed[d] * gn[d]
				}
				if dot >= s.tol {
					s.CoplanarIDs[g] = currentID
					front = append(front, g)
				}
			}
		}
		currentID++
	}
}

// buildEEList returns, per facet, the neighbouring facet across each of
// its snloc sub-facets (-1 when absent).
func (s *Surface) buildEEList() [][]int {
	ee := make([][]int, s.NSElements)
	for f := 0; f < s.NSElements; f++ {
		ee[f] = make([]int, s.snloc)
		for i := range ee[f] {
			ee[f][i] = -1
		}
		facet := s.Facet(f)
		if facet == nil {
			continue
		}
		if s.snloc == 2 {
			for j := 0; j < 2; j++ {
				for g := range s.SNEList[facet[j]] {
					if g != f {
						ee[f][j] = g
						break
					}
				}
			}
			continue
		}
		for j := 0; j < 3; j++ {
			a, b := facet[(j+1)%3], facet[(j+2)%3]
			for g := range s.SNEList[a] {
				if g == f {
					continue
				}
				if _, ok := s.SNEList[b][g]; ok {
					ee[f][j] = g
					break
				}
			}
		}
	}
	return ee
}

// PatchCount returns the number of distinct patch ids on live facets.
func (s *Surface) PatchCount() int {
	ids := make(map[int]struct{})
	for f := 0; f < s.NSElements; f++ {
		if s.Facet(f) != nil {
			ids[s.CoplanarIDs[f]] = struct{}{}
		}
	}
	return len(ids)
}

// LiveFacets returns the ids of non-deleted facet slots.
func (s *Surface) LiveFacets() []int {
	var out []int
	for f := 0; f < s.NSElements; f++ {
		if s.Facet(f) != nil {
			out = append(out, f)
		}
	}
	return out
}
