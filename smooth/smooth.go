// Package smooth relocates interior mesh vertices in metric space to
// improve worst-element quality. Three kernels are selectable: plain
// metric-weighted Laplacian, smart Laplacian (accept only on
// improvement), and optimisation of the local Linf quality functional
// by gradient ascent. Scheduling runs colour by colour over a
// distance-2 colouring; vertices within a colour are processed by
// parallel workers.
package smooth

import (
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notargets/meshadapt/colouring"
	"github.com/notargets/meshadapt/comm"
	"github.com/notargets/meshadapt/geometry"
	"github.com/notargets/meshadapt/mesh"
)

// Method selects the smoothing kernel.
type Method int

const (
	Laplacian Method = iota
	SmartLaplacian
	OptimisationLinf
)

var methodNames = map[string]Method{
	"Laplacian":         Laplacian,
	"smart Laplacian":   SmartLaplacian,
	"optimisation Linf": OptimisationLinf,
}

// MethodByName maps a user string to a kernel, falling back to
// optimisation Linf with a diagnostic for unknown names.
func MethodByName(name string, log *zap.Logger) Method {
	if m, ok := methodNames[name]; ok {
		return m
	}
	log.Warn("unknown smoothing method, using optimisation Linf",
		zap.String("method", name))
	return OptimisationLinf
}

// DefaultEpsilonQ is the minimum worst-quality gain the smart Laplacian
// kernel accepts.
const DefaultEpsilonQ = 1.0e-6

const lineSearchSteps = 10

// Smoother relocates vertices of one mesh.
type Smoother struct {
	mesh *mesh.Mesh
	comm comm.Communicator
	prop *geometry.ElementProperty
	log  *zap.Logger

	EpsilonQ float64

	goodQ      float64
	quality    []float64
	colourSets map[int][]int
	maxColour  int
	boundary   []bool
	halo       []int // elements with a non-owned vertex
}

// New prepares a smoother. A nil logger disables diagnostics. An empty
// local partition is accepted: the smoother then only participates in
// the collective phases.
func New(m *mesh.Mesh, c comm.Communicator, log *zap.Logger) (*Smoother, error) {
	if log == nil {
		log = zap.NewNop()
	}
	prop, err := m.ElementProperty()
	if err != nil {
		prop = nil
	}
	return &Smoother{mesh: m, comm: c, prop: prop, log: log, EpsilonQ: DefaultEpsilonQ}, nil
}

// Smooth runs up to maxIterations colour sweeps of the named method.
// qualityTol > 0 overrides the early-out threshold for the optimisation
// kernel; otherwise the mesh-mean quality is used.
func (s *Smoother) Smooth(method string, maxIterations int, qualityTol float64) error {
	// An empty rank still joins every collective phase so its peers do
	// not block; only the strictly serial case may return early.
	if len(s.mesh.LiveElements()) == 0 && s.comm.Size() == 1 {
		return nil
	}
	if err := s.initCache(qualityTol); err != nil {
		return err
	}
	if s.maxColour < 1 {
		return nil
	}

	kernel := s.kernelFor(MethodByName(method, s.log))

	m := s.mesh
	active := make([]int32, m.NumberOfNodes())

	// First sweep visits every scheduled vertex; later sweeps only the
	// vertices activated by an accepted neighbour move.
	for iter := 0; iter < maxIterations; iter++ {
		for ic := 1; ic <= s.maxColour; ic++ {
			bag := s.colourSets[ic]
			s.processBag(bag, iter > 0, active, kernel)

			if s.comm.Size() > 1 {
				if err := m.HaloUpdate(s.comm, m.Dim, m.Coords); err != nil {
					return fmt.Errorf("smooth: %w", err)
				}
				if err := m.HaloUpdate(s.comm, m.MSize, m.Metric); err != nil {
					return fmt.Errorf("smooth: %w", err)
				}
				for _, e := range s.halo {
					if m.ElementLive(e) {
						s.quality[e] = s.elementQuality(e)
					}
				}
			}
		}
	}
	return nil
}

// processBag runs the kernel over one colour class with parallel
// workers. activeOnly restricts processing to activated vertices.
func (s *Smoother) processBag(bag []int, activeOnly bool, active []int32, kernel func(int) bool) {
	if len(bag) == 0 {
		return
	}
	workers := runtime.GOMAXPROCS(0)
	if workers > len(bag) {
		workers = len(bag)
	}
	chunk := (len(bag) + workers - 1) / workers

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(bag) {
			hi = len(bag)
		}
		part := bag[lo:hi]
		g.Go(func() error {
			for _, v := range part {
				if activeOnly {
					if !atomic.CompareAndSwapInt32(&active[v], 1, 0) {
						continue
					}
				}
				if kernel(v) {
					for _, nn := range s.mesh.NNList[v] {
						atomic.StoreInt32(&active[nn], 1)
					}
				}
			}
			return nil
		})
	}
	g.Wait()
}

func (s *Smoother) kernelFor(m Method) func(int) bool {
	switch m {
	case Laplacian:
		return s.laplacianKernel
	case SmartLaplacian:
		return s.smartLaplacianKernel
	default:
		return s.optimisationLinfKernel
	}
}

// initCache colours the mesh, builds the per-element quality cache and
// fixes the early-out threshold.
func (s *Smoother) initCache(qualityTol float64) error {
	m := s.mesh

	colour, err := colouring.Colour(m, s.comm)
	if err != nil {
		return fmt.Errorf("smooth: %w", err)
	}

	s.boundary = s.findBoundary()

	s.colourSets = make(map[int][]int)
	for v := 0; v < m.NumberOfNodes(); v++ {
		if colour[v] < 1 || !m.IsOwned(v) || len(m.NNList[v]) == 0 || s.boundary[v] {
			continue
		}
		s.colourSets[colour[v]] = append(s.colourSets[colour[v]], v)
	}
	for _, set := range s.colourSets {
		sort.Ints(set)
	}

	s.maxColour = 0
	for ic := range s.colourSets {
		if ic > s.maxColour {
			s.maxColour = ic
		}
	}
	s.maxColour = s.comm.AllreduceMaxInt(s.maxColour)

	nelements := m.NumberOfElements()
	s.quality = make([]float64, nelements)
	var qsum float64
	live := 0
	for e := 0; e < nelements; e++ {
		if !m.ElementLive(e) {
			s.quality[e] = 1.0
			continue
		}
		s.quality[e] = s.elementQuality(e)
		qsum += s.quality[e]
		live++
	}
	switch {
	case qualityTol > 0:
		s.goodQ = qualityTol
	case live > 0:
		s.goodQ = qsum / float64(live)
	default:
		s.goodQ = 0
	}

	s.halo = nil
	if s.comm.Size() > 1 {
		for e := 0; e < nelements; e++ {
			if !m.ElementLive(e) {
				continue
			}
			for _, v := range m.Element(e) {
				if !m.IsOwned(v) {
					s.halo = append(s.halo, e)
					break
				}
			}
		}
	}
	return nil
}

// findBoundary marks every vertex lying on a face that belongs to
// exactly one live element.
func (s *Smoother) findBoundary() []bool {
	m := s.mesh
	boundary := make([]bool, m.NumberOfNodes())

	type face struct {
		verts [3]int
		count int
	}
	faces := make(map[[3]int]*face)
	for e := 0; e < m.NumberOfElements(); e++ {
		if !m.ElementLive(e) {
			continue
		}
		n := m.Element(e)
		for j := 0; j < m.NLoc; j++ {
			var key [3]int
			key[2] = -1 // unused slot in 2D
			idx := 0
			for k := 0; k < m.NLoc; k++ {
				if k != j {
					key[idx] = n[k]
					idx++
				}
			}
			sortFace(&key, m.SNLoc)
			if f, ok := faces[key]; ok {
				f.count++
			} else {
				faces[key] = &face{verts: key, count: 1}
			}
		}
	}
	for _, f := range faces {
		if f.count != 1 {
			continue
		}
		for i := 0; i < m.SNLoc; i++ {
			boundary[f.verts[i]] = true
		}
	}
	return boundary
}

func sortFace(key *[3]int, n int) {
	if key[0] > key[1] {
		key[0], key[1] = key[1], key[0]
	}
	if n == 3 {
		if key[1] > key[2] {
			key[1], key[2] = key[2], key[1]
		}
		if key[0] > key[1] {
			key[0], key[1] = key[1], key[0]
		}
	}
}

// elementQuality evaluates the Lipnikov quality of element e.
func (s *Smoother) elementQuality(e int) float64 {
	m := s.mesh
	n := m.Element(e)
	xs := make([][]float64, m.NLoc)
	ms := make([][]float64, m.NLoc)
	for i, v := range n {
		xs[i] = m.Coord(v)
		ms[i] = m.MetricAt(v)
	}
	return s.prop.Lipnikov(xs, ms)
}
