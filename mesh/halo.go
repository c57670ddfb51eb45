package mesh

import (
	"fmt"
	"math"

	"github.com/notargets/meshadapt/comm"
)

// HaloUpdate pushes stride values per vertex from owners to their halo
// copies: for each peer p, data for the vertices in Send[p] is packed,
// exchanged, and unpacked into the vertices of Recv[p]. Float payloads
// travel as Float64bits words.
func (m *Mesh) HaloUpdate(c comm.Communicator, stride int, data []float64) error {
	if c.Size() == 1 {
		return nil
	}
	send := make([][]int64, c.Size())
	for p := range m.Send {
		if len(m.Send[p]) == 0 {
			continue
		}
		buf := make([]int64, 0, len(m.Send[p])*stride)
		for _, v := range m.Send[p] {
			for k := 0; k < stride; k++ {
				buf = append(buf, int64(math.Float64bits(data[v*stride+k])))
			}
		}
		send[p] = buf
	}

	recv, err := c.Exchange(send)
	if err != nil {
		return fmt.Errorf("halo update: %w", err)
	}

	for p := range m.Recv {
		if len(m.Recv[p]) == 0 {
			continue
		}
		buf := recv[p]
		if len(buf) != len(m.Recv[p])*stride {
			return fmt.Errorf("halo update: rank %d sent %d words, expected %d",
				p, len(buf), len(m.Recv[p])*stride)
		}
		for i, v := range m.Recv[p] {
			for k := 0; k < stride; k++ {
				data[v*stride+k] = math.Float64frombits(uint64(buf[i*stride+k]))
			}
		}
	}
	return nil
}

// HaloUpdateInts is the integer variant of HaloUpdate, used for
// exchanging per-vertex colours.
func (m *Mesh) HaloUpdateInts(c comm.Communicator, data []int) error {
	if c.Size() == 1 {
		return nil
	}
	send := make([][]int64, c.Size())
	for p := range m.Send {
		if len(m.Send[p]) == 0 {
			continue
		}
		buf := make([]int64, 0, len(m.Send[p]))
		for _, v := range m.Send[p] {
			buf = append(buf, int64(data[v]))
		}
		send[p] = buf
	}

	recv, err := c.Exchange(send)
	if err != nil {
		return fmt.Errorf("halo update: %w", err)
	}

	for p := range m.Recv {
		if len(m.Recv[p]) == 0 {
			continue
		}
		buf := recv[p]
		if len(buf) != len(m.Recv[p]) {
			return fmt.Errorf("halo update: rank %d sent %d words, expected %d",
				p, len(buf), len(m.Recv[p]))
		}
		for i, v := range m.Recv[p] {
			data[v] = int(buf[i])
		}
	}
	return nil
}
