package uow

import (
	"container/heap"

	"github.com/conduit-lang/keel/internal/orm/entity"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

// dependency says from references to through rel, so to must be written first
type dependency struct {
	from     *entity.Entity
	to       *entity.Entity
	rel      *schema.Relation
	required bool
	broken   bool
}

// commitOrder sorts nodes so every entity comes after the entities it
// references. Ties keep the input order. A cycle of required references is a
// CascadeCycleError; a cycle that contains an optional reference is broken at
// that reference, which is returned so the caller can write it separately.
func commitOrder(operation string, nodes []*entity.Entity, deps func(*entity.Entity) []*dependency) ([]*entity.Entity, []*dependency, error) {
	position := make(map[*entity.Entity]int, len(nodes))
	for i, n := range nodes {
		position[n] = i
	}

	outgoing := make(map[*entity.Entity][]*dependency, len(nodes))
	incoming := make(map[*entity.Entity][]*dependency, len(nodes))
	pending := make([]int, len(nodes))
	for i, n := range nodes {
		for _, d := range deps(n) {
			if _, ok := position[d.to]; !ok {
				continue
			}
			outgoing[n] = append(outgoing[n], d)
			incoming[d.to] = append(incoming[d.to], d)
			pending[i]++
		}
	}

	if cycle := requiredCycle(nodes, outgoing); cycle != nil {
		names := make([]string, len(cycle))
		for i, e := range cycle {
			names[i] = e.String()
		}
		return nil, nil, &CascadeCycleError{Operation: operation, Cycle: names}
	}

	ready := &positionHeap{}
	for i := range nodes {
		if pending[i] == 0 {
			heap.Push(ready, i)
		}
	}

	done := make([]bool, len(nodes))
	order := make([]*entity.Entity, 0, len(nodes))
	var broken []*dependency

	for len(order) < len(nodes) {
		if ready.Len() == 0 {
			// Every remaining entity waits on another one: break optional
			// references until something becomes ready.
			i := breakCandidate(nodes, done, pending, outgoing, position)
			if i < 0 {
				return nil, nil, &CascadeCycleError{Operation: operation, Cycle: remaining(nodes, done)}
			}
			for _, d := range outgoing[nodes[i]] {
				if d.required || d.broken || done[position[d.to]] {
					continue
				}
				d.broken = true
				broken = append(broken, d)
				pending[i]--
			}
			if pending[i] == 0 {
				heap.Push(ready, i)
			}
			continue
		}

		i := heap.Pop(ready).(int)
		n := nodes[i]
		done[i] = true
		order = append(order, n)

		for _, d := range incoming[n] {
			if d.broken {
				continue
			}
			j := position[d.from]
			pending[j]--
			if pending[j] == 0 && !done[j] {
				heap.Push(ready, j)
			}
		}
	}

	return order, broken, nil
}

// breakCandidate picks the first remaining entity that waits only on optional
// references, or else the first one holding any optional reference
func breakCandidate(nodes []*entity.Entity, done []bool, pending []int, outgoing map[*entity.Entity][]*dependency, position map[*entity.Entity]int) int {
	fallback := -1
	for i, n := range nodes {
		if done[i] || pending[i] == 0 {
			continue
		}
		optional, required := 0, 0
		for _, d := range outgoing[n] {
			if d.broken || done[position[d.to]] {
				continue
			}
			if d.required {
				required++
			} else {
				optional++
			}
		}
		if optional > 0 && required == 0 {
			return i
		}
		if optional > 0 && fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

func remaining(nodes []*entity.Entity, done []bool) []string {
	var out []string
	for i, n := range nodes {
		if !done[i] {
			out = append(out, n.String())
		}
	}
	return out
}

// requiredCycle returns a cycle of required references as a closed path, or nil
func requiredCycle(nodes []*entity.Entity, outgoing map[*entity.Entity][]*dependency) []*entity.Entity {
	const (
		white = iota
		grey
		black
	)
	color := make(map[*entity.Entity]int, len(nodes))
	var path []*entity.Entity

	var visit func(n *entity.Entity) []*entity.Entity
	visit = func(n *entity.Entity) []*entity.Entity {
		color[n] = grey
		path = append(path, n)
		for _, d := range outgoing[n] {
			if !d.required {
				continue
			}
			switch color[d.to] {
			case grey:
				for i, p := range path {
					if p == d.to {
						cycle := append([]*entity.Entity(nil), path[i:]...)
						return append(cycle, d.to)
					}
				}
			case white:
				if cycle := visit(d.to); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	for _, n := range nodes {
		if color[n] == white {
			if cycle := visit(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// positionHeap pops the smallest input position first
type positionHeap []int

func (h positionHeap) Len() int            { return len(h) }
func (h positionHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h positionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *positionHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *positionHeap) Pop() interface{} {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}
