package progress

import (
	"cmp"
	"slices"
)

// Snapshot is a point in time copy of a node and its live children.
type Snapshot struct {
	Name      string
	State     State
	Total     float64
	Completed float64
	Message   string
	Err       error
	HasError  bool
	Children  []Snapshot
}

func (n *Node) Snapshot() Snapshot {
	n.mx.Lock()
	s := Snapshot{
		Name:      n.name,
		State:     n.state(),
		Total:     n.total,
		Completed: n.completed,
		Message:   n.message,
		Err:       n.err,
		HasError:  n.err != nil || n.childErr,
	}
	children := make([]*Node, 0, len(n.children))
	for c := range n.children {
		children = append(children, c)
	}
	n.mx.Unlock()

	for _, c := range children {
		s.Children = append(s.Children, c.Snapshot())
	}
	slices.SortFunc(s.Children, func(a, b Snapshot) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return s
}
