package mapping

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Constraint is a loop or odometry edge between two keyframes.
type Constraint struct {
	Src, Dst         int
	PoseSrc, PoseDst *mat.Dense
}

// ConstraintGraph records constraints and the latest pose seen for each keyframe. Solve returns
// those poses unchanged.
type ConstraintGraph struct {
	mu          sync.Mutex
	constraints []Constraint
	poses       map[int]*mat.Dense
}

// NewConstraintGraph returns an empty graph.
func NewConstraintGraph() *ConstraintGraph {
	return &ConstraintGraph{poses: map[int]*mat.Dense{}}
}

// AddConstraint records an edge from src to dst.
func (g *ConstraintGraph) AddConstraint(src, dst int, poseSrc, poseDst mat.Matrix) {
	c := Constraint{Src: src, Dst: dst, PoseSrc: mat.DenseCopyOf(poseSrc), PoseDst: mat.DenseCopyOf(poseDst)}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.constraints = append(g.constraints, c)
	g.poses[src] = mat.DenseCopyOf(c.PoseSrc)
	g.poses[dst] = mat.DenseCopyOf(c.PoseDst)
}

// Constraints returns the recorded edges in insertion order.
func (g *ConstraintGraph) Constraints() []Constraint {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Constraint, len(g.constraints))
	copy(out, g.constraints)
	return out
}

// Solve returns a copy of the latest pose of every keyframe in the graph.
func (g *ConstraintGraph) Solve(ctx context.Context) (map[int]*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[int]*mat.Dense, len(g.poses))
	for id, pose := range g.poses {
		out[id] = mat.DenseCopyOf(pose)
	}
	return out, nil
}
