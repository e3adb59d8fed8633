package layout

import (
	"math"
	"math/rand/v2"

	"github.com/yourorg/cvemaps/internal/graph"
)

// ForceDirected is a Fruchterman-Reingold spring embedding. Initial positions
// come from a PRNG seeded with Seed and nodes are visited in graph order, so
// identical graphs produce identical layouts.
type ForceDirected struct {
	Scale      float64
	Iterations int
	Seed       int64
}

func NewForceDirected(cfg Config) ForceDirected {
	if cfg.Iterations <= 0 {
		cfg.Iterations = 50
	}
	if cfg.Scale <= 0 {
		cfg.Scale = 1000
	}
	return ForceDirected{Scale: cfg.Scale, Iterations: cfg.Iterations, Seed: cfg.Seed}
}

func (ForceDirected) Name() string { return NameForce }

func (f ForceDirected) Compute(g *graph.Graph) Layout {
	nodes := g.Nodes()
	out := make(Layout, len(nodes))
	switch len(nodes) {
	case 0:
		return out
	case 1:
		out[nodes[0].ID] = Position{}
		return out
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}
	type link struct{ a, b int }
	links := make([]link, 0, g.EdgeCount())
	for _, e := range g.Edges() {
		if e.Source != e.Target {
			links = append(links, link{index[e.Source], index[e.Target]})
		}
	}

	side := 2 * f.Scale
	rng := rand.New(rand.NewPCG(uint64(f.Seed), 0x9e3779b97f4a7c15))
	pos := make([]Position, len(nodes))
	for i := range pos {
		pos[i] = Position{X: rng.Float64() * side, Y: rng.Float64() * side}
	}

	k := math.Sqrt(side * side / float64(len(nodes)))
	temperature := side / 10
	disp := make([]Position, len(nodes))

	for iter := 0; iter < f.Iterations; iter++ {
		clear(disp)

		for i := range pos {
			for j := i + 1; j < len(pos); j++ {
				dx := pos[i].X - pos[j].X
				dy := pos[i].Y - pos[j].Y
				dist := math.Max(math.Hypot(dx, dy), 0.01)
				force := k * k / dist
				fx, fy := dx/dist*force, dy/dist*force
				disp[i].X += fx
				disp[i].Y += fy
				disp[j].X -= fx
				disp[j].Y -= fy
			}
		}

		for _, l := range links {
			dx := pos[l.a].X - pos[l.b].X
			dy := pos[l.a].Y - pos[l.b].Y
			dist := math.Hypot(dx, dy)
			if dist < 0.01 {
				continue
			}
			force := dist * dist / k
			fx, fy := dx/dist*force, dy/dist*force
			disp[l.a].X -= fx
			disp[l.a].Y -= fy
			disp[l.b].X += fx
			disp[l.b].Y += fy
		}

		cool := 1 - float64(iter)/float64(f.Iterations)
		for i := range pos {
			force := math.Hypot(disp[i].X, disp[i].Y)
			if force == 0 {
				continue
			}
			step := math.Min(force, temperature) * cool
			pos[i].X += disp[i].X / force * step
			pos[i].Y += disp[i].Y / force * step
		}
		temperature *= 0.95
	}

	rescale(pos, f.Scale)
	for i, n := range nodes {
		out[n.ID] = pos[i]
	}
	return out
}

// rescale centers positions on their mean and scales the largest absolute
// coordinate to scale.
func rescale(pos []Position, scale float64) {
	var mx, my float64
	for _, p := range pos {
		mx += p.X
		my += p.Y
	}
	mx /= float64(len(pos))
	my /= float64(len(pos))

	limit := 0.0
	for i := range pos {
		pos[i].X -= mx
		pos[i].Y -= my
		limit = math.Max(limit, math.Max(math.Abs(pos[i].X), math.Abs(pos[i].Y)))
	}
	if limit == 0 {
		return
	}
	for i := range pos {
		pos[i].X = pos[i].X / limit * scale
		pos[i].Y = pos[i].Y / limit * scale
	}
}
