package resolver

import (
	"container/heap"
	"fmt"
	"strings"

	"github.com/hydrolith/vshift/internal/crs"
	"github.com/hydrolith/vshift/internal/registry"
)

// Accuracy class weights. A chain of up to fifteen exact edges still beats a
// single medium edge, and nothing beats a direct edge of equal class (hop
// count is the secondary key), so a direct operation is always preferred
// over a multi-hop chain of the same or worse accuracy.
const (
	weightExact    = 1
	weightMedium   = 16
	weightBallpark = 256
)

func accuracyWeight(a registry.Accuracy) int64 {
	switch a {
	case registry.AccuracyExact:
		return weightExact
	case registry.AccuracyMedium:
		return weightMedium
	default:
		return weightBallpark
	}
}

// Options bound the path search.
type Options struct {
	// MinAccuracy rejects edges below this class. Zero means no floor
	// beyond the ballpark gate.
	MinAccuracy registry.Accuracy

	// AllowBallpark admits ballpark-class edges. Default false: a path
	// reachable only through ballpark edges fails with ErrAccuracyNotMet.
	AllowBallpark bool
}

func (o Options) floor() registry.Accuracy {
	floor := registry.AccuracyBallpark
	if !o.AllowBallpark {
		floor = registry.AccuracyMedium
	}
	if o.MinAccuracy > floor {
		floor = o.MinAccuracy
	}
	return floor
}

// PathEdge is one selected edge of a resolved path.
type PathEdge struct {
	Op      registry.Operation
	Inverse bool
	Lifted  bool
}

// Path is an ordered chain of CRS nodes from source to destination, with the
// edge actually selected between each consecutive pair.
type Path struct {
	From, To crs.Node
	Nodes    []crs.Node
	Edges    []PathEdge
}

// Accuracy returns the weakest accuracy class on the path, or AccuracyExact
// for an identity path.
func (p *Path) Accuracy() registry.Accuracy {
	acc := registry.AccuracyExact
	for i := range p.Edges {
		if p.Edges[i].Op.Accuracy < acc {
			acc = p.Edges[i].Op.Accuracy
		}
	}
	return acc
}

// String renders the node chain.
func (p *Path) String() string {
	ids := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		ids[i] = n.ID
	}
	return strings.Join(ids, " -> ")
}

// ErrNoPath indicates the source and destination are in disconnected graph
// components.
type ErrNoPath struct {
	From, To string
}

func (e *ErrNoPath) Error() string {
	return fmt.Sprintf("no transformation path from %s to %s", e.From, e.To)
}

// ErrAccuracyNotMet indicates a path exists but every candidate contains an
// edge below the requested accuracy floor.
type ErrAccuracyNotMet struct {
	From, To string
	Required registry.Accuracy
}

func (e *ErrAccuracyNotMet) Error() string {
	return fmt.Sprintf("only paths below %s accuracy connect %s to %s (set AllowBallpark or lower MinAccuracy to accept them)",
		e.Required, e.From, e.To)
}

// ErrPartialResolution indicates that for compound endpoints exactly one of
// the horizontal and vertical components is resolvable.
type ErrPartialResolution struct {
	From, To           string
	HorizontalResolved bool
	VerticalResolved   bool
}

func (e *ErrPartialResolution) Error() string {
	resolved, failed := "horizontal", "vertical"
	if e.VerticalResolved {
		resolved, failed = "vertical", "horizontal"
	}
	return fmt.Sprintf("partial resolution from %s to %s: %s component resolved, %s component has no path",
		e.From, e.To, resolved, failed)
}

// Resolve finds the cheapest accuracy-bounded path between two CRS nodes.
//
// Edge weight is the accuracy class (exact < medium < ballpark), ties broken
// by fewer hops, then by edge registration order. Resolution is
// deterministic: an unchanged registry yields an identical path for the
// same request.
func (g *Graph) Resolve(from, to crs.Node, opts Options) (*Path, error) {
	if _, err := g.reg.Classify(from); err != nil {
		return nil, err
	}
	if _, err := g.reg.Classify(to); err != nil {
		return nil, err
	}

	src, okFrom := g.index[from.ID]
	dst, okTo := g.index[to.ID]
	if !okFrom || !okTo {
		return nil, g.diagnose(from, to, opts)
	}

	if path := g.search(src, dst, opts.floor()); path != nil {
		path.From, path.To = from, to
		return path, nil
	}

	// A path may exist below the accuracy floor; distinguish policy
	// failure from disconnection.
	if g.search(src, dst, registry.AccuracyBallpark) != nil {
		return nil, &ErrAccuracyNotMet{From: from.ID, To: to.ID, Required: opts.floor()}
	}
	return nil, g.diagnose(from, to, opts)
}

// diagnose explains a failed resolution: for compound endpoints it resolves
// the horizontal and vertical components independently and reports which of
// the two succeeded.
func (g *Graph) diagnose(from, to crs.Node, opts Options) error {
	if !from.IsCompound() && !to.IsCompound() {
		return &ErrNoPath{From: from.ID, To: to.ID}
	}

	hOK := g.componentResolvable(from.Horizontal().ID, to.Horizontal().ID, opts, false)
	vOK := g.componentResolvable(from.Vertical().ID, to.Vertical().ID, opts, true)
	if hOK != vOK {
		return &ErrPartialResolution{
			From: from.ID, To: to.ID,
			HorizontalResolved: hOK,
			VerticalResolved:   vOK,
		}
	}
	return &ErrNoPath{From: from.ID, To: to.ID}
}

// componentResolvable runs a sub-search restricted to one component
// dimension. The vertical projection treats an edge X→X+V as a vertical
// edge X→V (ellipsoid height to V), an edge X+V1→X+V2 over one horizontal
// as V1→V2, and horizontal edges as zero-change carriers of the ellipsoid
// reference.
func (g *Graph) componentResolvable(fromID, toID string, opts Options, vertical bool) bool {
	if fromID == toID {
		return true
	}
	proj := newProjection()
	floor := opts.floor()
	for i := range g.edges {
		e := &g.edges[i]
		if e.op.Accuracy < floor {
			continue
		}
		a, b := g.nodes[e.from], g.nodes[e.to]
		if vertical {
			proj.connect(a.Vertical().ID, b.Vertical().ID)
		} else {
			proj.connect(a.Horizontal().ID, b.Horizontal().ID)
		}
	}
	return proj.reachable(fromID, toID)
}

// projection is a lightweight reachability graph over component identifiers.
type projection struct {
	index map[string]int
	adj   [][]int
}

func newProjection() *projection {
	return &projection{index: make(map[string]int)}
}

func (p *projection) node(id string) int {
	if i, ok := p.index[id]; ok {
		return i
	}
	i := len(p.adj)
	p.index[id] = i
	p.adj = append(p.adj, nil)
	return i
}

func (p *projection) connect(a, b string) {
	if a == b {
		return
	}
	ia, ib := p.node(a), p.node(b)
	p.adj[ia] = append(p.adj[ia], ib)
}

func (p *projection) reachable(from, to string) bool {
	src, ok := p.index[from]
	if !ok {
		return false
	}
	dst, ok := p.index[to]
	if !ok {
		return false
	}
	visited := make([]bool, len(p.adj))
	stack := []int{src}
	visited[src] = true
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == dst {
			return true
		}
		for _, m := range p.adj[n] {
			if !visited[m] {
				visited[m] = true
				stack = append(stack, m)
			}
		}
	}
	return false
}

// cost orders candidate paths: accuracy weight first, then hop count, then
// the registration sequence of the edge that reached the node. All three are
// catalog-deterministic, never insertion-time-dependent.
type cost struct {
	weight int64
	hops   int
	seq    int
}

func (c cost) less(o cost) bool {
	if c.weight != o.weight {
		return c.weight < o.weight
	}
	if c.hops != o.hops {
		return c.hops < o.hops
	}
	return c.seq < o.seq
}

type queueItem struct {
	node int
	cost cost
}

type queue []queueItem

func (q queue) Len() int      { return len(q) }
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q queue) Less(i, j int) bool {
	if q[i].cost.less(q[j].cost) {
		return true
	}
	if q[j].cost.less(q[i].cost) {
		return false
	}
	return q[i].node < q[j].node
}
func (q *queue) Push(x any) { *q = append(*q, x.(queueItem)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// search runs Dijkstra from src to dst over edges at or above the accuracy
// floor. Returns nil when dst is unreachable.
func (g *Graph) search(src, dst int, floor registry.Accuracy) *Path {
	if src == dst {
		return &Path{Nodes: []crs.Node{g.nodes[src]}}
	}

	const unreached = -1
	best := make([]cost, len(g.nodes))
	prevEdge := make([]int, len(g.nodes))
	settled := make([]bool, len(g.nodes))
	for i := range prevEdge {
		prevEdge[i] = unreached
	}

	q := &queue{{node: src}}
	heap.Init(q)

	for q.Len() > 0 {
		item := heap.Pop(q).(queueItem)
		n := item.node
		if settled[n] {
			continue
		}
		settled[n] = true
		if n == dst {
			break
		}
		for _, ei := range g.adj[n] {
			e := &g.edges[ei]
			if e.op.Accuracy < floor {
				continue
			}
			next := cost{
				weight: item.cost.weight + accuracyWeight(e.op.Accuracy),
				hops:   item.cost.hops + 1,
				seq:    e.op.Seq,
			}
			if settled[e.to] {
				continue
			}
			if prevEdge[e.to] == unreached || next.less(best[e.to]) {
				best[e.to] = next
				prevEdge[e.to] = ei
				heap.Push(q, queueItem{node: e.to, cost: next})
			}
		}
	}

	if prevEdge[dst] == unreached {
		return nil
	}

	// Walk predecessors back to the source.
	var edges []PathEdge
	var nodes []crs.Node
	for n := dst; n != src; {
		ei := prevEdge[n]
		e := &g.edges[ei]
		edges = append(edges, PathEdge{Op: e.op, Inverse: e.inverse, Lifted: e.kind == edgeLifted})
		nodes = append(nodes, g.nodes[n])
		n = e.from
	}
	nodes = append(nodes, g.nodes[src])

	// Reverse into source→destination order.
	for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
		edges[i], edges[j] = edges[j], edges[i]
	}
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return &Path{Nodes: nodes, Edges: edges}
}
