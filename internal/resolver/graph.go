// Package resolver builds the CRS operation graph, finds accuracy-bounded
// transformation paths through it, and composes resolved paths into
// executable step lists.
//
// The graph is an explicit directed structure with indexed adjacency: nodes
// are canonical CRS identifiers (bare and compound), edges are registry
// operations. Reversible operations contribute one edge per direction, so
// cycles (A→B→A) are normal; the search is iterative and terminates
// deterministically.
package resolver

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/hydrolith/vshift/internal/crs"
	"github.com/hydrolith/vshift/internal/registry"
)

// edgeKind tags how an edge came to exist.
type edgeKind int

const (
	// edgeOperation is a registry operation used as registered.
	edgeOperation edgeKind = iota

	// edgeLifted is a horizontal operation applied underneath an
	// unchanged vertical component: A+V → B+V derived from A → B.
	// z passes through untouched.
	edgeLifted
)

// edge is one directed graph edge.
type edge struct {
	from, to int
	op       registry.Operation
	inverse  bool // operation applied target→source
	kind     edgeKind
}

// Graph is the CRS operation graph for one node universe. Read-only after
// Build; safe for concurrent searches.
type Graph struct {
	reg   *registry.Registry
	nodes []crs.Node
	index map[string]int
	edges []edge
	adj   [][]int // node index -> outgoing edge indices, registration order
	fp    string
}

// Build constructs the graph from every operation the registry knows plus
// the given endpoints and their decomposed components.
//
// Nodes are the union of all operation endpoints and the requested
// endpoints. Horizontal operations are additionally lifted under every
// vertical component present in the universe, so a chain may reproject
// x/y while a resolved vertical binding rides along (the way explicit
// multi-leg routes do it). Duplicate edges between the same ordered pair
// with the same accuracy class collapse to the first-registered one;
// differing classes coexist and the search picks the better chain.
//
// Fails with registry.ErrUnknownCRS when an endpoint (or a compound
// component) cannot be classified.
func Build(reg *registry.Registry, endpoints ...crs.Node) (*Graph, error) {
	g := &Graph{reg: reg, index: make(map[string]int)}

	for _, ep := range endpoints {
		if _, err := reg.Classify(ep); err != nil {
			return nil, err
		}
	}

	// Node universe: endpoints, their components, and all operation
	// endpoints.
	for _, ep := range endpoints {
		g.addNode(ep)
		if ep.IsCompound() {
			g.addNode(ep.Horizontal())
			g.addNode(ep.Vertical())
		}
	}
	ops := reg.Operations()
	for i := range ops {
		g.addNode(mustNode(ops[i].Source))
		g.addNode(mustNode(ops[i].Target))
	}

	// Direct edges from the registry.
	seen := make(map[dedupeKey]bool)
	for i := range ops {
		g.addOperationEdges(ops[i], seen)
	}

	// Lifted edges: horizontal operations carried under each vertical
	// component in the universe. Only pipeline-free or explicitly
	// pipelined horizontal ops lift cleanly; the vertical value is
	// untouched either way.
	g.addLiftedEdges(seen)

	g.buildAdjacency()
	g.fp = fingerprint(g.nodes, reg.Revision())
	return g, nil
}

type dedupeKey struct {
	from, to int
	accuracy registry.Accuracy
}

func (g *Graph) addNode(n crs.Node) int {
	if i, ok := g.index[n.ID]; ok {
		return i
	}
	i := len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.index[n.ID] = i
	return i
}

func (g *Graph) addOperationEdges(op registry.Operation, seen map[dedupeKey]bool) {
	from := g.index[op.Source]
	to := g.index[op.Target]
	g.addEdge(edge{from: from, to: to, op: op, kind: edgeOperation}, seen)
	if op.Reversible {
		g.addEdge(edge{from: to, to: from, op: op, inverse: true, kind: edgeOperation}, seen)
	}
}

func (g *Graph) addEdge(e edge, seen map[dedupeKey]bool) {
	key := dedupeKey{from: e.from, to: e.to, accuracy: e.op.Accuracy}
	if seen[key] {
		return
	}
	seen[key] = true
	g.edges = append(g.edges, e)
}

// addLiftedEdges derives A+V → B+V edges from each horizontal operation
// A → B, for every vertical identifier V appearing in a compound node of
// the universe.
func (g *Graph) addLiftedEdges(seen map[dedupeKey]bool) {
	verticals := make(map[string]bool)
	for _, n := range g.nodes {
		if n.IsCompound() {
			verticals[n.VerticalID] = true
		}
	}
	if len(verticals) == 0 {
		return
	}
	vids := make([]string, 0, len(verticals))
	for v := range verticals {
		vids = append(vids, v)
	}
	sort.Strings(vids)

	ops := g.reg.Operations()
	for i := range ops {
		src := mustNode(ops[i].Source)
		dst := mustNode(ops[i].Target)
		if src.IsCompound() || dst.IsCompound() {
			continue
		}
		// Only horizontal↔horizontal operations lift; anything touching
		// a vertical reference changes z and must stay explicit.
		if kindOf(g.reg, src) != crs.KindHorizontal || kindOf(g.reg, dst) != crs.KindHorizontal {
			continue
		}
		for _, v := range vids {
			from := g.addNode(mustNode(src.ID + "+" + v))
			to := g.addNode(mustNode(dst.ID + "+" + v))
			g.addEdge(edge{from: from, to: to, op: ops[i], kind: edgeLifted}, seen)
			if ops[i].Reversible {
				g.addEdge(edge{from: to, to: from, op: ops[i], inverse: true, kind: edgeLifted}, seen)
			}
		}
	}
}

func (g *Graph) buildAdjacency() {
	g.adj = make([][]int, len(g.nodes))
	for i := range g.edges {
		e := &g.edges[i]
		g.adj[e.from] = append(g.adj[e.from], i)
	}
}

// Fingerprint identifies the graph's node universe and catalog revision for
// caching. Two graphs with equal fingerprints are interchangeable.
func (g *Graph) Fingerprint() string { return g.fp }

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of directed edges in the graph.
func (g *Graph) EdgeCount() int { return len(g.edges) }

func fingerprint(nodes []crs.Node, revision int) string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	sort.Strings(ids)
	h := fnv.New64a()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x-r%d", h.Sum64(), revision)
}

func kindOf(reg *registry.Registry, n crs.Node) crs.Kind {
	kind, err := reg.Classify(n)
	if err != nil {
		return crs.KindUnknown
	}
	return kind
}

func mustNode(id string) crs.Node {
	n, err := crs.Parse(id)
	if err != nil {
		// Registry entries are validated at load; a malformed identifier
		// here is a programming error.
		panic(err)
	}
	return n
}
