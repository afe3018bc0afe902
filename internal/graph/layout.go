package graph

// Direction selects the axis along which ranks are laid out.
type Direction string

const (
	LeftRight Direction = "LR"
	TopBottom Direction = "TB"
)

const (
	rankGap    = 80.0
	siblingGap = 24.0

	rowHeight     = 22.0
	nodePadding   = 16.0
	charWidth     = 7.5
	minNodeWidth  = 60.0
	minNodeHeight = 30.0
)

// LayoutNode is the layout engine's view of a node: an id plus a box size.
type LayoutNode struct {
	ID     string
	Width  float64
	Height float64
}

// LayoutEdge is the layout engine's view of an edge.
type LayoutEdge struct {
	Source string
	Target string
}

// Autosize estimates a node's box from its rows, so positions can be
// computed without a renderer.
func Autosize(n *Node) (w, h float64) {
	longest := 0
	for _, row := range n.Rows {
		if l := len(row.Key) + len(row.Value) + 2; l > longest {
			longest = l
		}
	}
	w = float64(longest)*charWidth + nodePadding*2
	if w < minNodeWidth {
		w = minNodeWidth
	}
	h = float64(len(n.Rows))*rowHeight + nodePadding*2
	if h < minNodeHeight {
		h = minNodeHeight
	}
	return w, h
}

// Layout assigns a position to every node. Nodes are ranked by longest
// path from the roots and stacked within a rank in input order, so the
// result is deterministic for a fixed input and re-layout is idempotent.
// Cyclic edges are ignored for ranking rather than looping.
func Layout(nodes []LayoutNode, edges []LayoutEdge, dir Direction) map[string]Point {
	rank := make(map[string]int, len(nodes))
	adjacent := make(map[string][]string, len(nodes))
	incoming := make(map[string]int, len(nodes))
	for _, n := range nodes {
		rank[n.ID] = 0
	}
	for _, e := range edges {
		if _, ok := rank[e.Source]; !ok {
			continue
		}
		if _, ok := rank[e.Target]; !ok {
			continue
		}
		adjacent[e.Source] = append(adjacent[e.Source], e.Target)
		incoming[e.Target]++
	}

	// Kahn-style longest-path ranking; nodes left in a cycle keep rank 0.
	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if incoming[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[id] {
			if r := rank[id] + 1; r > rank[next] {
				rank[next] = r
			}
			incoming[next]--
			if incoming[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	// Group by rank, keeping input order within each rank.
	byRank := make(map[int][]LayoutNode)
	maxRank := 0
	for _, n := range nodes {
		r := rank[n.ID]
		byRank[r] = append(byRank[r], n)
		if r > maxRank {
			maxRank = r
		}
	}

	positions := make(map[string]Point, len(nodes))
	axisOffset := 0.0
	for r := 0; r <= maxRank; r++ {
		group := byRank[r]
		if len(group) == 0 {
			continue
		}

		stackOffset := 0.0
		rankExtent := 0.0
		for _, n := range group {
			if dir == TopBottom {
				positions[n.ID] = Point{X: stackOffset, Y: axisOffset}
				stackOffset += n.Width + siblingGap
				if n.Height > rankExtent {
					rankExtent = n.Height
				}
			} else {
				positions[n.ID] = Point{X: axisOffset, Y: stackOffset}
				stackOffset += n.Height + siblingGap
				if n.Width > rankExtent {
					rankExtent = n.Width
				}
			}
		}
		axisOffset += rankExtent + rankGap
	}
	return positions
}

// ApplyLayout computes and stores positions for every node in the graph.
func ApplyLayout(g *Graph, dir Direction) {
	nodes := make([]LayoutNode, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		w, h := Autosize(n)
		nodes = append(nodes, LayoutNode{ID: n.ID, Width: w, Height: h})
	}
	edges := make([]LayoutEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, LayoutEdge{Source: e.Source, Target: e.Target})
	}
	positions := Layout(nodes, edges, dir)
	for _, n := range g.Nodes {
		if p, ok := positions[n.ID]; ok {
			n.Position = p
		}
	}
}
