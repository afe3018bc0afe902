package graph

// RowKind classifies what a row's value is.
type RowKind string

const (
	KindPrimitive RowKind = "primitive"
	KindObject    RowKind = "object"
	KindArray     RowKind = "array"
)

// PrimitiveKind is the JSON scalar type of a primitive row.
type PrimitiveKind string

const (
	PrimString  PrimitiveKind = "string"
	PrimNumber  PrimitiveKind = "number"
	PrimBoolean PrimitiveKind = "boolean"
	PrimNull    PrimitiveKind = "null"
)

// Point is a screen position assigned by the layout engine.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Row is one key/value slot inside a node. The ID is unique within the
// owning node; the key is not required to be unique.
type Row struct {
	ID            string        `json:"id"`
	Key           string        `json:"key"`
	Value         string        `json:"value"`
	Kind          RowKind       `json:"kind"`
	PrimitiveKind PrimitiveKind `json:"primitiveKind,omitempty"`
	IsColor       bool          `json:"isColor,omitempty"`
}

// Node is a box in the graph holding an ordered sequence of rows.
//
// IsSyntheticRoot marks the injected wrapper node used when the document's
// top level is not an object; at most one exists, always with id "root".
// IsPrimitiveArrayItemWrapper marks a node that exists only to give an
// array element an identity and position; it holds exactly one row and is
// unwrapped on the reverse transform.
type Node struct {
	ID                          string `json:"id"`
	Rows                        []Row  `json:"rows"`
	IsSyntheticRoot             bool   `json:"isSyntheticRoot,omitempty"`
	IsPrimitiveArrayItemWrapper bool   `json:"isPrimitiveArrayItemWrapper,omitempty"`
	Position                    Point  `json:"position"`
}

// Edge states that the value of row SourceHandle on node Source lives in
// node Target.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle"`
	Target       string `json:"target"`
	Label        string `json:"label,omitempty"`
}

// Graph is a set of nodes and edges. Both are slice-backed so iteration
// order is deterministic and matches creation order, which the reverse
// transform relies on for array element ordering.
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// EdgesFrom returns, in creation order, the edges leaving the given row of
// the given node.
func (g *Graph) EdgesFrom(nodeID, rowID string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.Source == nodeID && e.SourceHandle == rowID {
			out = append(out, e)
		}
	}
	return out
}

// HasIncoming reports whether any edge targets the given node.
func (g *Graph) HasIncoming(nodeID string) bool {
	for _, e := range g.Edges {
		if e.Target == nodeID {
			return true
		}
	}
	return false
}

// Roots returns, in node order, the nodes with no incoming edge.
func (g *Graph) Roots() []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if !g.HasIncoming(n.ID) {
			out = append(out, n)
		}
	}
	return out
}
