package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RootNodeID is the id of the document's top-level node.
const RootNodeID = "root"

var (
	hexColorPattern = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)
	arrayKeyPattern = regexp.MustCompile(`^\d+$`)
)

// FromJSON parses a JSON text and transforms it into a graph.
func FromJSON(text string) (*Graph, error) {
	v, err := ParseDocument(text)
	if err != nil {
		return nil, err
	}
	return FromValue(v), nil
}

// FromValue transforms a decoded document value into a graph. A top-level
// value that is not an object is wrapped as {root: value} and the wrapper
// node is tagged IsSyntheticRoot so the reverse transform can unwrap it.
func FromValue(v any) *Graph {
	b := &builder{graph: &Graph{}}

	obj, isObject := v.(*Object)
	if !isObject {
		wrapped := NewObject()
		wrapped.Set("root", v)
		obj = wrapped
	}

	root := b.addContainerNode(RootNodeID, obj)
	root.IsSyntheticRoot = !isObject
	return b.graph
}

type builder struct {
	graph     *Graph
	edgeCount int
}

func (b *builder) newEdge(source, handle, target, label string) {
	b.edgeCount++
	b.graph.Edges = append(b.graph.Edges, &Edge{
		ID:           "e" + strconv.Itoa(b.edgeCount),
		Source:       source,
		SourceHandle: handle,
		Target:       target,
		Label:        label,
	})
}

// addContainerNode creates the node for an object or array value. Arrays
// reached as nodes (elements of an enclosing array) are treated as objects
// keyed by element index; the reverse transform recovers the array shape
// from the all-integer keys.
func (b *builder) addContainerNode(id string, v any) *Node {
	node := &Node{ID: id}
	b.graph.Nodes = append(b.graph.Nodes, node)

	switch val := v.(type) {
	case *Object:
		for i, key := range val.Keys() {
			child, _ := val.Get(key)
			node.Rows = append(node.Rows, b.buildRow(node, i, key, child))
		}
	case []any:
		for i, child := range val {
			node.Rows = append(node.Rows, b.buildRow(node, i, strconv.Itoa(i), child))
		}
	}
	return node
}

// buildRow classifies one key/value slot and emits child nodes and edges
// for non-primitive values.
func (b *builder) buildRow(parent *Node, index int, key string, v any) Row {
	row := Row{ID: "r" + strconv.Itoa(index), Key: key}

	switch val := v.(type) {
	case *Object:
		row.Kind = KindObject
		row.Value = fmt.Sprintf("{ %d keys }", val.Len())
		childID := parent.ID + "-" + key
		b.newEdge(parent.ID, row.ID, childID, key)
		b.addContainerNode(childID, val)

	case []any:
		row.Kind = KindArray
		row.Value = fmt.Sprintf("[ %d items ]", len(val))
		for i, el := range val {
			elID := parent.ID + "-" + key + "-" + strconv.Itoa(i)
			b.newEdge(parent.ID, row.ID, elID, key)
			b.addElementNode(elID, i, el)
		}

	default:
		row.Kind = KindPrimitive
		row.PrimitiveKind, row.Value = primitiveDisplay(v)
		row.IsColor = row.PrimitiveKind == PrimString && hexColorPattern.MatchString(row.Value)
	}
	return row
}

// addElementNode creates the node for one array element. Primitive
// elements get a single-row wrapper node so they can be positioned and
// connected like any other node. An empty array element also gets a
// wrapper (holding an edge-less array row), since a bare zero-row node
// would be indistinguishable from an empty object on reconstruction.
func (b *builder) addElementNode(id string, index int, v any) {
	switch val := v.(type) {
	case *Object:
		b.addContainerNode(id, val)
	case []any:
		if len(val) == 0 {
			node := &Node{ID: id, IsPrimitiveArrayItemWrapper: true}
			node.Rows = append(node.Rows, Row{
				ID:    "r0",
				Key:   strconv.Itoa(index),
				Kind:  KindArray,
				Value: "[ 0 items ]",
			})
			b.graph.Nodes = append(b.graph.Nodes, node)
			return
		}
		b.addContainerNode(id, val)
	default:
		node := &Node{ID: id, IsPrimitiveArrayItemWrapper: true}
		row := Row{ID: "r0", Key: strconv.Itoa(index), Kind: KindPrimitive}
		row.PrimitiveKind, row.Value = primitiveDisplay(v)
		row.IsColor = row.PrimitiveKind == PrimString && hexColorPattern.MatchString(row.Value)
		node.Rows = append(node.Rows, row)
		b.graph.Nodes = append(b.graph.Nodes, node)
	}
}

func primitiveDisplay(v any) (PrimitiveKind, string) {
	switch val := v.(type) {
	case string:
		return PrimString, val
	case json.Number:
		return PrimNumber, val.String()
	case bool:
		if val {
			return PrimBoolean, "true"
		}
		return PrimBoolean, "false"
	case nil:
		return PrimNull, "null"
	default:
		// Unreachable for values produced by ParseDocument.
		return PrimString, fmt.Sprintf("%v", v)
	}
}

// ToJSON reconstructs the JSON text represented by a graph.
func ToJSON(g *Graph) (string, error) {
	return EncodeDocument(ToValue(g))
}

// ToValue reconstructs the document value represented by a graph. It never
// fails: disconnected roots degrade to an object keyed by root node id,
// cycles yield a null sentinel for the revisited node, and unparseable
// display strings fall back to their string form.
func ToValue(g *Graph) any {
	roots := g.Roots()
	visiting := make(map[string]bool)

	switch len(roots) {
	case 0:
		// Fully cyclic graph: nothing to anchor a reconstruction on.
		return NewObject()
	case 1:
		root := roots[0]
		v := reconstructNode(g, root, visiting)
		if root.IsSyntheticRoot {
			if obj, ok := v.(*Object); ok && obj.Len() == 1 {
				if inner, ok := obj.Get("root"); ok {
					return inner
				}
			}
		}
		return v
	default:
		// Manual edits can leave disconnected components; keep every
		// orphan root rather than failing.
		out := NewObject()
		for _, root := range roots {
			out.Set(root.ID, reconstructNode(g, root, visiting))
		}
		return out
	}
}

func reconstructNode(g *Graph, n *Node, visiting map[string]bool) any {
	if visiting[n.ID] {
		return nil // cycle sentinel
	}
	visiting[n.ID] = true
	defer delete(visiting, n.ID)

	if n.IsPrimitiveArrayItemWrapper && len(n.Rows) == 1 {
		return reconstructRow(g, n, n.Rows[0], visiting)
	}

	if len(n.Rows) == 0 {
		return NewObject()
	}

	if allArrayKeys(n.Rows) {
		out := make([]any, 0, len(n.Rows))
		for _, row := range n.Rows {
			out = append(out, reconstructRow(g, n, row, visiting))
		}
		return out
	}

	out := NewObject()
	for _, row := range n.Rows {
		out.Set(row.Key, reconstructRow(g, n, row, visiting))
	}
	return out
}

func reconstructRow(g *Graph, n *Node, row Row, visiting map[string]bool) any {
	edges := g.EdgesFrom(n.ID, row.ID)

	if row.Kind == KindArray {
		out := make([]any, 0, len(edges))
		for _, e := range edges {
			target := g.NodeByID(e.Target)
			if target == nil {
				continue
			}
			out = append(out, reconstructNode(g, target, visiting))
		}
		return out
	}

	// Non-array rows with an edge take the first target; edge-less rows
	// fall back to parsing the display string.
	for _, e := range edges {
		if target := g.NodeByID(e.Target); target != nil {
			return reconstructNode(g, target, visiting)
		}
	}
	return parsePrimitive(row)
}

func parsePrimitive(row Row) any {
	switch row.PrimitiveKind {
	case PrimNumber:
		text := strings.TrimSpace(row.Value)
		if _, err := strconv.ParseFloat(text, 64); err == nil {
			return json.Number(text)
		}
		return row.Value
	case PrimBoolean:
		switch row.Value {
		case "true":
			return true
		case "false":
			return false
		}
		return row.Value
	case PrimNull:
		return nil
	default:
		return row.Value
	}
}

// allArrayKeys implements the array-shape heuristic: a node serializes as
// an array iff every row key, trimmed, is a non-negative integer. The
// shape is inferred, never stored.
func allArrayKeys(rows []Row) bool {
	for _, row := range rows {
		if !arrayKeyPattern.MatchString(strings.TrimSpace(row.Key)) {
			return false
		}
	}
	return true
}
