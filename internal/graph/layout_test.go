package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutDeterministic(t *testing.T) {
	g, err := FromJSON(`{"a":{"b":1},"c":[1,2],"d":"x"}`)
	require.NoError(t, err)

	nodes := make([]LayoutNode, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		w, h := Autosize(n)
		nodes = append(nodes, LayoutNode{ID: n.ID, Width: w, Height: h})
	}
	edges := make([]LayoutEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, LayoutEdge{Source: e.Source, Target: e.Target})
	}

	first := Layout(nodes, edges, LeftRight)
	second := Layout(nodes, edges, LeftRight)
	assert.Equal(t, first, second)
	assert.Len(t, first, len(g.Nodes))
}

func TestLayoutRanksFollowEdges(t *testing.T) {
	nodes := []LayoutNode{
		{ID: "root", Width: 100, Height: 40},
		{ID: "child", Width: 100, Height: 40},
		{ID: "grandchild", Width: 100, Height: 40},
	}
	edges := []LayoutEdge{
		{Source: "root", Target: "child"},
		{Source: "child", Target: "grandchild"},
	}

	pos := Layout(nodes, edges, LeftRight)
	assert.Less(t, pos["root"].X, pos["child"].X)
	assert.Less(t, pos["child"].X, pos["grandchild"].X)

	pos = Layout(nodes, edges, TopBottom)
	assert.Less(t, pos["root"].Y, pos["child"].Y)
	assert.Less(t, pos["child"].Y, pos["grandchild"].Y)
}

func TestLayoutToleratesCycles(t *testing.T) {
	nodes := []LayoutNode{
		{ID: "a", Width: 100, Height: 40},
		{ID: "b", Width: 100, Height: 40},
	}
	edges := []LayoutEdge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "a"},
	}

	pos := Layout(nodes, edges, LeftRight)
	assert.Len(t, pos, 2)
}

func TestApplyLayoutAssignsPositions(t *testing.T) {
	g, err := FromJSON(`{"a":{"b":1}}`)
	require.NoError(t, err)

	ApplyLayout(g, LeftRight)

	root := g.NodeByID("root")
	child := g.NodeByID("root-a")
	require.NotNil(t, root)
	require.NotNil(t, child)
	assert.Less(t, root.Position.X, child.Position.X)
}

func TestAutosizeGrowsWithRows(t *testing.T) {
	small := &Node{Rows: []Row{{Key: "a", Value: "1"}}}
	large := &Node{Rows: []Row{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
		{Key: "long-key-name", Value: "a much longer value string"},
	}}

	_, smallH := Autosize(small)
	largeW, largeH := Autosize(large)
	assert.Greater(t, largeH, smallH)
	assert.Greater(t, largeW, minNodeWidth)
}
