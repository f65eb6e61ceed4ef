package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/pkg/schema"
)

// mockTreeStore satisfies store.Store for tree building tests.
type mockTreeStore struct {
	store.Store
	nodes    map[string]*store.Node
	children map[string][]*store.Node
}

func newMockTreeStore() *mockTreeStore {
	return &mockTreeStore{
		nodes:    make(map[string]*store.Node),
		children: make(map[string][]*store.Node),
	}
}

func (m *mockTreeStore) add(n *store.Node) {
	m.nodes[n.ID] = n
	if n.ParentID != "" {
		m.children[n.ParentID] = append(m.children[n.ParentID], n)
	}
}

func (m *mockTreeStore) GetNode(_ context.Context, id string) (*store.Node, error) {
	n, ok := m.nodes[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "node not found")
	}
	return n, nil
}

func (m *mockTreeStore) ListChildren(_ context.Context, parentID string, _ bool) ([]*store.Node, error) {
	return m.children[parentID], nil
}

func seedTree(ms *mockTreeStore) {
	ms.add(&store.Node{ID: "root", Name: "Quarterly Report", Status: schema.NodeStatusCompleted})
	ms.add(&store.Node{ID: "a", ParentID: "root", Name: "Collect Data", Status: schema.NodeStatusCompleted})
	ms.add(&store.Node{ID: "b", ParentID: "root", Name: "Analyze", Type: schema.NodeTypeAction, Status: schema.NodeStatusFailed})
	ms.add(&store.Node{ID: "c", ParentID: "a", Name: "Optional Check", Excluded: true})
}

func TestBuildTree(t *testing.T) {
	ms := newMockTreeStore()
	seedTree(ms)

	model, err := BuildTree(context.Background(), ms, "root")
	require.NoError(t, err)

	assert.Equal(t, "Quarterly Report", model.Title)
	require.NotNil(t, model.Root)
	require.Len(t, model.Root.Children, 2)
	assert.Equal(t, "Collect Data", model.Root.Children[0].Name)
	require.Len(t, model.Root.Children[0].Children, 1)
	assert.True(t, model.Root.Children[0].Children[0].Excluded)
}

func TestBuildTree_UnknownRoot(t *testing.T) {
	_, err := BuildTree(context.Background(), newMockTreeStore(), "ghost")
	require.Error(t, err)
}

func TestRenderASCII(t *testing.T) {
	ms := newMockTreeStore()
	seedTree(ms)

	model, err := BuildTree(context.Background(), ms, "root")
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "=== Quarterly Report ===")
	assert.Contains(t, out, "Quarterly Report [OK]")
	assert.Contains(t, out, "├── Collect Data [OK]")
	assert.Contains(t, out, "└── Analyze <action> [FAIL]")
	assert.Contains(t, out, "└── Optional Check (excluded)")
}

func TestRenderASCII_Connectors(t *testing.T) {
	model := &TreeModel{Root: &TreeNode{
		ID: "r", Name: "r",
		Children: []*TreeNode{
			{ID: "1", Name: "first", Children: []*TreeNode{{ID: "1a", Name: "nested"}}},
			{ID: "2", Name: "second"},
		},
	}}

	out := RenderASCII(model)
	assert.Contains(t, out, "├── first")
	assert.Contains(t, out, "│   └── nested")
	assert.Contains(t, out, "└── second")
}

func TestRenderMermaid(t *testing.T) {
	ms := newMockTreeStore()
	seedTree(ms)

	model, err := BuildTree(context.Background(), ms, "root")
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "flowchart TD")
	assert.Contains(t, out, "root --> a")
	assert.Contains(t, out, "root --> b")
	assert.Contains(t, out, "a --> c")
}

func TestMermaidID_Sanitizes(t *testing.T) {
	assert.Equal(t, "abc_123", mermaidID("abc-123"))
	assert.Equal(t, "a_b_c", mermaidID("a.b.c"))
}

func TestStatusTags(t *testing.T) {
	cases := map[string]string{
		"completed": "[OK]",
		"failed":    "[FAIL]",
		"running":   "[RUN]",
		"waiting":   "[WAIT]",
		"skipped":   "[SKIP]",
		"pending":   "[PEND]",
		"retrying":  "[RETRY]",
		"":          "",
		"unknown":   "",
	}
	for status, want := range cases {
		assert.Equal(t, want, statusTag(status), status)
	}
}
