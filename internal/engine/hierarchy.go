package engine

import (
	"context"

	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/pkg/schema"
)

// Hierarchy is the materialized view of one cascade run: level 0 holds the
// root, level n holds all non-deleted children of level n-1 nodes in sibling
// order. Built once per invocation, read-only thereafter. Excluded nodes are
// included so the orchestrator can record them as skipped.
type Hierarchy struct {
	Root   *store.Node
	Levels [][]*store.Node
	// Index maps node ID to node for parent lookups.
	Index map[string]*store.Node
}

// TotalNodes counts every node in the hierarchy.
func (h *Hierarchy) TotalNodes() int {
	n := 0
	for _, level := range h.Levels {
		n += len(level)
	}
	return n
}

// Parent resolves a node's parent from the in-memory index. The second
// return is false when the parent is outside the hierarchy view.
func (h *Hierarchy) Parent(node *store.Node) (*store.Node, bool) {
	if node.ParentID == "" {
		return nil, false
	}
	p, ok := h.Index[node.ParentID]
	return p, ok
}

// BuildHierarchy fetches the tree rooted at rootNodeID level by level.
// Traversal stops at the first level with zero fetched children.
func BuildHierarchy(ctx context.Context, s store.Store, rootNodeID string) (*Hierarchy, error) {
	root, err := s.GetNode(ctx, rootNodeID)
	if err != nil {
		return nil, err
	}
	if root.Deleted {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %q is deleted", rootNodeID).
			WithNode(rootNodeID)
	}

	h := &Hierarchy{
		Root:   root,
		Levels: [][]*store.Node{{root}},
		Index:  map[string]*store.Node{root.ID: root},
	}

	current := []*store.Node{root}
	for len(current) > 0 {
		var next []*store.Node
		for _, parent := range current {
			children, err := s.ListChildren(ctx, parent.ID, true)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"fetch children of %s", parent.ID).WithCause(err)
			}
			next = append(next, children...)
		}
		if len(next) == 0 {
			break
		}
		for _, n := range next {
			h.Index[n.ID] = n
		}
		h.Levels = append(h.Levels, next)
		current = next
	}

	return h, nil
}
