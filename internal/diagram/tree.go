package diagram

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/cascade/internal/store"
)

// TreeNode is one rendered entry of a prompt tree.
type TreeNode struct {
	ID       string
	Name     string
	Type     string
	Status   string
	Excluded bool
	Children []*TreeNode
}

// TreeModel is the intermediate representation the renderers consume.
type TreeModel struct {
	Title string
	Root  *TreeNode
}

// BuildTree materializes the subtree under rootID, children in sibling
// order, excluded and deleted-free (the store filters deletions).
func BuildTree(ctx context.Context, s store.Store, rootID string) (*TreeModel, error) {
	root, err := s.GetNode(ctx, rootID)
	if err != nil {
		return nil, err
	}
	node, err := buildSubtree(ctx, s, root)
	if err != nil {
		return nil, err
	}
	return &TreeModel{Title: root.Name, Root: node}, nil
}

func buildSubtree(ctx context.Context, s store.Store, n *store.Node) (*TreeNode, error) {
	tn := &TreeNode{
		ID:       n.ID,
		Name:     n.Name,
		Type:     string(n.Type),
		Status:   string(n.Status),
		Excluded: n.Excluded,
	}
	children, err := s.ListChildren(ctx, n.ID, true)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		ct, err := buildSubtree(ctx, s, child)
		if err != nil {
			return nil, err
		}
		tn.Children = append(tn.Children, ct)
	}
	return tn, nil
}

// statusTag returns a short ASCII indicator for a node status.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "waiting":
		return "[WAIT]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	case "retrying":
		return "[RETRY]"
	default:
		return ""
	}
}

// RenderASCII renders a TreeModel as an indented text tree with
// box-drawing connectors.
func RenderASCII(model *TreeModel) string {
	var b strings.Builder
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n", model.Title))
	}
	if model.Root != nil {
		writeNode(&b, model.Root, "", true, true)
	}
	return b.String()
}

func writeNode(b *strings.Builder, n *TreeNode, prefix string, last, root bool) {
	if !root {
		connector := "├── "
		if last {
			connector = "└── "
		}
		b.WriteString(prefix + connector)
	}
	b.WriteString(nodeLabel(n))
	b.WriteString("\n")

	childPrefix := prefix
	if !root {
		if last {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}
	for i, child := range n.Children {
		writeNode(b, child, childPrefix, i == len(n.Children)-1, false)
	}
}

func nodeLabel(n *TreeNode) string {
	label := n.Name
	if label == "" {
		label = n.ID
	}
	if n.Type != "" && n.Type != "plain" {
		label += " <" + n.Type + ">"
	}
	if tag := statusTag(n.Status); tag != "" {
		label += " " + tag
	}
	if n.Excluded {
		label += " (excluded)"
	}
	return label
}

// RenderMermaid renders a TreeModel as a Mermaid flowchart, top-down,
// one edge per parent-child link.
func RenderMermaid(model *TreeModel) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	if model.Root != nil {
		writeMermaidNode(&b, model.Root)
	}
	return b.String()
}

func writeMermaidNode(b *strings.Builder, n *TreeNode) {
	fmt.Fprintf(b, "    %s[%q]\n", mermaidID(n.ID), nodeLabel(n))
	for _, child := range n.Children {
		fmt.Fprintf(b, "    %s --> %s\n", mermaidID(n.ID), mermaidID(child.ID))
		writeMermaidNode(b, child)
	}
}

// mermaidID strips characters Mermaid rejects in node identifiers.
func mermaidID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
