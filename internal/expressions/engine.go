package expressions

import "context"

// Engine evaluates expressions against node data.
// Three implementations: CEL (exclusion guards), GoJQ (payload paths),
// Expr (variable assignments).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
