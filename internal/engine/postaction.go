package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/cascade/internal/expressions"
	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/internal/streaming"
	"github.com/rendis/cascade/internal/validation"
	"github.com/rendis/cascade/pkg/schema"
)

// ActionOutcome is the result of one post-action pass. A failed or cancelled
// action never fails the node: the node's own text output is already saved.
type ActionOutcome struct {
	Result  schema.ActionResult
	Created []*store.Node
}

// PostActionProcessor parses a node's structured response, validates it,
// assigns extracted variables, and materializes child nodes.
type PostActionProcessor struct {
	store      store.Store
	jq         *expressions.GoJQEngine
	assigns    *expressions.ExprEngine
	validator  *validation.PayloadValidator
	hub        streaming.EventHub
	interactor Interactor
	logger     *slog.Logger

	// skipAllPreviews suppresses preview confirmation globally.
	skipAllPreviews bool
}

// NewPostActionProcessor wires a PostActionProcessor.
func NewPostActionProcessor(s store.Store, jq *expressions.GoJQEngine, assigns *expressions.ExprEngine, validator *validation.PayloadValidator, hub streaming.EventHub, interactor Interactor, logger *slog.Logger) *PostActionProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostActionProcessor{
		store:      s,
		jq:         jq,
		assigns:    assigns,
		validator:  validator,
		hub:        hub,
		interactor: interactor,
		logger:     logger,
	}
}

// SkipAllPreviews disables preview confirmation for every action.
func (p *PostActionProcessor) SkipAllPreviews(skip bool) {
	p.skipAllPreviews = skip
}

// Process runs the node's configured post-action against its raw response
// text. Action-level failures are recorded in the node's last-action-result
// and returned in the outcome; they never propagate as errors so the cascade
// continues to the next node.
func (p *PostActionProcessor) Process(ctx context.Context, runID string, node *store.Node, response string) (*ActionOutcome, error) {
	cfg := node.PostActionConfig
	if cfg == nil {
		cfg = &schema.PostActionConfig{}
	}

	doc, err := ExtractJSON(response)
	if err != nil {
		return p.finish(ctx, runID, node, &ActionOutcome{Result: schema.ActionResult{
			Status:  schema.ActionStatusFailed,
			Message: "response contains no parseable JSON: " + err.Error(),
		}})
	}

	payload := doc
	if cfg.ResultPath != "" {
		payload, err = p.jq.EvaluateValue(ctx, cfg.ResultPath, doc)
		if err != nil || payload == nil {
			return p.finish(ctx, runID, node, &ActionOutcome{Result: schema.ActionResult{
				Status:  schema.ActionStatusFailed,
				Message: describePathFailure(cfg.ResultPath, doc, err),
			}})
		}
	}

	if err := p.validator.ValidatePayload(payload, cfg.Schema); err != nil {
		return p.finish(ctx, runID, node, &ActionOutcome{Result: schema.ActionResult{
			Status:  schema.ActionStatusFailed,
			Message: "payload failed schema validation: " + err.Error(),
		}})
	}

	if len(cfg.Assign) > 0 {
		if err := p.assignVariables(ctx, runID, node, cfg.Assign, payload, response); err != nil {
			return p.finish(ctx, runID, node, &ActionOutcome{Result: schema.ActionResult{
				Status:  schema.ActionStatusFailed,
				Message: "variable assignment failed: " + err.Error(),
			}})
		}
	}

	switch node.PostAction {
	case schema.PostActionAssignVars:
		return p.finish(ctx, runID, node, &ActionOutcome{Result: schema.ActionResult{
			Status:  schema.ActionStatusSuccess,
			Message: fmt.Sprintf("assigned %d variables", len(cfg.Assign)),
		}})

	case schema.PostActionCreateChildren:
		return p.createChildren(ctx, runID, node, cfg, payload)

	default:
		return p.finish(ctx, runID, node, &ActionOutcome{Result: schema.ActionResult{
			Status:  schema.ActionStatusFailed,
			Message: fmt.Sprintf("unknown post-action %q", node.PostAction),
		}})
	}
}

// assignVariables evaluates each assignment program against the payload and
// persists the results as node variables.
func (p *PostActionProcessor) assignVariables(ctx context.Context, runID string, node *store.Node, assigns map[string]string, payload any, response string) error {
	env := map[string]any{
		"payload":  payload,
		"response": response,
	}

	// Stable order keeps failures deterministic.
	names := make([]string, 0, len(assigns))
	for name := range assigns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val, err := p.assigns.Evaluate(ctx, assigns[name], env)
		if err != nil {
			return fmt.Errorf("assign %q: %w", name, err)
		}
		if err := p.store.SetNodeVariable(ctx, node.ID, name, stringifyValue(val)); err != nil {
			return fmt.Errorf("persist %q: %w", name, err)
		}
	}

	_ = p.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     runID,
		NodeID:    node.ID,
		EventType: schema.EventVariablesUpdated,
		Payload:   names,
	})
	return nil
}

// createChildren materializes new child nodes from the payload.
func (p *PostActionProcessor) createChildren(ctx context.Context, runID string, node *store.Node, cfg *schema.PostActionConfig, payload any) (*ActionOutcome, error) {
	items := payload
	if cfg.Children != nil && cfg.Children.ItemsPath != "" {
		var err error
		items, err = p.jq.EvaluateValue(ctx, cfg.Children.ItemsPath, payload)
		if err != nil {
			return p.finish(ctx, runID, node, &ActionOutcome{Result: schema.ActionResult{
				Status:  schema.ActionStatusFailed,
				Message: describePathFailure(cfg.Children.ItemsPath, payload, err),
			}})
		}
	}

	templates, err := decodeTemplates(items)
	if err != nil {
		return p.finish(ctx, runID, node, &ActionOutcome{Result: schema.ActionResult{
			Status:  schema.ActionStatusFailed,
			Message: err.Error(),
		}})
	}

	if !cfg.SkipPreview && !p.skipAllPreviews {
		approved, err := p.interactor.ShowActionPreview(ctx, node, templates)
		if err != nil {
			return p.finish(ctx, runID, node, &ActionOutcome{Result: schema.ActionResult{
				Status:  schema.ActionStatusFailed,
				Message: "preview failed: " + err.Error(),
			}})
		}
		if !approved {
			// Intentional early exit, not an error. No mutation.
			return p.finish(ctx, runID, node, &ActionOutcome{Result: schema.ActionResult{
				Status:  schema.ActionStatusCancelled,
				Message: "user declined the action preview",
			}})
		}
	}

	targetParentID := node.ID
	if cfg.Children != nil && cfg.Children.TargetParentID != "" {
		targetParentID = cfg.Children.TargetParentID
	}

	existing, err := p.store.ListChildren(ctx, targetParentID, true)
	if err != nil {
		return p.finish(ctx, runID, node, &ActionOutcome{Result: schema.ActionResult{
			Status:  schema.ActionStatusFailed,
			Message: "reading target parent children: " + err.Error(),
		}})
	}
	nextOrder := float64(len(existing) + 1)

	created := make([]*store.Node, 0, len(templates))
	for i, tpl := range templates {
		child := &store.Node{
			ID:          uuid.New().String(),
			ParentID:    targetParentID,
			OrderKey:    nextOrder + float64(i),
			Name:        tpl.Name,
			AdminPrompt: tpl.AdminPrompt,
			UserPrompt:  tpl.UserPrompt,
			Provider:    tpl.Provider,
			Type:        tpl.Type,
			SystemVars:  tpl.SystemVars,
			Status:      schema.NodeStatusPending,
			CreatedAt:   time.Now().UTC(),
		}
		if child.Type == "" {
			child.Type = schema.NodeTypePlain
		}
		if child.Name == "" {
			child.Name = fmt.Sprintf("%s-child-%d", node.Name, i+1)
		}
		if err := p.store.CreateNode(ctx, child); err != nil {
			return p.finish(ctx, runID, node, &ActionOutcome{
				Result: schema.ActionResult{
					Status:       schema.ActionStatusFailed,
					Message:      fmt.Sprintf("created %d of %d children, then: %s", len(created), len(templates), err),
					CreatedCount: len(created),
				},
				Created: created,
			})
		}
		created = append(created, child)
	}

	_ = p.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     runID,
		NodeID:    node.ID,
		EventType: schema.EventTreeRefreshNeeded,
		Payload:   map[string]any{"parent_id": targetParentID, "created": len(created)},
	})

	return p.finish(ctx, runID, node, &ActionOutcome{
		Result: schema.ActionResult{
			Status:         schema.ActionStatusSuccess,
			Message:        fmt.Sprintf("created %d child nodes", len(created)),
			CreatedCount:   len(created),
			TargetParentID: targetParentID,
		},
		Created: created,
	})
}

// finish persists the last-action-result and returns the outcome.
func (p *PostActionProcessor) finish(ctx context.Context, runID string, node *store.Node, outcome *ActionOutcome) (*ActionOutcome, error) {
	result := outcome.Result
	if err := p.store.UpdateNode(ctx, node.ID, store.NodeUpdate{LastActionResult: &result}); err != nil {
		p.logger.WarnContext(ctx, "failed to persist last action result", "node_id", node.ID, "error", err)
	}
	if result.Status == schema.ActionStatusFailed {
		p.logger.WarnContext(ctx, "post-action failed", "node_id", node.ID, "message", result.Message)
	}
	_ = p.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     runID,
		NodeID:    node.ID,
		EventType: schema.EventPromptResultUpdated,
		Payload:   result,
	})
	return outcome, nil
}

// decodeTemplates coerces a payload item list into child templates.
func decodeTemplates(items any) ([]schema.ChildTemplate, error) {
	list, ok := items.([]any)
	if !ok {
		return nil, fmt.Errorf("child payload must be an array of templates, got %T", items)
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("serialize child templates: %w", err)
	}
	var templates []schema.ChildTemplate
	if err := json.Unmarshal(b, &templates); err != nil {
		return nil, fmt.Errorf("child templates have invalid shape: %w", err)
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("child payload array is empty")
	}
	return templates, nil
}

// describePathFailure builds an actionable message for a failed jq selection,
// listing the keys actually available in the document.
func describePathFailure(path string, doc any, err error) string {
	msg := fmt.Sprintf("path %q selected nothing", path)
	if err != nil {
		msg = fmt.Sprintf("path %q failed: %s", path, err)
	}
	if m, ok := doc.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		msg += "; available keys: " + strings.Join(keys, ", ")
	}
	return msg
}

// stringifyValue renders an assigned value as the stored string form.
func stringifyValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// ExtractJSON pulls the first JSON document out of free-form response text.
// Preference order: a fenced ```json block, then the first balanced object or
// array, then the whole trimmed text.
func ExtractJSON(text string) (any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty response")
	}

	if fenced := extractFencedBlock(trimmed); fenced != "" {
		var doc any
		if err := json.Unmarshal([]byte(fenced), &doc); err == nil {
			return doc, nil
		}
	}

	if candidate := extractBalanced(trimmed); candidate != "" {
		var doc any
		if err := json.Unmarshal([]byte(candidate), &doc); err == nil {
			return doc, nil
		}
	}

	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, fmt.Errorf("no valid JSON found in response")
	}
	return doc, nil
}

// extractFencedBlock returns the contents of the first ```json fenced block.
func extractFencedBlock(text string) string {
	for _, marker := range []string{"```json", "```JSON", "```"} {
		start := strings.Index(text, marker)
		if start == -1 {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.Index(rest, "```")
		if end == -1 {
			continue
		}
		return strings.TrimSpace(rest[:end])
	}
	return ""
}

// extractBalanced returns the first balanced {...} or [...] run, respecting
// string literals and escapes.
func extractBalanced(text string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			start, open, close = i, '{', '}'
			break
		}
		if text[i] == '[' {
			start, open, close = i, '[', ']'
			break
		}
	}
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
