package variables

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/cascade/internal/store"
)

// AccumulatedResponse is one entry of the run's ordered response history,
// appended after each executed (not skipped) node.
type AccumulatedResponse struct {
	Level    int    `json:"level"`
	NodeID   string `json:"node_id"`
	Name     string `json:"name"`
	Response string `json:"response"`
}

// NodeSnapshot is the resolved view of an already-executed node, consulted
// for ref.<id>.* cross-references.
type NodeSnapshot struct {
	Name        string            `json:"name"`
	Output      string            `json:"output"`
	UserResult  string            `json:"user_result,omitempty"`
	AdminPrompt string            `json:"admin_prompt,omitempty"`
	UserPrompt  string            `json:"user_prompt,omitempty"`
	SystemVars  map[string]string `json:"system_vars,omitempty"`
}

// UserInfo identifies the user a cascade runs on behalf of.
type UserInfo struct {
	Name  string
	Email string
}

// ResolveInput carries everything the resolver needs. The resolver is pure:
// no I/O, deterministic for identical inputs.
type ResolveInput struct {
	Accumulated []AccumulatedResponse
	Level       int
	Node        *store.Node
	Parent      *store.Node
	Root        *store.Node
	User        UserInfo
	DataMap     map[string]NodeSnapshot
	// StoredVars are the node's persisted variable rows, fetched fresh by the
	// orchestrator. Highest precedence.
	StoredVars map[string]string
	// Now stamps current_date/current_time. Zero means time.Now.
	Now time.Time
}

// Reserved context keys produced by the resolver itself. A referenced node's
// stored system vars never shadow these through the ref.* namespace.
var reservedContextKeys = map[string]struct{}{
	"previous_response": {},
	"previous_name":     {},
	"cascade_responses": {},
	"user_name":         {},
	"user_email":        {},
	"current_date":      {},
	"current_time":      {},
	"node_name":         {},
	"parent_name":       {},
	"parent_response":   {},
	"root_name":         {},
	"root_response":     {},
}

// IsReservedContextKey reports whether a variable name is produced by the
// resolver and must not be overridden through cross-references.
func IsReservedContextKey(name string) bool {
	if _, ok := reservedContextKeys[name]; ok {
		return true
	}
	return strings.HasPrefix(name, "response_") || strings.HasPrefix(name, "ref.")
}

// Resolve merges all variable layers into one flat key->string map.
// Precedence, later wins: system/identity vars, previous-response convenience
// keys, all-responses JSON and per-level/per-index keys, ref.<id>.*
// cross-references, stored per-node overrides.
func Resolve(in ResolveInput) map[string]string {
	vars := make(map[string]string)

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	// System and identity layer.
	vars["user_name"] = in.User.Name
	vars["user_email"] = in.User.Email
	vars["current_date"] = now.Format("2006-01-02")
	vars["current_time"] = now.Format("15:04:05")
	if in.Node != nil {
		vars["node_name"] = in.Node.Name
	}
	if in.Parent != nil {
		vars["parent_name"] = in.Parent.Name
		vars["parent_response"] = in.Parent.Output
	}
	if in.Root != nil {
		vars["root_name"] = in.Root.Name
		vars["root_response"] = in.Root.Output
	}

	// Previous-response convenience keys.
	if len(in.Accumulated) > 0 {
		last := in.Accumulated[len(in.Accumulated)-1]
		vars["previous_response"] = last.Response
		vars["previous_name"] = last.Name
	}

	// All responses as JSON, plus positional keys. The index is the node's
	// position within its level, counted over the accumulated history.
	if len(in.Accumulated) > 0 {
		if b, err := json.Marshal(in.Accumulated); err == nil {
			vars["cascade_responses"] = string(b)
		}
		levelCounts := make(map[int]int)
		for _, acc := range in.Accumulated {
			idx := levelCounts[acc.Level]
			levelCounts[acc.Level]++
			vars[fmt.Sprintf("response_%d_%d", acc.Level, idx)] = acc.Response
		}
	}

	// Cross-references to every already-executed node in the run.
	for id, snap := range in.DataMap {
		prefix := "ref." + id + "."
		vars[prefix+"name"] = snap.Name
		vars[prefix+"output"] = snap.Output
		if snap.UserResult != "" {
			vars[prefix+"user_result"] = snap.UserResult
		}
		for k, v := range snap.SystemVars {
			// Reserved context keys are dropped rather than served stale.
			if IsReservedContextKey(k) {
				continue
			}
			vars[prefix+k] = v
		}
	}

	// Per-node stored overrides win on key collision.
	for k, v := range in.StoredVars {
		vars[k] = v
	}

	return vars
}
