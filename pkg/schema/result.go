package schema

// InterruptKind classifies a mid-execution interrupt reported by a provider.
type InterruptKind string

const (
	InterruptNone        InterruptKind = ""
	InterruptQuestion    InterruptKind = "question"
	InterruptLongRunning InterruptKind = "long_running"
)

// Usage carries provider token accounting for one execution.
type Usage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

// Attachment is a file or artifact produced by an external task.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// ExecutionResult is the normalized shape every execution strategy produces.
// Exactly one of a terminal response or an interrupt is meaningful at a time:
// when Interrupt is non-empty the response is not yet final.
type ExecutionResult struct {
	Response      string         `json:"response,omitempty"`
	ResponseID    string         `json:"response_id,omitempty"`
	Usage         *Usage         `json:"usage,omitempty"`
	Interrupt     InterruptKind  `json:"interrupt,omitempty"`
	InterruptData map[string]any `json:"interrupt_data,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
}

// Interrupted reports whether the result is an unresolved interrupt.
func (r *ExecutionResult) Interrupted() bool {
	return r != nil && r.Interrupt != InterruptNone
}

// QuestionVariable returns the variable name a question interrupt asks for.
func (r *ExecutionResult) QuestionVariable() string {
	if r == nil || r.Interrupt != InterruptQuestion {
		return ""
	}
	v, _ := r.InterruptData["variable"].(string)
	return v
}

// QuestionPrompt returns the human-readable question text of a question interrupt.
func (r *ExecutionResult) QuestionPrompt() string {
	if r == nil || r.Interrupt != InterruptQuestion {
		return ""
	}
	v, _ := r.InterruptData["prompt"].(string)
	return v
}
