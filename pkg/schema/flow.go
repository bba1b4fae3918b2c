package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// FlowDocument is the JSON-serializable flow IR format.
// Documents are addressed by "id@version" and interpreted by the executor.
type FlowDocument struct {
	ID       string         `json:"id"`
	Version  int            `json:"version"`
	Entry    string         `json:"entry"`
	Nodes    []NodeSpec     `json:"nodes"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Ref returns the document's canonical reference "id@version".
func (d *FlowDocument) Ref() string {
	return fmt.Sprintf("%s@%d", d.ID, d.Version)
}

// ParseRef splits a "id@version" reference into its parts.
func ParseRef(ref string) (id string, version int, err error) {
	idx := strings.LastIndex(ref, "@")
	if idx <= 0 || idx == len(ref)-1 {
		return "", 0, NewErrorf(ErrCodeValidation, "flow ref must be 'id@version', got %q", ref)
	}
	version, convErr := strconv.Atoi(ref[idx+1:])
	if convErr != nil {
		return "", 0, NewErrorf(ErrCodeValidation, "flow ref version must be an integer, got %q", ref)
	}
	return ref[:idx], version, nil
}

// NodeSpec describes a single node in a flow document. Composite types
// (Sequence, If, Subflow) carry their structure in dedicated fields; atomic
// types carry an opaque parameter bag interpreted by the node implementation.
type NodeSpec struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Params   map[string]any `json:"params,omitempty"`
	Children []string       `json:"children,omitempty"` // Sequence
	If       *IfSpec        `json:"if,omitempty"`       // If
	Subflow  *SubflowSpec   `json:"subflow,omitempty"`  // Subflow
}

// Composite node type names. Everything else dispatches through the registry.
const (
	TypeSequence = "Sequence"
	TypeIf       = "If"
	TypeSubflow  = "Subflow"
)

// IfSpec is the structure block for If nodes. Condition is a restricted
// boolean expression evaluated against {item, items, len} only.
type IfSpec struct {
	Condition string   `json:"condition"`
	Then      []string `json:"then,omitempty"`
	Else      []string `json:"else,omitempty"`
}

// SubflowSpec is the structure block for Subflow nodes. InputMap renames
// parent item fields into the subflow's input; OutputMap merges subflow
// output fields back into the parent items by index.
type SubflowSpec struct {
	Ref       string            `json:"ref"`
	InputMap  map[string]string `json:"input_map,omitempty"`
	OutputMap map[string]string `json:"output_map,omitempty"`
	// ShareState is accepted but currently inert: subflows always share the
	// parent's state context.
	ShareState *bool `json:"share_state,omitempty"`
}

// Job type names. StatusUpdate is the only gating type in the closed set.
const (
	JobStatusUpdate = "StatusUpdate"
	JobGuidance     = "Guidance"
	JobSummarize    = "Summarize"
)
