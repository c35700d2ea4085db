package models

// PayloadType represents the kind of structured block embedded in assistant text.
type PayloadType string

const (
	// PayloadDraft is a long-form document draft.
	PayloadDraft PayloadType = "draft"
	// PayloadSummary is a condensed summary of source material.
	PayloadSummary PayloadType = "summary"
	// PayloadData is a structured data extract.
	PayloadData PayloadType = "data"
	// PayloadCode is a source code block.
	PayloadCode PayloadType = "code"
	// PayloadPlan is a workflow plan awaiting user review.
	PayloadPlan PayloadType = "plan"
	// PayloadWIP is an intermediate work-in-progress result surfaced at a checkpoint.
	PayloadWIP PayloadType = "wip"
	// PayloadTable is tabular data rendered as a spreadsheet.
	PayloadTable PayloadType = "table"
)

// KnownPayloadType reports whether t is one of the payload types this application understands.
func KnownPayloadType(t PayloadType) bool {
	switch t {
	case PayloadDraft, PayloadSummary, PayloadData, PayloadCode, PayloadPlan, PayloadWIP, PayloadTable:
		return true
	}
	return false
}

// Payload is a structured content block extracted from assistant text. A payload is never mutated
// in place on its message; edits produce a new Payload value.
type Payload struct {
	Type    PayloadType `json:"type"`
	Title   string      `json:"title"`
	Content string      `json:"content"`

	// Language would be filled if Type is PayloadCode.
	Language string `json:"language,omitempty"`

	// Columns and Rows would be filled if Type is PayloadTable.
	Columns []string         `json:"columns,omitempty"`
	Rows    []map[string]any `json:"rows,omitempty"`

	// Steps would be filled if Type is PayloadPlan or PayloadWIP.
	Steps []PlanStep `json:"steps,omitempty"`
}

// PlanStep is one entry of a plan or wip payload.
type PlanStep struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Done        bool   `json:"done,omitempty"`
}
