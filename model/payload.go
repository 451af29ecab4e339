package model

// RulePayload is the body of a create or update call for a trigger or an
// action. The server assigns the id on create.
type RulePayload struct {
	Name    string   `json:"name"`
	Type    RuleType `json:"type"`
	Details Details  `json:"details"`
	Summary string   `json:"summary"`
}

// FlowMetadataPayload is the body of a flow metadata update. MultipleRuns is
// only sent for event flows.
type FlowMetadataPayload struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	MultipleRuns *bool  `json:"multipleRuns,omitempty"`
}

// NewRulePayload builds the wire payload for r. The rule description is
// sent as the summary.
func NewRulePayload(r Rule) RulePayload {
	d := r.Details
	if d == nil {
		d = ZeroDetails(r.Type)
	}
	return RulePayload{
		Name:    r.Name,
		Type:    r.Type,
		Details: d,
		Summary: r.Description,
	}
}

// NewFlowMetadataPayload builds the metadata payload for f.
func NewFlowMetadataPayload(f Flow) FlowMetadataPayload {
	p := FlowMetadataPayload{Name: f.Name, Description: f.Description}
	if !f.IsTemplate {
		mr := f.MultipleRuns
		p.MultipleRuns = &mr
	}
	return p
}
