// Package backend talks to the remote flows API: the template API scoped by
// (orgId, flowId) and the event-flow API scoped by (orgId, eventId, flowId).
// Operations are resolved by operationId from an OpenAPI description of that
// API, and every call goes through one circuit breaker with retries.
package backend

import (
	_ "embed"

	"github.com/pitabwire/flowdesk/internal/openapi"
	"github.com/pitabwire/flowdesk/model"
)

// ServiceID names the flows API in the OpenAPI index and in metrics.
const ServiceID = "flows"

//go:embed flows-api.yaml
var flowsAPIDescription []byte

// Template API operations.
const (
	OpGetTemplate            = "getTemplate"
	OpUpdateTemplateMetadata = "updateTemplateMetadata"
	OpDeleteTemplate         = "deleteTemplate"
	OpCreateTemplateTrigger  = "createTemplateTrigger"
	OpUpdateTemplateTrigger  = "updateTemplateTrigger"
	OpDeleteTemplateTrigger  = "deleteTemplateTrigger"
	OpCreateTemplateAction   = "createTemplateAction"
	OpUpdateTemplateAction   = "updateTemplateAction"
	OpDeleteTemplateAction   = "deleteTemplateAction"
)

// Event flow API operations.
const (
	OpGetEventFlow            = "getEventFlow"
	OpUpdateEventFlowMetadata = "updateEventFlowMetadata"
	OpDeleteEventFlow         = "deleteEventFlow"
	OpCreateEventFlowTrigger  = "createEventFlowTrigger"
	OpUpdateEventFlowTrigger  = "updateEventFlowTrigger"
	OpDeleteEventFlowTrigger  = "deleteEventFlowTrigger"
	OpCreateEventFlowAction   = "createEventFlowAction"
	OpUpdateEventFlowAction   = "updateEventFlowAction"
	OpDeleteEventFlowAction   = "deleteEventFlowAction"
)

// Operations lists every operation the client depends on.
var Operations = []string{
	OpGetTemplate, OpUpdateTemplateMetadata, OpDeleteTemplate,
	OpCreateTemplateTrigger, OpUpdateTemplateTrigger, OpDeleteTemplateTrigger,
	OpCreateTemplateAction, OpUpdateTemplateAction, OpDeleteTemplateAction,
	OpGetEventFlow, OpUpdateEventFlowMetadata, OpDeleteEventFlow,
	OpCreateEventFlowTrigger, OpUpdateEventFlowTrigger, OpDeleteEventFlowTrigger,
	OpCreateEventFlowAction, OpUpdateEventFlowAction, OpDeleteEventFlowAction,
}

// LoadIndex indexes the flows API description into idx. specFile overrides
// the embedded description when set; baseURL overrides its servers entry.
func LoadIndex(idx *openapi.Index, baseURL, specFile string) error {
	src := openapi.SpecSource{ServiceID: ServiceID, BaseURL: baseURL}
	if specFile != "" {
		src.SpecPath = specFile
	} else {
		src.Data = flowsAPIDescription
	}
	if err := idx.Load([]openapi.SpecSource{src}); err != nil {
		return err
	}
	return idx.Require(ServiceID, Operations...)
}

var ruleOps = map[bool]map[model.RuleKind][3]string{
	true: {
		model.KindTrigger: {OpCreateTemplateTrigger, OpUpdateTemplateTrigger, OpDeleteTemplateTrigger},
		model.KindAction:  {OpCreateTemplateAction, OpUpdateTemplateAction, OpDeleteTemplateAction},
	},
	false: {
		model.KindTrigger: {OpCreateEventFlowTrigger, OpUpdateEventFlowTrigger, OpDeleteEventFlowTrigger},
		model.KindAction:  {OpCreateEventFlowAction, OpUpdateEventFlowAction, OpDeleteEventFlowAction},
	},
}

func createRuleOp(template bool, kind model.RuleKind) string {
	return ruleOps[template][kind][0]
}

func updateRuleOp(template bool, kind model.RuleKind) string {
	return ruleOps[template][kind][1]
}

func deleteRuleOp(template bool, kind model.RuleKind) string {
	return ruleOps[template][kind][2]
}
