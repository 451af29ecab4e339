package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/flowdesk/model"
)

// RuleResource is a rule as stored by the flows API.
type RuleResource struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      model.RuleType  `json:"type"`
	Details   json.RawMessage `json:"details"`
	Summary   string          `json:"summary"`
	CreatedAt string          `json:"createdAt,omitempty"`
	UpdatedAt string          `json:"updatedAt,omitempty"`
}

// Rule converts the resource to a persisted rule of the given flow.
func (r RuleResource) Rule(flowID string, kind model.RuleKind) model.Rule {
	return model.Rule{
		ID:          r.ID,
		FlowID:      flowID,
		Kind:        kind,
		Type:        r.Type,
		Name:        r.Name,
		Description: r.Summary,
		Details:     model.DecodeDetailsLenient(r.Type, r.Details),
		CreatedAt:   r.CreatedAt,
		ExistInDB:   true,
	}
}

// FlowResource is a flow as stored by the flows API.
type FlowResource struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	EventID      string         `json:"eventId,omitempty"`
	MultipleRuns bool           `json:"multipleRuns"`
	Triggers     []RuleResource `json:"triggers"`
	Actions      []RuleResource `json:"actions"`
	CreatedBy    string         `json:"createdBy,omitempty"`
	UpdatedBy    string         `json:"updatedBy,omitempty"`
	CreatedAt    string         `json:"createdAt,omitempty"`
	UpdatedAt    string         `json:"updatedAt,omitempty"`
}

// Flow converts the resource to a flow addressed by ref. Every rule comes
// back persisted.
func (f FlowResource) Flow(ref model.FlowRef) model.Flow {
	flow := model.Flow{
		ID:           ref.FlowID,
		Name:         f.Name,
		Description:  f.Description,
		IsTemplate:   ref.IsTemplate,
		EventID:      ref.EventID,
		MultipleRuns: f.MultipleRuns && !ref.IsTemplate,
		CreatedBy:    f.CreatedBy,
		UpdatedBy:    f.UpdatedBy,
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.UpdatedAt,
		Triggers:     make([]model.Rule, 0, len(f.Triggers)),
		Actions:      make([]model.Rule, 0, len(f.Actions)),
	}
	for _, r := range f.Triggers {
		flow.Triggers = append(flow.Triggers, r.Rule(ref.FlowID, model.KindTrigger))
	}
	for _, r := range f.Actions {
		flow.Actions = append(flow.Actions, r.Rule(ref.FlowID, model.KindAction))
	}
	return flow
}

// TemplateAPI is the flows API family for template flows, scoped by
// (orgId, flowId). The organization comes from the session.
type TemplateAPI struct {
	client *Client
}

// NewTemplateAPI creates the template API over client.
func NewTemplateAPI(client *Client) *TemplateAPI {
	return &TemplateAPI{client: client}
}

func (a *TemplateAPI) params(rctx *model.RequestContext, flowID string) map[string]string {
	return map[string]string{"orgId": orgOf(rctx), "flowId": flowID}
}

func (a *TemplateAPI) createRule(ctx context.Context, rctx *model.RequestContext, flowID string, kind model.RuleKind, p model.RulePayload) (model.Rule, error) {
	var out RuleResource
	err := a.client.Do(ctx, rctx, Call{OperationID: createRuleOp(true, kind), PathParams: a.params(rctx, flowID), Body: p}, &out)
	return out.Rule(flowID, kind), err
}

func (a *TemplateAPI) updateRule(ctx context.Context, rctx *model.RequestContext, flowID string, kind model.RuleKind, ruleID string, p model.RulePayload) (model.Rule, error) {
	params := a.params(rctx, flowID)
	params["ruleId"] = ruleID
	var out RuleResource
	err := a.client.Do(ctx, rctx, Call{OperationID: updateRuleOp(true, kind), PathParams: params, Body: p}, &out)
	if out.ID == "" {
		out.ID = ruleID
	}
	return out.Rule(flowID, kind), err
}

func (a *TemplateAPI) deleteRule(ctx context.Context, rctx *model.RequestContext, flowID string, kind model.RuleKind, ruleID string) error {
	params := a.params(rctx, flowID)
	params["ruleId"] = ruleID
	return a.client.Do(ctx, rctx, Call{OperationID: deleteRuleOp(true, kind), PathParams: params}, nil)
}

// CreateTemplateTrigger creates a trigger on a template flow.
func (a *TemplateAPI) CreateTemplateTrigger(ctx context.Context, rctx *model.RequestContext, flowID string, p model.RulePayload) (model.Rule, error) {
	return a.createRule(ctx, rctx, flowID, model.KindTrigger, p)
}

// UpdateTemplateTrigger replaces a trigger on a template flow.
func (a *TemplateAPI) UpdateTemplateTrigger(ctx context.Context, rctx *model.RequestContext, flowID, triggerID string, p model.RulePayload) (model.Rule, error) {
	return a.updateRule(ctx, rctx, flowID, model.KindTrigger, triggerID, p)
}

// CreateTemplateAction creates an action on a template flow.
func (a *TemplateAPI) CreateTemplateAction(ctx context.Context, rctx *model.RequestContext, flowID string, p model.RulePayload) (model.Rule, error) {
	return a.createRule(ctx, rctx, flowID, model.KindAction, p)
}

// UpdateTemplateAction replaces an action on a template flow.
func (a *TemplateAPI) UpdateTemplateAction(ctx context.Context, rctx *model.RequestContext, flowID, actionID string, p model.RulePayload) (model.Rule, error) {
	return a.updateRule(ctx, rctx, flowID, model.KindAction, actionID, p)
}

// UpdateTemplateMetadata updates the name and description of a template flow.
func (a *TemplateAPI) UpdateTemplateMetadata(ctx context.Context, rctx *model.RequestContext, flowID string, p model.FlowMetadataPayload) error {
	return a.client.Do(ctx, rctx, Call{OperationID: OpUpdateTemplateMetadata, PathParams: a.params(rctx, flowID), Body: p}, nil)
}

// DeleteTemplateTrigger deletes a trigger from a template flow.
func (a *TemplateAPI) DeleteTemplateTrigger(ctx context.Context, rctx *model.RequestContext, flowID, triggerID string) error {
	return a.deleteRule(ctx, rctx, flowID, model.KindTrigger, triggerID)
}

// DeleteTemplateAction deletes an action from a template flow.
func (a *TemplateAPI) DeleteTemplateAction(ctx context.Context, rctx *model.RequestContext, flowID, actionID string) error {
	return a.deleteRule(ctx, rctx, flowID, model.KindAction, actionID)
}

// DeleteTemplate deletes a template flow.
func (a *TemplateAPI) DeleteTemplate(ctx context.Context, rctx *model.RequestContext, flowID string) error {
	return a.client.Do(ctx, rctx, Call{OperationID: OpDeleteTemplate, PathParams: a.params(rctx, flowID)}, nil)
}

// GetTemplate loads a template flow with its rules.
func (a *TemplateAPI) GetTemplate(ctx context.Context, rctx *model.RequestContext, flowID string) (model.Flow, error) {
	var out FlowResource
	if err := a.client.Do(ctx, rctx, Call{OperationID: OpGetTemplate, PathParams: a.params(rctx, flowID)}, &out); err != nil {
		return model.Flow{}, err
	}
	return out.Flow(model.FlowRef{IsTemplate: true, FlowID: flowID}), nil
}

// --- scope-generic form used by the lifecycle manager ---

// GetFlow loads the template addressed by ref.
func (a *TemplateAPI) GetFlow(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) (model.Flow, error) {
	if err := a.check(ref); err != nil {
		return model.Flow{}, err
	}
	return a.GetTemplate(ctx, rctx, ref.FlowID)
}

// UpdateMetadata updates the metadata of the template addressed by ref.
func (a *TemplateAPI) UpdateMetadata(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, p model.FlowMetadataPayload) error {
	if err := a.check(ref); err != nil {
		return err
	}
	return a.UpdateTemplateMetadata(ctx, rctx, ref.FlowID, p)
}

// CreateRule creates a rule of kind on the template addressed by ref.
func (a *TemplateAPI) CreateRule(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, p model.RulePayload) (model.Rule, error) {
	if err := a.check(ref); err != nil {
		return model.Rule{}, err
	}
	return a.createRule(ctx, rctx, ref.FlowID, kind, p)
}

// UpdateRule replaces a rule of kind on the template addressed by ref.
func (a *TemplateAPI) UpdateRule(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, ruleID string, p model.RulePayload) (model.Rule, error) {
	if err := a.check(ref); err != nil {
		return model.Rule{}, err
	}
	return a.updateRule(ctx, rctx, ref.FlowID, kind, ruleID, p)
}

// DeleteRule deletes a rule of kind from the template addressed by ref.
func (a *TemplateAPI) DeleteRule(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, ruleID string) error {
	if err := a.check(ref); err != nil {
		return err
	}
	return a.deleteRule(ctx, rctx, ref.FlowID, kind, ruleID)
}

// DeleteFlow deletes the template addressed by ref.
func (a *TemplateAPI) DeleteFlow(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) error {
	if err := a.check(ref); err != nil {
		return err
	}
	return a.DeleteTemplate(ctx, rctx, ref.FlowID)
}

func (a *TemplateAPI) check(ref model.FlowRef) error {
	if !ref.IsTemplate {
		return fmt.Errorf("backend: template API called for %s", ref)
	}
	return nil
}

// EventFlowAPI is the flows API family for event flows, scoped by
// (orgId, eventId, flowId). The organization comes from the session.
type EventFlowAPI struct {
	client *Client
}

// NewEventFlowAPI creates the event flow API over client.
func NewEventFlowAPI(client *Client) *EventFlowAPI {
	return &EventFlowAPI{client: client}
}

func (a *EventFlowAPI) params(rctx *model.RequestContext, eventID, flowID string) map[string]string {
	return map[string]string{"orgId": orgOf(rctx), "eventId": eventID, "flowId": flowID}
}

func (a *EventFlowAPI) createRule(ctx context.Context, rctx *model.RequestContext, eventID, flowID string, kind model.RuleKind, p model.RulePayload) (model.Rule, error) {
	var out RuleResource
	err := a.client.Do(ctx, rctx, Call{OperationID: createRuleOp(false, kind), PathParams: a.params(rctx, eventID, flowID), Body: p}, &out)
	return out.Rule(flowID, kind), err
}

func (a *EventFlowAPI) updateRule(ctx context.Context, rctx *model.RequestContext, eventID, flowID string, kind model.RuleKind, ruleID string, p model.RulePayload) (model.Rule, error) {
	params := a.params(rctx, eventID, flowID)
	params["ruleId"] = ruleID
	var out RuleResource
	err := a.client.Do(ctx, rctx, Call{OperationID: updateRuleOp(false, kind), PathParams: params, Body: p}, &out)
	if out.ID == "" {
		out.ID = ruleID
	}
	return out.Rule(flowID, kind), err
}

func (a *EventFlowAPI) deleteRule(ctx context.Context, rctx *model.RequestContext, eventID, flowID string, kind model.RuleKind, ruleID string) error {
	params := a.params(rctx, eventID, flowID)
	params["ruleId"] = ruleID
	return a.client.Do(ctx, rctx, Call{OperationID: deleteRuleOp(false, kind), PathParams: params}, nil)
}

// CreateEventFlowTrigger creates a trigger on an event flow.
func (a *EventFlowAPI) CreateEventFlowTrigger(ctx context.Context, rctx *model.RequestContext, eventID, flowID string, p model.RulePayload) (model.Rule, error) {
	return a.createRule(ctx, rctx, eventID, flowID, model.KindTrigger, p)
}

// UpdateEventFlowTrigger replaces a trigger on an event flow.
func (a *EventFlowAPI) UpdateEventFlowTrigger(ctx context.Context, rctx *model.RequestContext, eventID, flowID, triggerID string, p model.RulePayload) (model.Rule, error) {
	return a.updateRule(ctx, rctx, eventID, flowID, model.KindTrigger, triggerID, p)
}

// CreateEventFlowAction creates an action on an event flow.
func (a *EventFlowAPI) CreateEventFlowAction(ctx context.Context, rctx *model.RequestContext, eventID, flowID string, p model.RulePayload) (model.Rule, error) {
	return a.createRule(ctx, rctx, eventID, flowID, model.KindAction, p)
}

// UpdateEventFlowAction replaces an action on an event flow.
func (a *EventFlowAPI) UpdateEventFlowAction(ctx context.Context, rctx *model.RequestContext, eventID, flowID, actionID string, p model.RulePayload) (model.Rule, error) {
	return a.updateRule(ctx, rctx, eventID, flowID, model.KindAction, actionID, p)
}

// UpdateEventFlowMetadata updates the name, description and run policy of an event flow.
func (a *EventFlowAPI) UpdateEventFlowMetadata(ctx context.Context, rctx *model.RequestContext, eventID, flowID string, p model.FlowMetadataPayload) error {
	return a.client.Do(ctx, rctx, Call{OperationID: OpUpdateEventFlowMetadata, PathParams: a.params(rctx, eventID, flowID), Body: p}, nil)
}

// DeleteEventFlowTrigger deletes a trigger from an event flow.
func (a *EventFlowAPI) DeleteEventFlowTrigger(ctx context.Context, rctx *model.RequestContext, eventID, flowID, triggerID string) error {
	return a.deleteRule(ctx, rctx, eventID, flowID, model.KindTrigger, triggerID)
}

// DeleteEventFlowAction deletes an action from an event flow.
func (a *EventFlowAPI) DeleteEventFlowAction(ctx context.Context, rctx *model.RequestContext, eventID, flowID, actionID string) error {
	return a.deleteRule(ctx, rctx, eventID, flowID, model.KindAction, actionID)
}

// DeleteEventFlow deletes an event flow.
func (a *EventFlowAPI) DeleteEventFlow(ctx context.Context, rctx *model.RequestContext, eventID, flowID string) error {
	return a.client.Do(ctx, rctx, Call{OperationID: OpDeleteEventFlow, PathParams: a.params(rctx, eventID, flowID)}, nil)
}

// GetEventFlow loads an event flow with its rules.
func (a *EventFlowAPI) GetEventFlow(ctx context.Context, rctx *model.RequestContext, eventID, flowID string) (model.Flow, error) {
	var out FlowResource
	if err := a.client.Do(ctx, rctx, Call{OperationID: OpGetEventFlow, PathParams: a.params(rctx, eventID, flowID)}, &out); err != nil {
		return model.Flow{}, err
	}
	return out.Flow(model.FlowRef{EventID: eventID, FlowID: flowID}), nil
}

// --- scope-generic form used by the lifecycle manager ---

// GetFlow loads the event flow addressed by ref.
func (a *EventFlowAPI) GetFlow(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) (model.Flow, error) {
	if err := a.check(ref); err != nil {
		return model.Flow{}, err
	}
	return a.GetEventFlow(ctx, rctx, ref.EventID, ref.FlowID)
}

// UpdateMetadata updates the metadata of the event flow addressed by ref.
func (a *EventFlowAPI) UpdateMetadata(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, p model.FlowMetadataPayload) error {
	if err := a.check(ref); err != nil {
		return err
	}
	return a.UpdateEventFlowMetadata(ctx, rctx, ref.EventID, ref.FlowID, p)
}

// CreateRule creates a rule of kind on the event flow addressed by ref.
func (a *EventFlowAPI) CreateRule(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, p model.RulePayload) (model.Rule, error) {
	if err := a.check(ref); err != nil {
		return model.Rule{}, err
	}
	return a.createRule(ctx, rctx, ref.EventID, ref.FlowID, kind, p)
}

// UpdateRule replaces a rule of kind on the event flow addressed by ref.
func (a *EventFlowAPI) UpdateRule(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, ruleID string, p model.RulePayload) (model.Rule, error) {
	if err := a.check(ref); err != nil {
		return model.Rule{}, err
	}
	return a.updateRule(ctx, rctx, ref.EventID, ref.FlowID, kind, ruleID, p)
}

// DeleteRule deletes a rule of kind from the event flow addressed by ref.
func (a *EventFlowAPI) DeleteRule(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, ruleID string) error {
	if err := a.check(ref); err != nil {
		return err
	}
	return a.deleteRule(ctx, rctx, ref.EventID, ref.FlowID, kind, ruleID)
}

// DeleteFlow deletes the event flow addressed by ref.
func (a *EventFlowAPI) DeleteFlow(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) error {
	if err := a.check(ref); err != nil {
		return err
	}
	return a.DeleteEventFlow(ctx, rctx, ref.EventID, ref.FlowID)
}

func (a *EventFlowAPI) check(ref model.FlowRef) error {
	if ref.IsTemplate || ref.EventID == "" {
		return fmt.Errorf("backend: event flow API called for %s", ref)
	}
	return nil
}

func orgOf(rctx *model.RequestContext) string {
	if rctx == nil {
		return ""
	}
	return rctx.OrganizationID
}
