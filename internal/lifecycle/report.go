package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/flowdesk/model"
)

// Operation names one remote call issued by a save.
type Operation string

const (
	OpMetadata Operation = "metadata"
	OpCreate   Operation = "create"
	OpUpdate   Operation = "update"
)

// ItemResult is the outcome of one call of a save. Kind and LocalID are
// empty for the metadata update.
type ItemResult struct {
	Kind      model.RuleKind `json:"kind,omitempty"`
	LocalID   string         `json:"localId,omitempty"`
	Operation Operation      `json:"operation"`
	ServerID  string         `json:"serverId,omitempty"`
	Err       error          `json:"-"`
}

// OK reports whether the call succeeded.
func (r ItemResult) OK() bool {
	return r.Err == nil
}

// Item returns "metadata" or "<collection>/<local id>".
func (r ItemResult) Item() string {
	if r.Operation == OpMetadata {
		return string(OpMetadata)
	}
	return r.Kind.Collection() + "/" + r.LocalID
}

// SaveReport lists every call a save issued, in issue order: the metadata
// update, then triggers, then actions.
type SaveReport struct {
	Ref      model.FlowRef
	Results  []ItemResult
	Duration time.Duration
}

// Calls returns the number of remote calls issued.
func (r SaveReport) Calls() int {
	return len(r.Results)
}

// Failed returns the results whose call failed.
func (r SaveReport) Failed() []ItemResult {
	var out []ItemResult
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Count returns how many calls of op were issued.
func (r SaveReport) Count(op Operation) int {
	n := 0
	for _, res := range r.Results {
		if res.Operation == op {
			n++
		}
	}
	return n
}

// SaveError is returned when at least one call of a save failed. The flow
// is left exactly as it was before the save.
type SaveError struct {
	Ref    model.FlowRef
	Failed []ItemResult
}

func (e *SaveError) Error() string {
	items := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		items = append(items, fmt.Sprintf("%s %s: %v", f.Operation, f.Item(), f.Err))
	}
	return fmt.Sprintf("save %s: %d call(s) failed: %s", e.Ref, len(e.Failed), strings.Join(items, "; "))
}

// Unwrap exposes the individual call errors to errors.Is and errors.As.
func (e *SaveError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// Envelope converts the failure into a SAVE_FAILED envelope with one detail
// per failed call.
func (e *SaveError) Envelope() *model.ErrorEnvelope {
	details := make([]model.FieldError, 0, len(e.Failed))
	for _, f := range e.Failed {
		code := model.ErrInternalError
		msg := f.Err.Error()
		if ee, ok := model.AsEnvelope(f.Err); ok {
			code = ee.Code
			msg = ee.Message
		}
		details = append(details, model.FieldError{
			Field:   f.Item(),
			Code:    code,
			Message: fmt.Sprintf("%s failed: %s", f.Operation, msg),
		})
	}
	return model.NewSaveFailedError(details)
}

// AsSaveError extracts a *SaveError from err.
func AsSaveError(err error) (*SaveError, bool) {
	var se *SaveError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Reapply carries a successful save over to f, a copy of the saved flow that
// was edited while the save ran. Rules the save wrote become persisted under
// their server id. Rules added since stay unpersisted.
func (r SaveReport) Reapply(f, saved model.Flow) model.Flow {
	out := f.Clone()
	for _, kind := range []model.RuleKind{model.KindTrigger, model.KindAction} {
		written := make(map[string]string)
		for _, res := range r.Results {
			if res.Operation != OpMetadata && res.Kind == kind && res.OK() {
				written[res.LocalID] = res.ServerID
			}
		}
		rules := out.Rules(kind)
		for i := range rules {
			id, ok := written[rules[i].ID]
			if !ok {
				continue
			}
			if s, found := saved.Find(kind, id); found {
				rules[i].CreatedAt = s.CreatedAt
			}
			rules[i].ID = id
			rules[i].ExistInDB = true
		}
	}
	return out
}
