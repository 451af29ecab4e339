// Package openapi indexes OpenAPI descriptions of the flows API by
// operationId and checks outgoing request bodies against them.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource is one description to index. Data wins over SpecPath. BaseURL
// overrides the first servers entry of the document.
type SpecSource struct {
	ServiceID string
	BaseURL   string
	SpecPath  string
	Data      []byte
}

func (s SpecSource) String() string {
	if len(s.Data) > 0 {
		return s.ServiceID + " (embedded)"
	}
	return s.ServiceID + " (" + s.SpecPath + ")"
}

// IndexedOperation is an operation resolved from a description.
type IndexedOperation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
	BaseURL      string
}

// PathParamNames lists the path parameters in declaration order.
func (op IndexedOperation) PathParamNames() []string {
	var names []string
	for _, p := range op.Parameters {
		if p.In == openapi3.ParameterInPath {
			names = append(names, p.Name)
		}
	}
	return names
}

// jsonSchema returns the application/json request schema, if any.
func (op IndexedOperation) jsonSchema() *openapi3.Schema {
	if op.RequestBody == nil {
		return nil
	}
	mt := op.RequestBody.Content.Get("application/json")
	if mt == nil || mt.Schema == nil {
		return nil
	}
	return mt.Schema.Value
}

// ValidationError is one problem found in a request body.
type ValidationError struct {
	Field   string
	Message string
}

// Index holds the operations of each loaded service.
type Index struct {
	mu       sync.RWMutex
	services map[string]map[string]IndexedOperation
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{services: make(map[string]map[string]IndexedOperation)}
}

// Load indexes every source. Sources replace earlier loads of the same
// service. If any source fails to load or validate, nothing changes.
func (idx *Index) Load(specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	loaded := make(map[string]map[string]IndexedOperation, len(specs))
	for _, src := range specs {
		doc, err := loadDoc(loader, src)
		if err != nil {
			return fmt.Errorf("openapi: load %s: %w", src, err)
		}
		if err := doc.Validate(context.Background()); err != nil {
			return fmt.Errorf("openapi: validate %s: %w", src, err)
		}
		ops, err := indexDocument(src, doc)
		if err != nil {
			return err
		}
		loaded[src.ServiceID] = ops
	}

	idx.mu.Lock()
	maps.Copy(idx.services, loaded)
	idx.mu.Unlock()
	return nil
}

func loadDoc(loader *openapi3.Loader, src SpecSource) (*openapi3.T, error) {
	if len(src.Data) > 0 {
		return loader.LoadFromData(src.Data)
	}
	return loader.LoadFromFile(src.SpecPath)
}

func indexDocument(src SpecSource, doc *openapi3.T) (map[string]IndexedOperation, error) {
	baseURL := src.BaseURL
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	ops := make(map[string]IndexedOperation)
	for _, path := range doc.Paths.InMatchingOrder() {
		item := doc.Paths.Value(path)
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			if _, dup := ops[op.OperationID]; dup {
				return nil, fmt.Errorf("openapi: %s: duplicate operationId %q", src.ServiceID, op.OperationID)
			}
			indexed := IndexedOperation{
				ServiceID:    src.ServiceID,
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   mergeParameters(item.Parameters, op.Parameters),
				Responses:    op.Responses,
				BaseURL:      baseURL,
			}
			if op.RequestBody != nil {
				indexed.RequestBody = op.RequestBody.Value
			}
			ops[op.OperationID] = indexed
		}
	}
	return ops, nil
}

// mergeParameters appends operation parameters to path item parameters. An
// operation parameter replaces a path item parameter with the same name and
// location.
func mergeParameters(pathLevel, opLevel openapi3.Parameters) []*openapi3.Parameter {
	var out []*openapi3.Parameter
	for _, ref := range pathLevel {
		if ref.Value != nil && opLevel.GetByInAndName(ref.Value.In, ref.Value.Name) == nil {
			out = append(out, ref.Value)
		}
	}
	for _, ref := range opLevel {
		if ref.Value != nil {
			out = append(out, ref.Value)
		}
	}
	return out
}

// Loaded reports whether any operation is indexed.
func (idx *Index) Loaded() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, ops := range idx.services {
		if len(ops) > 0 {
			return true
		}
	}
	return false
}

// GetOperation looks up operationID of serviceID.
func (idx *Index) GetOperation(serviceID, operationID string) (IndexedOperation, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	op, ok := idx.services[serviceID][operationID]
	return op, ok
}

// AllOperationIDs returns the operation ids of serviceID, sorted.
func (idx *Index) AllOperationIDs(serviceID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return slices.Sorted(maps.Keys(idx.services[serviceID]))
}

// Require fails naming every operationID the service does not describe.
func (idx *Index) Require(serviceID string, operationIDs ...string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var errs []error
	for _, id := range operationIDs {
		if _, ok := idx.services[serviceID][id]; !ok {
			errs = append(errs, fmt.Errorf("operation %s/%s not described", serviceID, id))
		}
	}
	return errors.Join(errs...)
}

// ValidateRequest checks body against the JSON request schema of the
// operation. Missing required properties are reported on their own first;
// type and enum problems only once all required properties are present.
func (idx *Index) ValidateRequest(serviceID, operationID string, body map[string]any) []ValidationError {
	op, ok := idx.GetOperation(serviceID, operationID)
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s/%s not found", serviceID, operationID)}}
	}
	schema := op.jsonSchema()
	if schema == nil {
		return nil
	}

	var missing []ValidationError
	for _, name := range schema.Required {
		if _, ok := body[name]; !ok {
			missing = append(missing, ValidationError{Field: name, Message: name + " is required"})
		}
	}
	if len(missing) > 0 {
		return missing
	}

	err := schema.VisitJSON(body, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	var me openapi3.MultiError
	if !errors.As(err, &me) {
		return []ValidationError{schemaError(err)}
	}
	out := make([]ValidationError, 0, len(me))
	for _, e := range me {
		out = append(out, schemaError(e))
	}
	return out
}

func schemaError(err error) ValidationError {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return ValidationError{Field: strings.Join(se.JSONPointer(), "."), Message: se.Reason}
	}
	return ValidationError{Message: err.Error()}
}
