// Package openapi loads the contentflow API description and indexes its
// operations by operationId, validating request bodies against their
// schemas.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/contentflow/model"
)

//go:embed contentflow.yaml
var document []byte

// Operation holds a resolved OpenAPI operation.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
}

// Index is an in-memory index of the API's operations keyed by operationId.
type Index struct {
	raw        []byte
	operations map[string]Operation
}

// Load parses and indexes the embedded API description.
func Load() (*Index, error) {
	return LoadData(document)
}

// LoadData parses, validates and indexes an OpenAPI document.
func LoadData(data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	idx := &Index{raw: data, operations: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			if _, dup := idx.operations[op.OperationID]; dup {
				return nil, fmt.Errorf("openapi: duplicate operationId %q", op.OperationID)
			}

			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0, len(item.Parameters)+len(op.Parameters))
			for _, refs := range []openapi3.Parameters{item.Parameters, op.Parameters} {
				for _, ref := range refs {
					if ref.Value != nil {
						params = append(params, ref.Value)
					}
				}
			}

			var body *openapi3.RequestBody
			if op.RequestBody != nil {
				body = op.RequestBody.Value
			}
			idx.operations[op.OperationID] = Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  body,
			}
		}
	}
	return idx, nil
}

// Document returns the raw API description.
func (idx *Index) Document() []byte {
	return idx.raw
}

// Operation returns the indexed operation.
func (idx *Index) Operation(operationID string) (Operation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// OperationIDs returns all operation IDs, sorted.
func (idx *Index) OperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest checks a JSON request body against the operation's
// request schema. It returns a BAD_REQUEST envelope for unparsable JSON and
// a VALIDATION_ERROR envelope listing every schema violation.
func (idx *Index) ValidateRequest(operationID string, body []byte) error {
	op, ok := idx.operations[operationID]
	if !ok {
		return fmt.Errorf("openapi: operation %q not found", operationID)
	}
	if op.RequestBody == nil {
		return nil
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if op.RequestBody.Required {
			return model.NewValidationError([]model.FieldError{{Code: "required", Message: "request body is required"}})
		}
		return nil
	}

	media := op.RequestBody.Content.Get("application/json")
	if media == nil || media.Schema == nil || media.Schema.Value == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	if err := media.Schema.Value.VisitJSON(value, openapi3.MultiErrors()); err != nil {
		return model.NewValidationError(fieldErrors(err))
	}
	return nil
}

func fieldErrors(err error) []model.FieldError {
	switch e := err.(type) {
	case openapi3.MultiError:
		var out []model.FieldError
		for _, inner := range e {
			out = append(out, fieldErrors(inner)...)
		}
		return out
	case *openapi3.SchemaError:
		return []model.FieldError{{
			Field:   strings.Join(e.JSONPointer(), "."),
			Code:    e.SchemaField,
			Message: e.Reason,
		}}
	default:
		return []model.FieldError{{Code: "invalid", Message: err.Error()}}
	}
}
