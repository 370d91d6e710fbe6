// Package schema validates record payloads against an optional JSON Schema. The same
// validator runs on the client, rejecting bad commands before a task exists, and on the
// server, rejecting bad submissions with a 422.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const resourceURL = "syncpipe://payload.schema.json"

// Validator checks payload bytes. A nil *Validator only enforces the size limits.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles a JSON Schema document.
func New(schemaJSON []byte) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse payload schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	sch, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// Load compiles the schema stored at path. An empty path yields a nil Validator.
func Load(path string) (*Validator, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload schema: %w", err)
	}
	return New(raw)
}

// Validate returns a *models.ValidationError describing the first problem, or nil.
func (v *Validator) Validate(payload []byte) error {
	if err := models.ValidatePayload(payload); err != nil {
		return models.NewValidationError(err)
	}
	if v == nil || v.schema == nil {
		return nil
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &models.ValidationError{Reason: "payload is not valid JSON", Err: err}
	}
	if err := v.schema.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &models.ValidationError{Reason: ve.Error(), Err: err}
		}
		return models.NewValidationError(err)
	}
	return nil
}

// ValidateOperation checks an operation received from a client.
func (v *Validator) ValidateOperation(op models.Operation) error {
	if err := op.Validate(); err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			return err
		}
		return models.NewValidationError(err)
	}
	if op.Kind == models.OperationDelete {
		return nil
	}
	return v.Validate(op.Payload)
}
