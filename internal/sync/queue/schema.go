package queue

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks payloads against per-type JSON schemas before they are
// queued.
type Validator struct {
	mu      sync.RWMutex
	schemas map[models.EntryType]*jsonschema.Schema
}

// NewValidator compiles the built-in schema of every entry type.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[models.EntryType]*jsonschema.Schema)}
	for _, t := range []models.EntryType{
		models.EntryMessage,
		models.EntryTransaction,
		models.EntryWallet,
		models.EntryProduct,
		models.EntryGeneric,
	} {
		raw, err := schemaFS.ReadFile("schemas/" + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", t, err)
		}
		if err := v.Register(t, raw); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Register replaces the schema used for entry type t.
func (v *Validator) Register(t models.EntryType, schemaJSON []byte) error {
	if !json.Valid(schemaJSON) {
		return apperrors.Newf(apperrors.ErrInvalid, "schema for %s is not valid json", t)
	}
	compiled, err := compileSchema(string(t), schemaJSON)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "compile schema for "+string(t), err)
	}
	v.mu.Lock()
	v.schemas[t] = compiled
	v.mu.Unlock()
	return nil
}

// Validate checks p against the schema of its type. Types without a schema
// pass.
func (v *Validator) Validate(p models.Payload) error {
	if p == nil {
		return apperrors.New(apperrors.ErrValidation, "payload is required")
	}
	v.mu.RLock()
	sch, ok := v.schemas[p.EntryType()]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	doc, err := payloadDocument(p)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
	}
	if err := sch.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return apperrors.Newf(apperrors.ErrValidation, "invalid %s payload: %s",
				p.EntryType(), strings.Join(collectValidationErrors(ve), "; "))
		}
		return apperrors.Wrap(apperrors.ErrValidation, "invalid "+string(p.EntryType())+" payload", err)
	}
	return nil
}

func compileSchema(name string, schemaJSON []byte) (*jsonschema.Schema, error) {
	url := name + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// payloadDocument returns the JSON value the server would receive.
func payloadDocument(p models.Payload) (any, error) {
	b, err := requestBody(p)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// collectValidationErrors flattens the validation tree into leaf messages.
func collectValidationErrors(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var msgs []string
	for _, c := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(c)...)
	}
	return msgs
}
