// Package validation checks hand-edited fixture documents before they are
// loaded into a match store.
package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed fixture.schema.json
var fixtureSchema []byte

const fixtureSchemaURL = "fixture.schema.json"

// Validation errors.
var (
	ErrInvalidJSON = errors.New("invalid JSON syntax")
	ErrSchema      = errors.New("fixture does not match schema")
)

// Issue is one schema violation.
type Issue struct {
	// Location is a JSON pointer into the fixture, e.g. "/3f2a.../0/res/status".
	Location string `json:"location"`
	Message  string `json:"message"`
}

// SchemaError lists every violation found in a fixture.
type SchemaError struct {
	Issues []Issue
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		loc := is.Location
		if loc == "" {
			loc = "/"
		}
		parts = append(parts, loc+": "+is.Message)
	}
	return fmt.Sprintf("%s: %s", ErrSchema, strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrSchema) true.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(fixtureSchemaURL, bytes.NewReader(fixtureSchema)); err != nil {
			compileErr = fmt.Errorf("failed to add fixture schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(fixtureSchemaURL)
	})
	return compiled, compileErr
}

// ValidateFixture checks that data is a fixture document. Empty data is valid
// and stands for an empty store.
func ValidateFixture(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	s, err := schema()
	if err != nil {
		return err
	}

	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			result := &SchemaError{}
			collectIssues(ve, result)
			return result
		}
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

// collectIssues flattens the leaves of a validation error tree.
func collectIssues(err *jsonschema.ValidationError, result *SchemaError) {
	if len(err.Causes) == 0 {
		result.Issues = append(result.Issues, Issue{
			Location: err.InstanceLocation,
			Message:  err.Message,
		})
		return
	}
	for _, cause := range err.Causes {
		collectIssues(cause, result)
	}
}
