package analysis

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vbonduro/nutrilens/internal/domain"
)

// SchemaVersion identifies the response contract. Bump it together with the
// embedded schema file whenever a field changes.
const SchemaVersion = "v1"

// SchemaName is the name the schema is registered under with the model.
const SchemaName = "nutrition_analysis"

//go:embed schema/analysis.v1.json
var schemaV1 []byte

var ErrEmptyResponse = errors.New("model returned an empty response")

// SchemaError reports a response that is not valid JSON or does not conform
// to the schema. It is raised locally before the response is decoded.
type SchemaError struct {
	Version string
	Err     error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("response does not conform to analysis schema %s: %v", e.Version, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Schema returns the JSON Schema document sent to the model.
func Schema() json.RawMessage {
	return json.RawMessage(schemaV1)
}

var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("analysis."+SchemaVersion+".json", string(schemaV1))
})

// Parse validates text against the schema and decodes it.
func Parse(text string) (*domain.AnalysisResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	sch, err := compiled()
	if err != nil {
		return nil, fmt.Errorf("failed to compile analysis schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, &SchemaError{Version: SchemaVersion, Err: err}
	}
	if err := sch.Validate(doc); err != nil {
		return nil, &SchemaError{Version: SchemaVersion, Err: err}
	}

	var result domain.AnalysisResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, &SchemaError{Version: SchemaVersion, Err: err}
	}
	return &result, nil
}
