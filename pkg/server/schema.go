package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chazu/brickforge/pkg/brick"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const paramsSchemaURL = "https://brickforge.dev/schemas/parameters.json"

// paramsSchema checks the shape of a parameter body. Ranges are left to
// brick.Parameters.Validate so that out-of-range values surface as
// InvalidParameters build failures.
const paramsSchema = `{
  "type": "object",
  "properties": {
    "length":    {"type": "integer"},
    "width":     {"type": "integer"},
    "height":    {"type": "integer"},
    "withStuds": {"type": "boolean"},
    "tolerance": {"type": "number"}
  },
  "additionalProperties": false
}`

const maxParamsBody = 16 << 10

func compileParamsSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(paramsSchemaURL, strings.NewReader(paramsSchema)); err != nil {
		return nil, fmt.Errorf("server: add parameters schema: %w", err)
	}
	s, err := c.Compile(paramsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("server: compile parameters schema: %w", err)
	}
	return s, nil
}

// decodeParams reads a parameter body. Fields the body leaves out keep
// their value in base. On failure it has already written a 400.
func (s *Server) decodeParams(w http.ResponseWriter, r *http.Request, base brick.Parameters) (brick.Parameters, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxParamsBody+1))
	if err != nil {
		writeBadRequest(w, "read body: "+err.Error())
		return base, false
	}
	if len(raw) > maxParamsBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "parameter body too large"})
		return base, false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return base, true
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		writeBadRequest(w, "malformed JSON: "+err.Error())
		return base, false
	}
	if err := s.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			writeBadRequest(w, "parameters do not match schema", schemaDetails(ve)...)
		} else {
			writeBadRequest(w, err.Error())
		}
		return base, false
	}

	p := base
	if err := json.Unmarshal(raw, &p); err != nil {
		writeBadRequest(w, "decode parameters: "+err.Error())
		return base, false
	}
	return p, true
}

// schemaDetails flattens a validation error into its leaf messages.
func schemaDetails(ve *jsonschema.ValidationError) []errorDetail {
	var out []errorDetail
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, errorDetail{Location: e.InstanceLocation, Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
