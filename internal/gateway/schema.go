package gateway

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/clawmesh/internal/apperr"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// requestSchemas are compiled once at package init; a broken embedded
// schema is a programming error.
var (
	createSessionSchema = mustCompileSchema("create_session.json")
	agentTaskSchema     = mustCompileSchema("agent_task.json")
)

func mustCompileSchema(name string) *jsonschema.Schema {
	raw, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("read schema %s: %v", name, err))
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("unmarshal schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// decodeValidated reads the body (bounded by maxBytes), validates it against
// schema and decodes it into dst. Every failure is a validation error.
func decodeValidated(w http.ResponseWriter, r *http.Request, maxBytes int64, schema *jsonschema.Schema, dst any) error {
	body := io.Reader(r.Body)
	if maxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Wrap(apperr.CodeValidation, err, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return apperr.Wrap(apperr.CodeValidation, err, "request body could not be read")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return apperr.New(apperr.CodeValidation, "request body is empty")
	}

	// jsonschema wants json.Number for numeric validation.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "request body is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid request: "+schemaProblems(err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "request body is not valid JSON")
	}
	return nil
}

// schemaProblems flattens a validation error into one line.
func schemaProblems(err error) string {
	lines := strings.Split(err.Error(), "\n")
	var out []string
	for _, line := range lines[1:] {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return strings.TrimSpace(lines[0])
	}
	return strings.Join(out, "; ")
}
