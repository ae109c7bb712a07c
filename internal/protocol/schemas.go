package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://spodb.dev/schemas/"

// Schema names.
const (
	SchemaInbound  = "inbound.schema.json"
	SchemaState    = "state.schema.json"
	SchemaSnapshot = "snapshot.schema.json"
	SchemaPong     = "pong.schema.json"
)

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

// Schema returns the compiled embedded schema with the given name.
func Schema(name string) (*jsonschema.Schema, error) {
	schemasOnce.Do(func() { schemas, schemasErr = compileSchemas() })
	if schemasErr != nil {
		return nil, schemasErr
	}
	s, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return s, nil
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, e := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
	}
	out := map[string]*jsonschema.Schema{}
	for _, e := range entries {
		s, err := c.Compile(schemaBase + e.Name())
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", e.Name(), err)
		}
		out[e.Name()] = s
	}
	return out, nil
}

// DecodeInbound validates a client message against the inbound schema and
// returns its routing header.
func DecodeInbound(b []byte) (BaseMessage, error) {
	s, err := Schema(SchemaInbound)
	if err != nil {
		return BaseMessage{}, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return BaseMessage{}, fmt.Errorf("bad json: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return BaseMessage{}, err
	}
	return DecodeBase(b)
}
