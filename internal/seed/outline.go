// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package seed imports world outlines written in YAML.
//
// An outline names a world and nests its entities:
//
//	world:
//	  name: Aerth
//	  owner: user-1
//	entities:
//	  - name: Northern Reach
//	    type: location
//	    children:
//	      - name: Prancing Pony
//	        type: location
package seed

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/worldtree/internal/world"
)

// SchemaID is the $id of the outline schema.
const SchemaID = "https://holomush.dev/schemas/worldtree-seed.schema.json"

// Outline is a seed file.
type Outline struct {
	World    WorldSpec    `yaml:"world"`
	Entities []EntitySpec `yaml:"entities,omitempty"`
}

// WorldSpec describes the world to create or reuse.
type WorldSpec struct {
	// ID is optional; a fixed ID makes reseeding target the same world.
	ID    string `yaml:"id,omitempty" jsonschema:"pattern=^[0-9A-HJKMNP-TV-Z]{26}$"`
	Name  string `yaml:"name" jsonschema:"minLength=1,maxLength=200"`
	Owner string `yaml:"owner" jsonschema:"minLength=1"`
}

// EntitySpec describes one entity and its children.
type EntitySpec struct {
	Name        string         `yaml:"name" jsonschema:"minLength=1,maxLength=200"`
	Type        string         `yaml:"type"`
	Description string         `yaml:"description,omitempty" jsonschema:"maxLength=10000"`
	Tags        []string       `yaml:"tags,omitempty" jsonschema:"maxItems=50"`
	Properties  map[string]any `yaml:"properties,omitempty"`
	Children    []EntitySpec   `yaml:"children,omitempty"`
}

// JSONSchemaExtend restricts type to the known entity types.
func (EntitySpec) JSONSchemaExtend(s *jsonschema.Schema) {
	if p, ok := s.Properties.Get("type"); ok {
		for _, info := range world.EntityTypes() {
			p.Enum = append(p.Enum, info.Type.String())
		}
	}
}

// GenerateSchema returns the JSON schema of seed files.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{FieldNameTag: "yaml"}
	schema := r.Reflect(&Outline{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "worldtree seed outline"
	schema.Description = "Schema for YAML world outlines imported by worldtree seed"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.Code("SCHEMA_GENERATE_FAILED").Wrap(err)
	}
	return data, nil
}

var compiledSchema = sync.OnceValues(func() (*jschema.Schema, error) {
	data, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
	}
	c := jschema.NewCompiler()
	if err := c.AddResource(SchemaID, doc); err != nil {
		return nil, oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
	}
	sch, err := c.Compile(SchemaID)
	if err != nil {
		return nil, oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
	}
	return sch, nil
})

// Parse validates data against the outline schema and decodes it.
func Parse(data []byte) (*Outline, error) {
	if len(data) == 0 {
		return nil, oops.Code("SEED_INVALID").Errorf("seed file is empty")
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.Code("SEED_INVALID").With("stage", "yaml").Wrap(err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(jsonCompatible(doc)); err != nil {
		return nil, oops.Code("SEED_INVALID").With("stage", "schema").Wrap(err)
	}

	var out Outline
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, oops.Code("SEED_INVALID").With("stage", "decode").Wrap(err)
	}
	return &out, nil
}

// jsonCompatible rewrites YAML-decoded values into the shapes JSON decoding yields.
func jsonCompatible(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonCompatible(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonCompatible(item)
		}
		return out
	case string, bool, int, int64, float64, nil:
		return val
	default:
		if b, err := json.Marshal(val); err == nil {
			var decoded any
			if json.Unmarshal(b, &decoded) == nil {
				return decoded
			}
		}
		return val
	}
}
