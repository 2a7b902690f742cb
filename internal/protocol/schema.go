// ABOUTME: Embedded JSON Schemas for every frame type, compiled once at init
// ABOUTME: Frames are validated against their type's schema before being decoded into structs

package protocol

import (
	"bytes"
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// schemas maps a frame type to its compiled schema.
var schemas map[string]*jsonschema.Schema

func init() {
	compiled, err := compileSchemas()
	if err != nil {
		panic("protocol: schema compilation failed: " + err.Error())
	}
	schemas = compiled
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}

	c := jsonschema.NewCompiler()
	var names []string
	for _, entry := range entries {
		file := path.Join("schemas", entry.Name())
		data, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", file, err)
		}
		if err := c.AddResource(file, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", file, err)
		}
		names = append(names, entry.Name())
	}

	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		sch, err := c.Compile(path.Join("schemas", name))
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		out[strings.TrimSuffix(name, ".json")] = sch
	}
	return out, nil
}
