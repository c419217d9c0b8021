package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "mem://momo/"

// Schemas holds the compiled message and per-operation schemas.
type Schemas struct {
	hello  *jsonschema.Schema
	req    *jsonschema.Schema
	params map[string]*jsonschema.Schema
}

func CompileSchemas() (*Schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		b, err := schemaFS.ReadFile(path.Join("schemas", ent.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+ent.Name(), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", ent.Name(), err)
		}
	}
	compile := func(name string) (*jsonschema.Schema, error) {
		s, err := c.Compile(schemaBase + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		return s, nil
	}

	out := &Schemas{params: map[string]*jsonschema.Schema{}}
	if out.hello, err = compile("hello"); err != nil {
		return nil, err
	}
	if out.req, err = compile("req"); err != nil {
		return nil, err
	}
	for _, op := range Ops {
		s, err := compile(op)
		if err != nil {
			return nil, err
		}
		out.params[op] = s
	}
	return out, nil
}

var (
	schemasOnce sync.Once
	schemas     *Schemas
)

// defaultSchemas panics if the embedded schemas do not compile; that is a build defect.
func defaultSchemas() *Schemas {
	schemasOnce.Do(func() {
		s, err := CompileSchemas()
		if err != nil {
			panic(err)
		}
		schemas = s
	})
	return schemas
}

func (s *Schemas) ValidateHello(raw []byte) error { return validateRaw(s.hello, raw) }

func (s *Schemas) ValidateReq(raw []byte) error { return validateRaw(s.req, raw) }

func (s *Schemas) ValidateParams(op string, raw []byte) error {
	sch, ok := s.params[op]
	if !ok {
		return fmt.Errorf("unknown op %q", op)
	}
	return validateRaw(sch, raw)
}

func validateRaw(s *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}

// ValidateHello checks a raw HELLO message against the embedded schema.
func ValidateHello(raw []byte) error { return defaultSchemas().ValidateHello(raw) }

// ValidateReq checks a raw REQ envelope against the embedded schema.
func ValidateReq(raw []byte) error { return defaultSchemas().ValidateReq(raw) }
