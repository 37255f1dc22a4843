// Package schema validates JSON recovered from model output against embedded
// JSON schemas and decodes it into model types. Decoding is permissive: a
// field that is missing or has the wrong shape gets its default, and every
// such decision is recorded in Diagnostics so it stays observable.
package schema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Name identifies an embedded schema.
type Name string

const (
	QuestionNode Name = "question_node"
	Annotation   Name = "annotation"
	Grade        Name = "grade"
	Advice       Name = "advice"
	TableAnswer  Name = "table_answer"
)

var all = []Name{QuestionNode, Annotation, Grade, Advice, TableAnswer}

var (
	compileOnce sync.Once
	compileErr  error
	compiled    map[Name]*jsonschema.Schema
)

func url(n Name) string {
	return "mem://examforge/schemas/" + string(n) + ".json"
}

func compile() error {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for _, n := range all {
			data, err := schemaFS.ReadFile("schemas/" + string(n) + ".json")
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", n, err)
				return
			}
			if err := c.AddResource(url(n), bytes.NewReader(data)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", n, err)
				return
			}
		}
		compiled = make(map[Name]*jsonschema.Schema, len(all))
		for _, n := range all {
			s, err := c.Compile(url(n))
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", n, err)
				return
			}
			compiled[n] = s
		}
	})
	return compileErr
}

// Check validates v, a value produced by encoding/json, and returns one
// message per leaf violation. A nil result means v is valid.
func Check(name Name, v any) []string {
	if err := compile(); err != nil {
		return []string{err.Error()}
	}
	s, ok := compiled[name]
	if !ok {
		return []string{"unknown schema " + string(name)}
	}
	err := s.Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	return leaves(ve, nil)
}

func leaves(e *jsonschema.ValidationError, out []string) []string {
	if len(e.Causes) == 0 {
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return append(out, loc+": "+e.Message)
	}
	for _, c := range e.Causes {
		out = leaves(c, out)
	}
	return out
}

// Diagnostics records schema violations and the defaults applied while decoding.
type Diagnostics struct {
	Violations []string `json:"violations,omitempty"`
	Defaults   []string `json:"defaults,omitempty"`
	Dropped    []string `json:"dropped,omitempty"`
}

// Clean reports whether decoding needed no defaults and found no violations.
func (d Diagnostics) Clean() bool {
	return len(d.Violations) == 0 && len(d.Defaults) == 0 && len(d.Dropped) == 0
}

func (d *Diagnostics) defaulted(path, field string) {
	d.Defaults = append(d.Defaults, path+"."+field)
}

func (d *Diagnostics) violations(path string, msgs []string) {
	for _, m := range msgs {
		d.Violations = append(d.Violations, path+" "+m)
	}
}

// Merge appends o's entries.
func (d *Diagnostics) Merge(o Diagnostics) {
	d.Violations = append(d.Violations, o.Violations...)
	d.Defaults = append(d.Defaults, o.Defaults...)
	d.Dropped = append(d.Dropped, o.Dropped...)
}

// Result is a decoded value plus what it took to get there.
type Result[T any] struct {
	Value T
	Diagnostics
}
