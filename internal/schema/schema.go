// Package schema validates instance configuration against a service
// definition's JSON Schema.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Violation is one field-level configuration problem.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator compiles schemas once and caches them by content hash.
// Safe for concurrent use.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates an empty Validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks config against schemaDoc. It returns the violations found,
// or an error when the schema itself cannot be compiled. An empty schema
// accepts any JSON object.
func (v *Validator) Validate(schemaDoc, config json.RawMessage) ([]Violation, error) {
	var instance any
	dec := json.NewDecoder(bytes.NewReader(config))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return []Violation{{Field: "configuration", Message: "Must be valid JSON"}}, nil
	}
	if _, ok := instance.(map[string]any); !ok {
		return []Violation{{Field: "configuration", Message: "Must be a JSON object"}}, nil
	}

	if len(bytes.TrimSpace(schemaDoc)) == 0 || string(bytes.TrimSpace(schemaDoc)) == "null" {
		return nil, nil
	}

	sch, err := v.compile(schemaDoc)
	if err != nil {
		return nil, err
	}

	err = sch.Validate(instance)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return flatten(ve), nil
}

func (v *Validator) compile(schemaDoc json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(schemaDoc)
	key := hex.EncodeToString(sum[:])

	v.mu.RLock()
	sch, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok {
		return sch, nil
	}

	url := "mem://definitions/" + key + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(schemaDoc)); err != nil {
		return nil, fmt.Errorf("load config schema: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	v.mu.Lock()
	v.compiled[key] = sch
	v.mu.Unlock()
	return sch, nil
}

// flatten reduces a validation error tree to its leaves, sorted by field.
func flatten(ve *jsonschema.ValidationError) []Violation {
	var out []Violation
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, Violation{Field: fieldName(e.InstanceLocation), Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// fieldName turns a JSON pointer such as /limits/memory into limits.memory.
func fieldName(pointer string) string {
	p := strings.Trim(pointer, "/")
	if p == "" {
		return "configuration"
	}
	return "configuration." + strings.ReplaceAll(p, "/", ".")
}
