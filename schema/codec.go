package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agora-sim/agora/fault"
)

// Codec encodes and decodes pipeline messages, validating every payload
// against the registry schema for its subject. Validation failures are
// permanent schema faults; registry fetch failures are returned as-is so
// the error handler treats them as transient — either way nothing
// unvalidated crosses the codec.
type Codec struct {
	registry Registry
}

// NewCodec creates a codec over the given registry.
func NewCodec(registry Registry) *Codec {
	return &Codec{registry: registry}
}

// Encode marshals v to JSON and validates it against the subject schema.
func (c *Codec) Encode(ctx context.Context, subject string, v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &fault.SchemaError{Subject: subject, Reason: err.Error()}
	}
	if err := c.validate(ctx, subject, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Decode validates raw against the subject schema and unmarshals it into v.
func (c *Codec) Decode(ctx context.Context, subject string, raw []byte, v interface{}) error {
	if err := c.validate(ctx, subject, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &fault.SchemaError{Subject: subject, Reason: err.Error()}
	}
	return nil
}

func (c *Codec) validate(ctx context.Context, subject string, raw []byte) error {
	s, err := c.registry.Schema(ctx, subject)
	if err != nil {
		// Fail closed. The registry being down must stop publishing, not
		// let unvalidated messages through.
		return fmt.Errorf("schema: fetching schema for %s: %w", subject, err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &fault.SchemaError{Subject: subject, Reason: "payload is not a JSON object"}
	}

	for _, field := range s.Required {
		v, ok := lookup(payload, field)
		if !ok || v == nil {
			return &fault.SchemaError{Subject: subject, Reason: fmt.Sprintf("missing required field %q", field)}
		}
	}
	for field, allowed := range s.Enums {
		v, ok := lookup(payload, field)
		if !ok {
			continue // absence is caught by Required if the field is mandatory
		}
		str, ok := v.(string)
		if !ok {
			return &fault.SchemaError{Subject: subject, Reason: fmt.Sprintf("field %q is not a string", field)}
		}
		if !contains(allowed, str) {
			return &fault.SchemaError{Subject: subject, Reason: fmt.Sprintf("field %q has value %q outside the closed set %v", field, str, allowed)}
		}
	}
	return nil
}

// lookup resolves a dotted field path in a decoded JSON object.
func lookup(payload map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = payload
	for _, p := range parts {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
