// Package schema implements the schema-validated serializer used for every
// message the pipeline publishes or consumes. Payloads are validated
// against a per-subject schema fetched from a registry; if the registry is
// unreachable the codec fails closed rather than passing messages through
// unvalidated.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agora-sim/agora/broker"
)

// Schema describes the validation rules for one subject: the fields a
// payload must carry and the closed value sets for enum fields. Field
// names use dotted paths for nested objects.
type Schema struct {
	Subject  string              `json:"subject"`
	Required []string            `json:"required"`
	Enums    map[string][]string `json:"enums,omitempty"`
}

// Registry resolves subjects to schemas.
type Registry interface {
	// Schema returns the latest schema for the subject. An unreachable
	// registry is an error; callers must fail closed.
	Schema(ctx context.Context, subject string) (*Schema, error)

	// Healthy reports whether the registry is reachable.
	Healthy(ctx context.Context) error
}

// HTTPRegistry fetches schemas from a registry service over HTTP. Schemas
// are immutable per (subject, version), so successful fetches are cached
// for the life of the process.
type HTTPRegistry struct {
	base   string
	client *http.Client

	mu    sync.RWMutex
	cache map[string]*Schema
}

// NewHTTPRegistry creates a registry client against the given base URL.
func NewHTTPRegistry(base string) *HTTPRegistry {
	return &HTTPRegistry{
		base:   base,
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  make(map[string]*Schema),
	}
}

// Schema implements Registry.
func (r *HTTPRegistry) Schema(ctx context.Context, subject string) (*Schema, error) {
	r.mu.RLock()
	if s, ok := r.cache[subject]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	url := fmt.Sprintf("%s/subjects/%s/versions/latest", r.base, subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("schema: registry unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("schema: registry returned %d for subject %s", resp.StatusCode, subject)
	}
	var s Schema
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("schema: decoding registry response for %s: %w", subject, err)
	}
	if s.Subject == "" {
		s.Subject = subject
	}

	r.mu.Lock()
	r.cache[subject] = &s
	r.mu.Unlock()
	return &s, nil
}

// Healthy implements Registry.
func (r *HTTPRegistry) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/subjects", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("schema: registry unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("schema: registry returned %d", resp.StatusCode)
	}
	return nil
}

var _ Registry = (*HTTPRegistry)(nil)

// StaticRegistry is an in-memory registry preloaded with the pipeline's
// subjects. Used in tests and in single-process deployments that have no
// external registry.
type StaticRegistry struct {
	schemas map[string]*Schema
}

// NewStaticRegistry creates a registry over the given schemas.
func NewStaticRegistry(schemas ...*Schema) *StaticRegistry {
	m := make(map[string]*Schema, len(schemas))
	for _, s := range schemas {
		m[s.Subject] = s
	}
	return &StaticRegistry{schemas: m}
}

// Schema implements Registry.
func (r *StaticRegistry) Schema(_ context.Context, subject string) (*Schema, error) {
	s, ok := r.schemas[subject]
	if !ok {
		return nil, fmt.Errorf("schema: no schema registered for subject %s", subject)
	}
	return s, nil
}

// Healthy implements Registry.
func (r *StaticRegistry) Healthy(context.Context) error { return nil }

var _ Registry = (*StaticRegistry)(nil)

// PipelineSchemas returns the schemas for every topic the pipeline uses,
// for preloading a StaticRegistry.
func PipelineSchemas() []*Schema {
	choices := []string{"AYE", "NAY", "ABSTAIN"}
	roles := []string{"DETERMINER_A", "DETERMINER_B", "OBSERVER"}
	verdicts := []string{"AGREES", "DISSENTS"}
	return []*Schema{
		{
			Subject:  string(broker.TopicPendingValidation),
			Required: []string{"vote_id", "session_id", "motion_id", "voter_id", "optimistic_choice", "cast_at"},
			Enums:    map[string][]string{"optimistic_choice": choices},
		},
		{
			Subject:  string(broker.TopicValidationRequests),
			Required: []string{"vote.vote_id", "vote.session_id", "vote.optimistic_choice", "verifier_id", "attempt"},
			Enums:    map[string][]string{"vote.optimistic_choice": choices},
		},
		{
			Subject:  string(broker.TopicValidationResults),
			Required: []string{"vote_id", "session_id", "role", "choice", "confidence", "attempt"},
			Enums:    map[string][]string{"role": roles, "choice": choices},
		},
		{
			Subject:  string(broker.TopicWitnessRequests),
			Required: []string{"vote_id", "session_id", "consensus_choice", "attempt"},
			Enums:    map[string][]string{"consensus_choice": choices},
		},
		{
			Subject:  string(broker.TopicWitnessEvents),
			Required: []string{"vote_id", "session_id", "verdict", "attempt"},
			Enums:    map[string][]string{"verdict": verdicts},
		},
		{
			Subject:  string(broker.TopicValidated),
			Required: []string{"vote_id", "session_id", "status", "consensus_choice"},
			Enums:    map[string][]string{"consensus_choice": choices},
		},
		{
			Subject:  string(broker.TopicDeadLetter),
			Required: []string{"vote_id", "session_id", "reason"},
		},
	}
}
