// Package api is the synchronous library surface spec.md §6 calls the
// "Workflow dispatch API" and "Actor API": thin validators in front of
// component C's Engine and component E's actor workflows. No HTTP/REST
// transport is implemented here (out of scope per spec.md §1) — this is the
// library a REST or gRPC gateway would call.
package api

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rivet-gg/actor-orchestrator/internal/errs"
)

// Parameter constraints from spec.md §6.
const (
	MaxTags        = 8
	MaxTagLabelLen = 32
	MaxTagValueLen = 1024

	MaxEnvVars     = 64
	MaxEnvKeyLen   = 256
	MaxEnvValueLen = 1024

	MaxNetworkPorts = 8
	MaxPortNameLen  = 16
)

func validateTags(tags map[string]string) error {
	if len(tags) > MaxTags {
		return errs.NewValidation(errs.CodeTooManyTags, fmt.Sprintf("at most %d tags allowed, got %d", MaxTags, len(tags)))
	}
	for k, v := range tags {
		if len(k) > MaxTagLabelLen {
			return errs.NewValidation(errs.CodeTagTooLong, fmt.Sprintf("tag label %q exceeds %d bytes", k, MaxTagLabelLen))
		}
		if len(v) > MaxTagValueLen {
			return errs.NewValidation(errs.CodeTagValueTooLong, fmt.Sprintf("tag %q value exceeds %d bytes", k, MaxTagValueLen))
		}
	}
	return nil
}

func validateEnv(env map[string]string) error {
	if len(env) > MaxEnvVars {
		return errs.NewValidation(errs.CodeTooManyEnvVars, fmt.Sprintf("at most %d env vars allowed, got %d", MaxEnvVars, len(env)))
	}
	for k, v := range env {
		if len(k) > MaxEnvKeyLen {
			return errs.NewValidation(errs.CodeEnvKeyTooLong, fmt.Sprintf("env key %q exceeds %d bytes", k, MaxEnvKeyLen))
		}
		if len(v) > MaxEnvValueLen {
			return errs.NewValidation(errs.CodeEnvValueTooLong, fmt.Sprintf("env %q value exceeds %d bytes", k, MaxEnvValueLen))
		}
	}
	return nil
}

func validatePorts(ports []NetworkPort) error {
	if len(ports) > MaxNetworkPorts {
		return errs.NewValidation(errs.CodeTooManyPorts, fmt.Sprintf("at most %d network ports allowed, got %d", MaxNetworkPorts, len(ports)))
	}
	for _, p := range ports {
		if len(p.Name) > MaxPortNameLen {
			return errs.NewValidation(errs.CodePortNameTooLong, fmt.Sprintf("port name %q exceeds %d bytes", p.Name, MaxPortNameLen))
		}
	}
	return nil
}

// SchemaRegistry holds an optional compiled JSON Schema per workflow or
// actor name, validating dispatch `input`/actor `create` config shape
// before it is accepted (spec.md SPEC_FULL "Dispatch/Actor API validation").
// A name with no registered schema is accepted unvalidated — schemas are an
// opt-in stricter contract, not a universal requirement.
type SchemaRegistry struct {
	compiler *jsonschema.Compiler
	schemas  map[string]*jsonschema.Schema
}

// NewSchemaRegistry constructs an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{compiler: jsonschema.NewCompiler(), schemas: map[string]*jsonschema.Schema{}}
}

// RegisterSchema compiles schemaJSON (a JSON Schema document, already
// decoded into an any via encoding/json) and binds it to name.
func RegisterSchema(r *SchemaRegistry, name string, schemaJSON any) error {
	resource := name + ".schema.json"
	if err := r.compiler.AddResource(resource, schemaJSON); err != nil {
		return fmt.Errorf("add schema resource %q: %w", name, err)
	}
	schema, err := r.compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema %q: %w", name, err)
	}
	r.schemas[name] = schema
	return nil
}

// Validate checks doc (already decoded into an any via encoding/json)
// against name's registered schema, if any.
func (r *SchemaRegistry) Validate(name string, doc any) error {
	if r == nil {
		return nil
	}
	schema, ok := r.schemas[name]
	if !ok {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return errs.NewValidation("SCHEMA_VALIDATION_FAILED", err.Error())
	}
	return nil
}
