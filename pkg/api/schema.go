package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Boundary schemas for POSTed artifacts. A body that fails its schema is
// malformed input and gets a 400; it never reaches signature verification,
// so a schema failure can not be confused with a deliberate verify-false.

const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["bundle_id", "issuer", "created_at", "window_days", "claims", "signature_alg"],
  "properties": {
    "bundle_id": {"type": "string", "minLength": 1},
    "issuer": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "window_days": {"type": "integer", "minimum": 0},
    "signature_alg": {"type": "string"},
    "public_key": {"type": ["string", "null"]},
    "signature": {"type": ["string", "null"]},
    "claims": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["issuer", "subject", "predicate", "window_days", "computed_at"],
        "properties": {
          "issuer": {"type": "string"},
          "subject": {"type": "string"},
          "predicate": {"type": "string"},
          "object": {"type": ["string", "null"]},
          "window_days": {"type": "integer", "minimum": 0},
          "computed_at": {"type": "string"},
          "derivation": {"type": ["string", "null"]},
          "evidence": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

// updateArtifactSchema describes a complete signed policy update. The policy
// POST endpoint also accepts a bare policy object; a body that does not
// satisfy this schema is wrapped and built into a fresh update instead.
const updateArtifactSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["village_id", "created_at", "policy", "policy_hash"],
  "properties": {
    "village_id": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "policy": {"type": "object"},
    "policy_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "lifecycle_state": {"type": "string"},
    "signature_alg": {"type": "string"},
    "public_key": {"type": ["string", "null"]},
    "signature": {"type": ["string", "null"]},
    "signatures": {"type": "array"}
  }
}`

var (
	compiledBundleSchema = mustCompileSchema("bundle", bundleSchema)
	compiledUpdateSchema = mustCompileSchema("policy_update", updateArtifactSchema)
)

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://links.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return compiled
}

// validateBundleBody checks a decoded inbox body against the bundle schema.
func validateBundleBody(obj map[string]any) error {
	return compiledBundleSchema.Validate(obj)
}

// isUpdateArtifact reports whether a decoded policy POST body is a complete
// signed update rather than a bare policy object.
func isUpdateArtifact(obj map[string]any) bool {
	return compiledUpdateSchema.Validate(obj) == nil
}
