package directory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

const envelopeSchemaURL = "memory://directory/tenant-envelope.json"

// envelopeSchema describes the identity authority's {success, data} response.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": {"type": "boolean"},
    "data": {
      "type": ["object", "null"],
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": ["string", "null"]},
        "domain": {"type": ["string", "null"]},
        "is_active": {"type": "boolean"},
        "settings": {"type": ["object", "array", "null"]}
      }
    }
  }
}`

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type tenantPayload struct {
	ID       string          `json:"id"`
	Name     *string         `json:"name"`
	Domain   *string         `json:"domain"`
	IsActive *bool           `json:"is_active"`
	Settings json.RawMessage `json:"settings"`
}

func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("register envelope schema: %w", err)
	}
	schema, err := compiler.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return schema, nil
}

// decodeEnvelope validates body and extracts the tenant. A well-formed unsuccessful
// envelope yields errNotFound.
func decodeEnvelope(schema *jsonschema.Schema, body []byte) (tenant.Tenant, error) {
	var document any
	if err := json.Unmarshal(body, &document); err != nil {
		return tenant.Tenant{}, fmt.Errorf("decode identity response: %w", err)
	}
	if err := schema.Validate(document); err != nil {
		return tenant.Tenant{}, fmt.Errorf("identity response schema: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return tenant.Tenant{}, fmt.Errorf("decode identity response: %w", err)
	}
	if !env.Success || len(env.Data) == 0 || string(env.Data) == "null" {
		return tenant.Tenant{}, errNotFound
	}

	var p tenantPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return tenant.Tenant{}, fmt.Errorf("decode tenant: %w", err)
	}

	t := tenant.Tenant{ID: p.ID}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Domain != nil {
		t.Domain = *p.Domain
	}
	// The authority omits is_active for tenants that were never deactivated.
	t.IsActive = p.IsActive == nil || *p.IsActive
	// Empty settings arrive as [] from some authority versions.
	if len(p.Settings) > 0 && p.Settings[0] == '{' {
		if err := json.Unmarshal(p.Settings, &t.Settings); err != nil {
			return tenant.Tenant{}, fmt.Errorf("decode tenant settings: %w", err)
		}
	}
	return t, nil
}
