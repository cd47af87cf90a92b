// Package contracts embeds the OpenAPI documents served and enforced by the API.
package contracts

import (
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed admin.yaml
var adminSpec []byte

// AdminSpecPath is the document name used in logs and the docs index.
const AdminSpecPath = "contracts/admin.yaml"

// GetAdminSwagger parses and validates the admin contract.
func GetAdminSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(adminSpec)
	if err != nil {
		return nil, fmt.Errorf("load admin contract: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate admin contract: %w", err)
	}
	return doc, nil
}

// AdminSpecYAML returns the raw admin contract.
func AdminSpecYAML() []byte {
	return adminSpec
}
