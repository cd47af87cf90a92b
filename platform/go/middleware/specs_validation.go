package middleware

import (
	"context"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3filter"

	platformauth "github.com/zenGate-Global/hrms-tenancy/platform/go/auth"
)

// InternalSecretScheme is the OpenAPI security scheme name used by the admin contract.
const InternalSecretScheme = "internalSecret"

// ValidateAuthenticationViaSwagger satisfies operations that declare the internal secret scheme.
// It only checks presence; InternalSecret verifies the value.
func ValidateAuthenticationViaSwagger(ctx context.Context, input *openapi3filter.AuthenticationInput) error {
	if input != nil && input.SecuritySchemeName == InternalSecretScheme {
		r := input.RequestValidationInput.Request
		if r == nil {
			return fmt.Errorf("no request in validation input")
		}
		if r.Header.Get(platformauth.SecretHeader) == "" {
			return fmt.Errorf("missing %s header", platformauth.SecretHeader)
		}
	}
	return nil
}
