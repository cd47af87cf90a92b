package tenant

import (
	"strings"

	"github.com/google/uuid"
)

const databasePrefix = "tenant_"

// PhysicalDatabaseName returns `tenant_<tenantID>_<serviceName>` verbatim.
// The tenant id keeps its hyphens; callers must quote it as an identifier.
func PhysicalDatabaseName(tenantID, serviceName string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	serviceName = strings.TrimSpace(serviceName)
	if tenantID == "" {
		return "", invalidArgument("physical database name", "tenant id is required")
	}
	if serviceName == "" {
		return "", invalidArgument("physical database name", "service name is required")
	}
	return databasePrefix + tenantID + "_" + serviceName, nil
}

// RegistryKey returns the connection-registry key for a tenant on a service.
// It follows the physical name pattern with every non-identifier character replaced by `_`.
func RegistryKey(tenantID, serviceName string) (string, error) {
	name, err := PhysicalDatabaseName(tenantID, serviceName)
	if err != nil {
		return "", err
	}
	return ToIdentifier(name), nil
}

// IsRegistryKey reports whether key denotes a tenant connection rather than the central one.
func IsRegistryKey(key string) bool {
	return strings.HasPrefix(key, databasePrefix)
}

// ToIdentifier replaces every character outside [A-Za-z0-9_] with an underscore.
func ToIdentifier(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// IsUUID reports whether identifier is UUID-shaped (lookup by id) rather than a domain.
func IsUUID(identifier string) bool {
	identifier = strings.TrimSpace(identifier)
	if len(identifier) != 36 {
		return false
	}
	_, err := uuid.Parse(identifier)
	return err == nil
}
