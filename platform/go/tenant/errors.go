package tenant

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures of the tenancy subsystem.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindTenantNotFound
	KindTenantInactive
	KindDatabaseMissing
	KindConnectionFailed
	KindVerificationMismatch
	KindMigrationFailed
	KindSeedFailed
	KindRecordFailed
	KindProvisioningRollbackFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindTenantNotFound:
		return "TenantNotFound"
	case KindTenantInactive:
		return "TenantInactive"
	case KindDatabaseMissing:
		return "DatabaseMissing"
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindVerificationMismatch:
		return "VerificationMismatch"
	case KindMigrationFailed:
		return "MigrationFailed"
	case KindSeedFailed:
		return "SeedFailed"
	case KindRecordFailed:
		return "RecordFailed"
	case KindProvisioningRollbackFailed:
		return "ProvisioningRollbackFailed"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is checks; they match any *Error of the same Kind.
var (
	ErrInvalidArgument            = &Error{Kind: KindInvalidArgument}
	ErrTenantNotFound             = &Error{Kind: KindTenantNotFound}
	ErrTenantInactive             = &Error{Kind: KindTenantInactive}
	ErrDatabaseMissing            = &Error{Kind: KindDatabaseMissing}
	ErrConnectionFailed           = &Error{Kind: KindConnectionFailed}
	ErrVerificationMismatch       = &Error{Kind: KindVerificationMismatch}
	ErrMigrationFailed            = &Error{Kind: KindMigrationFailed}
	ErrSeedFailed                 = &Error{Kind: KindSeedFailed}
	ErrRecordFailed               = &Error{Kind: KindRecordFailed}
	ErrProvisioningRollbackFailed = &Error{Kind: KindProvisioningRollbackFailed}
)

// Error is the typed failure returned by name resolution, the pool manager and the provisioner.
type Error struct {
	Kind     Kind
	Op       string
	TenantID string
	Database string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.TenantID != "" {
		fmt.Fprintf(&b, " tenant=%s", e.TenantID)
	}
	if e.Database != "" {
		fmt.Fprintf(&b, " database=%s", e.Database)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind so wrapped details do not defeat errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a typed error.
func NewError(kind Kind, op, tenantID, database string, err error) *Error {
	return &Error{Kind: kind, Op: op, TenantID: tenantID, Database: database, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

func invalidArgument(op, msg string) error {
	return &Error{Kind: KindInvalidArgument, Op: op, Err: errors.New(msg)}
}
