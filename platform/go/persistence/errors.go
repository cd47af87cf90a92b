package persistence

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDatabaseExists is returned by CreateDatabase when the database already exists.
var ErrDatabaseExists = errors.New("database already exists")

// PostgreSQL SQLSTATE codes inspected by the engine.
const (
	codeDuplicateDatabase  = "42P04"
	codeInvalidCatalogName = "3D000"
	codeObjectInUse        = "55006"
)

// IsNotFound detects pgx.ErrNoRows.
func IsNotFound(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}

// IsDuplicateDatabase detects CREATE DATABASE on an existing name (SQLSTATE 42P04).
func IsDuplicateDatabase(err error) bool {
	return hasCode(err, codeDuplicateDatabase) || errors.Is(err, ErrDatabaseExists)
}

// IsUnknownDatabase detects connections to a database that does not exist (SQLSTATE 3D000).
func IsUnknownDatabase(err error) bool {
	return hasCode(err, codeInvalidCatalogName)
}

// IsObjectInUse detects DROP DATABASE while other sessions are connected (SQLSTATE 55006).
func IsObjectInUse(err error) bool {
	return hasCode(err, codeObjectInUse)
}

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
