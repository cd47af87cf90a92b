package service

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/zenGate-Global/hrms-tenancy/domains/settings/be/repo"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence"
)

// FieldErrors maps request fields to validation issues.
type FieldErrors map[string][]string

// ValidationError is returned when the input payload is invalid.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	return "validation error"
}

// Domain sentinel errors.
var (
	ErrNotFound         = errors.New("setting not found")
	ErrNoTenantDatabase = errors.New("request is not routed to a tenant database")
)

// MaxValueBytes bounds a single setting value.
const MaxValueBytes = 16 << 10

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,62}$`)

// Setting is the domain view of a tenant setting.
type Setting struct {
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// Service defines the operations on the routed tenant's settings.
type Service interface {
	List(ctx context.Context) ([]Setting, error)
	Get(ctx context.Context, key string) (Setting, error)
	Put(ctx context.Context, key string, value json.RawMessage) (Setting, error)
	Delete(ctx context.Context, key string) error
}

type service struct {
	repo repo.Repository
}

// New constructs a settings Service backed by the provided repository.
func New(r repo.Repository) Service {
	if r == nil {
		panic("settings repository is required")
	}
	return &service{repo: r}
}

func (s *service) List(ctx context.Context) ([]Setting, error) {
	records, err := s.repo.List(ctx)
	if err != nil {
		return nil, mapPersistenceError(err)
	}
	out := make([]Setting, 0, len(records))
	for _, record := range records {
		out = append(out, mapSetting(record))
	}
	return out, nil
}

func (s *service) Get(ctx context.Context, key string) (Setting, error) {
	key, err := validateKey(key)
	if err != nil {
		return Setting{}, err
	}
	record, err := s.repo.Get(ctx, key)
	if err != nil {
		return Setting{}, mapPersistenceError(err)
	}
	return mapSetting(record), nil
}

func (s *service) Put(ctx context.Context, key string, value json.RawMessage) (Setting, error) {
	fieldErrors := FieldErrors{}

	key, err := validateKey(key)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			fieldErrors = verr.Fields
		}
	}

	trimmed := strings.TrimSpace(string(value))
	switch {
	case trimmed == "":
		fieldErrors.add("value", "value is required")
	case len(trimmed) > MaxValueBytes:
		fieldErrors.add("value", "value is too large")
	case !json.Valid([]byte(trimmed)):
		fieldErrors.add("value", "value must be valid JSON")
	}

	if len(fieldErrors) > 0 {
		return Setting{}, &ValidationError{Fields: fieldErrors}
	}

	record, err := s.repo.Put(ctx, key, json.RawMessage(trimmed))
	if err != nil {
		return Setting{}, mapPersistenceError(err)
	}
	return mapSetting(record), nil
}

func (s *service) Delete(ctx context.Context, key string) error {
	key, err := validateKey(key)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, key); err != nil {
		return mapPersistenceError(err)
	}
	return nil
}

func validateKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", newValidationError("key", "key is required")
	}
	if !keyPattern.MatchString(key) {
		return "", newValidationError("key", "key must be lowercase letters, digits, '_', '.' or '-' and start with a letter")
	}
	return key, nil
}

func mapSetting(record persistence.Setting) Setting {
	return Setting{
		Key:       record.Key,
		Value:     record.Value,
		UpdatedAt: record.UpdatedAt,
	}
}

func mapPersistenceError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrSettingNotFound):
		return ErrNotFound
	case errors.Is(err, repo.ErrNoTenantConnection):
		return ErrNoTenantDatabase
	default:
		return err
	}
}

func newValidationError(field, message string) error {
	fe := FieldErrors{}
	fe.add(field, message)
	return &ValidationError{Fields: fe}
}

func (f FieldErrors) add(field, message string) {
	if f == nil {
		return
	}
	f[field] = append(f[field], message)
}
