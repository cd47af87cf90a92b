package repo

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence"
)

// ErrNoTenantConnection is returned when the request was not routed to a tenant database.
var ErrNoTenantConnection = errors.New("tenant connection missing from context")

// Repository defines the persistence operations required by the settings service.
type Repository interface {
	List(ctx context.Context) ([]persistence.Setting, error)
	Get(ctx context.Context, key string) (persistence.Setting, error)
	Put(ctx context.Context, key string, value json.RawMessage) (persistence.Setting, error)
	Delete(ctx context.Context, key string) error
}

type postgresRepository struct {
	store *persistence.SettingsStore
}

// NewPostgresRepository constructs a repository that runs against the request's tenant connection.
func NewPostgresRepository(store *persistence.SettingsStore) Repository {
	if store == nil {
		panic("settings store is required")
	}
	return &postgresRepository{store: store}
}

func (r *postgresRepository) List(ctx context.Context) ([]persistence.Setting, error) {
	db, err := requireTenantDB(ctx)
	if err != nil {
		return nil, err
	}
	return r.store.List(ctx, db)
}

func (r *postgresRepository) Get(ctx context.Context, key string) (persistence.Setting, error) {
	db, err := requireTenantDB(ctx)
	if err != nil {
		return persistence.Setting{}, err
	}
	return r.store.Get(ctx, db, key)
}

func (r *postgresRepository) Put(ctx context.Context, key string, value json.RawMessage) (persistence.Setting, error) {
	db, err := requireTenantDB(ctx)
	if err != nil {
		return persistence.Setting{}, err
	}
	return r.store.Put(ctx, db, key, value)
}

func (r *postgresRepository) Delete(ctx context.Context, key string) error {
	db, err := requireTenantDB(ctx)
	if err != nil {
		return err
	}
	return r.store.Delete(ctx, db, key)
}

// requireTenantDB refuses to fall through to the central database.
func requireTenantDB(ctx context.Context) (connpool.DB, error) {
	session, ok := connpool.FromContext(ctx)
	if !ok || session.IsCentral() {
		return nil, ErrNoTenantConnection
	}
	return session.DB(), nil
}
