package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/service"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/outbox"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence"
)

// PostgresRepository stores the provisioning ledger in the central database. Announcements are written
// to the outbox in the same transaction as the ledger row.
type PostgresRepository struct {
	store   *persistence.ProvisioningStore
	service string
}

// NewPostgresRepository constructs a repository backed by ProvisioningStore for one service.
func NewPostgresRepository(store *persistence.ProvisioningStore, serviceName string) *PostgresRepository {
	if store == nil {
		panic("provisioning store is required")
	}
	if serviceName == "" {
		panic("service name is required")
	}
	return &PostgresRepository{store: store, service: serviceName}
}

func (r *PostgresRepository) Get(ctx context.Context, tenantID uuid.UUID) (service.Provisioning, error) {
	rec, err := r.store.Get(ctx, tenantID, r.service)
	if err != nil {
		return service.Provisioning{}, mapNotFound(err)
	}
	return toProvisioning(rec), nil
}

func (r *PostgresRepository) Save(ctx context.Context, p service.Provisioning, events ...outbox.Event) (service.Provisioning, error) {
	var out persistence.ProvisioningRecord
	err := r.store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = r.store.UpsertTx(ctx, tx, toRecord(p, r.service))
		if err != nil {
			return fmt.Errorf("upsert tenant database: %w", err)
		}
		for _, e := range events {
			if err := outbox.EnqueueTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return service.Provisioning{}, err
	}
	return toProvisioning(out), nil
}

func (r *PostgresRepository) List(ctx context.Context, opts service.ListOptions) (service.ListResult, error) {
	page, size := normalizePage(opts)
	offset := (page - 1) * size

	var statusStr *string
	if opts.Status != nil {
		s := string(*opts.Status)
		statusStr = &s
	}

	rows, total, err := r.store.List(ctx, r.service, statusStr, size, offset)
	if err != nil {
		return service.ListResult{}, err
	}

	items := make([]service.Provisioning, 0, len(rows))
	for _, rec := range rows {
		items = append(items, toProvisioning(rec))
	}

	totalPages := (total + size - 1) / size
	return service.ListResult{Items: items, Page: page, PageSize: size, TotalItems: total, TotalPages: totalPages}, nil
}

func toRecord(p service.Provisioning, serviceName string) persistence.ProvisioningRecord {
	if p.Service != "" {
		serviceName = p.Service
	}
	return persistence.ProvisioningRecord{
		TenantID:      p.TenantID,
		Service:       serviceName,
		DatabaseName:  p.Database,
		Status:        string(p.Status),
		Warnings:      p.Warnings,
		LastError:     p.LastError,
		ProvisionedAt: p.ProvisionedAt,
	}
}

func toProvisioning(rec persistence.ProvisioningRecord) service.Provisioning {
	return service.Provisioning{
		TenantID:      rec.TenantID,
		Service:       rec.Service,
		Database:      rec.DatabaseName,
		Status:        service.StatusFromString(rec.Status),
		Warnings:      rec.Warnings,
		LastError:     rec.LastError,
		ProvisionedAt: rec.ProvisionedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return service.ErrNotFound
	}
	return err
}
