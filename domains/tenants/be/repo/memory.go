package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/service"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/outbox"
)

// MemoryRepository is a simple in-memory implementation suitable for tests and local runs without a ledger table.
type MemoryRepository struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]service.Provisioning
	events []outbox.Event
	now    func() time.Time
}

// NewMemoryRepository constructs a MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID: make(map[uuid.UUID]service.Provisioning),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) Get(ctx context.Context, tenantID uuid.UUID) (service.Provisioning, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[tenantID]
	if !ok {
		return service.Provisioning{}, service.ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepository) Save(ctx context.Context, p service.Provisioning, events ...outbox.Event) (service.Provisioning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ProvisionedAt == nil {
		if prev, ok := r.byID[p.TenantID]; ok {
			p.ProvisionedAt = prev.ProvisionedAt
		}
	}
	p.UpdatedAt = r.now()
	r.byID[p.TenantID] = p
	r.events = append(r.events, events...)
	return p, nil
}

func (r *MemoryRepository) List(ctx context.Context, opts service.ListOptions) (service.ListResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]service.Provisioning, 0, len(r.byID))
	for _, p := range r.byID {
		if opts.Status != nil && p.Status != *opts.Status {
			continue
		}
		items = append(items, p)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].TenantID.String() < items[j].TenantID.String()
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})

	page, pageSize := normalizePage(opts)
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}

	return service.ListResult{
		Items:      items[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalItems: len(items),
		TotalPages: (len(items) + pageSize - 1) / pageSize,
	}, nil
}

// Events returns the announcements saved so far, in order.
func (r *MemoryRepository) Events() []outbox.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]outbox.Event(nil), r.events...)
}

func normalizePage(opts service.ListOptions) (int, int) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	size := opts.PageSize
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
