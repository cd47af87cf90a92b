package service

import (
	"context"
	"time"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// DBProvisioner creates and destroys a tenant's physical database on this service.
// Create is idempotent; Exists is a read-only probe.
type DBProvisioner interface {
	Create(ctx context.Context, t tenant.Tenant) (ProvisionResult, error)
	Drop(ctx context.Context, t tenant.Tenant) error
	Exists(ctx context.Context, tenantID string) (bool, error)
}

// Step names a stage of the provisioning state machine.
type Step string

const (
	StepCheckExists Step = "check_exists"
	StepCreate      Step = "create"
	StepConfigure   Step = "configure"
	StepMigrate     Step = "migrate"
	StepSeed        Step = "seed"
	StepRecord      Step = "record"
	StepCache       Step = "cache"
)

// ProvisionResult reports what a Create call did.
type ProvisionResult struct {
	TenantID string `json:"tenant_id"`
	// Database is the physical database name.
	Database string `json:"database"`
	// Created is false when the database already existed.
	Created  bool          `json:"created"`
	Steps    []Step        `json:"steps"`
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}
