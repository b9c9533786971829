// Package store provides the storage interface and implementations for the
// Loom fabric. The in-memory store covers single-node and test use; the
// sqlite store adds durability without an external database.
package store

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// Store is the primary storage interface for the fabric. The runtime and
// pipeline depend on this interface only, making it easy to swap between
// in-memory (tests) and sqlite (production) implementations.
type Store interface {
	ExecutionStore
	ApprovalStore
	ResultCacheStore
	LearningStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Execution Store ─────────────────────────────────────────

// ExecutionFilter defines optional filters for listing executions.
type ExecutionFilter struct {
	Platform string
	Stage    models.Stage
	Status   models.ExecutionStatus
	Limit    int // max results (default 100)
}

type ExecutionStore interface {
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]models.Execution, error)
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	CreateExecution(ctx context.Context, exec *models.Execution) error
	UpdateExecution(ctx context.Context, exec *models.Execution) error
	DeleteExecution(ctx context.Context, id string) error
}

// ── Approval Store ──────────────────────────────────────────

type ApprovalStore interface {
	// CreateApproval persists a new approval record (status=waiting).
	CreateApproval(ctx context.Context, record *models.ApprovalRecord) error

	// GetApproval returns the approval record for an execution.
	GetApproval(ctx context.Context, executionID string) (*models.ApprovalRecord, error)

	// UpdateApproval updates an approval record (approve/reject).
	UpdateApproval(ctx context.Context, record *models.ApprovalRecord) error

	// ListApprovals returns approvals filtered by status.
	ListApprovals(ctx context.Context, status string, limit int) ([]models.ApprovalRecord, error)
}

// ── Result Cache Store ──────────────────────────────────────

// ResultCacheStore is the idempotency cache: a repeated key returns the
// stored result instead of re-executing.
type ResultCacheStore interface {
	GetCachedResult(ctx context.Context, idempotencyKey string) (*models.OutcomeResult, error)
	PutCachedResult(ctx context.Context, idempotencyKey string, result *models.OutcomeResult, ttl time.Duration) error
}

// ── Learning Store ──────────────────────────────────────────

type LearningStore interface {
	// AppendLearning records one terminal pipeline outcome.
	AppendLearning(ctx context.Context, record *models.LearningRecord) error

	// PlatformTallies aggregates wins/losses per platform.
	PlatformTallies(ctx context.Context) ([]models.PlatformTally, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
