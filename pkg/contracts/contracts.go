// Package contracts defines the service interfaces of the Loom fabric.
//
// These interfaces form the boundary between the fabric core and its
// pluggable edges. The core ships concrete implementations (registry,
// catalog, runtime, pipeline); deployments can provide their own
// connectors, deliverers and stores without touching internal/ — swapping
// an implementation is a single line change in the wiring code (main.go).
package contracts

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// ── Connector ───────────────────────────────────────────────

// Connector is a uniform adapter around one external delivery surface
// (an email provider, a payment API, a headless browser fleet).
//
// Implementations translate provider-specific requests and errors into
// the shared models, record their own call metrics, and emit at least
// one Proof on every successful execution. A missing credential or
// transport dependency surfaces as an unhealthy Health result, never
// a panic.
type Connector interface {
	// Descriptor returns the connector's static self-description.
	// The capability list is closed: Execute rejects actions outside it.
	Descriptor() models.ConnectorDescriptor

	// Health probes provider liveness. Implementations should respect
	// ctx cancellation and keep probes cheap.
	Health(ctx context.Context) models.Health

	// CanPerform reports whether the action is in the capability set.
	CanPerform(action string) bool

	// Execute performs one action. Failures come back as a CallResult
	// with OK=false, not as an error; the error return is reserved for
	// context cancellation.
	Execute(ctx context.Context, req ExecuteRequest) (models.CallResult, error)

	// EstimateCost predicts the cost of an action before executing it.
	EstimateCost(action string, params map[string]any) models.CostEstimate

	// Metrics returns a snapshot of the connector's call history.
	Metrics() models.ConnectorMetrics
}

// ExecuteRequest carries one connector invocation.
type ExecuteRequest struct {
	Action         string
	Params         map[string]any
	Files          map[string][]byte
	IdempotencyKey string
	Timeout        time.Duration
}

// ── Deliverer ───────────────────────────────────────────────

// Deliverer is the platform-specific edge the execution pipeline drives:
// it generates candidate solutions, validates them, submits them, and
// tracks submission status on the target platform.
type Deliverer interface {
	// GenerateSolution produces a candidate deliverable. feedback is
	// empty on the first attempt and carries reviewer notes afterwards.
	GenerateSolution(ctx context.Context, exec *models.Execution, feedback string) (*models.Solution, error)

	// ValidateSolution checks a candidate before submission. A failed
	// check returns ok=false with the reasons; error is reserved for
	// validator breakage.
	ValidateSolution(ctx context.Context, exec *models.Execution, sol *models.Solution) (ok bool, reasons []string, err error)

	// Submit delivers the solution to the platform.
	Submit(ctx context.Context, exec *models.Execution, sol *models.Solution) (*models.Submission, error)

	// CheckStatus polls the platform for the submission's current state.
	CheckStatus(ctx context.Context, exec *models.Execution) (*models.Submission, error)

	// UpdateSubmission replaces a prior submission after a feedback round.
	UpdateSubmission(ctx context.Context, exec *models.Execution, sol *models.Solution) (*models.Submission, error)
}

// ── Scorer ──────────────────────────────────────────────────

// Scorer ranks an opportunity's attractiveness in [0,1]. The pipeline
// drops executions scoring below its configured threshold.
type Scorer interface {
	Score(ctx context.Context, opp models.Opportunity) (float64, error)
}
