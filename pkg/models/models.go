package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ── Semantic Versioning Helpers ──────────────────────────────

// DefaultDescriptorVersion is the initial version assigned to newly
// registered protocol descriptors.
const DefaultDescriptorVersion = "0.1.0"

// ParseSemver splits a "major.minor.patch" string. Returns (0,1,0) on error.
func ParseSemver(v string) (major, minor, patch int) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return 0, 1, 0
	}
	major, _ = strconv.Atoi(parts[0])
	minor, _ = strconv.Atoi(parts[1])
	patch, _ = strconv.Atoi(parts[2])
	return
}

// FormatSemver formats major.minor.patch into a version string.
func FormatSemver(major, minor, patch int) string {
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// BumpPatch increments the patch component: 0.1.2 → 0.1.3
func BumpPatch(v string) string {
	major, minor, patch := ParseSemver(v)
	return FormatSemver(major, minor, patch+1)
}

// IsSemver returns true if the string looks like "X.Y.Z".
func IsSemver(v string) bool {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

// ── Auth Schemes ─────────────────────────────────────────────

// AuthScheme identifies how a connector authenticates against its provider.
type AuthScheme string

const (
	AuthNone          AuthScheme = "none"
	AuthAPIKey        AuthScheme = "apikey"
	AuthOAuth2        AuthScheme = "oauth2"
	AuthBasic         AuthScheme = "basic"
	AuthBearer        AuthScheme = "bearer"
	AuthSessionCookie AuthScheme = "session_cookie"
	AuthHMAC          AuthScheme = "hmac"
)

// ── Connector Descriptor ─────────────────────────────────────

// PerformanceBaseline is the connector author's declared expectation of
// latency and unit cost. The registry prefers observed metrics and falls
// back to the baseline when a connector has no call history yet.
type PerformanceBaseline struct {
	P50Ms       int     `json:"p50_ms"`
	P99Ms       int     `json:"p99_ms"`
	UnitCostUSD float64 `json:"unit_cost_usd,omitempty"`
}

// ConnectorDescriptor is the static self-description every connector exposes.
// Capabilities is a closed set: Execute rejects any action not listed here.
type ConnectorDescriptor struct {
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Description  string              `json:"description,omitempty"`
	Capabilities []string            `json:"capabilities"`
	AuthSchemes  []AuthScheme        `json:"auth_schemes"`
	Baseline     PerformanceBaseline `json:"baseline"`

	// MaxRatePerSec caps sustained calls to the provider. 0 = unlimited.
	MaxRatePerSec float64 `json:"max_rate_per_sec,omitempty"`
}

// ── Health ───────────────────────────────────────────────────

// Health is the result of a connector liveness probe.
type Health struct {
	Connector string    `json:"connector"`
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ── Proofs ───────────────────────────────────────────────────

// Proof is a verifiable artifact produced by a successful call: a message id,
// an object URL, a content hash. Attempt and Connector record provenance when
// the runtime merges proofs across a primary call and a fallback call.
type Proof struct {
	Type       string    `json:"type"`
	Value      string    `json:"value"`
	Connector  string    `json:"connector,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// ── Call Result ──────────────────────────────────────────────

// Error codes shared across connectors, registry and runtime. Provider
// errors are translated into one of these so callers can branch on
// Retryable without parsing provider-specific strings.
const (
	ErrCodeConfig             = "config_error"
	ErrCodeValidation         = "validation_failed"
	ErrCodeTransient          = "transient_error"
	ErrCodePermanent          = "permanent_error"
	ErrCodeTimeout            = "timeout"
	ErrCodeUnsupportedAction  = "unsupported_action"
	ErrCodeUnsupportedOutcome = "unsupported_outcome"
	ErrCodeCircuitOpen        = "circuit_open"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeApprovalRequired   = "approval_required"
)

// CallResult is the structured outcome of a single connector execution.
// Failures are values, not panics: OK=false with Error/ErrorCode/Retryable
// populated.
type CallResult struct {
	OK             bool           `json:"ok"`
	Data           map[string]any `json:"data,omitempty"`
	Proofs         []Proof        `json:"proofs,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Retryable      bool           `json:"retryable"`
	LatencyMs      int64          `json:"latency_ms"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ExecutedAt     time.Time      `json:"executed_at"`
}

// FailedCall builds an error CallResult in one line.
func FailedCall(code, msg string, retryable bool) CallResult {
	return CallResult{
		OK:         false,
		Error:      msg,
		ErrorCode:  code,
		Retryable:  retryable,
		ExecutedAt: time.Now().UTC(),
	}
}

// ── Cost Estimate ────────────────────────────────────────────

// CostEstimate predicts what an action will cost before executing it.
type CostEstimate struct {
	EstimatedUSD float64            `json:"estimated_usd"`
	Model        string             `json:"model"`
	Breakdown    map[string]float64 `json:"breakdown,omitempty"`
	Confidence   float64            `json:"confidence"`
}

// ── Connector Metrics ────────────────────────────────────────

// ConnectorMetrics is a rolling snapshot of a connector's call history.
type ConnectorMetrics struct {
	Calls          int64      `json:"calls"`
	Successes      int64      `json:"successes"`
	Failures       int64      `json:"failures"`
	TotalLatencyMs int64      `json:"total_latency_ms"`
	AvgLatencyMs   float64    `json:"avg_latency_ms"`
	LastCall       *time.Time `json:"last_call,omitempty"`
}

// SuccessRate returns successes/calls, or 1.0 for a connector with no history.
func (m ConnectorMetrics) SuccessRate() float64 {
	if m.Calls == 0 {
		return 1.0
	}
	return float64(m.Successes) / float64(m.Calls)
}

// ── Protocol Descriptor ──────────────────────────────────────

// InputType is the closed set of primitive input types a descriptor
// can require.
type InputType string

const (
	InputString  InputType = "string"
	InputNumber  InputType = "number"
	InputBoolean InputType = "boolean"
	InputArray   InputType = "array"
	InputObject  InputType = "object"
)

// InputSpec declares one input a descriptor accepts.
type InputSpec struct {
	Key         string    `json:"key" yaml:"key"`
	Type        InputType `json:"type" yaml:"type"`
	Required    bool      `json:"required" yaml:"required"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// CostModelType identifies how a descriptor's execution cost is computed.
type CostModelType string

const (
	CostPerCall    CostModelType = "per_call"
	CostPerUnit    CostModelType = "per_unit"
	CostPercentage CostModelType = "percentage"
	CostFlat       CostModelType = "flat"
)

// CostModel parameterizes the cost of executing a descriptor.
type CostModel struct {
	Type        CostModelType `json:"type" yaml:"type"`
	UnitCostUSD float64       `json:"unit_cost_usd" yaml:"unit_cost_usd"`
}

// SLA is the declared latency envelope of a descriptor.
type SLA struct {
	P50Ms int `json:"p50_ms" yaml:"p50_ms"`
	P99Ms int `json:"p99_ms" yaml:"p99_ms"`
}

// RetryPolicy controls connector-level retries for a descriptor.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	BackoffMs  int `json:"backoff_ms" yaml:"backoff_ms"`
}

// Descriptor is a named, versioned protocol descriptor: a reusable template
// binding a connector action to its input contract, SLA, cost model and the
// proofs it must yield.
type Descriptor struct {
	Name              string      `json:"name" yaml:"name"`
	Version           string      `json:"version" yaml:"version"`
	Description       string      `json:"description,omitempty" yaml:"description,omitempty"`
	Connector         string      `json:"connector" yaml:"connector"`
	Action            string      `json:"action" yaml:"action"`
	Inputs            []InputSpec `json:"inputs" yaml:"inputs"`
	SLA               SLA         `json:"sla" yaml:"sla"`
	CostModel         CostModel   `json:"cost_model" yaml:"cost_model"`
	Proofs            []string    `json:"proofs" yaml:"proofs"`
	RetryPolicy       RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	FallbackConnector string      `json:"fallback_connector,omitempty" yaml:"fallback_connector,omitempty"`
	Tags              []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// ── Outcome Request / Result ─────────────────────────────────

// Pricing is the commercial term attached to an outcome request.
type Pricing struct {
	Model     string  `json:"model"`
	AmountUSD float64 `json:"amount_usd"`
}

// Risk captures the bond and insurance terms backing an outcome.
type Risk struct {
	BondUSD      float64 `json:"bond_usd"`
	InsurancePct float64 `json:"insurance_pct"`
}

// OutcomeRequest is the runtime's unit of work: an outcome type (which is a
// connector action), inputs, a deadline, commercial terms and the proofs the
// caller requires.
type OutcomeRequest struct {
	OutcomeType    string         `json:"outcome_type"`
	Inputs         map[string]any `json:"inputs"`
	DeadlineSec    float64        `json:"deadline_sec"`
	Pricing        Pricing        `json:"pricing"`
	Risk           Risk           `json:"risk"`
	Proofs         []string       `json:"proofs"`
	IdempotencyKey string         `json:"idempotency_key"`

	// PreferConnector pins the first attempt to a named connector
	// instead of the registry's top-ranked candidate.
	PreferConnector string `json:"prefer_connector,omitempty"`

	// FallbackConnector names the connector for the single retry hop.
	// Empty means no fallback.
	FallbackConnector string `json:"fallback_connector,omitempty"`

	// SuccessCriteria are boolean expressions evaluated against the
	// result data payload, e.g. `data.status == "sent"`.
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

// OutcomeResult is what the runtime hands back: the final call outcome plus
// the merged proof set across every attempt.
type OutcomeResult struct {
	OK             bool           `json:"ok"`
	OutcomeType    string         `json:"outcome_type"`
	Connector      string         `json:"connector,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Proofs         []Proof        `json:"proofs,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Retryable      bool           `json:"retryable"`
	Attempts       int            `json:"attempts"`
	LatencyMs      int64          `json:"latency_ms"`
	IdempotencyKey string         `json:"idempotency_key"`
	Cached         bool           `json:"cached,omitempty"`
	ExecutedAt     time.Time      `json:"executed_at"`
}

// ── Opportunity ──────────────────────────────────────────────

// Opportunity is an external unit of demand the pipeline can fulfill:
// a bounty, a gig, an RFP, a task posting.
type Opportunity struct {
	ID               string            `json:"id"`
	Platform         string            `json:"platform"`
	Type             string            `json:"type,omitempty"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	BudgetUSD        float64           `json:"budget_usd,omitempty"`
	URL              string            `json:"url,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	RequiresApproval bool              `json:"requires_approval,omitempty"`
	CreatedAt        time.Time         `json:"created_at,omitempty"`
}

// ── Execution ────────────────────────────────────────────────

// Stage is the pipeline position of an execution.
type Stage string

const (
	StageDiscovered       Stage = "discovered"
	StageScored           Stage = "scored"
	StageApproved         Stage = "approved"
	StagePlanning         Stage = "planning"
	StageGenerating       Stage = "generating"
	StageValidating       Stage = "validating"
	StageSubmitting       Stage = "submitting"
	StageMonitoring       Stage = "monitoring"
	StageHandlingFeedback Stage = "handling_feedback"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

// Terminal reports whether the stage ends the pipeline.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// ExecutionStatus is the coarse boundary view: active until a terminal
// stage is reached.
type ExecutionStatus string

const (
	ExecutionActive   ExecutionStatus = "active"
	ExecutionFinished ExecutionStatus = "finished"
)

// Plan is the fulfillment plan produced at the planning stage.
type Plan struct {
	Steps       []string `json:"steps"`
	OutcomeType string   `json:"outcome_type,omitempty"`
	EstimateUSD float64  `json:"estimate_usd,omitempty"`
}

// Solution is a generated candidate deliverable for an opportunity.
type Solution struct {
	Content  string            `json:"content"`
	Format   string            `json:"format,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Attempt  int               `json:"attempt"`
}

// Submission tracks a delivered solution on the target platform.
type Submission struct {
	ID          string    `json:"id"`
	URL         string    `json:"url,omitempty"`
	Status      string    `json:"status"`
	Feedback    string    `json:"feedback,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// StageTransition is one entry in an execution's chronological stage
// history: the stage entered and when.
type StageTransition struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// Execution is the durable record of one opportunity moving through the
// pipeline.
type Execution struct {
	ID          string          `json:"id" db:"id"`
	Stage       Stage           `json:"stage" db:"stage"`
	Status      ExecutionStatus `json:"status" db:"status"`
	Opportunity Opportunity     `json:"opportunity"`
	Score       float64         `json:"score" db:"score"`
	Plan        *Plan           `json:"plan,omitempty"`
	Solution    *Solution       `json:"solution,omitempty"`
	Submission  *Submission     `json:"submission,omitempty"`

	// StageHistory records every stage entered, in order.
	StageHistory []StageTransition `json:"stage_history,omitempty"`

	// Attempts counts generate→validate attempts, capped by the
	// pipeline's MaxAttempts. Feedback rounds after submission are
	// counted separately in FeedbackRounds.
	Attempts       int `json:"attempts" db:"attempts"`
	FeedbackRounds int `json:"feedback_rounds,omitempty"`

	Error       string     `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ExecutionView is the status boundary shape returned to API callers.
type ExecutionView struct {
	ExecutionID  string            `json:"execution_id"`
	Stage        Stage             `json:"stage"`
	Status       ExecutionStatus   `json:"status"`
	Opportunity  Opportunity       `json:"opportunity"`
	Score        float64           `json:"score"`
	Submission   *Submission       `json:"submission,omitempty"`
	StageHistory []StageTransition `json:"stage_history,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// ── Approvals ────────────────────────────────────────────────

const (
	ApprovalWaiting  = "waiting"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// ApprovalRecord captures a human sign-off decision for an execution.
// Durable — survives server restarts.
type ApprovalRecord struct {
	ID          string     `json:"id" db:"id"`
	ExecutionID string     `json:"execution_id" db:"execution_id"`
	Status      string     `json:"status" db:"status"` // waiting, approved, rejected
	Approver    string     `json:"approver,omitempty" db:"approver"`
	Comments    string     `json:"comments,omitempty" db:"comments"`
	RequestedAt time.Time  `json:"requested_at" db:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ── Learning ─────────────────────────────────────────────────

// LearningRecord is one terminal pipeline outcome, appended for the
// report-only win-rate tally.
type LearningRecord struct {
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Platform    string    `json:"platform" db:"platform"`
	Won         bool      `json:"won" db:"won"`
	Stage       Stage     `json:"stage" db:"stage"`
	RecordedAt  time.Time `json:"recorded_at" db:"recorded_at"`
}

// PlatformTally aggregates wins and losses for one platform.
type PlatformTally struct {
	Platform string  `json:"platform"`
	Wins     int64   `json:"wins"`
	Losses   int64   `json:"losses"`
	WinRate  float64 `json:"win_rate"`
}

// ── Runtime Stats ────────────────────────────────────────────

// RuntimeStats aggregates runtime execution counters.
type RuntimeStats struct {
	Executions int64   `json:"executions"`
	Successes  int64   `json:"successes"`
	Failures   int64   `json:"failures"`
	CacheHits  int64   `json:"cache_hits"`
	TotalUSD   float64 `json:"total_usd"`
}
