// Package pipeline implements the Loom execution state machine.
//
// An execution carries one opportunity from discovery to a terminal
// outcome:
//
//	discovered → scored → approved → planning → generating → validating
//	→ submitting → monitoring ⇄ handling_feedback → completed | failed
//
// Manual sign-off holds an execution at a terminal failed stage with
// reason "awaiting_approval"; recording an approval re-enters the
// machine. Validation failures loop back to
// generating up to MaxAttempts. Monitoring runs as a supervised
// background task per execution, cancellable through its context.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// Submission status values the monitor understands.
const (
	SubmissionPending          = "pending"
	SubmissionAccepted         = "accepted"
	SubmissionRejected         = "rejected"
	SubmissionChangesRequested = "changes_requested"
)

// ApprovalHoldReason is the error code on an execution held for manual
// sign-off: the stage is failed, the status finished, and this reason
// distinguishes the hold from a real failure. Approve clears it and
// re-enters the machine.
const ApprovalHoldReason = "awaiting_approval"

// Config tunes the pipeline.
type Config struct {
	// ScoreThreshold drops opportunities scoring below it.
	ScoreThreshold float64

	// MaxAttempts bounds the generate→validate loop.
	MaxAttempts int

	// AutoApprove skips the manual sign-off hold entirely.
	AutoApprove bool

	// PollInterval is the monitor's steady-state poll cadence.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return c
}

// Pipeline drives executions through the stage machine.
type Pipeline struct {
	store     store.Store
	deliverer contracts.Deliverer
	scorer    contracts.Scorer
	cfg       Config

	// Running executions: execution ID → cancel func for the driver
	// goroutine (including its monitor loop).
	runsMu sync.Mutex
	runs   map[string]context.CancelFunc

	wg sync.WaitGroup
}

func New(st store.Store, deliverer contracts.Deliverer, scorer contracts.Scorer, cfg Config) *Pipeline {
	return &Pipeline{
		store:     st,
		deliverer: deliverer,
		scorer:    scorer,
		cfg:       cfg.withDefaults(),
		runs:      make(map[string]context.CancelFunc),
	}
}

// Start admits an opportunity and begins driving it in the background.
// Returns the execution ID immediately.
func (p *Pipeline) Start(ctx context.Context, opp models.Opportunity) (string, error) {
	if opp.Platform == "" || opp.Title == "" {
		return "", fmt.Errorf("opportunity platform and title are required")
	}
	if opp.ID == "" {
		opp.ID = uuid.New().String()
	}
	if opp.CreatedAt.IsZero() {
		opp.CreatedAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	exec := &models.Execution{
		ID:           uuid.New().String(),
		Stage:        models.StageDiscovered,
		Status:       models.ExecutionActive,
		Opportunity:  opp,
		StageHistory: []models.StageTransition{{Stage: models.StageDiscovered, At: now}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	log.Info().
		Str("execution_id", exec.ID).
		Str("platform", opp.Platform).
		Str("title", opp.Title).
		Msg("🧵 Execution started")

	p.launch(exec.ID)
	return exec.ID, nil
}

// launch spawns (or respawns) the driver goroutine for an execution.
func (p *Pipeline) launch(executionID string) {
	execCtx, cancel := context.WithCancel(context.Background())
	p.runsMu.Lock()
	if prev, ok := p.runs[executionID]; ok {
		prev()
	}
	p.runs[executionID] = cancel
	p.runsMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.runsMu.Lock()
			delete(p.runs, executionID)
			p.runsMu.Unlock()
			cancel()
		}()
		p.drive(execCtx, executionID)
	}()
}

// Cancel stops a running execution's driver and marks it failed.
// Returns false when nothing was running under the ID.
func (p *Pipeline) Cancel(executionID string) bool {
	p.runsMu.Lock()
	cancel, ok := p.runs[executionID]
	if ok {
		cancel()
		delete(p.runs, executionID)
	}
	p.runsMu.Unlock()
	if !ok {
		return false
	}

	ctx := context.Background()
	exec, err := p.store.GetExecution(ctx, executionID)
	if err != nil {
		return true
	}
	if !exec.Stage.Terminal() {
		p.finish(ctx, exec, models.StageFailed, "canceled")
	}
	return true
}

// Approve records a manual sign-off decision. An approved execution
// re-enters the machine at the approved stage; a rejected one fails.
func (p *Pipeline) Approve(ctx context.Context, executionID, approver, comments string, approved bool) error {
	record, err := p.store.GetApproval(ctx, executionID)
	if err != nil {
		return err
	}
	if record.Status != models.ApprovalWaiting {
		return fmt.Errorf("approval for %s already %s", executionID, record.Status)
	}

	now := time.Now().UTC()
	record.Approver = approver
	record.Comments = comments
	record.ResolvedAt = &now
	if approved {
		record.Status = models.ApprovalApproved
	} else {
		record.Status = models.ApprovalRejected
	}
	if err := p.store.UpdateApproval(ctx, record); err != nil {
		return err
	}

	exec, err := p.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Stage != models.StageFailed || exec.Error != ApprovalHoldReason {
		return fmt.Errorf("execution %s is not awaiting approval (stage %s)", executionID, exec.Stage)
	}

	if !approved {
		exec.Error = "approval rejected"
		p.touch(ctx, exec)
		log.Info().Str("execution_id", executionID).Str("approver", approver).Msg("🏁 Execution approval rejected")
		return nil
	}

	exec.Error = ""
	exec.Status = models.ExecutionActive
	exec.CompletedAt = nil
	p.setStage(ctx, exec, models.StageApproved)
	log.Info().Str("execution_id", executionID).Str("approver", approver).Msg("✅ Execution approved")
	p.launch(executionID)
	return nil
}

// Status returns the boundary view of an execution.
func (p *Pipeline) Status(ctx context.Context, executionID string) (*models.ExecutionView, error) {
	exec, err := p.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &models.ExecutionView{
		ExecutionID:  exec.ID,
		Stage:        exec.Stage,
		Status:       exec.Status,
		Opportunity:  exec.Opportunity,
		Score:        exec.Score,
		Submission:   exec.Submission,
		StageHistory: exec.StageHistory,
		Error:        exec.Error,
	}, nil
}

// Stats aggregates the per-platform win-rate tallies.
func (p *Pipeline) Stats(ctx context.Context) ([]models.PlatformTally, error) {
	return p.store.PlatformTallies(ctx)
}

// Shutdown cancels every running execution and waits for the drivers.
func (p *Pipeline) Shutdown() {
	p.runsMu.Lock()
	for id, cancel := range p.runs {
		cancel()
		delete(p.runs, id)
	}
	p.runsMu.Unlock()
	p.wg.Wait()
}

// ── Stage machine ───────────────────────────────────────────

// drive advances an execution from its current stage to a terminal one.
// The approval gate may end the run early with the hold shape; Approve
// re-launches a driver from the approved stage.
func (p *Pipeline) drive(ctx context.Context, executionID string) {
	exec, err := p.store.GetExecution(ctx, executionID)
	if err != nil {
		log.Error().Err(err).Str("execution_id", executionID).Msg("Driver cannot load execution")
		return
	}

	if exec.Stage == models.StageDiscovered {
		if !p.score(ctx, exec) {
			return
		}
		if !p.gate(ctx, exec) {
			return
		}
	}

	if exec.Stage == models.StageApproved {
		p.plan(ctx, exec)
	}

	if exec.Stage == models.StagePlanning || exec.Stage == models.StageGenerating || exec.Stage == models.StageValidating {
		if !p.produce(ctx, exec, "") {
			return
		}
	}

	if exec.Stage == models.StageSubmitting {
		if !p.submit(ctx, exec) {
			return
		}
	}

	if exec.Stage == models.StageMonitoring {
		p.monitor(ctx, exec)
	}
}

// score runs the scorer and drops low-value opportunities. Returns false
// when the execution reached a terminal stage.
func (p *Pipeline) score(ctx context.Context, exec *models.Execution) bool {
	var (
		s   float64
		err error
	)
	if p.scorer != nil {
		s, err = p.scorer.Score(ctx, exec.Opportunity)
		if err != nil {
			p.finish(ctx, exec, models.StageFailed, "scoring failed: "+err.Error())
			return false
		}
	} else {
		s = 1.0
	}

	exec.Score = s
	p.setStage(ctx, exec, models.StageScored)

	if s < p.cfg.ScoreThreshold {
		p.finish(ctx, exec, models.StageFailed,
			fmt.Sprintf("score %.3f below threshold %.3f", s, p.cfg.ScoreThreshold))
		return false
	}
	return true
}

// gate applies the approval hold. Returns false when the execution is
// held or terminal.
func (p *Pipeline) gate(ctx context.Context, exec *models.Execution) bool {
	if p.cfg.AutoApprove || !exec.Opportunity.RequiresApproval {
		p.setStage(ctx, exec, models.StageApproved)
		return true
	}

	record := &models.ApprovalRecord{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		Status:      models.ApprovalWaiting,
		RequestedAt: time.Now().UTC(),
	}
	if err := p.store.CreateApproval(ctx, record); err != nil {
		p.finish(ctx, exec, models.StageFailed, "create approval: "+err.Error())
		return false
	}

	// The hold is the terminal failed shape with a distinguished reason
	// code. Unlike finish, it records no win-rate tally: the run never
	// reached a submission verdict, and Approve may resurrect it.
	now := time.Now().UTC()
	exec.Status = models.ExecutionFinished
	exec.Error = ApprovalHoldReason
	exec.CompletedAt = &now
	p.setStage(ctx, exec, models.StageFailed)
	log.Info().Str("execution_id", exec.ID).Msg("⏸️  Execution awaiting approval")
	return false
}

func (p *Pipeline) plan(ctx context.Context, exec *models.Execution) {
	exec.Plan = &models.Plan{
		Steps:       []string{"generate", "validate", "submit", "monitor"},
		EstimateUSD: exec.Opportunity.BudgetUSD,
	}
	p.setStage(ctx, exec, models.StagePlanning)
}

// produce runs the generate→validate loop, feeding validation reasons
// back into generation up to MaxAttempts. Returns false on terminal.
func (p *Pipeline) produce(ctx context.Context, exec *models.Execution, feedback string) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		exec.Attempts++
		p.setStage(ctx, exec, models.StageGenerating)

		sol, err := p.deliverer.GenerateSolution(ctx, exec, feedback)
		if err != nil {
			p.finish(ctx, exec, models.StageFailed, "generate: "+err.Error())
			return false
		}
		sol.Attempt = exec.Attempts
		exec.Solution = sol
		p.setStage(ctx, exec, models.StageValidating)

		ok, reasons, err := p.deliverer.ValidateSolution(ctx, exec, sol)
		if err != nil {
			p.finish(ctx, exec, models.StageFailed, "validate: "+err.Error())
			return false
		}
		if ok {
			p.setStage(ctx, exec, models.StageSubmitting)
			return true
		}

		feedback = joinReasons(reasons)
		log.Warn().
			Str("execution_id", exec.ID).
			Int("attempt", exec.Attempts).
			Strs("reasons", reasons).
			Msg("Solution failed validation")

		if exec.Attempts >= p.cfg.MaxAttempts {
			p.finish(ctx, exec, models.StageFailed,
				fmt.Sprintf("validation failed after %d attempts: %s", exec.Attempts, feedback))
			return false
		}
	}
}

func (p *Pipeline) submit(ctx context.Context, exec *models.Execution) bool {
	sub, err := p.deliverer.Submit(ctx, exec, exec.Solution)
	if err != nil {
		p.finish(ctx, exec, models.StageFailed, "submit: "+err.Error())
		return false
	}
	exec.Submission = sub
	p.setStage(ctx, exec, models.StageMonitoring)
	log.Info().
		Str("execution_id", exec.ID).
		Str("submission_id", sub.ID).
		Msg("📤 Solution submitted")
	return true
}

// monitor polls the platform until the submission resolves. Poll errors
// back off exponentially and the steady state returns to PollInterval.
// No lock is held while sleeping; cancellation lands between polls.
func (p *Pipeline) monitor(ctx context.Context, exec *models.Execution) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.PollInterval
	bo.MaxInterval = 5 * p.cfg.PollInterval
	bo.MaxElapsedTime = 0 // the monitor outlives any fixed horizon
	bo.Reset()

	wait := p.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		sub, err := p.deliverer.CheckStatus(ctx, exec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = bo.NextBackOff()
			log.Warn().
				Err(err).
				Str("execution_id", exec.ID).
				Dur("next_poll", wait).
				Msg("Status poll failed, backing off")
			continue
		}
		bo.Reset()
		wait = p.cfg.PollInterval

		exec.Submission = sub
		p.touch(ctx, exec)

		switch sub.Status {
		case SubmissionAccepted:
			p.finish(ctx, exec, models.StageCompleted, "")
			return
		case SubmissionRejected:
			p.finish(ctx, exec, models.StageFailed, "submission rejected: "+sub.Feedback)
			return
		case SubmissionChangesRequested:
			if !p.handleFeedback(ctx, exec, sub.Feedback) {
				return
			}
		}
	}
}

// handleFeedback regenerates against reviewer feedback and replaces the
// submission. Returns false on terminal.
func (p *Pipeline) handleFeedback(ctx context.Context, exec *models.Execution, feedback string) bool {
	p.setStage(ctx, exec, models.StageHandlingFeedback)
	log.Info().Str("execution_id", exec.ID).Msg("🔁 Feedback received, regenerating")

	sol, err := p.deliverer.GenerateSolution(ctx, exec, feedback)
	if err != nil {
		p.finish(ctx, exec, models.StageFailed, "regenerate: "+err.Error())
		return false
	}
	exec.FeedbackRounds++
	sol.Attempt = exec.Attempts + exec.FeedbackRounds
	exec.Solution = sol

	sub, err := p.deliverer.UpdateSubmission(ctx, exec, sol)
	if err != nil {
		p.finish(ctx, exec, models.StageFailed, "update submission: "+err.Error())
		return false
	}
	exec.Submission = sub
	p.setStage(ctx, exec, models.StageMonitoring)
	return true
}

// ── Persistence helpers ─────────────────────────────────────

func (p *Pipeline) setStage(ctx context.Context, exec *models.Execution, stage models.Stage) {
	exec.Stage = stage
	exec.StageHistory = append(exec.StageHistory, models.StageTransition{
		Stage: stage,
		At:    time.Now().UTC(),
	})
	p.touch(ctx, exec)
}

func (p *Pipeline) touch(ctx context.Context, exec *models.Execution) {
	exec.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to persist execution")
	}
}

// finish moves the execution to a terminal stage and appends the
// learning record behind the win-rate tally.
func (p *Pipeline) finish(ctx context.Context, exec *models.Execution, stage models.Stage, errMsg string) {
	now := time.Now().UTC()
	exec.Status = models.ExecutionFinished
	exec.Error = errMsg
	exec.CompletedAt = &now
	p.setStage(ctx, exec, stage)

	record := &models.LearningRecord{
		ExecutionID: exec.ID,
		Platform:    exec.Opportunity.Platform,
		Won:         stage == models.StageCompleted,
		Stage:       stage,
		RecordedAt:  now,
	}
	if err := p.store.AppendLearning(ctx, record); err != nil {
		log.Warn().Err(err).Str("execution_id", exec.ID).Msg("Failed to append learning record")
	}

	evt := log.Info()
	if stage == models.StageFailed {
		evt = log.Warn()
	}
	evt.
		Str("execution_id", exec.ID).
		Str("platform", exec.Opportunity.Platform).
		Str("stage", string(stage)).
		Str("error", errMsg).
		Msg("🏁 Execution finished")
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}
