package pipeline_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/pipeline"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

// fakeDeliverer scripts the platform edge for pipeline tests.
type fakeDeliverer struct {
	mu sync.Mutex

	failValidations int // first N validations fail
	statusScript    []string
	statusIdx       int

	generateCalls int
	lastFeedback  string
	updateCalls   int
	submitCalls   int
}

func (f *fakeDeliverer) GenerateSolution(_ context.Context, _ *models.Execution, feedback string) (*models.Solution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalls++
	f.lastFeedback = feedback
	return &models.Solution{Content: fmt.Sprintf("solution v%d", f.generateCalls)}, nil
}

func (f *fakeDeliverer) ValidateSolution(_ context.Context, _ *models.Execution, _ *models.Solution) (bool, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failValidations > 0 {
		f.failValidations--
		return false, []string{"too short"}, nil
	}
	return true, nil, nil
}

func (f *fakeDeliverer) Submit(_ context.Context, _ *models.Execution, _ *models.Solution) (*models.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	return &models.Submission{ID: "sub-1", Status: pipeline.SubmissionPending, SubmittedAt: time.Now().UTC()}, nil
}

func (f *fakeDeliverer) CheckStatus(_ context.Context, _ *models.Execution) (*models.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := pipeline.SubmissionPending
	if f.statusIdx < len(f.statusScript) {
		status = f.statusScript[f.statusIdx]
		f.statusIdx++
	}
	sub := &models.Submission{ID: "sub-1", Status: status, SubmittedAt: time.Now().UTC()}
	if status == pipeline.SubmissionChangesRequested {
		sub.Feedback = "add more detail"
	}
	return sub, nil
}

func (f *fakeDeliverer) UpdateSubmission(_ context.Context, _ *models.Execution, _ *models.Solution) (*models.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	return &models.Submission{ID: "sub-1", Status: pipeline.SubmissionPending, SubmittedAt: time.Now().UTC()}, nil
}

type fixedScorer struct{ score float64 }

func (s fixedScorer) Score(_ context.Context, _ models.Opportunity) (float64, error) {
	return s.score, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("LOOM_DATA_DIR", dir)
	t.Cleanup(func() { os.Unsetenv("LOOM_DATA_DIR") })
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func opportunity() models.Opportunity {
	return models.Opportunity{
		Platform:  "github",
		Type:      "bounty",
		Title:     "Fix flaky CI",
		BudgetUSD: 200,
	}
}

// waitForStage polls until the execution reaches the stage or the
// deadline passes.
func waitForStage(t *testing.T, st store.Store, id string, want models.Stage) *models.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := st.GetExecution(context.Background(), id)
		if err == nil && exec.Stage == want {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	exec, _ := st.GetExecution(context.Background(), id)
	t.Fatalf("execution never reached stage %s, last: %+v", want, exec)
	return nil
}

// waitForApprovalHold polls until the execution is held for manual
// sign-off: terminal failed stage carrying the hold reason code.
func waitForApprovalHold(t *testing.T, st store.Store, id string) *models.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := st.GetExecution(context.Background(), id)
		if err == nil && exec.Stage == models.StageFailed && exec.Error == pipeline.ApprovalHoldReason {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	exec, _ := st.GetExecution(context.Background(), id)
	t.Fatalf("execution never reached the approval hold, last: %+v", exec)
	return nil
}

func countStage(history []models.StageTransition, stage models.Stage) int {
	n := 0
	for _, tr := range history {
		if tr.Stage == stage {
			n++
		}
	}
	return n
}

func testConfig() pipeline.Config {
	return pipeline.Config{
		ScoreThreshold: 0.5,
		MaxAttempts:    3,
		AutoApprove:    true,
		PollInterval:   10 * time.Millisecond,
	}
}

func TestPipelineHappyPath(t *testing.T) {
	st := newTestStore(t)
	d := &fakeDeliverer{statusScript: []string{pipeline.SubmissionAccepted}}
	p := pipeline.New(st, d, fixedScorer{0.9}, testConfig())
	defer p.Shutdown()

	id, err := p.Start(context.Background(), opportunity())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := waitForStage(t, st, id, models.StageCompleted)
	if exec.Status != models.ExecutionFinished {
		t.Errorf("status = %s, want finished", exec.Status)
	}
	if exec.Score != 0.9 {
		t.Errorf("score = %v", exec.Score)
	}
	if exec.Submission == nil || exec.Submission.Status != pipeline.SubmissionAccepted {
		t.Errorf("submission = %+v", exec.Submission)
	}

	tallies, err := p.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(tallies) != 1 || tallies[0].Platform != "github" || tallies[0].Wins != 1 {
		t.Errorf("tallies = %+v", tallies)
	}
}

func TestPipelineScoreThreshold(t *testing.T) {
	st := newTestStore(t)
	d := &fakeDeliverer{}
	p := pipeline.New(st, d, fixedScorer{0.2}, testConfig())
	defer p.Shutdown()

	id, err := p.Start(context.Background(), opportunity())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := waitForStage(t, st, id, models.StageFailed)
	if exec.Error == "" {
		t.Error("low-score failure should carry an error message")
	}
	if d.generateCalls != 0 {
		t.Errorf("generate called %d times for a dropped opportunity", d.generateCalls)
	}
}

func TestPipelineApprovalHold(t *testing.T) {
	st := newTestStore(t)
	d := &fakeDeliverer{statusScript: []string{pipeline.SubmissionAccepted}}
	cfg := testConfig()
	cfg.AutoApprove = false
	p := pipeline.New(st, d, fixedScorer{0.9}, cfg)
	defer p.Shutdown()

	opp := opportunity()
	opp.RequiresApproval = true
	id, err := p.Start(context.Background(), opp)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := waitForApprovalHold(t, st, id)
	if exec.Status != models.ExecutionFinished {
		t.Errorf("held execution status = %s, want finished", exec.Status)
	}
	if n := countStage(exec.StageHistory, models.StagePlanning); n != 0 {
		t.Errorf("planning ran %d times before approval", n)
	}
	if n := countStage(exec.StageHistory, models.StageGenerating); n != 0 {
		t.Errorf("generating ran %d times before approval", n)
	}
	record, err := st.GetApproval(context.Background(), id)
	if err != nil {
		t.Fatalf("approval record: %v", err)
	}
	if record.Status != models.ApprovalWaiting {
		t.Errorf("approval status = %s", record.Status)
	}

	// The hold is not a platform loss.
	if tallies, _ := p.Stats(context.Background()); len(tallies) != 0 {
		t.Errorf("tallies = %+v, want none for a held execution", tallies)
	}

	if err := p.Approve(context.Background(), id, "ops@example.com", "looks good", true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	waitForStage(t, st, id, models.StageCompleted)

	record, _ = st.GetApproval(context.Background(), id)
	if record.Status != models.ApprovalApproved || record.ResolvedAt == nil {
		t.Errorf("resolved approval = %+v", record)
	}
}

func TestPipelineApprovalRejection(t *testing.T) {
	st := newTestStore(t)
	d := &fakeDeliverer{}
	cfg := testConfig()
	cfg.AutoApprove = false
	p := pipeline.New(st, d, fixedScorer{0.9}, cfg)
	defer p.Shutdown()

	opp := opportunity()
	opp.RequiresApproval = true
	id, _ := p.Start(context.Background(), opp)
	waitForApprovalHold(t, st, id)

	if err := p.Approve(context.Background(), id, "ops@example.com", "not worth it", false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	exec, err := st.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Stage != models.StageFailed || exec.Error != "approval rejected" {
		t.Errorf("rejected execution stage = %s error = %q", exec.Stage, exec.Error)
	}
	if d.generateCalls != 0 {
		t.Errorf("generate called %d times for a rejected execution", d.generateCalls)
	}

	// A second decision on the same approval is rejected.
	if err := p.Approve(context.Background(), id, "ops@example.com", "", true); err == nil {
		t.Error("double decision should error")
	}
}

func TestPipelineValidationRetryLoop(t *testing.T) {
	st := newTestStore(t)
	d := &fakeDeliverer{failValidations: 2, statusScript: []string{pipeline.SubmissionAccepted}}
	p := pipeline.New(st, d, fixedScorer{0.9}, testConfig())
	defer p.Shutdown()

	id, _ := p.Start(context.Background(), opportunity())
	exec := waitForStage(t, st, id, models.StageCompleted)
	if exec.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (two validation failures)", exec.Attempts)
	}
	if n := countStage(exec.StageHistory, models.StageGenerating); n != 3 {
		t.Errorf("generating entries in stage history = %d, want 3", n)
	}
	if d.generateCalls != 3 {
		t.Errorf("generate calls = %d, want 3", d.generateCalls)
	}
	if d.lastFeedback != "too short" {
		t.Errorf("last feedback = %q, want validation reason fed back", d.lastFeedback)
	}
}

func TestPipelineValidationExhaustsAttempts(t *testing.T) {
	st := newTestStore(t)
	d := &fakeDeliverer{failValidations: 10}
	p := pipeline.New(st, d, fixedScorer{0.9}, testConfig())
	defer p.Shutdown()

	id, _ := p.Start(context.Background(), opportunity())
	exec := waitForStage(t, st, id, models.StageFailed)
	if exec.Attempts != 3 {
		t.Errorf("attempts = %d, want MaxAttempts", exec.Attempts)
	}
	if d.submitCalls != 0 {
		t.Errorf("submit called %d times for an invalid solution", d.submitCalls)
	}

	tallies, _ := p.Stats(context.Background())
	if len(tallies) != 1 || tallies[0].Losses != 1 {
		t.Errorf("tallies = %+v, want one loss", tallies)
	}
}

func TestPipelineFeedbackRound(t *testing.T) {
	st := newTestStore(t)
	d := &fakeDeliverer{statusScript: []string{
		pipeline.SubmissionPending,
		pipeline.SubmissionChangesRequested,
		pipeline.SubmissionAccepted,
	}}
	p := pipeline.New(st, d, fixedScorer{0.9}, testConfig())
	defer p.Shutdown()

	id, _ := p.Start(context.Background(), opportunity())
	exec := waitForStage(t, st, id, models.StageCompleted)

	if d.updateCalls != 1 {
		t.Errorf("update submission calls = %d, want 1", d.updateCalls)
	}
	if d.lastFeedback != "add more detail" {
		t.Errorf("regeneration feedback = %q", d.lastFeedback)
	}

	// Feedback rounds are counted apart from validation attempts, so a
	// reviewer round can never exhaust the attempt budget.
	if exec.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", exec.Attempts)
	}
	if exec.FeedbackRounds != 1 {
		t.Errorf("feedback rounds = %d, want 1", exec.FeedbackRounds)
	}
	if exec.Solution == nil || exec.Solution.Attempt != 2 {
		t.Errorf("solution = %+v, want overall attempt 2", exec.Solution)
	}
}

func TestPipelineCancel(t *testing.T) {
	st := newTestStore(t)
	// Status script never resolves, so the execution sits in monitoring.
	d := &fakeDeliverer{}
	p := pipeline.New(st, d, fixedScorer{0.9}, testConfig())
	defer p.Shutdown()

	id, _ := p.Start(context.Background(), opportunity())
	waitForStage(t, st, id, models.StageMonitoring)

	if !p.Cancel(id) {
		t.Fatal("cancel should find the running execution")
	}
	exec := waitForStage(t, st, id, models.StageFailed)
	if exec.Error != "canceled" {
		t.Errorf("error = %q", exec.Error)
	}

	if p.Cancel(id) {
		t.Error("second cancel should report nothing running")
	}
}

func TestPipelineStatusView(t *testing.T) {
	st := newTestStore(t)
	d := &fakeDeliverer{statusScript: []string{pipeline.SubmissionAccepted}}
	p := pipeline.New(st, d, fixedScorer{0.9}, testConfig())
	defer p.Shutdown()

	id, _ := p.Start(context.Background(), opportunity())
	waitForStage(t, st, id, models.StageCompleted)

	view, err := p.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.ExecutionID != id || view.Stage != models.StageCompleted || view.Status != models.ExecutionFinished {
		t.Errorf("view = %+v", view)
	}
	if view.Opportunity.Type != "bounty" {
		t.Errorf("opportunity type = %q", view.Opportunity.Type)
	}
	if view.Opportunity.CreatedAt.IsZero() {
		t.Error("opportunity creation time should be stamped on admission")
	}
	if len(view.StageHistory) == 0 || view.StageHistory[0].Stage != models.StageDiscovered {
		t.Errorf("stage history = %+v, want discovered first", view.StageHistory)
	}

	if _, err := p.Status(context.Background(), "nope"); err == nil {
		t.Error("unknown execution should error")
	}
}
