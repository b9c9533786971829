// Package deliverer implements the platform edge of the execution
// pipeline: an HTTP JSON client for a delivery service that generates,
// validates, submits and tracks solutions, plus a simple opportunity
// scorer.
package deliverer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

const maxResponseBytes = 1 << 20

// HTTPDeliverer talks to a platform delivery service over JSON.
//
// The service owns the platform-specific mechanics (how a proposal is
// drafted for GitHub vs. a freelance marketplace); the pipeline only
// sees the Deliverer contract.
type HTTPDeliverer struct {
	endpoint string
	token    string
	client   *http.Client
}

var _ contracts.Deliverer = (*HTTPDeliverer)(nil)

// NewHTTP creates a deliverer from config.
func NewHTTP(cfg config.DelivererConfig) *HTTPDeliverer {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPDeliverer{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		client:   &http.Client{Timeout: timeout},
	}
}

// generatePayload is the request body for generate and update calls.
type generatePayload struct {
	Execution *models.Execution `json:"execution"`
	Feedback  string            `json:"feedback,omitempty"`
	Solution  *models.Solution  `json:"solution,omitempty"`
}

// GenerateSolution asks the delivery service to draft a candidate for
// the opportunity. Feedback from a prior round rides along so the next
// draft can address it.
func (d *HTTPDeliverer) GenerateSolution(ctx context.Context, exec *models.Execution, feedback string) (*models.Solution, error) {
	var sol models.Solution
	err := d.call(ctx, http.MethodPost, "/v1/solutions/generate", generatePayload{
		Execution: exec,
		Feedback:  feedback,
	}, &sol)
	if err != nil {
		return nil, fmt.Errorf("generate solution: %w", err)
	}
	return &sol, nil
}

// ValidateSolution runs the service's pre-submission checks. A failed
// check is a normal result, not an error.
func (d *HTTPDeliverer) ValidateSolution(ctx context.Context, exec *models.Execution, sol *models.Solution) (bool, []string, error) {
	var verdict struct {
		OK      bool     `json:"ok"`
		Reasons []string `json:"reasons,omitempty"`
	}
	err := d.call(ctx, http.MethodPost, "/v1/solutions/validate", generatePayload{
		Execution: exec,
		Solution:  sol,
	}, &verdict)
	if err != nil {
		return false, nil, fmt.Errorf("validate solution: %w", err)
	}
	return verdict.OK, verdict.Reasons, nil
}

// Submit delivers the solution to the target platform.
func (d *HTTPDeliverer) Submit(ctx context.Context, exec *models.Execution, sol *models.Solution) (*models.Submission, error) {
	var sub models.Submission
	err := d.call(ctx, http.MethodPost, "/v1/submissions", generatePayload{
		Execution: exec,
		Solution:  sol,
	}, &sub)
	if err != nil {
		return nil, fmt.Errorf("submit solution: %w", err)
	}
	return &sub, nil
}

// CheckStatus polls the platform for the submission's current state.
func (d *HTTPDeliverer) CheckStatus(ctx context.Context, exec *models.Execution) (*models.Submission, error) {
	if exec.Submission == nil {
		return nil, fmt.Errorf("execution %s has no submission", exec.ID)
	}
	var sub models.Submission
	err := d.call(ctx, http.MethodGet, "/v1/submissions/"+exec.Submission.ID, nil, &sub)
	if err != nil {
		return nil, fmt.Errorf("check submission status: %w", err)
	}
	return &sub, nil
}

// UpdateSubmission replaces the delivered solution after a feedback round.
func (d *HTTPDeliverer) UpdateSubmission(ctx context.Context, exec *models.Execution, sol *models.Solution) (*models.Submission, error) {
	if exec.Submission == nil {
		return nil, fmt.Errorf("execution %s has no submission", exec.ID)
	}
	var sub models.Submission
	err := d.call(ctx, http.MethodPut, "/v1/submissions/"+exec.Submission.ID, generatePayload{
		Execution: exec,
		Solution:  sol,
	}, &sub)
	if err != nil {
		return nil, fmt.Errorf("update submission: %w", err)
	}
	return &sub, nil
}

// call is the shared HTTP round trip: JSON in, JSON out, Bearer auth.
func (d *HTTPDeliverer) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.endpoint+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery service returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
