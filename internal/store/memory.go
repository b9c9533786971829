// Package store — in-memory Store implementation.
// Used as the default backend (local dev, tests). Supports file-based
// snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/rs/zerolog/log"
)

// cachedResult wraps a stored outcome result with its expiry.
type cachedResult struct {
	Result    *models.OutcomeResult `json:"result"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Executions map[string]*models.Execution      `json:"executions"`
	Approvals  map[string]*models.ApprovalRecord `json:"approvals"` // key: execution_id
	Results    map[string]*cachedResult          `json:"results"`   // key: idempotency_key
	Learning   []*models.LearningRecord          `json:"learning"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution      // key: id
	approvals  map[string]*models.ApprovalRecord // key: execution_id
	results    map[string]*cachedResult          // key: idempotency_key
	learning   []*models.LearningRecord          // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If LOOM_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.loom/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		executions: make(map[string]*models.Execution),
		approvals:  make(map[string]*models.ApprovalRecord),
		results:    make(map[string]*cachedResult),
		learning:   make([]*models.LearningRecord, 0),
		saveCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}

	// Determine snapshot path
	dataDir := os.Getenv("LOOM_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".loom")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	// Load existing data from disk
	if m.snapshotPath != "" {
		m.loadSnapshot()
	}

	// Start background save goroutine (debounced)
	if m.snapshotPath != "" {
		go m.saveLoop()
	}

	// Start cache TTL eviction goroutine
	go m.evictionLoop()

	log.Info().
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// evictionLoop periodically removes expired cached results.
func (m *MemoryStore) evictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpiredResults()
		}
	}
}

// evictExpiredResults removes cached results past their TTL.
func (m *MemoryStore) evictExpiredResults() {
	now := time.Now()

	m.mu.Lock()
	var evicted int
	for k, r := range m.results {
		if now.After(r.ExpiresAt) {
			delete(m.results, k)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Msg("Evicted expired cached results")
		m.requestSave()
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Executions: m.executions,
		Approvals:  m.approvals,
		Results:    m.results,
		Learning:   m.learning,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Executions != nil {
		m.executions = snap.Executions
	}
	if snap.Approvals != nil {
		m.approvals = snap.Approvals
	}
	if snap.Results != nil {
		m.results = snap.Results
	}
	if snap.Learning != nil {
		m.learning = snap.Learning
	}

	log.Info().
		Int("executions", len(m.executions)).
		Int("approvals", len(m.approvals)).
		Int("cached_results", len(m.results)).
		Int("learning", len(m.learning)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	// Force a final snapshot write so no in-flight data is lost
	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

// ── Execution Store ─────────────────────────────────────────

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var result []models.Execution
	for _, e := range m.executions {
		if filter.Platform != "" && e.Opportunity.Platform != filter.Platform {
			continue
		}
		if filter.Stage != "" && e.Stage != filter.Stage {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		result = append(result, *e)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "execution", Key: id}
	}
	copy := *e
	return &copy, nil
}

func (m *MemoryStore) CreateExecution(_ context.Context, exec *models.Execution) error {
	m.mu.Lock()
	copy := *exec
	m.executions[exec.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, exec *models.Execution) error {
	m.mu.Lock()
	if _, ok := m.executions[exec.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "execution", Key: exec.ID}
	}
	copy := *exec
	copy.UpdatedAt = time.Now().UTC()
	m.executions[exec.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.executions[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "execution", Key: id}
	}
	delete(m.executions, id)
	delete(m.approvals, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Approval Store ──────────────────────────────────────────

func (m *MemoryStore) CreateApproval(_ context.Context, record *models.ApprovalRecord) error {
	m.mu.Lock()
	copy := *record
	m.approvals[record.ExecutionID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, executionID string) (*models.ApprovalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.approvals[executionID]
	if !ok {
		return nil, &ErrNotFound{Entity: "approval", Key: executionID}
	}
	copy := *r
	return &copy, nil
}

func (m *MemoryStore) UpdateApproval(_ context.Context, record *models.ApprovalRecord) error {
	m.mu.Lock()
	copy := *record
	m.approvals[record.ExecutionID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, status string, limit int) ([]models.ApprovalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ApprovalRecord
	for _, r := range m.approvals {
		if status != "" && r.Status != status {
			continue
		}
		result = append(result, *r)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ── Result Cache Store ──────────────────────────────────────

func (m *MemoryStore) GetCachedResult(_ context.Context, idempotencyKey string) (*models.OutcomeResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[idempotencyKey]
	if !ok || time.Now().After(r.ExpiresAt) {
		return nil, &ErrNotFound{Entity: "cached_result", Key: idempotencyKey}
	}
	copy := *r.Result
	return &copy, nil
}

func (m *MemoryStore) PutCachedResult(_ context.Context, idempotencyKey string, result *models.OutcomeResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m.mu.Lock()
	copy := *result
	m.results[idempotencyKey] = &cachedResult{
		Result:    &copy,
		ExpiresAt: time.Now().Add(ttl),
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Learning Store ──────────────────────────────────────────

func (m *MemoryStore) AppendLearning(_ context.Context, record *models.LearningRecord) error {
	m.mu.Lock()
	copy := *record
	m.learning = append(m.learning, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) PlatformTallies(_ context.Context) ([]models.PlatformTally, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byPlatform := make(map[string]*models.PlatformTally)
	for _, r := range m.learning {
		t, ok := byPlatform[r.Platform]
		if !ok {
			t = &models.PlatformTally{Platform: r.Platform}
			byPlatform[r.Platform] = t
		}
		if r.Won {
			t.Wins++
		} else {
			t.Losses++
		}
	}
	result := make([]models.PlatformTally, 0, len(byPlatform))
	for _, t := range byPlatform {
		if total := t.Wins + t.Losses; total > 0 {
			t.WinRate = float64(t.Wins) / float64(total)
		}
		result = append(result, *t)
	}
	return result, nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
