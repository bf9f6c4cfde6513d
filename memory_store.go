package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	stepStates  map[string]*StepState
	statesByRun map[string][]string
	configs     map[string]*WorkflowConfig
	settings    *Settings
	events      []*RunEvent
	eventsByRun map[string][]int
	nextEventID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*Run),
		stepStates:  make(map[string]*StepState),
		statesByRun: make(map[string][]string),
		configs:     make(map[string]*WorkflowConfig),
		events:      make([]*RunEvent, 0),
		eventsByRun: make(map[string][]int),
		nextEventID: 1,
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	s.runs[run.ID] = run.clone()

	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, ErrEntityNotFound
	}

	return run.clone(), nil
}

func (s *MemoryStore) ReplaceRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.runs[run.ID]
	if !exists {
		return ErrEntityNotFound
	}
	run.CreatedAt = existing.CreatedAt
	run.UpdatedAt = time.Now()
	s.runs[run.ID] = run.clone()

	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter, cursor string, limit int) (*RunPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = pageLimit(limit)
	ids := make([]string, 0, len(s.runs))
	for id, run := range s.runs {
		if id > cursor && filter.match(run) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	page := &RunPage{Runs: make([]*Run, 0, limit), Cursor: cursor, IsDone: len(ids) <= limit}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		page.Runs = append(page.Runs, s.runs[id].clone())
		page.Cursor = id
	}

	return page, nil
}

func (s *MemoryStore) CountRunsByStatus(ctx context.Context) ([]RunStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[RunStatus]int)
	for _, run := range s.runs {
		counts[run.Status]++
	}

	return statsFromCounts(counts), nil
}

func (s *MemoryStore) InsertStepState(ctx context.Context, state *StepState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stepStates[state.ID]; exists {
		return fmt.Errorf("step state %s already exists", state.ID)
	}
	state.CreatedAt = time.Now()
	cp := *state
	s.stepStates[state.ID] = &cp
	s.statesByRun[state.WorkflowID] = append(s.statesByRun[state.WorkflowID], state.ID)

	return nil
}

func (s *MemoryStore) GetStepState(ctx context.Context, id string) (*StepState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.stepStates[id]
	if !exists {
		return nil, ErrEntityNotFound
	}
	cp := *state

	return &cp, nil
}

func (s *MemoryStore) GetStepHistory(ctx context.Context, runID string) ([]*StepState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.statesByRun[runID]
	history := make([]*StepState, 0, len(ids))
	for _, id := range ids {
		cp := *s.stepStates[id]
		history = append(history, &cp)
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Order < history[j].Order
	})

	return history, nil
}

func (s *MemoryStore) InsertWorkflowConfig(ctx context.Context, cfg *WorkflowConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[cfg.ID]; exists {
		return fmt.Errorf("workflow config %s already exists", cfg.ID)
	}
	cfg.CreatedAt = time.Now()
	cp := *cfg
	s.configs[cfg.ID] = &cp

	return nil
}

func (s *MemoryStore) GetWorkflowConfig(ctx context.Context, id string) (*WorkflowConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, exists := s.configs[id]
	if !exists {
		return nil, ErrEntityNotFound
	}
	cp := *cfg

	return &cp, nil
}

func (s *MemoryStore) GetSettings(ctx context.Context) (*Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, ErrEntityNotFound
	}
	cp := *s.settings

	return &cp, nil
}

func (s *MemoryStore) SaveSettings(ctx context.Context, settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *settings
	s.settings = &cp

	return nil
}

func (s *MemoryStore) LogEvent(ctx context.Context, runID string, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	event := &RunEvent{
		ID:        s.nextEventID,
		RunID:     runID,
		EventType: eventType,
		Payload:   data,
		CreatedAt: time.Now(),
	}
	s.nextEventID++
	s.eventsByRun[runID] = append(s.eventsByRun[runID], len(s.events))
	s.events = append(s.events, event)

	return nil
}

func (s *MemoryStore) GetRunEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.eventsByRun[runID]
	events := make([]*RunEvent, 0, len(idxs))
	for _, idx := range idxs {
		cp := *s.events[idx]
		events = append(events, &cp)
	}

	return events, nil
}

type memorySnapshot struct {
	runs        map[string]*Run
	stepStates  map[string]*StepState
	statesByRun map[string][]string
	configs     map[string]*WorkflowConfig
	settings    *Settings
	events      int
	eventsByRun map[string][]int
	nextEventID int64
}

// snapshot captures the store so a failed transaction can be undone. Stored
// values are never mutated in place, so copying the maps is enough.
func (s *MemoryStore) snapshot() *memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &memorySnapshot{
		runs:        make(map[string]*Run, len(s.runs)),
		stepStates:  make(map[string]*StepState, len(s.stepStates)),
		statesByRun: make(map[string][]string, len(s.statesByRun)),
		configs:     make(map[string]*WorkflowConfig, len(s.configs)),
		settings:    s.settings,
		events:      len(s.events),
		eventsByRun: make(map[string][]int, len(s.eventsByRun)),
		nextEventID: s.nextEventID,
	}
	for k, v := range s.runs {
		snap.runs[k] = v
	}
	for k, v := range s.stepStates {
		snap.stepStates[k] = v
	}
	for k, v := range s.statesByRun {
		snap.statesByRun[k] = append([]string(nil), v...)
	}
	for k, v := range s.configs {
		snap.configs[k] = v
	}
	for k, v := range s.eventsByRun {
		snap.eventsByRun[k] = append([]int(nil), v...)
	}

	return snap
}

func (s *MemoryStore) restore(snap *memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = snap.runs
	s.stepStates = snap.stepStates
	s.statesByRun = snap.statesByRun
	s.configs = snap.configs
	s.settings = snap.settings
	s.events = s.events[:snap.events]
	s.eventsByRun = snap.eventsByRun
	s.nextEventID = snap.nextEventID
}

func statsFromCounts(counts map[RunStatus]int) []RunStats {
	stats := make([]RunStats, 0, len(counts))
	for _, status := range []RunStatus{RunStatusCreated, RunStatusPending, RunStatusStarted, RunStatusFinished} {
		if n, ok := counts[status]; ok {
			stats = append(stats, RunStats{Status: status, Count: n})
		}
	}

	return stats
}
