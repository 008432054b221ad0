package hooks

import (
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/amon/internal/store"
)

// stateFile is the on-disk shape of <home>/hooks/state.json.
type stateFile struct {
	Hooks map[string]*HookState `json:"hooks"`
}

// StateStore owns the durable per-hook counters. All mutation is a
// read-modify-write cycle over the JSON file under a coarse per-process lock;
// cross-process access is not supported.
type StateStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// StateOption configures a state store.
type StateOption func(*StateStore)

// WithStateNow overrides the clock for tests.
func WithStateNow(now func() time.Time) StateOption {
	return func(s *StateStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStateStore creates a state store backed by the given state.json path.
func NewStateStore(path string, opts ...StateOption) *StateStore {
	s := &StateStore{path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the state for a hook, zero-valued when absent.
func (s *StateStore) Get(hookID string) HookState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.load()
	if hs, ok := state.Hooks[hookID]; ok {
		return *hs
	}
	return HookState{Dedupe: map[string]string{}}
}

// IncrementInflight bumps a hook's inflight counter by one.
func (s *StateStore) IncrementInflight(hookID string) {
	s.update(hookID, func(hs *HookState) {
		hs.Inflight++
	})
}

// DecrementInflight lowers a hook's inflight counter by one, floored at zero.
func (s *StateStore) DecrementInflight(hookID string) {
	s.update(hookID, func(hs *HookState) {
		if hs.Inflight > 0 {
			hs.Inflight--
		}
	})
}

// RecordTrigger stamps last_triggered_at and, when dedupeKey is non-empty,
// the dedupe entry for that key.
func (s *StateStore) RecordTrigger(hookID string, when time.Time, dedupeKey string) {
	s.update(hookID, func(hs *HookState) {
		hs.LastTriggeredAt = when.Format(time.RFC3339)
		if dedupeKey != "" {
			if hs.Dedupe == nil {
				hs.Dedupe = map[string]string{}
			}
			hs.Dedupe[dedupeKey] = when.Format(time.RFC3339)
		}
	})
}

// ResetInflight zeroes every hook's inflight counter. The daemon calls this
// once at startup: a crashed worker cannot decrement, and no other process
// shares the file.
func (s *StateStore) ResetInflight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.load()
	changed := false
	for _, hs := range state.Hooks {
		if hs.Inflight != 0 {
			hs.Inflight = 0
			changed = true
		}
	}
	if changed {
		s.save(state)
	}
}

func (s *StateStore) update(hookID string, mutate func(*HookState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.load()
	hs, ok := state.Hooks[hookID]
	if !ok {
		hs = &HookState{Dedupe: map[string]string{}}
		state.Hooks[hookID] = hs
	}
	mutate(hs)
	s.save(state)
}

func (s *StateStore) load() stateFile {
	state := stateFile{Hooks: map[string]*HookState{}}
	if _, err := os.Stat(s.path); err != nil {
		return state
	}
	if err := store.ReadJSON(s.path, &state); err != nil || state.Hooks == nil {
		return stateFile{Hooks: map[string]*HookState{}}
	}
	return state
}

func (s *StateStore) save(state stateFile) {
	_ = store.WriteJSON(s.path, state) //nolint:errcheck
}
