package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/errs"
)

// Memory is an in-process Store used for development and tests.
type Memory struct {
	mu        sync.RWMutex
	scenarios map[string]internal.Scenario
	games     map[string]internal.GameRecord
	timeline  map[string][]internal.TimelineEntry
	finals    map[string][]internal.FinalScore
	failure   error
}

func NewMemory() *Memory {
	return &Memory{
		scenarios: make(map[string]internal.Scenario),
		games:     make(map[string]internal.GameRecord),
		timeline:  make(map[string][]internal.TimelineEntry),
		finals:    make(map[string][]internal.FinalScore),
	}
}

// ReadSeedFile decodes a JSON fixture.
func ReadSeedFile(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return seed, nil
}

// LoadSeedFile builds a Memory store from a JSON fixture.
func LoadSeedFile(path string) (*Memory, error) {
	seed, err := ReadSeedFile(path)
	if err != nil {
		return nil, err
	}

	mem := NewMemory()
	for _, sc := range seed.Scenarios {
		mem.PutScenario(sc)
	}
	for _, g := range seed.Games {
		mem.PutGame(g)
	}
	return mem, nil
}

func (m *Memory) PutScenario(sc internal.Scenario) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenarios[sc.ID] = sc
}

func (m *Memory) PutGame(g internal.GameRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[g.ID] = g
}

// FailWith makes every call fail with err until called again with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func (m *Memory) LoadScenario(_ context.Context, scenarioID string) (*internal.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failure != nil {
		return nil, m.failure
	}
	sc, ok := m.scenarios[scenarioID]
	if !ok {
		return nil, errs.NotFound(errs.CodeScenarioNotFound, "scenario %s not found", scenarioID)
	}
	return cloneScenario(sc), nil
}

func (m *Memory) LoadGame(_ context.Context, gameID string) (*internal.GameRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failure != nil {
		return nil, m.failure
	}
	g, ok := m.games[gameID]
	if !ok {
		return nil, errs.NotFound(errs.CodeGameNotFound, "game %s not found", gameID)
	}
	g.Teams = append([]internal.TeamRecord(nil), g.Teams...)
	return &g, nil
}

func (m *Memory) LoadTimeline(_ context.Context, gameID string) ([]internal.TimelineEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failure != nil {
		return nil, m.failure
	}
	return append([]internal.TimelineEntry(nil), m.timeline[gameID]...), nil
}

func (m *Memory) PersistTimelineEvent(_ context.Context, gameID string, entry internal.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failure != nil {
		return m.failure
	}
	m.timeline[gameID] = append(m.timeline[gameID], entry)
	return nil
}

func (m *Memory) PersistFinalScores(_ context.Context, gameID string, scores []internal.FinalScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failure != nil {
		return m.failure
	}
	m.finals[gameID] = append([]internal.FinalScore(nil), scores...)
	return nil
}

func (m *Memory) Timeline(gameID string) []internal.TimelineEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]internal.TimelineEntry(nil), m.timeline[gameID]...)
}

func (m *Memory) FinalScores(gameID string) []internal.FinalScore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]internal.FinalScore(nil), m.finals[gameID]...)
}

// cloneScenario deep-copies through JSON so rooms never share card slices.
func cloneScenario(sc internal.Scenario) *internal.Scenario {
	raw, err := json.Marshal(sc)
	if err != nil {
		return &sc
	}
	var out internal.Scenario
	if err := json.Unmarshal(raw, &out); err != nil {
		return &sc
	}
	return &out
}
