// Package store implements the external collaborators the coordinator
// consumes: scenario and game loading plus timeline and final-score
// persistence. The coordinator itself never stores anything.
package store

import (
	"context"

	"github.com/scythe504/bizsim-backend/internal"
)

type Store interface {
	LoadScenario(ctx context.Context, scenarioID string) (*internal.Scenario, error)
	LoadGame(ctx context.Context, gameID string) (*internal.GameRecord, error)
	// LoadTimeline returns a game's persisted timeline in the order written.
	LoadTimeline(ctx context.Context, gameID string) ([]internal.TimelineEntry, error)
	PersistTimelineEvent(ctx context.Context, gameID string, entry internal.TimelineEntry) error
	PersistFinalScores(ctx context.Context, gameID string, scores []internal.FinalScore) error
}

// Seed is the fixture format shared by the memory store and the database seeder.
type Seed struct {
	Scenarios []internal.Scenario   `json:"scenarios"`
	Games     []internal.GameRecord `json:"games"`
}
