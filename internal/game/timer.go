package game

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scythe504/bizsim-backend/internal"
)

// =============================================================================
// ROUND TIMING
// =============================================================================

// TickResult describes what a tick changed.
type TickResult struct {
	RoundEnded bool
	EndedRound int
	NextRound  int
	Completed  bool
}

// Tick consumes elapsed time from the current round. The machine owns no
// clock; the caller decides the cadence. When the round runs out the game
// moves to the next round, or, after the last round, to review and completed.
func (m *Machine) Tick(room *internal.GameRoom, elapsed time.Duration) TickResult {
	if room.Status != internal.StatusInProgress || elapsed <= 0 {
		return TickResult{}
	}

	room.RoundTimeRemaining -= elapsed
	if room.RoundTimeRemaining > 0 {
		return TickResult{}
	}

	now := m.now()
	result := TickResult{RoundEnded: true, EndedRound: room.CurrentRound}

	room.Record(internal.TimelineEntry{
		Timestamp: now,
		Event:     TimelineRoundEnded,
		Details:   map[string]any{"round": room.CurrentRound, "totalRounds": room.TotalRounds},
	})

	if room.CurrentRound < room.TotalRounds {
		room.CurrentRound++
		room.RoundTimeRemaining = room.RoundDuration
		room.RoundDeadline = now.Add(room.RoundDuration)
		result.NextRound = room.CurrentRound

		log.Info().Str("game_id", room.Id).Int("ended_round", result.EndedRound).
			Int("next_round", result.NextRound).Msg("round ended")
		return result
	}

	room.RoundTimeRemaining = 0
	if room.Phase != internal.PhaseReview {
		m.setPhase(room, internal.PhaseReview, "")
	}
	if err := m.SetStatus(room, internal.StatusCompleted, ""); err != nil {
		log.Error().Err(err).Str("game_id", room.Id).Msg("could not complete game after final round")
		return result
	}
	result.Completed = true
	log.Info().Str("game_id", room.Id).Int("rounds", room.TotalRounds).Msg("final round ended, game completed")
	return result
}
