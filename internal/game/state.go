// Package game is the authoritative state machine of a running game: status
// transitions, the phase cycle, round timing and the timeline log. Callers
// hold the room's lock for every call.
package game

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/errs"
)

type Transition string

const (
	TransitionStart        Transition = "start"
	TransitionPause        Transition = "pause"
	TransitionResume       Transition = "resume"
	TransitionAdvancePhase Transition = "advance-phase"
	TransitionComplete     Transition = "complete"
	TransitionCancel       Transition = "cancel"
)

// Timeline event names written by the machine.
const (
	TimelineStatusChanged = "status-changed"
	TimelinePhaseChanged  = "phase-changed"
	TimelineRoundEnded    = "round-ended"
	TimelineStateUpdated  = "state-updated"
)

// allowed lists legal status moves; completed and cancelled have none.
var allowed = map[internal.GameStatus][]internal.GameStatus{
	internal.StatusWaiting:    {internal.StatusInProgress, internal.StatusCancelled},
	internal.StatusInProgress: {internal.StatusPaused, internal.StatusCompleted, internal.StatusCancelled},
	internal.StatusPaused:     {internal.StatusInProgress, internal.StatusCancelled},
}

func CanTransition(from, to internal.GameStatus) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Machine struct {
	now func() time.Time
}

func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{now: now}
}

func (m *Machine) Now() time.Time {
	return m.now()
}

// SetStatus moves the game to a new status if the move is legal.
func (m *Machine) SetStatus(room *internal.GameRoom, to internal.GameStatus, actor string) error {
	from := room.Status
	if !CanTransition(from, to) {
		return errs.Conflict(errs.CodeInvalidTransition, "game %s cannot go from %s to %s", room.Id, from, to)
	}

	now := m.now()
	room.Status = to
	switch to {
	case internal.StatusInProgress:
		if room.RoundTimeRemaining <= 0 {
			room.RoundTimeRemaining = room.RoundDuration
		}
		room.RoundDeadline = now.Add(room.RoundTimeRemaining)
	default:
		room.RoundDeadline = time.Time{}
	}

	room.Record(internal.TimelineEntry{
		Timestamp: now,
		Event:     TimelineStatusChanged,
		UserID:    actor,
		Details:   map[string]any{"from": string(from), "to": string(to)},
	})
	log.Info().Str("game_id", room.Id).Str("from", string(from)).Str("to", string(to)).
		Str("player_id", actor).Msg("game status changed")
	return nil
}

// AdvancePhase cycles setup -> planning -> execution -> review -> setup.
func (m *Machine) AdvancePhase(room *internal.GameRoom, actor string) error {
	if room.Status != internal.StatusInProgress {
		return errs.Conflict(errs.CodeGameNotRunning, "game %s is %s, phases only advance while in-progress", room.Id, room.Status)
	}
	m.setPhase(room, nextPhase(room.Phase), actor)
	return nil
}

func nextPhase(p internal.GamePhase) internal.GamePhase {
	for i, phase := range internal.PhaseCycle {
		if phase == p {
			return internal.PhaseCycle[(i+1)%len(internal.PhaseCycle)]
		}
	}
	return internal.PhaseSetup
}

func (m *Machine) setPhase(room *internal.GameRoom, to internal.GamePhase, actor string) {
	from := room.Phase
	room.Phase = to
	room.Record(internal.TimelineEntry{
		Timestamp: m.now(),
		Event:     TimelinePhaseChanged,
		UserID:    actor,
		Details:   map[string]any{"from": string(from), "to": string(to)},
	})
	log.Info().Str("game_id", room.Id).Str("from", string(from)).Str("to", string(to)).Msg("game phase changed")
}

// Apply runs a named transition.
func (m *Machine) Apply(room *internal.GameRoom, t Transition, actor string) error {
	switch t {
	case TransitionStart, TransitionResume:
		return m.SetStatus(room, internal.StatusInProgress, actor)
	case TransitionPause:
		return m.SetStatus(room, internal.StatusPaused, actor)
	case TransitionComplete:
		return m.SetStatus(room, internal.StatusCompleted, actor)
	case TransitionCancel:
		return m.SetStatus(room, internal.StatusCancelled, actor)
	case TransitionAdvancePhase:
		return m.AdvancePhase(room, actor)
	}
	return errs.Protocol(errs.CodeInvalidValue, "unknown transition %q", t)
}

func transitionTarget(room *internal.GameRoom, t Transition) (internal.GameStatus, error) {
	switch t {
	case TransitionStart:
		if room.Status != internal.StatusWaiting {
			return "", errs.Conflict(errs.CodeInvalidTransition, "game %s is already %s", room.Id, room.Status)
		}
		return internal.StatusInProgress, nil
	case TransitionResume:
		if room.Status != internal.StatusPaused {
			return "", errs.Conflict(errs.CodeInvalidTransition, "game %s is %s, not paused", room.Id, room.Status)
		}
		return internal.StatusInProgress, nil
	case TransitionPause:
		return internal.StatusPaused, nil
	case TransitionComplete:
		return internal.StatusCompleted, nil
	case TransitionCancel:
		return internal.StatusCancelled, nil
	case TransitionAdvancePhase:
		return room.Status, nil
	}
	return "", errs.Protocol(errs.CodeInvalidValue, "unknown transition %q", t)
}

// Merge shallow-merges a partial state into the room. Validation covers the
// whole update before anything is written, so a rejected update leaves the
// room untouched.
func (m *Machine) Merge(room *internal.GameRoom, update internal.GameStateUpdatePayload, actor string) error {
	status := room.Status
	transition := Transition(update.Transition)
	if transition != "" {
		target, err := transitionTarget(room, transition)
		if err != nil {
			return err
		}
		if transition != TransitionAdvancePhase && !CanTransition(room.Status, target) {
			return errs.Conflict(errs.CodeInvalidTransition, "game %s cannot go from %s to %s", room.Id, room.Status, target)
		}
		if transition == TransitionAdvancePhase && room.Status != internal.StatusInProgress {
			return errs.Conflict(errs.CodeGameNotRunning, "game %s is %s, phases only advance while in-progress", room.Id, room.Status)
		}
		status = target
	}

	if update.Phase != nil {
		if !update.Phase.Valid() {
			return errs.Protocol(errs.CodeInvalidValue, "unknown phase %q", *update.Phase)
		}
		if transition == TransitionAdvancePhase {
			return errs.Protocol(errs.CodeInvalidValue, "phase and advance-phase are mutually exclusive")
		}
		if *update.Phase != room.Phase && status != internal.StatusInProgress {
			return errs.Conflict(errs.CodeGameNotRunning, "game %s is %s, phases only change while in-progress", room.Id, status)
		}
	}

	total := room.TotalRounds
	if update.TotalRounds != nil {
		if *update.TotalRounds < 1 {
			return errs.Protocol(errs.CodeInvalidValue, "totalRounds must be at least 1")
		}
		total = *update.TotalRounds
	}
	current := room.CurrentRound
	if update.CurrentRound != nil {
		current = *update.CurrentRound
	}
	if current < 1 || current > total {
		return errs.Protocol(errs.CodeInvalidValue, "currentRound %d outside 1..%d", current, total)
	}
	if update.RoundTimeRemainingMs != nil && *update.RoundTimeRemainingMs < 0 {
		return errs.Protocol(errs.CodeInvalidValue, "roundTimeRemainingMs must not be negative")
	}
	if status.Terminal() && room.Status.Terminal() {
		return errs.Conflict(errs.CodeInvalidTransition, "game %s is %s", room.Id, room.Status)
	}

	// validated, now apply
	if transition != "" {
		if err := m.Apply(room, transition, actor); err != nil {
			return err
		}
	}

	changed := make([]string, 0, 5)
	if update.Phase != nil && *update.Phase != room.Phase {
		m.setPhase(room, *update.Phase, actor)
	}
	if update.TotalRounds != nil {
		room.TotalRounds = *update.TotalRounds
		changed = append(changed, "totalRounds")
	}
	if update.CurrentRound != nil {
		room.CurrentRound = *update.CurrentRound
		changed = append(changed, "currentRound")
	}
	if update.RoundTimeRemainingMs != nil {
		room.RoundTimeRemaining = time.Duration(*update.RoundTimeRemainingMs) * time.Millisecond
		if room.Status == internal.StatusInProgress {
			room.RoundDeadline = m.now().Add(room.RoundTimeRemaining)
		}
		changed = append(changed, "roundTimeRemainingMs")
	}
	for key, value := range update.Custom {
		if isNull(value) {
			delete(room.Custom, key)
		} else {
			room.Custom[key] = value
		}
		changed = append(changed, "custom."+key)
	}

	if len(changed) > 0 {
		room.Record(internal.TimelineEntry{
			Timestamp: m.now(),
			Event:     TimelineStateUpdated,
			UserID:    actor,
			Details:   map[string]any{"fields": changed},
		})
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
