package game

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/errs"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRoom() *internal.GameRoom {
	return internal.NewGameRoom(&internal.GameRecord{
		ID:              "g1",
		TotalRounds:     2,
		RoundDurationMs: 60_000,
		Teams:           []internal.TeamRecord{{ID: "t1"}},
	}, nil, time.Minute)
}

func newMachine() *Machine {
	return NewMachine(func() time.Time { return epoch })
}

func TestStatusTransitions(t *testing.T) {
	m := newMachine()
	room := newRoom()

	require.NoError(t, m.Apply(room, TransitionStart, "fac"))
	assert.Equal(t, internal.StatusInProgress, room.Status)
	assert.Equal(t, epoch.Add(time.Minute), room.RoundDeadline)

	require.NoError(t, m.Apply(room, TransitionPause, "fac"))
	require.NoError(t, m.Apply(room, TransitionResume, "fac"))
	require.NoError(t, m.Apply(room, TransitionComplete, "fac"))
	assert.Equal(t, internal.StatusCompleted, room.Status)

	for _, tr := range []Transition{TransitionStart, TransitionResume, TransitionPause, TransitionCancel} {
		err := m.Apply(room, tr, "fac")
		assert.Equal(t, errs.KindStateConflict, errs.KindOf(err), "transition %s from completed", tr)
	}
	assert.Equal(t, internal.StatusCompleted, room.Status)
	assert.Len(t, room.Timeline, 4)
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	for _, from := range []internal.GameStatus{internal.StatusWaiting, internal.StatusInProgress, internal.StatusPaused} {
		room := newRoom()
		room.Status = from
		require.NoError(t, newMachine().Apply(room, TransitionCancel, ""), "cancel from %s", from)
		assert.Equal(t, internal.StatusCancelled, room.Status)
	}
}

func TestWaitingCannotPauseOrComplete(t *testing.T) {
	m := newMachine()
	room := newRoom()

	assert.Equal(t, errs.KindStateConflict, errs.KindOf(m.Apply(room, TransitionPause, "")))
	assert.Equal(t, errs.KindStateConflict, errs.KindOf(m.Apply(room, TransitionComplete, "")))
	assert.Empty(t, room.Timeline)
}

func TestAdvancePhaseCyclesOnlyWhileRunning(t *testing.T) {
	m := newMachine()
	room := newRoom()

	err := m.AdvancePhase(room, "")
	assert.Equal(t, errs.CodeGameNotRunning, errs.CodeOf(err))

	require.NoError(t, m.Apply(room, TransitionStart, ""))
	want := []internal.GamePhase{internal.PhasePlanning, internal.PhaseExecution, internal.PhaseReview, internal.PhaseSetup}
	for _, phase := range want {
		require.NoError(t, m.AdvancePhase(room, ""))
		assert.Equal(t, phase, room.Phase)
	}
	assert.Len(t, room.Timeline, 1+len(want))
	assert.Len(t, room.UnflushedTimeline, len(room.Timeline))
}

func TestMergeIsAllOrNothing(t *testing.T) {
	m := newMachine()
	room := newRoom()
	require.NoError(t, m.Apply(room, TransitionStart, ""))
	before := len(room.Timeline)

	phase := internal.PhaseExecution
	round := 7
	err := m.Merge(room, internal.GameStateUpdatePayload{
		Phase:        &phase,
		CurrentRound: &round,
		Custom:       map[string]json.RawMessage{"banner": json.RawMessage(`"hi"`)},
	}, "fac")

	assert.Equal(t, errs.KindProtocol, errs.KindOf(err))
	assert.Equal(t, internal.PhaseSetup, room.Phase)
	assert.Equal(t, 1, room.CurrentRound)
	assert.Empty(t, room.Custom)
	assert.Len(t, room.Timeline, before)
}

func TestMergeAppliesTransitionAndFields(t *testing.T) {
	m := newMachine()
	room := newRoom()

	phase := internal.PhasePlanning
	remaining := int64(30_000)
	err := m.Merge(room, internal.GameStateUpdatePayload{
		Transition:           string(TransitionStart),
		Phase:                &phase,
		RoundTimeRemainingMs: &remaining,
		Custom:               map[string]json.RawMessage{"banner": json.RawMessage(`"go"`)},
	}, "fac")
	require.NoError(t, err)

	assert.Equal(t, internal.StatusInProgress, room.Status)
	assert.Equal(t, internal.PhasePlanning, room.Phase)
	assert.Equal(t, 30*time.Second, room.RoundTimeRemaining)
	assert.JSONEq(t, `"go"`, string(room.Custom["banner"]))

	require.NoError(t, m.Merge(room, internal.GameStateUpdatePayload{
		Custom: map[string]json.RawMessage{"banner": json.RawMessage(`null`)},
	}, "fac"))
	assert.NotContains(t, room.Custom, "banner")
}

func TestMergeRejectsPhaseChangeWhileWaiting(t *testing.T) {
	room := newRoom()
	phase := internal.PhaseExecution

	err := newMachine().Merge(room, internal.GameStateUpdatePayload{Phase: &phase}, "")
	assert.Equal(t, errs.KindStateConflict, errs.KindOf(err))
	assert.Equal(t, internal.PhaseSetup, room.Phase)
}

func TestMergeRejectsUnknownTransition(t *testing.T) {
	room := newRoom()
	err := newMachine().Merge(room, internal.GameStateUpdatePayload{Transition: "explode"}, "")
	assert.Equal(t, errs.KindProtocol, errs.KindOf(err))
}

func TestMergeRejectsUpdatesOnTerminalGame(t *testing.T) {
	m := newMachine()
	room := newRoom()
	require.NoError(t, m.Apply(room, TransitionCancel, ""))

	err := m.Merge(room, internal.GameStateUpdatePayload{
		Custom: map[string]json.RawMessage{"k": json.RawMessage(`1`)},
	}, "")
	assert.Equal(t, errs.KindStateConflict, errs.KindOf(err))
	assert.Empty(t, room.Custom)
}
