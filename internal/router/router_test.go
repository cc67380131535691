package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/disruption"
	"github.com/scythe504/bizsim-backend/internal/errs"
	"github.com/scythe504/bizsim-backend/internal/store"
	"github.com/scythe504/bizsim-backend/internal/testutil"
)

type harness struct {
	t      *testing.T
	now    time.Time
	store  *store.Memory
	router *Router
}

type neverRand struct{}

func (neverRand) Float64() float64 { return 0.99 }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		store: fixture(),
	}
	h.router = New(h.store, Options{
		Now:              func() time.Time { return h.now },
		IdleTimeout:      10 * time.Minute,
		PersistWarnAfter: 2,
		ClampScores:      true,
		Disruption:       disruption.DefaultPolicy(),
		Rand:             neverRand{},
	})
	return h
}

func fixture() *store.Memory {
	m := store.NewMemory()
	m.PutScenario(internal.Scenario{
		ID:            "s1",
		Title:         "Office relocation",
		InitialBudget: 25000,
		DisruptionCards: []internal.DisruptionCard{{
			ID:        "supplier-bankrupt",
			Title:     "Supplier goes bankrupt",
			Severity:  internal.SeverityCritical,
			Trigger:   internal.TriggerConditions{Phases: []internal.GamePhase{internal.PhaseExecution}},
			Effects:   internal.EffectVector{Budget: 500, Quality: -20},
			Frequency: internal.FrequencyOnce,
			ResponseOptions: []internal.ResponseOption{
				{ID: "new-supplier", Cost: 2000, Effectiveness: 0.8},
			},
		}},
		Decisions: []internal.ScenarioDecision{{
			ID: "vendor",
			Options: []internal.DecisionOption{
				{ID: "premium", Consequences: internal.Consequences{Budget: 2000, Quality: 10}},
			},
		}},
	})
	m.PutGame(internal.GameRecord{
		ID:              "g1",
		ScenarioID:      "s1",
		TotalRounds:     2,
		RoundDurationMs: 60_000,
		Teams: []internal.TeamRecord{
			{ID: "t1", Name: "Alpha", Members: []string{"alice", "bob"}},
			{ID: "t2", Name: "Beta", Members: []string{"carol"}},
		},
	})
	return m
}

func (h *harness) send(s *Session, kind string, data any) {
	h.t.Helper()
	raw, err := json.Marshal(map[string]any{"type": kind, "data": data})
	require.NoError(h.t, err)
	h.router.Handle(context.Background(), s, raw)
}

func (h *harness) connect(player string, role internal.Role) (*testutil.FakeConn, *Session) {
	h.t.Helper()
	conn := testutil.NewFakeConn()
	s := h.router.NewSession(conn)
	h.send(s, internal.EventAuthenticate, internal.AuthenticatePayload{PlayerID: player, GameID: "g1", Role: role})
	require.Equal(h.t, []string{internal.EventAuthenticated}, conn.Types(), "authenticate %s", player)
	return conn, s
}

func (h *harness) player(name, team string) (*testutil.FakeConn, *Session) {
	h.t.Helper()
	conn, s := h.connect(name, internal.RolePlayer)
	h.send(s, internal.EventJoinTeam, internal.JoinTeamPayload{TeamID: team})
	require.Len(h.t, conn.OfType(internal.EventTeamJoined), 1, "%s join %s", name, team)
	return conn, s
}

func (h *harness) transition(s *Session, tr string) {
	h.t.Helper()
	h.send(s, internal.EventGameStateUpdate, map[string]string{"transition": tr})
}

func dataOf[T any](t *testing.T, env testutil.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func lastError(t *testing.T, conn *testutil.FakeConn) internal.ErrorData {
	t.Helper()
	replies := conn.OfType(internal.EventError)
	require.NotEmpty(t, replies, "expected an error reply")
	return dataOf[internal.ErrorData](t, replies[len(replies)-1])
}

func TestAuthenticateJoinsAndAnnounces(t *testing.T) {
	h := newHarness(t)
	alice, as := h.connect("alice", internal.RolePlayer)
	bob, _ := h.connect("bob", internal.RolePlayer)

	ack := dataOf[internal.AuthenticatedData](t, bob.Messages()[0])
	assert.True(t, ack.Success)
	assert.Equal(t, "g1", ack.GameID)
	assert.Equal(t, 2, ack.PlayersCount)

	joined := alice.OfType(internal.EventPlayerJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, internal.PlayerPresenceData{UserID: "bob", PlayersCount: 2}, dataOf[internal.PlayerPresenceData](t, joined[0]))

	// authenticating again is idempotent
	h.send(as, internal.EventAuthenticate, internal.AuthenticatePayload{PlayerID: "alice", GameID: "g1"})
	assert.Equal(t, []string{internal.EventAuthenticated}, bob.Types())
	assert.Equal(t, 2, h.router.Registry().Members("g1"))
}

func TestPingNeedsNoAuthentication(t *testing.T) {
	h := newHarness(t)
	conn := testutil.NewFakeConn()
	h.send(h.router.NewSession(conn), internal.EventPing, nil)
	assert.Equal(t, []string{internal.EventPong}, conn.Types())
}

func TestPresenceInvariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, alice := h.connect("alice", internal.RolePlayer)
	_, bob := h.connect("bob", internal.RolePlayer)
	carolOld, carol := h.connect("carol", internal.RolePlayer)
	h.send(alice, internal.EventAuthenticate, internal.AuthenticatePayload{PlayerID: "alice", GameID: "g1"})
	assert.Equal(t, 3, h.router.Registry().Members("g1"))

	h.router.Disconnect(ctx, bob)
	assert.Equal(t, 2, h.router.Registry().Members("g1"))
	h.connect("bob", internal.RolePlayer)

	// carol reconnects; the stale connection is closed and its disconnect is a no-op
	carolNew, _ := h.connect("carol", internal.RolePlayer)
	assert.True(t, carolOld.Closed())
	assert.False(t, carolNew.Closed())
	h.router.Disconnect(ctx, carol)
	assert.Equal(t, 3, h.router.Registry().Members("g1"))

	h.router.Disconnect(ctx, alice)
	assert.Equal(t, 2, h.router.Registry().Members("g1"))
	assert.Equal(t, []string{"bob", "carol"}, h.router.presence.Members("g1"))

	_, ok := h.router.presence.ConnectionOf("alice")
	assert.False(t, ok)
	conn, ok := h.router.presence.ConnectionOf("carol")
	require.True(t, ok)
	assert.Equal(t, carolNew.ID(), conn.ID())
}

func TestMalformedEventsAnswerSenderOnly(t *testing.T) {
	h := newHarness(t)
	bob, _ := h.connect("bob", internal.RolePlayer)
	bob.Reset()

	anon := testutil.NewFakeConn()
	as := h.router.NewSession(anon)

	h.router.Handle(context.Background(), as, []byte(`{not json`))
	assert.Equal(t, string(errs.CodeMalformedEvent), lastError(t, anon).Code)

	h.send(as, "teleport", nil)
	assert.Equal(t, string(errs.CodeUnknownEvent), lastError(t, anon).Code)

	h.send(as, internal.EventJoinTeam, internal.JoinTeamPayload{TeamID: "t1"})
	assert.Equal(t, string(errs.CodeNotAuthenticated), lastError(t, anon).Code)

	h.send(as, internal.EventAuthenticate, internal.AuthenticatePayload{PlayerID: "mallory", GameID: "nope"})
	assert.Equal(t, string(errs.CodeGameNotFound), lastError(t, anon).Code)
	assert.False(t, h.router.Registry().Exists("nope"))

	h.send(as, internal.EventAuthenticate, internal.AuthenticatePayload{GameID: "g1"})
	assert.Equal(t, string(errs.CodeMissingField), lastError(t, anon).Code)

	h.send(as, internal.EventAuthenticate, internal.AuthenticatePayload{PlayerID: "mallory", GameID: "g1"})
	h.send(as, internal.EventJoinTeam, internal.JoinTeamPayload{TeamID: "t1"})
	assert.Equal(t, string(errs.CodeNotOnRoster), lastError(t, anon).Code)

	h.send(as, internal.EventJoinTeam, internal.JoinTeamPayload{TeamID: "t9"})
	assert.Equal(t, string(errs.CodeTeamNotFound), lastError(t, anon).Code)

	h.router.Handle(context.Background(), as, []byte(`{"type":"join-team","data":{"teamId":5}}`))
	assert.Equal(t, string(errs.CodeMalformedEvent), lastError(t, anon).Code)

	h.send(as, internal.EventTeamMessage, internal.TeamMessagePayload{Message: "hi"})
	assert.Equal(t, string(errs.CodeNotInTeam), lastError(t, anon).Code)

	assert.Equal(t, []string{internal.EventPlayerJoined}, bob.Types())
}

func TestTeamTrafficStaysInTeam(t *testing.T) {
	h := newHarness(t)
	alice, as := h.player("alice", "t1")
	bob, _ := h.player("bob", "t1")
	carol, _ := h.player("carol", "t2")
	for _, c := range []*testutil.FakeConn{alice, bob, carol} {
		c.Reset()
	}

	h.send(as, internal.EventTeamMessage, internal.TeamMessagePayload{TeamID: "t1", Message: "order the desks"})

	updates := bob.OfType(internal.EventTeamUpdate)
	require.Len(t, updates, 1)
	update := dataOf[struct {
		Type string                   `json:"type"`
		Data internal.TeamMessageData `json:"data"`
	}](t, updates[0])
	assert.Equal(t, "message", update.Type)
	assert.Equal(t, "order the desks", update.Data.Message)
	assert.Equal(t, "chat", update.Data.Type)
	assert.Equal(t, "alice", update.Data.FromUserID)

	assert.Empty(t, alice.OfType(internal.EventTeamUpdate))
	assert.Empty(t, carol.Messages())

	h.send(as, internal.EventTeamMessage, internal.TeamMessagePayload{TeamID: "t2", Message: "spy"})
	assert.Equal(t, string(errs.CodeNotInTeam), lastError(t, alice).Code)
	assert.Empty(t, carol.Messages())
}

func TestGameActionReachesWholeRoom(t *testing.T) {
	h := newHarness(t)
	alice, as := h.player("alice", "t1")
	carol, _ := h.player("carol", "t2")

	h.send(as, internal.EventGameAction, map[string]any{"action": "vote", "payload": map[string]int{"choice": 2}})

	for _, c := range []*testutil.FakeConn{alice, carol} {
		updates := c.OfType(internal.EventGameUpdate)
		require.Len(t, updates, 1)
		got := dataOf[internal.GameUpdateData](t, updates[0])
		assert.Equal(t, "vote", got.Action)
		assert.Equal(t, "alice", got.PlayerID)
		assert.JSONEq(t, `{"choice":2}`, string(got.Payload))
		assert.True(t, h.now.Equal(got.Timestamp))
	}
}

func TestStateUpdatesAreBroadcastAndConflictsRejected(t *testing.T) {
	h := newHarness(t)
	fac, fs := h.connect("fac", internal.RoleFacilitator)
	alice, _ := h.player("alice", "t1")

	h.transition(fs, "start")
	changed := alice.OfType(internal.EventGameStateChanged)
	require.Len(t, changed, 1)
	state := dataOf[internal.GameStateChangedData](t, changed[0]).GameState
	assert.Equal(t, internal.StatusInProgress, state.Status)
	assert.Equal(t, 2, state.PlayersCount)
	require.Len(t, state.Teams, 2)
	assert.Equal(t, 25000.0, state.Teams[0].BudgetRemaining)

	h.transition(fs, "resume")
	assert.Equal(t, string(errs.CodeInvalidTransition), lastError(t, fac).Code)
	assert.Len(t, alice.OfType(internal.EventGameStateChanged), 1)
	assert.Empty(t, alice.OfType(internal.EventError))

	snap, ok := h.router.Snapshot("g1")
	require.True(t, ok)
	assert.Equal(t, internal.StatusInProgress, snap.Status)
}

func TestTeamDecisionAppliesConsequences(t *testing.T) {
	h := newHarness(t)
	_, fs := h.connect("fac", internal.RoleFacilitator)
	alice, as := h.player("alice", "t1")
	bob, _ := h.player("bob", "t1")
	h.transition(fs, "start")

	h.send(as, internal.EventTeamDecision, map[string]any{"teamId": "t1", "decisionId": "vendor", "decision": "premium"})

	assert.Empty(t, alice.OfType(internal.EventTeamUpdate))
	require.Len(t, bob.OfType(internal.EventTeamUpdate), 1)

	scores := bob.OfType(internal.EventScoreUpdated)
	require.Len(t, scores, 3)
	assert.Len(t, alice.OfType(internal.EventScoreUpdated), 3)
	last := dataOf[internal.ScoreUpdatedData](t, scores[2])
	assert.Equal(t, internal.CategoryTeamwork, last.Category)
	assert.InDelta(t, 9.0, last.Current, 1e-9)
	assert.Zero(t, last.Breakdown.Budget, "display clamps the negative budget score")

	snap, ok := h.router.Snapshot("g1")
	require.True(t, ok)
	assert.Equal(t, 2000.0, snap.Teams[0].BudgetSpent)
	assert.Equal(t, 8, snap.Teams[0].BudgetUtilization)
	assert.Equal(t, 110.0, snap.Teams[0].Quality)
}

func TestRepeatedDecisionBooksConsequencesOnce(t *testing.T) {
	h := newHarness(t)
	_, fs := h.connect("fac", internal.RoleFacilitator)
	_, as := h.player("alice", "t1")
	bob, _ := h.player("bob", "t1")
	h.transition(fs, "start")

	for range 3 {
		h.send(as, internal.EventTeamDecision, map[string]any{"decisionId": "vendor", "decision": "premium"})
	}

	assert.Len(t, bob.OfType(internal.EventTeamUpdate), 3, "repeats are still shared with the team")

	snap, ok := h.router.Snapshot("g1")
	require.True(t, ok)
	assert.Equal(t, 2000.0, snap.Teams[0].BudgetSpent)
	assert.Equal(t, 110.0, snap.Teams[0].Quality)
	assert.InDelta(t, 10.0, snap.Teams[0].Score.Quality, 1e-9)
	assert.InDelta(t, 3.0, snap.Teams[0].Score.Teamwork, 1e-9)
}

func TestGameCompletedShowsClampedBreakdown(t *testing.T) {
	h := newHarness(t)
	_, fs := h.connect("fac", internal.RoleFacilitator)
	alice, as := h.player("alice", "t1")
	h.transition(fs, "start")
	h.send(as, internal.EventTeamDecision, map[string]any{"decisionId": "vendor", "decision": "premium"})
	h.transition(fs, "complete")

	completed := alice.OfType(internal.EventGameCompleted)
	require.Len(t, completed, 1)
	result := dataOf[internal.GameCompletedData](t, completed[0])
	require.Len(t, result.FinalScores, 2)
	assert.Equal(t, "t1", result.FinalScores[0].TeamID)
	for _, score := range result.FinalScores {
		for _, c := range internal.ScoreCategories {
			assert.GreaterOrEqual(t, score.Breakdown.Get(c), 0.0, "team %s category %s", score.TeamID, c)
		}
	}
	assert.InDelta(t, 2.15, result.FinalScores[0].Score, 1e-9, "the score itself uses the signed totals")

	persisted := h.store.FinalScores("g1")
	require.Len(t, persisted, 2)
	assert.Equal(t, "t1", persisted[0].TeamID)
	assert.InDelta(t, -2.0, persisted[0].Breakdown.Budget, 1e-9)
}

func TestDisruptionEndToEnd(t *testing.T) {
	h := newHarness(t)
	_, fs := h.connect("fac", internal.RoleFacilitator)
	alice, as := h.player("alice", "t1")
	carol, _ := h.player("carol", "t2")

	h.transition(fs, "start")
	h.transition(fs, "advance-phase")
	assert.Empty(t, alice.OfType(internal.EventDisruptionCard))
	h.transition(fs, "advance-phase")

	cards := alice.OfType(internal.EventDisruptionCard)
	require.Len(t, cards, 1)
	require.Len(t, carol.OfType(internal.EventDisruptionCard), 1)
	card := dataOf[internal.DisruptionCardData](t, cards[0])
	assert.Equal(t, "supplier-bankrupt", card.CardID)
	assert.Equal(t, internal.SeverityCritical, card.Severity)

	// later state events never re-instantiate a once card
	h.transition(fs, "pause")
	h.transition(fs, "resume")
	assert.Len(t, alice.OfType(internal.EventDisruptionCard), 1)

	h.send(as, internal.EventDisruptionResponse, internal.DisruptionResponsePayload{InstanceID: card.InstanceID, OptionID: "new-supplier"})
	resolved := alice.OfType(internal.EventDisruptionResolved)
	require.Len(t, resolved, 1)
	res := dataOf[internal.DisruptionResolvedData](t, resolved[0])
	assert.InDelta(t, 32.0, res.CrisisDelta, 1e-9)
	assert.False(t, res.FullyResolved)
	assert.Empty(t, carol.OfType(internal.EventDisruptionResolved))

	snap, _ := h.router.Snapshot("g1")
	assert.Equal(t, 2500.0, snap.Teams[0].BudgetSpent)
	assert.InDelta(t, 96.0, snap.Teams[0].Quality, 1e-9)
	assert.InDelta(t, 32.0, snap.Teams[0].Score.Crisis, 1e-9)
	assert.Equal(t, 1, snap.PendingDisruptions)

	h.send(as, internal.EventDisruptionResponse, internal.DisruptionResponsePayload{InstanceID: card.InstanceID, OptionID: "new-supplier"})
	assert.Equal(t, string(errs.CodeAlreadyResolved), lastError(t, alice).Code)
	snap, _ = h.router.Snapshot("g1")
	assert.Equal(t, 2500.0, snap.Teams[0].BudgetSpent)
	assert.Len(t, alice.OfType(internal.EventDisruptionResolved), 1)
}

func TestManualTrigger(t *testing.T) {
	h := newHarness(t)
	fac, fs := h.connect("fac", internal.RoleFacilitator)
	alice, _ := h.player("alice", "t1")
	carol, _ := h.player("carol", "t2")
	h.transition(fs, "start")

	h.send(fs, internal.EventDisruptionTriggered, internal.DisruptionTriggeredPayload{CardID: "supplier-bankrupt", AffectedTeams: []string{"t2"}})
	assert.Empty(t, alice.OfType(internal.EventDisruptionCard))
	assert.Len(t, carol.OfType(internal.EventDisruptionCard), 1)

	h.send(fs, internal.EventDisruptionTriggered, internal.DisruptionTriggeredPayload{CardID: "supplier-bankrupt"})
	assert.Equal(t, string(errs.CodeCardExhausted), lastError(t, fac).Code)

	h.send(fs, internal.EventDisruptionTriggered, internal.DisruptionTriggeredPayload{CardID: "meteor"})
	assert.Equal(t, string(errs.CodeCardNotFound), lastError(t, fac).Code)
}

func TestTicksEndRoundsAndPersistFinalScores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, fs := h.connect("fac", internal.RoleFacilitator)
	alice, as := h.player("alice", "t1")
	h.transition(fs, "start")
	h.send(as, internal.EventTeamDecision, map[string]any{"decisionId": "vendor", "decision": map[string]string{"optionId": "premium"}})

	h.router.TickAll(ctx, 30*time.Second)
	assert.Empty(t, alice.OfType(internal.EventRoundEnded))

	h.router.TickAll(ctx, 30*time.Second)
	ended := alice.OfType(internal.EventRoundEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, 2, dataOf[internal.RoundEndedData](t, ended[0]).NextRound)
	assert.Len(t, h.store.Timeline("g1"), 3)

	h.router.TickAll(ctx, time.Minute)
	completed := alice.OfType(internal.EventGameCompleted)
	require.Len(t, completed, 1)
	result := dataOf[internal.GameCompletedData](t, completed[0])
	assert.Equal(t, "t1", result.Winner)
	require.Len(t, result.FinalScores, 2)
	assert.InDelta(t, 2.15, result.FinalScores[0].Score, 1e-9)

	persisted := h.store.FinalScores("g1")
	require.Len(t, persisted, 2)
	assert.True(t, persisted[0].Winner)

	events := make([]string, 0)
	for _, e := range h.store.Timeline("g1") {
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{
		"status-changed", "team-decision", "round-ended", "round-ended",
		"phase-changed", "status-changed", internal.EventGameCompleted,
	}, events)
}

func TestTerminalRoomIsDestroyedWhenLastMemberLeaves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, fs := h.connect("fac", internal.RoleFacilitator)
	_, as := h.player("alice", "t1")

	h.transition(fs, "cancel")
	h.router.Disconnect(ctx, as)
	assert.True(t, h.router.Registry().Exists("g1"))

	h.router.Disconnect(ctx, fs)
	assert.False(t, h.router.Registry().Exists("g1"))
	_, ok := h.router.Snapshot("g1")
	assert.False(t, ok)
}

func TestIdleRoomsAreSwept(t *testing.T) {
	h := newHarness(t)
	_, as := h.player("alice", "t1")
	h.router.Disconnect(context.Background(), as)
	require.True(t, h.router.Registry().Exists("g1"))

	assert.Empty(t, h.router.Sweep(h.now.Add(5*time.Minute)))
	assert.Equal(t, []string{"g1"}, h.router.Sweep(h.now.Add(10*time.Minute)))
	assert.False(t, h.router.Registry().Exists("g1"))
}

func TestSweptGameKeepsOnceCardsSpent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, fs := h.connect("fac", internal.RoleFacilitator)
	alice, as := h.player("alice", "t1")
	h.transition(fs, "start")
	h.transition(fs, "advance-phase")
	h.transition(fs, "advance-phase")
	require.Len(t, alice.OfType(internal.EventDisruptionCard), 1)

	h.router.Disconnect(ctx, as)
	h.router.Disconnect(ctx, fs)
	require.Equal(t, []string{"g1"}, h.router.Sweep(h.now.Add(10*time.Minute)))

	alice, _ = h.player("alice", "t1")
	_, fs = h.connect("fac", internal.RoleFacilitator)
	h.transition(fs, "start")
	h.transition(fs, "advance-phase")
	h.transition(fs, "advance-phase")

	snap, ok := h.router.Snapshot("g1")
	require.True(t, ok)
	assert.Equal(t, internal.PhaseExecution, snap.Phase)
	assert.Empty(t, alice.OfType(internal.EventDisruptionCard))
	assert.Zero(t, snap.PendingDisruptions)
}

func TestPersistenceFailuresWarnSupervisorsAndRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fac, fs := h.connect("fac", internal.RoleFacilitator)
	_, as := h.player("alice", "t1")
	_, _ = h.player("bob", "t1")
	h.transition(fs, "start")

	h.store.FailWith(errors.New("connection refused"))
	h.router.TickAll(ctx, time.Minute)
	assert.Empty(t, fac.OfType(internal.EventWarning))

	h.router.Disconnect(ctx, as)
	require.Len(t, fac.OfType(internal.EventWarning), 1)
	assert.Empty(t, h.store.Timeline("g1"))

	h.store.FailWith(nil)
	h.router.TickAll(ctx, time.Minute)

	events := make([]string, 0)
	for _, e := range h.store.Timeline("g1") {
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{
		"status-changed", "round-ended", "round-ended",
		"phase-changed", "status-changed", internal.EventGameCompleted,
	}, events)
	assert.Len(t, h.store.FinalScores("g1"), 2)

	room, ok := h.router.Registry().Lock("g1")
	require.True(t, ok)
	assert.Zero(t, room.PersistFailures)
	assert.Empty(t, room.UnflushedTimeline)
	assert.False(t, room.Flushing)
	h.router.Registry().Unlock(room)
}
