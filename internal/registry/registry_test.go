package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/disruption"
	"github.com/scythe504/bizsim-backend/internal/errs"
	"github.com/scythe504/bizsim-backend/internal/presence"
	"github.com/scythe504/bizsim-backend/internal/store"
)

type fixture struct {
	reg       *Registry
	store     *store.Memory
	now       time.Time
	destroyed []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(),
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store.PutScenario(internal.Scenario{ID: "s1", Title: "Launch", InitialBudget: 10000})
	f.store.PutGame(internal.GameRecord{
		ID:         "g1",
		ScenarioID: "s1",
		Teams: []internal.TeamRecord{
			{ID: "t1", Name: "Alpha", Members: []string{"alice"}},
			{ID: "t2", Name: "Beta"},
		},
	})
	f.reg = New(presence.NewTracker(), f.store, Options{
		Now:       func() time.Time { return f.now },
		OnDestroy: func(room *internal.GameRoom) { f.destroyed = append(f.destroyed, room.Id) },
	})
	return f
}

func TestJoinGameCreatesRoomOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.reg.JoinGame(ctx, "g1", internal.Identity{PlayerID: "alice", Role: internal.RolePlayer})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.reg.JoinGame(ctx, "g1", internal.Identity{PlayerID: "alice", Role: internal.RolePlayer})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "joining twice is idempotent")

	n, err = f.reg.JoinGame(ctx, "g1", internal.Identity{PlayerID: "olga", Role: internal.RoleObserver})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"g1"}, f.reg.Games())
	room, ok := f.reg.Lock("g1")
	require.True(t, ok)
	assert.True(t, room.Supervisors["olga"])
	assert.False(t, room.Supervisors["alice"])
	assert.Equal(t, []string{"t1", "t2"}, room.TeamOrder)
	f.reg.Unlock(room)
}

func TestOpenUnknownGame(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.Open(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, errs.CodeGameNotFound, errs.CodeOf(err))
	assert.False(t, f.reg.Exists("missing"))
}

func TestLoadFailureCreatesNoRoom(t *testing.T) {
	f := newFixture(t)
	f.store.FailWith(errors.New("connection refused"))

	_, err := f.reg.JoinGame(context.Background(), "g1", internal.Identity{PlayerID: "alice", Role: internal.RolePlayer})
	require.Error(t, err)
	assert.Equal(t, errs.KindPersistence, errs.KindOf(err))
	assert.False(t, f.reg.Exists("g1"))
	assert.Equal(t, 0, f.reg.Members("g1"))
}

func TestJoinTeam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.reg.JoinTeam("g1", "t1", "alice")
	assert.Equal(t, errs.CodeNotInGame, errs.CodeOf(err), "no live room yet")

	_, err = f.reg.JoinGame(ctx, "g1", internal.Identity{PlayerID: "alice", Role: internal.RolePlayer})
	require.NoError(t, err)
	_, err = f.reg.JoinGame(ctx, "g1", internal.Identity{PlayerID: "bob", Role: internal.RolePlayer})
	require.NoError(t, err)

	assert.Equal(t, errs.CodeNotInGame, errs.CodeOf(f.reg.JoinTeam("g1", "t1", "zed")))
	assert.Equal(t, errs.CodeTeamNotFound, errs.CodeOf(f.reg.JoinTeam("g1", "t9", "alice")))
	assert.Equal(t, errs.CodeNotOnRoster, errs.CodeOf(f.reg.JoinTeam("g1", "t1", "bob")))

	require.NoError(t, f.reg.JoinTeam("g1", "t1", "alice"))
	members, err := f.reg.TeamMembers("g1", "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
}

func TestJoinTeamMovesPlayer(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.JoinGame(context.Background(), "g1", internal.Identity{PlayerID: "alice", Role: internal.RolePlayer})
	require.NoError(t, err)

	// t2 has no roster, so anyone may join it
	require.NoError(t, f.reg.JoinTeam("g1", "t1", "alice"))
	require.NoError(t, f.reg.JoinTeam("g1", "t2", "alice"))

	t1, err := f.reg.TeamMembers("g1", "t1")
	require.NoError(t, err)
	assert.Empty(t, t1)
	t2, err := f.reg.TeamMembers("g1", "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, t2)
}

func TestLeaveGameClearsTeams(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.JoinGame(context.Background(), "g1", internal.Identity{PlayerID: "alice", Role: internal.RolePlayer})
	require.NoError(t, err)
	require.NoError(t, f.reg.JoinTeam("g1", "t1", "alice"))

	n, err := f.reg.LeaveGame("g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	members, err := f.reg.TeamMembers("g1", "t1")
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.True(t, f.reg.Exists("g1"), "a waiting game survives being empty until swept")

	_, err = f.reg.LeaveGame("nope", "alice")
	assert.Equal(t, errs.CodeGameNotFound, errs.CodeOf(err))
}

func TestTerminalRoomDestroyedWhenEmpty(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.JoinGame(context.Background(), "g1", internal.Identity{PlayerID: "alice", Role: internal.RolePlayer})
	require.NoError(t, err)

	room, ok := f.reg.Lock("g1")
	require.True(t, ok)
	room.Status = internal.StatusCompleted
	assert.False(t, f.reg.Unlock(room), "still occupied")

	room, ok = f.reg.Lock("g1")
	require.True(t, ok)
	f.reg.RemoveMember(room, "alice")
	assert.True(t, f.reg.Unlock(room))

	assert.True(t, room.Closed)
	assert.False(t, f.reg.Exists("g1"))
	assert.Equal(t, []string{"g1"}, f.destroyed)

	_, ok = f.reg.Lock("g1")
	assert.False(t, ok)
}

func TestOpenAfterDestroyLoadsFreshRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.reg.Open(ctx, "g1")
	require.NoError(t, err)
	first.Status = internal.StatusCancelled
	require.True(t, f.reg.Unlock(first))

	second, err := f.reg.Open(ctx, "g1")
	require.NoError(t, err)
	defer f.reg.Unlock(second)
	assert.NotSame(t, first, second)
	assert.Equal(t, internal.StatusWaiting, second.Status)
}

func TestSweepIdleRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.JoinGame(ctx, "g1", internal.Identity{PlayerID: "alice", Role: internal.RolePlayer})
	require.NoError(t, err)

	assert.Empty(t, f.reg.Sweep(f.now.Add(time.Hour), 10*time.Minute), "occupied rooms are never swept")

	_, err = f.reg.LeaveGame("g1", "alice")
	require.NoError(t, err)

	assert.Empty(t, f.reg.Sweep(f.now.Add(5*time.Minute), 10*time.Minute))
	assert.Equal(t, []string{"g1"}, f.reg.Sweep(f.now.Add(10*time.Minute), 10*time.Minute))
	assert.False(t, f.reg.Exists("g1"))
	assert.Equal(t, []string{"g1"}, f.destroyed)
}

func TestOpenRestoresUsedCardsFromTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PersistTimelineEvent(ctx, "g1", internal.TimelineEntry{
		Timestamp: f.now,
		Event:     disruption.TimelineTriggered,
		Details:   map[string]any{"cardId": "strike"},
	}))
	f.reg.opts.Restore = disruption.Replay

	room, err := f.reg.Open(ctx, "g1")
	require.NoError(t, err)
	defer f.reg.Unlock(room)
	assert.Equal(t, 1, room.Instantiated["strike"])
}

// timelineOutage loads games normally but cannot read their timeline.
type timelineOutage struct{ *store.Memory }

func (timelineOutage) LoadTimeline(context.Context, string) ([]internal.TimelineEntry, error) {
	return nil, errors.New("connection reset")
}

func TestTimelineLoadFailureCreatesNoRoom(t *testing.T) {
	f := newFixture(t)
	calls := 0
	reg := New(presence.NewTracker(), timelineOutage{f.store}, Options{
		Restore: func(*internal.GameRoom, []internal.TimelineEntry) { calls++ },
	})

	_, err := reg.JoinGame(context.Background(), "g1", internal.Identity{PlayerID: "alice", Role: internal.RolePlayer})
	require.Error(t, err)
	assert.Equal(t, errs.KindPersistence, errs.KindOf(err))
	assert.False(t, reg.Exists("g1"))
	assert.Zero(t, reg.Members("g1"))
	assert.Zero(t, calls)
}
