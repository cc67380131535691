// Package registry owns the live GameRooms and their nested TeamRooms.
//
// Every room carries its own mutex; the registry's lock only guards the
// id -> room map and is never held while waiting on a room. A room that is
// destroyed is marked Closed under its own lock, so a caller that raced the
// destruction retries against a fresh room instead of mutating a dead one.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/errs"
	"github.com/scythe504/bizsim-backend/internal/presence"
)

// Loader is the slice of the external store needed to build a room.
type Loader interface {
	LoadGame(ctx context.Context, gameID string) (*internal.GameRecord, error)
	LoadScenario(ctx context.Context, scenarioID string) (*internal.Scenario, error)
	LoadTimeline(ctx context.Context, gameID string) ([]internal.TimelineEntry, error)
}

type Options struct {
	DefaultRoundDuration time.Duration
	Now                  func() time.Time
	// OnDestroy runs after a room has been removed, outside any lock.
	OnDestroy func(room *internal.GameRoom)
	// Restore rebuilds derived room state from the game's persisted
	// timeline when a room is loaded.
	Restore func(room *internal.GameRoom, timeline []internal.TimelineEntry)
}

type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*internal.GameRoom

	presence *presence.Tracker
	loader   Loader
	opts     Options
}

func New(tracker *presence.Tracker, loader Loader, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultRoundDuration <= 0 {
		opts.DefaultRoundDuration = 5 * time.Minute
	}
	return &Registry{
		rooms:    make(map[string]*internal.GameRoom),
		presence: tracker,
		loader:   loader,
		opts:     opts,
	}
}

func (r *Registry) Presence() *presence.Tracker {
	return r.presence
}

// =============================================================================
// ROOM ACCESS
// =============================================================================

// Open returns the game's room locked, loading and creating it on first use.
func (r *Registry) Open(ctx context.Context, gameID string) (*internal.GameRoom, error) {
	for {
		r.mu.RLock()
		room, ok := r.rooms[gameID]
		r.mu.RUnlock()

		if !ok {
			fresh, err := r.load(ctx, gameID)
			if err != nil {
				return nil, err
			}

			r.mu.Lock()
			if room, ok = r.rooms[gameID]; !ok {
				room = fresh
				r.rooms[gameID] = room
				log.Info().Str("game_id", gameID).Int("teams", len(room.TeamOrder)).
					Str("status", string(room.Status)).Msg("game room created")
			}
			r.mu.Unlock()
		}

		room.Mu.Lock()
		if room.Closed {
			room.Mu.Unlock()
			continue
		}
		return room, nil
	}
}

// Lock returns an existing room locked.
func (r *Registry) Lock(gameID string) (*internal.GameRoom, bool) {
	r.mu.RLock()
	room, ok := r.rooms[gameID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	room.Mu.Lock()
	if room.Closed {
		room.Mu.Unlock()
		return nil, false
	}
	return room, true
}

// Unlock releases a room obtained from Open or Lock. An empty room whose game
// is terminal is destroyed first; the return value reports that.
func (r *Registry) Unlock(room *internal.GameRoom) bool {
	destroyed := false
	if !room.Closed && r.presence.Count(room.Id) == 0 && room.Status.Terminal() {
		r.destroyLocked(room)
		destroyed = true
	}
	room.Mu.Unlock()

	if destroyed && r.opts.OnDestroy != nil {
		r.opts.OnDestroy(room)
	}
	return destroyed
}

func (r *Registry) destroyLocked(room *internal.GameRoom) {
	room.Closed = true

	r.mu.Lock()
	if r.rooms[room.Id] == room {
		delete(r.rooms, room.Id)
	}
	r.mu.Unlock()

	r.presence.Drop(room.Id)
	log.Info().Str("game_id", room.Id).Str("status", string(room.Status)).Msg("game room destroyed")
}

func (r *Registry) load(ctx context.Context, gameID string) (*internal.GameRoom, error) {
	rec, err := r.loader.LoadGame(ctx, gameID)
	if err != nil {
		return nil, classify(err, "load game %s", gameID)
	}

	var scenario *internal.Scenario
	if rec.ScenarioID != "" {
		scenario, err = r.loader.LoadScenario(ctx, rec.ScenarioID)
		if err != nil {
			return nil, classify(err, "load scenario %s", rec.ScenarioID)
		}
	}

	room := internal.NewGameRoom(rec, scenario, r.opts.DefaultRoundDuration)
	if r.opts.Restore != nil {
		timeline, err := r.loader.LoadTimeline(ctx, gameID)
		if err != nil {
			return nil, classify(err, "load timeline of game %s", gameID)
		}
		r.opts.Restore(room, timeline)
	}
	room.EmptySince = r.opts.Now()
	return room, nil
}

func classify(err error, format string, args ...any) error {
	if errs.KindOf(err) != "" {
		return err
	}
	return errs.Persistence(err, format, args...)
}

// =============================================================================
// MEMBERSHIP ON A LOCKED ROOM
// =============================================================================

// AddMember is idempotent per player and returns the member count.
func (r *Registry) AddMember(room *internal.GameRoom, who internal.Identity) int {
	count := r.presence.Join(room.Id, who.PlayerID)
	if who.Supervises() {
		room.Supervisors[who.PlayerID] = true
	}
	room.EmptySince = time.Time{}
	return count
}

// RemoveMember drops the player from the game and any team they joined.
func (r *Registry) RemoveMember(room *internal.GameRoom, playerID string) int {
	count := r.presence.Leave(room.Id, playerID)
	delete(room.Supervisors, playerID)
	for _, team := range room.Teams {
		delete(team.Members, playerID)
	}
	if count == 0 {
		room.EmptySince = r.opts.Now()
	}
	return count
}

// AddTeamMember moves a joined player into a team, leaving any previous one.
func (r *Registry) AddTeamMember(room *internal.GameRoom, teamID, playerID string) (*internal.TeamRoom, error) {
	if !r.presence.Contains(room.Id, playerID) {
		return nil, errs.Protocol(errs.CodeNotInGame, "player %s has not joined game %s", playerID, room.Id)
	}
	team, ok := room.Team(teamID)
	if !ok {
		return nil, errs.NotFound(errs.CodeTeamNotFound, "team %s not found in game %s", teamID, room.Id)
	}
	if !team.Admits(playerID) {
		return nil, errs.Protocol(errs.CodeNotOnRoster, "player %s is not on the roster of team %s", playerID, teamID)
	}

	for _, other := range room.Teams {
		if other != team {
			delete(other.Members, playerID)
		}
	}
	team.Members[playerID] = true
	return team, nil
}

func (r *Registry) MemberIDs(room *internal.GameRoom) []string {
	return r.presence.Members(room.Id)
}

func (r *Registry) MemberCount(room *internal.GameRoom) int {
	return r.presence.Count(room.Id)
}

// =============================================================================
// SELF-LOCKING OPERATIONS
// =============================================================================

func (r *Registry) JoinGame(ctx context.Context, gameID string, who internal.Identity) (int, error) {
	room, err := r.Open(ctx, gameID)
	if err != nil {
		return 0, err
	}
	defer r.Unlock(room)
	return r.AddMember(room, who), nil
}

func (r *Registry) LeaveGame(gameID, playerID string) (int, error) {
	room, ok := r.Lock(gameID)
	if !ok {
		return 0, errs.NotFound(errs.CodeGameNotFound, "game %s has no live room", gameID)
	}
	defer r.Unlock(room)
	return r.RemoveMember(room, playerID), nil
}

func (r *Registry) JoinTeam(gameID, teamID, playerID string) error {
	room, ok := r.Lock(gameID)
	if !ok {
		return errs.Protocol(errs.CodeNotInGame, "player %s has not joined game %s", playerID, gameID)
	}
	defer r.Unlock(room)
	_, err := r.AddTeamMember(room, teamID, playerID)
	return err
}

func (r *Registry) Members(gameID string) int {
	return r.presence.Count(gameID)
}

func (r *Registry) TeamMembers(gameID, teamID string) ([]string, error) {
	room, ok := r.Lock(gameID)
	if !ok {
		return nil, errs.NotFound(errs.CodeGameNotFound, "game %s has no live room", gameID)
	}
	defer r.Unlock(room)

	team, ok := room.Team(teamID)
	if !ok {
		return nil, errs.NotFound(errs.CodeTeamNotFound, "team %s not found in game %s", teamID, gameID)
	}
	return team.MemberIDs(), nil
}

func (r *Registry) Exists(gameID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[gameID]
	return ok
}

// Games lists the live game ids in sorted order.
func (r *Registry) Games() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Sweep destroys rooms that have had no participants for at least idle.
func (r *Registry) Sweep(now time.Time, idle time.Duration) []string {
	var removed []string
	for _, id := range r.Games() {
		room, ok := r.Lock(id)
		if !ok {
			continue
		}
		expired := r.presence.Count(id) == 0 && !room.EmptySince.IsZero() && now.Sub(room.EmptySince) >= idle
		if expired {
			r.destroyLocked(room)
			removed = append(removed, id)
		}
		room.Mu.Unlock()

		if expired && r.opts.OnDestroy != nil {
			r.opts.OnDestroy(room)
		}
	}
	if len(removed) > 0 {
		log.Info().Strs("game_ids", removed).Dur("idle", idle).Msg("swept idle game rooms")
	}
	return removed
}
