package router

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scythe504/bizsim-backend/internal"
)

// bind records the game a player is playing and returns the previous one.
func (r *Router) bind(playerID, gameID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.bound[playerID]
	r.bound[playerID] = gameID
	return prev
}

func (r *Router) unbind(playerID, gameID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound[playerID] == gameID {
		delete(r.bound, playerID)
	}
}

// Disconnect cleans up after a connection is lost. A connection that was
// already replaced by a reconnect leaves the membership to its successor.
func (r *Router) Disconnect(ctx context.Context, s *Session) {
	if !s.authenticated() {
		return
	}
	player, gameID := s.who.PlayerID, s.gameID
	s.who, s.gameID = internal.Identity{}, ""

	if !r.presence.Unregister(player, s.conn) {
		log.Debug().Str("game_id", gameID).Str("player_id", player).Msg("replaced connection closed")
		return
	}
	r.unbind(player, gameID)
	r.leave(ctx, gameID, player)
	log.Info().Str("game_id", gameID).Str("player_id", player).Msg("player disconnected")
}

// leave removes the player from a game, announces it and flushes the
// room's persistence queue. The room goes away if it is empty and over.
func (r *Router) leave(ctx context.Context, gameID, playerID string) {
	room, ok := r.registry.Lock(gameID)
	if !ok {
		return
	}
	count := r.registry.RemoveMember(room, playerID)
	r.toRoom(room, playerID, internal.EventPlayerLeft, internal.PlayerPresenceData{
		UserID:       playerID,
		PlayersCount: count,
	})
	cp := r.drain(room)
	r.registry.Unlock(room)

	r.persist(ctx, room, cp)
}

// Snapshot returns the observer view of a live game.
func (r *Router) Snapshot(gameID string) (internal.GameStateView, bool) {
	room, ok := r.registry.Lock(gameID)
	if !ok {
		return internal.GameStateView{}, false
	}
	defer r.registry.Unlock(room)
	return r.stateView(room), true
}

func (r *Router) Games() int {
	return len(r.registry.Games())
}

// Sweep destroys rooms that have been empty for longer than the idle timeout.
func (r *Router) Sweep(now time.Time) []string {
	return r.registry.Sweep(now, r.opts.IdleTimeout)
}

func (r *Router) onDestroy(room *internal.GameRoom) {
	room.Mu.Lock()
	cp := r.drain(room)
	room.Mu.Unlock()
	r.persist(context.Background(), room, cp)
}
