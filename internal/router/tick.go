package router

import (
	"context"
	"time"

	"github.com/scythe504/bizsim-backend/internal"
)

// Tick advances one game's round clock. The cadence belongs to the caller.
func (r *Router) Tick(ctx context.Context, gameID string, elapsed time.Duration) {
	room, ok := r.registry.Lock(gameID)
	if !ok {
		return
	}

	now := r.opts.Now()
	res := r.machine.Tick(room, elapsed)
	if res.RoundEnded {
		r.toRoom(room, "", internal.EventRoundEnded, internal.RoundEndedData{
			Round:     res.EndedRound,
			NextRound: res.NextRound,
			Phase:     room.Phase,
			Status:    room.Status,
			Timestamp: now,
		})
		r.announceState(room)
	}

	for _, exp := range r.disrupt.Expire(room, now) {
		for _, id := range exp.Teams {
			team, ok := room.Team(id)
			if !ok {
				continue
			}
			r.toTeam(room, team, "", internal.EventDisruptionResolved, internal.DisruptionResolvedData{
				InstanceID:    exp.Instance.ID,
				CardID:        exp.Instance.CardID,
				TeamID:        id,
				NoResponse:    true,
				FullyResolved: true,
				Timestamp:     now,
			})
		}
	}

	if res.Completed {
		r.complete(room)
	} else {
		r.evaluate(room)
	}

	var cp checkpoint
	if res.RoundEnded || res.Completed {
		cp = r.drain(room)
	}
	r.registry.Unlock(room)

	r.persist(ctx, room, cp)
}

// TickAll ticks every live game; games are independent of each other.
func (r *Router) TickAll(ctx context.Context, elapsed time.Duration) {
	for _, id := range r.registry.Games() {
		r.Tick(ctx, id, elapsed)
	}
}
