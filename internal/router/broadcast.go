package router

import (
	"github.com/rs/zerolog/log"

	"github.com/scythe504/bizsim-backend/internal"
)

// Broadcasts run under the room lock and only enqueue; delivery happens on
// each connection's own writer.

func (r *Router) reply(s *Session, kind string, data any) {
	send(s.conn, kind, data)
}

func send(conn internal.Conn, kind string, data any) bool {
	return conn.Enqueue(internal.Message[any]{Type: kind, Data: data})
}

func (r *Router) deliver(gameID string, players []string, except, kind string, data any) {
	msg := internal.Message[any]{Type: kind, Data: data}
	for _, id := range players {
		if id == except {
			continue
		}
		conn, ok := r.presence.ConnectionOf(id)
		if !ok {
			continue
		}
		if !conn.Enqueue(msg) {
			log.Warn().Str("game_id", gameID).Str("player_id", id).Str("event", kind).Msg("dropped outbound message")
		}
	}
	log.Debug().Str("game_id", gameID).Str("event", kind).Int("recipients", len(players)).Msg("broadcast")
}

// toRoom sends to every member of the game except the given player.
func (r *Router) toRoom(room *internal.GameRoom, except, kind string, data any) {
	r.deliver(room.Id, r.presence.Members(room.Id), except, kind, data)
}

func (r *Router) toTeam(room *internal.GameRoom, team *internal.TeamRoom, except, kind string, data any) {
	r.deliver(room.Id, team.MemberIDs(), except, kind, data)
}

func (r *Router) toSupervisors(room *internal.GameRoom, kind string, data any) {
	ids := make([]string, 0, len(room.Supervisors))
	for id := range room.Supervisors {
		ids = append(ids, id)
	}
	r.deliver(room.Id, ids, "", kind, data)
}

func (r *Router) stateView(room *internal.GameRoom) internal.GameStateView {
	view := room.StateView(r.scoring.Clamps())
	view.PlayersCount = r.presence.Count(room.Id)
	return view
}

func (r *Router) announceState(room *internal.GameRoom) {
	r.toRoom(room, "", internal.EventGameStateChanged, internal.GameStateChangedData{
		GameState: r.stateView(room),
		Timestamp: r.opts.Now(),
	})
}

func (r *Router) announceScore(room *internal.GameRoom, team *internal.TeamRoom, event internal.ScoreEvent) {
	r.toTeam(room, team, "", internal.EventScoreUpdated, internal.ScoreUpdatedData{
		TeamID:    team.Id,
		Category:  event.Category,
		Delta:     event.Delta,
		Reason:    event.Reason,
		Breakdown: r.scoring.Display(team.Score),
		Current:   team.Score.Current,
	})
}

// announceDisruption tells each affected team about a new instance.
func (r *Router) announceDisruption(room *internal.GameRoom, inst *internal.DisruptionInstance) {
	data := internal.DisruptionCardData{
		CardID:     inst.CardID,
		InstanceID: inst.ID,
		Title:      inst.Card.Title,
		Severity:   inst.Card.Severity,
		Effects:    inst.Card.Effects,
		Options:    inst.Card.ResponseOptions,
		Timestamp:  inst.TriggeredAt,
	}
	for _, id := range inst.AffectedTeams {
		if team, ok := room.Team(id); ok {
			r.toTeam(room, team, "", internal.EventDisruptionCard, data)
		}
	}
}
