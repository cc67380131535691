package router

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/errs"
	"github.com/scythe504/bizsim-backend/internal/scoring"
)

const timelineTeamDecision = "team-decision"

func (r *Router) handleAuthenticate(ctx context.Context, s *Session, data json.RawMessage) error {
	var p internal.AuthenticatePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.GameID == "" {
		return missing("gameId")
	}
	who, err := r.identify(ctx, p)
	if err != nil {
		return err
	}

	if s.authenticated() && s.who.PlayerID != who.PlayerID {
		r.Disconnect(ctx, s)
	}

	room, err := r.registry.Open(ctx, p.GameID)
	if err != nil {
		return err
	}

	stale := r.presence.Register(who.PlayerID, s.conn)
	prev := r.bind(who.PlayerID, room.Id)
	present := r.presence.Contains(room.Id, who.PlayerID)
	count := r.registry.AddMember(room, who)
	s.who, s.gameID = who, room.Id

	r.reply(s, internal.EventAuthenticated, internal.AuthenticatedData{
		Success:      true,
		GameID:       room.Id,
		PlayersCount: count,
	})
	if !present {
		r.toRoom(room, who.PlayerID, internal.EventPlayerJoined, internal.PlayerPresenceData{
			UserID:       who.PlayerID,
			PlayersCount: count,
		})
	}
	log.Info().Str("game_id", room.Id).Str("player_id", who.PlayerID).Str("role", string(who.Role)).
		Int("players", count).Msg("player joined game")
	r.registry.Unlock(room)

	if prev != "" && prev != room.Id {
		r.leave(ctx, prev, who.PlayerID)
	}
	if stale != nil {
		log.Info().Str("player_id", who.PlayerID).Str("conn_id", stale.ID()).Msg("closing replaced connection")
		_ = stale.Close()
	}
	return nil
}

func (r *Router) identify(ctx context.Context, p internal.AuthenticatePayload) (internal.Identity, error) {
	if r.auth == nil {
		if p.PlayerID == "" {
			return internal.Identity{}, missing("playerId")
		}
		role := p.Role
		if role == "" {
			role = internal.RolePlayer
		}
		if !role.Valid() {
			return internal.Identity{}, errs.Protocol(errs.CodeInvalidValue, "unknown role %q", role)
		}
		return internal.Identity{PlayerID: p.PlayerID, Role: role}, nil
	}

	if p.Token == "" {
		return internal.Identity{}, missing("token")
	}
	who, err := r.auth.AuthenticatePlayer(ctx, p.Token)
	if err != nil {
		if errs.KindOf(err) != "" {
			return internal.Identity{}, err
		}
		return internal.Identity{}, errs.Protocol(errs.CodeAuthFailed, "authentication failed: %v", err)
	}
	if p.PlayerID != "" && p.PlayerID != who.PlayerID {
		return internal.Identity{}, errs.Protocol(errs.CodeAuthFailed, "token does not belong to player %s", p.PlayerID)
	}
	return who, nil
}

func (r *Router) handleJoinTeam(_ context.Context, s *Session, data json.RawMessage) error {
	var p internal.JoinTeamPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.TeamID == "" {
		return missing("teamId")
	}

	room, err := r.lockGame(s)
	if err != nil {
		return err
	}
	defer r.registry.Unlock(room)

	team, err := r.registry.AddTeamMember(room, p.TeamID, s.who.PlayerID)
	if err != nil {
		return err
	}
	r.reply(s, internal.EventTeamJoined, internal.TeamJoinedData{TeamID: team.Id})
	log.Info().Str("game_id", room.Id).Str("team_id", team.Id).Str("player_id", s.who.PlayerID).Msg("player joined team")
	return nil
}

func (r *Router) handleGameAction(_ context.Context, s *Session, data json.RawMessage) error {
	var p internal.GameActionPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.Action == "" {
		return missing("action")
	}

	room, err := r.lockGame(s)
	if err != nil {
		return err
	}
	defer r.registry.Unlock(room)

	r.toRoom(room, "", internal.EventGameUpdate, internal.GameUpdateData{
		Action:    p.Action,
		Payload:   p.Payload,
		Timestamp: r.opts.Now(),
		PlayerID:  s.who.PlayerID,
	})
	return nil
}

func (r *Router) handleTeamMessage(_ context.Context, s *Session, data json.RawMessage) error {
	var p internal.TeamMessagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.Message == "" {
		return missing("message")
	}
	if p.Type == "" {
		p.Type = "chat"
	}

	room, err := r.lockGame(s)
	if err != nil {
		return err
	}
	defer r.registry.Unlock(room)

	team, err := teamOf(room, s.who.PlayerID, p.TeamID)
	if err != nil {
		return err
	}

	now := r.opts.Now()
	team.Communication = append(team.Communication, internal.CommunicationEntry{
		Type:       p.Type,
		Message:    p.Message,
		FromUserID: s.who.PlayerID,
		Timestamp:  now,
	})
	r.toTeam(room, team, s.who.PlayerID, internal.EventTeamUpdate, internal.TeamUpdateData{
		Type: "message",
		Data: internal.TeamMessageData{
			Message:    p.Message,
			Type:       p.Type,
			FromUserID: s.who.PlayerID,
			Timestamp:  now,
		},
	})
	r.teamwork(room, team, scoring.ActivityMessage)
	return nil
}

func (r *Router) handleTeamDecision(_ context.Context, s *Session, data json.RawMessage) error {
	var p internal.TeamDecisionPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.DecisionID == "" {
		return missing("decisionId")
	}

	room, err := r.lockGame(s)
	if err != nil {
		return err
	}
	defer r.registry.Unlock(room)

	team, err := teamOf(room, s.who.PlayerID, p.TeamID)
	if err != nil {
		return err
	}

	now := r.opts.Now()
	team.Decisions = append(team.Decisions, internal.DecisionRecord{
		DecisionID: p.DecisionID,
		Decision:   p.Decision,
		MadeBy:     s.who.PlayerID,
		Timestamp:  now,
	})
	room.Record(internal.TimelineEntry{
		Timestamp: now,
		Event:     timelineTeamDecision,
		TeamID:    team.Id,
		UserID:    s.who.PlayerID,
		Details:   map[string]any{"decisionId": p.DecisionID},
	})
	r.toTeam(room, team, s.who.PlayerID, internal.EventTeamUpdate, internal.TeamUpdateData{
		Type: "decision",
		Data: internal.TeamDecisionData{
			Decision:   p.Decision,
			DecisionID: p.DecisionID,
			MadeBy:     s.who.PlayerID,
			Timestamp:  now,
		},
	})

	// a decision's consequences are booked once per team, repeats are only logged
	if room.Status == internal.StatusInProgress && !team.Booked[p.DecisionID] {
		if opt, ok := room.Scenario.DecisionOption(p.DecisionID, optionOf(p.Decision)); ok {
			team.Book(p.DecisionID)
			for _, event := range r.scoring.ApplyDecision(team, room.CurrentRound, p.DecisionID, opt.Consequences) {
				r.announceScore(room, team, event)
			}
		}
	}
	r.teamwork(room, team, scoring.ActivityDecision)
	r.evaluate(room)
	return nil
}

// optionOf reads the chosen option id from a decision, which is either the
// bare id or an object carrying optionId.
func optionOf(decision json.RawMessage) string {
	var id string
	if err := json.Unmarshal(decision, &id); err == nil {
		return id
	}
	var obj struct {
		OptionID string `json:"optionId"`
	}
	if err := json.Unmarshal(decision, &obj); err == nil {
		return obj.OptionID
	}
	return ""
}

func (r *Router) handleGameStateUpdate(ctx context.Context, s *Session, data json.RawMessage) error {
	var p internal.GameStateUpdatePayload
	if err := decode(data, &p); err != nil {
		return err
	}

	room, err := r.lockGame(s)
	if err != nil {
		return err
	}
	if err := r.machine.Merge(room, p, s.who.PlayerID); err != nil {
		r.registry.Unlock(room)
		return err
	}

	r.announceState(room)
	var cp checkpoint
	if room.Status.Terminal() {
		r.complete(room)
		cp = r.drain(room)
	} else {
		r.evaluate(room)
	}
	r.registry.Unlock(room)

	r.persist(ctx, room, cp)
	return nil
}

func (r *Router) handleDisruptionTriggered(_ context.Context, s *Session, data json.RawMessage) error {
	var p internal.DisruptionTriggeredPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.CardID == "" {
		return missing("cardId")
	}

	room, err := r.lockGame(s)
	if err != nil {
		return err
	}
	defer r.registry.Unlock(room)

	inst, err := r.disrupt.Trigger(room, p.CardID, p.AffectedTeams, s.who.PlayerID)
	if err != nil {
		return err
	}
	r.announceDisruption(room, inst)
	return nil
}

func (r *Router) handleDisruptionResponse(_ context.Context, s *Session, data json.RawMessage) error {
	var p internal.DisruptionResponsePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.InstanceID == "" {
		return missing("instanceId")
	}
	if p.OptionID == "" {
		return missing("optionId")
	}

	room, err := r.lockGame(s)
	if err != nil {
		return err
	}
	defer r.registry.Unlock(room)

	team, err := teamOf(room, s.who.PlayerID, "")
	if err != nil {
		return err
	}
	res, err := r.disrupt.Resolve(room, p.InstanceID, team.Id, p.OptionID)
	if err != nil {
		return err
	}

	r.toTeam(room, team, "", internal.EventDisruptionResolved, internal.DisruptionResolvedData{
		InstanceID:    res.Instance.ID,
		CardID:        res.Instance.CardID,
		TeamID:        team.Id,
		OptionID:      res.OptionID,
		CrisisDelta:   res.CrisisDelta,
		FullyResolved: res.FullyResolved,
		Timestamp:     res.Score.Timestamp,
	})
	r.announceScore(room, team, res.Score)
	r.evaluate(room)
	return nil
}

func (r *Router) handlePing(_ context.Context, s *Session, _ json.RawMessage) error {
	r.reply(s, internal.EventPong, nil)
	return nil
}

// teamwork scores team activity while the game is running.
func (r *Router) teamwork(room *internal.GameRoom, team *internal.TeamRoom, activity scoring.Activity) {
	if room.Status != internal.StatusInProgress {
		return
	}
	event, err := r.scoring.Teamwork(team, room.CurrentRound, activity)
	if err != nil {
		log.Error().Err(err).Str("game_id", room.Id).Str("team_id", team.Id).Msg("teamwork scoring failed")
		return
	}
	if event != nil {
		r.announceScore(room, team, *event)
	}
}

func (r *Router) evaluate(room *internal.GameRoom) {
	if inst := r.disrupt.Evaluate(room); inst != nil {
		r.announceDisruption(room, inst)
	}
}

// complete computes and announces final scores once per game.
func (r *Router) complete(room *internal.GameRoom) {
	if room.Status != internal.StatusCompleted || room.FinalScores != nil {
		return
	}
	now := r.opts.Now()
	scores := r.scoring.FinalScores(room)
	winner := scoring.Winner(scores)
	room.FinalScores = scores
	room.UnflushedScores = scores
	room.Record(internal.TimelineEntry{
		Timestamp: now,
		Event:     internal.EventGameCompleted,
		Details:   map[string]any{"winner": winner},
	})
	r.toRoom(room, "", internal.EventGameCompleted, internal.GameCompletedData{
		FinalScores: r.scoring.Presented(scores),
		Winner:      winner,
		Timestamp:   now,
	})
	log.Info().Str("game_id", room.Id).Str("winner", winner).Int("teams", len(scores)).Msg("game completed")
}
