// Package router is the single entry point for client events. It validates
// each event, serializes it against the target game's room lock, delegates to
// the state machine, disruption engine or scoring engine, and fans the
// results out to the right connections.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/disruption"
	"github.com/scythe504/bizsim-backend/internal/errs"
	"github.com/scythe504/bizsim-backend/internal/game"
	"github.com/scythe504/bizsim-backend/internal/presence"
	"github.com/scythe504/bizsim-backend/internal/registry"
	"github.com/scythe504/bizsim-backend/internal/scoring"
	"github.com/scythe504/bizsim-backend/internal/store"
)

// Authenticator resolves a session token into a player identity.
type Authenticator interface {
	AuthenticatePlayer(ctx context.Context, token string) (internal.Identity, error)
}

type Options struct {
	// Auth may be nil, in which case the playerId and role carried by
	// authenticate are trusted as already authenticated upstream.
	Auth Authenticator

	Now                  func() time.Time
	DefaultRoundDuration time.Duration
	IdleTimeout          time.Duration
	StoreTimeout         time.Duration
	PersistWarnAfter     int
	ClampScores          bool

	Disruption disruption.Policy
	Rand       disruption.RandSource
	Teamwork   scoring.TeamworkPolicy
}

type Router struct {
	store    store.Store
	registry *registry.Registry
	presence *presence.Tracker
	machine  *game.Machine
	scoring  *scoring.Engine
	disrupt  *disruption.Engine

	auth     Authenticator
	opts     Options
	dispatch map[string]handlerFunc

	// player id -> game id the player is bound to
	mu    sync.Mutex
	bound map[string]string
}

func New(st store.Store, opts Options) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.PersistWarnAfter <= 0 {
		opts.PersistWarnAfter = 3
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}

	r := &Router{
		store:    st,
		presence: presence.NewTracker(),
		machine:  game.NewMachine(opts.Now),
		auth:     opts.Auth,
		opts:     opts,
		bound:    make(map[string]string),
	}
	r.scoring = scoring.NewEngine(scoring.Options{
		Now:      opts.Now,
		Clamp:    opts.ClampScores,
		Teamwork: opts.Teamwork,
	})
	r.disrupt = disruption.NewEngine(disruption.Options{
		Policy:  opts.Disruption,
		Rand:    opts.Rand,
		Scoring: r.scoring,
		Now:     opts.Now,
	})
	r.registry = registry.New(r.presence, st, registry.Options{
		DefaultRoundDuration: opts.DefaultRoundDuration,
		Now:                  opts.Now,
		OnDestroy:            r.onDestroy,
		Restore:              disruption.Replay,
	})
	r.dispatch = r.handlers()
	return r
}

func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// Session is the per-connection state. It belongs to the connection's read
// loop, which is what makes processing FIFO per connection.
type Session struct {
	conn   internal.Conn
	who    internal.Identity
	gameID string
}

func (r *Router) NewSession(conn internal.Conn) *Session {
	return &Session{conn: conn}
}

func (s *Session) Conn() internal.Conn         { return s.conn }
func (s *Session) Identity() internal.Identity { return s.who }
func (s *Session) GameID() string              { return s.gameID }

func (s *Session) authenticated() bool {
	return s.gameID != ""
}

// envelope is the inbound wire shape, the data half decoded per kind.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type handlerFunc func(ctx context.Context, s *Session, data json.RawMessage) error

func (r *Router) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		internal.EventAuthenticate:        r.handleAuthenticate,
		internal.EventJoinTeam:            r.authed(r.handleJoinTeam),
		internal.EventGameAction:          r.authed(r.handleGameAction),
		internal.EventTeamMessage:         r.authed(r.handleTeamMessage),
		internal.EventTeamDecision:        r.authed(r.handleTeamDecision),
		internal.EventGameStateUpdate:     r.authed(r.handleGameStateUpdate),
		internal.EventDisruptionTriggered: r.authed(r.handleDisruptionTriggered),
		internal.EventDisruptionResponse:  r.authed(r.handleDisruptionResponse),
		internal.EventPing:                r.handlePing,
	}
}

func (r *Router) authed(next handlerFunc) handlerFunc {
	return func(ctx context.Context, s *Session, data json.RawMessage) error {
		if !s.authenticated() {
			return errs.Protocol(errs.CodeNotAuthenticated, "authenticate before sending game events")
		}
		return next(ctx, s, data)
	}
}

// Handle processes one raw inbound event. Any failure is answered with an
// error to the sender only; nothing escapes to the caller.
func (r *Router) Handle(ctx context.Context, s *Session, raw []byte) {
	var kind string
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("event", kind).Str("game_id", s.gameID).Str("player_id", s.who.PlayerID).
				Interface("panic", rec).Msg("event handler panicked")
			r.reply(s, internal.EventError, internal.ErrorData{Message: "internal error", Code: string(errs.CodeUnknown)})
		}
	}()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.reject(s, kind, errs.Protocol(errs.CodeMalformedEvent, "malformed event: %v", err))
		return
	}
	kind = env.Type

	handler, ok := r.dispatch[kind]
	if !ok {
		r.reject(s, kind, errs.Protocol(errs.CodeUnknownEvent, "unknown event %q", kind))
		return
	}
	if err := handler(ctx, s, env.Data); err != nil {
		r.reject(s, kind, err)
	}
}

func (r *Router) reject(s *Session, kind string, err error) {
	log.Warn().Err(err).Str("event", kind).Str("game_id", s.gameID).Str("player_id", s.who.PlayerID).
		Str("kind", string(errs.KindOf(err))).Msg("event rejected")

	msg := err.Error()
	if errs.KindOf(err) == "" {
		msg = "internal error"
	}
	r.reply(s, internal.EventError, internal.ErrorData{Message: msg, Code: string(errs.CodeOf(err))})
}

func decode[T any](data json.RawMessage, into *T) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return errs.Protocol(errs.CodeMalformedEvent, "malformed payload: %v", err)
	}
	return nil
}

func missing(field string) error {
	return errs.Protocol(errs.CodeMissingField, "missing required field %s", field)
}

// lockGame locks the session's game room.
func (r *Router) lockGame(s *Session) (*internal.GameRoom, error) {
	room, ok := r.registry.Lock(s.gameID)
	if !ok {
		return nil, errs.Protocol(errs.CodeNotInGame, "game %s has no live room", s.gameID)
	}
	return room, nil
}

// teamOf resolves the sender's team, checking an explicit teamId against it.
func teamOf(room *internal.GameRoom, playerID, teamID string) (*internal.TeamRoom, error) {
	team, ok := room.TeamOf(playerID)
	if !ok {
		return nil, errs.Protocol(errs.CodeNotInTeam, "player %s has not joined a team", playerID)
	}
	if teamID != "" && teamID != team.Id {
		return nil, errs.Protocol(errs.CodeNotInTeam, "player %s is not a member of team %s", playerID, teamID)
	}
	return team, nil
}
