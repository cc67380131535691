// Package disruption evaluates disruption card triggers against a running
// game, applies card effects to the affected teams and records their
// responses. Callers hold the room's lock for every call.
package disruption

import (
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/errs"
	"github.com/scythe504/bizsim-backend/internal/scoring"
)

// Timeline event names written by the engine.
const (
	TimelineTriggered = "disruption-triggered"
	TimelineResolved  = "disruption-resolved"
	TimelineExpired   = "disruption-expired"
)

// RandSource draws uniformly from [0,1). *rand.Rand satisfies it.
type RandSource interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

type Policy struct {
	// Probability that a random-eligible card fires on one evaluation.
	Probability float64
	// SeverityWeights scale the crisis score awarded on resolution.
	SeverityWeights map[internal.Severity]float64
	// Timeout force-resolves pending instances; zero disables it.
	Timeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Probability: 0.15,
		SeverityWeights: map[internal.Severity]float64{
			internal.SeverityLow:      10,
			internal.SeverityMedium:   20,
			internal.SeverityHigh:     30,
			internal.SeverityCritical: 40,
		},
	}
}

type Engine struct {
	policy  Policy
	rand    RandSource
	scoring *scoring.Engine
	now     func() time.Time
	newID   func() string
}

type Options struct {
	Policy  Policy
	Rand    RandSource
	Scoring *scoring.Engine
	Now     func() time.Time
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		policy:  opts.Policy,
		rand:    opts.Rand,
		scoring: opts.Scoring,
		now:     opts.Now,
		newID:   uuid.NewString,
	}
	if e.policy.SeverityWeights == nil {
		e.policy.SeverityWeights = DefaultPolicy().SeverityWeights
	}
	if e.rand == nil {
		e.rand = globalRand{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.scoring == nil {
		e.scoring = scoring.NewEngine(scoring.Options{Now: e.now, Clamp: true})
	}
	return e
}

func (e *Engine) SeverityWeight(s internal.Severity) float64 {
	return e.policy.SeverityWeights[s]
}

// Evaluate tests every eligible card against the room and instantiates at
// most one of them: the most severe satisfied card, declaration order
// breaking ties. The new instance is already applied. Evaluate does nothing
// unless the game is in progress.
func (e *Engine) Evaluate(room *internal.GameRoom) *internal.DisruptionInstance {
	if room.Status != internal.StatusInProgress || room.Scenario == nil {
		return nil
	}

	var (
		best     *internal.DisruptionCard
		affected []string
	)
	for i := range room.Scenario.DisruptionCards {
		card := &room.Scenario.DisruptionCards[i]
		if !e.eligible(room, card) {
			continue
		}
		teams, ok := e.satisfied(room, card)
		if !ok {
			continue
		}
		if best == nil || card.Severity.Rank() > best.Severity.Rank() {
			best, affected = card, teams
		}
	}
	if best == nil {
		return nil
	}

	inst := e.instantiate(room, best, affected)
	e.Apply(room, inst, "")
	return inst
}

// eligible reports whether a card may be instantiated again: once cards a
// single time per game, repeatable cards while none of theirs is pending.
func (e *Engine) eligible(room *internal.GameRoom, card *internal.DisruptionCard) bool {
	if !card.Repeatable() {
		return room.Instantiated[card.ID] == 0
	}
	for _, inst := range room.Pending {
		if inst.CardID == card.ID {
			return false
		}
	}
	return true
}

// satisfied checks the trigger conditions and returns the teams the card
// would hit. The random draw comes last so that cards failing a
// deterministic condition consume no randomness.
func (e *Engine) satisfied(room *internal.GameRoom, card *internal.DisruptionCard) ([]string, bool) {
	cond := card.Trigger
	if len(cond.Phases) > 0 && !slices.Contains(cond.Phases, room.Phase) {
		return nil, false
	}
	if cond.TimeRemainingMs != nil && room.RoundTimeRemaining.Milliseconds() > *cond.TimeRemainingMs {
		return nil, false
	}

	teams := make([]string, 0, len(room.TeamOrder))
	for _, id := range room.TeamOrder {
		if cond.BudgetThreshold != nil && room.Teams[id].Budget.Remaining() > *cond.BudgetThreshold {
			continue
		}
		teams = append(teams, id)
	}
	if len(teams) == 0 {
		return nil, false
	}

	if cond.Random && e.rand.Float64() >= e.policy.Probability {
		return nil, false
	}
	return teams, true
}

// Trigger instantiates a card on request, bypassing its trigger conditions
// but not its frequency. An empty team list hits every team.
func (e *Engine) Trigger(room *internal.GameRoom, cardID string, teams []string, actor string) (*internal.DisruptionInstance, error) {
	if room.Status.Terminal() {
		return nil, errs.Conflict(errs.CodeGameNotRunning, "game %s is %s", room.Id, room.Status)
	}
	card, ok := room.Card(cardID)
	if !ok {
		return nil, errs.NotFound(errs.CodeCardNotFound, "card %s not in scenario", cardID)
	}
	if !card.Repeatable() && room.Instantiated[card.ID] > 0 {
		return nil, errs.Conflict(errs.CodeCardExhausted, "card %s can only trigger once per game", cardID)
	}

	affected := make([]string, 0, len(teams))
	if len(teams) == 0 {
		affected = append(affected, room.TeamOrder...)
	}
	for _, id := range teams {
		if _, ok := room.Team(id); !ok {
			return nil, errs.NotFound(errs.CodeTeamNotFound, "team %s not in game %s", id, room.Id)
		}
		if !slices.Contains(affected, id) {
			affected = append(affected, id)
		}
	}
	if len(affected) == 0 {
		return nil, errs.Protocol(errs.CodeMissingField, "game %s has no teams to disrupt", room.Id)
	}

	inst := e.instantiate(room, card, affected)
	e.Apply(room, inst, actor)
	return inst, nil
}

// Replay counts the cards a game already used from its persisted timeline,
// so a room reloaded after cleanup keeps its once cards spent.
func Replay(room *internal.GameRoom, timeline []internal.TimelineEntry) {
	for _, entry := range timeline {
		if entry.Event != TimelineTriggered {
			continue
		}
		if cardID, ok := entry.Details["cardId"].(string); ok && cardID != "" {
			room.Instantiated[cardID]++
		}
	}
}

func (e *Engine) instantiate(room *internal.GameRoom, card *internal.DisruptionCard, teams []string) *internal.DisruptionInstance {
	inst := &internal.DisruptionInstance{
		ID:            e.newID(),
		CardID:        card.ID,
		Card:          card,
		TriggeredAt:   e.now(),
		AffectedTeams: teams,
		State:         internal.ResolutionPending,
		Resolutions:   make(map[string]*internal.TeamResolution, len(teams)),
	}
	for _, id := range teams {
		inst.Resolutions[id] = &internal.TeamResolution{TeamID: id}
	}
	room.Instantiated[card.ID]++
	room.Pending = append(room.Pending, inst)
	return inst
}

// Apply books the card's effect vector on every affected team and opens an
// unresolved disruption log entry for each.
func (e *Engine) Apply(room *internal.GameRoom, inst *internal.DisruptionInstance, actor string) {
	effects := inst.Card.Effects
	for _, id := range inst.AffectedTeams {
		team := room.Teams[id]
		if effects.Budget != 0 {
			team.Budget.Spend("disruption:"+inst.CardID, effects.Budget, inst.TriggeredAt)
		}
		team.TimelineDelayDays += effects.TimelineDays
		team.Quality += effects.Quality
		team.Morale += effects.Morale
		for i := range team.Resources {
			if slices.Contains(effects.Resources, team.Resources[i].ID) {
				team.Resources[i].Disrupted = true
			}
		}
		team.Disruptions = append(team.Disruptions, internal.DisruptionLogEntry{
			InstanceID:  inst.ID,
			CardID:      inst.CardID,
			TriggeredAt: inst.TriggeredAt,
		})
	}

	room.Record(internal.TimelineEntry{
		Timestamp: inst.TriggeredAt,
		Event:     TimelineTriggered,
		UserID:    actor,
		Details: map[string]any{
			"instanceId":    inst.ID,
			"cardId":        inst.CardID,
			"severity":      string(inst.Card.Severity),
			"affectedTeams": inst.AffectedTeams,
		},
	})
	log.Info().Str("game_id", room.Id).Str("card_id", inst.CardID).Str("instance_id", inst.ID).
		Strs("teams", inst.AffectedTeams).Msg("disruption triggered")
}

// Resolution is the outcome of one team's response.
type Resolution struct {
	Instance      *internal.DisruptionInstance
	TeamID        string
	OptionID      string
	CrisisDelta   float64
	Score         internal.ScoreEvent
	FullyResolved bool
}

// Resolve records a team's chosen response. The option's effectiveness
// reverses that share of the card's negative quality, morale and timeline
// effects; spent budget stays spent. A second response from the same team
// is a conflict and changes nothing.
func (e *Engine) Resolve(room *internal.GameRoom, instanceID, teamID, optionID string) (Resolution, error) {
	inst, ok := room.PendingInstance(instanceID)
	if !ok {
		return Resolution{}, errs.NotFound(errs.CodeInstanceNotFound, "disruption %s not in game %s", instanceID, room.Id)
	}
	res, ok := inst.Resolutions[teamID]
	if !ok {
		return Resolution{}, errs.Conflict(errs.CodeTeamNotAffected, "team %s is not affected by disruption %s", teamID, instanceID)
	}
	if res.Resolved {
		return Resolution{}, errs.Conflict(errs.CodeAlreadyResolved, "team %s already resolved disruption %s", teamID, instanceID)
	}
	opt, ok := inst.Card.Option(optionID)
	if !ok {
		return Resolution{}, errs.NotFound(errs.CodeOptionNotFound, "card %s has no response option %s", inst.CardID, optionID)
	}
	team, ok := room.Team(teamID)
	if !ok {
		return Resolution{}, errs.NotFound(errs.CodeTeamNotFound, "team %s not in game %s", teamID, room.Id)
	}

	now := e.now()
	effectiveness := min(max(opt.Effectiveness, 0), 1)
	effects := inst.Card.Effects

	if effects.Quality < 0 {
		team.Quality -= effects.Quality * effectiveness
	}
	if effects.Morale < 0 {
		team.Morale -= effects.Morale * effectiveness
	}
	if effects.TimelineDays > 0 {
		team.TimelineDelayDays -= effects.TimelineDays * effectiveness
	}
	if opt.Cost != 0 {
		team.Budget.Spend("response:"+inst.CardID, opt.Cost, now)
	}
	team.TimelineDelayDays += opt.TimeImpact

	res.Resolved = true
	res.OptionID = opt.ID
	res.ResolvedAt = now
	closeLogEntry(team, inst.ID, opt.ID, now)

	out := Resolution{
		Instance:    inst,
		TeamID:      teamID,
		OptionID:    opt.ID,
		CrisisDelta: effectiveness * e.SeverityWeight(inst.Card.Severity),
	}
	// crisis is a known category
	out.Score, _ = e.scoring.ApplyDelta(team, room.CurrentRound, internal.CategoryCrisis, out.CrisisDelta, "resolved "+inst.CardID)

	room.Record(internal.TimelineEntry{
		Timestamp: now,
		Event:     TimelineResolved,
		TeamID:    teamID,
		Details: map[string]any{
			"instanceId":  inst.ID,
			"cardId":      inst.CardID,
			"optionId":    opt.ID,
			"crisisDelta": out.CrisisDelta,
		},
	})

	if inst.AllResolved() {
		finish(room, inst)
		out.FullyResolved = true
	}
	log.Info().Str("game_id", room.Id).Str("team_id", teamID).Str("instance_id", inst.ID).
		Str("option_id", opt.ID).Bool("fully_resolved", out.FullyResolved).Msg("disruption response recorded")
	return out, nil
}

// Expiry lists the teams force-resolved on one timed-out instance.
type Expiry struct {
	Instance *internal.DisruptionInstance
	Teams    []string
}

// Expire force-resolves pending instances older than the configured timeout
// with a no-response outcome: the full effect stays, nothing is charged and
// no crisis score is awarded.
func (e *Engine) Expire(room *internal.GameRoom, now time.Time) []Expiry {
	if e.policy.Timeout <= 0 || len(room.Pending) == 0 {
		return nil
	}

	var expired []Expiry
	for _, inst := range slices.Clone(room.Pending) {
		if now.Sub(inst.TriggeredAt) < e.policy.Timeout {
			continue
		}
		exp := Expiry{Instance: inst}
		for _, id := range inst.AffectedTeams {
			res := inst.Resolutions[id]
			if res.Resolved {
				continue
			}
			res.Resolved = true
			res.NoResponse = true
			res.ResolvedAt = now
			closeLogEntry(room.Teams[id], inst.ID, "", now)
			exp.Teams = append(exp.Teams, id)
		}
		finish(room, inst)
		room.Record(internal.TimelineEntry{
			Timestamp: now,
			Event:     TimelineExpired,
			Details:   map[string]any{"instanceId": inst.ID, "cardId": inst.CardID, "teams": exp.Teams},
		})
		log.Warn().Str("game_id", room.Id).Str("instance_id", inst.ID).Strs("teams", exp.Teams).
			Msg("disruption timed out without response")
		expired = append(expired, exp)
	}
	return expired
}

func closeLogEntry(team *internal.TeamRoom, instanceID, optionID string, at time.Time) {
	for i := range team.Disruptions {
		entry := &team.Disruptions[i]
		if entry.InstanceID == instanceID {
			entry.Resolved = true
			entry.OptionID = optionID
			entry.ResolvedAt = at
			return
		}
	}
}

func finish(room *internal.GameRoom, inst *internal.DisruptionInstance) {
	inst.State = internal.ResolutionResolved
	room.Pending = slices.DeleteFunc(room.Pending, func(p *internal.DisruptionInstance) bool {
		return p == inst
	})
	room.Resolved = append(room.Resolved, inst)
}
