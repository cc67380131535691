// Package scoring keeps each team's five-category score sheet. The true
// signed totals are stored; clamping happens only when a breakdown is
// presented.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/errs"
)

// Activity is a team action the teamwork policy can reward.
type Activity string

const (
	ActivityMessage  Activity = "message"
	ActivityDecision Activity = "decision"
)

// TeamworkPolicy maps team activity to a teamwork delta. Zero means no event.
type TeamworkPolicy func(team *internal.TeamRoom, activity Activity) float64

// DefaultTeamwork rewards every message with half a point and every decision
// with a full point.
func DefaultTeamwork(_ *internal.TeamRoom, activity Activity) float64 {
	switch activity {
	case ActivityMessage:
		return 0.5
	case ActivityDecision:
		return 1
	}
	return 0
}

// ConsequencePolicy converts decision consequences into score deltas.
// Budget and timeline consequences are costs and score negatively.
type ConsequencePolicy struct {
	BudgetPerUnit   float64
	TimelinePerDay  float64
	QualityPerPoint float64
}

func DefaultConsequences() ConsequencePolicy {
	return ConsequencePolicy{BudgetPerUnit: 0.001, TimelinePerDay: 1, QualityPerPoint: 1}
}

type Options struct {
	Now          func() time.Time
	Clamp        bool
	Teamwork     TeamworkPolicy
	Consequences *ConsequencePolicy
}

type Engine struct {
	now          func() time.Time
	clamp        bool
	teamwork     TeamworkPolicy
	consequences ConsequencePolicy
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		now:          opts.Now,
		clamp:        opts.Clamp,
		teamwork:     opts.Teamwork,
		consequences: DefaultConsequences(),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.teamwork == nil {
		e.teamwork = DefaultTeamwork
	}
	if opts.Consequences != nil {
		e.consequences = *opts.Consequences
	}
	return e
}

// ApplyDelta appends a score event and recomputes the aggregate from the
// breakdown. The caller holds the room lock.
func (e *Engine) ApplyDelta(team *internal.TeamRoom, round int, category internal.ScoreCategory, amount float64, reason string) (internal.ScoreEvent, error) {
	if !team.Score.Breakdown.Add(category, amount) {
		return internal.ScoreEvent{}, errs.Protocol(errs.CodeUnknownCategory, "unknown score category %q", category)
	}
	team.Score.Current = team.Score.Breakdown.Sum()

	event := internal.ScoreEvent{
		Round:     round,
		Category:  category,
		Delta:     amount,
		Reason:    reason,
		Timestamp: e.now(),
	}
	team.Score.History = append(team.Score.History, event)

	log.Debug().Str("team_id", team.Id).Str("category", string(category)).
		Float64("delta", amount).Float64("current", team.Score.Current).Msg("score delta applied")
	return event, nil
}

// Display returns the breakdown as it should be shown to players.
func (e *Engine) Display(sheet internal.ScoreSheet) internal.ScoreBreakdown {
	if e.clamp {
		return sheet.Breakdown.Clamped()
	}
	return sheet.Breakdown
}

func (e *Engine) Clamps() bool {
	return e.clamp
}

// Teamwork scores one unit of team activity under the configured policy.
// It returns nil when the policy awards nothing.
func (e *Engine) Teamwork(team *internal.TeamRoom, round int, activity Activity) (*internal.ScoreEvent, error) {
	amount := e.teamwork(team, activity)
	if amount == 0 {
		return nil, nil
	}
	event, err := e.ApplyDelta(team, round, internal.CategoryTeamwork, amount, "team "+string(activity))
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ApplyDecision books a decision's consequences on the team and records the
// matching budget, timeline and quality deltas. Zero deltas are skipped.
func (e *Engine) ApplyDecision(team *internal.TeamRoom, round int, decisionID string, c internal.Consequences) []internal.ScoreEvent {
	now := e.now()
	if c.Budget != 0 {
		team.Budget.Spend("decision:"+decisionID, c.Budget, now)
	}
	team.TimelineDelayDays += c.Timeline
	team.Quality += c.Quality

	deltas := []struct {
		category internal.ScoreCategory
		amount   float64
	}{
		{internal.CategoryBudget, -c.Budget * e.consequences.BudgetPerUnit},
		{internal.CategoryTimeline, -c.Timeline * e.consequences.TimelinePerDay},
		{internal.CategoryQuality, c.Quality * e.consequences.QualityPerPoint},
	}

	events := make([]internal.ScoreEvent, 0, len(deltas))
	reason := "decision " + decisionID
	for _, d := range deltas {
		if d.amount == 0 {
			continue
		}
		// categories are fixed here, ApplyDelta cannot fail
		event, _ := e.ApplyDelta(team, round, d.category, d.amount, reason)
		events = append(events, event)
	}
	return events
}

// Final is the weighted sum over the signed breakdown.
func Final(b internal.ScoreBreakdown, w internal.ScoringWeights) float64 {
	total := 0.0
	for _, c := range internal.ScoreCategories {
		total += b.Get(c) * w.Get(c)
	}
	return total
}

// FinalScores computes every team's final score in team order and marks the
// highest-scoring team as winner. Ties go to the team registered first.
func (e *Engine) FinalScores(room *internal.GameRoom) []internal.FinalScore {
	weights := room.Scenario.Weights()
	scores := make([]internal.FinalScore, 0, len(room.TeamOrder))
	for _, id := range room.TeamOrder {
		team := room.Teams[id]
		scores = append(scores, internal.FinalScore{
			TeamID:    id,
			Score:     round2(Final(team.Score.Breakdown, weights)),
			Breakdown: team.Score.Breakdown,
		})
	}
	if len(scores) == 0 {
		return scores
	}

	best := 0
	for i := range scores {
		if scores[i].Score > scores[best].Score {
			best = i
		}
	}
	scores[best].Winner = true
	return scores
}

// Winner returns the id of the winning team, if any.
func Winner(scores []internal.FinalScore) string {
	for _, s := range scores {
		if s.Winner {
			return s.TeamID
		}
	}
	return ""
}

// Ranked returns a copy of scores ordered best first, stable on team order.
func Ranked(scores []internal.FinalScore) []internal.FinalScore {
	out := append([]internal.FinalScore(nil), scores...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Presented orders final scores best first for announcing, with breakdowns
// clamped like any other displayed breakdown. The input is left untouched.
func (e *Engine) Presented(scores []internal.FinalScore) []internal.FinalScore {
	out := Ranked(scores)
	if e.clamp {
		for i := range out {
			out[i].Breakdown = out[i].Breakdown.Clamped()
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
