package internal

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// NewGameRoom builds the live room for a stored game and its scenario.
func NewGameRoom(rec *GameRecord, scenario *Scenario, defaultRoundDuration time.Duration) *GameRoom {
	room := &GameRoom{
		Id:           rec.ID,
		Title:        rec.Title,
		Scenario:     scenario,
		TeamOrder:    make([]string, 0, len(rec.Teams)),
		Teams:        make(map[string]*TeamRoom, len(rec.Teams)),
		Phase:        rec.Phase,
		Status:       rec.Status,
		CurrentRound: rec.CurrentRound,
		TotalRounds:  rec.TotalRounds,
		Custom:       make(map[string]json.RawMessage),
		Instantiated: make(map[string]int),
		Supervisors:  make(map[string]bool),
	}

	if room.Phase == "" {
		room.Phase = PhaseSetup
	}
	if room.Status == "" {
		room.Status = StatusWaiting
	}
	if room.TotalRounds <= 0 {
		room.TotalRounds = DefaultTotalRounds
	}
	if room.CurrentRound <= 0 {
		room.CurrentRound = 1
	}

	room.RoundDuration = time.Duration(rec.RoundDurationMs) * time.Millisecond
	if room.RoundDuration <= 0 {
		room.RoundDuration = defaultRoundDuration
	}
	room.RoundTimeRemaining = room.RoundDuration

	for _, team := range rec.Teams {
		room.RegisterTeam(team)
	}
	return room
}

// RegisterTeam adds a TeamRoom unless the team is already registered.
func (g *GameRoom) RegisterTeam(rec TeamRecord) *TeamRoom {
	if team, ok := g.Teams[rec.ID]; ok {
		return team
	}

	budget := rec.Budget
	if budget <= 0 && g.Scenario != nil {
		budget = g.Scenario.InitialBudget
	}
	if budget <= 0 {
		budget = DefaultInitialBudget
	}

	team := &TeamRoom{
		Id:      rec.ID,
		Name:    rec.Name,
		Roster:  make(map[string]bool, len(rec.Members)),
		Members: make(map[string]bool),
		Budget:    BudgetLedger{Total: budget, Allocations: make([]Allocation, 0)},
		Resources: append([]ResourceBooking(nil), rec.Resources...),
		Quality:   DefaultQuality,
		Morale:    DefaultMorale,
	}
	for _, member := range rec.Members {
		team.Roster[member] = true
	}

	g.Teams[rec.ID] = team
	g.TeamOrder = append(g.TeamOrder, rec.ID)
	return team
}

func (g *GameRoom) Team(id string) (*TeamRoom, bool) {
	team, ok := g.Teams[id]
	return team, ok
}

// TeamOf returns the team the player is currently joined to.
func (g *GameRoom) TeamOf(playerID string) (*TeamRoom, bool) {
	for _, id := range g.TeamOrder {
		if team := g.Teams[id]; team.Members[playerID] {
			return team, true
		}
	}
	return nil, false
}

func (g *GameRoom) Card(id string) (*DisruptionCard, bool) {
	if g.Scenario == nil {
		return nil, false
	}
	for i := range g.Scenario.DisruptionCards {
		if g.Scenario.DisruptionCards[i].ID == id {
			return &g.Scenario.DisruptionCards[i], true
		}
	}
	return nil, false
}

func (g *GameRoom) PendingInstance(id string) (*DisruptionInstance, bool) {
	for _, inst := range g.Pending {
		if inst.ID == id {
			return inst, true
		}
	}
	for _, inst := range g.Resolved {
		if inst.ID == id {
			return inst, true
		}
	}
	return nil, false
}

// Record appends a timeline entry and queues it for the next persistence checkpoint.
func (g *GameRoom) Record(entry TimelineEntry) {
	g.Timeline = append(g.Timeline, entry)
	g.UnflushedTimeline = append(g.UnflushedTimeline, entry)
}

// StateView snapshots the room for broadcast; clamp applies the display
// clamp to every team's score breakdown.
func (g *GameRoom) StateView(clamp bool) GameStateView {
	teams := make([]TeamView, 0, len(g.TeamOrder))
	for _, id := range g.TeamOrder {
		teams = append(teams, g.Teams[id].View(clamp))
	}
	custom := make(map[string]json.RawMessage, len(g.Custom))
	for k, v := range g.Custom {
		custom[k] = v
	}
	return GameStateView{
		GameID:               g.Id,
		Status:               g.Status,
		Phase:                g.Phase,
		CurrentRound:         g.CurrentRound,
		TotalRounds:          g.TotalRounds,
		RoundTimeRemainingMs: g.RoundTimeRemaining.Milliseconds(),
		PendingDisruptions:   len(g.Pending),
		Teams:                teams,
		Custom:               custom,
	}
}

// Remaining is derived on every read, never stored.
func (b BudgetLedger) Remaining() float64 {
	return b.Total - b.Spent
}

// Utilization is spent as a rounded percentage of total.
func (b BudgetLedger) Utilization() int {
	if b.Total == 0 {
		return 0
	}
	return int(math.Round(b.Spent / b.Total * 100))
}

func (b *BudgetLedger) Spend(category string, amount float64, at time.Time) {
	b.Spent += amount
	b.Allocations = append(b.Allocations, Allocation{Category: category, Amount: amount, Timestamp: at})
}

// Book marks a decision's consequences as applied. It reports false when
// they already were.
func (t *TeamRoom) Book(decisionID string) bool {
	if t.Booked[decisionID] {
		return false
	}
	if t.Booked == nil {
		t.Booked = make(map[string]bool)
	}
	t.Booked[decisionID] = true
	return true
}

func (t *TeamRoom) Admits(playerID string) bool {
	return len(t.Roster) == 0 || t.Roster[playerID]
}

func (t *TeamRoom) MemberIDs() []string {
	ids := make([]string, 0, len(t.Members))
	for id := range t.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *TeamRoom) View(clamp bool) TeamView {
	breakdown := t.Score.Breakdown
	if clamp {
		breakdown = breakdown.Clamped()
	}
	return TeamView{
		TeamID:            t.Id,
		Name:              t.Name,
		Members:           len(t.Members),
		BudgetTotal:       t.Budget.Total,
		BudgetSpent:       t.Budget.Spent,
		BudgetRemaining:   t.Budget.Remaining(),
		BudgetUtilization: t.Budget.Utilization(),
		TimelineDelayDays: t.TimelineDelayDays,
		Quality:           t.Quality,
		Morale:            t.Morale,
		Score:             breakdown,
		Current:           t.Score.Current,
	}
}

func (b ScoreBreakdown) Get(c ScoreCategory) float64 {
	switch c {
	case CategoryBudget:
		return b.Budget
	case CategoryTimeline:
		return b.Timeline
	case CategoryQuality:
		return b.Quality
	case CategoryTeamwork:
		return b.Teamwork
	case CategoryCrisis:
		return b.Crisis
	}
	return 0
}

// Add reports false for an unknown category.
func (b *ScoreBreakdown) Add(c ScoreCategory, amount float64) bool {
	switch c {
	case CategoryBudget:
		b.Budget += amount
	case CategoryTimeline:
		b.Timeline += amount
	case CategoryQuality:
		b.Quality += amount
	case CategoryTeamwork:
		b.Teamwork += amount
	case CategoryCrisis:
		b.Crisis += amount
	default:
		return false
	}
	return true
}

func (b ScoreBreakdown) Sum() float64 {
	return b.Budget + b.Timeline + b.Quality + b.Teamwork + b.Crisis
}

func (b ScoreBreakdown) Clamped() ScoreBreakdown {
	return ScoreBreakdown{
		Budget:   math.Max(b.Budget, 0),
		Timeline: math.Max(b.Timeline, 0),
		Quality:  math.Max(b.Quality, 0),
		Teamwork: math.Max(b.Teamwork, 0),
		Crisis:   math.Max(b.Crisis, 0),
	}
}

func (w ScoringWeights) Get(c ScoreCategory) float64 {
	return ScoreBreakdown(w).Get(c)
}
