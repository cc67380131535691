package internal

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	DefaultTotalRounds   = 5
	DefaultInitialBudget = 25000.0
	DefaultQuality       = 100.0
	DefaultMorale        = 100.0
)

type GamePhase string

const (
	PhaseSetup     GamePhase = "setup"
	PhasePlanning  GamePhase = "planning"
	PhaseExecution GamePhase = "execution"
	PhaseReview    GamePhase = "review"
)

// PhaseCycle is the order advance-phase walks through.
var PhaseCycle = []GamePhase{PhaseSetup, PhasePlanning, PhaseExecution, PhaseReview}

func (p GamePhase) Valid() bool {
	for _, known := range PhaseCycle {
		if p == known {
			return true
		}
	}
	return false
}

type GameStatus string

const (
	StatusWaiting    GameStatus = "waiting"
	StatusInProgress GameStatus = "in-progress"
	StatusPaused     GameStatus = "paused"
	StatusCompleted  GameStatus = "completed"
	StatusCancelled  GameStatus = "cancelled"
)

func (s GameStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Role string

const (
	RolePlayer      Role = "player"
	RoleFacilitator Role = "facilitator"
	RoleObserver    Role = "observer"
)

func (r Role) Valid() bool {
	return r == RolePlayer || r == RoleFacilitator || r == RoleObserver
}

// Identity is an already-authenticated player as handed over by the auth layer.
type Identity struct {
	PlayerID string `json:"playerId"`
	Role     Role   `json:"role"`
}

func (i Identity) Supervises() bool {
	return i.Role == RoleFacilitator || i.Role == RoleObserver
}

type TimelineEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	TeamID    string         `json:"teamId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// =============================================================================
// DISRUPTIONS
// =============================================================================

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for tie-breaking, higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

type Frequency string

const (
	FrequencyOnce       Frequency = "once"
	FrequencyRepeatable Frequency = "repeatable"
)

type TriggerConditions struct {
	Phases          []GamePhase `json:"phase"`
	BudgetThreshold *float64    `json:"budgetThreshold,omitempty"`
	TimeRemainingMs *int64      `json:"timeRemainingMs,omitempty"`
	Random          bool        `json:"random"`
}

// EffectVector is the fixed-shape effect of a card on each affected team.
// Budget is money spent, TimelineDays is delay added.
type EffectVector struct {
	Budget       float64  `json:"budget"`
	TimelineDays float64  `json:"timeline"`
	Quality      float64  `json:"quality"`
	Morale       float64  `json:"teamMorale"`
	Resources    []string `json:"resources,omitempty"`
}

type ResponseOption struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Cost          float64 `json:"cost"`
	TimeImpact    float64 `json:"timeImpact"`
	Effectiveness float64 `json:"effectiveness"`
}

type DisruptionCard struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Category        string            `json:"category,omitempty"`
	Severity        Severity          `json:"severity"`
	Trigger         TriggerConditions `json:"triggerConditions"`
	Effects         EffectVector      `json:"effects"`
	ResponseOptions []ResponseOption  `json:"responseOptions"`
	Frequency       Frequency         `json:"frequency"`
}

func (c *DisruptionCard) Option(id string) (ResponseOption, bool) {
	for _, opt := range c.ResponseOptions {
		if opt.ID == id {
			return opt, true
		}
	}
	return ResponseOption{}, false
}

func (c *DisruptionCard) Repeatable() bool {
	return c.Frequency == FrequencyRepeatable
}

type ResolutionState string

const (
	ResolutionPending  ResolutionState = "pending"
	ResolutionResolved ResolutionState = "resolved"
)

type TeamResolution struct {
	TeamID     string    `json:"teamId"`
	Resolved   bool      `json:"resolved"`
	OptionID   string    `json:"optionId,omitempty"`
	NoResponse bool      `json:"noResponse,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt,omitempty"`
}

// DisruptionInstance is a card bound to a trigger time and its affected teams.
type DisruptionInstance struct {
	ID            string                     `json:"id"`
	CardID        string                     `json:"cardId"`
	Card          *DisruptionCard            `json:"-"`
	TriggeredAt   time.Time                  `json:"triggeredAt"`
	AffectedTeams []string                   `json:"affectedTeams"`
	State         ResolutionState            `json:"state"`
	Resolutions   map[string]*TeamResolution `json:"resolutions"`
}

func (d *DisruptionInstance) AllResolved() bool {
	for _, teamID := range d.AffectedTeams {
		res, ok := d.Resolutions[teamID]
		if !ok || !res.Resolved {
			return false
		}
	}
	return true
}

// =============================================================================
// SCORING
// =============================================================================

type ScoreCategory string

const (
	CategoryBudget   ScoreCategory = "budget"
	CategoryTimeline ScoreCategory = "timeline"
	CategoryQuality  ScoreCategory = "quality"
	CategoryTeamwork ScoreCategory = "teamwork"
	CategoryCrisis   ScoreCategory = "crisis"
)

var ScoreCategories = []ScoreCategory{
	CategoryBudget, CategoryTimeline, CategoryQuality, CategoryTeamwork, CategoryCrisis,
}

type ScoreBreakdown struct {
	Budget   float64 `json:"budget"`
	Timeline float64 `json:"timeline"`
	Quality  float64 `json:"quality"`
	Teamwork float64 `json:"teamwork"`
	Crisis   float64 `json:"crisis"`
}

// ScoreEvent is an immutable entry of a team's score history.
type ScoreEvent struct {
	Round     int           `json:"round"`
	Category  ScoreCategory `json:"category"`
	Delta     float64       `json:"delta"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}

type ScoreSheet struct {
	Breakdown ScoreBreakdown `json:"breakdown"`
	Current   float64        `json:"current"`
	History   []ScoreEvent   `json:"history"`
}

type ScoringWeights struct {
	Budget   float64 `json:"budgetWeight"`
	Timeline float64 `json:"timelineWeight"`
	Quality  float64 `json:"qualityWeight"`
	Teamwork float64 `json:"teamworkWeight"`
	Crisis   float64 `json:"crisisWeight"`
}

func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{Budget: 0.25, Timeline: 0.25, Quality: 0.25, Teamwork: 0.15, Crisis: 0.10}
}

type FinalScore struct {
	TeamID    string         `json:"teamId"`
	Score     float64        `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
	Winner    bool           `json:"winner,omitempty"`
}

// =============================================================================
// SCENARIO & GAME RECORDS (owned by the external store)
// =============================================================================

type Consequences struct {
	Budget   float64 `json:"budget"`
	Timeline float64 `json:"timeline"`
	Quality  float64 `json:"quality"`
	Risk     float64 `json:"risk"`
}

type DecisionOption struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Consequences Consequences `json:"consequences"`
}

type ScenarioDecision struct {
	ID      string           `json:"id"`
	Title   string           `json:"title"`
	Phase   string           `json:"phase,omitempty"`
	Options []DecisionOption `json:"options"`
}

type Scenario struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	InitialBudget   float64            `json:"initialBudget"`
	DisruptionCards []DisruptionCard   `json:"disruptionCards"`
	Decisions       []ScenarioDecision `json:"decisions"`
	ScoringCriteria *ScoringWeights    `json:"scoringCriteria,omitempty"`
}

func (s *Scenario) Weights() ScoringWeights {
	if s == nil || s.ScoringCriteria == nil {
		return DefaultScoringWeights()
	}
	return *s.ScoringCriteria
}

func (s *Scenario) DecisionOption(decisionID, optionID string) (DecisionOption, bool) {
	if s == nil {
		return DecisionOption{}, false
	}
	for _, d := range s.Decisions {
		if d.ID != decisionID {
			continue
		}
		for _, opt := range d.Options {
			if opt.ID == optionID {
				return opt, true
			}
		}
	}
	return DecisionOption{}, false
}

type TeamRecord struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Members   []string          `json:"members,omitempty"`
	Budget    float64           `json:"budget,omitempty"`
	Resources []ResourceBooking `json:"resources,omitempty"`
}

type GameRecord struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	ScenarioID      string       `json:"scenarioId"`
	Status          GameStatus   `json:"status,omitempty"`
	Phase           GamePhase    `json:"phase,omitempty"`
	CurrentRound    int          `json:"currentRound,omitempty"`
	TotalRounds     int          `json:"totalRounds,omitempty"`
	RoundDurationMs int64        `json:"roundDurationMs,omitempty"`
	Teams           []TeamRecord `json:"teams"`
}

// =============================================================================
// LIVE ROOMS
// =============================================================================

type Allocation struct {
	Category  string    `json:"category"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

type BudgetLedger struct {
	Total       float64      `json:"total"`
	Spent       float64      `json:"spent"`
	Allocations []Allocation `json:"allocations"`
}

type ResourceBooking struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Cost      float64   `json:"cost"`
	Disrupted bool      `json:"disrupted"`
	BookedAt  time.Time `json:"bookedAt"`
}

type DecisionRecord struct {
	DecisionID string          `json:"decisionId"`
	Decision   json.RawMessage `json:"decision"`
	MadeBy     string          `json:"madeBy"`
	Timestamp  time.Time       `json:"timestamp"`
}

type CommunicationEntry struct {
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	FromUserID string    `json:"fromUserId"`
	Timestamp  time.Time `json:"timestamp"`
}

type DisruptionLogEntry struct {
	InstanceID  string    `json:"instanceId"`
	CardID      string    `json:"cardId"`
	Resolved    bool      `json:"resolved"`
	OptionID    string    `json:"optionId,omitempty"`
	TriggeredAt time.Time `json:"triggeredAt"`
	ResolvedAt  time.Time `json:"resolvedAt,omitempty"`
}

type TeamRoom struct {
	Id      string
	Name    string
	Roster  map[string]bool // empty roster admits anyone
	Members map[string]bool

	Budget            BudgetLedger
	Resources         []ResourceBooking
	TimelineDelayDays float64
	Quality           float64
	Morale            float64

	Decisions     []DecisionRecord
	Disruptions   []DisruptionLogEntry
	Score         ScoreSheet
	Communication []CommunicationEntry

	// decision ids whose consequences have been booked
	Booked map[string]bool
}

type GameRoom struct {
	Id       string
	Title    string
	Scenario *Scenario

	TeamOrder []string
	Teams     map[string]*TeamRoom

	// Game State
	Phase              GamePhase
	Status             GameStatus
	CurrentRound       int
	TotalRounds        int
	RoundDuration      time.Duration
	RoundTimeRemaining time.Duration
	RoundDeadline      time.Time
	Custom             map[string]json.RawMessage
	Timeline           []TimelineEntry

	// Disruptions
	Instantiated map[string]int
	Pending      []*DisruptionInstance
	Resolved     []*DisruptionInstance

	// Persistence checkpoints
	UnflushedTimeline []TimelineEntry
	UnflushedScores   []FinalScore
	FinalScores       []FinalScore
	PersistFailures   int
	Flushing          bool

	// Supervisors connected without a team (facilitators, observers)
	Supervisors map[string]bool
	EmptySince  time.Time
	Closed      bool

	// Concurrency control, covers nested TeamRooms
	Mu sync.Mutex `json:"-"`
}
