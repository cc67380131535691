package internal

import (
	"encoding/json"
	"time"
)

type Message[T any] struct {
	Type string `json:"type"`
	Data T      `json:"data"`
}

// Inbound event kinds.
const (
	EventAuthenticate        = "authenticate"
	EventJoinTeam            = "join-team"
	EventGameAction          = "game-action"
	EventTeamMessage         = "team-message"
	EventTeamDecision        = "team-decision"
	EventGameStateUpdate     = "game-state-update"
	EventDisruptionTriggered = "disruption-triggered"
	EventDisruptionResponse  = "disruption-response"
	EventPing                = "ping"
)

// Outbound event kinds.
const (
	EventAuthenticated      = "authenticated"
	EventError              = "error"
	EventTeamJoined         = "team-joined"
	EventGameUpdate         = "game-update"
	EventTeamUpdate         = "team-update"
	EventGameStateChanged   = "game-state-changed"
	EventDisruptionCard     = "disruption-card"
	EventDisruptionResolved = "disruption-resolved"
	EventPong               = "pong"
	EventPlayerJoined       = "player-joined"
	EventPlayerLeft         = "player-left"
	EventRoundEnded         = "round-ended"
	EventScoreUpdated       = "score-updated"
	EventGameCompleted      = "game-completed"
	EventWarning            = "warning"
)

type AuthenticatePayload struct {
	PlayerID string `json:"playerId"`
	GameID   string `json:"gameId"`
	Token    string `json:"token,omitempty"`
	Role     Role   `json:"role,omitempty"`
}

type AuthenticatedData struct {
	Success      bool   `json:"success"`
	GameID       string `json:"gameId"`
	PlayersCount int    `json:"playersCount"`
}

type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type WarningData struct {
	Message string `json:"message"`
}

type JoinTeamPayload struct {
	TeamID string `json:"teamId"`
}

type TeamJoinedData struct {
	TeamID string `json:"teamId"`
}

type GameActionPayload struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type GameUpdateData struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	PlayerID  string          `json:"playerId"`
}

type TeamMessagePayload struct {
	TeamID  string `json:"teamId"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type TeamDecisionPayload struct {
	TeamID     string          `json:"teamId"`
	DecisionID string          `json:"decisionId"`
	Decision   json.RawMessage `json:"decision"`
}

type TeamUpdateData struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type TeamMessageData struct {
	Message    string    `json:"message"`
	Type       string    `json:"type"`
	FromUserID string    `json:"fromUserId"`
	Timestamp  time.Time `json:"timestamp"`
}

type TeamDecisionData struct {
	Decision   json.RawMessage `json:"decision"`
	DecisionID string          `json:"decisionId"`
	MadeBy     string          `json:"madeBy"`
	Timestamp  time.Time       `json:"timestamp"`
}

// GameStateUpdatePayload is a partial state; absent fields are left untouched.
type GameStateUpdatePayload struct {
	Transition           string                     `json:"transition,omitempty"`
	Phase                *GamePhase                 `json:"phase,omitempty"`
	CurrentRound         *int                       `json:"currentRound,omitempty"`
	TotalRounds          *int                       `json:"totalRounds,omitempty"`
	RoundTimeRemainingMs *int64                     `json:"roundTimeRemainingMs,omitempty"`
	Custom               map[string]json.RawMessage `json:"custom,omitempty"`
}

type GameStateChangedData struct {
	GameState GameStateView `json:"gameState"`
	Timestamp time.Time     `json:"timestamp"`
}

type DisruptionTriggeredPayload struct {
	CardID        string   `json:"cardId"`
	AffectedTeams []string `json:"affectedTeams"`
}

type DisruptionCardData struct {
	CardID     string           `json:"cardId"`
	InstanceID string           `json:"instanceId"`
	Title      string           `json:"title,omitempty"`
	Severity   Severity         `json:"severity"`
	Effects    EffectVector     `json:"effects"`
	Options    []ResponseOption `json:"responseOptions"`
	Timestamp  time.Time        `json:"timestamp"`
}

type DisruptionResponsePayload struct {
	InstanceID string `json:"instanceId"`
	OptionID   string `json:"optionId"`
}

type DisruptionResolvedData struct {
	InstanceID    string    `json:"instanceId"`
	CardID        string    `json:"cardId"`
	TeamID        string    `json:"teamId"`
	OptionID      string    `json:"optionId,omitempty"`
	NoResponse    bool      `json:"noResponse,omitempty"`
	CrisisDelta   float64   `json:"crisisDelta"`
	FullyResolved bool      `json:"fullyResolved"`
	Timestamp     time.Time `json:"timestamp"`
}

type PlayerPresenceData struct {
	UserID       string `json:"userId"`
	PlayersCount int    `json:"playersCount"`
}

type RoundEndedData struct {
	Round     int        `json:"round"`
	NextRound int        `json:"nextRound,omitempty"`
	Phase     GamePhase  `json:"phase"`
	Status    GameStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

type ScoreUpdatedData struct {
	TeamID    string         `json:"teamId"`
	Category  ScoreCategory  `json:"category"`
	Delta     float64        `json:"delta"`
	Reason    string         `json:"reason"`
	Breakdown ScoreBreakdown `json:"breakdown"`
	Current   float64        `json:"current"`
}

type GameCompletedData struct {
	FinalScores []FinalScore `json:"finalScores"`
	Winner      string       `json:"winner,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type TeamView struct {
	TeamID            string         `json:"teamId"`
	Name              string         `json:"name"`
	Members           int            `json:"members"`
	BudgetTotal       float64        `json:"budgetTotal"`
	BudgetSpent       float64        `json:"budgetSpent"`
	BudgetRemaining   float64        `json:"budgetRemaining"`
	BudgetUtilization int            `json:"budgetUtilization"`
	TimelineDelayDays float64        `json:"timelineDelayDays"`
	Quality           float64        `json:"quality"`
	Morale            float64        `json:"morale"`
	Score             ScoreBreakdown `json:"score"`
	Current           float64        `json:"current"`
}

type GameStateView struct {
	GameID               string                     `json:"gameId"`
	Status               GameStatus                 `json:"status"`
	Phase                GamePhase                  `json:"phase"`
	CurrentRound         int                        `json:"currentRound"`
	TotalRounds          int                        `json:"totalRounds"`
	RoundTimeRemainingMs int64                      `json:"roundTimeRemainingMs"`
	PendingDisruptions   int                        `json:"pendingDisruptions"`
	PlayersCount         int                        `json:"playersCount"`
	Teams                []TeamView                 `json:"teams"`
	Custom               map[string]json.RawMessage `json:"custom,omitempty"`
}

type Response struct {
	StatusCode    int   `json:"status_code"`
	RespStartTime int64 `json:"resp_time_start_ms"`
	RespEndTime   int64 `json:"resp_time_end_ms"`
	NetRespTime   int64 `json:"net_resp_time_ms"`
	Data          any   `json:"data"`
}
