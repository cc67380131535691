// Package errs is the error taxonomy of the session coordinator. None of these
// errors is fatal; the router reports them to the sender only.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindProtocol      Kind = "protocol"
	KindNotFound      Kind = "not_found"
	KindStateConflict Kind = "state_conflict"
	KindPersistence   Kind = "persistence"
)

// Code is a machine-readable error code sent to clients.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Protocol errors
	CodeMalformedEvent   Code = "MALFORMED_EVENT"
	CodeUnknownEvent     Code = "UNKNOWN_EVENT"
	CodeMissingField     Code = "MISSING_FIELD"
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	CodeNotInGame        Code = "NOT_IN_GAME"
	CodeNotInTeam        Code = "NOT_IN_TEAM"
	CodeNotOnRoster      Code = "NOT_ON_ROSTER"
	CodeUnknownCategory  Code = "UNKNOWN_SCORE_CATEGORY"
	CodeAuthFailed       Code = "AUTHENTICATION_FAILED"

	// Lookup errors
	CodeGameNotFound     Code = "GAME_NOT_FOUND"
	CodeScenarioNotFound Code = "SCENARIO_NOT_FOUND"
	CodeTeamNotFound     Code = "TEAM_NOT_FOUND"
	CodeCardNotFound     Code = "CARD_NOT_FOUND"
	CodeInstanceNotFound Code = "DISRUPTION_NOT_FOUND"
	CodeOptionNotFound   Code = "RESPONSE_OPTION_NOT_FOUND"

	// State errors
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeGameNotRunning    Code = "GAME_NOT_RUNNING"
	CodeAlreadyResolved   Code = "ALREADY_RESOLVED"
	CodeCardExhausted     Code = "CARD_ALREADY_USED"
	CodeTeamNotAffected   Code = "TEAM_NOT_AFFECTED"
	CodeInvalidValue      Code = "INVALID_VALUE"

	// Collaborator errors
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind, and on code when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func Protocol(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Conflict(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindStateConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Persistence(err error, format string, args ...any) *Error {
	return &Error{Kind: KindPersistence, Code: CodeStoreUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the taxonomy kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeUnknown
}
