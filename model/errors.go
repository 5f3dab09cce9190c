package model

import "errors"

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomForbidden    = errors.New("room forbidden")
	ErrRoomClosed       = errors.New("room is closing")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotJoined        = errors.New("connection has not joined this room")
	ErrExecutionBusy    = errors.New("execution already in progress for this room")
	ErrExecutionFailure = errors.New("execution failed")
	ErrExecutionTimeout = errors.New("execution timed out")
)

// ErrorCode maps a domain error onto the code sent in error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrRoomForbidden):
		return "room_forbidden"
	case errors.Is(err, ErrRoomClosed):
		return "room_closed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrExecutionBusy):
		return "execution_busy"
	default:
		return "internal"
	}
}
