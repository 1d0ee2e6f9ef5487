package room

import "errors"

var (
	// ErrRoomNotFound is returned by point reads of an unknown room ID.
	ErrRoomNotFound = errors.New("game room not found")

	// ErrDuplicateSequence is returned when an action reuses a sequence number
	// already present in the room's log. The log is left unchanged.
	ErrDuplicateSequence = errors.New("duplicate action sequence number")

	// ErrInvalidTransition is returned when an update would violate the room
	// lifecycle: writing to an ended room, moving status backwards, declaring a
	// winner before the match started, or decreasing the turn counter.
	ErrInvalidTransition = errors.New("invalid game room transition")
)
