package room

import "errors"

var (
	// ErrRoomNotFound is returned when a room id is unknown or the room is being torn down.
	ErrRoomNotFound = errors.New("room not found")
	// ErrWrongPassword is returned when a join supplies the wrong room password.
	ErrWrongPassword = errors.New("incorrect password")
	// ErrUnauthorized marks a transport command from a connection that is not the host.
	// It is never surfaced to clients; the command is dropped.
	ErrUnauthorized = errors.New("caller is not the room host")
	// ErrInvalidPosition marks a command carrying a negative or non-finite position.
	ErrInvalidPosition = errors.New("invalid playback position")
	// ErrBrokerUnavailable is logged when cross-process delivery cannot reach the broker.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrDeliveryFailed is logged when an event could not be handed to a connection.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrNotMember is returned when a connection is not part of the room it addresses.
	ErrNotMember = errors.New("connection is not a room member")
)

// JoinErrorMessage maps a join failure to the text carried by join_error.
func JoinErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrWrongPassword):
		return "Incorrect password"
	case errors.Is(err, ErrRoomNotFound):
		return "Room not found"
	default:
		return "Unable to join room"
	}
}

// ErrorCode is the stable identifier used when an error crosses a process boundary.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrWrongPassword):
		return "wrong_password"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidPosition):
		return "invalid_position"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	default:
		return "internal"
	}
}

// ErrorFromCode is the inverse of ErrorCode.
func ErrorFromCode(code string) error {
	switch code {
	case "":
		return nil
	case "room_not_found":
		return ErrRoomNotFound
	case "wrong_password":
		return ErrWrongPassword
	case "unauthorized":
		return ErrUnauthorized
	case "invalid_position":
		return ErrInvalidPosition
	case "not_member":
		return ErrNotMember
	default:
		return errors.New("remote error: " + code)
	}
}
