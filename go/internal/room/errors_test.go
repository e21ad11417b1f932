package room

import (
	"errors"
	"fmt"
	"testing"
)

func TestJoinErrorMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrWrongPassword, "Incorrect password"},
		{ErrRoomNotFound, "Room not found"},
		{fmt.Errorf("lookup: %w", ErrRoomNotFound), "Room not found"},
		{errors.New("boom"), "Unable to join room"},
	}
	for _, tt := range tests {
		if got := JoinErrorMessage(tt.err); got != tt.want {
			t.Errorf("JoinErrorMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestErrorCodesCrossProcess(t *testing.T) {
	for _, err := range []error{ErrRoomNotFound, ErrWrongPassword, ErrUnauthorized, ErrInvalidPosition, ErrNotMember} {
		if got := ErrorFromCode(ErrorCode(err)); !errors.Is(got, err) {
			t.Errorf("code for %v maps back to %v", err, got)
		}
	}
	if ErrorCode(nil) != "" || ErrorFromCode("") != nil {
		t.Errorf("nil error must have empty code")
	}
	if ErrorCode(errors.New("x")) != "internal" {
		t.Errorf("unknown errors must map to internal")
	}
}
