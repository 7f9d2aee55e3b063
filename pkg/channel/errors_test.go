package channel

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/getmockd/lime/pkg/envelope"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("x"), KindUnknown},
		{"invalid state", invalidState("op", "session is %s", envelope.SessionStateNew), KindInvalidState},
		{"validation", validation("op", "bad"), KindValidation},
		{"cancelled", cancelled("op", context.Canceled), KindCancelled},
		{"transport", transportFailure("op", errors.New("eof")), KindTransportFailure},
		{"wrapped", fmt.Errorf("outer: %w", validation("op", "bad")), KindValidation},
		{"bare context error", context.DeadlineExceeded, KindCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_Message(t *testing.T) {
	err := invalidState("send message", "session is %s", envelope.SessionStateNew)
	assert.Equal(t, "channel: send message: invalid state: session is new", err.Error())
	assert.True(t, IsInvalidState(err))
	assert.False(t, IsValidation(err))
}

func TestError_UnwrapsSentinel(t *testing.T) {
	err := &Error{Kind: KindValidation, Op: "process command", Err: ErrDuplicateCommandID}
	assert.ErrorIs(t, err, ErrDuplicateCommandID)
	assert.True(t, IsValidation(err))
}

func TestSessionFailedError(t *testing.T) {
	err := &SessionFailedError{Session: &envelope.Session{
		State:  envelope.SessionStateFailed,
		Reason: &envelope.Reason{Code: envelope.ReasonSessionAuthenticationFailed, Description: "bad password"},
	}}
	assert.Contains(t, err.Error(), "bad password")
}
