package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"precondition", Precondition("start", "server is already started"), "start: server is already started"},
		{"busy with reason", Busy("execute command", BusyStopping), "execute command: instance is busy (stopping)"},
		{"wrapped cause", Spawn("start", errors.New("no such file")), "start: failed to spawn process: no such file"},
		{"bare kind", &Error{Kind: KindTimeout}, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Timeout("execute command", "no end marker"))

	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrBusy)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestErrorsIsMatchesBusyReason(t *testing.T) {
	err := Busy("execute command", BusyUpdatingOrInstalling)

	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, &Error{Kind: KindBusy, Reason: BusyUpdatingOrInstalling})
	assert.NotErrorIs(t, err, &Error{Kind: KindBusy, Reason: BusyStopping})
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Unexpected("stop", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindUnexpected, KindOf(errors.New("plain")))
}
