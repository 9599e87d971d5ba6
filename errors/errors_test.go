package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrRateLimited, "guardian admission")

	assert.True(t, Is(err, ErrRateLimited))
	assert.False(t, Is(err, ErrCircuitOpen))
	assert.Contains(t, err.Error(), "guardian admission")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestWithDetailKeepsSentinel(t *testing.T) {
	err := WithDetail(Wrap(ErrTimeout, "job sandbox"), "timeout: 20m0s")

	assert.True(t, IsTimeout(err))
	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "timeout: 20m0s", details[0])
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		timeout   bool
		limited   bool
		open      bool
		transient bool
	}{
		{"nil", nil, false, false, false, false},
		{"timeout", Wrap(ErrTimeout, "call"), true, false, false, true},
		{"rate limited", Wrap(ErrRateLimited, "admit"), false, true, false, true},
		{"circuit open", Wrap(ErrCircuitOpen, "anthropic"), false, false, true, true},
		{"transport", Wrap(ErrTransportFailure, "dial"), false, false, false, true},
		{"invalid config", NewInvalidConfigError("job %q", "x"), false, false, false, false},
		{"already running", ErrAlreadyRunning, false, false, false, false},
		{"plain", New("boom"), false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.timeout, IsTimeout(tt.err))
			assert.Equal(t, tt.limited, IsRateLimited(tt.err))
			assert.Equal(t, tt.open, IsCircuitOpen(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestNewInvalidConfigError(t *testing.T) {
	err := NewInvalidConfigError("job %q: interval must be positive", "guardian")

	assert.True(t, Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), `job "guardian": interval must be positive`)
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("job %s", "imperium")

	assert.True(t, Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "job imperium")
}

func TestMark(t *testing.T) {
	base := New("connection reset by peer")
	err := Mark(base, ErrTransportFailure)

	assert.True(t, Is(err, ErrTransportFailure))
	assert.Equal(t, "connection reset by peer", err.Error())
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithStack(nil))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
}

func TestErrorChaining(t *testing.T) {
	err := Wrap(ErrCircuitOpen, "target anthropic")
	err = WithHint(err, "configure dispatch.fallbacks")
	err = WithDetail(err, "opened_at: 12:00:00")
	err = Wrap(err, "dispatch guardian")

	assert.True(t, IsCircuitOpen(err))
	assert.Contains(t, err.Error(), "dispatch guardian")
	assert.Contains(t, GetAllHints(err), "configure dispatch.fallbacks")
	assert.Contains(t, GetAllDetails(err), "opened_at: 12:00:00")
}

func ExampleWrap() {
	err := Wrap(ErrRateLimited, "admission for guardian")
	fmt.Println(err)
	// Output: admission for guardian: rate limited
}

func ExampleWithHint() {
	err := WithHint(ErrTimeout, "raise agents.<name>.timeout_minutes")

	hints := GetAllHints(err)
	fmt.Println(hints[0])
	// Output: raise agents.<name>.timeout_minutes
}
