package oauth

import (
	"testing"
	"time"

	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	s := NewStateSigner("secret", 10*time.Minute)

	state, err := s.Sign("user-1", "alpaca")
	require.NoError(t, err)
	assert.NoError(t, s.Verify(state, "user-1", "alpaca"))
}

func TestStateRejectsMismatch(t *testing.T) {
	s := NewStateSigner("secret", 10*time.Minute)
	state, err := s.Sign("user-1", "alpaca")
	require.NoError(t, err)

	assert.True(t, apperr.Is(s.Verify(state, "user-2", "alpaca"), apperr.KindInvalidState))
	assert.True(t, apperr.Is(s.Verify(state, "user-1", "schwab"), apperr.KindInvalidState))
}

func TestStateRejectsTampering(t *testing.T) {
	s := NewStateSigner("secret", 10*time.Minute)
	other := NewStateSigner("other-secret", 10*time.Minute)

	state, err := other.Sign("user-1", "alpaca")
	require.NoError(t, err)
	assert.True(t, apperr.Is(s.Verify(state, "user-1", "alpaca"), apperr.KindInvalidState))
	assert.True(t, apperr.Is(s.Verify("not-a-token", "user-1", "alpaca"), apperr.KindInvalidState))
}

func TestStateExpires(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	s := NewStateSigner("secret", 10*time.Minute)
	s.now = func() time.Time { return now }

	state, err := s.Sign("user-1", "alpaca")
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	assert.True(t, apperr.Is(s.Verify(state, "user-1", "alpaca"), apperr.KindInvalidState))
}
