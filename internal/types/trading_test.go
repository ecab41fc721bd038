package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusPending, StatusSubmitted, true},
		{StatusPending, StatusRejected, true},
		{StatusSubmitted, StatusFilled, true},
		{StatusSubmitted, StatusCancelled, true},
		{StatusSubmitted, StatusPending, false},
		{StatusSubmitted, StatusSubmitted, false},
		{StatusFilled, StatusCancelled, false},
		{StatusRejected, StatusSubmitted, false},
		{StatusCancelled, StatusFilled, false},
		{StatusPending, OrderStatus("partially_filled"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusSubmitted.Terminal())
	assert.True(t, StatusFilled.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
