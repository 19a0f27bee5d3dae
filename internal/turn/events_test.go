package turn

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_FIFOOrder(t *testing.T) {
	q := NewEventQueue(8)
	for i := 0; i < 5; i++ {
		q.Emit(AgentEvent{Kind: EventMessageUpdate, DeltaText: fmt.Sprintf("d%d", i)})
	}
	out := q.Drain()
	require.Len(t, out, 5)
	for i, ev := range out {
		assert.Equal(t, fmt.Sprintf("d%d", i), ev.DeltaText)
	}
	assert.Empty(t, q.Drain())
}

func TestEventQueue_OverflowCountsAndEmitsSingleError(t *testing.T) {
	q := NewEventQueue(4)
	for i := 0; i < 10; i++ {
		q.Emit(AgentEvent{Kind: EventMessageUpdate, DeltaText: fmt.Sprintf("d%d", i)})
	}
	out := q.Drain()
	require.Len(t, out, 5)

	// The newest four events survive; the overflow AgentError trails them.
	assert.Equal(t, "d6", out[0].DeltaText)
	errCount := 0
	for _, ev := range out {
		if ev.Kind == EventAgentError {
			errCount++
			assert.Equal(t, "event queue overflow", ev.ErrorMessage)
		}
	}
	assert.Equal(t, 1, errCount, "one AgentError per overflow window")
	assert.Equal(t, 6, q.Dropped())

	// A fresh overflow window after Drain surfaces a fresh AgentError.
	for i := 0; i < 10; i++ {
		q.Emit(AgentEvent{Kind: EventMessageUpdate})
	}
	errCount = 0
	for _, ev := range q.Drain() {
		if ev.Kind == EventAgentError {
			errCount++
		}
	}
	assert.Equal(t, 1, errCount)
}

func TestEventQueue_DefaultCapacity(t *testing.T) {
	q := NewEventQueue(0)
	for i := 0; i < 256; i++ {
		q.Emit(AgentEvent{Kind: EventMessageUpdate})
	}
	assert.Len(t, q.Drain(), 256)
	assert.Zero(t, q.Dropped())
}
