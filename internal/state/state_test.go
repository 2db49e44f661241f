package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdatePublishesInOrder(t *testing.T) {
	s := New("v1")
	var order []int

	s.Subscribe(func(prev, cur State) { order = append(order, 1) })
	s.Subscribe(func(prev, cur State) { order = append(order, 2) })

	s.Update(func(st State) State {
		st.Shares.Files = 3
		return st
	})

	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 3, s.Get().Shares.Files)
}

func TestCancelledSubscriptionStopsFiring(t *testing.T) {
	s := New("v1")
	calls := 0
	cancel := s.Subscribe(func(prev, cur State) { calls++ })

	s.Update(func(st State) State { return st })
	cancel()
	s.Update(func(st State) State { return st })

	assert.Equal(t, 1, calls)
}

func TestUpdateReturnsPreviousAndCurrent(t *testing.T) {
	s := New("v1")
	prev, cur := s.Update(func(st State) State {
		st.PendingReconnect = true
		return st
	})
	assert.False(t, prev.PendingReconnect)
	assert.True(t, cur.PendingReconnect)
}
