package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

func TestHubDeliversInOrder(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(4)
	require.Equal(t, 1, h.Count())

	h.Publish([]state.Event{{Seq: 1, Type: state.EventCreateBooking}, {Seq: 2, Type: state.EventSomethingStored}})

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Zero(t, sub.Dropped())
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	h.Publish([]state.Event{{Seq: 1}, {Seq: 2}, {Seq: 3}})

	assert.Equal(t, uint64(2), sub.Dropped())
	e := <-sub.C
	assert.Equal(t, uint64(1), e.Seq)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	h.Unsubscribe(sub.ID)
	_, open := <-sub.C
	assert.False(t, open)
	assert.Zero(t, h.Count())

	h.Unsubscribe(sub.ID)
}

func TestHubStop(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(1)
	h.Stop()
	_, open := <-a.C
	assert.False(t, open)

	late := h.Subscribe(1)
	_, open = <-late.C
	assert.False(t, open)
	assert.Zero(t, h.Count())
}
