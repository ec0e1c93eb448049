package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hanukia-controller/internal/lamp"
)

func TestSelectionRejectsOutOfRange(t *testing.T) {
	var s Selection
	require.NoError(t, s.Set(5))
	assert.Equal(t, 5, s.Get())

	for _, v := range []int{-1, 9, 100} {
		err := s.Set(v)
		assert.ErrorIs(t, err, ErrInvalidSelection, "value %d", v)
	}
	assert.Equal(t, 5, s.Selection(), "rejected values must not overwrite the selection")
}

func TestSelectionConcurrentAccess(t *testing.T) {
	var s Selection
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Set(v)
				_ = s.Get()
			}
		}(i)
	}
	wg.Wait()
	assert.True(t, lamp.ValidSelection(s.Get()))
}

func TestCommandChannel(t *testing.T) {
	ch := make(CommandChannel, 1)
	_, ok := ch.TryReceive()
	assert.False(t, ok)

	require.NoError(t, ch.TrySend(SelectCommand(3)))
	assert.ErrorIs(t, ch.TrySend(SelectCommand(4)), ErrBusy)

	cmd, ok := ch.TryReceive()
	require.True(t, ok)
	assert.Equal(t, CmdSelect, cmd.Type)
	assert.Equal(t, 3, cmd.Payload["value"])
}

func TestStateSnapshot(t *testing.T) {
	s := NewState()
	assert.Equal(t, -1, s.Clone().Applied)

	s.SetSelection(4)
	s.SetLamps(4, "descending", true, []lamp.ID{0, 4})
	s.SetRunningPattern("countdown.lua")

	v := s.View()
	assert.Equal(t, View{
		Selection:      4,
		Applied:        4,
		Phase:          "descending",
		Busy:           true,
		Lit:            []int{0, 4},
		RunningPattern: "countdown.lua",
	}, v)

	v.Lit[0] = 99
	assert.Equal(t, []int{0, 4}, s.Clone().Lit, "views must not alias internal state")
}

func TestEventBus(t *testing.T) {
	eb := NewEventBus()
	sub := eb.Subscribe(LampsChangedEvent)
	other := eb.Subscribe(PatternChangedEvent)

	eb.Publish(Event{Type: LampsChangedEvent, Payload: 1})

	select {
	case ev := <-sub:
		assert.Equal(t, 1, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, other, 0)

	eb.Unsubscribe(sub, LampsChangedEvent)
	eb.Publish(Event{Type: LampsChangedEvent, Payload: 2})
	assert.Len(t, sub, 0)
}

func TestEventBusDropsWhenSubscriberFull(t *testing.T) {
	eb := NewEventBus()
	sub := eb.Subscribe(FrameEvent)
	for i := 0; i < 150; i++ {
		eb.Publish(Event{Type: FrameEvent, Payload: i})
	}
	assert.Len(t, sub, 100)
}
