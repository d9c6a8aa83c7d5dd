package eventbus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan *Event, n int) []*Event {
	t.Helper()
	out := make([]*Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case event, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	bus := NewBus(nil)

	for i := range 5 {
		event, err := bus.Publish("s1", EventLog, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), event.Seq)
	}

	history := bus.History("s1")
	require.Len(t, history, 5)
	for i, event := range history {
		assert.Equal(t, int64(i+1), event.Seq)
	}
}

func TestSequencesIndependentPerSession(t *testing.T) {
	bus := NewBus(nil)

	e1, err := bus.Publish("a", EventLog, "x")
	require.NoError(t, err)
	e2, err := bus.Publish("b", EventLog, "y")
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(1), e2.Seq)
}

func TestLateSubscriberReplaysHistoryThenLive(t *testing.T) {
	bus := NewBus(nil)

	_, err := bus.Publish("s1", EventStatus, "running")
	require.NoError(t, err)
	_, err = bus.Publish("s1", EventLog, "brainstorm started")
	require.NoError(t, err)

	ch, cancel := bus.Subscribe("s1")
	defer cancel()

	_, err = bus.Publish("s1", EventLog, "brainstorm done")
	require.NoError(t, err)

	events := collect(t, ch, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{events[0].Seq, events[1].Seq, events[2].Seq})
	assert.Equal(t, "running", events[0].Payload)
	assert.Equal(t, "brainstorm done", events[2].Payload)
}

func TestSubscriberOrderingGapFree(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe("s1")
	defer cancel()

	for i := range 50 {
		_, err := bus.Publish("s1", EventLog, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}

	events := collect(t, ch, 50)
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Seq)
	}
}

func TestJournalDurableReplayAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	journal, err := NewJournal(dir)
	require.NoError(t, err)
	bus := NewBus(journal)

	_, err = bus.Publish("s1", EventLog, "first")
	require.NoError(t, err)
	_, err = bus.Publish("s1", EventLog, "second")
	require.NoError(t, err)
	require.NoError(t, journal.Close())

	// A new bus over the same journal continues the sequence.
	journal2, err := NewJournal(dir)
	require.NoError(t, err)
	defer func() { _ = journal2.Close() }()
	bus2 := NewBus(journal2)

	event, err := bus2.Publish("s1", EventLog, "third")
	require.NoError(t, err)
	assert.Equal(t, int64(3), event.Seq)

	ch, cancel := bus2.Subscribe("s1")
	defer cancel()
	events := collect(t, ch, 3)
	assert.Equal(t, "first", events[0].Payload)
	assert.Equal(t, "third", events[2].Payload)
}

func TestCloseSessionClosesSubscribers(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe("s1")
	defer cancel()

	bus.CloseSession("s1")

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}

func TestCancelIsIdempotentWithCloseSession(t *testing.T) {
	bus := NewBus(nil)
	_, cancel := bus.Subscribe("s1")
	bus.CloseSession("s1")
	cancel() // must not panic on double release
}
