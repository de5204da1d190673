// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubscribeReplaysHistoryThenLive(t *testing.T) {
	b := New[LogEvent](256, 64)
	const sid = "sess-1"

	b.Publish(sid, LogEvent{Stream: "stdout", Text: "one\n"})
	b.Publish(sid, LogEvent{Stream: "stdout", Text: "two\n"})

	sub, history := b.SubscribeWithHistory(sid)
	defer sub.Unsubscribe()
	require.Len(t, history, 2)
	assert.Equal(t, "one\n", history[0].Text)
	assert.Equal(t, "two\n", history[1].Text)

	b.Publish(sid, LogEvent{Stream: "stderr", Text: "three\n"})
	ev := <-sub.C
	assert.Equal(t, "three\n", ev.Text)
}

func TestHistoryIsBounded(t *testing.T) {
	b := New[LogEvent](0, 64) // raised to the 256 floor
	const sid = "sess-1"

	for i := 0; i < 300; i++ {
		b.Publish(sid, LogEvent{Text: fmt.Sprintf("%d", i)})
	}
	history := b.History(sid)
	require.Len(t, history, 256)
	assert.Equal(t, "44", history[0].Text)
	assert.Equal(t, "299", history[255].Text)
}

func TestNoGapBetweenSnapshotAndRegistration(t *testing.T) {
	b := New[LogEvent](1024, 2048)
	const sid = "sess-1"
	const total = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			b.Publish(sid, LogEvent{Text: fmt.Sprintf("%d", i)})
		}
	}()

	// Subscribe while the publisher is mid-flight. Snapshot plus queue must
	// form the complete contiguous sequence with no gap and no duplicate.
	time.Sleep(time.Millisecond)
	sub, history := b.SubscribeWithHistory(sid)
	wg.Wait()

	seen := make([]string, 0, total)
	for _, ev := range history {
		seen = append(seen, ev.Text)
	}
drain:
	for {
		select {
		case ev := <-sub.C:
			seen = append(seen, ev.Text)
		default:
			break drain
		}
	}
	sub.Unsubscribe()

	require.NotEmpty(t, seen)
	assert.Equal(t, fmt.Sprintf("%d", total-1), seen[len(seen)-1])
	for i, text := range seen {
		// History is bounded at 1024 >= total, so the sequence starts at 0.
		assert.Equal(t, fmt.Sprintf("%d", i), text)
	}
	assert.Len(t, seen, total)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New[DebugEvent](256, 2)
	const sid = "sess-1"

	sub, _ := b.SubscribeWithHistory(sid)
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		b.Publish(sid, DebugEvent{Kind: fmt.Sprintf("ev-%d", i)})
	}
	assert.Equal(t, uint64(3), b.LagDrops())

	// The queue holds the newest events.
	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, "ev-3", first.Kind)
	assert.Equal(t, "ev-4", second.Kind)

	// History is lossless regardless of queue pressure.
	assert.Len(t, b.History(sid), 5)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New[LogEvent](256, 8)
	sub, _ := b.SubscribeWithHistory("sess-1")
	sub.Unsubscribe()
	sub.Unsubscribe()
	_, ok := <-sub.C
	assert.False(t, ok)

	// Publishing after unsubscribe does not panic.
	b.Publish("sess-1", LogEvent{Text: "x"})
}

func TestDropSessionClosesSubscribers(t *testing.T) {
	b := New[LogEvent](256, 8)
	sub, _ := b.SubscribeWithHistory("sess-1")
	b.Publish("sess-1", LogEvent{Text: "x"})
	b.DropSession("sess-1")

	ev, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, "x", ev.Text)
	_, ok = <-sub.C
	assert.False(t, ok)

	assert.Empty(t, b.History("sess-1"))
}
