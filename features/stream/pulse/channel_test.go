package pulse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
)

func TestChannelDeliversCommandPayloads(t *testing.T) {
	fp := newFakePulse()
	ch, err := NewChannel(ChannelOptions{Client: fp, StreamID: "chorus/commands"})
	require.NoError(t, err)

	var mu sync.Mutex
	var got [][]byte
	received := make(chan struct{}, 4)
	unsubscribe, err := ch.Subscribe(func(data []byte) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
		received <- struct{}{}
	})
	require.NoError(t, err)
	defer unsubscribe()

	fp.events <- &streaming.Event{EventName: "command", Payload: []byte(`{"type":"KEEPALIVE_PING"}`)}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("command not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.JSONEq(t, `{"type":"KEEPALIVE_PING"}`, string(got[0]))
}

func TestChannelUnsubscribeStopsConsumption(t *testing.T) {
	fp := newFakePulse()
	ch, err := NewChannel(ChannelOptions{Client: fp, StreamID: "chorus/commands"})
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	unsubscribe, err := ch.Subscribe(func([]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	// Unsubscribe blocks until the consumer goroutine exits, so anything
	// published afterwards is never handled.
	unsubscribe()
	fp.events <- &streaming.Event{Payload: []byte(`{"type":"KEEPALIVE_PING"}`)}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, count)
}

func TestChannelRejectsSecondHandler(t *testing.T) {
	fp := newFakePulse()
	ch, err := NewChannel(ChannelOptions{Client: fp, StreamID: "chorus/commands"})
	require.NoError(t, err)

	unsubscribe, err := ch.Subscribe(func([]byte) {})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = ch.Subscribe(func([]byte) {})
	require.Error(t, err)
}

func TestChannelCloseIsTerminal(t *testing.T) {
	fp := newFakePulse()
	ch, err := NewChannel(ChannelOptions{Client: fp, StreamID: "chorus/commands"})
	require.NoError(t, err)

	_, err = ch.Subscribe(func([]byte) {})
	require.NoError(t, err)

	require.NoError(t, ch.Close(context.Background()))
	require.True(t, fp.closed)

	_, err = ch.Subscribe(func([]byte) {})
	require.Error(t, err)
}
