package pulse

import (
	"context"
	"errors"
	"sync"

	clientspulse "github.com/chorus-llm/chorus/features/stream/pulse/clients/pulse"
)

// Channel adapts a Pulse command stream to the conn.Channel contract: inbound
// client commands are read from a consumer group and handed to the registered
// handler. One Channel instance serves one client connection.
type Channel struct {
	client   clientspulse.Client
	streamID string
	sinkName string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// ChannelOptions configures a command channel.
type ChannelOptions struct {
	// Client is the Pulse client used to consume commands. Required.
	Client clientspulse.Client
	// StreamID names the command stream to consume. Required.
	StreamID string
	// SinkName identifies the consumer group. Defaults to "chorus_commands".
	SinkName string
}

// NewChannel constructs a command channel over a Pulse stream.
func NewChannel(opts ChannelOptions) (*Channel, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.StreamID == "" {
		return nil, errors.New("stream id is required")
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = "chorus_commands"
	}
	return &Channel{client: opts.Client, streamID: opts.StreamID, sinkName: sinkName}, nil
}

// Subscribe opens the consumer group and pumps raw command payloads into the
// handler until unsubscribed or closed.
func (c *Channel) Subscribe(handler func(data []byte)) (func(), error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("channel closed")
	}
	if c.cancel != nil {
		return nil, errors.New("handler already registered")
	}

	str, err := c.client.Stream(c.streamID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	sink, err := str.NewSink(ctx, c.sinkName)
	if err != nil {
		cancel()
		return nil, err
	}
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		defer sink.Close(context.Background())
		ch := sink.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				handler(evt.Payload)
				_ = sink.Ack(ctx, evt)
			}
		}
	}()

	return func() { c.unsubscribe() }, nil
}

// Close stops consumption and releases the Pulse client.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.unsubscribe()
	return c.client.Close(ctx)
}

func (c *Channel) unsubscribe() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
