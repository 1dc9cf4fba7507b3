package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorus-llm/chorus/runtime/orchestrator/stream"
	"github.com/chorus-llm/chorus/runtime/orchestrator/telemetry"
	"github.com/chorus-llm/chorus/runtime/orchestrator/workflow"
)

type (
	// Channel is the inbound half of a client connection: a transport that
	// delivers raw command payloads (WebSocket frames, Pulse events, ...).
	Channel interface {
		// Subscribe registers the message handler and returns the function that
		// removes it. The handler may be invoked concurrently.
		Subscribe(handler func(data []byte)) (func(), error)
		// Close tears down the transport.
		Close(ctx context.Context) error
	}

	// Options configures a Session.
	Options struct {
		// Channel delivers inbound commands. Required.
		Channel Channel
		// Coordinator executes workflows. Required.
		Coordinator *workflow.Coordinator
		// Sink delivers outbound protocol events (shared with the coordinator).
		// Required; the session uses it for keepalive pongs.
		Sink stream.Sink
		// Compiler expands high-level requests. Defaults to BasicCompiler.
		Compiler workflow.Compiler
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Session binds one client channel to one coordinator for the lifetime of
	// the connection.
	Session struct {
		channel  Channel
		coord    *workflow.Coordinator
		sink     stream.Sink
		compiler workflow.Compiler
		logger   telemetry.Logger

		mu          sync.Mutex
		unsubscribe func()
		active      map[string]struct{} // session ids with in-flight workflows
		closed      bool
		wg          sync.WaitGroup
	}
)

// NewSession builds a Session from the provided collaborators.
func NewSession(opts Options) (*Session, error) {
	if opts.Channel == nil {
		return nil, errors.New("channel is required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("sink is required")
	}
	compiler := opts.Compiler
	if compiler == nil {
		compiler = workflow.BasicCompiler{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Session{
		channel:  opts.Channel,
		coord:    opts.Coordinator,
		sink:     opts.Sink,
		compiler: compiler,
		logger:   logger,
		active:   make(map[string]struct{}),
	}, nil
}

// Open registers the inbound message handler. Commands are processed on their
// own goroutines so a long workflow never blocks the transport's read loop.
func (s *Session) Open(ctx context.Context) error {
	unsubscribe, err := s.channel.Subscribe(func(data []byte) {
		s.handle(ctx, data)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return nil
}

// Close removes the message handler, aborts in-flight workflows, waits for
// them to reach their terminal state, and releases the channel. Safe to call
// even when the channel died uncleanly; Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	active := make([]string, 0, len(s.active))
	for id := range s.active {
		active = append(active, id)
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, id := range active {
		s.coord.Abort(id)
	}
	s.wg.Wait()
	return s.channel.Close(ctx)
}

func (s *Session) handle(ctx context.Context, data []byte) {
	cmd, err := Decode(data)
	if err != nil {
		s.logger.Warn(ctx, "inbound command rejected", "err", err)
		return
	}
	switch cmd.Type {
	case CommandPing:
		if err := s.sink.Send(ctx, stream.NewPong("", time.Now().UTC())); err != nil {
			s.logger.Warn(ctx, "pong delivery failed", "err", err)
		}
	case CommandAbort:
		s.coord.Abort(cmd.SessionID)
	case CommandExecuteWorkflow:
		req, err := s.resolveRequest(ctx, cmd)
		if err != nil {
			s.logger.Warn(ctx, "workflow compilation failed", "err", err)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.track(req.Context.SessionID, true)
			defer s.track(req.Context.SessionID, false)
			if err := s.coord.Execute(ctx, req); err != nil {
				s.logger.Warn(ctx, "workflow failed", "workflow_id", req.WorkflowID, "err", err)
			}
		}()
	}
}

func (s *Session) resolveRequest(ctx context.Context, cmd Command) (workflow.Request, error) {
	var (
		req workflow.Request
		err error
	)
	switch {
	case cmd.Workflow != nil:
		req = *cmd.Workflow
	case cmd.HighLevel != nil:
		req, err = s.compiler.Compile(ctx, *cmd.HighLevel)
		if err != nil {
			return workflow.Request{}, err
		}
	default:
		return workflow.Request{}, errors.New("empty workflow payload")
	}
	// Assign the session id here when absent so an abort arriving during the
	// workflow can find its in-flight entry.
	if req.Context.SessionID == "" {
		req.Context.SessionID = uuid.NewString()
	}
	return req, nil
}

func (s *Session) track(sessionID string, add bool) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	if add {
		s.active[sessionID] = struct{}{}
	} else {
		delete(s.active, sessionID)
	}
	s.mu.Unlock()
}
