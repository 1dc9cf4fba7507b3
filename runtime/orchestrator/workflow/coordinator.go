package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorus-llm/chorus/runtime/orchestrator/delta"
	"github.com/chorus-llm/chorus/runtime/orchestrator/fanout"
	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
	"github.com/chorus-llm/chorus/runtime/orchestrator/stream"
	"github.com/chorus-llm/chorus/runtime/orchestrator/telemetry"
	"github.com/chorus-llm/chorus/runtime/orchestrator/turns"
)

// State is the coordinator's externally observable execution phase.
type State string

// Coordinator states. Completed is always reached, success or partial
// failure; there is no abandoned state.
const (
	StateIdle             State = "idle"
	StateRunningBatch     State = "running_batch"
	StateRunningMapping   State = "running_mapping"
	StateRunningSynthesis State = "running_synthesis"
	StateCompleted        State = "completed"
)

type (
	// Options configures a Coordinator.
	Options struct {
		// Dispatcher fans prompts out to providers. Required.
		Dispatcher *fanout.Dispatcher
		// Repository persists sessions and turns. Required.
		Repository turns.Repository
		// Sink delivers protocol events to the client. Required.
		Sink stream.Sink
		// Tracker computes streaming deltas. Defaults to a fresh tracker.
		Tracker *delta.Tracker
		// Logger and Metrics default to noop implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Coordinator executes workflow requests: batch steps first (fatal on
	// failure), then mapping, then synthesis (both best-effort), then terminal
	// completion, delta-state cleanup and turn persistence.
	Coordinator struct {
		dispatcher *fanout.Dispatcher
		repo       turns.Repository
		sink       stream.Sink
		tracker    *delta.Tracker
		logger     telemetry.Logger
		metrics    telemetry.Metrics

		mu    sync.Mutex
		state State
	}

	// execution is the per-workflow mutable state. It is owned by a single
	// Execute call and never shared across workflows, so no locking is needed
	// beyond what the shared collaborators provide themselves.
	execution struct {
		req        Request
		sessionID  string
		historical bool

		results  map[string]*StepResult
		contexts map[string]provider.Meta // workflow-local continuation cache

		persisted       map[string]provider.Meta // lazily loaded tier-3 contexts
		persistedLoaded bool

		session       turns.Session
		sessionLoaded bool

		aiTurn turns.AiTurn
	}
)

// New builds a Coordinator from the provided collaborators.
func New(opts Options) (*Coordinator, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("sink is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = delta.NewTracker(logger)
	}
	return &Coordinator{
		dispatcher: opts.Dispatcher,
		repo:       opts.Repository,
		sink:       opts.Sink,
		tracker:    tracker,
		logger:     logger,
		metrics:    metrics,
		state:      StateIdle,
	}, nil
}

// State returns the most recent phase transition. A Coordinator may serve
// several Execute calls concurrently, in which case their transitions
// interleave here; the value is only a faithful phase indicator when at most
// one workflow is in flight. Per-workflow progress is reported through
// WORKFLOW_STEP_UPDATE events, not this accessor.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Abort cancels every outstanding provider call for the session. Already
// settled providers are unaffected and the in-flight workflow still reaches
// its terminal completion with whatever was captured.
func (c *Coordinator) Abort(sessionID string) {
	c.dispatcher.Abort(sessionID)
}

// Execute runs one workflow to completion. The client always receives a
// terminal WORKFLOW_COMPLETE event, even on fatal failure; the returned error
// mirrors that terminal error for the caller's own logging.
func (c *Coordinator) Execute(ctx context.Context, req Request) error {
	start := time.Now()
	exec := &execution{
		req:      req,
		results:  make(map[string]*StepResult),
		contexts: make(map[string]provider.Meta),
	}
	exec.sessionID = req.Context.SessionID
	if exec.sessionID == "" {
		exec.sessionID = uuid.NewString()
		exec.req.Context.SessionID = exec.sessionID
	}
	exec.historical = req.Context.TargetUserTurnID != ""

	// Announce the session id before any step runs so optimistic client-side
	// state can bind to it.
	c.send(ctx, stream.NewSessionStarted(exec.sessionID))

	if err := exec.req.Validate(); err != nil {
		c.finish(ctx, exec, err)
		return err
	}

	if sess, err := c.repo.GetOrCreateSession(ctx, exec.sessionID); err != nil {
		c.logger.Error(ctx, "load session failed", "session_id", exec.sessionID, "err", err)
	} else {
		exec.session = sess
		exec.sessionLoaded = true
	}
	exec.aiTurn = turns.NewAiTurn(uuid.NewString(), "", time.Now().UTC())

	batchSteps, mappingSteps, synthSteps := bucket(exec.req.Steps)

	c.setState(StateRunningBatch)
	for _, step := range batchSteps {
		if err := c.runBatchStep(ctx, exec, step); err != nil {
			c.finish(ctx, exec, err)
			c.metrics.RecordTimer("workflow_duration", time.Since(start), "outcome", "failed")
			return err
		}
	}

	c.setState(StateRunningMapping)
	for _, step := range mappingSteps {
		c.runDerivedStep(ctx, exec, step, turns.ResponseMapping)
	}

	c.setState(StateRunningSynthesis)
	for _, step := range synthSteps {
		c.runDerivedStep(ctx, exec, step, turns.ResponseSynthesis)
	}

	c.finish(ctx, exec, nil)
	c.metrics.RecordTimer("workflow_duration", time.Since(start), "outcome", "completed")
	return nil
}

// runBatchStep executes one batch step. Batch steps are a hard dependency for
// everything that follows: a step where no provider produced usable text is
// fatal to the whole workflow.
func (c *Coordinator) runBatchStep(ctx context.Context, exec *execution, step Step) error {
	prompt := step.Payload.Prompt
	if prompt == "" {
		prompt = exec.req.Context.UserMessage
	}
	outcome := c.dispatchStep(ctx, exec, step, prompt)

	usable := false
	for _, res := range outcome.Successes {
		if res.Text != "" {
			usable = true
			break
		}
	}
	if !usable {
		err := fmt.Errorf("step %q: %w", step.ID, ErrBatchExhausted)
		c.failStep(ctx, exec, step, err, outcome.Failures)
		return err
	}
	c.completeStep(ctx, exec, step, turns.ResponseBatch, outcome)
	return nil
}

// runDerivedStep executes one mapping or synthesis step. Failures are local:
// they are recorded and reported but never halt sibling steps.
func (c *Coordinator) runDerivedStep(ctx context.Context, exec *execution, step Step, kind turns.ResponseKind) {
	sources, err := c.resolveSources(ctx, exec, step)
	if err != nil {
		c.failStep(ctx, exec, step, err, nil)
		return
	}

	var mappingText string
	if kind == turns.ResponseSynthesis && len(step.Payload.MappingStepIDs) > 0 {
		mappingText, err = c.resolveMappingDependency(ctx, exec, step)
		if err != nil {
			c.failStep(ctx, exec, step, err, nil)
			return
		}
	}

	prompt := buildPrompt(step, exec.req.Context.UserMessage, sources, mappingText)
	outcome := c.dispatchStep(ctx, exec, step, prompt)

	usable := false
	for _, res := range outcome.Successes {
		if res.Text != "" {
			usable = true
			break
		}
	}
	if !usable {
		err := stepFailure(step, outcome.Failures)
		c.failStep(ctx, exec, step, err, outcome.Failures)
		return
	}
	c.completeStep(ctx, exec, step, kind, outcome)
}

// dispatchStep fans the resolved prompt out to the step's providers, wiring
// streaming chunks through the delta codec into PARTIAL_RESULT events.
func (c *Coordinator) dispatchStep(ctx context.Context, exec *execution, step Step, prompt string) fanout.Outcome {
	contexts := make(map[string]provider.Meta)
	for _, id := range step.Payload.Providers {
		if meta := c.resolveContext(ctx, exec, step, id); meta != nil {
			contexts[id] = meta
		}
	}
	var thinking *provider.ThinkingOptions
	if step.Payload.Thinking {
		thinking = &provider.ThinkingOptions{Enable: true}
	}
	return c.dispatcher.Dispatch(ctx, fanout.Batch{
		SessionID: exec.sessionID,
		Prompt:    prompt,
		Providers: step.Payload.Providers,
		Contexts:  contexts,
		Overrides: step.Payload.Overrides,
		Thinking:  thinking,
		OnPartial: func(providerID string, chunk provider.Chunk) {
			d, emit := c.tracker.Delta(ctx, delta.Key(exec.sessionID, providerID), chunk.Text)
			if !emit && !chunk.IsFinal {
				return
			}
			c.metrics.IncCounter("delta_bytes", float64(len(d)), "provider", providerID)
			c.send(ctx, stream.NewPartialResult(exec.sessionID, step.ID, providerID, d, chunk.IsFinal))
		},
	})
}

// completeStep records a step's successes, merges newly obtained provider
// contexts into the workflow cache, and emits the step update.
func (c *Coordinator) completeStep(ctx context.Context, exec *execution, step Step, kind turns.ResponseKind, outcome fanout.Outcome) {
	res := &StepResult{
		Status:   StepCompleted,
		Results:  outcome.Successes,
		Failures: failureMessages(outcome.Failures),
	}
	exec.results[step.ID] = res
	for id, pr := range outcome.Successes {
		if len(pr.Meta) > 0 {
			exec.contexts[id] = pr.Meta
		}
		exec.aiTurn.Append(kind, pr)
	}
	c.send(ctx, stream.NewStepUpdate(exec.sessionID, step.ID, string(StepCompleted), stepResultPayload(res), ""))
}

// failStep records a step failure and emits the step update. The caller
// decides whether the failure is fatal to the workflow.
func (c *Coordinator) failStep(ctx context.Context, exec *execution, step Step, err error, failures map[string]error) {
	exec.results[step.ID] = &StepResult{
		Status:   StepFailed,
		Err:      err,
		Failures: failureMessages(failures),
	}
	c.metrics.IncCounter("step_failures", 1, "step_type", string(step.Type))
	c.logger.Warn(ctx, "step failed", "session_id", exec.sessionID, "step_id", step.ID, "err", err)
	c.send(ctx, stream.NewStepUpdate(exec.sessionID, step.ID, string(StepFailed), nil, err.Error()))
}

// finish emits the terminal completion event, clears the session's delta
// state, and persists the turn. It is reached on every execution path.
func (c *Coordinator) finish(ctx context.Context, exec *execution, fatal error) {
	final := make(map[string]any, len(exec.results))
	for stepID, res := range exec.results {
		entry := map[string]any{"status": string(res.Status)}
		if res.Status == StepCompleted {
			entry["result"] = stepResultPayload(res)
		} else if res.Err != nil {
			entry["error"] = res.Err.Error()
		}
		final[stepID] = entry
	}
	errMsg := ""
	if fatal != nil {
		errMsg = fatal.Error()
	}
	c.send(ctx, stream.NewWorkflowComplete(exec.sessionID, exec.req.WorkflowID, final, errMsg))

	c.tracker.ClearSession(exec.sessionID)
	c.persist(ctx, exec)
	c.setState(StateCompleted)
}

// persist writes the turn to the repository. Live workflows append a new
// user/AI turn pair; historical replays only append the new provider attempts
// to the existing turn. Persistence failures are logged and swallowed, never
// fatal to the workflow.
func (c *Coordinator) persist(ctx context.Context, exec *execution) {
	if !hasResponses(exec.aiTurn) {
		return
	}
	if exec.historical {
		turn, ok := c.targetTurn(ctx, exec)
		if !ok {
			c.persistFailed(ctx, exec, errors.New("target historical turn not found"))
			return
		}
		for _, kind := range []turns.ResponseKind{turns.ResponseBatch, turns.ResponseMapping, turns.ResponseSynthesis} {
			bucket := exec.aiTurn.Responses(kind)
			if len(bucket) == 0 {
				continue
			}
			if err := c.repo.AppendProviderResponses(ctx, exec.sessionID, turn.ID, kind, bucket); err != nil {
				c.persistFailed(ctx, exec, err)
			}
		}
	} else {
		userTurn := turns.UserTurn{
			ID:        uuid.NewString(),
			Text:      exec.req.Context.UserMessage,
			CreatedAt: time.Now().UTC(),
		}
		if err := c.repo.SaveTurn(ctx, exec.sessionID, userTurn); err != nil {
			c.persistFailed(ctx, exec, err)
		}
		exec.aiTurn.UserTurnID = userTurn.ID
		if err := c.repo.SaveTurn(ctx, exec.sessionID, exec.aiTurn); err != nil {
			c.persistFailed(ctx, exec, err)
		}
	}
	for providerID, meta := range exec.contexts {
		if err := c.repo.UpdateProviderContext(ctx, exec.sessionID, providerID, meta); err != nil {
			c.persistFailed(ctx, exec, err)
		}
	}
}

func (c *Coordinator) persistFailed(ctx context.Context, exec *execution, err error) {
	c.metrics.IncCounter("persistence_failures", 1)
	c.logger.Error(ctx, "turn persistence failed", "session_id", exec.sessionID, "err", err)
}

// send delivers one protocol event, logging and swallowing transport errors
// so a dead client never stalls the workflow.
func (c *Coordinator) send(ctx context.Context, event stream.Event) {
	if err := c.sink.Send(ctx, event); err != nil {
		c.logger.Warn(ctx, "event delivery failed", "type", string(event.Type()), "err", err)
	}
}

// stepFailure summarizes a derived step whose providers all failed or
// returned empty text.
func stepFailure(step Step, failures map[string]error) error {
	ids := make([]string, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		return fmt.Errorf("step %q: provider %q: %w", step.ID, id, failures[id])
	}
	return fmt.Errorf("step %q: no provider produced text", step.ID)
}

func failureMessages(failures map[string]error) map[string]string {
	if len(failures) == 0 {
		return nil
	}
	out := make(map[string]string, len(failures))
	for id, err := range failures {
		out[id] = err.Error()
	}
	return out
}

// stepResultPayload renders a step result for the wire: per-provider text,
// status and soft errors, keyed by provider id.
func stepResultPayload(res *StepResult) map[string]any {
	providers := make(map[string]any, len(res.Results))
	for id, pr := range res.Results {
		entry := map[string]any{
			"text":   pr.Text,
			"status": string(pr.Status),
		}
		if pr.SoftError != nil {
			entry["softError"] = map[string]any{"name": pr.SoftError.Name, "message": pr.SoftError.Message}
		}
		providers[id] = entry
	}
	out := map[string]any{"providers": providers}
	if len(res.Failures) > 0 {
		out["failures"] = res.Failures
	}
	return out
}

func hasResponses(turn turns.AiTurn) bool {
	return len(turn.BatchResponses) > 0 || len(turn.MappingResponses) > 0 || len(turn.SynthesisResponses) > 0
}
