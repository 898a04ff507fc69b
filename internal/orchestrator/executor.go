package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/checkpoint"
	"github.com/fyrsmithlabs/pipelined/internal/events"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
)

// DefaultStreamBuffer is the capacity of the channel returned by Stream.
const DefaultStreamBuffer = 16

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithGate replaces the default quality gate.
func WithGate(g *pipeline.QualityGate) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.gate = g
		}
	}
}

// WithFetcher sets the repository context fetcher.
func WithFetcher(f ContextFetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// WithRecorder sets the recorder that receives finished runs.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithDefaults sets the language and test framework used when a request
// names none.
func WithDefaults(language, testFramework string) Option {
	return func(o *Orchestrator) {
		if language != "" {
			o.language = language
		}
		if testFramework != "" {
			o.testFramework = testFramework
		}
	}
}

// WithStreamBuffer sets the capacity of stream channels.
func WithStreamBuffer(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.streamBuffer = n
		}
	}
}

// Orchestrator runs tickets through the registered stages.
type Orchestrator struct {
	store         checkpoint.Store
	gate          *pipeline.QualityGate
	fetcher       ContextFetcher
	recorder      Recorder
	logger        *zap.Logger
	language      string
	testFramework string
	streamBuffer  int

	mu     sync.RWMutex
	stages map[pipeline.Stage]stages.Executor
	sinks  events.MultiSink
	stats  map[pipeline.Stage]*StageStats
}

// New creates an orchestrator that checkpoints into store.
func New(store checkpoint.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		gate:          pipeline.NewQualityGate(pipeline.DefaultThresholds()),
		logger:        zap.NewNop(),
		language:      pipeline.DefaultLanguage,
		testFramework: pipeline.DefaultTestFramework,
		streamBuffer:  DefaultStreamBuffer,
		stages:        make(map[pipeline.Stage]stages.Executor),
		stats:         make(map[pipeline.Stage]*StageStats),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterStage registers the executor for its stage, replacing any previous one.
func (o *Orchestrator) RegisterStage(exec stages.Executor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages[exec.Stage()] = exec
}

// RegisterSink adds a sink that receives every event of every run.
func (o *Orchestrator) RegisterSink(s events.Sink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sinks = append(o.sinks, s)
}

// Gate returns the quality gate, for runtime threshold updates.
func (o *Orchestrator) Gate() *pipeline.QualityGate {
	return o.gate
}

// Run executes a request synchronously and returns the final state. A run
// that fails is reported through the state's Status and Errors, not the
// returned error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*pipeline.State, error) {
	st, err := o.newState(req)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, st, events.NewEmitter(ctx, nil, o.sink(), o.logger)), nil
}

// Stream starts a request and returns its ordered events. The channel closes
// after workflow_complete or workflow_error. When ctx is done the channel
// stops receiving events but the run still finishes and checkpoints.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan events.Event, error) {
	st, err := o.newState(req)
	if err != nil {
		return nil, err
	}
	return o.stream(ctx, st), nil
}

// Resume restarts a thread from stage one using the inputs and repository
// context of its latest checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, threadID string) (*pipeline.State, error) {
	st, err := o.resumeState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, st, events.NewEmitter(ctx, nil, o.sink(), o.logger)), nil
}

// ResumeStream is Resume with the event stream of Stream.
func (o *Orchestrator) ResumeStream(ctx context.Context, threadID string) (<-chan events.Event, error) {
	st, err := o.resumeState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return o.stream(ctx, st), nil
}

// GetState returns the latest checkpoint of a thread.
func (o *Orchestrator) GetState(ctx context.Context, threadID string) (*pipeline.State, error) {
	st, err := o.store.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return st, nil
}

// GetHistory returns every checkpoint of a thread, oldest first. An unknown
// thread yields an empty history.
func (o *Orchestrator) GetHistory(ctx context.Context, threadID string) ([]*pipeline.State, error) {
	history, err := o.store.History(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return history, nil
}

func (o *Orchestrator) newState(req Request) (*pipeline.State, error) {
	action, err := req.Validate()
	if err != nil {
		return nil, err
	}
	in := pipeline.Input{
		TicketID:           req.TicketID,
		ThreadID:           req.ThreadID,
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Action:             action,
		Repository:         req.Repository,
		Language:           req.Language,
		TestFramework:      req.TestFramework,
	}
	if in.Language == "" {
		in.Language = o.language
	}
	if in.TestFramework == "" {
		in.TestFramework = o.testFramework
	}
	return pipeline.NewState(in), nil
}

func (o *Orchestrator) resumeState(ctx context.Context, threadID string) (*pipeline.State, error) {
	latest, err := o.store.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	st := pipeline.NewState(latest.Input)
	st.Context = latest.Context
	o.logger.Info("resuming thread",
		zap.String("thread_id", threadID),
		zap.String("previous_status", string(latest.Status)),
	)
	return st, nil
}

func (o *Orchestrator) stream(ctx context.Context, st *pipeline.State) <-chan events.Event {
	ch := make(chan events.Event, o.streamBuffer)
	go func() {
		defer close(ch)
		em := events.NewEmitter(ctx, ch, o.sink(), o.logger)
		o.execute(context.WithoutCancel(ctx), st, em)
	}()
	return ch
}

func (o *Orchestrator) sink() events.Sink {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.sinks) == 0 {
		return nil
	}
	return append(events.MultiSink(nil), o.sinks...)
}

func (o *Orchestrator) executor(stage pipeline.Stage) stages.Executor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stages[stage]
}

// execute drives st to a terminal phase.
func (o *Orchestrator) execute(ctx context.Context, st *pipeline.State, em *events.Emitter) *pipeline.State {
	ActiveRuns.Inc()
	defer ActiveRuns.Dec()

	ctx = logging.WithThreadID(logging.WithTicketID(ctx, st.TicketID), st.ThreadID)
	logger := logging.For(ctx, o.logger)
	logger.Info("pipeline run started", zap.String("action", string(st.Action)))

	em.Emit(events.Event{
		Type:     events.WorkflowStart,
		ThreadID: st.ThreadID,
		Action:   st.Action,
		TicketID: st.TicketID,
	})

	if st.Context == nil {
		st = o.fetchContext(ctx, st, logger)
	}
	o.checkpoint(ctx, st, logger)

	completed := pipeline.StageNone
	for {
		next := pipeline.Route(st.Action, completed)
		if next == pipeline.StageTerminal {
			break
		}

		exec := o.executor(next)
		if exec == nil {
			return o.fail(ctx, st, next, fmt.Errorf("no executor registered for stage %s", next), em, logger)
		}
		if err := exec.Precondition(st); err != nil {
			return o.fail(ctx, st, next, err, em, logger)
		}

		var err error
		st, err = o.runStage(ctx, st, exec, em, logger)
		if err != nil {
			return o.fail(ctx, st, next, err, em, logger)
		}
		completed = next
	}

	return o.complete(ctx, st, em, logger)
}

// runStage executes one stage, retrying once in strict mode when the quality
// gate rejects the standard outcome.
func (o *Orchestrator) runStage(ctx context.Context, st *pipeline.State, exec stages.Executor, em *events.Emitter, logger *zap.Logger) (*pipeline.State, error) {
	stage := exec.Stage()
	ctx = logging.WithStage(ctx, string(stage))

	st = st.Clone()
	if err := transition(st, pipeline.RunningPhase(stage)); err != nil {
		return st, err
	}
	st.CurrentStage = stage

	st, outcome, err := o.attempt(ctx, st, exec, pipeline.ModeStandard, 1, em)
	if err != nil {
		return st, err
	}

	if verdict, decision := o.gate.Evaluate(stage, outcome, st.Retries[stage]); verdict == pipeline.VerdictRetryWithStrict {
		st.AddDecision(decision)
		st.Retries[stage]++
		GateRetries.WithLabelValues(string(stage)).Inc()

		logger.Info("quality gate rejected stage output, retrying in strict mode",
			zap.String("stage", string(stage)),
			zap.String("reason", decision.Reason),
		)

		st, _, err = o.attempt(ctx, st, exec, pipeline.ModeStrict, 2, em)
		if err != nil {
			return st, err
		}
	}

	if err := transition(st, pipeline.DonePhase(stage)); err != nil {
		return st, err
	}
	o.checkpoint(ctx, st, logger)
	return st, nil
}

// attempt runs exec once in mode and records the result.
func (o *Orchestrator) attempt(ctx context.Context, st *pipeline.State, exec stages.Executor, mode pipeline.Mode, n int, em *events.Emitter) (*pipeline.State, pipeline.StageOutcome, error) {
	stage := exec.Stage()
	st.Mode = mode

	em.Emit(events.Event{
		Type:     events.NodeStart,
		ThreadID: st.ThreadID,
		Node:     stage,
		Agent:    exec.Name(),
		Attempt:  n,
		Mode:     mode,
	})

	started := time.Now().UTC()
	next, outcome, err := exec.Execute(ctx, st, mode)
	elapsed := time.Since(started)
	if err != nil {
		em.Emit(events.Event{
			Type:     events.NodeError,
			ThreadID: st.ThreadID,
			Node:     stage,
			Agent:    exec.Name(),
			Attempt:  n,
			Mode:     mode,
			Error:    err.Error(),
		})
		return st, outcome, err
	}
	if next == nil {
		next = st
	}
	next.Mode = mode
	if next.Confidence == nil {
		next.Confidence = map[pipeline.Stage]float64{}
	}
	next.Confidence[stage] = outcome.Confidence
	next.AddResult(pipeline.AgentResult{
		Stage:       stage,
		Agent:       exec.Name(),
		Mode:        mode,
		Attempt:     n,
		Outcome:     outcome,
		StartedAt:   started,
		CompletedAt: started.Add(elapsed),
	})

	o.recordStats(stage, exec.Name(), mode, outcome.Success)
	StageExecutions.WithLabelValues(string(stage), string(mode), resultLabel(outcome.Success)).Inc()
	StageDuration.WithLabelValues(string(stage), string(mode)).Observe(elapsed.Seconds())
	StageConfidence.WithLabelValues(string(stage)).Observe(outcome.Confidence)

	reported := outcome
	ev := events.Event{
		ThreadID: next.ThreadID,
		Node:     stage,
		Agent:    exec.Name(),
		Attempt:  n,
		Mode:     mode,
		Outcome:  &reported,
	}
	if outcome.Success {
		ev.Type = events.NodeComplete
		ev.Data = next.Clone()
	} else {
		ev.Type = events.NodeError
		ev.Error = outcome.ErrorMessage
	}
	em.Emit(ev)

	return next, outcome, nil
}

// fail terminates the run with a fatal error.
func (o *Orchestrator) fail(ctx context.Context, st *pipeline.State, stage pipeline.Stage, cause error, em *events.Emitter, logger *zap.Logger) *pipeline.State {
	st = st.Clone()
	st.CurrentStage = stage
	msg := "fatal: " + cause.Error()
	st.AddError(msg)
	st.Finish(pipeline.PhaseFailed)

	o.checkpoint(ctx, st, logger)
	RunsTotal.WithLabelValues(string(st.Action), string(st.Status)).Inc()

	logger.Error("pipeline run failed",
		zap.String("stage", string(stage)),
		zap.Error(cause),
	)

	em.Emit(events.Event{
		Type:     events.WorkflowError,
		ThreadID: st.ThreadID,
		Node:     stage,
		Error:    msg,
		Data:     st.Clone(),
	})
	return st
}

// complete finishes a run whose route reached the terminal stage.
func (o *Orchestrator) complete(ctx context.Context, st *pipeline.State, em *events.Emitter, logger *zap.Logger) *pipeline.State {
	st = st.Clone()
	if st.Phase != pipeline.PhaseCompleted {
		if err := transition(st, pipeline.PhaseCompleted); err != nil {
			return o.fail(ctx, st, st.CurrentStage, err, em, logger)
		}
	}
	st.Finish(pipeline.PhaseCompleted)

	o.checkpoint(ctx, st, logger)
	RunsTotal.WithLabelValues(string(st.Action), string(st.Status)).Inc()

	if o.recorder != nil {
		if err := o.recorder.RecordRun(ctx, st); err != nil {
			logger.Warn("failed to record run", zap.Error(err))
		}
	}

	logger.Info("pipeline run completed",
		zap.String("status", string(st.Status)),
		zap.Int("errors", len(st.Errors)),
		zap.Duration("duration", st.CompletedAt.Sub(st.StartedAt)),
	)

	em.Emit(events.Event{
		Type:     events.WorkflowComplete,
		ThreadID: st.ThreadID,
		Data:     st.Clone(),
	})
	return st
}

func (o *Orchestrator) fetchContext(ctx context.Context, st *pipeline.State, logger *zap.Logger) *pipeline.State {
	st = st.Clone()
	if o.fetcher == nil {
		if st.Repository != "" {
			logger.Warn("no repository fetcher configured, running without context",
				zap.String("repository", st.Repository))
		}
		st.Context = &pipeline.RepoContext{
			Repository: st.Repository,
			Source:     pipeline.ContextSourceNone,
			Structure:  "No GitHub repository provided",
		}
		return st
	}

	rc, err := o.fetcher.Fetch(ctx, st.Repository)
	if err != nil {
		st.AddError(fmt.Sprintf("repository context: %v", err))
		logger.Warn("repository context incomplete",
			zap.String("repository", st.Repository),
			zap.Error(err),
		)
	}
	if rc == nil {
		rc = &pipeline.RepoContext{
			Repository: st.Repository,
			Source:     pipeline.ContextSourceNone,
			Structure:  "Failed to fetch repository",
		}
	}
	st.Context = rc
	return st
}

func (o *Orchestrator) checkpoint(ctx context.Context, st *pipeline.State, logger *zap.Logger) {
	if err := o.store.Save(ctx, st.ThreadID, st); err != nil {
		CheckpointFailures.Inc()
		logger.Warn("checkpoint save failed",
			zap.String("phase", string(st.Phase)),
			zap.Error(err),
		)
	}
}

func transition(st *pipeline.State, to pipeline.Phase) error {
	if err := pipeline.Transition(st.Phase, to); err != nil {
		return err
	}
	st.Phase = to
	return nil
}
