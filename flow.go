// Package flow is a workflow execution engine. Workflows are typed node
// graphs: triggers start an execution, condition nodes branch it, api_call
// nodes reach external services, and connections with optional guards wire
// the nodes together. The engine validates definitions, runs the graph with
// per-node retries and bounded concurrency, and records every state change
// as an ordered event stream.
package flow

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labelmint/flow/internal/diagram"
	"github.com/labelmint/flow/internal/engine"
	"github.com/labelmint/flow/internal/logging"
	"github.com/labelmint/flow/internal/nodes"
	"github.com/labelmint/flow/internal/sandbox"
	"github.com/labelmint/flow/internal/store"
	"github.com/labelmint/flow/internal/streaming"
	"github.com/labelmint/flow/internal/validation"
	"github.com/labelmint/flow/pkg/schema"
)

// Re-exported data model types, so callers only import this package and
// pkg/schema stays the single source of truth.
type (
	WorkflowDefinition = schema.WorkflowDefinition
	WorkflowNode       = schema.WorkflowNode
	WorkflowConnection = schema.WorkflowConnection
	WorkflowTrigger    = schema.WorkflowTrigger
	RetryPolicy        = schema.RetryPolicy
	ErrorHandling      = schema.ErrorHandling
	WorkflowExecution  = schema.WorkflowExecution
	NodeExecution      = schema.NodeExecution
	NodeResult         = schema.NodeResult
	FlowError          = schema.FlowError
	ValidationResult   = schema.ValidationResult
	ExecutionStatus    = schema.ExecutionStatus

	Store           = store.Store
	Event           = store.Event
	ExecutionFilter = store.ExecutionFilter
	ExecutionUpdate = store.ExecutionUpdate

	StreamEvent = streaming.StreamEvent
	EventFilter = streaming.EventFilter

	Executor = nodes.Executor
)

// Execution statuses reported on WorkflowExecution.Status.
const (
	ExecutionPending   = schema.ExecutionPending
	ExecutionRunning   = schema.ExecutionRunning
	ExecutionCompleted = schema.ExecutionCompleted
	ExecutionFailed    = schema.ExecutionFailed
	ExecutionCancelled = schema.ExecutionCancelled
)

// Options configures a Flow instance. The zero value is usable: in-memory
// store, default logger, built-in node executors only.
type Options struct {
	// Store persists executions and events. Nil selects the in-memory store.
	Store Store

	// Logger is the base structured logger. Nil selects a JSON logger on
	// stderr with execution/node correlation.
	Logger *slog.Logger

	// Concurrency bounds how many nodes run at once across all executions.
	Concurrency int

	// HTTPClient is shared by api_call nodes. Nil selects a pooled default.
	HTTPClient *http.Client

	// ScriptTimeout is the wall-clock limit for condition and transform
	// scripts. Zero selects the 5s default.
	ScriptTimeout time.Duration

	// Executors registers additional node types beyond the built-ins.
	Executors []Executor
}

// Flow bundles the engine, validator, store and event hub behind one handle.
type Flow struct {
	engine    *engine.Engine
	validator *validation.WorkflowValidator
	store     Store
	hub       *streaming.MemoryHub
	logger    *slog.Logger
}

// New creates a Flow with the built-in trigger, condition and api_call
// executors registered.
func New(opts Options) (*Flow, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(logging.NewCorrelationHandler(slog.NewJSONHandler(os.Stderr, nil)))
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}

	runner := sandbox.NewExprRunner(sandbox.Config{Timeout: opts.ScriptTimeout})

	registry := nodes.NewRegistry()
	builtins := []Executor{
		nodes.NewTriggerExecutor(),
		nodes.NewConditionExecutor(runner),
		nodes.NewAPICallExecutor(nodes.HTTPConfig{Client: opts.HTTPClient}, runner),
	}
	for _, ex := range append(builtins, opts.Executors...) {
		if err := registry.Register(ex); err != nil {
			return nil, err
		}
	}

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return nil, err
	}

	hub := streaming.NewMemoryHub()
	eng, err := engine.New(engine.Config{
		Concurrency: opts.Concurrency,
		Store:       st,
		Registry:    registry,
		Logger:      logger,
		Hub:         hub,
	})
	if err != nil {
		return nil, err
	}

	return &Flow{
		engine:    eng,
		validator: validator,
		store:     st,
		hub:       hub,
		logger:    logger,
	}, nil
}

// Validate runs the full validation pipeline and returns every issue found.
func (f *Flow) Validate(def *WorkflowDefinition) *ValidationResult {
	return f.validator.Validate(def)
}

// ValidateInput checks trigger input against a JSON Schema.
func (f *Flow) ValidateInput(input map[string]any, inputSchema []byte) error {
	return f.validator.ValidateInput(input, inputSchema)
}

// Execute validates the definition and runs it to a terminal state. It
// blocks until the execution completes, fails, or is cancelled.
func (f *Flow) Execute(ctx context.Context, def *WorkflowDefinition, input map[string]any) (*WorkflowExecution, error) {
	if err := f.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	return f.engine.Execute(ctx, def, input)
}

// Cancel requests cancellation of a live execution.
func (f *Flow) Cancel(executionID string) error {
	return f.engine.Cancel(executionID)
}

// GetExecution returns a stored execution with its node records.
func (f *Flow) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	return f.store.GetExecution(ctx, executionID)
}

// ListExecutions returns stored executions, newest first.
func (f *Flow) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error) {
	return f.store.ListExecutions(ctx, filter)
}

// Events returns the persisted event log of an execution, in sequence
// order, starting after the given sequence number.
func (f *Flow) Events(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return f.store.GetEvents(ctx, executionID, since)
}

// Watch subscribes to live execution events. The returned cancel function
// releases the subscription.
func (f *Flow) Watch(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	return f.hub.Subscribe(ctx, filter)
}

// Mermaid renders a workflow definition as a Mermaid flowchart. A non-nil
// execution overlays per-node runtime status.
func (f *Flow) Mermaid(def *WorkflowDefinition, exec *WorkflowExecution) (string, error) {
	model, err := diagram.BuildWithExecution(def, exec)
	if err != nil {
		return "", err
	}
	return diagram.RenderMermaid(model), nil
}

// DiagramPNG renders a workflow definition as a PNG image. A non-nil
// execution overlays per-node runtime status.
func (f *Flow) DiagramPNG(def *WorkflowDefinition, exec *WorkflowExecution) ([]byte, error) {
	model, err := diagram.BuildWithExecution(def, exec)
	if err != nil {
		return nil, err
	}
	return diagram.RenderImage(model)
}

// Close shuts down the worker pool and closes the store.
func (f *Flow) Close() error {
	f.engine.Close()
	return f.store.Close()
}
