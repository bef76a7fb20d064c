package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labelmint/flow/internal/expressions"
	"github.com/labelmint/flow/internal/logging"
	"github.com/labelmint/flow/internal/nodes"
	"github.com/labelmint/flow/internal/runtime"
	"github.com/labelmint/flow/internal/store"
	"github.com/labelmint/flow/internal/streaming"
	"github.com/labelmint/flow/pkg/schema"
)

// Config configures an Engine.
type Config struct {
	// Concurrency bounds how many nodes run at once. Defaults to 4.
	Concurrency int

	// Store persists execution state. Nil falls back to the in-memory store.
	Store store.Store

	// Registry resolves node types to executors. Required.
	Registry *nodes.Registry

	// Logger is the base structured logger. Nil falls back to slog.Default.
	Logger *slog.Logger

	// Hub, when set, receives every persisted event as a live broadcast.
	Hub streaming.EventHub
}

const defaultConcurrency = 4

// Engine drives workflow executions. One Engine serves many concurrent
// executions; the worker pool bounds total node concurrency across them.
type Engine struct {
	st       store.Store
	registry *nodes.Registry
	guards   *expressions.CELEngine
	logger   *slog.Logger
	pool     *WorkerPool
	execFSM  *ExecutionFSM
	nodeFSM  *NodeFSM

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Engine from the given configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a node executor registry")
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	cfg.Store = withEventHub(cfg.Store, cfg.Hub)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	guards, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Engine{
		st:       cfg.Store,
		registry: cfg.Registry,
		guards:   guards,
		logger:   cfg.Logger,
		pool:     NewWorkerPool(cfg.Concurrency),
		execFSM:  NewExecutionFSM(cfg.Store),
		nodeFSM:  NewNodeFSM(cfg.Store),
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Close shuts down the worker pool after in-flight nodes finish.
func (e *Engine) Close() {
	e.pool.Shutdown()
}

// Cancel requests cancellation of a live execution. The execution
// transitions to cancelled at its next scheduling checkpoint; results of
// nodes still in flight are discarded.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no live execution %q", executionID)
	}
	cancel()
	return nil
}

// Execute runs one workflow definition to a terminal state. It blocks
// until the execution completes, fails, or is cancelled, and returns the
// finalized execution record. The returned error is non-nil only for
// failed executions and carries the first fatal node's error.
func (e *Engine) Execute(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (*schema.WorkflowExecution, error) {
	g, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}

	exec := &schema.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		Status:     schema.ExecutionPending,
		Input:      input,
		StartedAt:  time.Now().UTC(),
	}
	if err := e.st.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runCtx = logging.WithExecutionID(runCtx, exec.ID)

	e.mu.Lock()
	e.cancels[exec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, exec.ID)
		e.mu.Unlock()
	}()

	logger := e.logger.With("execution_id", exec.ID, "workflow_id", def.ID)
	rc := runtime.NewContext(exec.ID, def.Variables, input, logger)

	if err := e.execFSM.Transition(runCtx, exec.ID, schema.ExecutionPending, schema.ExecutionRunning, nil); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionRunning
	running := schema.ExecutionRunning
	_ = e.st.UpdateExecution(runCtx, exec.ID, store.ExecutionUpdate{Status: &running})

	run := &executionRun{
		engine:  e,
		graph:   g,
		exec:    exec,
		rc:      rc,
		logger:  logger,
		status:  make(map[string]schema.NodeStatus, len(g.Nodes)),
		records: make(map[string]*schema.NodeExecution, len(g.Nodes)),
		edges:   make(map[*schema.WorkflowConnection]edgeState),
		results: make(chan nodeDone, len(g.Nodes)),
	}
	for id := range g.Nodes {
		run.status[id] = schema.NodePending
	}
	for _, conns := range g.Outgoing {
		for _, c := range conns {
			run.edges[c] = edgePending
		}
	}

	return run.drive(runCtx)
}

type edgeState int

const (
	edgePending edgeState = iota
	edgeLive
	edgeDead
)

type nodeDone struct {
	nodeID   string
	result   *schema.NodeResult
	err      error
	attempts int
}

// executionRun holds the scheduler state for one execution. Its drive
// loop is the single writer of runtime variables and of all node state;
// workers only execute nodes and report back over the results channel.
type executionRun struct {
	engine   *Engine
	graph    *Graph
	exec     *schema.WorkflowExecution
	rc       *runtime.Context
	logger   *slog.Logger
	status   map[string]schema.NodeStatus
	records  map[string]*schema.NodeExecution
	edges    map[*schema.WorkflowConnection]edgeState
	results  chan nodeDone
	inflight int
}

func (r *executionRun) drive(ctx context.Context) (*schema.WorkflowExecution, error) {
	for _, id := range r.graph.Roots {
		if err := r.dispatch(ctx, id); err != nil {
			return r.finalizeFailed(ctx, id, err)
		}
	}

	for r.inflight > 0 {
		select {
		case done := <-r.results:
			r.inflight--
			// Cancellation wins over a result that raced in with it.
			if ctx.Err() != nil {
				return r.finalizeCancelled(context.WithoutCancel(ctx))
			}
			if err := r.handleCompletion(ctx, done); err != nil {
				return r.finalizeFailed(ctx, done.nodeID, err)
			}
			if err := r.advance(ctx); err != nil {
				return r.finalizeFailed(ctx, "", err)
			}
		case <-ctx.Done():
			return r.finalizeCancelled(context.WithoutCancel(ctx))
		}
	}

	return r.finalizeCompleted(ctx)
}

// dispatch transitions a pending node to running and hands it to a worker.
func (r *executionRun) dispatch(ctx context.Context, nodeID string) error {
	node := r.graph.Nodes[nodeID]

	ex, err := r.engine.registry.Get(node.Type)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	ne := &schema.NodeExecution{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		NodeID:      nodeID,
		Status:      schema.NodeRunning,
		Input:       r.rc.Merged(),
		StartedAt:   &now,
	}
	r.records[nodeID] = ne
	r.status[nodeID] = schema.NodeRunning

	if err := r.engine.nodeFSM.Transition(ctx, r.exec.ID, nodeID, schema.NodePending, schema.NodeRunning, nil); err != nil {
		return err
	}
	_ = r.engine.st.UpsertNodeExecution(ctx, ne)

	nodeCtx := logging.WithNodeID(ctx, nodeID)
	r.inflight++
	submitErr := r.engine.pool.Submit(nodeCtx, func(workerCtx context.Context) {
		r.results <- r.runNode(workerCtx, ex, node)
	}, func(recovered any) {
		r.results <- nodeDone{nodeID: nodeID, err: schema.NewError(schema.ErrCodeNodeFailed, panicError(recovered).Error()), attempts: 1}
	})
	if submitErr != nil {
		r.inflight--
		return schema.NewError(schema.ErrCodeCancelled, "node dispatch aborted").WithCause(submitErr).WithNode(nodeID)
	}
	return nil
}

// runNode executes one node with its retry policy. Inputs are not frozen
// across attempts: executors interpolate against the live context, so a
// retry reads current variables.
func (r *executionRun) runNode(ctx context.Context, ex nodes.Executor, node *schema.WorkflowNode) nodeDone {
	policy := node.Retry
	attempts := 0

	var (
		result *schema.NodeResult
		err    error
	)
	for {
		attempts++
		result, err = ex.Execute(ctx, node, r.rc)
		if err == nil || !IsRetryableError(err) {
			break
		}
		if policy == nil || attempts >= policy.MaxAttempts {
			break
		}

		_ = r.engine.st.AppendEvent(ctx, &store.Event{
			ExecutionID: r.exec.ID,
			NodeID:      node.ID,
			Type:        schema.EventNodeRetrying,
			Payload:     marshalPayload(map[string]any{"attempt": attempts, "error": err.Error()}),
		})
		delay := ComputeBackoff(policy, attempts)
		r.logger.WarnContext(ctx, "node failed, retrying",
			"node_id", node.ID, "attempt", attempts, "backoff", delay.String(), "error", err.Error())

		if werr := WaitForBackoff(ctx, delay); werr != nil {
			err = schema.NewError(schema.ErrCodeCancelled, "retry wait aborted").WithCause(werr).WithNode(node.ID)
			break
		}
	}

	return nodeDone{nodeID: node.ID, result: result, err: err, attempts: attempts}
}

// handleCompletion processes one finished node on the scheduler goroutine.
// It owns all variable merges and edge resolution. Any non-nil return fails
// the whole execution; a guard or edge configuration error is fatal even
// when the node itself was downgraded by continueOnError.
func (r *executionRun) handleCompletion(ctx context.Context, done nodeDone) error {
	node := r.graph.Nodes[done.nodeID]
	ne := r.records[done.nodeID]
	ne.Attempts = done.attempts
	now := time.Now().UTC()
	ne.CompletedAt = &now

	if done.err != nil {
		fe := schema.AsFlowError(done.err, schema.ErrCodeNodeFailed)
		ne.Status = schema.NodeFailed
		ne.Error = fe.Error()
		r.status[done.nodeID] = schema.NodeFailed
		_ = r.engine.nodeFSM.Transition(ctx, r.exec.ID, done.nodeID, schema.NodeRunning, schema.NodeFailed,
			map[string]any{"error": fe.Error(), "attempts": done.attempts})
		_ = r.engine.st.UpsertNodeExecution(ctx, ne)

		if !node.ContinuesOnError() {
			return fe
		}

		// Degraded path: downstream nodes proceed and may branch on success.
		degraded := map[string]any{"success": false, "error": fe.Error()}
		ne.Output = degraded
		_ = r.engine.st.UpsertNodeExecution(ctx, ne)
		r.rc.SetVariable(done.nodeID, degraded)
		return r.resolveOutgoing(ctx, node, degraded)
	}

	output := map[string]any{}
	if done.result != nil && done.result.Output != nil {
		output = done.result.Output
	}
	ne.Status = schema.NodeCompleted
	ne.Output = output
	r.status[done.nodeID] = schema.NodeCompleted
	_ = r.engine.nodeFSM.Transition(ctx, r.exec.ID, done.nodeID, schema.NodeRunning, schema.NodeCompleted,
		map[string]any{"attempts": done.attempts})
	_ = r.engine.st.UpsertNodeExecution(ctx, ne)

	// Merge point: the scheduler is the only writer of shared variables.
	if done.result != nil && len(done.result.Variables) > 0 {
		if err := r.rc.MergeVariables(done.result.Variables); err != nil {
			return schema.NewError(schema.ErrCodeNodeFailed, "variable merge failed").WithCause(err).WithNode(done.nodeID)
		}
		_ = r.engine.st.AppendEvent(ctx, &store.Event{
			ExecutionID: r.exec.ID,
			NodeID:      done.nodeID,
			Type:        schema.EventVariablesMerged,
			Payload:     marshalPayload(done.result.Variables),
		})
	}
	// Node output is addressable downstream as ${nodeId.field}.
	if len(output) > 0 {
		r.rc.SetVariable(done.nodeID, output)
	}

	if node.Type == schema.NodeTypeCondition {
		_ = r.engine.st.AppendEvent(ctx, &store.Event{
			ExecutionID: r.exec.ID,
			NodeID:      done.nodeID,
			Type:        schema.EventConditionEvaluated,
			Payload:     marshalPayload(map[string]any{"conditionMet": output["conditionMet"]}),
		})
	}

	return r.resolveOutgoing(ctx, node, output)
}

// resolveOutgoing decides, for each outgoing connection of a finished
// node, whether the edge fired. A condition node may fire at most one of
// its guarded edges; more than one is a configuration error surfaced to
// the caller, never silently resolved.
func (r *executionRun) resolveOutgoing(ctx context.Context, node *schema.WorkflowNode, output map[string]any) error {
	liveGuarded := 0
	for _, conn := range r.graph.Outgoing[node.ID] {
		selected, err := r.edgeSelected(ctx, conn, output)
		if err != nil {
			return schema.AsFlowError(err, schema.ErrCodeConfiguration).WithNode(node.ID)
		}
		if selected {
			r.edges[conn] = edgeLive
			if conn.Conditional() {
				liveGuarded++
			}
		} else {
			r.edges[conn] = edgeDead
		}
	}

	if node.Type == schema.NodeTypeCondition && liveGuarded > 1 {
		return schema.NewErrorf(schema.ErrCodeConfiguration,
			"condition node %q selected %d outgoing edges for one result", node.ID, liveGuarded).WithNode(node.ID)
	}
	return nil
}

// edgeSelected evaluates a connection's guard. Explicit guard expressions
// are CEL over the source's outcome; the true/false source ports are the
// shorthand for branching on a condition node's boolean.
func (r *executionRun) edgeSelected(ctx context.Context, conn *schema.WorkflowConnection, output map[string]any) (bool, error) {
	if conn.Condition != "" {
		met, _ := output["conditionMet"].(bool)
		data := map[string]any{
			"conditionMet":    met,
			"conditionResult": met,
			"output":          output,
			"variables":       r.rc.Variables(),
			"input":           r.rc.Input(),
		}
		return r.engine.guards.EvaluateBool(ctx, conn.Condition, data)
	}

	if conn.SourcePort == schema.PortTrue || conn.SourcePort == schema.PortFalse {
		met, ok := output["conditionMet"].(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeConfiguration,
				"connection %s->%s uses boolean port %q but source produced no boolean outcome",
				conn.SourceNode, conn.TargetNode, conn.SourcePort)
		}
		return met == (conn.SourcePort == schema.PortTrue), nil
	}

	return true, nil
}

// advance dispatches every node that became ready and cascades skips for
// branches with no remaining live path. A node is ready once all inbound
// edges are resolved and at least one fired.
func (r *executionRun) advance(ctx context.Context) error {
	for {
		progressed := false
		for id, st := range r.status {
			if st != schema.NodePending {
				continue
			}
			resolved, live := r.inboundState(id)
			if !resolved {
				continue
			}
			progressed = true
			if live {
				if err := r.dispatch(ctx, id); err != nil {
					return err
				}
			} else {
				r.skip(ctx, id)
			}
		}
		if !progressed {
			return nil
		}
	}
}

func (r *executionRun) inboundState(nodeID string) (resolved, live bool) {
	inbound := r.graph.Incoming[nodeID]
	if len(inbound) == 0 {
		return true, true
	}
	live = false
	for _, conn := range inbound {
		switch r.edges[conn] {
		case edgePending:
			return false, false
		case edgeLive:
			live = true
		}
	}
	return true, live
}

// skip marks a node skipped without invoking its executor and kills its
// outgoing edges so the skip propagates down dead branches.
func (r *executionRun) skip(ctx context.Context, nodeID string) {
	r.status[nodeID] = schema.NodeSkipped
	now := time.Now().UTC()
	ne := &schema.NodeExecution{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		NodeID:      nodeID,
		Status:      schema.NodeSkipped,
		CompletedAt: &now,
	}
	r.records[nodeID] = ne
	_ = r.engine.nodeFSM.Transition(ctx, r.exec.ID, nodeID, schema.NodePending, schema.NodeSkipped, nil)
	_ = r.engine.st.UpsertNodeExecution(ctx, ne)

	for _, conn := range r.graph.Outgoing[nodeID] {
		r.edges[conn] = edgeDead
	}
}

// --- finalization ---

func (r *executionRun) skipRemaining(ctx context.Context) {
	for id, st := range r.status {
		if st == schema.NodePending {
			r.skip(ctx, id)
		}
	}
}

func (r *executionRun) finalizeCompleted(ctx context.Context) (*schema.WorkflowExecution, error) {
	r.skipRemaining(ctx)
	return r.finalize(ctx, schema.ExecutionCompleted, "", ""), nil
}

func (r *executionRun) finalizeFailed(ctx context.Context, nodeID string, cause error) (*schema.WorkflowExecution, error) {
	r.skipRemaining(ctx)
	exec := r.finalize(ctx, schema.ExecutionFailed, cause.Error(), nodeID)
	return exec, cause
}

func (r *executionRun) finalizeCancelled(ctx context.Context) (*schema.WorkflowExecution, error) {
	// Results of nodes still in flight are deliberately never read: they
	// must not mutate variables after cancellation.
	r.skipRemaining(ctx)
	return r.finalize(ctx, schema.ExecutionCancelled, "", ""), nil
}

func (r *executionRun) finalize(ctx context.Context, status schema.ExecutionStatus, errMsg, failedNode string) *schema.WorkflowExecution {
	now := time.Now().UTC()
	r.exec.Status = status
	r.exec.Error = errMsg
	r.exec.FailedNode = failedNode
	r.exec.CompletedAt = &now
	r.exec.Variables = r.rc.Variables()

	payload := map[string]any{}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if failedNode != "" {
		payload["failed_node"] = failedNode
	}
	_ = r.engine.execFSM.Transition(ctx, r.exec.ID, schema.ExecutionRunning, status, payload)
	_ = r.engine.st.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
		Status:      &status,
		Variables:   r.exec.Variables,
		Error:       errMsg,
		FailedNode:  failedNode,
		CompletedAt: &now,
	})

	r.exec.Nodes = r.nodeRecords()
	r.logger.Info("execution finished",
		"status", string(status), "failed_node", failedNode, "nodes", len(r.exec.Nodes))
	return r.exec
}

func (r *executionRun) nodeRecords() []*schema.NodeExecution {
	out := make([]*schema.NodeExecution, 0, len(r.records))
	for _, ne := range r.records {
		out = append(out, ne)
	}
	return out
}
