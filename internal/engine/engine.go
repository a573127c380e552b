// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/campaignforge/internal/workflowgraph"
	"github.com/tombee/campaignforge/pkg/llm"
)

// PipelineHandle is the subset of the pipeline runtime the engine drives.
// The engine and pipeline would otherwise reference each other directly;
// this interface plus setter injection (SetPipeline) breaks that cycle, per
// the builder-with-setter-injection pattern used throughout this package.
type PipelineHandle interface {
	// ReplaceSystemContext swaps the LLM context's system message and
	// available function list, called at the end of every set_node.
	ReplaceSystemContext(ctx context.Context, systemPrompt string, functions []FunctionSpec) error

	// RunInference drives one LLM turn against the current context.
	RunInference(ctx context.Context) error

	// EmitEndFrame signals the pipeline to wind the call down gracefully.
	EmitEndFrame(ctx context.Context) error

	// EmitCancelFrame signals the pipeline to abort the call immediately.
	EmitCancelFrame(ctx context.Context) error

	// AppendSystemMessage appends a message to conversation history without
	// replacing the system context, used by idle handling.
	AppendSystemMessage(ctx context.Context, message string) error
}

// NodeTransitionFunc is notified of every set_node call with the new and
// previous node names.
type NodeTransitionFunc func(newName, previousName string)

// DispositionMapper maps a raw disposition reason through the owning
// organization's disposition table.
type DispositionMapper func(reason string) string

// Config configures a new Engine.
type Config struct {
	Graph             *workflowgraph.Graph
	LLM               llm.Provider
	Model             string
	CallContextVars   map[string]interface{}
	OnNodeTransition  NodeTransitionFunc
	DispositionMapper DispositionMapper
	ToolExecutor      ToolExecutor
	Logger            *slog.Logger

	// DelayedStartDefault is used when a start node declares DelayedStart
	// but not an explicit duration. Spec default is 2 seconds.
	DelayedStartDefault time.Duration

	Clock func() time.Time // defaults to time.Now; overridable for tests
}

// Engine owns workflow traversal for a single call.
type Engine struct {
	graph    *workflowgraph.Graph
	llmModel string
	provider llm.Provider
	logger   *slog.Logger
	clock    func() time.Time

	registry *Registry
	tools    ToolExecutor

	onNodeTransition  NodeTransitionFunc
	dispositionMapper DispositionMapper
	delayedStartDef   time.Duration

	pipeline PipelineHandle

	mu              sync.Mutex
	currentNode     *workflowgraph.Node
	callContextVars map[string]interface{}
	gatheredContext map[string]interface{}
	history         []llm.Message

	disposed    bool
	mutePipeline bool
	botSpeaking  bool

	idle IdleState
}

// IdleState tracks the user-idle handler's retry counter.
type IdleState struct {
	RetryCount int
}

// New constructs an Engine. Call SetPipeline before Start.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.DelayedStartDefault == 0 {
		cfg.DelayedStartDefault = 2 * time.Second
	}
	vars := cfg.CallContextVars
	if vars == nil {
		vars = make(map[string]interface{})
	}
	return &Engine{
		graph:             cfg.Graph,
		llmModel:          cfg.Model,
		provider:          cfg.LLM,
		logger:            cfg.Logger,
		clock:             cfg.Clock,
		registry:          NewRegistry(),
		tools:             cfg.ToolExecutor,
		onNodeTransition:  cfg.OnNodeTransition,
		dispositionMapper: cfg.DispositionMapper,
		delayedStartDef:   cfg.DelayedStartDefault,
		callContextVars:   vars,
		gatheredContext:   make(map[string]interface{}),
	}
}

// SetPipeline injects the pipeline handle after construction, completing
// the wiring the builder pattern defers to break the engine/pipeline
// reference cycle.
func (e *Engine) SetPipeline(p PipelineHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipeline = p
}

// GatheredContext returns a snapshot of accumulated extracted variables and
// system data, persisted onto WorkflowRun on completion.
func (e *Engine) GatheredContext() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]interface{}, len(e.gatheredContext))
	for k, v := range e.gatheredContext {
		out[k] = v
	}
	return out
}

// Start registers built-ins, seeds gathered context with the current time,
// and enters the workflow's start node.
func (e *Engine) Start(ctx context.Context) error {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	e.mu.Lock()
	e.gatheredContext["time"] = e.clock().In(loc).Format(time.RFC3339)
	e.mu.Unlock()

	start, err := e.graph.StartNode()
	if err != nil {
		return fmt.Errorf("engine: start: %w", err)
	}
	return e.SetNode(ctx, start.ID)
}

// SetNode enters the node named id: it updates current_node, notifies the
// transition callback, applies a delayed start if the node requests one,
// registers the node's outgoing-edge transition functions and tool
// handlers, composes the system prompt, and swaps the LLM context.
//
// Node transitions are serialized by e.mu: no two SetNode calls overlap for
// this engine, matching the "strictly serialized" invariant.
func (e *Engine) SetNode(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.graph.Nodes[id]
	if !ok {
		return fmt.Errorf("engine: set_node: unknown node %q", id)
	}

	previousName := ""
	if e.currentNode != nil {
		previousName = e.currentNode.Name
	}
	e.currentNode = node
	if e.onNodeTransition != nil {
		e.onNodeTransition(node.Name, previousName)
	}

	if node.IsStart && node.DelayedStart {
		d := time.Duration(node.DelayedStartSecs) * time.Second
		if d <= 0 {
			d = e.delayedStartDef
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}

	e.registry.Clear()
	e.registerBuiltins()

	for _, edge := range e.graph.OutgoingEdges(node.ID) {
		edge := edge
		source := node
		spec := FunctionSpec{
			Name:        workflowgraph.Slugify(edge.Label),
			Description: edge.Condition,
		}
		e.registry.Register(spec, e.transitionHandler(source, edge))
	}

	for _, tool := range node.Tools {
		handler, spec, err := e.buildToolHandler(tool)
		if err != nil {
			return fmt.Errorf("engine: register tool %s: %w", tool.UUID, err)
		}
		e.registry.Register(spec, handler)
	}

	systemPrompt := renderTemplate(e.graph.GlobalPrompt, e.callContextVars) +
		renderTemplate(node.Prompt, e.callContextVars)

	if e.pipeline == nil {
		return fmt.Errorf("engine: set_node: pipeline not attached")
	}
	return e.pipeline.ReplaceSystemContext(ctx, systemPrompt, e.registry.Specs())
}

// transitionHandler implements the transition function body for edge: it
// runs out-of-band extraction on the source node if enabled, transitions to
// the target node, and returns a continuation that emits an EndFrame once
// the context aggregator has incorporated the result, if the new node is
// terminal.
func (e *Engine) transitionHandler(source *workflowgraph.Node, edge *workflowgraph.Edge) Handler {
	return func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, Continuation, error) {
		if source.ExtractionEnabled {
			go func() {
				if err := e.extract(context.WithoutCancel(ctx), source); err != nil {
					e.logger.Warn("background extraction failed", "node", source.ID, "error", err)
				}
			}()
		}

		if err := e.SetNode(ctx, edge.Target); err != nil {
			return nil, nil, err
		}

		target := e.graph.Nodes[edge.Target]
		next := func(ctx context.Context) error {
			if target != nil && target.IsTerminal && e.pipeline != nil {
				return e.pipeline.EmitEndFrame(ctx)
			}
			return nil
		}
		return map[string]interface{}{"status": "done"}, next, nil
	}
}

// AppendHistory records a turn in the conversation history the pipeline
// maintains, so background and synchronous extraction can read it without
// the engine needing to own transcript storage itself.
func (e *Engine) AppendHistory(msg llm.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, msg)
}

// IsDisposed reports whether end_call_with_reason has already run.
func (e *Engine) IsDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}
