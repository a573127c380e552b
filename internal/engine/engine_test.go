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
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/campaignforge/internal/workflowgraph"
)

func testGraph() *workflowgraph.Graph {
	g := workflowgraph.New()
	g.AddNode(&workflowgraph.Node{ID: "greet", Name: "Greeting", IsStart: true, Prompt: "Hello {{first_name}}."})
	g.AddNode(&workflowgraph.Node{ID: "bye", Name: "Goodbye", IsTerminal: true, Prompt: "Bye."})
	g.AddEdge(&workflowgraph.Edge{ID: "e1", Source: "greet", Target: "bye", Label: "Ready to wrap up", Condition: "customer is done"})
	return g
}

type fakePipeline struct {
	systemPrompt string
	functions    []FunctionSpec
	ended        bool
	cancelled    bool
	appended     []string
}

func (f *fakePipeline) ReplaceSystemContext(_ context.Context, systemPrompt string, functions []FunctionSpec) error {
	f.systemPrompt = systemPrompt
	f.functions = functions
	return nil
}

func (f *fakePipeline) RunInference(_ context.Context) error { return nil }

func (f *fakePipeline) EmitEndFrame(_ context.Context) error {
	f.ended = true
	return nil
}

func (f *fakePipeline) EmitCancelFrame(_ context.Context) error {
	f.cancelled = true
	return nil
}

func (f *fakePipeline) AppendSystemMessage(_ context.Context, message string) error {
	f.appended = append(f.appended, message)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakePipeline) {
	t.Helper()
	e := New(Config{
		Graph:           testGraph(),
		CallContextVars: map[string]interface{}{"first_name": "Alex"},
		Clock:           func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) },
	})
	pipe := &fakePipeline{}
	e.SetPipeline(pipe)
	return e, pipe
}

func TestStartEntersStartNodeAndRendersPrompt(t *testing.T) {
	e, pipe := newTestEngine(t)
	require.NoError(t, e.Start(context.Background()))

	assert.Contains(t, pipe.systemPrompt, "Hello Alex.")
	assert.Equal(t, "greet", e.currentNode.ID)

	var names []string
	for _, f := range pipe.functions {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "calculator")
	assert.Contains(t, names, "current_time")
	assert.Contains(t, names, "ready_to_wrap_up")
}

func TestTransitionHandlerAdvancesNodeAndEndsOnTerminal(t *testing.T) {
	e, pipe := newTestEngine(t)
	require.NoError(t, e.Start(context.Background()))

	result, next, err := e.registry.Call(context.Background(), "ready_to_wrap_up", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result["status"])
	assert.Equal(t, "bye", e.currentNode.ID)

	require.NotNil(t, next)
	require.NoError(t, next(context.Background()))
	assert.True(t, pipe.ended)
}

func TestEndCallWithReasonIsIdempotent(t *testing.T) {
	e, pipe := newTestEngine(t)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.EndCallWithReason(context.Background(), "agent_ended_call", false))
	assert.True(t, pipe.ended)
	assert.True(t, e.IsDisposed())

	pipe.ended = false
	require.NoError(t, e.EndCallWithReason(context.Background(), "some_other_reason", true))
	assert.False(t, pipe.ended)
	assert.False(t, pipe.cancelled)
}

func TestEndCallWithReasonAppliesDispositionMapper(t *testing.T) {
	e, _ := newTestEngine(t)
	e.dispositionMapper = func(reason string) string { return "mapped:" + reason }
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.EndCallWithReason(context.Background(), "agent_ended_call", false))
	assert.Equal(t, "mapped:agent_ended_call", e.GatheredContext()["call_disposition"])
}

func TestOnUserIdleEscalatesThenEndsCall(t *testing.T) {
	e, pipe := newTestEngine(t)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.OnUserIdle(context.Background()))
	assert.False(t, pipe.ended)
	assert.Len(t, pipe.appended, 1)

	require.NoError(t, e.OnUserIdle(context.Background()))
	assert.True(t, pipe.ended)
	assert.Equal(t, ReasonUserIdleMaxDurationExceeded, e.GatheredContext()["call_disposition"])
}

func TestOnUserTurnStartedResetsIdleCounter(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.OnUserIdle(context.Background()))
	e.OnUserTurnStarted()
	assert.Equal(t, 0, e.idle.RetryCount)
}

func TestShouldMuteRespectsAllowInterrupt(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Start(context.Background()))
	e.currentNode.AllowInterrupt = false

	e.OnBotStartedSpeaking()
	assert.True(t, e.ShouldMute())

	e.OnBotStoppedSpeaking()
	assert.False(t, e.ShouldMute())
}

func TestCalculatorHandler(t *testing.T) {
	result, _, err := calculatorHandler(context.Background(), map[string]interface{}{"expression": "2 + 3 * 4"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result["status"])
	assert.EqualValues(t, 14, result["result"])
}

func TestRenderTemplateLeavesUnknownVariablesUntouched(t *testing.T) {
	out := renderTemplate("Hi {{name}}, your id is {{missing}}.", map[string]interface{}{"name": "Jo"})
	assert.Equal(t, "Hi Jo, your id is {{missing}}.", out)
}

type fakeToolExecutor struct {
	client *http.Client
}

func (f *fakeToolExecutor) HTTPClient() *http.Client { return f.client }
func (f *fakeToolExecutor) KnowledgeBase(_ context.Context, _ []string, _ string) ([]string, error) {
	return []string{"passage"}, nil
}
func (f *fakeToolExecutor) TransferCall(_ context.Context, _ string) error { return nil }

func TestKnowledgeBaseToolRegisteredWhenNodeDeclaresDocuments(t *testing.T) {
	g := workflowgraph.New()
	g.AddNode(&workflowgraph.Node{
		ID: "kb", Name: "KB", IsStart: true, IsTerminal: true,
		Tools: []workflowgraph.Tool{{UUID: "t1", Type: workflowgraph.ToolKnowledgeBase, DocumentUUIDs: []string{"doc-1"}}},
	})
	e := New(Config{Graph: g, ToolExecutor: &fakeToolExecutor{client: http.DefaultClient}})
	e.SetPipeline(&fakePipeline{})
	require.NoError(t, e.Start(context.Background()))

	result, _, err := e.registry.Call(context.Background(), "search_knowledge_base", map[string]interface{}{"query": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result["status"])
	assert.Equal(t, []string{"passage"}, result["passages"])
}
