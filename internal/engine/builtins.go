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
	"time"

	"github.com/expr-lang/expr"

	"github.com/tombee/campaignforge/internal/workflowgraph"
)

// registerBuiltins installs the functions every node gets regardless of its
// declared tools: calculator, current-time, convert-time, and — when the
// current node declares document uuids — knowledge-base search.
func (e *Engine) registerBuiltins() {
	e.registry.Register(FunctionSpec{
		Name:        "calculator",
		Description: "Evaluates a basic arithmetic expression and returns the numeric result.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"expression": map[string]interface{}{"type": "string"},
			},
			"required": []string{"expression"},
		},
	}, calculatorHandler)

	e.registry.Register(FunctionSpec{
		Name:        "current_time",
		Description: "Returns the current time in US Eastern time.",
		Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
	}, e.currentTimeHandler)

	e.registry.Register(FunctionSpec{
		Name:        "convert_time",
		Description: "Converts a time string from one IANA timezone to another.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"time":          map[string]interface{}{"type": "string"},
				"from_timezone": map[string]interface{}{"type": "string"},
				"to_timezone":   map[string]interface{}{"type": "string"},
			},
			"required": []string{"time", "from_timezone", "to_timezone"},
		},
	}, convertTimeHandler)

	if docs := docUUIDsForNode(e.currentNode); len(docs) > 0 && e.tools != nil {
		e.registry.Register(FunctionSpec{
			Name:        "search_knowledge_base",
			Description: "Searches the node's attached documents for passages relevant to a query.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{"type": "string"},
				},
				"required": []string{"query"},
			},
		}, e.knowledgeBaseHandler(docs))
	}
}

// docUUIDsForNode collects the document uuids declared across a node's
// knowledge-base tools.
func docUUIDsForNode(n *workflowgraph.Node) []string {
	if n == nil {
		return nil
	}
	var docs []string
	for _, t := range n.Tools {
		if t.Type == workflowgraph.ToolKnowledgeBase {
			docs = append(docs, t.DocumentUUIDs...)
		}
	}
	return docs
}

func calculatorHandler(_ context.Context, args map[string]interface{}) (map[string]interface{}, Continuation, error) {
	expression, _ := args["expression"].(string)
	if expression == "" {
		return nil, nil, fmt.Errorf("calculator: missing expression")
	}
	result, err := expr.Eval(expression, map[string]interface{}{})
	if err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}, nil, nil
	}
	return map[string]interface{}{"status": "ok", "result": result}, nil, nil
}

func (e *Engine) currentTimeHandler(_ context.Context, _ map[string]interface{}) (map[string]interface{}, Continuation, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return map[string]interface{}{"status": "ok", "time": e.clock().In(loc).Format(time.RFC3339)}, nil, nil
}

func convertTimeHandler(_ context.Context, args map[string]interface{}) (map[string]interface{}, Continuation, error) {
	raw, _ := args["time"].(string)
	from, _ := args["from_timezone"].(string)
	to, _ := args["to_timezone"].(string)

	fromLoc, err := time.LoadLocation(from)
	if err != nil {
		return map[string]interface{}{"status": "error", "error": fmt.Sprintf("unknown timezone %q", from)}, nil, nil
	}
	toLoc, err := time.LoadLocation(to)
	if err != nil {
		return map[string]interface{}{"status": "error", "error": fmt.Sprintf("unknown timezone %q", to)}, nil, nil
	}

	t, err := time.ParseInLocation(time.RFC3339, raw, fromLoc)
	if err != nil {
		t, err = time.ParseInLocation("2006-01-02 15:04:05", raw, fromLoc)
	}
	if err != nil {
		return map[string]interface{}{"status": "error", "error": fmt.Sprintf("could not parse time %q", raw)}, nil, nil
	}

	return map[string]interface{}{"status": "ok", "time": t.In(toLoc).Format(time.RFC3339)}, nil, nil
}

func (e *Engine) knowledgeBaseHandler(documentUUIDs []string) Handler {
	return func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, Continuation, error) {
		query, _ := args["query"].(string)
		passages, err := e.tools.KnowledgeBase(ctx, documentUUIDs, query)
		if err != nil {
			return map[string]interface{}{"status": "error", "error": err.Error()}, nil, nil
		}
		return map[string]interface{}{"status": "ok", "passages": passages}, nil, nil
	}
}
