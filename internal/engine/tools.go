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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/campaignforge/internal/workflowgraph"
)

// ToolExecutor supplies the side-effecting behavior a node's tools need
// that the engine package has no business owning directly: outbound HTTP
// with the deployment's security posture, knowledge-base search, and call
// transfer. Built-ins (calculator, current/convert time) need none of it.
type ToolExecutor interface {
	HTTPClient() *http.Client
	KnowledgeBase(ctx context.Context, documentUUIDs []string, query string) ([]string, error)
	TransferCall(ctx context.Context, targetNumber string) error
}

// buildToolHandler turns a workflow-graph tool declaration into a
// registrable Handler and its LLM-facing FunctionSpec.
func (e *Engine) buildToolHandler(tool workflowgraph.Tool) (Handler, FunctionSpec, error) {
	switch tool.Type {
	case workflowgraph.ToolHTTP:
		return e.httpToolHandler(tool), httpToolSpec(tool), nil
	case workflowgraph.ToolEndCall:
		return e.endCallToolHandler(tool), endCallToolSpec(tool), nil
	case workflowgraph.ToolTransferCall:
		return e.transferCallToolHandler(tool), transferCallToolSpec(tool), nil
	case workflowgraph.ToolKnowledgeBase:
		// Registered separately by registerBuiltins as search_knowledge_base
		// for every node sharing the same document set; nothing to register
		// under the tool's own name here.
		return func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, Continuation, error) {
			return nil, nil, fmt.Errorf("engine: knowledge_base tools are invoked via search_knowledge_base")
		}, FunctionSpec{Name: tool.Name, Description: tool.Description}, nil
	default:
		return nil, FunctionSpec{}, fmt.Errorf("engine: unknown tool type %q", tool.Type)
	}
}

func httpToolSpec(tool workflowgraph.Tool) FunctionSpec {
	name := tool.Name
	if name == "" {
		name = workflowgraph.Slugify(tool.UUID)
	}
	return FunctionSpec{
		Name:        name,
		Description: tool.Description,
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}
}

// httpToolHandler executes an HTTP tool call: POST/PUT/PATCH send args as a
// JSON body, GET/DELETE send args as query parameters. The tool's
// HTTPHeaders are sent as configured; no separate credential or bearer auth
// header is applied.
func (e *Engine) httpToolHandler(tool workflowgraph.Tool) Handler {
	return func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, Continuation, error) {
		method := strings.ToUpper(tool.HTTPMethod)
		if method == "" {
			method = http.MethodGet
		}

		reqURL := tool.HTTPURL
		var body io.Reader
		switch method {
		case http.MethodGet, http.MethodDelete:
			u, err := url.Parse(tool.HTTPURL)
			if err != nil {
				return map[string]interface{}{"status": "error", "error": err.Error()}, nil, nil
			}
			q := u.Query()
			for k, v := range args {
				q.Set(k, fmt.Sprint(v))
			}
			u.RawQuery = q.Encode()
			reqURL = u.String()
		default:
			payload, err := json.Marshal(args)
			if err != nil {
				return map[string]interface{}{"status": "error", "error": err.Error()}, nil, nil
			}
			body = bytes.NewReader(payload)
		}

		timeout := time.Duration(tool.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, method, reqURL, body)
		if err != nil {
			return map[string]interface{}{"status": "error", "error": err.Error()}, nil, nil
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range tool.HTTPHeaders {
			req.Header.Set(k, v)
		}

		client := http.DefaultClient
		if e.tools != nil {
			client = e.tools.HTTPClient()
		}

		resp, err := client.Do(req)
		if err != nil {
			return map[string]interface{}{"status": "error", "error": err.Error()}, nil, nil
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return map[string]interface{}{"status": "error", "error": err.Error()}, nil, nil
		}

		var data interface{}
		if len(raw) > 0 {
			if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
				data = string(raw)
			}
		}

		return map[string]interface{}{
			"status":      "ok",
			"status_code": resp.StatusCode,
			"data":        data,
		}, nil, nil
	}
}

func endCallToolSpec(tool workflowgraph.Tool) FunctionSpec {
	return FunctionSpec{
		Name:        "end_call",
		Description: "Ends the call, optionally after speaking a goodbye message.",
	}
}

func (e *Engine) endCallToolHandler(tool workflowgraph.Tool) Handler {
	return func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, Continuation, error) {
		if tool.GoodbyeMessage != "" && e.pipeline != nil {
			if err := e.pipeline.AppendSystemMessage(ctx, tool.GoodbyeMessage); err != nil {
				e.logger.Warn("failed to append goodbye message", "error", err)
			}
		}
		if err := e.EndCallWithReason(ctx, "agent_ended_call", false); err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"status": "done"}, nil, nil
	}
}

func transferCallToolSpec(tool workflowgraph.Tool) FunctionSpec {
	return FunctionSpec{
		Name:        "transfer_call",
		Description: fmt.Sprintf("Transfers the call to %s.", tool.TransferTargetNumber),
	}
}

func (e *Engine) transferCallToolHandler(tool workflowgraph.Tool) Handler {
	return func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, Continuation, error) {
		if e.tools == nil {
			return nil, nil, fmt.Errorf("engine: transfer_call: no tool executor attached")
		}
		if err := e.tools.TransferCall(ctx, tool.TransferTargetNumber); err != nil {
			return map[string]interface{}{"status": "error", "error": err.Error()}, nil, nil
		}
		return map[string]interface{}{"status": "ok"}, nil, nil
	}
}
