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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tombee/campaignforge/internal/workflowgraph"
	"github.com/tombee/campaignforge/pkg/llm"
)

// extract runs an out-of-band LLM call over the conversation history to
// populate node's declared extraction variables, merging the result into
// gatheredContext. Transition handlers call it in a goroutine; end call
// handling awaits it inline before computing the call disposition.
func (e *Engine) extract(ctx context.Context, node *workflowgraph.Node) error {
	if !node.ExtractionEnabled || len(node.ExtractionVars) == 0 {
		return nil
	}
	if e.provider == nil {
		return fmt.Errorf("engine: extract: no llm provider attached")
	}

	e.mu.Lock()
	history := make([]llm.Message, len(e.history))
	copy(history, e.history)
	e.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("Read the conversation above and extract the following variables as a JSON object with exactly these keys: ")
	sb.WriteString(strings.Join(node.ExtractionVars, ", "))
	sb.WriteString(". Use null for any variable that was not discussed. Respond with only the JSON object.")

	req := llm.CompletionRequest{
		Messages: append(history, llm.Message{Role: llm.MessageRoleUser, Content: sb.String()}),
		Model:    e.llmModel,
	}

	resp, err := e.provider.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("engine: extract: %w", err)
	}

	var extracted map[string]interface{}
	if err := json.Unmarshal([]byte(resp.Content), &extracted); err != nil {
		return fmt.Errorf("engine: extract: malformed response: %w", err)
	}

	e.mu.Lock()
	for _, key := range node.ExtractionVars {
		if v, ok := extracted[key]; ok && v != nil {
			e.gatheredContext[key] = v
		}
	}
	e.mu.Unlock()

	return nil
}
