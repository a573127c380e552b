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

// Package engine owns the workflow traversal for a single call: it holds
// the LLM handle, the active workflowgraph.Graph, call-context and
// gathered-context maps, and a registry of callable handlers that
// transition functions, built-ins, HTTP tools, end-call and transfer-call
// all implement through one shared interface.
package engine

import (
	"context"
	"fmt"
	"sync"
)

// Continuation is returned by a Handler when incorporating its result
// requires a follow-up action once the LLM context has absorbed it — the
// transition function's on_context_updated callback, modeled as an
// explicit value instead of an implicit event so the caller decides when to
// run it.
type Continuation func(ctx context.Context) error

// Handler is the shared interface every dynamically-dispatched function —
// transition functions, built-ins, HTTP tools, end-call, transfer-call,
// knowledge-base — implements.
type Handler func(ctx context.Context, args map[string]interface{}) (result map[string]interface{}, next Continuation, err error)

// FunctionSpec is the LLM-facing declaration of a registered handler.
type FunctionSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON Schema, as pkg/llm.Tool.InputSchema expects
}

// Registry is a registry keyed by canonical function name. It is rebuilt on
// every set_node call: the current node's edges and tools are the only
// functions visible to the LLM at any moment.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]FunctionSpec
	fns   map[string]Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		specs: make(map[string]FunctionSpec),
		fns:   make(map[string]Handler),
	}
}

// Register binds a function name to its spec and handler. Re-registering a
// name replaces the previous binding, which is how set_node atomically
// swaps the function set between nodes.
func (r *Registry) Register(spec FunctionSpec, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	r.fns[spec.Name] = handler
}

// Clear removes every registered function, called at the start of each
// set_node before the new node's functions are registered.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = make(map[string]FunctionSpec)
	r.fns = make(map[string]Handler)
}

// Specs returns the currently registered function specs, the set handed to
// the LLM as its available tools.
func (r *Registry) Specs() []FunctionSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FunctionSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// Call invokes the named function with args.
func (r *Registry) Call(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, Continuation, error) {
	r.mu.RLock()
	fn, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("engine: no function registered for %q", name)
	}
	return fn(ctx, args)
}
