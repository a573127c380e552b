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

package workflowgraph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoStartNode      = errors.New("workflowgraph: no start node")
	ErrMultipleStarts   = errors.New("workflowgraph: more than one start node")
	ErrDanglingEdge     = errors.New("workflowgraph: edge references an unknown node")
	ErrUnreachableNode  = errors.New("workflowgraph: node is unreachable from the start node")
	ErrDuplicateLabel   = errors.New("workflowgraph: two outgoing edges of a node slugify to the same function name")
	ErrEmptyGraph       = errors.New("workflowgraph: graph has no nodes")
	ErrNoTerminalNode   = errors.New("workflowgraph: graph has no terminal node reachable from start")
)

// Validate checks the structural invariants a WorkflowDefinition must hold
// before it can be published or run: exactly one start node, no edges to
// unknown nodes, every node reachable from start, no two outgoing edges of
// the same node colliding on their slugified function name, and at least
// one terminal node reachable from start.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return ErrEmptyGraph
	}

	starts := 0
	for _, n := range g.Nodes {
		if n.IsStart {
			starts++
		}
	}
	if starts == 0 {
		return ErrNoStartNode
	}
	if starts > 1 {
		return ErrMultipleStarts
	}

	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return fmt.Errorf("%w: edge %s source %s", ErrDanglingEdge, e.ID, e.Source)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return fmt.Errorf("%w: edge %s target %s", ErrDanglingEdge, e.ID, e.Target)
		}
	}

	for nodeID, edges := range g.outgoing {
		seen := make(map[string]bool, len(edges))
		for _, e := range edges {
			slug := Slugify(e.Label)
			if seen[slug] {
				return fmt.Errorf("%w: node %s, function %q", ErrDuplicateLabel, nodeID, slug)
			}
			seen[slug] = true
		}
	}

	start, err := g.StartNode()
	if err != nil {
		return err
	}
	reachable := g.reachableFrom(start.ID)
	for id := range g.Nodes {
		if !reachable[id] {
			return fmt.Errorf("%w: %s", ErrUnreachableNode, id)
		}
	}

	hasTerminal := false
	for id := range reachable {
		if n := g.Nodes[id]; n.IsTerminal {
			hasTerminal = true
			break
		}
	}
	if !hasTerminal {
		return ErrNoTerminalNode
	}

	return nil
}

func (g *Graph) reachableFrom(start string) map[string]bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.outgoing[cur] {
			if !visited[e.Target] {
				visited[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return visited
}

// Slugify converts an edge label into the function name the LLM sees, the
// same transform applied to every outgoing edge at set_node time.
func Slugify(label string) string {
	var b strings.Builder
	lastWasUnderscore := false
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastWasUnderscore = false
		default:
			if !lastWasUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastWasUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}
