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

import "encoding/json"

// wireGraph is the JSON shape stored in WorkflowDefinition.Graph. Nodes is a
// slice on the wire (map iteration order is not stable) but a map in the
// in-memory Graph for O(1) lookup during traversal.
type wireGraph struct {
	GlobalPrompt string  `json:"global_prompt"`
	Nodes        []*Node `json:"nodes"`
	Edges        []*Edge `json:"edges"`
}

// MarshalJSON serializes the graph into the WorkflowDefinition.Graph wire
// format.
func (g *Graph) MarshalJSON() ([]byte, error) {
	w := wireGraph{GlobalPrompt: g.GlobalPrompt, Edges: g.Edges}
	for _, n := range g.Nodes {
		w.Nodes = append(w.Nodes, n)
	}
	return json.Marshal(w)
}

// UnmarshalJSON deserializes a WorkflowDefinition.Graph snapshot.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var w wireGraph
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	g.GlobalPrompt = w.GlobalPrompt
	g.Nodes = make(map[string]*Node, len(w.Nodes))
	g.outgoing = make(map[string][]*Edge)
	for _, n := range w.Nodes {
		g.Nodes[n.ID] = n
	}
	for _, e := range w.Edges {
		g.Edges = append(g.Edges, e)
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}
	return nil
}

// Tool looks up a node's tool by UUID.
func (n *Node) Tool(uuid string) (Tool, bool) {
	for _, t := range n.Tools {
		if t.UUID == uuid {
			return t, true
		}
	}
	return Tool{}, false
}
