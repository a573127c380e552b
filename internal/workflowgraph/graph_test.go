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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleGraph() *Graph {
	g := New()
	g.AddNode(&Node{ID: "greet", Name: "Greeting", IsStart: true})
	g.AddNode(&Node{ID: "qualify", Name: "Qualify"})
	g.AddNode(&Node{ID: "goodbye", Name: "Goodbye", IsTerminal: true})
	g.AddEdge(&Edge{ID: "e1", Source: "greet", Target: "qualify", Label: "Customer is ready", Condition: "c"})
	g.AddEdge(&Edge{ID: "e2", Source: "qualify", Target: "goodbye", Label: "Wrap up call", Condition: "c"})
	return g
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	require.NoError(t, simpleGraph().Validate())
}

func TestValidateRejectsNoStartNode(t *testing.T) {
	g := New()
	g.AddNode(&Node{ID: "a", IsTerminal: true})
	assert.ErrorIs(t, g.Validate(), ErrNoStartNode)
}

func TestValidateRejectsMultipleStartNodes(t *testing.T) {
	g := New()
	g.AddNode(&Node{ID: "a", IsStart: true, IsTerminal: true})
	g.AddNode(&Node{ID: "b", IsStart: true})
	assert.ErrorIs(t, g.Validate(), ErrMultipleStarts)
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	g := New()
	g.AddNode(&Node{ID: "a", IsStart: true, IsTerminal: true})
	g.AddEdge(&Edge{ID: "e1", Source: "a", Target: "missing", Label: "go"})
	assert.ErrorIs(t, g.Validate(), ErrDanglingEdge)
}

func TestValidateRejectsUnreachableNode(t *testing.T) {
	g := New()
	g.AddNode(&Node{ID: "a", IsStart: true, IsTerminal: true})
	g.AddNode(&Node{ID: "orphan"})
	assert.ErrorIs(t, g.Validate(), ErrUnreachableNode)
}

func TestValidateRejectsNoTerminalNode(t *testing.T) {
	g := New()
	g.AddNode(&Node{ID: "a", IsStart: true})
	assert.ErrorIs(t, g.Validate(), ErrNoTerminalNode)
}

func TestValidateRejectsCollidingEdgeLabels(t *testing.T) {
	g := New()
	g.AddNode(&Node{ID: "a", IsStart: true})
	g.AddNode(&Node{ID: "b", IsTerminal: true})
	g.AddNode(&Node{ID: "c", IsTerminal: true})
	g.AddEdge(&Edge{ID: "e1", Source: "a", Target: "b", Label: "Go to B!"})
	g.AddEdge(&Edge{ID: "e2", Source: "a", Target: "c", Label: "go_to_b"})
	assert.ErrorIs(t, g.Validate(), ErrDuplicateLabel)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "customer_is_ready", Slugify("Customer is ready!"))
	assert.Equal(t, "wrap_up_call", Slugify("Wrap-up Call"))
}

func TestRoundTripJSON(t *testing.T) {
	g := simpleGraph()
	data, err := g.MarshalJSON()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.UnmarshalJSON(data))
	require.NoError(t, restored.Validate())

	start, err := restored.StartNode()
	require.NoError(t, err)
	assert.Equal(t, "greet", start.ID)
	assert.Len(t, restored.OutgoingEdges("qualify"), 1)
}
