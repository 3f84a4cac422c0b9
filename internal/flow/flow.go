// Package flow implements the conversational intake engine: the session
// continuity guard, the session lifecycle manager, the workflow node graph
// runner and the question idempotency ledger.
package flow

import (
	"context"
	"fmt"

	"github.com/caredesk/intakeflow/internal/models"
)

// TurnContext carries the working state of one inbound turn through the
// node graph. Nodes read it and return typed partial updates; the runner
// merges those updates, nothing mutates shared state ad hoc.
type TurnContext struct {
	Contact *models.Contact
	Flow    models.FlowDefinition
	Session *models.ConversationSession

	// Inbound is the participant message that triggered this turn. The
	// engine appends it to the session conversation before running nodes.
	Inbound string

	// ResponseText is the outbound text accumulated so far this turn.
	ResponseText string
	// FallbackQuestion is substituted after the node loop when no node
	// produced a response.
	FallbackQuestion string
	// NextNodeID is where the flow resumes on the next inbound turn.
	NextNodeID int
	// Urgency is the triage classification attached by the urgency node.
	Urgency models.UrgencyLevel
	// Outcome is the session status after this turn.
	Outcome models.SessionStatus
}

// NodeResult is the transient transition value returned by a node. Zero
// fields are ignored during the merge.
type NodeResult struct {
	// NextNodeID names the node the turn continues at (when ContinueInline)
	// or resumes at on the next inbound event (when yielding).
	NextNodeID int
	// ContinueInline keeps the runner looping within the current turn.
	ContinueInline bool

	ResponseText        string
	FallbackQuestion    string
	UpdatedConversation []models.Turn
	Urgency             models.UrgencyLevel
	Outcome             models.SessionStatus
}

// Node is a unit of workflow business logic: a pure function from turn
// context to a transition result.
type Node interface {
	// ID returns the node's registry id.
	ID() int
	// Run executes the node against the turn context.
	Run(ctx context.Context, tc *TurnContext) (NodeResult, error)
}

// Registry is the static, total mapping from node id to implementation.
// It is built once at startup; resolving an unknown id is a deployment bug,
// not a runtime user condition.
type Registry struct {
	nodes map[int]Node
}

// NewRegistry builds a registry from the given nodes. Duplicate ids are a
// configuration error.
func NewRegistry(nodes ...Node) (*Registry, error) {
	r := &Registry{nodes: make(map[int]Node, len(nodes))}
	for _, n := range nodes {
		if _, exists := r.nodes[n.ID()]; exists {
			return nil, fmt.Errorf("duplicate node id %d: %w", n.ID(), models.ErrConfiguration)
		}
		r.nodes[n.ID()] = n
	}
	return r, nil
}

// Resolve returns the node registered under id.
func (r *Registry) Resolve(id int) (Node, error) {
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("unknown node id %d: %w", id, models.ErrConfiguration)
	}
	return n, nil
}
