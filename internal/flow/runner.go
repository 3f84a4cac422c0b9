package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caredesk/intakeflow/internal/models"
)

// MaxChainLength caps inline node chaining within one turn. A node graph
// that chains past this is misconfigured, not making forward progress.
const MaxChainLength = 50

// TurnResult is the final outcome of running the node graph for one
// inbound turn.
type TurnResult struct {
	ResponseText string
	Outcome      models.SessionStatus
	Conversation []models.Turn
	// ResumeNodeID is recorded in the message log so the next inbound turn
	// enters the graph at the right node.
	ResumeNodeID int
	Urgency      models.UrgencyLevel
}

// Runner executes chained workflow nodes for one inbound turn until a node
// yields control back to the caller.
type Runner struct {
	registry *Registry
}

// NewRunner creates a runner over the given node registry.
func NewRunner(registry *Registry) *Runner {
	return &Runner{registry: registry}
}

// Run drives the node graph starting at entryNodeID. Each node's result is
// merged into the turn context; the loop ends when a node yields
// (ContinueInline false) or the chain length cap is hit.
func (r *Runner) Run(ctx context.Context, entryNodeID int, tc *TurnContext) (TurnResult, error) {
	current := entryNodeID
	for hops := 0; ; hops++ {
		if hops >= MaxChainLength {
			slog.Error("Runner.Run: node chain exceeded cap", "entry", entryNodeID, "current", current, "hops", hops)
			return TurnResult{}, fmt.Errorf("node chain exceeded %d hops from node %d: %w", MaxChainLength, entryNodeID, models.ErrConfiguration)
		}

		node, err := r.registry.Resolve(current)
		if err != nil {
			return TurnResult{}, err
		}

		slog.Debug("Runner.Run: invoking node", "node", current, "hops", hops)
		res, err := node.Run(ctx, tc)
		if err != nil {
			slog.Error("Runner.Run: node failed", "node", current, "error", err)
			return TurnResult{}, fmt.Errorf("node %d failed: %w", current, err)
		}
		merge(tc, res)

		if !res.ContinueInline {
			break
		}
		current = res.NextNodeID
	}

	// A turn with no response falls back to the last node-supplied next
	// question, if any.
	if tc.ResponseText == "" && tc.FallbackQuestion != "" {
		slog.Debug("Runner.Run: substituting fallback question", "entry", entryNodeID)
		tc.ResponseText = tc.FallbackQuestion
	}

	resume := tc.NextNodeID
	if resume == 0 {
		resume = entryNodeID
	}
	return TurnResult{
		ResponseText: tc.ResponseText,
		Outcome:      tc.Outcome,
		Conversation: tc.Session.Conversation,
		ResumeNodeID: resume,
		Urgency:      tc.Urgency,
	}, nil
}

// merge folds a node's typed partial update into the turn context. Zero
// fields leave the context untouched.
func merge(tc *TurnContext, res NodeResult) {
	if res.ResponseText != "" {
		tc.ResponseText = res.ResponseText
	}
	if res.FallbackQuestion != "" {
		tc.FallbackQuestion = res.FallbackQuestion
	}
	if res.UpdatedConversation != nil {
		tc.Session.Conversation = res.UpdatedConversation
	}
	if res.Urgency != "" {
		tc.Urgency = res.Urgency
	}
	if res.Outcome != "" {
		tc.Outcome = res.Outcome
	}
	if res.NextNodeID != 0 {
		tc.NextNodeID = res.NextNodeID
	}
}
