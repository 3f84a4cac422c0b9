package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/caredesk/intakeflow/internal/models"
)

// stubNode runs a canned function under a fixed id.
type stubNode struct {
	id  int
	run func(ctx context.Context, tc *TurnContext) (NodeResult, error)
}

func (s *stubNode) ID() int { return s.id }

func (s *stubNode) Run(ctx context.Context, tc *TurnContext) (NodeResult, error) {
	return s.run(ctx, tc)
}

func newTurnContext() *TurnContext {
	return &TurnContext{
		Contact: testContact(),
		Flow:    testFlow(),
		Session: &models.ConversationSession{
			ID:     "s1",
			Status: models.SessionStatusOpen,
		},
		Outcome: models.SessionStatusOpen,
	}
}

func TestRegistryRejectsDuplicateIDs(t *testing.T) {
	a := &stubNode{id: 7}
	b := &stubNode{id: 7}
	_, err := NewRegistry(a, b)
	if !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for duplicate node ids, got %v", err)
	}
}

func TestRegistryResolveUnknownID(t *testing.T) {
	registry, err := NewRegistry(&stubNode{id: 1})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if _, err := registry.Resolve(99); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for unknown node id, got %v", err)
	}
}

func TestRunnerChainsInlineUntilYield(t *testing.T) {
	classifier := &stubNode{id: 1, run: func(ctx context.Context, tc *TurnContext) (NodeResult, error) {
		return NodeResult{Urgency: models.UrgencyPriority, NextNodeID: 2, ContinueInline: true}, nil
	}}
	responder := &stubNode{id: 2, run: func(ctx context.Context, tc *TurnContext) (NodeResult, error) {
		return NodeResult{ResponseText: "hola", NextNodeID: 2, ContinueInline: false}, nil
	}}
	registry, err := NewRegistry(classifier, responder)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	runner := NewRunner(registry)

	result, err := runner.Run(context.Background(), 1, newTurnContext())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ResponseText != "hola" {
		t.Errorf("expected response from the second node, got %q", result.ResponseText)
	}
	if result.Urgency != models.UrgencyPriority {
		t.Errorf("urgency from the first node must survive the merge, got %q", result.Urgency)
	}
	if result.ResumeNodeID != 2 {
		t.Errorf("expected resume node 2, got %d", result.ResumeNodeID)
	}
}

func TestRunnerChainCapIsConfigurationError(t *testing.T) {
	looper := &stubNode{id: 1, run: func(ctx context.Context, tc *TurnContext) (NodeResult, error) {
		return NodeResult{NextNodeID: 1, ContinueInline: true}, nil
	}}
	registry, err := NewRegistry(looper)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	runner := NewRunner(registry)

	_, err = runner.Run(context.Background(), 1, newTurnContext())
	if !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("a chain past the cap must be a configuration error, got %v", err)
	}
}

func TestRunnerUnknownNextNodeIsConfigurationError(t *testing.T) {
	hop := &stubNode{id: 1, run: func(ctx context.Context, tc *TurnContext) (NodeResult, error) {
		return NodeResult{NextNodeID: 42, ContinueInline: true}, nil
	}}
	registry, err := NewRegistry(hop)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	runner := NewRunner(registry)

	_, err = runner.Run(context.Background(), 1, newTurnContext())
	if !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("chaining to an unregistered node must be a configuration error, got %v", err)
	}
}

func TestRunnerSubstitutesFallbackQuestion(t *testing.T) {
	silent := &stubNode{id: 1, run: func(ctx context.Context, tc *TurnContext) (NodeResult, error) {
		return NodeResult{FallbackQuestion: "¿sigues ahí?", NextNodeID: 1, ContinueInline: false}, nil
	}}
	registry, err := NewRegistry(silent)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	runner := NewRunner(registry)

	result, err := runner.Run(context.Background(), 1, newTurnContext())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ResponseText != "¿sigues ahí?" {
		t.Errorf("expected fallback question as the response, got %q", result.ResponseText)
	}
}

func TestRunnerResumeDefaultsToEntryNode(t *testing.T) {
	invocations := 0
	quiet := &stubNode{id: 3, run: func(ctx context.Context, tc *TurnContext) (NodeResult, error) {
		invocations++
		return NodeResult{ResponseText: "ok"}, nil
	}}
	registry, err := NewRegistry(quiet)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	runner := NewRunner(registry)

	result, err := runner.Run(context.Background(), 3, newTurnContext())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if invocations != 1 {
		t.Errorf("a yielding entry node runs exactly once, got %d invocations", invocations)
	}
	if result.ResumeNodeID != 3 {
		t.Errorf("a node that names no successor resumes at the entry node, got %d", result.ResumeNodeID)
	}
}

func TestRunnerNodeErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	failing := &stubNode{id: 1, run: func(ctx context.Context, tc *TurnContext) (NodeResult, error) {
		return NodeResult{}, boom
	}}
	registry, err := NewRegistry(failing)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	runner := NewRunner(registry)

	_, err = runner.Run(context.Background(), 1, newTurnContext())
	if !errors.Is(err, boom) {
		t.Errorf("node errors must propagate wrapped, got %v", err)
	}
}
