package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caredesk/intakeflow/internal/messaging"
	"github.com/caredesk/intakeflow/internal/models"
	"github.com/caredesk/intakeflow/internal/store"
)

// Engine handles one inbound event per logical turn, synchronously, start
// to finish: guard decision, node graph run, persistence and delivery.
type Engine struct {
	store     store.Store
	guard     *ContinuityGuard
	lifecycle *LifecycleManager
	runner    *Runner
	delivery  messaging.Service
	flow      models.FlowDefinition
}

// NewEngine wires the intake engine for one flow definition.
func NewEngine(st store.Store, guard *ContinuityGuard, lifecycle *LifecycleManager, runner *Runner, delivery messaging.Service, flow models.FlowDefinition) *Engine {
	return &Engine{
		store:     st,
		guard:     guard,
		lifecycle: lifecycle,
		runner:    runner,
		delivery:  delivery,
		flow:      flow,
	}
}

// ProcessInbound drives one inbound participant message through the intake
// flow and returns the text that was sent back, if any. Configuration
// errors propagate as fatal; store outages degrade to a silent no-op turn.
func (e *Engine) ProcessInbound(ctx context.Context, from, text string, timestamp int64) (string, error) {
	contact, err := e.resolveContact(from)
	if err != nil {
		slog.Warn("Engine.ProcessInbound: contact unavailable, deferring turn", "error", err, "from", from)
		return "", nil
	}

	admission := e.guard.Admit(ctx, contact, e.flow)
	switch admission.Decision {
	case DecisionDeferred:
		slog.Info("Engine.ProcessInbound: turn deferred", "contact", contact.ID)
		return "", nil

	case DecisionStartNew:
		// The triggering message is consumed by the guard; only the
		// welcome goes out.
		if err := e.send(ctx, contact.Phone, admission.Welcome); err != nil {
			return admission.Welcome, err
		}
		return admission.Welcome, nil

	default: // DecisionContinue
		return e.runTurn(ctx, contact, admission.Session, text, timestamp)
	}
}

// runTurn appends the inbound message to the session, runs the node graph
// and persists the outcome before delivering the response.
func (e *Engine) runTurn(ctx context.Context, contact *models.Contact, sess *models.ConversationSession, text string, timestamp int64) (string, error) {
	inboundAt := time.Unix(timestamp, 0)
	if timestamp == 0 {
		inboundAt = time.Now()
	}
	sess.Conversation = append(sess.Conversation, models.Turn{
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: inboundAt,
	})
	if err := e.logTurn(contact, sess, models.RoleUser, text, 0); err != nil {
		slog.Warn("Engine.runTurn: failed to log inbound turn", "error", err, "session", sess.ID)
	}

	entry, err := e.entryNode(sess)
	if err != nil {
		slog.Warn("Engine.runTurn: entry node unresolvable, deferring turn", "error", err, "session", sess.ID)
		return "", nil
	}

	tc := &TurnContext{
		Contact: contact,
		Flow:    e.flow,
		Session: sess,
		Inbound: text,
		Outcome: models.SessionStatusOpen,
	}
	result, err := e.runner.Run(ctx, entry, tc)
	if err != nil {
		// Configuration errors indicate a deployment bug and are fatal.
		return "", err
	}

	if result.ResponseText != "" {
		sess.Conversation = append(sess.Conversation, models.Turn{
			Role:      models.RoleAssistant,
			Content:   result.ResponseText,
			Timestamp: time.Now(),
		})
	}

	now := time.Now()
	patch := models.SessionUpdate{
		Conversation: &sess.Conversation,
		LastActivity: &now,
	}
	if result.Outcome == models.SessionStatusClosed {
		status := models.SessionStatusClosed
		patch.Status = &status
	}
	if err := e.lifecycle.Update(ctx, sess.ID, patch); err != nil {
		slog.Error("Engine.runTurn: failed to persist turn", "error", err, "session", sess.ID)
		return "", nil
	}

	if result.ResponseText != "" {
		if err := e.logTurn(contact, sess, models.RoleAssistant, result.ResponseText, result.ResumeNodeID); err != nil {
			slog.Warn("Engine.runTurn: failed to log outbound turn", "error", err, "session", sess.ID)
		}
		if err := e.send(ctx, contact.Phone, result.ResponseText); err != nil {
			// Delivery failure does not roll back store writes already
			// committed this turn; the system is at-least-once end to end.
			return result.ResponseText, err
		}
	}

	slog.Info("Engine.runTurn: turn completed", "session", sess.ID, "outcome", result.Outcome, "urgency", result.Urgency, "responded", result.ResponseText != "")
	return result.ResponseText, nil
}

// entryNode resolves where the node graph enters for this turn: the node
// recorded with the last outbound log entry, or the flow's initial node.
func (e *Engine) entryNode(sess *models.ConversationSession) (int, error) {
	entry, err := e.store.GetLastNodeEntry(sess.ID)
	if err != nil {
		return 0, fmt.Errorf("get last node entry: %w: %v", models.ErrStoreUnavailable, err)
	}
	if entry == nil {
		return e.flow.InitialNodeID, nil
	}
	return entry.NodeID, nil
}

// resolveContact looks up the contact by phone, creating it on first
// contact.
func (e *Engine) resolveContact(phone string) (*models.Contact, error) {
	contact, err := e.store.GetContactByPhone(phone)
	if err != nil {
		return nil, fmt.Errorf("get contact: %w: %v", models.ErrStoreUnavailable, err)
	}
	if contact != nil {
		return contact, nil
	}

	created := models.Contact{
		ID:        uuid.NewString(),
		Phone:     phone,
		FlowID:    e.flow.ID,
		CreatedAt: time.Now(),
	}
	if err := e.store.CreateContact(created); err != nil {
		return nil, fmt.Errorf("create contact: %w: %v", models.ErrStoreUnavailable, err)
	}
	slog.Info("Engine.resolveContact: contact created", "contact", created.ID)
	return &created, nil
}

// logTurn appends a write-once audit record for a turn.
func (e *Engine) logTurn(contact *models.Contact, sess *models.ConversationSession, role models.TurnRole, text string, nodeID int) error {
	return e.store.AppendMessageLog(models.MessageLogEntry{
		ID:        uuid.NewString(),
		ContactID: contact.ID,
		SessionID: sess.ID,
		Role:      role,
		Text:      text,
		NodeID:    nodeID,
		Timestamp: time.Now(),
	})
}

// send delivers outbound text through the messaging gateway.
func (e *Engine) send(ctx context.Context, to, text string) error {
	if e.delivery == nil || text == "" {
		return nil
	}
	if err := e.delivery.SendMessage(ctx, to, text); err != nil {
		slog.Error("Engine.send: delivery failed", "error", err, "to", to)
		return fmt.Errorf("send message: %w: %v", models.ErrDeliveryFailure, err)
	}
	return nil
}
