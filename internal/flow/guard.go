package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caredesk/intakeflow/internal/models"
	"github.com/caredesk/intakeflow/internal/store"
)

// Decision is the continuity guard's verdict for one inbound event.
type Decision string

const (
	// DecisionStartNew opens a fresh session and sends the welcome; the
	// triggering inbound message is consumed by the guard, not the runner.
	DecisionStartNew Decision = "start_new"
	// DecisionContinue feeds the inbound message into the existing session.
	DecisionContinue Decision = "continue"
	// DecisionDeferred means the store was unreachable; the turn is treated
	// as processed and the next inbound event retries the decision.
	DecisionDeferred Decision = "deferred"
)

// Admission is the guard's orchestrated outcome for one inbound event.
type Admission struct {
	Decision Decision
	// Session is the session the turn proceeds with. Nil when deferred.
	Session *models.ConversationSession
	// Welcome is the text to deliver when a new session was opened.
	Welcome string
}

// ContinuityGuard decides, per inbound event, whether to open a new session
// or continue an existing one.
type ContinuityGuard struct {
	lifecycle *LifecycleManager
	store     store.Store
	// now is swappable in tests.
	now func() time.Time
}

// NewContinuityGuard creates a guard over the given lifecycle manager and store.
func NewContinuityGuard(lifecycle *LifecycleManager, st store.Store) *ContinuityGuard {
	return &ContinuityGuard{lifecycle: lifecycle, store: st, now: time.Now}
}

// Decide applies the continuity rules against the contact's most recent
// session: none or closed starts fresh, open-but-expired starts fresh,
// open within TTL continues. An unreadable last-activity timestamp
// continues: a stale session kept alive is cheaper than a duplicate welcome.
func (g *ContinuityGuard) Decide(ctx context.Context, contact *models.Contact, flow models.FlowDefinition) (Decision, error) {
	latest, err := g.lifecycle.GetLatest(ctx, contact.ID)
	if err != nil {
		return "", err
	}
	if latest == nil {
		slog.Debug("ContinuityGuard.Decide: no prior session", "contact", contact.ID)
		return DecisionStartNew, nil
	}
	if latest.Status == models.SessionStatusClosed {
		slog.Debug("ContinuityGuard.Decide: last session closed", "contact", contact.ID, "session", latest.ID)
		return DecisionStartNew, nil
	}
	if latest.LastActivity.IsZero() {
		slog.Warn("ContinuityGuard.Decide: unreadable last activity, continuing", "contact", contact.ID, "session", latest.ID)
		return DecisionContinue, nil
	}
	elapsed := g.now().Sub(latest.LastActivity)
	if elapsed > flow.SessionTTL {
		slog.Debug("ContinuityGuard.Decide: session expired", "contact", contact.ID, "session", latest.ID, "elapsed", elapsed, "ttl", flow.SessionTTL)
		return DecisionStartNew, nil
	}
	slog.Debug("ContinuityGuard.Decide: continuing session", "contact", contact.ID, "session", latest.ID, "elapsed", elapsed)
	return DecisionContinue, nil
}

// Admit runs the continuity decision and, on a fresh start, opens the new
// session seeded with the flow's system context and welcome and records the
// welcome in the message log. Store failures never surface to the caller:
// the turn degrades to a deferred no-op and the next inbound event retries.
func (g *ContinuityGuard) Admit(ctx context.Context, contact *models.Contact, flow models.FlowDefinition) Admission {
	decision, err := g.Decide(ctx, contact, flow)
	if err != nil {
		slog.Warn("ContinuityGuard.Admit: store unreachable during decision, deferring turn", "error", err, "contact", contact.ID)
		return Admission{Decision: DecisionDeferred}
	}

	switch decision {
	case DecisionContinue:
		sess, err := g.lifecycle.GetOpen(ctx, contact.ID)
		if err != nil || sess == nil {
			slog.Warn("ContinuityGuard.Admit: open session unavailable, deferring turn", "error", err, "contact", contact.ID)
			return Admission{Decision: DecisionDeferred}
		}
		return Admission{Decision: DecisionContinue, Session: sess}

	default: // DecisionStartNew
		history := []models.Turn{
			{Role: models.RoleSystem, Content: flow.SystemContext, Timestamp: g.now()},
			{Role: models.RoleAssistant, Content: flow.WelcomeText, Timestamp: g.now()},
		}
		sess, err := g.lifecycle.Open(ctx, contact, flow, history)
		if err != nil {
			slog.Warn("ContinuityGuard.Admit: failed to open session, deferring turn", "error", err, "contact", contact.ID)
			return Admission{Decision: DecisionDeferred}
		}
		entry := models.MessageLogEntry{
			ID:        uuid.NewString(),
			ContactID: contact.ID,
			SessionID: sess.ID,
			Role:      models.RoleAssistant,
			Text:      flow.WelcomeText,
			NodeID:    flow.InitialNodeID,
			Timestamp: g.now(),
		}
		if err := g.store.AppendMessageLog(entry); err != nil {
			// The session is already open; the next turn will resolve the
			// entry node from the flow's initial node id.
			slog.Warn("ContinuityGuard.Admit: failed to log welcome", "error", err, "session", sess.ID)
		}
		return Admission{Decision: DecisionStartNew, Session: sess, Welcome: flow.WelcomeText}
	}
}
