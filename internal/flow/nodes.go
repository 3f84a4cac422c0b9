package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/caredesk/intakeflow/internal/genai"
	"github.com/caredesk/intakeflow/internal/models"
	"github.com/caredesk/intakeflow/internal/store"
)

// Node ids for the default intake graph.
const (
	NodeIDCapture = 1
	NodeUrgency   = 2
	NodeQuestion  = 3
	NodeClosing   = 4
)

// Default response texts for the intake graph.
const (
	idRepromptText   = "Para continuar necesito tu número de documento (DNI). Por favor envíalo sin puntos ni espacios."
	entryPromptText  = "Gracias. ¿Qué te trae por aquí hoy?"
	fallbackQuestion = "¿Podrías contarme un poco más sobre cómo te sientes?"
	fallbackSummary  = "No fue posible generar el resumen de la conversación."
)

// System instructions for the model-backed nodes.
const (
	urgencyInstruction = "Eres un clasificador de urgencia para un triaje médico por chat. " +
		"Lee la conversación y responde con una sola palabra: routine, priority o critical."
	questionInstruction = "Eres un asistente de triaje médico. Formula la siguiente pregunta breve y clara " +
		"para entender mejor el motivo de consulta del paciente. Responde solo con la pregunta."
	summaryInstruction = "Resume la conversación de triaje en dos o tres frases para el equipo médico, " +
		"incluyendo motivo de consulta y síntomas mencionados."
)

var nationalIDPattern = regexp.MustCompile(`\b\d{7,9}\b`)

// IDCaptureNode validates the participant's national id and stores it on
// the contact. On success it emits the flow's entry prompt through the
// non-counting ledger variant and yields.
type IDCaptureNode struct {
	store  store.Store
	ledger *QuestionLedger
}

// NewIDCaptureNode creates the id capture node.
func NewIDCaptureNode(st store.Store, ledger *QuestionLedger) *IDCaptureNode {
	return &IDCaptureNode{store: st, ledger: ledger}
}

func (n *IDCaptureNode) ID() int { return NodeIDCapture }

func (n *IDCaptureNode) Run(ctx context.Context, tc *TurnContext) (NodeResult, error) {
	id := nationalIDPattern.FindString(tc.Inbound)
	if id == "" {
		// Malformed input is a user condition, not an error: reprompt and
		// stay on this node.
		slog.Debug("IDCaptureNode.Run: no national id in message", "contact", tc.Contact.ID)
		return NodeResult{
			ResponseText:   idRepromptText,
			NextNodeID:     NodeIDCapture,
			ContinueInline: false,
			Outcome:        models.SessionStatusOpen,
		}, nil
	}

	if tc.Contact.NationalID != id {
		tc.Contact.NationalID = id
		if err := n.store.SaveContact(*tc.Contact); err != nil {
			return NodeResult{}, fmt.Errorf("save national id: %w: %v", models.ErrStoreUnavailable, err)
		}
		slog.Info("IDCaptureNode.Run: national id captured", "contact", tc.Contact.ID)
	}

	attempt, err := n.ledger.RegisterAttemptZero(ctx, tc.Session, entryPromptText)
	if err != nil {
		return NodeResult{}, err
	}
	return NodeResult{
		ResponseText:   attempt.VisibleText,
		NextNodeID:     NodeUrgency,
		ContinueInline: false,
		Outcome:        models.SessionStatusOpen,
	}, nil
}

// UrgencyNode classifies the urgency of the conversation. A model failure
// degrades to routine rather than aborting the turn.
type UrgencyNode struct {
	genai genai.ClientInterface
}

// NewUrgencyNode creates the urgency classification node.
func NewUrgencyNode(client genai.ClientInterface) *UrgencyNode {
	return &UrgencyNode{genai: client}
}

func (n *UrgencyNode) ID() int { return NodeUrgency }

func (n *UrgencyNode) Run(ctx context.Context, tc *TurnContext) (NodeResult, error) {
	turns := append([]models.Turn{{Role: models.RoleSystem, Content: urgencyInstruction}}, tc.Session.Conversation...)
	out, err := n.genai.Generate(ctx, turns)
	urgency := models.UrgencyRoutine
	if err != nil {
		slog.Warn("UrgencyNode.Run: classification failed, defaulting to routine", "error", err, "session", tc.Session.ID)
	} else {
		parsed := models.UrgencyLevel(strings.ToLower(strings.TrimSpace(out)))
		if models.IsValidUrgency(parsed) {
			urgency = parsed
		} else {
			slog.Warn("UrgencyNode.Run: unparseable classification, defaulting to routine", "session", tc.Session.ID, "output", out)
		}
	}

	slog.Debug("UrgencyNode.Run: classified", "session", tc.Session.ID, "urgency", urgency)
	return NodeResult{
		Urgency:        urgency,
		NextNodeID:     NodeQuestion,
		ContinueInline: true,
	}, nil
}

// QuestionNode generates the next triage question and numbers it through
// the ledger. Once the flow's question bound is reached it chains to the
// closing node instead.
type QuestionNode struct {
	genai  genai.ClientInterface
	ledger *QuestionLedger
}

// NewQuestionNode creates the question generation node.
func NewQuestionNode(client genai.ClientInterface, ledger *QuestionLedger) *QuestionNode {
	return &QuestionNode{genai: client, ledger: ledger}
}

func (n *QuestionNode) ID() int { return NodeQuestion }

func (n *QuestionNode) Run(ctx context.Context, tc *TurnContext) (NodeResult, error) {
	if tc.Session.QuestionCursor >= tc.Flow.MaxQuestions {
		slog.Debug("QuestionNode.Run: question bound reached, chaining to closing", "session", tc.Session.ID, "cursor", tc.Session.QuestionCursor)
		return NodeResult{NextNodeID: NodeClosing, ContinueInline: true}, nil
	}

	turns := append([]models.Turn{{Role: models.RoleSystem, Content: questionInstruction}}, tc.Session.Conversation...)
	candidate, err := n.genai.Generate(ctx, turns)
	if err != nil {
		// Upstream model failure must not abort the turn: fall back to a
		// templated safe question. Retries reproduce the same text, so the
		// ledger keeps the send idempotent.
		slog.Warn("QuestionNode.Run: generation failed, using fallback question", "error", err, "session", tc.Session.ID)
		candidate = fallbackQuestion
	}
	candidate = strings.TrimSpace(candidate)

	attempt, err := n.ledger.RegisterAttempt(ctx, tc.Session, candidate, tc.Flow.DebounceWindow)
	if err != nil {
		return NodeResult{}, err
	}

	res := NodeResult{
		NextNodeID:     NodeQuestion,
		ContinueInline: false,
		Outcome:        models.SessionStatusOpen,
	}
	switch attempt.Outcome {
	case AttemptNew:
		res.ResponseText = attempt.VisibleText
	case AttemptSkip, AttemptNoSession:
		// Duplicate content or a vanished session: nothing goes out.
	}
	return res, nil
}

// ClosingNode synthesizes a digest of the conversation, renders the flow's
// closing template and marks the session closed.
type ClosingNode struct {
	genai genai.ClientInterface
}

// NewClosingNode creates the closing summary node.
func NewClosingNode(client genai.ClientInterface) *ClosingNode {
	return &ClosingNode{genai: client}
}

func (n *ClosingNode) ID() int { return NodeClosing }

func (n *ClosingNode) Run(ctx context.Context, tc *TurnContext) (NodeResult, error) {
	turns := append([]models.Turn{{Role: models.RoleSystem, Content: summaryInstruction}}, tc.Session.Conversation...)
	summary, err := n.genai.Generate(ctx, turns)
	if err != nil {
		slog.Warn("ClosingNode.Run: summary generation failed, using fallback", "error", err, "session", tc.Session.ID)
		summary = fallbackSummary
	}

	closing := strings.ReplaceAll(tc.Flow.ClosingTemplate, "{summary}", strings.TrimSpace(summary))
	slog.Info("ClosingNode.Run: session closing", "session", tc.Session.ID, "cursor", tc.Session.QuestionCursor)
	return NodeResult{
		ResponseText:   closing,
		NextNodeID:     NodeClosing,
		ContinueInline: false,
		Outcome:        models.SessionStatusClosed,
	}, nil
}

// DefaultRegistry builds the node registry for the default intake graph.
func DefaultRegistry(st store.Store, client genai.ClientInterface, ledger *QuestionLedger) (*Registry, error) {
	return NewRegistry(
		NewIDCaptureNode(st, ledger),
		NewUrgencyNode(client),
		NewQuestionNode(client, ledger),
		NewClosingNode(client),
	)
}
