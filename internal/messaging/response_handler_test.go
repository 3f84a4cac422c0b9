package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/caredesk/intakeflow/internal/twiliowhatsapp"
)

// recordingProcessor captures inbound turns fed by the handler.
type recordingProcessor struct {
	mu    sync.Mutex
	turns []string
	froms []string
}

func (p *recordingProcessor) ProcessInbound(ctx context.Context, from, text string, timestamp int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.froms = append(p.froms, from)
	p.turns = append(p.turns, text)
	return "ok", nil
}

func (p *recordingProcessor) snapshot() ([]string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.froms...), append([]string(nil), p.turns...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestResponseHandlerFeedsProcessor(t *testing.T) {
	service := NewTwilioService(twiliowhatsapp.NewMockClient())
	processor := &recordingProcessor{}
	handler := NewResponseHandler(service, processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler.Start(ctx)

	service.EmitInbound("+54 9 11 0000-0001", "Hola", 1700000000)
	service.EmitInbound("+54 9 11 0000-0001", "40123456", 1700000060)

	waitFor(t, func() bool {
		_, turns := processor.snapshot()
		return len(turns) == 2
	})

	froms, turns := processor.snapshot()
	// Order is preserved: the handler processes one turn at a time.
	if turns[0] != "Hola" || turns[1] != "40123456" {
		t.Errorf("unexpected turn order: %v", turns)
	}
	for _, from := range froms {
		if from != "5491100000001" {
			t.Errorf("sender not canonicalized: %q", from)
		}
	}
}

func TestResponseHandlerDropsInvalidSender(t *testing.T) {
	service := NewTwilioService(twiliowhatsapp.NewMockClient())
	processor := &recordingProcessor{}
	handler := NewResponseHandler(service, processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler.Start(ctx)

	service.EmitInbound("not-a-number", "Hola", 1700000000)
	service.EmitInbound("5491100000001", "Hola", 1700000001)

	waitFor(t, func() bool {
		_, turns := processor.snapshot()
		return len(turns) == 1
	})

	froms, _ := processor.snapshot()
	if len(froms) != 1 || froms[0] != "5491100000001" {
		t.Errorf("only the valid sender should reach the processor: %v", froms)
	}
}
