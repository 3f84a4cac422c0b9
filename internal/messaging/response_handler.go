package messaging

import (
	"context"
	"log/slog"
)

// InboundProcessor consumes one inbound participant message and returns
// the text that was sent back, if any. The intake engine implements it.
type InboundProcessor interface {
	ProcessInbound(ctx context.Context, from, text string, timestamp int64) (string, error)
}

// ResponseHandler drains the messaging service's response channel and
// feeds each inbound message to the processor, one logical turn at a time.
type ResponseHandler struct {
	msgService Service
	processor  InboundProcessor
}

// NewResponseHandler creates a handler binding the messaging service to a
// processor.
func NewResponseHandler(msgService Service, processor InboundProcessor) *ResponseHandler {
	return &ResponseHandler{msgService: msgService, processor: processor}
}

// Start begins processing responses from the messaging service. It returns
// when the context is cancelled or the responses channel closes.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	go rh.drainReceipts(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				slog.Info("ResponseHandler stopping due to context cancellation")
				return
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Info("ResponseHandler stopping: responses channel closed")
					return
				}
				rh.handle(ctx, response.From, response.Body, response.Time)
			}
		}
	}()
}

// drainReceipts consumes delivery and read receipts so the gateway channel
// never backs up. Receipts are observational only.
func (rh *ResponseHandler) drainReceipts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-rh.msgService.Receipts():
			if !ok {
				return
			}
			slog.Debug("ResponseHandler receipt", "to", receipt.To, "status", receipt.Status)
		}
	}
}

// handle processes one inbound message. Turns are strictly sequential:
// the next message is not read until this one finishes.
func (rh *ResponseHandler) handle(ctx context.Context, from, body string, timestamp int64) {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Error("ResponseHandler invalid sender, dropping message", "error", err, "from", from)
		return
	}

	slog.Debug("ResponseHandler processing response", "from", canonicalFrom, "body_length", len(body))
	sent, err := rh.processor.ProcessInbound(ctx, canonicalFrom, body, timestamp)
	if err != nil {
		// The engine already persisted whatever it could; delivery and
		// configuration errors only get reported here.
		slog.Error("ResponseHandler processing failed", "error", err, "from", canonicalFrom)
		return
	}
	slog.Info("ResponseHandler response processed", "from", canonicalFrom, "responded", sent != "")
}
