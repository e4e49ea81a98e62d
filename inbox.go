package persistmsg

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// InboundMessage is a message received from the broker and decoded into its payload type.
type InboundMessage struct {
	Payload any
	Headers Headers
}

// Handler handles an inbound message.
type Handler func(ctx context.Context, msg InboundMessage) error

// DedupFilter wraps inbound handlers so that a redelivered message is handled at most once
// after it has been handled successfully.
//
// Deduplication happens at the delivery layer only: a handler that fails after applying
// part of its effects is called again on redelivery, so handlers must tolerate re-execution
// of their own side effects.
type DedupFilter struct {
	processor *Processor
	logger    *zap.Logger
}

// DedupOption is a function that configures a DedupFilter instance.
type DedupOption func(*DedupFilter)

// WithDedupLogger sets the logger. Default is the processor's logger.
func WithDedupLogger(logger *zap.Logger) DedupOption {
	return func(f *DedupFilter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewDedupFilter creates a DedupFilter recording inbound messages through processor.
func NewDedupFilter(processor *Processor, opts ...DedupOption) *DedupFilter {
	f := &DedupFilter{
		processor: processor,
		logger:    processor.logger,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Wrap returns a Handler applying deduplication before calling next.
func (f *DedupFilter) Wrap(next Handler) Handler {
	return func(ctx context.Context, msg InboundMessage) error {
		return f.Handle(ctx, msg, next)
	}
}

// Handle records msg in the inbox, skips it if it was already processed, and otherwise
// calls next and marks the inbox record as processed. An error from next is returned
// and leaves the record in progress.
func (f *DedupFilter) Handle(ctx context.Context, msg InboundMessage, next Handler) error {
	id, err := f.processor.RecordInbound(ctx, msg.Payload, msg.Headers)
	if err != nil {
		return fmt.Errorf("recording inbound message: %w", err)
	}

	rec, err := f.processor.FindIfProcessed(ctx, id)
	if err != nil {
		return err
	}
	if rec != nil {
		f.logger.Info("duplicate inbound message skipped",
			zap.Stringer("record_id", id),
			zap.String("data_type", rec.DataType))
		return nil
	}

	if err := next(ctx, msg); err != nil {
		return err
	}

	return f.processor.MarkInboxComplete(ctx, id)
}

// DecodeInbound builds an InboundMessage from a broker message body. The payload type is
// looked up in r by the HeaderMessageType header set by the publishing processor.
// A missing or unknown type tag yields an error wrapping ErrPayloadResolution.
func DecodeInbound(r *Registry, body []byte, headers Headers) (InboundMessage, error) {
	tag, ok := headers.Get(HeaderMessageType)
	if !ok || tag == "" {
		return InboundMessage{}, fmt.Errorf("%w: missing %s header", ErrPayloadResolution, HeaderMessageType)
	}

	payload, err := r.Decode(tag, body)
	if err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %w", ErrPayloadResolution, err)
	}
	return InboundMessage{Payload: payload, Headers: headers}, nil
}
