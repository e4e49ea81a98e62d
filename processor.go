package persistmsg

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Processor records messages and drains them to the publisher or the dispatcher.
type Processor struct {
	store      Store
	registry   *Registry
	publisher  Publisher
	dispatcher Dispatcher

	logger      *zap.Logger
	metrics     processorMetrics
	now         func() time.Time
	markTimeout time.Duration
	maxRetries  int
	sweepLimit  int
}

// ProcessorOption is a function that configures a Processor instance.
type ProcessorOption func(*processorConfig)

type processorConfig struct {
	logger        *zap.Logger
	meterProvider metric.MeterProvider
	now           func() time.Time
	markTimeout   time.Duration
	maxRetries    int
	sweepLimit    int
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) ProcessorOption {
	return func(c *processorConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider.
// Default is the global provider.
func WithMeterProvider(provider metric.MeterProvider) ProcessorOption {
	return func(c *processorConfig) {
		c.meterProvider = provider
	}
}

// WithClock sets the function used to timestamp new records.
func WithClock(now func() time.Time) ProcessorOption {
	return func(c *processorConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMarkTimeout sets the timeout for marking a record as processed.
// Marking is not interrupted when the caller's context is cancelled, so that a
// delivered message is not left in progress. Default is 5 seconds.
func WithMarkTimeout(timeout time.Duration) ProcessorOption {
	return func(c *processorConfig) {
		if timeout > 0 {
			c.markTimeout = timeout
		}
	}
}

// WithMaxRetries limits the number of failed processing attempts per record.
// Every failed attempt increments the record's retry count, and records that reach
// the limit are skipped but kept in progress for inspection.
// Default is 0, which retries forever without counting.
func WithMaxRetries(n int) ProcessorOption {
	return func(c *processorConfig) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithSweepLimit sets the maximum number of records handled by one ProcessAll call.
// Default is 0, no limit.
func WithSweepLimit(n int) ProcessorOption {
	return func(c *processorConfig) {
		if n > 0 {
			c.sweepLimit = n
		}
	}
}

// NewProcessor creates a Processor using store for records and registry to encode and decode payloads.
// publisher receives outbox events and dispatcher internal commands; either may be nil
// when the process never records messages of that kind.
func NewProcessor(store Store, registry *Registry, publisher Publisher, dispatcher Dispatcher, opts ...ProcessorOption) *Processor {
	cfg := processorConfig{
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		markTimeout: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	metrics, err := newProcessorMetrics(cfg.meterProvider)
	if err != nil {
		cfg.logger.Warn("message record metrics disabled", zap.Error(err))
		metrics = noopProcessorMetrics()
	}

	if registry == nil {
		registry = NewRegistry()
	}

	return &Processor{
		store:       store,
		registry:    registry,
		publisher:   publisher,
		dispatcher:  dispatcher,
		logger:      cfg.logger,
		metrics:     metrics,
		now:         cfg.now,
		markTimeout: cfg.markTimeout,
		maxRetries:  cfg.maxRetries,
		sweepLimit:  cfg.sweepLimit,
	}
}

// WithStore returns a copy of the processor that reads and writes records through store.
func (p *Processor) WithStore(store Store) *Processor {
	c := *p
	c.store = store
	return &c
}

// Registry returns the type registry used by the processor.
func (p *Processor) Registry() *Registry { return p.registry }

// Publish records payload as an outbox message. When payload is an Event the
// record id is the event id, otherwise a new id is generated.
func (p *Processor) Publish(ctx context.Context, payload any, headers Headers) error {
	if isNil(payload) {
		return ErrPayloadRequired
	}

	_, err := p.save(ctx, payload, headers, messageID(payload), DeliveryOutbox)
	return err
}

// RecordInbound records a message received from the broker and returns its id.
// A redelivered message whose inbox record already exists is not recorded again;
// the existing id is returned.
func (p *Processor) RecordInbound(ctx context.Context, payload any, headers Headers) (uuid.UUID, error) {
	if isNil(payload) {
		return uuid.Nil, ErrPayloadRequired
	}

	id := messageID(payload)
	rec, err := p.save(ctx, payload, headers, id, DeliveryInbox)
	if err == nil {
		return rec.ID, nil
	}

	existing, getErr := p.store.Get(ctx, id, DeliveryInbox)
	if getErr != nil {
		return uuid.Nil, err
	}
	p.logger.Debug("inbound message already recorded",
		zap.Stringer("record_id", existing.ID),
		zap.String("status", string(existing.Status)))
	return existing.ID, nil
}

// RecordInternal records a command to be handled in-process once recorded changes are committed.
func (p *Processor) RecordInternal(ctx context.Context, cmd InternalCommand) error {
	if isNil(cmd) {
		return ErrPayloadRequired
	}

	_, err := p.save(ctx, cmd, nil, uuid.New(), DeliveryInternal)
	return err
}

// FindIfProcessed returns the inbox record with the given id if it has been processed.
// It returns nil without error when the record is missing or still in progress.
func (p *Processor) FindIfProcessed(ctx context.Context, id uuid.UUID) (*MessageRecord, error) {
	rec, err := p.store.Get(ctx, id, DeliveryInbox, StatusProcessed)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up inbox message %s: %w", id, err)
	}
	return rec, nil
}

// MarkInboxComplete marks the in-progress inbox record with the given id as processed.
// Returns an error wrapping ErrNotFound when there is no such record.
func (p *Processor) MarkInboxComplete(ctx context.Context, id uuid.UUID) error {
	rec, err := p.store.Get(ctx, id, DeliveryInbox, StatusInProgress)
	if err != nil {
		return fmt.Errorf("completing inbox message %s: %w", id, err)
	}
	return p.complete(ctx, rec)
}

// Process drains a single record. Missing and already processed records are ignored,
// so Process may be called any number of times for the same record.
//
// Internal records are decoded and handed to the dispatcher, outbox records are decoded
// and published with their stored headers. Inbox records are completed by
// MarkInboxComplete and are ignored here. The record is marked processed only after
// delivery succeeded; otherwise it stays in progress and the returned error is
// a *ResolutionError or a *DeliveryError.
func (p *Processor) Process(ctx context.Context, id uuid.UUID, deliveryType DeliveryType) error {
	rec, err := p.store.Get(ctx, id, deliveryType)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading %s message %s: %w", deliveryType, id, err)
	}
	return p.processRecord(ctx, rec)
}

// ProcessAll drains every outbox and internal record that is not processed yet, oldest first.
// Records that used up their attempts are not selected. Failures of individual records
// are logged and leave the record for the next call.
// When ctx is cancelled no further records are started. Only a failure to list the
// pending records is returned, as a *ListError.
func (p *Processor) ProcessAll(ctx context.Context) error {
	start := time.Now()

	filter := Drainable(p.maxRetries)
	filter.Limit = p.sweepLimit
	recs, err := p.store.List(ctx, filter)
	if err != nil {
		return &ListError{Err: err}
	}

	var processed, failed, skipped int
	for _, rec := range recs {
		if ctx.Err() != nil {
			p.logger.Info("sweep interrupted", zap.Int("remaining", len(recs)-processed-failed-skipped))
			break
		}
		if p.exhausted(ctx, rec) {
			skipped++
			continue
		}
		if err := p.processRecord(ctx, rec); err != nil {
			failed++
			continue
		}
		processed++
	}

	p.metrics.sweepDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	p.logger.Debug("sweep finished",
		zap.Int("pending", len(recs)),
		zap.Int("processed", processed),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped))
	return nil
}

func (p *Processor) processRecord(ctx context.Context, rec *MessageRecord) error {
	if rec.Status == StatusProcessed || p.exhausted(ctx, rec) {
		return nil
	}

	var err error
	switch rec.DeliveryType {
	case DeliveryInternal:
		err = p.dispatchInternal(ctx, rec)
	case DeliveryOutbox:
		err = p.publishOutbox(ctx, rec)
	default:
		return nil
	}
	if err != nil {
		p.recordFailure(ctx, rec, err)
		return err
	}

	return p.markProcessed(ctx, rec)
}

// exhausted reports whether rec used up its attempts, logging it when so.
func (p *Processor) exhausted(ctx context.Context, rec *MessageRecord) bool {
	if p.maxRetries == 0 || rec.RetryCount < p.maxRetries {
		return false
	}
	p.metrics.failed(ctx, rec.DeliveryType, reasonRetryExhausted)
	p.logger.Warn("message record skipped after too many failed attempts",
		zap.Stringer("record_id", rec.ID),
		zap.String("delivery_type", string(rec.DeliveryType)),
		zap.Int("retry_count", rec.RetryCount))
	return true
}

func (p *Processor) dispatchInternal(ctx context.Context, rec *MessageRecord) error {
	payload, _, err := p.resolve(rec)
	if err != nil {
		return err
	}

	cmd, ok := payload.(InternalCommand)
	if !ok {
		return &ResolutionError{ID: rec.ID, DataType: rec.DataType, Err: fmt.Errorf("%T is not an internal command", payload)}
	}
	if p.dispatcher == nil {
		return &DeliveryError{ID: rec.ID, DeliveryType: rec.DeliveryType, Err: errors.New("no dispatcher configured")}
	}

	if err := p.dispatcher.Dispatch(ctx, cmd); err != nil {
		return &DeliveryError{ID: rec.ID, DeliveryType: rec.DeliveryType, Err: err}
	}
	return nil
}

func (p *Processor) publishOutbox(ctx context.Context, rec *MessageRecord) error {
	payload, headers, err := p.resolve(rec)
	if err != nil {
		return err
	}

	event, ok := payload.(Event)
	if !ok {
		return &ResolutionError{ID: rec.ID, DataType: rec.DataType, Err: fmt.Errorf("%T is not an event", payload)}
	}
	if p.publisher == nil {
		return &DeliveryError{ID: rec.ID, DeliveryType: rec.DeliveryType, Err: errors.New("no publisher configured")}
	}

	mutate := func(set func(key string, value any)) {
		for k, v := range headers {
			set(k, v)
		}
		set(HeaderMessageID, rec.ID.String())
		set(HeaderMessageType, rec.DataType)
	}
	if err := p.publisher.Publish(ctx, event, mutate); err != nil {
		return &DeliveryError{ID: rec.ID, DeliveryType: rec.DeliveryType, Err: err}
	}
	return nil
}

func (p *Processor) resolve(rec *MessageRecord) (any, Headers, error) {
	env, err := DecodeEnvelope(rec.Data)
	if err != nil {
		return nil, nil, &ResolutionError{ID: rec.ID, DataType: rec.DataType, Err: err}
	}

	payload, err := p.registry.Decode(rec.DataType, env.Message)
	if err != nil {
		return nil, nil, &ResolutionError{ID: rec.ID, DataType: rec.DataType, Err: err}
	}
	return payload, env.Headers, nil
}

func (p *Processor) recordFailure(ctx context.Context, rec *MessageRecord, err error) {
	reason := reasonDelivery
	if errors.Is(err, ErrPayloadResolution) {
		reason = reasonResolution
	}
	p.metrics.failed(ctx, rec.DeliveryType, reason)
	p.logger.Warn("message record not processed",
		zap.Stringer("record_id", rec.ID),
		zap.String("delivery_type", string(rec.DeliveryType)),
		zap.String("data_type", rec.DataType),
		zap.String("reason", reason),
		zap.Error(err))

	if p.maxRetries == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.markTimeout)
	defer cancel()

	updated := rec.clone()
	updated.RetryCount++
	if err := p.store.Update(ctx, updated); err != nil {
		p.logger.Warn("message record retry count not updated",
			zap.Stringer("record_id", rec.ID),
			zap.Error(err))
		return
	}
	*rec = *updated
}

func (p *Processor) markProcessed(ctx context.Context, rec *MessageRecord) error {
	// Do not use the caller context, the message is delivered and must not be left in progress
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.markTimeout)
	defer cancel()

	err := p.complete(ctx, rec)
	if err != nil {
		p.metrics.failed(ctx, rec.DeliveryType, reasonMark)
		p.logger.Warn("message record delivered but not marked as processed",
			zap.Stringer("record_id", rec.ID),
			zap.String("delivery_type", string(rec.DeliveryType)),
			zap.Error(err))
	}
	return err
}

// complete moves rec to processed. A version conflict caused by a concurrent
// completion of the same record counts as success.
func (p *Processor) complete(ctx context.Context, rec *MessageRecord) error {
	updated := rec.clone()
	updated.Status = StatusProcessed

	err := p.store.Update(ctx, updated)
	if errors.Is(err, ErrConcurrencyConflict) {
		current, getErr := p.store.Get(ctx, rec.ID, rec.DeliveryType)
		if getErr == nil && current.Status == StatusProcessed {
			*rec = *current
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("marking %s message %s as processed: %w", rec.DeliveryType, rec.ID, err)
	}

	*rec = *updated
	p.metrics.processed(ctx, rec.DeliveryType)
	p.logger.Info("message record processed",
		zap.Stringer("record_id", rec.ID),
		zap.String("delivery_type", string(rec.DeliveryType)),
		zap.String("data_type", rec.DataType))
	return nil
}

func (p *Processor) save(ctx context.Context, payload any, headers Headers, id uuid.UUID, dt DeliveryType) (*MessageRecord, error) {
	tag, ok := p.registry.Lookup(payload)
	if !ok {
		p.logger.Warn("message type not registered, record is kept until it can be decoded",
			zap.String("delivery_type", string(dt)),
			zap.String("data_type", tag))
	}
	data, err := encodeEnvelope(payload, headers)
	if err != nil {
		return nil, fmt.Errorf("recording %s message of type %q: %w", dt, tag, err)
	}

	rec := NewRecord(tag, data, dt, WithID(id), WithCreated(p.now()))
	if err := p.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	p.metrics.stored(ctx, dt)
	p.logger.Info("message record stored",
		zap.Stringer("record_id", rec.ID),
		zap.String("delivery_type", string(dt)),
		zap.String("data_type", tag))
	return rec, nil
}

func messageID(payload any) uuid.UUID {
	if ev, ok := payload.(Event); ok {
		if id := ev.EventID(); id != uuid.Nil {
			return id
		}
	}
	return uuid.New()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
