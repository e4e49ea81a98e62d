package persistmsg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sweeper processes every pending record. *Processor implements it.
type Sweeper interface {
	ProcessAll(ctx context.Context) error
}

// UnitFactory builds the dependencies used by a single sweep, for example a processor
// bound to a freshly acquired connection. release, when not nil, is called after the sweep.
type UnitFactory func(ctx context.Context) (unit Sweeper, release func(), err error)

// StaticUnit returns a UnitFactory that reuses the same sweeper on every iteration.
func StaticUnit(s Sweeper) UnitFactory {
	return func(context.Context) (Sweeper, func(), error) {
		return s, nil, nil
	}
}

// PollerState is the lifecycle state of a Poller.
type PollerState int32

// Poller states.
const (
	PollerStopped PollerState = iota
	PollerRunning
	PollerStopping
)

func (s PollerState) String() string {
	switch s {
	case PollerRunning:
		return "running"
	case PollerStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Poller periodically processes every record that is not processed yet.
// It recovers records whose inline processing failed or never happened,
// for example because the process crashed right after commit.
type Poller struct {
	factory UnitFactory
	logger  *zap.Logger

	interval time.Duration

	started int32
	closed  int32
	state   atomic.Int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
}

// PollerOption is a function that configures a Poller instance.
type PollerOption func(*Poller)

// WithInterval sets the time between the end of a sweep and the start of the next one.
// Default is 30 seconds.
func WithInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithPollerLogger sets the logger. Default is a no-op logger.
func WithPollerLogger(logger *zap.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) PollerOption {
	return func(p *Poller) {
		if size > 0 {
			p.errCh = make(chan error, size)
		}
	}
}

// NewPoller creates a new Poller building its dependencies with factory on every sweep.
func NewPoller(factory UnitFactory, opts ...PollerOption) *Poller {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Poller{
		factory:  factory,
		logger:   zap.NewNop(),
		interval: 30 * time.Second,
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.errCh == nil {
		p.errCh = make(chan error, 128)
	}

	return p
}

// State returns the current lifecycle state.
func (p *Poller) State() PollerState {
	return PollerState(p.state.Load())
}

// Start begins the background processing of pending records.
// The first sweep runs immediately, the next ones after every interval.
// If Start is called multiple times, only the first call has an effect.
func (p *Poller) Start() {
	if atomic.LoadInt32(&p.closed) == 1 || !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return
	}

	p.state.Store(int32(PollerRunning))
	p.logger.Info("message record poller started", zap.Duration("interval", p.interval))

	p.wg.Add(1)
	go func() {
		timer := time.NewTimer(0)

		defer p.wg.Done()
		defer close(p.errCh)
		defer timer.Stop()

		for {
			select {
			case <-timer.C:
				p.sweep()
				timer.Reset(p.interval)
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully shuts down the poller. It prevents new sweeps from starting,
// interrupts the wait between sweeps and waits for an ongoing sweep to complete.
// The provided context controls how long to wait before giving up.
//
// If the context expires before the sweep completes, Stop returns the context's
// error. If shutdown completes successfully, it returns nil.
// Calling Stop multiple times is safe and only the first call has an effect.
func (p *Poller) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	p.state.Store(int32(PollerStopping))
	p.cancel() // signal stop

	if atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		// never started, nobody else closes the error channel
		close(p.errCh)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
		p.state.Store(int32(PollerStopped))
		p.logger.Info("message record poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns a channel that receives the errors of failed sweeps.
// The channel is buffered to prevent blocking the poller. If the buffer becomes
// full, subsequent errors will be dropped. The channel is closed when the poller is stopped.
//
// Errors are of type *SweepError and usually wrap a *ListError. Failures of
// individual records are not reported here, they are logged by the processor
// and retried on the next sweep.
func (p *Poller) Errors() <-chan error {
	return p.errCh
}

func (p *Poller) sendError(err error) {
	select {
	case p.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (p *Poller) sweep() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("message record sweep panicked", zap.Any("panic", r), zap.Stack("stack"))
			p.sendError(&SweepError{Err: fmt.Errorf("sweep panicked: %v", r)})
		}
	}()

	unit, release, err := p.factory(p.ctx)
	if err != nil {
		p.fail(err)
		return
	}
	if release != nil {
		defer release()
	}

	if err := unit.ProcessAll(p.ctx); err != nil {
		p.fail(err)
	}
}

func (p *Poller) fail(err error) {
	if p.ctx.Err() != nil {
		return
	}
	p.logger.Error("message record sweep failed", zap.Error(err))
	p.sendError(&SweepError{Err: err})
}
