// Package session runs a single streamed assistant turn. A Session opens the
// outbound request, decodes the response body and applies content deltas to
// a Sink until it reaches exactly one terminal state.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szaher/agentdeck/internal/llm"
	"github.com/szaher/agentdeck/internal/stream"
	"github.com/szaher/agentdeck/internal/telemetry"
)

// State is the lifecycle position of a Session.
type State int32

const (
	Idle State = iota
	Requesting
	Streaming
	Completed
	Cancelled
	Failed
)

var stateNames = [...]string{"idle", "requesting", "streaming", "completed", "cancelled", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s >= Completed
}

// A failed or cancelled Result wraps exactly one of these.
var (
	ErrTransport = errors.New("transport error")
	ErrTimeout   = errors.New("timeout")
	ErrProtocol  = errors.New("protocol error")
	ErrCancelled = errors.New("cancelled")
)

// Reason returns the short tag recorded on an aborted message for err.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProtocol):
		return "response interrupted"
	case errors.Is(err, ErrTransport):
		return "connection lost"
	default:
		return "failed"
	}
}

// Config bounds retries and waits.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestTimeout bounds the wait for the first response byte of each
	// attempt. IdleTimeout bounds the gap between reads once streaming.
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		RequestTimeout: 30 * time.Second,
		IdleTimeout:    60 * time.Second,
	}
}

// withDefaults fills unset fields from DefaultConfig. A zero MaxRetries is
// kept since it means no retries.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// backoff returns the wait before retry number attempt (1-based).
func (c Config) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return c.MaxBackoff
	}
	d := c.InitialBackoff << (attempt - 1)
	if d <= 0 || (c.MaxBackoff > 0 && d > c.MaxBackoff) {
		d = c.MaxBackoff
	}
	return d
}

// Sink receives the effects of a turn. AppendDelta is called in arrival
// order; then exactly one of Finalize or Abort.
type Sink interface {
	AppendDelta(text string) error
	Finalize() error
	Abort(reason string) error
}

// Result describes how a Session ended.
type Result struct {
	State    State
	Err      error
	Retries  int
	Deltas   int
	Duration time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithMetrics records retries and active sessions under the provider label.
func WithMetrics(m *telemetry.Metrics, provider string) Option {
	return func(s *Session) {
		s.metrics = m
		s.provider = provider
	}
}

// Session is one outbound request and the stream it produces. A Session runs
// once.
type Session struct {
	id       string
	client   llm.Client
	req      llm.ChatRequest
	sink     Sink
	cfg      Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	provider string

	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}

	mu        sync.Mutex
	cancel    context.CancelCauseFunc
	cancelled bool
}

// New creates an idle Session.
func New(id string, client llm.Client, req llm.ChatRequest, sink Sink, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:     id,
		client: client,
		req:    req,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", id)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Cancel asks the session to stop. It is idempotent and may be called before
// Run, in which case Run ends Cancelled without issuing a request.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel(ErrCancelled)
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the session to a terminal state and reports it. The sink sees
// Finalize on Completed and Abort otherwise.
func (s *Session) Run(ctx context.Context) Result {
	if !s.started.CompareAndSwap(false, true) {
		return Result{State: s.State(), Err: fmt.Errorf("session %s already started", s.id)}
	}
	defer close(s.done)

	start := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	s.cancel = cancel
	if s.cancelled {
		cancel(ErrCancelled)
	}
	s.mu.Unlock()

	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()

	res := s.run(ctx, cancel)
	res.Duration = time.Since(start)
	s.setState(res.State)

	attrs := []any{"state", res.State.String(), "deltas", res.Deltas, "retries", res.Retries, "duration", res.Duration}
	switch res.State {
	case Completed:
		s.logger.Info("turn completed", attrs...)
	case Cancelled:
		s.logger.Info("turn cancelled", attrs...)
	default:
		s.logger.Warn("turn failed", append(attrs, "error", res.Err)...)
	}
	return res
}

func (s *Session) run(ctx context.Context, cancel context.CancelCauseFunc) Result {
	var res Result
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := s.cfg.backoff(attempt)
			s.logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait, "error", lastErr)
			s.metrics.RecordRetry(s.provider)
			res.Retries++

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return s.finish(res, cause(ctx))
			case <-t.C:
			}
		}

		retry, err := s.attempt(ctx, cancel, &res)
		if err != nil && retry && attempt < s.cfg.MaxRetries {
			lastErr = err
			continue
		}
		return s.finish(res, err)
	}
}

// attempt issues one request and consumes its body. retry is true only for
// transport failures that happened before any response byte was seen.
func (s *Session) attempt(ctx context.Context, cancel context.CancelCauseFunc, res *Result) (retry bool, err error) {
	if ctx.Err() != nil {
		return false, cause(ctx)
	}
	s.setState(Requesting)

	requestTimer := time.AfterFunc(s.cfg.RequestTimeout, func() {
		cancel(fmt.Errorf("%w: no response within %s", ErrTimeout, s.cfg.RequestTimeout))
	})
	defer requestTimer.Stop()

	st, err := s.client.Stream(ctx, s.req)
	if err != nil {
		if ctx.Err() != nil {
			return false, cause(ctx)
		}
		return llm.Retryable(err), fmt.Errorf("%w: %w", ErrTransport, err)
	}
	body := st.Body
	defer body.Close()
	// Closing the body is what unblocks a read parked on the network.
	stopClose := context.AfterFunc(ctx, func() { body.Close() })
	defer stopClose()

	var idleTimer *time.Timer
	defer func() {
		if idleTimer != nil {
			idleTimer.Stop()
		}
	}()
	reader := &watchReader{ctx: ctx, r: body, onData: func() {
		if idleTimer != nil {
			idleTimer.Reset(s.cfg.IdleTimeout)
			return
		}
		requestTimer.Stop()
		s.setState(Streaming)
		idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() {
			cancel(fmt.Errorf("%w: no data for %s", ErrTimeout, s.cfg.IdleTimeout))
		})
	}}

	dec := stream.NewDecoder(reader, st.Dialect)
	for dec.Next() {
		ev := dec.Event()
		if ctx.Err() != nil && ev.Kind != stream.KindDone {
			return false, cause(ctx)
		}
		switch ev.Kind {
		case stream.KindDelta:
			if err := s.sink.AppendDelta(ev.Text); err != nil {
				return false, err
			}
			res.Deltas++
		case stream.KindDone:
			return false, nil
		case stream.KindAborted:
			return idleTimer == nil && llm.Retryable(ev.Err), fmt.Errorf("%w: %w", ErrTransport, ev.Err)
		case stream.KindProtocolError:
			return false, fmt.Errorf("%w: %s", ErrProtocol, ev.Reason)
		}
	}
	return false, fmt.Errorf("%w: stream ended without a terminal event", ErrProtocol)
}

func (s *Session) finish(res Result, err error) Result {
	if err == nil {
		if ferr := s.sink.Finalize(); ferr != nil {
			res.State = Failed
			res.Err = ferr
			return res
		}
		res.State = Completed
		return res
	}

	res.Err = err
	res.State = Failed
	if errors.Is(err, ErrCancelled) {
		res.State = Cancelled
	}
	if aerr := s.sink.Abort(Reason(err)); aerr != nil {
		s.logger.Error("aborting turn", "error", aerr)
		res.Err = errors.Join(err, aerr)
	}
	return res
}

// cause maps the reason ctx ended onto the session error taxonomy.
func cause(ctx context.Context) error {
	c := context.Cause(ctx)
	switch {
	case errors.Is(c, ErrCancelled), errors.Is(c, ErrTimeout):
		return c
	case errors.Is(c, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, c)
	default:
		return fmt.Errorf("%w: %w", ErrCancelled, c)
	}
}

// watchReader checks for cancellation before every read and reports reads
// that returned data.
type watchReader struct {
	ctx    context.Context
	r      io.Reader
	onData func()
}

func (w *watchReader) Read(p []byte) (int, error) {
	if w.ctx.Err() != nil {
		return 0, context.Cause(w.ctx)
	}
	n, err := w.r.Read(p)
	if n > 0 {
		w.onData()
	}
	return n, err
}
