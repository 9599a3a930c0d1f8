package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"agrivet.store/internal/ids"
)

// ErrQueryUnsupported is returned by Query when no queryable sink is configured.
var ErrQueryUnsupported = errors.New("audit: no queryable sink configured")

// Sink persists audit entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Entry) error
}

// Querier reads audit entries back, newest first.
type Querier interface {
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

const defaultWriteTimeout = 3 * time.Second

// Recorder appends entries to every configured sink. Sink failures are
// logged and counted but never returned to the caller.
type Recorder struct {
	sinks     []Sink
	querier   Querier
	logger    *zap.Logger
	onFailure func(sink string)
	now       func() time.Time
	timeout   time.Duration
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSink adds a destination for entries.
func WithSink(s Sink) Option {
	return func(r *Recorder) {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
}

// WithQuerier sets the sink used to answer Query.
func WithQuerier(q Querier) Option {
	return func(r *Recorder) { r.querier = q }
}

// WithFailureHook is invoked with the sink name after each failed write.
func WithFailureHook(fn func(sink string)) Option {
	return func(r *Recorder) { r.onFailure = fn }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRecorder builds a Recorder. A nil logger discards sink failures.
func NewRecorder(logger *zap.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		logger:  logger,
		now:     time.Now,
		timeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stamps e with an id, time and request metadata and writes it to
// every sink. Cancellation of ctx does not abort the write.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.OccurredAt)
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if e.SourceAddr == "" {
		e.SourceAddr = SourceAddrFromContext(ctx)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	e.Action = strings.TrimSpace(e.Action)

	if ctx == nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	for _, sink := range r.sinks {
		if err := sink.Write(wctx, e); err != nil {
			r.logger.Warn("audit write failed",
				zap.String("sink", sink.Name()),
				zap.String("audit_id", e.ID),
				zap.String("action", e.Action),
				zap.Error(err),
			)
			if r.onFailure != nil {
				r.onFailure(sink.Name())
			}
		}
	}
}

// Query returns entries matching f, newest first.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if r == nil || r.querier == nil {
		return nil, ErrQueryUnsupported
	}
	return r.querier.Query(ctx, f.Normalize())
}
