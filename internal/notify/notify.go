// Package notify delivers best-effort account notifications to users.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notification kinds.
const (
	KindAccessChanged   = "access_changed"
	KindAccountDisabled = "account_disabled"
	KindPasswordChanged = "password_changed"
)

type Notification struct {
	UserID string
	Kind   string
	Title  string
	Body   string
}

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log instead of a push provider.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.logger.Info("notification",
		zap.String("user_id", n.UserID),
		zap.String("kind", n.Kind),
		zap.String("title", n.Title),
	)
	return nil
}

const defaultSendTimeout = 5 * time.Second

// Dispatcher sends notifications in the background. Failures are logged and
// never reach the caller.
type Dispatcher struct {
	sender  Sender
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(sender Sender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{sender: sender, logger: logger, timeout: defaultSendTimeout}
}

// Notify returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	if d == nil || d.sender == nil || n.UserID == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("notification sender panicked", zap.Any("panic", r), zap.String("kind", n.Kind))
			}
		}()
		if err := d.sender.Send(sendCtx, n); err != nil {
			d.logger.Warn("notification failed",
				zap.String("user_id", n.UserID),
				zap.String("kind", n.Kind),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
