// Package notify hands reminder and escalation notices to the delivery
// layer. Delivery guarantees belong to the transport behind a Dispatcher.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/internal/resilience"
	"github.com/pitabwire/escalator/model"
)

// Kind is the notification category.
type Kind string

// Notification kinds.
const (
	KindReminder   Kind = "reminder"
	KindEscalation Kind = "escalation"
)

// Notification is one message to one or more recipients.
type Notification struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	TenantID   string         `json:"tenant_id"`
	Recipients []string       `json:"recipients"`
	Context    map[string]any `json:"context,omitempty"`
}

// Validate checks the fields every dispatcher relies on.
func (n Notification) Validate() error {
	switch n.Kind {
	case KindReminder, KindEscalation:
	default:
		return model.NewBadRequestError(fmt.Sprintf("unknown notification kind %q", n.Kind))
	}
	if len(n.Recipients) == 0 {
		return model.NewBadRequestError("notification has no recipients")
	}
	return nil
}

// Dispatcher sends notifications.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// LogDispatcher writes notifications to the structured log. It is the
// development default. Sensitive context fields are redacted.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a dispatcher that logs every notification.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Send logs n at info level.
func (d *LogDispatcher) Send(_ context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	d.logger.Info("notification",
		zap.String("notification_id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("tenant_id", n.TenantID),
		zap.Strings("recipients", n.Recipients),
		zap.Any("context", observability.RedactBody(n.Context, nil)),
	)
	return nil
}

// GuardedDispatcher wraps a Dispatcher with a circuit breaker so that an
// unreachable transport fails fast for the rest of a scan.
type GuardedDispatcher struct {
	next    Dispatcher
	breaker *resilience.Breaker
}

// NewGuardedDispatcher guards next with breaker.
func NewGuardedDispatcher(next Dispatcher, breaker *resilience.Breaker) *GuardedDispatcher {
	return &GuardedDispatcher{next: next, breaker: breaker}
}

// Send forwards n unless the breaker is open.
func (d *GuardedDispatcher) Send(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	ctx, span := observability.StartSpan(ctx, "notify.send",
		observability.AttrDependency.String(d.breaker.Name()),
		observability.AttrTenantID.String(n.TenantID),
	)
	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		return d.next.Send(ctx, n)
	})
	observability.EndSpanWithError(span, err)
	return err
}
