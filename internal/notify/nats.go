package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/escalator/internal/observability"
)

// Publisher is the subset of *nats.Conn the dispatcher uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NatsConfig holds NATS connection settings.
type NatsConfig struct {
	URL           string
	SubjectPrefix string
	Timeout       time.Duration
}

// ConnectNATS dials the NATS server with reconnects enabled.
func ConnectNATS(cfg NatsConfig, logger *zap.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("escalator"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// NatsDispatcher publishes each notification as JSON on
// "<prefix>.<kind>". The message id header lets a JetStream stream drop
// duplicates.
type NatsDispatcher struct {
	pub          Publisher
	prefix       string
	flushTimeout time.Duration
}

// NewNatsDispatcher creates a dispatcher publishing through pub.
func NewNatsDispatcher(pub Publisher, subjectPrefix string) *NatsDispatcher {
	if subjectPrefix == "" {
		subjectPrefix = "escalator.notifications"
	}
	return &NatsDispatcher{pub: pub, prefix: subjectPrefix, flushTimeout: 5 * time.Second}
}

// Subject returns the subject a notification of kind is published on.
func (d *NatsDispatcher) Subject(kind Kind) string {
	return d.prefix + "." + string(kind)
}

// Send publishes n and waits for the server to acknowledge the flush.
func (d *NatsDispatcher) Send(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := nats.NewMsg(d.Subject(n.Kind))
	msg.Data = data
	if n.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, n.ID)
	}
	msg.Header.Set("Content-Type", "application/json")
	observability.InjectTraceHeaders(ctx, http.Header(msg.Header))

	if err := d.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	// FlushWithContext refuses contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.flushTimeout)
		defer cancel()
	}
	if err := d.pub.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", msg.Subject, err)
	}
	return nil
}
