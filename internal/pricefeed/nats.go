package pricefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectNATS opens a reconnecting NATS connection for the price feed
func ConnectNATS(url string, log *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("bullion-pricefeed"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// handleMsg publishes one NATS message as a quote. Malformed messages are
// logged and dropped.
func (f *Feed) handleMsg(msg *nats.Msg) {
	q, err := Decode(msg.Data)
	if err == nil {
		_, err = f.Publish(q, "nats")
	}
	if err != nil {
		f.log.Warn("rejected quote message", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// ConsumeNATS subscribes to subject and publishes every message until ctx is
// done, then drains the subscription.
func (f *Feed) ConsumeNATS(ctx context.Context, conn *nats.Conn, subject string) error {
	sub, err := conn.Subscribe(subject, f.handleMsg)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	f.log.Info("consuming quotes", zap.String("subject", subject))

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	return nil
}
