package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher fans desktop lifecycle events out to NATS for external
// observers. Event delivery is best effort: reconciliation never blocks
// on the bus.
type Publisher struct {
	nc  *nats.Conn
	url string
}

func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("deskd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, url: url}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}
