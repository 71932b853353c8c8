package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection owns the single AMQP connection; consumers and publishers open
// their own channels on it.
type Connection struct {
	conn *amqp.Connection
}

// NewConnection dials the broker and ties the connection to the application
// lifecycle. Channel-level failures are handled by their owners; a lost
// connection surfaces through the closed channels and restarts the process.
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}

	mqConn := &Connection{conn: conn}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("broker connection established")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := conn.Close(); err != nil {
				logger.Error("failed to close broker connection", zap.Error(err))
				return err
			}
			logger.Info("broker connection closed")
			return nil
		},
	})

	return mqConn, nil
}

// Channel opens a new channel on the shared connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}
