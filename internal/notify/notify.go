// Package notify broadcasts "flows changed" over Redis pub/sub so every
// scheduler instance refreshes its flow index without waiting for the
// periodic refresh.
package notify

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "flowsched:flows"

type Publisher struct {
	client  redis.UniversalClient
	channel string
}

func NewPublisher(client redis.UniversalClient, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// Publish announces a change. reason is informational, e.g. a flow key.
// It returns the number of subscribers that received it.
func (p *Publisher) Publish(ctx context.Context, reason string) (int64, error) {
	n, err := p.client.Publish(ctx, p.channel, reason).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "publish to %s", p.channel)
	}
	return n, nil
}

// Notifier is what a subscriber pokes on every message.
type Notifier interface {
	Notify()
}

type Subscriber struct {
	client  redis.UniversalClient
	channel string
	target  Notifier
	logger  *zap.Logger
}

func NewSubscriber(client redis.UniversalClient, channel string, target Notifier, logger *zap.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{client: client, channel: channel, target: target, logger: logger.Named("notify")}
}

// Run blocks until ctx is done. Redis reconnects are handled by the client;
// messages published while disconnected are lost, which the periodic index
// refresh covers.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "subscribe to %s", s.channel)
	}
	s.logger.Info("subscribed", zap.String("channel", s.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.logger.Debug("flows changed", zap.String("reason", msg.Payload))
			s.target.Notify()
		}
	}
}
