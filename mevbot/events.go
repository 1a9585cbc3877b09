package mevbot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventsChannel is the redis pub/sub channel all pipeline events go to.
// Dashboard consumers subscribe here.
const EventsChannel = "mevbot:events"

// EventPublisher broadcasts pipeline events.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// RedisEventPublisher publishes events as JSON on a redis channel. Publishing
// is best effort, a dropped event never fails the pipeline.
type RedisEventPublisher struct {
	log *zap.SugaredLogger
	red *redis.Client
}

func NewRedisEventPublisher(log *zap.SugaredLogger, red *redis.Client) *RedisEventPublisher {
	return &RedisEventPublisher{log: log.With("component", "events"), red: red}
}

func (p *RedisEventPublisher) Publish(ctx context.Context, event Event) error {
	if event.At == 0 {
		event.At = hexutil.Uint64(time.Now().UnixMicro())
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.red.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		p.log.Warnw("event publish failed", "type", event.Type, "error", err)
		return err
	}
	return nil
}

// NopEventPublisher drops all events, for tests and stripped-down deploys.
type NopEventPublisher struct{}

func (NopEventPublisher) Publish(context.Context, Event) error { return nil }
