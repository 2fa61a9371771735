package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/alpinesboltltd/taskcore/internal/engine"
	"github.com/redis/go-redis/v9"
)

// ConsumerGroup is the Redis Streams consumer group every worker pool
// instance joins; XREADGROUP delivery within a group is at-least-once
// and load-balances across group members (Design Notes open question 4).
const ConsumerGroup = "taskcore-workers"

// RedisBroker is a Broker backed by Redis Streams. Each queue name is a
// stream key; XADD enqueues, XREADGROUP consumes, and XACK marks a
// delivery handled. A message that is never acked stays in the group's
// pending entries list; this broker does not claim or redeliver pending
// entries itself.
type RedisBroker struct {
	client     *redis.Client
	consumerID string
}

// New returns a RedisBroker. consumerID identifies this process within
// ConsumerGroup and should be stable across a process's lifetime but
// unique across processes (e.g. hostname:pid).
func New(client *redis.Client, consumerID string) *RedisBroker {
	return &RedisBroker{client: client, consumerID: consumerID}
}

// Enqueue XADDs msg onto queue, creating the stream if it does not yet
// exist.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, msg engine.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: marshal message: %w", err)
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
}

// Consume ensures ConsumerGroup exists on queue and returns a channel
// fed by a background XREADGROUP loop. The loop exits, closing the
// channel, when ctx is cancelled.
func (b *RedisBroker) Consume(ctx context.Context, queue string) (<-chan engine.Delivery, error) {
	if err := b.client.XGroupCreateMkStream(ctx, queue, ConsumerGroup, "$").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("broker: create consumer group: %w", err)
	}

	out := make(chan engine.Delivery, 64)
	go b.readLoop(ctx, queue, out)
	return out, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

func (b *RedisBroker) readLoop(ctx context.Context, queue string, out chan<- engine.Delivery) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: b.consumerID,
			Streams:  []string{queue, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Printf("broker: XREADGROUP queue=%s: %v", queue, err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				delivery, ok := b.toDelivery(queue, entry)
				if !ok {
					continue
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (b *RedisBroker) toDelivery(queue string, entry redis.XMessage) (engine.Delivery, bool) {
	raw, ok := entry.Values["payload"].(string)
	if !ok {
		log.Printf("broker: malformed entry %s on queue=%s: no payload field", entry.ID, queue)
		return engine.Delivery{}, false
	}
	var msg engine.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		log.Printf("broker: unmarshal entry %s on queue=%s: %v", entry.ID, queue, err)
		return engine.Delivery{}, false
	}
	id := entry.ID
	return engine.Delivery{
		Message: msg,
		Ack: func() error {
			return b.client.XAck(context.Background(), queue, ConsumerGroup, id).Err()
		},
		Nack: func() error {
			return nil
		},
	}, true
}

// Close releases the underlying Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

var _ engine.Broker = (*RedisBroker)(nil)
