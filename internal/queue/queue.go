// Package queue is the broker layer: durable named queues on Redis Streams
// with consumer-group delivery, explicit acknowledgement, and at-least-once
// redelivery of messages whose consumer died mid-flight.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// maxStreamLen bounds stream growth; acknowledged entries past this are
	// trimmed approximately on publish.
	maxStreamLen = 10000

	readBlock     = 5 * time.Second
	reclaimEvery  = 30 * time.Second
	reclaimMinAge = time.Minute
)

// Handler processes one delivered message body. A nil return acknowledges
// the message; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, body []byte) error

// Queue is one named stream. Publishers only need New; consumers must also
// set a group and consumer name via WithGroup.
type Queue struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	log      *zap.Logger
}

func New(rdb *redis.Client, stream string, log *zap.Logger) *Queue {
	return &Queue{rdb: rdb, stream: stream, log: log}
}

// WithGroup returns a consuming view of the queue bound to a consumer group.
func (q *Queue) WithGroup(group, consumer string) *Queue {
	cp := *q
	cp.group = group
	cp.consumer = consumer
	return &cp
}

// Ping probes broker availability.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Publish appends a message durably to the stream.
func (q *Queue) Publish(ctx context.Context, body []byte) error {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{"body": body},
	}).Err()
}

// Consume reads the stream until ctx is canceled, dispatching each message
// to h on its own goroutine. At most prefetch messages are in flight at
// once; when the cap is reached the broker read stalls until a handler
// finishes, which is the system's backpressure.
func (q *Queue) Consume(ctx context.Context, prefetch int, h Handler) error {
	// Group setup is retried rather than fatal so a consumer started while
	// the broker is down comes alive as soon as it returns.
	grouped := false

	sem := make(chan struct{}, prefetch)
	for ctx.Err() == nil {
		if !grouped {
			if err := q.ensureGroup(ctx); err != nil {
				q.log.Error("consumer group setup failed, retrying",
					zap.String("stream", q.stream), zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			grouped = true
			go q.reclaimLoop(ctx, h)
		}
		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    int64(prefetch),
			Block:    readBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			q.log.Error("broker read failed", zap.String("stream", q.stream), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return ctx.Err()
				}
				go func(m redis.XMessage) {
					defer func() { <-sem }()
					q.dispatch(ctx, h, m)
				}(msg)
			}
		}
	}
	return ctx.Err()
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *Queue) dispatch(ctx context.Context, h Handler, m redis.XMessage) {
	body, ok := m.Values["body"].(string)
	if !ok {
		q.log.Warn("message without body field, dropping",
			zap.String("stream", q.stream), zap.String("id", m.ID))
		q.ack(ctx, m.ID)
		return
	}
	if err := h(ctx, []byte(body)); err != nil {
		// Leave it pending; the reclaim loop (here or on a peer) will
		// redeliver once it has sat idle long enough.
		q.log.Error("handler failed, message left for redelivery",
			zap.String("stream", q.stream), zap.String("id", m.ID), zap.Error(err))
		return
	}
	q.ack(ctx, m.ID)
}

func (q *Queue) ack(ctx context.Context, id string) {
	if err := q.rdb.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		q.log.Error("ack failed", zap.String("stream", q.stream), zap.String("id", id), zap.Error(err))
	}
}

// reclaimLoop picks up pending entries abandoned by crashed consumers and
// runs them through the same handler.
func (q *Queue) reclaimLoop(ctx context.Context, h Handler) {
	tick := time.NewTicker(reclaimEvery)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  reclaimMinAge,
			Start:    "0-0",
			Count:    16,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.log.Error("reclaim failed", zap.String("stream", q.stream), zap.Error(err))
			}
			continue
		}
		for _, m := range msgs {
			q.log.Info("reclaimed abandoned message",
				zap.String("stream", q.stream), zap.String("id", m.ID))
			q.dispatch(ctx, h, m)
		}
	}
}
