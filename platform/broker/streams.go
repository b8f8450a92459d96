package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the stream entry field holding the raw JSON message.
const payloadField = "payload"

// Message is one entry read from a topic stream.
type Message struct {
	Stream        string
	ID            string
	PublishMillis int64
	Payload       []byte
}

// Handler processes one message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Streams publishes to and consumes from Redis streams.
type Streams struct {
	rdb redis.UniversalClient
}

func NewStreams(rdb redis.UniversalClient) *Streams {
	return &Streams{rdb: rdb}
}

// Publish appends payload to stream with a broker-assigned id. The id's
// millisecond part is the message publish time.
func (s *Streams) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
}

// EnsureGroup creates a consumer group on stream, creating the stream when
// missing. An existing group is not an error.
func (s *Streams) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Ack acknowledges msg for group.
func (s *Streams) Ack(ctx context.Context, group string, msg Message) error {
	return s.rdb.XAck(ctx, msg.Stream, group, msg.ID).Err()
}

// ConsumeOptions configures a consumer-group read loop.
type ConsumeOptions struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	Count    int64
}

// Consume reads stream as a member of the consumer group and calls handle for
// every message in order. Messages left pending by an earlier run of the same
// consumer are replayed first. handle owns acknowledgement through Ack so it
// can acknowledge before its own side effects. Consume returns when ctx ends.
func (s *Streams) Consume(ctx context.Context, opts ConsumeOptions, handle Handler) error {
	if opts.Count <= 0 {
		opts.Count = 10
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}

	cursor := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    opts.Group,
			Consumer: opts.Consumer,
			Streams:  []string{opts.Stream, cursor},
			Count:    opts.Count,
			Block:    opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", opts.Stream, err)
		}

		delivered := 0
		for _, stream := range res {
			for _, entry := range stream.Messages {
				delivered++
				msg, err := toMessage(stream.Stream, entry)
				if err != nil {
					// Unreadable entries are acknowledged so they do not wedge the group.
					_ = s.rdb.XAck(ctx, stream.Stream, opts.Group, entry.ID).Err()
					continue
				}
				if err := handle(ctx, msg); err != nil {
					return err
				}
			}
		}

		// Pending backlog drained; switch to new deliveries.
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

func toMessage(stream string, entry redis.XMessage) (Message, error) {
	ms, err := IDMillis(entry.ID)
	if err != nil {
		return Message{}, err
	}

	var payload []byte
	switch v := entry.Values[payloadField].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return Message{}, fmt.Errorf("entry %s has no %s field", entry.ID, payloadField)
	}

	return Message{Stream: stream, ID: entry.ID, PublishMillis: ms, Payload: payload}, nil
}

// IDMillis returns the millisecond part of a stream id "<ms>-<seq>".
func IDMillis(id string) (int64, error) {
	ms, _, found := strings.Cut(id, "-")
	if !found {
		return 0, fmt.Errorf("malformed stream id %q", id)
	}
	return strconv.ParseInt(ms, 10, 64)
}
