// Package topiccache keeps a per-topic, time-ordered log of inbound messages
// and answers point-in-time lookups against it.
package topiccache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mole_automation/platform/broker"
	"mole_automation/platform/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	encodedField = "encoded"
	maxSeq       = "18446744073709551615"
)

// ErrOutOfOrder reports a message older than the newest cached entry of its
// topic. It only happens on redelivery of an already cached message.
var ErrOutOfOrder = errors.New("message older than cache head")

// ErrMalformed reports a payload that cannot be cached. Retrying it never
// succeeds.
var ErrMalformed = errors.New("malformed payload")

// Cache is the Redis stream backed topic cache. A topic has one writer and any
// number of readers.
type Cache struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Cache {
	return &Cache{rdb: rdb}
}

// Key returns the stream holding topic's cached messages.
func Key(topic string) string {
	return "event_gen:" + topic + ":cache"
}

// Append caches payload under id "{publishMillis}-{n}" where n is the lowest
// sequence not yet used for that millisecond, and returns the id. The stored
// payload gains published_datetime_stamp and published_datetime fields.
func (c *Cache) Append(ctx context.Context, topic string, payload []byte, publishMillis int64) (string, error) {
	encoded, err := enrich(payload, publishMillis)
	if err != nil {
		return "", err
	}

	key := Key(topic)
	for seq := uint64(0); ; {
		id := fmt.Sprintf("%d-%d", publishMillis, seq)
		err := c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			ID:     id,
			Values: map[string]interface{}{encodedField: encoded},
		}).Err()
		if err == nil {
			metrics.MessagesCached.WithLabelValues(topic).Inc()
			return id, nil
		}

		headMillis, headSeq, herr := c.head(ctx, key)
		if herr != nil || headMillis < 0 {
			return "", fmt.Errorf("append to %s: %w", key, err)
		}
		if headMillis > publishMillis {
			return "", fmt.Errorf("%w: %s at %d, head at %d", ErrOutOfOrder, topic, publishMillis, headMillis)
		}
		if headMillis < publishMillis || headSeq < seq {
			// The head is below our id; the failure was not a collision.
			return "", fmt.Errorf("append to %s: %w", key, err)
		}
		metrics.CacheCollisions.WithLabelValues(topic).Inc()
		seq = headSeq + 1
	}
}

// Lookup returns field from the newest message on topic published at or
// before asOfMillis. found is false when there is no such message or it lacks
// the field. Numbers are returned as json.Number.
func (c *Cache) Lookup(ctx context.Context, topic, field string, asOfMillis int64) (any, bool, error) {
	msg, ok, err := c.Latest(ctx, topic, asOfMillis)
	if err != nil || !ok {
		return nil, false, err
	}
	val, ok := msg[field]
	return val, ok, nil
}

// Latest returns the newest cached message on topic published at or before
// asOfMillis.
func (c *Cache) Latest(ctx context.Context, topic string, asOfMillis int64) (map[string]any, bool, error) {
	upper := strconv.FormatInt(asOfMillis, 10) + "-" + maxSeq
	entries, err := c.rdb.XRevRangeN(ctx, Key(topic), upper, "-", 1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s: %w", topic, err)
	}
	if len(entries) == 0 {
		return nil, false, nil
	}

	raw, ok := entries[0].Values[encodedField].(string)
	if !ok {
		return nil, false, fmt.Errorf("cache entry %s on %s has no payload", entries[0].ID, topic)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var msg map[string]any
	if err := dec.Decode(&msg); err != nil {
		return nil, false, fmt.Errorf("decode cache entry %s on %s: %w", entries[0].ID, topic, err)
	}
	return msg, true, nil
}

func (c *Cache) head(ctx context.Context, key string) (int64, uint64, error) {
	entries, err := c.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return -1, 0, nil
	}

	ms, err := broker.IDMillis(entries[0].ID)
	if err != nil {
		return 0, 0, err
	}
	_, rawSeq, _ := strings.Cut(entries[0].ID, "-")
	seq, err := strconv.ParseUint(rawSeq, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return ms, seq, nil
}

// enrich adds the publish time fields. Payloads that are not JSON objects are
// wrapped under "value".
func enrich(payload []byte, publishMillis int64) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return "", fmt.Errorf("%w: not JSON: %v", ErrMalformed, err)
		}
		fields = map[string]any{"value": v}
	}

	fields["published_datetime_stamp"] = publishMillis
	fields["published_datetime"] = time.UnixMilli(publishMillis).UTC().Format(time.RFC3339Nano)

	out, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
