// Package eventtypes resolves event type names to ids through a cache shared
// by every process in Redis.
package eventtypes

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"mole_automation/internal/domainstore"
	"mole_automation/platform/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	// CacheKey is the Redis hash holding name -> id.
	CacheKey = "event_gen:event_type_id_map"
	// InvalidationChannel carries configuration-change signals.
	InvalidationChannel = "event_gen:config_changed"
)

// ErrNotFound reports a name the domain store does not know.
var ErrNotFound = errors.New("event type not found")

// Lister fetches every event type from the domain store.
type Lister interface {
	ListEventTypes(ctx context.Context) ([]domainstore.EventTypeDTO, error)
}

// Resolver is a read-through name -> id cache. It is refreshed only when
// invalidated, never on a timer.
type Resolver struct {
	rdb    redis.UniversalClient
	lister Lister
	log    *logger.Logger
	group  singleflight.Group
}

func NewResolver(rdb redis.UniversalClient, lister Lister, log *logger.Logger) *Resolver {
	return &Resolver{rdb: rdb, lister: lister, log: log}
}

// Resolve returns the id for name, loading every event type on a miss.
func (r *Resolver) Resolve(ctx context.Context, name string) (int64, error) {
	id, ok, err := r.lookup(ctx, name)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}

	if err := r.load(ctx); err != nil {
		return 0, err
	}

	id, ok, err = r.lookup(ctx, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return id, nil
}

// EnsureLoaded populates the cache when it is empty.
func (r *Resolver) EnsureLoaded(ctx context.Context) error {
	n, err := r.rdb.HLen(ctx, CacheKey).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return r.load(ctx)
}

// Invalidate clears the cache; the next miss reloads it.
func (r *Resolver) Invalidate(ctx context.Context) error {
	return r.rdb.Del(ctx, CacheKey).Err()
}

// Watch invalidates the cache on every configuration-change signal until ctx
// ends.
func (r *Resolver) Watch(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, InvalidationChannel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.Invalidate(ctx); err != nil {
				r.log.Warn("event type cache invalidation failed", "error", err)
				continue
			}
			r.log.Info("event type cache invalidated")
		}
	}
}

// Signal publishes a configuration-change signal to every watcher.
func Signal(ctx context.Context, rdb redis.UniversalClient, reason string) error {
	return rdb.Publish(ctx, InvalidationChannel, reason).Err()
}

func (r *Resolver) lookup(ctx context.Context, name string) (int64, bool, error) {
	raw, err := r.rdb.HGet(ctx, CacheKey, name).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt event type id %q for %s: %w", raw, name, err)
	}
	return id, true, nil
}

func (r *Resolver) load(ctx context.Context) error {
	_, err, _ := r.group.Do("load", func() (interface{}, error) {
		types, err := r.lister.ListEventTypes(ctx)
		if err != nil {
			return nil, err
		}
		if len(types) == 0 {
			return nil, nil
		}

		values := make(map[string]interface{}, len(types))
		for _, et := range types {
			values[et.Name] = strconv.FormatInt(et.ID, 10)
		}
		if err := r.rdb.HSet(ctx, CacheKey, values).Err(); err != nil {
			return nil, err
		}
		r.log.Debug("event type cache loaded", "count", len(types))
		return nil, nil
	})
	return err
}
