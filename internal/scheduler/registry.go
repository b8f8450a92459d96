package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RegistryKey is the Redis hash of pending scheduled messages.
const RegistryKey = "event_gen:scheduled_messages"

// Handle locates one scheduled message in the broker.
type Handle struct {
	Queue     string `json:"queue"`
	TaskID    string `json:"task_id"`
	DeliverAt int64  `json:"deliver_at"`
}

// Entry is one registry record.
type Entry struct {
	ID     string
	Handle Handle
}

// Registry tracks delayed messages that have not been delivered yet. Ids are
// UUIDv7 so sorting them yields creation order. A single hash is the only
// structure, so add and remove are each one atomic command.
type Registry struct {
	rdb redis.UniversalClient
}

func NewRegistry(rdb redis.UniversalClient) *Registry {
	return &Registry{rdb: rdb}
}

// NewID returns a fresh time-ordered registry id.
func (r *Registry) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Add records h under id.
func (r *Registry) Add(ctx context.Context, id string, h Handle) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, RegistryKey, id, data).Err()
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.HDel(ctx, RegistryKey, id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns every entry, oldest first.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	raw, err := r.rdb.HGetAll(ctx, RegistryKey).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		var h Handle
		if err := json.Unmarshal([]byte(raw[id]), &h); err != nil {
			return nil, fmt.Errorf("registry entry %s: %w", id, err)
		}
		out = append(out, Entry{ID: id, Handle: h})
	}
	return out, nil
}
