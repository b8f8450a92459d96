package triggers

import (
	"context"
	"fmt"
	"sort"

	"mole_automation/internal/domainstore"
	"mole_automation/platform/logger"

	"github.com/redis/go-redis/v9"
)

const (
	allTopicsKey      = "event_gen:all_topics"
	topicTriggersBase = "event_gen:topic_triggers:"
)

// Index maps topics to the keys of the active triggers whose conditions read
// them. It lives in Redis so every evaluator process shares it.
type Index struct {
	rdb redis.UniversalClient
	log *logger.Logger
}

func NewIndex(rdb redis.UniversalClient, log *logger.Logger) *Index {
	return &Index{rdb: rdb, log: log}
}

// Rebuild replaces the index with one computed from dtos and returns every
// topic to subscribe to: condition topics of all triggers plus requested data
// topics. Only active triggers are listed against a topic. Triggers that fail
// to parse are logged and skipped.
func (i *Index) Rebuild(ctx context.Context, dtos []domainstore.TriggerDTO) ([]string, error) {
	topics := make(map[string]struct{})
	byTopic := make(map[string][]string)

	for _, dto := range dtos {
		t, err := FromDTO(dto)
		if err != nil {
			i.log.Warn("skipping malformed trigger", "trigger_key", dto.Key, "error", err)
			continue
		}
		for _, topic := range t.ConditionTopics() {
			topics[topic] = struct{}{}
			if t.IsActive {
				byTopic[topic] = append(byTopic[topic], t.Key)
			}
		}
		for _, topic := range t.DataTopics() {
			topics[topic] = struct{}{}
		}
	}

	previous, err := i.allTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("read topic index: %w", err)
	}

	_, err = i.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, allTopicsKey)
		for _, topic := range previous {
			pipe.Del(ctx, topicTriggersBase+topic)
		}
		for topic := range topics {
			pipe.SAdd(ctx, allTopicsKey, topic)
		}
		for topic, keys := range byTopic {
			members := make([]interface{}, len(keys))
			for n, k := range keys {
				members[n] = k
			}
			pipe.SAdd(ctx, topicTriggersBase+topic, members...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("write topic index: %w", err)
	}

	out := sortedKeys(topics)
	i.log.Info("topic index rebuilt", "topics", len(out), "triggers", len(dtos))
	return out, nil
}

// KeysForTopic returns the active trigger keys that depend on topic.
func (i *Index) KeysForTopic(ctx context.Context, topic string) ([]string, error) {
	keys, err := i.rdb.SMembers(ctx, topicTriggersBase+topic).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// allTopics returns every indexed topic.
func (i *Index) allTopics(ctx context.Context) ([]string, error) {
	topics, err := i.rdb.SMembers(ctx, allTopicsKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(topics)
	return topics, nil
}
