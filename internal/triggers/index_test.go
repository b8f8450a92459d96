package triggers

import (
	"context"
	"testing"

	"mole_automation/internal/domainstore"
	"mole_automation/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewIndex(rdb, logger.Nop())
}

func TestIndexRebuild(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	topics, err := idx.Rebuild(ctx, []domainstore.TriggerDTO{
		{Key: "active", Condition: "a", CondVars: []string{"a : gps.a"}, IsActive: true},
		{Key: "inactive", Condition: "a", CondVars: []string{"a : imu.a"}},
		{Key: "broken", Condition: "a ==", CondVars: []string{"a : lidar.a"}, IsActive: true},
		{
			Key: "data", Condition: "a", CondVars: []string{"a : gps.a"}, IsActive: true,
			ReqData: []domainstore.RequestedDataDTO{{DestinationURL: "$EVENT$", Payload: map[string]string{"x": "pose.x"}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gps", "imu", "pose"}, topics)

	keys, err := idx.KeysForTopic(ctx, "gps")
	require.NoError(t, err)
	assert.Equal(t, []string{"active", "data"}, keys)

	keys, err = idx.KeysForTopic(ctx, "imu")
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = idx.KeysForTopic(ctx, "pose")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestIndexRebuildDropsStaleTopics(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	_, err := idx.Rebuild(ctx, []domainstore.TriggerDTO{
		{Key: "old", Condition: "a", CondVars: []string{"a : gps.a"}, IsActive: true},
	})
	require.NoError(t, err)

	_, err = idx.Rebuild(ctx, []domainstore.TriggerDTO{
		{Key: "new", Condition: "a", CondVars: []string{"a : imu.a"}, IsActive: true},
	})
	require.NoError(t, err)

	keys, err := idx.KeysForTopic(ctx, "gps")
	require.NoError(t, err)
	assert.Empty(t, keys)

	all, err := idx.allTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"imu"}, all)
}

func TestIndexRebuildEmpty(t *testing.T) {
	idx := newTestIndex(t)

	topics, err := idx.Rebuild(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, topics)
}
