package topiccache

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), rdb
}

func TestAppendSameMillisecondKeepsEveryMessage(t *testing.T) {
	c, rdb := newTestCache(t)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		id, err := c.Append(ctx, "gps", []byte(fmt.Sprintf(`{"i":%d}`, i)), 1700000000000)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("1700000000000-%d", i), id)
	}

	entries, err := rdb.XRange(ctx, Key("gps"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(e.Values[encodedField].(string)), &body))
		assert.EqualValues(t, i, body["i"])
	}
}

func TestLookupNeverSeesLaterMessages(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	times := []int64{1000, 2000, 3000, 4000}
	for i, ts := range times {
		_, err := c.Append(ctx, "gps", []byte(fmt.Sprintf(`{"speed":%d}`, i)), ts)
		require.NoError(t, err)

		for j := 0; j <= i; j++ {
			got, found, err := c.Lookup(ctx, "gps", "speed", times[j])
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, json.Number(fmt.Sprint(j)), got)
		}
	}

	_, found, err := c.Lookup(ctx, "gps", "speed", 999)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLookupReturnsNewestWithinMillisecond(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Append(ctx, "gps", []byte(`{"v":"first"}`), 1000)
	require.NoError(t, err)
	_, err = c.Append(ctx, "gps", []byte(`{"v":"second"}`), 1000)
	require.NoError(t, err)

	got, found, err := c.Lookup(ctx, "gps", "v", 1000)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", got)
}

func TestLookupMissingFieldIsNotFound(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Append(ctx, "gps", []byte(`{"a":true}`), 1000)
	require.NoError(t, err)

	_, found, err := c.Lookup(ctx, "gps", "b", 1000)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = c.Lookup(ctx, "other", "a", 1000)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAppendEnrichesWithPublishTime(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Append(ctx, "gps", []byte(`{"a":1}`), 1700000000123)
	require.NoError(t, err)

	msg, found, err := c.Latest(ctx, "gps", 1700000000123)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, json.Number("1700000000123"), msg["published_datetime_stamp"])
	assert.Equal(t, "2023-11-14T22:13:20.123Z", msg["published_datetime"])
}

func TestAppendOlderThanHeadIsOutOfOrder(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Append(ctx, "gps", []byte(`{"a":1}`), 2000)
	require.NoError(t, err)

	_, err = c.Append(ctx, "gps", []byte(`{"a":0}`), 1000)
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestAppendRejectsNonJSON(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Append(context.Background(), "gps", []byte(`not json`), 1000)
	require.ErrorIs(t, err, ErrMalformed)
}
