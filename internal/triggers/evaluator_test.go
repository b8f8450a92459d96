package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"mole_automation/internal/domainstore"
	"mole_automation/platform/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedEntry struct {
	millis int64
	fields map[string]any
}

type fakeCache struct {
	topics map[string][]cachedEntry
}

func newFakeCache() *fakeCache {
	return &fakeCache{topics: make(map[string][]cachedEntry)}
}

func (c *fakeCache) put(topic string, millis int64, body string) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		panic(err)
	}
	c.topics[topic] = append(c.topics[topic], cachedEntry{millis: millis, fields: fields})
}

func (c *fakeCache) Lookup(_ context.Context, topic, field string, asOf int64) (any, bool, error) {
	entries := c.topics[topic]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].millis <= asOf {
			v, ok := entries[i].fields[field]
			return v, ok, nil
		}
	}
	return nil, false, nil
}

type fakeIndex map[string][]string

func (f fakeIndex) KeysForTopic(_ context.Context, topic string) ([]string, error) {
	return f[topic], nil
}

type fakeStore struct {
	mu        sync.Mutex
	triggers  map[string]domainstore.TriggerDTO
	created   []domainstore.CreateEventRequest
	patches   map[int64][]map[string]any
	posts     map[string][]map[string]any
	createErr error
	nextID    int64
}

func newFakeStore(dtos ...domainstore.TriggerDTO) *fakeStore {
	s := &fakeStore{
		triggers: make(map[string]domainstore.TriggerDTO),
		patches:  make(map[int64][]map[string]any),
		posts:    make(map[string][]map[string]any),
		nextID:   100,
	}
	for _, d := range dtos {
		s.triggers[d.Key] = d
	}
	return s
}

func (s *fakeStore) TriggersByKey(_ context.Context, keys []string) ([]domainstore.TriggerDTO, error) {
	var out []domainstore.TriggerDTO
	for _, k := range keys {
		if d, ok := s.triggers[k]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateEvent(_ context.Context, req domainstore.CreateEventRequest) (domainstore.EventResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return domainstore.EventResponse{}, s.createErr
	}
	s.created = append(s.created, req)
	s.nextID++
	return domainstore.EventResponse{ID: s.nextID, URL: s.EventURL(s.nextID)}, nil
}

func (s *fakeStore) PatchEventMetadata(_ context.Context, id int64, md map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches[id] = append(s.patches[id], md)
	return nil
}

func (s *fakeStore) PostJSON(_ context.Context, dest string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[dest] = append(s.posts[dest], payload)
	return nil
}

func (s *fakeStore) EventURL(id int64) string     { return fmt.Sprintf("http://store/api/events/%d/", id) }
func (s *fakeStore) EventTypeURL(id int64) string { return fmt.Sprintf("http://store/api/event_types/%d/", id) }

type fakeTypes map[string]int64

func (f fakeTypes) Resolve(_ context.Context, name string) (int64, error) {
	id, ok := f[name]
	if !ok {
		return 0, errors.New("event type not found")
	}
	return id, nil
}

type fakeResponses struct {
	published [][]byte
}

func (f *fakeResponses) Publish(_ context.Context, _ string, payload []byte) (string, error) {
	f.published = append(f.published, payload)
	return "1-0", nil
}

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestEvaluator(idx fakeIndex, cache *fakeCache, store *fakeStore, opts ...EvaluatorOption) *Evaluator {
	opts = append(opts, WithClock(func() time.Time { return fixedNow }))
	return NewEvaluator(idx, cache, store, fakeTypes{"Run Start": 7}, logger.Nop(), opts...)
}

func boolTrigger(key, eventType string) domainstore.TriggerDTO {
	return domainstore.TriggerDTO{
		Key:          key,
		URL:          "http://store/api/triggers/" + key + "/",
		Condition:    "a == True",
		CondVars:     []string{"a : X.a"},
		EventType:    eventType,
		CreatesEvent: true,
		IsActive:     true,
	}
}

func TestBooleanTriggerCreatesExactlyOneEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{name: "true", payload: `{"a": true}`, want: 1},
		{name: "false", payload: `{"a": false}`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newFakeCache()
			store := newFakeStore(boolTrigger("t1", "http://store/api/event_types/1/"))
			ev := newTestEvaluator(fakeIndex{"X": {"t1"}}, cache, store)

			cache.put("X", 1000, tt.payload)
			fired, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(tt.payload)})
			require.NoError(t, err)
			assert.Len(t, store.created, tt.want)
			assert.Len(t, fired, tt.want)
		})
	}
}

func TestTriggersOnSameTopicKeepTheirOwnEventType(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore(
		boolTrigger("t1", "http://store/api/event_types/1/"),
		boolTrigger("t2", "http://store/api/event_types/2/"),
	)
	ev := newTestEvaluator(fakeIndex{"X": {"t1", "t2"}}, cache, store)

	cache.put("X", 1000, `{"a": true}`)
	_, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(`{"a": true}`)})
	require.NoError(t, err)

	require.Len(t, store.created, 2)
	types := []string{store.created[0].EventType, store.created[1].EventType}
	sort.Strings(types)
	assert.Equal(t, []string{"http://store/api/event_types/1/", "http://store/api/event_types/2/"}, types)
}

func TestMessageEventTypeOverridesDefault(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore(boolTrigger("t1", "http://store/api/event_types/1/"))
	ev := newTestEvaluator(fakeIndex{"X": {"t1"}}, cache, store)

	body := `{"a": true, "event_type": "Run Start", "start_datetime": "2026-01-01T00:00:00Z"}`
	cache.put("X", 1000, body)
	_, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(body)})
	require.NoError(t, err)

	require.Len(t, store.created, 1)
	assert.Equal(t, "http://store/api/event_types/7/", store.created[0].EventType)
	assert.Equal(t, "2026-01-01T00:00:00Z", store.created[0].StartDatetime)
	assert.Equal(t, "http://store/api/triggers/t1/", store.created[0].Trigger)
}

func TestUnknownMessageEventTypeSkipsTrigger(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore(boolTrigger("t1", "http://store/api/event_types/1/"))
	ev := newTestEvaluator(fakeIndex{"X": {"t1"}}, cache, store)

	body := `{"a": true, "event_type": "Nope"}`
	cache.put("X", 1000, body)
	fired, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(body)})
	require.NoError(t, err)
	assert.Empty(t, fired)
	assert.Empty(t, store.created)
}

func TestStartTimeDefaultsToNow(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore(boolTrigger("t1", "http://store/api/event_types/1/"))
	ev := newTestEvaluator(fakeIndex{"X": {"t1"}}, cache, store)

	cache.put("X", 1000, `{"a": true}`)
	_, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(`{"a": true}`)})
	require.NoError(t, err)
	require.Len(t, store.created, 1)
	assert.Equal(t, "2026-01-02T03:04:05Z", store.created[0].StartDatetime)
}

func TestMissingVariableFailsClosed(t *testing.T) {
	cache := newFakeCache()
	dto := boolTrigger("t1", "http://store/api/event_types/1/")
	dto.Condition = "a == True or b == True"
	dto.CondVars = []string{"a : X.a", "b : Y.b"}
	store := newFakeStore(dto)
	ev := newTestEvaluator(fakeIndex{"X": {"t1"}}, cache, store)

	cache.put("X", 1000, `{"a": true}`)
	fired, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(`{"a": true}`)})
	require.NoError(t, err)
	assert.Empty(t, fired)
	assert.Empty(t, store.created)
}

func TestEvaluationUsesStateAsOfPublishTime(t *testing.T) {
	cache := newFakeCache()
	dto := boolTrigger("t1", "http://store/api/event_types/1/")
	dto.Condition = "a == True and b > 5"
	dto.CondVars = []string{"a : X.a", "b : Y.b"}
	store := newFakeStore(dto)
	ev := newTestEvaluator(fakeIndex{"X": {"t1"}}, cache, store)

	cache.put("Y", 900, `{"b": 1}`)
	cache.put("X", 1000, `{"a": true}`)
	cache.put("Y", 1100, `{"b": 10}`)

	fired, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(`{"a": true}`)})
	require.NoError(t, err)
	assert.Empty(t, fired)
}

func TestNonBooleanConditionIsSkipped(t *testing.T) {
	cache := newFakeCache()
	dto := boolTrigger("t1", "http://store/api/event_types/1/")
	dto.Condition = "a + 1"
	store := newFakeStore(dto, boolTrigger("t2", "http://store/api/event_types/2/"))
	ev := newTestEvaluator(fakeIndex{"X": {"t1", "t2"}}, cache, store)

	cache.put("X", 1000, `{"a": true}`)
	fired, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(`{"a": true}`)})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "t2", fired[0].TriggerKey)
}

func TestRequestedDataBatchedIntoOnePatch(t *testing.T) {
	newSetup := func() (*fakeCache, *fakeStore, *Evaluator) {
		cache := newFakeCache()
		dto := boolTrigger("t1", "http://store/api/event_types/1/")
		dto.ReqData = []domainstore.RequestedDataDTO{
			{DestinationURL: "$EVENT$", Payload: map[string]string{"f1": "topicA.x"}},
			{DestinationURL: "$EVENT$", Payload: map[string]string{"f2": "topicB.y"}},
		}
		store := newFakeStore(dto)
		return cache, store, newTestEvaluator(fakeIndex{"X": {"t1"}}, cache, store)
	}

	t.Run("all sources cached", func(t *testing.T) {
		cache, store, ev := newSetup()
		cache.put("topicA", 500, `{"x": 1}`)
		cache.put("topicB", 600, `{"y": 2}`)
		cache.put("X", 1000, `{"a": true}`)

		fired, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(`{"a": true}`)})
		require.NoError(t, err)
		require.Len(t, fired, 1)

		patches := store.patches[fired[0].EventID]
		require.Len(t, patches, 1)
		raw, err := json.Marshal(patches[0])
		require.NoError(t, err)
		assert.JSONEq(t, `{"f1":1,"f2":2}`, string(raw))
	})

	t.Run("missing source dropped", func(t *testing.T) {
		cache, store, ev := newSetup()
		cache.put("topicA", 500, `{"x": 1}`)
		cache.put("X", 1000, `{"a": true}`)

		fired, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(`{"a": true}`)})
		require.NoError(t, err)
		require.Len(t, fired, 1)

		patches := store.patches[fired[0].EventID]
		require.Len(t, patches, 1)
		raw, err := json.Marshal(patches[0])
		require.NoError(t, err)
		assert.JSONEq(t, `{"f1":1}`, string(raw))
	})
}

func TestRequestedDataToExternalDestination(t *testing.T) {
	cache := newFakeCache()
	dto := boolTrigger("t1", "http://store/api/event_types/1/")
	dto.ReqData = []domainstore.RequestedDataDTO{{
		DestinationURL: "http://store/api/poses/",
		Payload: map[string]string{
			"event":  "$EVENT$",
			"time":   "$TIME$",
			"source": "[http://store/api/pose_sources/1/]",
			"lat":    "gps.lat",
		},
	}}
	store := newFakeStore(dto)
	ev := newTestEvaluator(fakeIndex{"X": {"t1"}}, cache, store)

	cache.put("gps", 900, `{"lat": 12.5}`)
	cache.put("X", 1000, `{"a": true}`)
	fired, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(`{"a": true}`)})
	require.NoError(t, err)
	require.Len(t, fired, 1)

	posts := store.posts["http://store/api/poses/"]
	require.Len(t, posts, 1)
	assert.Equal(t, store.EventURL(fired[0].EventID), posts[0]["event"])
	assert.Equal(t, "2026-01-02T03:04:05Z", posts[0]["time"])
	assert.Equal(t, "http://store/api/pose_sources/1/", posts[0]["source"])
	assert.Equal(t, json.Number("12.5"), posts[0]["lat"])
	assert.Empty(t, store.patches)
}

func TestProvidedPKReusedWhenTriggerDoesNotCreate(t *testing.T) {
	cache := newFakeCache()
	dto := boolTrigger("t1", "")
	dto.CreatesEvent = false
	dto.ReqData = []domainstore.RequestedDataDTO{{DestinationURL: "$EVENT$", Payload: map[string]string{"f": "[v]"}}}
	store := newFakeStore(dto)
	ev := newTestEvaluator(fakeIndex{"X": {"t1"}}, cache, store)

	body := `{"a": true, "provided_pk": 55}`
	cache.put("X", 1000, body)
	fired, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(body)})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, int64(55), fired[0].EventID)
	assert.Empty(t, store.created)
	assert.Equal(t, []map[string]any{{"f": "v"}}, store.patches[55])
}

func TestStoreFailureDegradesToNoop(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore(boolTrigger("t1", "http://store/api/event_types/1/"))
	store.createErr = errors.New("connection refused")
	ev := newTestEvaluator(fakeIndex{"X": {"t1"}}, cache, store)

	cache.put("X", 1000, `{"a": true}`)
	fired, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(`{"a": true}`)})
	require.NoError(t, err)
	assert.Empty(t, fired)
}

func TestUnindexedTopicIsNoop(t *testing.T) {
	store := newFakeStore()
	ev := newTestEvaluator(fakeIndex{}, newFakeCache(), store)

	fired, err := ev.Handle(context.Background(), Message{Topic: "nobody", PublishMillis: 1, Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Empty(t, fired)
}

func TestFiringsArePublished(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore(boolTrigger("t1", "http://store/api/event_types/1/"))
	out := &fakeResponses{}
	ev := newTestEvaluator(fakeIndex{"X": {"t1"}}, cache, store, WithResponses(out, "trigger_responses"))

	cache.put("X", 1000, `{"a": true}`)
	_, err := ev.Handle(context.Background(), Message{Topic: "X", PublishMillis: 1000, Payload: []byte(`{"a": true}`)})
	require.NoError(t, err)

	require.Len(t, out.published, 1)
	assert.JSONEq(t, `{"trigger_key":"t1","event_id":101}`, string(out.published[0]))
}
