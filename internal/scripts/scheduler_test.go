package scripts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"mole_automation/internal/scheduler"
	"mole_automation/platform/apperr"
	"mole_automation/platform/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	typeRunStart   int64 = 1
	typeRunEnd     int64 = 2
	typeAbort      int64 = 3
	typeCalibrated int64 = 4
)

type pastEvent struct {
	typeID   int64
	metadata string
}

type fakeStore struct {
	scripts []Script
	history []pastEvent
	counts  map[int64]int
}

func newFakeStore(scripts ...Script) *fakeStore {
	return &fakeStore{scripts: scripts, counts: map[int64]int{}}
}

func (f *fakeStore) ScriptsForTrial(context.Context, int64) ([]Script, error) {
	return f.scripts, nil
}

func (f *fakeStore) EnsureRunCounts(_ context.Context, _ int64, ids []int64) error {
	for _, id := range ids {
		if _, ok := f.counts[id]; !ok {
			f.counts[id] = 0
		}
	}
	return nil
}

func (f *fakeStore) RunCount(_ context.Context, _ int64, scriptID int64) (int, error) {
	return f.counts[scriptID], nil
}

func (f *fakeStore) IncrementRunCount(_ context.Context, _ int64, scriptID int64) (int, error) {
	f.counts[scriptID]++
	return f.counts[scriptID], nil
}

func (f *fakeStore) TrialHasEvent(_ context.Context, _ int64, typeID int64, contains, excludes string) (bool, error) {
	for _, e := range f.history {
		if e.typeID != typeID {
			continue
		}
		text := strings.ToLower(e.metadata)
		if contains != "" && !strings.Contains(text, strings.ToLower(contains)) {
			continue
		}
		if excludes != "" && strings.Contains(text, strings.ToLower(excludes)) {
			continue
		}
		return true, nil
	}
	return false, nil
}

type fakePublisher struct {
	published []scheduler.ScriptEventPayload
	cancels   int
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, p scheduler.ScriptEventPayload) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, p)
	return nil
}

func (f *fakePublisher) CancelAll(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.cancels++
	return nil
}

func trialURL(id int64) string {
	return fmt.Sprintf("http://store/api/trials/%d/", id)
}

var modified = time.Date(2026, 1, 2, 3, 4, 5, 600_000_000, time.UTC)

func runStart(metadata string) Event {
	return Event{
		ID:            10,
		TrialID:       9,
		EventTypeID:   typeRunStart,
		EventTypeName: "Run Start",
		Metadata:      json.RawMessage(metadata),
		Modified:      modified,
	}
}

func node(id int64, typeName string, delay int64, next *int64) ScriptedEvent {
	return ScriptedEvent{ID: id, EventTypeName: typeName, DelaySeconds: delay, NextID: next}
}

func ptr[T any](v T) *T { return &v }

func newScheduler(store Store, pub Publisher) *Scheduler {
	return NewScheduler(store, pub, trialURL, logger.Nop())
}

func TestScheduleChainAccumulatesDelays(t *testing.T) {
	sc := Script{
		ID:                   1,
		InitiatingEventTypes: []int64{typeRunStart},
		Chain: []ScriptedEvent{
			node(1, "Beacon", 0, nil),
			node(2, "Checkpoint", 10, nil),
			node(3, "Run End", 20, nil),
		},
	}
	pub := &fakePublisher{}

	res, err := newScheduler(newFakeStore(sc), pub).Schedule(context.Background(), runStart(`{}`))
	require.NoError(t, err)

	require.Len(t, pub.published, 3)
	base := modified.Unix() * 1000
	assert.Zero(t, pub.published[0].DeliverAt)
	assert.Equal(t, base+10_000, pub.published[1].DeliverAt)
	assert.Equal(t, base+30_000, pub.published[2].DeliverAt)
	for _, p := range pub.published {
		assert.Equal(t, "http://store/api/trials/9/", p.Trial)
	}
	assert.Equal(t, Result{Immediate: 1, Delayed: 2, Runs: 1}, res)
}

func TestScheduleIgnoresOtherEventTypes(t *testing.T) {
	sc := Script{ID: 1, InitiatingEventTypes: []int64{typeRunEnd}, Chain: []ScriptedEvent{node(1, "Beacon", 0, nil)}}
	pub := &fakePublisher{}

	res, err := newScheduler(newFakeStore(sc), pub).Schedule(context.Background(), runStart(`{}`))
	require.NoError(t, err)
	assert.Empty(t, pub.published)
	assert.Zero(t, res.Runs)
}

func TestScheduleRunLimit(t *testing.T) {
	sc := Script{
		ID:                   1,
		InitiatingEventTypes: []int64{typeRunStart},
		RunLimit:             ptr(1),
		Chain:                []ScriptedEvent{node(1, "Beacon", 0, nil)},
	}
	store := newFakeStore(sc)
	pub := &fakePublisher{}
	s := newScheduler(store, pub)
	ctx := context.Background()

	_, err := s.Schedule(ctx, runStart(`{}`))
	require.NoError(t, err)
	_, err = s.Schedule(ctx, runStart(`{}`))
	require.NoError(t, err)

	assert.Len(t, pub.published, 1)
	assert.Equal(t, 1, store.counts[1])
}

func TestScheduleAutoRepeatRunsPastRunLimit(t *testing.T) {
	sc := Script{
		ID:                   1,
		InitiatingEventTypes: []int64{typeRunStart},
		RunLimit:             ptr(3),
		AutoRepeatCount:      4,
		Chain:                []ScriptedEvent{node(1, "Beacon", 60, nil)},
	}
	store := newFakeStore(sc)
	pub := &fakePublisher{}
	sched := newScheduler(store, pub)

	res, err := sched.Schedule(context.Background(), runStart(`{}`))
	require.NoError(t, err)

	require.Len(t, pub.published, 5)
	base := modified.Unix() * 1000
	for i, msg := range pub.published {
		assert.Equal(t, base+int64(i+1)*60_000, msg.DeliverAt)
	}
	assert.Equal(t, 5, res.Runs)
	assert.Equal(t, 5, store.counts[1])

	// The limit still blocks the next initiating event.
	res, err = sched.Schedule(context.Background(), runStart(`{}`))
	require.NoError(t, err)
	assert.Zero(t, res.Runs)
	assert.Len(t, pub.published, 5)
}

func TestScheduleRepeatStopsWhenHeadFails(t *testing.T) {
	sc := Script{
		ID:                   1,
		InitiatingEventTypes: []int64{typeRunStart},
		AutoRepeatCount:      3,
		Chain: []ScriptedEvent{
			{
				ID:            1,
				EventTypeName: "Beacon",
				Conditions: ConditionSet{Conditions: []Condition{
					{ID: 1, TriggerMetadataContains: "armed"},
				}},
			},
			node(2, "Run End", 5, nil),
		},
	}
	pub := &fakePublisher{}

	res, err := newScheduler(newFakeStore(sc), pub).Schedule(context.Background(), runStart(`{"state": "idle"}`))
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	assert.Equal(t, "Run End", pub.published[0].EventType)
	assert.Equal(t, 1, res.Runs)
}

func TestScheduleDelayResetsBetweenScripts(t *testing.T) {
	first := Script{ID: 1, InitiatingEventTypes: []int64{typeRunStart}, Chain: []ScriptedEvent{node(1, "A", 30, nil)}}
	second := Script{ID: 2, InitiatingEventTypes: []int64{typeRunStart}, Chain: []ScriptedEvent{node(2, "B", 5, nil)}}
	pub := &fakePublisher{}

	_, err := newScheduler(newFakeStore(first, second), pub).Schedule(context.Background(), runStart(`{}`))
	require.NoError(t, err)

	require.Len(t, pub.published, 2)
	assert.Equal(t, modified.Unix()*1000+5_000, pub.published[1].DeliverAt)
}

func TestScheduleConditionSets(t *testing.T) {
	calibrated := Condition{ID: 1, TrialHasEvent: ptr(typeCalibrated)}
	armed := Condition{ID: 2, TriggerMetadataContains: "armed"}

	tests := []struct {
		name      string
		passIfAny bool
		metadata  string
		want      int
	}{
		{name: "all passes when every condition holds", metadata: `{"armed": true}`, want: 1},
		{name: "all fails when one condition fails", metadata: `{}`, want: 0},
		{name: "any passes when one condition holds", passIfAny: true, metadata: `{}`, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := Script{
				ID:                   1,
				InitiatingEventTypes: []int64{typeRunStart},
				Conditions:           ConditionSet{Conditions: []Condition{calibrated, armed}, PassIfAny: tt.passIfAny},
				Chain:                []ScriptedEvent{node(1, "Beacon", 0, nil)},
			}
			store := newFakeStore(sc)
			store.history = []pastEvent{{typeID: typeCalibrated, metadata: `{}`}}
			pub := &fakePublisher{}

			_, err := newScheduler(store, pub).Schedule(context.Background(), runStart(tt.metadata))
			require.NoError(t, err)
			assert.Len(t, pub.published, tt.want)
		})
	}
}

func TestScheduleCancellingEventPublishesCancel(t *testing.T) {
	sc := Script{
		ID:                    1,
		InitiatingEventTypes:  []int64{typeRunStart},
		CancellingEventTypeID: ptr(typeAbort),
		Chain:                 []ScriptedEvent{node(1, "Beacon", 10, nil)},
	}
	pub := &fakePublisher{}
	ev := runStart(`{}`)
	ev.EventTypeID = typeAbort

	res, err := newScheduler(newFakeStore(sc), pub).Schedule(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, 1, pub.cancels)
	assert.Empty(t, pub.published)
	assert.Equal(t, 1, res.Cancels)
}

func TestScheduleMissingEventUsesItsOwnType(t *testing.T) {
	sc := Script{
		ID:                   1,
		InitiatingEventTypes: []int64{typeRunStart},
		Conditions: ConditionSet{Conditions: []Condition{
			{ID: 1, TrialMissingEvent: ptr(typeRunEnd)},
		}},
		Chain: []ScriptedEvent{node(1, "Beacon", 0, nil)},
	}
	store := newFakeStore(sc)
	store.history = []pastEvent{{typeID: typeRunEnd, metadata: `{}`}}
	pub := &fakePublisher{}

	_, err := newScheduler(store, pub).Schedule(context.Background(), runStart(`{}`))
	require.NoError(t, err)
	assert.Empty(t, pub.published)

	store.history = []pastEvent{{typeID: typeCalibrated, metadata: `{}`}}
	_, err = newScheduler(store, pub).Schedule(context.Background(), runStart(`{}`))
	require.NoError(t, err)
	assert.Len(t, pub.published, 1)
}

func TestScheduleCopiesTriggerMetadataOverNodeMetadata(t *testing.T) {
	sc := Script{
		ID:                   1,
		InitiatingEventTypes: []int64{typeRunStart},
		Chain: []ScriptedEvent{{
			ID:                  1,
			EventTypeName:       "Beacon",
			AddEventMetadata:    map[string]any{"source": "script", "lane": "A"},
			CopyTriggerMetadata: true,
		}},
	}
	pub := &fakePublisher{}

	_, err := newScheduler(newFakeStore(sc), pub).Schedule(context.Background(), runStart(`{"source": "operator", "speed": 12}`))
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	assert.Equal(t, map[string]any{
		"source": "operator",
		"lane":   "A",
		"speed":  json.Number("12"),
	}, pub.published[0].Metadata)
}

func TestScheduleBrokerUnavailable(t *testing.T) {
	sc := Script{ID: 1, InitiatingEventTypes: []int64{typeRunStart}, Chain: []ScriptedEvent{node(1, "Beacon", 0, nil)}}
	store := newFakeStore(sc)
	pub := &fakePublisher{err: errors.New("connection refused")}

	_, err := newScheduler(store, pub).Schedule(context.Background(), runStart(`{}`))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
	assert.Zero(t, store.counts[1])
}

func TestScheduleWithoutScripts(t *testing.T) {
	pub := &fakePublisher{}
	res, err := newScheduler(newFakeStore(), pub).Schedule(context.Background(), runStart(`{}`))
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, pub.published)
}
