package scripts

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: ``, want: `{}`},
		{in: `{"a":1,"b":[1,2]}`, want: `{"a": 1, "b": [1, 2]}`},
		{in: `{"note":"x, y: z"}`, want: `{"note": "x, y: z"}`},
		{in: `{"city":"Zürich"}`, want: `{"city": "Z\u00fcrich"}`},
		{in: `{"q":"say \"hi\""}`, want: `{"q": "say \"hi\""}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MetadataText(json.RawMessage(tt.in)), tt.in)
	}
}

func TestConditionClausesAreAlternatives(t *testing.T) {
	store := newFakeStore()
	store.history = []pastEvent{{typeID: typeCalibrated, metadata: `{"Lane": "North"}`}}
	ev := runStart(`{}`)
	ctx := context.Background()

	c := Condition{
		ID:                      1,
		TrialHasEvent:           ptr(typeCalibrated),
		EventMetadataContains:   "south",
		TriggerMetadataExcludes: "abort",
	}
	ok, err := c.Evaluate(ctx, store, ev, MetadataText(ev.Metadata))
	require.NoError(t, err)
	assert.True(t, ok)

	c.TriggerMetadataExcludes = ""
	ok, err = c.Evaluate(ctx, store, ev, MetadataText(ev.Metadata))
	require.NoError(t, err)
	assert.False(t, ok)

	c.EventMetadataContains = "NORTH"
	ok, err = c.Evaluate(ctx, store, ev, MetadataText(ev.Metadata))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEmptyConditionSetPasses(t *testing.T) {
	ok, err := ConditionSet{}.Evaluate(context.Background(), newFakeStore(), runStart(`{}`), "{}")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFlatten(t *testing.T) {
	nodes := map[int64]ScriptedEvent{
		1: node(1, "A", 0, ptr(int64(2))),
		2: node(2, "B", 0, ptr(int64(3))),
		3: node(3, "C", 0, nil),
	}
	chain, err := Flatten(1, nodes)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "C", chain[2].EventTypeName)

	nodes[3] = node(3, "C", 0, ptr(int64(1)))
	_, err = Flatten(1, nodes)
	assert.ErrorIs(t, err, ErrCyclicChain)

	_, err = Flatten(7, nodes)
	assert.ErrorIs(t, err, ErrBrokenChain)
}
