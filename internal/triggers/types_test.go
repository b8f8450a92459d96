package triggers

import (
	"testing"

	"mole_automation/internal/domainstore"
	"mole_automation/platform/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConditionVariable(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ConditionVariable
		wantErr bool
	}{
		{name: "spaced", raw: "a : gps.a", want: ConditionVariable{Name: "a", Topic: "gps", Field: "a"}},
		{name: "compact", raw: "speed:imu.speed", want: ConditionVariable{Name: "speed", Topic: "imu", Field: "speed"}},
		{name: "slashed topic", raw: "x : sensors/gps/fix.lat", want: ConditionVariable{Name: "x", Topic: "sensors_gps_fix", Field: "lat"}},
		{name: "dotted topic keeps last field", raw: "x : a.b.c", want: ConditionVariable{Name: "x", Topic: "a.b", Field: "c"}},
		{name: "missing field", raw: "x : gps", wantErr: true},
		{name: "bad name", raw: "x-y : gps.a", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConditionVariable(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.Is(err, apperr.KindValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		desc    string
		want    Source
		wantErr bool
	}{
		{desc: "$EVENT$", want: Source{Kind: SourceEvent}},
		{desc: "$TIME$", want: Source{Kind: SourceTime}},
		{desc: "[http://x/api/pose_sources/1/]", want: Source{Kind: SourceLiteral, Literal: "http://x/api/pose_sources/1/"}},
		{desc: "gps.lat", want: Source{Kind: SourceLookup, Topic: "gps", Field: "lat"}},
		{desc: "a/b.lat", want: Source{Kind: SourceLookup, Topic: "a_b", Field: "lat"}},
		{desc: "a.b.c", wantErr: true},
		{desc: "plain", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := ParseSource(tt.desc)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromDTO(t *testing.T) {
	dto := domainstore.TriggerDTO{
		Key:       "t1",
		Condition: "a == True and b > 2",
		CondVars:  []string{"a : gps.a", "b : imu.b", "c : gps.c"},
		ReqData: []domainstore.RequestedDataDTO{{
			DestinationURL: "$EVENT$",
			Payload:        map[string]string{"f1": "pose.x", "f2": "bogus"},
		}},
		EventType:    "http://x/api/event_types/1/",
		CreatesEvent: true,
		IsActive:     true,
	}

	tr, err := FromDTO(dto)
	require.NoError(t, err)
	assert.Equal(t, []string{"gps", "imu"}, tr.ConditionTopics())
	assert.Equal(t, []string{"pose"}, tr.DataTopics())
	require.Len(t, tr.Requested, 1)
	assert.True(t, tr.Requested[0].PatchesEvent())
	assert.Equal(t, []string{"f2"}, tr.Requested[0].Invalid)
}

func TestFromDTORejectsUnsafeCondition(t *testing.T) {
	_, err := FromDTO(domainstore.TriggerDTO{Key: "t1", Condition: "__import__('os')", CondVars: []string{"a : gps.a"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestFromDTORejectsMalformedVariable(t *testing.T) {
	_, err := FromDTO(domainstore.TriggerDTO{Key: "t1", Condition: "a", CondVars: []string{"nonsense"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
