// Package triggers turns configured triggers into compiled rules, keeps the
// topic -> trigger index and evaluates triggers for each inbound message.
package triggers

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"mole_automation/internal/domainstore"
	"mole_automation/internal/expr"
	"mole_automation/platform/apperr"
)

// Sentinels recognised in requested data.
const (
	EventSentinel = "$EVENT$"
	TimeSentinel  = "$TIME$"
)

var condVarPattern = regexp.MustCompile(`^(\w+) ?: ?(.+)\.(\w+)$`)

// ConditionVariable binds an expression variable to a field of the latest
// cached message on a topic.
type ConditionVariable struct {
	Name  string
	Topic string
	Field string
}

// ParseConditionVariable parses "<name> : <topic>.<field>". Slashes in the
// topic become underscores to match cache keys.
func ParseConditionVariable(raw string) (ConditionVariable, error) {
	m := condVarPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return ConditionVariable{}, apperr.Validation(fmt.Sprintf("malformed condition variable %q", raw))
	}
	return ConditionVariable{Name: m[1], Topic: NormalizeTopic(m[2]), Field: m[3]}, nil
}

// NormalizeTopic maps a configured topic name to its cache key form.
func NormalizeTopic(topic string) string {
	return strings.ReplaceAll(topic, "/", "_")
}

// SourceKind classifies a requested data descriptor.
type SourceKind int

const (
	SourceLookup SourceKind = iota
	SourceLiteral
	SourceEvent
	SourceTime
)

// Source describes where one requested data field comes from.
type Source struct {
	Kind    SourceKind
	Literal string
	Topic   string
	Field   string
}

// ParseSource parses a requested data descriptor: "[literal]", "$EVENT$",
// "$TIME$" or "topic.field".
func ParseSource(desc string) (Source, error) {
	switch {
	case desc == EventSentinel:
		return Source{Kind: SourceEvent}, nil
	case desc == TimeSentinel:
		return Source{Kind: SourceTime}, nil
	case strings.HasPrefix(desc, "["):
		return Source{Kind: SourceLiteral, Literal: strings.Trim(desc, "[]")}, nil
	}

	parts := strings.Split(desc, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Source{}, apperr.Validation(fmt.Sprintf("malformed requested data source %q", desc))
	}
	return Source{Kind: SourceLookup, Topic: NormalizeTopic(parts[0]), Field: parts[1]}, nil
}

// RequestedData is one output of a firing trigger.
type RequestedData struct {
	Destination string
	Fields      map[string]Source
	// Invalid holds fields whose descriptor did not parse; they are never sent.
	Invalid []string
}

// PatchesEvent reports whether the data belongs in the created event's
// metadata.
func (r RequestedData) PatchesEvent() bool {
	return r.Destination == EventSentinel
}

// Trigger is a configured rule with its condition compiled.
type Trigger struct {
	Key          string
	URL          string
	Condition    *expr.Program
	Variables    []ConditionVariable
	Requested    []RequestedData
	EventTypeURL string
	CreatesEvent bool
	IsActive     bool
	Transport    string
}

// FromDTO validates and compiles a trigger. Malformed condition variables or
// conditions are validation errors; malformed requested data fields are kept
// aside in RequestedData.Invalid.
func FromDTO(dto domainstore.TriggerDTO) (Trigger, error) {
	t := Trigger{
		Key:          dto.Key,
		URL:          dto.URL,
		EventTypeURL: dto.EventType,
		CreatesEvent: dto.CreatesEvent,
		IsActive:     dto.IsActive,
		Transport:    dto.TriggerTransport,
	}

	for _, raw := range dto.CondVars {
		cv, err := ParseConditionVariable(raw)
		if err != nil {
			return Trigger{}, fmt.Errorf("trigger %s: %w", dto.Key, err)
		}
		t.Variables = append(t.Variables, cv)
	}

	prog, err := expr.Compile(dto.Condition)
	if err != nil {
		return Trigger{}, apperr.Wrap(apperr.KindValidation, "invalid condition", err).WithOp("trigger " + dto.Key)
	}
	t.Condition = prog

	for _, rd := range dto.ReqData {
		out := RequestedData{Destination: rd.DestinationURL, Fields: make(map[string]Source, len(rd.Payload))}
		for field, desc := range rd.Payload {
			src, err := ParseSource(desc)
			if err != nil {
				out.Invalid = append(out.Invalid, field)
				continue
			}
			out.Fields[field] = src
		}
		sort.Strings(out.Invalid)
		t.Requested = append(t.Requested, out)
	}

	return t, nil
}

// ConditionTopics returns the topics the trigger's condition reads.
func (t Trigger) ConditionTopics() []string {
	set := make(map[string]struct{}, len(t.Variables))
	for _, v := range t.Variables {
		set[v.Topic] = struct{}{}
	}
	return sortedKeys(set)
}

// DataTopics returns the topics read only to fill requested data.
func (t Trigger) DataTopics() []string {
	set := make(map[string]struct{})
	for _, rd := range t.Requested {
		for _, src := range rd.Fields {
			if src.Kind == SourceLookup {
				set[src.Topic] = struct{}{}
			}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
