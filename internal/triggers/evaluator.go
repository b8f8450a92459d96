package triggers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"time"

	"mole_automation/internal/domainstore"
	"mole_automation/internal/expr"
	"mole_automation/platform/logger"
	"mole_automation/platform/metrics"
)

// Message is one inbound topic message as handed over by the topic cache.
type Message struct {
	Topic         string
	PublishMillis int64
	Payload       []byte
}

// Firing is the result of one trigger passing for a message.
type Firing struct {
	TriggerKey string `json:"trigger_key"`
	EventID    int64  `json:"event_id,omitempty"`
}

// CacheReader reads point-in-time values from the topic cache.
type CacheReader interface {
	Lookup(ctx context.Context, topic, field string, asOfMillis int64) (any, bool, error)
}

// KeyIndex lists the active trigger keys depending on a topic.
type KeyIndex interface {
	KeysForTopic(ctx context.Context, topic string) ([]string, error)
}

// Store is the part of the domain store the evaluator writes to.
type Store interface {
	TriggersByKey(ctx context.Context, keys []string) ([]domainstore.TriggerDTO, error)
	CreateEvent(ctx context.Context, req domainstore.CreateEventRequest) (domainstore.EventResponse, error)
	PatchEventMetadata(ctx context.Context, id int64, metadata map[string]any) error
	PostJSON(ctx context.Context, destination string, payload map[string]any) error
	EventURL(id int64) string
	EventTypeURL(id int64) string
}

// TypeResolver maps event type names to ids.
type TypeResolver interface {
	Resolve(ctx context.Context, name string) (int64, error)
}

// ResponsePublisher emits firing results.
type ResponsePublisher interface {
	Publish(ctx context.Context, stream string, payload []byte) (string, error)
}

// Evaluator runs the configured triggers against inbound messages.
type Evaluator struct {
	index          KeyIndex
	cache          CacheReader
	store          Store
	types          TypeResolver
	responses      ResponsePublisher
	responseStream string
	log            *logger.Logger
	now            func() time.Time
}

// EvaluatorOption customises an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithResponses publishes every firing to stream.
func WithResponses(p ResponsePublisher, stream string) EvaluatorOption {
	return func(e *Evaluator) {
		e.responses = p
		e.responseStream = stream
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

func NewEvaluator(index KeyIndex, cache CacheReader, store Store, types TypeResolver, log *logger.Logger, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		index: index,
		cache: cache,
		store: store,
		types: types,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle evaluates every trigger depending on msg's topic. Failures of one
// trigger never stop the others; only an unreadable index is returned as an
// error.
func (e *Evaluator) Handle(ctx context.Context, msg Message) ([]Firing, error) {
	log := e.log.WithTopic(msg.Topic)

	keys, err := e.index.KeysForTopic(ctx, msg.Topic)
	if err != nil {
		return nil, fmt.Errorf("triggers for topic %s: %w", msg.Topic, err)
	}
	if len(keys) == 0 {
		log.Debug("no triggers for topic")
		return nil, nil
	}

	inbound := decodeInbound(msg.Payload)

	dtos, err := e.store.TriggersByKey(ctx, keys)
	if err != nil {
		log.UpstreamError("fetch triggers", err)
		return nil, nil
	}

	var fired []Firing
	for _, dto := range dtos {
		f, ok := e.evaluate(ctx, log, dto, msg, inbound)
		if !ok {
			continue
		}
		fired = append(fired, f)
		e.publish(ctx, log, f)
	}
	return fired, nil
}

func (e *Evaluator) evaluate(ctx context.Context, log *logger.Logger, dto domainstore.TriggerDTO, msg Message, inbound map[string]any) (Firing, bool) {
	if !dto.IsActive {
		return Firing{}, false
	}

	t, err := FromDTO(dto)
	if err != nil {
		metrics.TriggerEvaluations.WithLabelValues("malformed").Inc()
		log.TriggerEvaluated(dto.Key, false, err.Error())
		return Firing{}, false
	}

	env := make(expr.Env, len(t.Variables))
	for _, v := range t.Variables {
		val, found, err := e.cache.Lookup(ctx, v.Topic, v.Field, msg.PublishMillis)
		if err != nil {
			metrics.TriggerEvaluations.WithLabelValues("error").Inc()
			log.UpstreamError("cache lookup", err)
			return Firing{}, false
		}
		if !found {
			metrics.TriggerEvaluations.WithLabelValues("unresolved").Inc()
			log.TriggerEvaluated(t.Key, false, "no cached value for "+v.Topic+"."+v.Field)
			return Firing{}, false
		}
		env[v.Name] = val
	}

	passed, err := t.Condition.EvalBool(env)
	if err != nil {
		metrics.TriggerEvaluations.WithLabelValues("malformed").Inc()
		log.TriggerEvaluated(t.Key, false, fmt.Sprintf("%v in %q", err, t.Condition.Source()))
		return Firing{}, false
	}
	if !passed {
		metrics.TriggerEvaluations.WithLabelValues("failed").Inc()
		log.TriggerEvaluated(t.Key, false, "condition false")
		return Firing{}, false
	}
	metrics.TriggerEvaluations.WithLabelValues("passed").Inc()
	log.TriggerEvaluated(t.Key, true, "")

	eventID, hasEvent := providedPK(inbound)
	if t.CreatesEvent {
		id, err := e.createEvent(ctx, t, inbound)
		if err != nil {
			log.UpstreamError("create event for trigger "+t.Key, err)
			return Firing{}, false
		}
		eventID, hasEvent = id, true
		metrics.EventsCreated.WithLabelValues("trigger").Inc()
		log.Info("event created from trigger", "trigger_key", t.Key, "event_id", id)
	}

	e.deliver(ctx, log, t, msg.PublishMillis, eventID, hasEvent)
	return Firing{TriggerKey: t.Key, EventID: eventID}, true
}

func (e *Evaluator) createEvent(ctx context.Context, t Trigger, inbound map[string]any) (int64, error) {
	typeURL := t.EventTypeURL
	if name, ok := inbound["event_type"].(string); ok && name != "" {
		id, err := e.types.Resolve(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("resolve event type %q: %w", name, err)
		}
		typeURL = e.store.EventTypeURL(id)
	}

	start, ok := inbound["start_datetime"].(string)
	if !ok || start == "" {
		start = e.now().UTC().Format(time.RFC3339Nano)
	}

	resp, err := e.store.CreateEvent(ctx, domainstore.CreateEventRequest{
		EventType:     typeURL,
		Trigger:       t.URL,
		StartDatetime: start,
	})
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// deliver resolves and sends the trigger's requested data. Every "$EVENT$"
// destination is merged into a single metadata PATCH.
func (e *Evaluator) deliver(ctx context.Context, log *logger.Logger, t Trigger, asOf int64, eventID int64, hasEvent bool) {
	eventURL := ""
	if hasEvent {
		eventURL = e.store.EventURL(eventID)
	}

	batched := make(map[string]any)
	for _, rd := range t.Requested {
		for _, field := range rd.Invalid {
			log.Warn("requested data field malformed", "trigger_key", t.Key, "field", field)
		}

		payload := e.resolveFields(ctx, log, rd, asOf, eventURL)
		if rd.PatchesEvent() {
			maps.Copy(batched, payload)
			continue
		}

		if err := e.store.PostJSON(ctx, rd.Destination, payload); err != nil {
			log.UpstreamError("post requested data to "+rd.Destination, err)
		}
	}

	if len(batched) == 0 {
		return
	}
	if !hasEvent {
		log.Warn("requested data targets an event but none exists", "trigger_key", t.Key)
		return
	}
	if err := e.store.PatchEventMetadata(ctx, eventID, batched); err != nil {
		log.UpstreamError("patch event metadata", err)
	}
}

func (e *Evaluator) resolveFields(ctx context.Context, log *logger.Logger, rd RequestedData, asOf int64, eventURL string) map[string]any {
	names := make([]string, 0, len(rd.Fields))
	for name := range rd.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(names))
	for _, name := range names {
		src := rd.Fields[name]
		switch src.Kind {
		case SourceLiteral:
			out[name] = src.Literal
		case SourceTime:
			out[name] = e.now().UTC().Format(time.RFC3339Nano)
		case SourceEvent:
			if eventURL == "" {
				log.Warn("no event for requested data field", "field", name)
				continue
			}
			out[name] = eventURL
		case SourceLookup:
			val, found, err := e.cache.Lookup(ctx, src.Topic, src.Field, asOf)
			if err != nil {
				log.UpstreamError("cache lookup", err)
				continue
			}
			if !found {
				log.Warn("requested data unresolved", "field", name, "source", src.Topic+"."+src.Field)
				continue
			}
			out[name] = val
		}
	}
	return out
}

func (e *Evaluator) publish(ctx context.Context, log *logger.Logger, f Firing) {
	if e.responses == nil || e.responseStream == "" {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if _, err := e.responses.Publish(ctx, e.responseStream, data); err != nil {
		log.UpstreamError("publish trigger response", err)
	}
}

// decodeInbound reads the fields the evaluator cares about. Payloads are
// opaque; anything that is not a JSON object yields no fields.
func decodeInbound(payload []byte) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var out map[string]any
	if err := dec.Decode(&out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func providedPK(inbound map[string]any) (int64, bool) {
	switch v := inbound["provided_pk"].(type) {
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil
	}
	return 0, false
}

