package scripts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"mole_automation/internal/scheduler"
	"mole_automation/platform/apperr"
	"mole_automation/platform/logger"
)

// Store loads script configuration and keeps per-trial run counts.
type Store interface {
	History
	// ScriptsForTrial returns the scripts of the trial's scenario with their
	// chains flattened.
	ScriptsForTrial(ctx context.Context, trialID int64) ([]Script, error)
	// EnsureRunCounts creates a zero count for every script lacking one.
	EnsureRunCounts(ctx context.Context, trialID int64, scriptIDs []int64) error
	RunCount(ctx context.Context, trialID, scriptID int64) (int, error)
	IncrementRunCount(ctx context.Context, trialID, scriptID int64) (int, error)
}

// Publisher sends scripted event messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, payload scheduler.ScriptEventPayload) error
	CancelAll(ctx context.Context) error
}

// Result summarises one Schedule call.
type Result struct {
	Immediate int
	Delayed   int
	Cancels   int
	Runs      int
}

// Scheduler turns a created event into scripted event messages.
type Scheduler struct {
	store    Store
	pub      Publisher
	trialURL func(id int64) string
	log      *logger.Logger
}

func NewScheduler(store Store, pub Publisher, trialURL func(id int64) string, log *logger.Logger) *Scheduler {
	return &Scheduler{store: store, pub: pub, trialURL: trialURL, log: log}
}

// traversal carries state scoped to one Schedule call.
type traversal struct {
	ev           Event
	triggerText  string
	triggerMeta  map[string]any
	delaySeconds int64
	result       Result
}

// Schedule runs every script of ev's scenario against ev. A broker failure
// stops scheduling and is returned as an unavailable error; callers treat it
// as advisory.
func (s *Scheduler) Schedule(ctx context.Context, ev Event) (Result, error) {
	scripts, err := s.store.ScriptsForTrial(ctx, ev.TrialID)
	if err != nil {
		return Result{}, fmt.Errorf("load scripts for trial %d: %w", ev.TrialID, err)
	}
	if len(scripts) == 0 {
		return Result{}, nil
	}

	ids := make([]int64, len(scripts))
	for i, sc := range scripts {
		ids[i] = sc.ID
	}
	if err := s.store.EnsureRunCounts(ctx, ev.TrialID, ids); err != nil {
		return Result{}, fmt.Errorf("init run counts for trial %d: %w", ev.TrialID, err)
	}

	t := &traversal{
		ev:          ev,
		triggerText: MetadataText(ev.Metadata),
		triggerMeta: decodeMetadata(ev.Metadata),
	}

	log := s.log.WithContext(context.WithValue(ctx, logger.TrialIDKey, ev.TrialID))
	for _, sc := range scripts {
		if err := s.runScript(ctx, log, t, sc); err != nil {
			return t.result, err
		}
	}
	return t.result, nil
}

func (s *Scheduler) runScript(ctx context.Context, log *logger.Logger, t *traversal, sc Script) error {
	if sc.Cancels(t.ev.EventTypeID) {
		if err := s.pub.CancelAll(ctx); err != nil {
			return apperr.Unavailable("publish cancel", err)
		}
		t.result.Cancels++
		log.Info("cancel-all published", "script_id", sc.ID)
		return nil
	}

	if !sc.Initiates(t.ev.EventTypeID) || len(sc.Chain) == 0 {
		return nil
	}

	count, err := s.store.RunCount(ctx, t.ev.TrialID, sc.ID)
	if err != nil {
		return err
	}
	if sc.LimitReached(count) {
		log.Info("script run limit reached", "script_id", sc.ID, "run_limit", *sc.RunLimit)
		return nil
	}

	ok, err := sc.Conditions.Evaluate(ctx, s.store, t.ev, t.triggerText)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("script conditions not met", "script_id", sc.ID)
		return nil
	}

	headPassed, err := s.runChain(ctx, t, sc)
	if err != nil {
		return err
	}
	if _, err = s.store.IncrementRunCount(ctx, t.ev.TrialID, sc.ID); err != nil {
		return err
	}
	t.result.Runs++

	if sc.AutoRepeatCount == 0 {
		t.delaySeconds = 0
		return nil
	}

	// The run limit gates the first run only; repeats always complete.
	for remaining := sc.AutoRepeatCount; remaining > 0 && headPassed; remaining-- {
		if headPassed, err = s.runChain(ctx, t, sc); err != nil {
			return err
		}
		if _, err = s.store.IncrementRunCount(ctx, t.ev.TrialID, sc.ID); err != nil {
			return err
		}
		t.result.Runs++
	}
	return nil
}

// runChain visits every node of the chain in order and reports whether the
// head's conditions passed. A failing node only suppresses its own message.
func (s *Scheduler) runChain(ctx context.Context, t *traversal, sc Script) (bool, error) {
	headPassed := false
	for i, node := range sc.Chain {
		passed, err := node.Conditions.Evaluate(ctx, s.store, t.ev, t.triggerText)
		if err != nil {
			return false, err
		}
		if i == 0 {
			headPassed = passed
		}
		if !passed {
			continue
		}
		if err := s.publishNode(ctx, t, node); err != nil {
			return false, err
		}
	}
	return headPassed, nil
}

func (s *Scheduler) publishNode(ctx context.Context, t *traversal, node ScriptedEvent) error {
	metadata := make(map[string]any, len(node.AddEventMetadata)+len(t.triggerMeta))
	maps.Copy(metadata, node.AddEventMetadata)
	if node.CopyTriggerMetadata {
		maps.Copy(metadata, t.triggerMeta)
	}

	payload := scheduler.ScriptEventPayload{
		EventType: node.EventTypeName,
		Trial:     s.trialURL(t.ev.TrialID),
		Metadata:  metadata,
	}

	t.delaySeconds += node.DelaySeconds
	if t.delaySeconds != 0 || node.DelaySeconds != 0 {
		payload.DeliverAt = (t.ev.Modified.Unix() + t.delaySeconds) * 1000
	}

	if err := s.pub.Publish(ctx, payload); err != nil {
		return apperr.Unavailable("publish scripted event", err)
	}
	if payload.DeliverAt == 0 {
		t.result.Immediate++
	} else {
		t.result.Delayed++
	}
	return nil
}

func decodeMetadata(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}
