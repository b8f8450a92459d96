package scripts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"
)

// History answers questions about the events already recorded for a trial.
type History interface {
	// TrialHasEvent reports whether the trial has an event of eventTypeID
	// whose metadata text contains contains and does not contain excludes,
	// case-insensitively. Empty filters are ignored.
	TrialHasEvent(ctx context.Context, trialID, eventTypeID int64, contains, excludes string) (bool, error)
}

// Evaluate combines the set's conditions. triggerText is the triggering
// event's metadata as produced by MetadataText.
func (cs ConditionSet) Evaluate(ctx context.Context, h History, ev Event, triggerText string) (bool, error) {
	if len(cs.Conditions) == 0 {
		return true, nil
	}

	for _, c := range cs.Conditions {
		ok, err := c.Evaluate(ctx, h, ev, triggerText)
		if err != nil {
			return false, err
		}
		if cs.PassIfAny && ok {
			return true, nil
		}
		if !cs.PassIfAny && !ok {
			return false, nil
		}
	}
	return !cs.PassIfAny, nil
}

// Evaluate passes when any populated clause holds.
func (c Condition) Evaluate(ctx context.Context, h History, ev Event, triggerText string) (bool, error) {
	if c.TrialHasEvent != nil {
		ok, err := h.TrialHasEvent(ctx, ev.TrialID, *c.TrialHasEvent, c.EventMetadataContains, c.EventMetadataExcludes)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", c.ID, err)
		}
		if ok {
			return true, nil
		}
	}

	if c.TrialMissingEvent != nil {
		ok, err := h.TrialHasEvent(ctx, ev.TrialID, *c.TrialMissingEvent, "", "")
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", c.ID, err)
		}
		if !ok {
			return true, nil
		}
	}

	if c.TriggerMetadataContains != "" && strings.Contains(triggerText, c.TriggerMetadataContains) {
		return true, nil
	}
	if c.TriggerMetadataExcludes != "" && !strings.Contains(triggerText, c.TriggerMetadataExcludes) {
		return true, nil
	}
	return false, nil
}

// MetadataText renders metadata the way operators see it in the domain store:
// JSON with ", " and ": " separators and non-ASCII escaped. Substring
// conditions match against this text.
func MetadataText(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}

	var out strings.Builder
	inString, escaped := false, false
	for _, r := range compact.String() {
		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
				out.WriteRune(r)
			case r == '\\':
				escaped = true
				out.WriteRune(r)
			case r == '"':
				inString = false
				out.WriteRune(r)
			case r > 0x7f:
				writeEscaped(&out, r)
			default:
				out.WriteRune(r)
			}
		case r == '"':
			inString = true
			out.WriteRune(r)
		case r == ',':
			out.WriteString(", ")
		case r == ':':
			out.WriteString(": ")
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

func writeEscaped(out *strings.Builder, r rune) {
	if r > 0xffff {
		hi, lo := utf16.EncodeRune(r)
		fmt.Fprintf(out, `\u%04x\u%04x`, hi, lo)
		return
	}
	fmt.Fprintf(out, `\u%04x`, r)
}
