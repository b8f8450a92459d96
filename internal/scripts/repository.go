package scripts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads script configuration and trial history from Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new scripts repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ScriptsForTrial returns the scripts of the trial's scenario ordered by id,
// each with its chain flattened. A script whose chain is cyclic or broken is
// returned with an error.
func (r *Repository) ScriptsForTrial(ctx context.Context, trialID int64) ([]Script, error) {
	query := `
		SELECT s.id, s.name, s.cancelling_event_type_id, s.conditions_pass_if_any,
		       s.scripted_event_head_id, s.run_limit, s.auto_repeat_count
		FROM automation_scripts s
		JOIN trials t ON t.scenario_id = s.scenario_id
		WHERE t.id = $1
		ORDER BY s.id`

	rows, err := r.pool.Query(ctx, query, trialID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}

	type scriptRow struct {
		script Script
		headID *int64
	}
	var loaded []scriptRow
	for rows.Next() {
		var row scriptRow
		if err := rows.Scan(
			&row.script.ID, &row.script.Name, &row.script.CancellingEventTypeID,
			&row.script.Conditions.PassIfAny, &row.headID, &row.script.RunLimit,
			&row.script.AutoRepeatCount,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan script: %w", err)
		}
		loaded = append(loaded, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}
	if len(loaded) == 0 {
		return nil, nil
	}

	nodes, err := r.scriptedEvents(ctx)
	if err != nil {
		return nil, err
	}

	scripts := make([]Script, 0, len(loaded))
	for _, row := range loaded {
		sc := row.script
		if sc.InitiatingEventTypes, err = r.initiatingTypes(ctx, sc.ID); err != nil {
			return nil, err
		}
		if sc.Conditions.Conditions, err = r.conditions(ctx, scriptConditionsQuery, sc.ID); err != nil {
			return nil, err
		}
		if row.headID != nil {
			if sc.Chain, err = Flatten(*row.headID, nodes); err != nil {
				return nil, fmt.Errorf("script %d: %w", sc.ID, err)
			}
		}
		scripts = append(scripts, sc)
	}
	return scripts, nil
}

func (r *Repository) scriptedEvents(ctx context.Context) (map[int64]ScriptedEvent, error) {
	query := `
		SELECT se.id, t.name, se.conditions_pass_if_any, se.delay_seconds,
		       se.add_event_metadata, se.copy_trigger_metadata, se.next_scripted_event_id
		FROM automation_scripted_events se
		JOIN event_types t ON t.id = se.event_type_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scripted events: %w", err)
	}

	nodes := make(map[int64]ScriptedEvent)
	for rows.Next() {
		var (
			node ScriptedEvent
			meta []byte
		)
		if err := rows.Scan(
			&node.ID, &node.EventTypeName, &node.Conditions.PassIfAny, &node.DelaySeconds,
			&meta, &node.CopyTriggerMetadata, &node.NextID,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan scripted event: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &node.AddEventMetadata); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scripted event %d metadata: %w", node.ID, err)
			}
		}
		nodes[node.ID] = node
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list scripted events: %w", err)
	}

	for id, node := range nodes {
		conds, err := r.conditions(ctx, scriptedEventConditionsQuery, id)
		if err != nil {
			return nil, err
		}
		node.Conditions.Conditions = conds
		nodes[id] = node
	}
	return nodes, nil
}

const (
	conditionColumns = `
		c.id, c.trial_has_event_id, c.trial_missing_event_id,
		c.event_metadata_contains, c.event_metadata_excludes,
		c.trigger_metadata_contains, c.trigger_metadata_excludes`

	scriptConditionsQuery = `SELECT` + conditionColumns + `
		FROM automation_script_conditions c
		JOIN automation_script_script_conditions sc ON sc.condition_id = c.id
		WHERE sc.script_id = $1
		ORDER BY c.id`

	scriptedEventConditionsQuery = `SELECT` + conditionColumns + `
		FROM automation_script_conditions c
		JOIN automation_scripted_event_conditions sc ON sc.condition_id = c.id
		WHERE sc.scripted_event_id = $1
		ORDER BY c.id`
)

func (r *Repository) conditions(ctx context.Context, query string, ownerID int64) ([]Condition, error) {
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conditions: %w", err)
	}
	defer rows.Close()

	var out []Condition
	for rows.Next() {
		var c Condition
		if err := rows.Scan(
			&c.ID, &c.TrialHasEvent, &c.TrialMissingEvent,
			&c.EventMetadataContains, &c.EventMetadataExcludes,
			&c.TriggerMetadataContains, &c.TriggerMetadataExcludes,
		); err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) initiatingTypes(ctx context.Context, scriptID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT event_type_id FROM automation_script_initiating_event_types WHERE script_id = $1 ORDER BY event_type_id`,
		scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list initiating types: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan initiating types: %w", err)
	}
	return ids, nil
}

// TrialHasEvent implements History against the events table. Metadata filters
// are literal substrings of the jsonb text, matched case-insensitively.
func (r *Repository) TrialHasEvent(ctx context.Context, trialID, eventTypeID int64, contains, excludes string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE trial_id = $1
			  AND event_type_id = $2
			  AND ($3 = '' OR metadata::text ILIKE '%' || $3 || '%' ESCAPE '\')
			  AND ($4 = '' OR metadata::text NOT ILIKE '%' || $4 || '%' ESCAPE '\')
		)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, trialID, eventTypeID, escapeLike(contains), escapeLike(excludes)).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to query trial history: %w", err)
	}
	return exists, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike quotes the LIKE wildcards in s so it matches literally.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// EnsureRunCounts creates zero counts for scripts first seen on this trial.
func (r *Repository) EnsureRunCounts(ctx context.Context, trialID int64, scriptIDs []int64) error {
	query := `
		INSERT INTO automation_script_run_counts (trial_id, script_id, count)
		SELECT $1, unnest($2::bigint[]), 0
		ON CONFLICT (trial_id, script_id) DO NOTHING`

	if _, err := r.pool.Exec(ctx, query, trialID, scriptIDs); err != nil {
		return fmt.Errorf("failed to init run counts: %w", err)
	}
	return nil
}

func (r *Repository) RunCount(ctx context.Context, trialID, scriptID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT count FROM automation_script_run_counts WHERE trial_id = $1 AND script_id = $2`,
		trialID, scriptID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read run count: %w", err)
	}
	return count, nil
}

// IncrementRunCount bumps the count atomically and returns the new value.
func (r *Repository) IncrementRunCount(ctx context.Context, trialID, scriptID int64) (int, error) {
	query := `
		INSERT INTO automation_script_run_counts (trial_id, script_id, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (trial_id, script_id) DO UPDATE SET count = automation_script_run_counts.count + 1
		RETURNING count`

	var count int
	if err := r.pool.QueryRow(ctx, query, trialID, scriptID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment run count: %w", err)
	}
	return count, nil
}
