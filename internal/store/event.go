package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chainpulse.dev/pulse/internal/model"
)

type eventStore struct {
	q Querier
}

const eventColumns = `id, chain_id, block_number, block_hash, transaction_hash, log_index,
	registry, event_type, occurred_at,
	agent_id, owner_address, token_uri,
	client_address, feedback_index, score, tag1, tag2, file_uri, file_hash,
	validator_address, request_hash, response, response_uri, response_hash, tag,
	created_at`

func (s *eventStore) GetByID(ctx context.Context, id string) (*model.Event, error) {
	row := s.q.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

func (s *eventStore) ListUnprocessed(ctx context.Context, limit int32) ([]string, error) {
	rows, err := s.q.Query(ctx, `
		SELECT e.id
		FROM events e
		LEFT JOIN processed_events p ON p.event_id = e.id
		WHERE p.event_id IS NULL
		ORDER BY e.created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed events: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var ev model.Event
	err := row.Scan(
		&ev.ID, &ev.ChainID, &ev.BlockNumber, &ev.BlockHash, &ev.TransactionHash, &ev.LogIndex,
		&ev.Registry, &ev.EventType, &ev.OccurredAt,
		&ev.AgentID, &ev.Owner, &ev.TokenURI,
		&ev.ClientAddress, &ev.FeedbackIndex, &ev.Score, &ev.Tag1, &ev.Tag2, &ev.FileURI, &ev.FileHash,
		&ev.ValidatorAddress, &ev.RequestHash, &ev.Response, &ev.ResponseURI, &ev.ResponseHash, &ev.Tag,
		&ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

type processedEventStore struct {
	q Querier
}

func (s *processedEventStore) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed event %s: %w", eventID, err)
	}
	return exists, nil
}

func (s *processedEventStore) Mark(ctx context.Context, pe *model.ProcessedEvent) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO processed_events (event_id, processor_instance, duration_ms, triggers_matched, actions_enqueued)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		pe.EventID, pe.ProcessorInstance, pe.DurationMS, pe.TriggersMatched, pe.ActionsEnqueued)
	if err != nil {
		return false, fmt.Errorf("mark event %s processed: %w", pe.EventID, err)
	}
	return tag.RowsAffected() > 0, nil
}
