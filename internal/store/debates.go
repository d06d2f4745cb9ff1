package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/basket/arbiter/internal/bus"
	"github.com/basket/arbiter/internal/debate"
)

// SaveDebate upserts the full debate state and publishes lifecycle events.
// The runner calls this after every transition, so an aborted run leaves the
// row at its last persisted point for the next cycle to inspect.
func (s *Store) SaveDebate(ctx context.Context, st *debate.State) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal debate state: %w", err)
	}

	var oldStatus string
	err = retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save debate tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `SELECT status FROM debates WHERE id = ?;`, st.ID).Scan(&oldStatus)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read prior debate status: %w", err)
		}

		var failure sql.NullString
		if st.FailureReason != "" {
			failure = sql.NullString{String: st.FailureReason, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO debates (id, a_id, b_id, kind, status, round, max_rounds, disagreement, confidence, state, failure_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				round = excluded.round,
				disagreement = excluded.disagreement,
				confidence = excluded.confidence,
				state = excluded.state,
				failure_reason = excluded.failure_reason,
				updated_at = CURRENT_TIMESTAMP;
		`, st.ID, st.Pair.AID, st.Pair.BID, string(st.Pair.Kind), string(st.Status),
			st.Round, st.MaxRounds, st.Disagreement, st.Confidence, string(blob), failure); err != nil {
			return fmt.Errorf("upsert debate %s: %w", st.ID, err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if oldStatus != string(st.Status) {
		evt := bus.DebateStateChangedEvent{
			DebateID:  st.ID,
			Pair:      st.Pair.String(),
			OldStatus: oldStatus,
			NewStatus: string(st.Status),
			Round:     st.Round,
		}
		s.publish(bus.TopicDebateStateChanged, evt)
		switch st.Status {
		case debate.StatusCompleted:
			s.publish(bus.TopicDebateCompleted, s.settledEvent(st))
		case debate.StatusEscalated:
			s.publish(bus.TopicDebateEscalated, s.settledEvent(st))
		case debate.StatusFailed:
			s.publish(bus.TopicDebateFailed, s.settledEvent(st))
		}
	}
	return nil
}

func (s *Store) settledEvent(st *debate.State) bus.DebateSettledEvent {
	evt := bus.DebateSettledEvent{
		DebateID:     st.ID,
		Pair:         st.Pair.String(),
		Status:       string(st.Status),
		Rounds:       st.Round,
		Disagreement: st.Disagreement,
	}
	if st.Result != nil {
		evt.Score = st.Result.Score
	}
	if st.Escalation != nil {
		evt.Reason = st.Escalation.Reason
	}
	if st.FailureReason != "" {
		evt.Reason = st.FailureReason
	}
	return evt
}

// GetDebate loads the full persisted state by id. Returns (nil, nil) when
// the debate does not exist.
func (s *Store) GetDebate(ctx context.Context, id string) (*debate.State, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM debates WHERE id = ?;`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load debate %s: %w", id, err)
	}
	var st debate.State
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return nil, fmt.Errorf("unmarshal debate %s: %w", id, err)
	}
	return &st, nil
}

// LatestDebateForPair returns the most recently created debate for a pair,
// or (nil, nil) when none exists.
func (s *Store) LatestDebateForPair(ctx context.Context, pair debate.EntityPair) (*debate.State, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM debates
		WHERE a_id = ? AND b_id = ? AND kind = ?
		ORDER BY created_at DESC, id DESC LIMIT 1;
	`, pair.AID, pair.BID, string(pair.Kind)).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest debate for %s: %w", pair.String(), err)
	}
	var st debate.State
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return nil, fmt.Errorf("unmarshal latest debate for %s: %w", pair.String(), err)
	}
	return &st, nil
}

// DebateSummary is a light projection used by the HTTP listing endpoints.
type DebateSummary struct {
	ID           string  `json:"id"`
	Pair         string  `json:"pair"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status"`
	Round        int     `json:"round"`
	Disagreement float64 `json:"disagreement"`
	Confidence   float64 `json:"confidence"`
	UpdatedAt    string  `json:"updated_at"`
}

// ListDebates returns summaries, newest first, optionally filtered by status.
func (s *Store) ListDebates(ctx context.Context, status string, limit int) ([]DebateSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, a_id, b_id, kind, status, round, disagreement, confidence, updated_at
		FROM debates`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list debates: %w", err)
	}
	defer rows.Close()

	var out []DebateSummary
	for rows.Next() {
		var d DebateSummary
		var aID, bID string
		if err := rows.Scan(&d.ID, &aID, &bID, &d.Kind, &d.Status, &d.Round, &d.Disagreement, &d.Confidence, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan debate summary: %w", err)
		}
		d.Pair = aID + "|" + bID + "|" + d.Kind
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDebatesByStatus returns status counts for the status endpoint.
func (s *Store) CountDebatesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM debates GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count debates: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan debate count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
