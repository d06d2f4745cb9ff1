package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/arbiter/internal/audit"
	"github.com/basket/arbiter/internal/bus"
	"github.com/basket/arbiter/internal/debate"
	"github.com/google/uuid"
)

// Escalation review decisions.
const (
	DecisionResolved  = "resolved"
	DecisionDismissed = "dismissed"
)

// EscalationRecord is a debate handed to a human reviewer, carrying the
// full round history so the reviewer sees both positions.
type EscalationRecord struct {
	ID         string                  `json:"id"`
	DebateID   string                  `json:"debate_id"`
	Pair       debate.EntityPair       `json:"pair"`
	Reason     string                  `json:"reason"`
	History    [][2]debate.AgentOutput `json:"history"`
	Status     string                  `json:"status"`
	Decision   string                  `json:"decision,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	ResolvedAt *time.Time              `json:"resolved_at,omitempty"`
}

// CreateEscalation records an escalated debate for human review. At most
// one open escalation exists per debate; re-driving an escalated debate
// is a no-op here.
func (s *Store) CreateEscalation(ctx context.Context, st *debate.State) error {
	if st.Status != debate.StatusEscalated || st.Escalation == nil {
		return fmt.Errorf("debate %s is not escalated", st.ID)
	}
	history, err := json.Marshal(st.History)
	if err != nil {
		return fmt.Errorf("marshal escalation history: %w", err)
	}

	id := uuid.NewString()
	var inserted int64
	err = retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO escalations (id, debate_id, a_id, b_id, kind, reason, history)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, id, st.ID, st.Pair.AID, st.Pair.BID, string(st.Pair.Kind),
			st.Escalation.Reason, string(history))
		if err != nil {
			return fmt.Errorf("insert escalation for debate %s: %w", st.ID, err)
		}
		inserted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if inserted > 0 {
		audit.Record("escalation.created", "success", st.Pair.String(), st.Escalation.Reason)
	}
	return nil
}

// GetEscalation loads one escalation, or (nil, nil) when absent.
func (s *Store) GetEscalation(ctx context.Context, id string) (*EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, debate_id, a_id, b_id, kind, reason, history, status, decision, created_at, resolved_at
		FROM escalations WHERE id = ?;
	`, id)
	rec, err := scanEscalation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListEscalations returns escalations newest first, optionally filtered
// by status ("open", "resolved", "dismissed").
func (s *Store) ListEscalations(ctx context.Context, status string, limit int) ([]EscalationRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, debate_id, a_id, b_id, kind, reason, history, status, decision, created_at, resolved_at
		FROM escalations`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []EscalationRecord
	for rows.Next() {
		rec, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscalation(row rowScanner) (*EscalationRecord, error) {
	var (
		rec         EscalationRecord
		kind        string
		historyBlob string
		decision    sql.NullString
		resolvedAt  sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.DebateID, &rec.Pair.AID, &rec.Pair.BID, &kind,
		&rec.Reason, &historyBlob, &rec.Status, &decision, &rec.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan escalation: %w", err)
	}
	rec.Pair.Kind = debate.Kind(kind)
	rec.Decision = decision.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(historyBlob), &rec.History); err != nil {
		return nil, fmt.Errorf("unmarshal escalation history: %w", err)
	}
	return &rec, nil
}

// ResolveEscalation closes an open escalation with a reviewer decision.
// Returns false when the escalation does not exist or is already closed.
func (s *Store) ResolveEscalation(ctx context.Context, id, decision string) (bool, error) {
	if decision != DecisionResolved && decision != DecisionDismissed {
		return false, fmt.Errorf("invalid escalation decision %q", decision)
	}
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE escalations
			SET status = ?, decision = ?, resolved_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'open';
		`, decision, decision, id)
		if err != nil {
			return fmt.Errorf("resolve escalation %s: %w", id, err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	audit.Record("escalation.resolved", "success", id, decision)
	s.publish(bus.TopicEscalationResolved, map[string]string{
		"escalation_id": id,
		"decision":      decision,
	})
	return true, nil
}

// OpenEscalationCount reports the number of escalations awaiting review.
func (s *Store) OpenEscalationCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escalations WHERE status = 'open';`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open escalations: %w", err)
	}
	return n, nil
}
