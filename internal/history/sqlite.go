package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"RelayChat/internal/turns"
)

// SQLiteStore implements Store on the turns table created by telemetry.InitDB.
// Multimodal turns are stored as serialized content-part JSON with has_image
// set; text turns are stored as plain text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Append(ctx context.Context, conversationID int64, turn turns.Turn) error {
	content := turn.Text
	hasImage := 0
	if len(turn.Parts) > 0 {
		data, err := json.Marshal(turn.Parts)
		if err != nil {
			return fmt.Errorf("failed to encode turn content: %w", err)
		}
		content = string(data)
		hasImage = 1
	}

	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	// Next sequence number inside the transaction so concurrent appends to
	// the same conversation cannot collide.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (conversation_id, seq, role, content, has_image, timestamp)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		FROM turns WHERE conversation_id = ?`,
		conversationID, turn.Role, content, hasImage, ts, conversationID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Window(ctx context.Context, conversationID int64, maxTurns int) ([]turns.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, has_image, timestamp
		FROM turns
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ?`,
		conversationID, maxTurns,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var window []turns.Turn
	lowestSeq := int64(0)
	for rows.Next() {
		turn, seq, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		window = append(window, turn)
		lowestSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}

	// The system turn rides along even when it fell outside the window.
	if len(window) == 0 || window[0].Role != turns.RoleSystem {
		sysRow := s.db.QueryRowContext(ctx, `
			SELECT seq, role, content, has_image, timestamp
			FROM turns
			WHERE conversation_id = ? AND role = ? AND seq < ?
			ORDER BY seq
			LIMIT 1`,
			conversationID, turns.RoleSystem, orMax(lowestSeq),
		)
		sysTurn, _, err := scanTurn(sysRow)
		if err == nil {
			window = append([]turns.Turn{sysTurn}, window...)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	return window, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, conversationID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (turns.Turn, int64, error) {
	var (
		seq      int64
		role     string
		content  string
		hasImage int
		ts       time.Time
	)
	if err := row.Scan(&seq, &role, &content, &hasImage, &ts); err != nil {
		if err == sql.ErrNoRows {
			return turns.Turn{}, 0, err
		}
		return turns.Turn{}, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	turn := turns.Turn{Role: role, Timestamp: ts}
	if hasImage == 1 {
		if err := json.Unmarshal([]byte(content), &turn.Parts); err != nil {
			// A row that predates the current content format degrades to text.
			turn.Text = content
		} else {
			for _, p := range turn.Parts {
				if p.Type == turns.PartTypeText {
					turn.Text = p.Text
				}
			}
		}
	} else {
		turn.Text = content
	}
	return turn, seq, nil
}

// orMax substitutes a sentinel when the window was empty so the system-turn
// lookup has no upper bound.
func orMax(seq int64) int64 {
	if seq == 0 {
		return int64(^uint64(0) >> 1)
	}
	return seq
}

var _ Store = (*SQLiteStore)(nil)
