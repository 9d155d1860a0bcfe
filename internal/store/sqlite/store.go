// Package sqlite is the durable bracket order store. Writes are synchronous
// and write-through: the engine persists before committing in memory, so a
// restart can rebuild every open bracket from this table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"bracket-enginev1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/brackets.db"
}

// Store persists bracket orders in a single-writer SQLite database.
type Store struct {
	db *sql.DB

	// OnUpsert is an optional hook receiving the duration of each
	// successful upsert, for latency metrics.
	OnUpsert func(d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database, enables WAL mode, and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer connection pool
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bracket_orders (
			id            TEXT    PRIMARY KEY,
			user_id       TEXT    NOT NULL,
			broker_id     TEXT,
			status        TEXT    NOT NULL,
			fail_reason   TEXT,
			parent        TEXT    NOT NULL,
			profit_target TEXT,
			stop_loss     TEXT,
			trailing_stop TEXT,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_brackets_user   ON bracket_orders (user_id);
		CREATE INDEX IF NOT EXISTS idx_brackets_status ON bracket_orders (status);
	`)
	return err
}

// Upsert writes the full aggregate in one statement. The legs are stored as
// JSON columns; the columns queried by index scans (user, status) stay
// relational.
func (s *Store) Upsert(ctx context.Context, b *model.BracketOrder) error {
	parent, err := json.Marshal(b.Parent)
	if err != nil {
		return fmt.Errorf("marshal parent: %w", err)
	}
	pt, err := marshalNullable(b.ProfitTarget)
	if err != nil {
		return fmt.Errorf("marshal profit target: %w", err)
	}
	sl, err := marshalNullable(b.StopLoss)
	if err != nil {
		return fmt.Errorf("marshal stop loss: %w", err)
	}
	ts, err := marshalNullable(b.TrailingStop)
	if err != nil {
		return fmt.Errorf("marshal trailing stop: %w", err)
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO bracket_orders
			(id, user_id, broker_id, status, fail_reason, parent, profit_target, stop_loss, trailing_stop, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.UserID, b.BrokerID, string(b.Status), b.FailReason,
		string(parent), pt, sl, ts, b.CreatedAt.UnixNano(), b.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite upsert bracket %s: %w", b.ID, err)
	}
	if s.OnUpsert != nil {
		s.OnUpsert(time.Since(start))
	}
	return nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch leg := v.(type) {
	case *model.ProfitTargetLeg:
		if leg == nil {
			return sql.NullString{}, nil
		}
	case *model.StopLossLeg:
		if leg == nil {
			return sql.NullString{}, nil
		}
	case *model.TrailingStopLeg:
		if leg == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

const selectCols = `id, user_id, broker_id, status, fail_reason, parent, profit_target, stop_loss, trailing_stop, created_at, updated_at`

// Get returns the bracket with the given id, or (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, id string) (*model.BracketOrder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM bracket_orders WHERE id = ?`, id)
	b, err := scanBracket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get bracket %s: %w", id, err)
	}
	return b, nil
}

// ListByUser returns every bracket owned by a user, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]model.BracketOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM bracket_orders WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite list brackets for %s: %w", userID, err)
	}
	defer rows.Close()
	return collectBrackets(rows)
}

// LoadOpen returns every non-terminal bracket, for index rebuild on startup.
func (s *Store) LoadOpen(ctx context.Context) ([]model.BracketOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM bracket_orders WHERE status NOT IN (?, ?, ?)`,
		string(model.StatusCompleted), string(model.StatusCancelled), string(model.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("sqlite load open brackets: %w", err)
	}
	defer rows.Close()
	return collectBrackets(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBracket(row rowScanner) (*model.BracketOrder, error) {
	var (
		b                    model.BracketOrder
		status, parent       string
		brokerID, failReason sql.NullString
		pt, sl, ts           sql.NullString
		createdNS, updatedNS int64
	)
	err := row.Scan(&b.ID, &b.UserID, &brokerID, &status, &failReason,
		&parent, &pt, &sl, &ts, &createdNS, &updatedNS)
	if err != nil {
		return nil, err
	}

	b.BrokerID = brokerID.String
	b.Status = model.Status(status)
	b.FailReason = failReason.String
	b.CreatedAt = time.Unix(0, createdNS).UTC()
	b.UpdatedAt = time.Unix(0, updatedNS).UTC()

	if err := json.Unmarshal([]byte(parent), &b.Parent); err != nil {
		return nil, fmt.Errorf("unmarshal parent: %w", err)
	}
	if pt.Valid {
		b.ProfitTarget = &model.ProfitTargetLeg{}
		if err := json.Unmarshal([]byte(pt.String), b.ProfitTarget); err != nil {
			return nil, fmt.Errorf("unmarshal profit target: %w", err)
		}
	}
	if sl.Valid {
		b.StopLoss = &model.StopLossLeg{}
		if err := json.Unmarshal([]byte(sl.String), b.StopLoss); err != nil {
			return nil, fmt.Errorf("unmarshal stop loss: %w", err)
		}
	}
	if ts.Valid {
		b.TrailingStop = &model.TrailingStopLeg{}
		if err := json.Unmarshal([]byte(ts.String), b.TrailingStop); err != nil {
			return nil, fmt.Errorf("unmarshal trailing stop: %w", err)
		}
	}
	return &b, nil
}

func collectBrackets(rows *sql.Rows) ([]model.BracketOrder, error) {
	var out []model.BracketOrder
	for rows.Next() {
		b, err := scanBracket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
