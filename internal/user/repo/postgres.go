package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PostgresStore keeps user records in a single JSONB-backed table. It is the
// local-development backend; semantics mirror DynamoStore.
//
// Expected schema:
//
//	CREATE TABLE portal_users (
//	    username    TEXT PRIMARY KEY,
//	    data        JSONB NOT NULL DEFAULT '{}'::jsonb,
//	    rec_counter BIGINT NOT NULL DEFAULT 0,
//	    created_at  TEXT NOT NULL,
//	    last_update TEXT NOT NULL
//	);
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type pgRow struct {
	Username   string `db:"username"`
	Data       []byte `db:"data"`
	RecCounter int64  `db:"rec_counter"`
	CreatedAt  string `db:"created_at"`
	LastUpdate string `db:"last_update"`
}

func (r pgRow) row() (Row, error) {
	row := Row{}
	if err := json.Unmarshal(r.Data, &row); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", r.Username, err)
	}
	row[KeyUsername] = r.Username
	row[KeyRecCounter] = r.RecCounter
	row[KeyCreatedAt] = r.CreatedAt
	row[KeyLastUpdate] = r.LastUpdate
	return row, nil
}

func (s *PostgresStore) Get(ctx context.Context, username string) (Row, error) {
	var r pgRow
	err := s.db.GetContext(ctx, &r,
		`SELECT username, data, rec_counter, created_at, last_update FROM portal_users WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg get %q: %w", username, err)
	}
	return r.row()
}

func (s *PostgresStore) Counter(ctx context.Context, username string) (int64, error) {
	var ctr int64
	err := s.db.GetContext(ctx, &ctr,
		`SELECT rec_counter FROM portal_users WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("pg counter %q: %w", username, err)
	}
	return ctr, nil
}

func (s *PostgresStore) Create(ctx context.Context, username string, fields Row) error {
	if err := restricted(fields); err != nil {
		return err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", username, err)
	}
	stamp := nowStamp()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO portal_users (username, data, rec_counter, created_at, last_update)
		 VALUES ($1, $2, 0, $3, $3)
		 ON CONFLICT (username) DO UPDATE SET data = EXCLUDED.data, last_update = EXCLUDED.last_update`,
		username, data, stamp)
	if err != nil {
		return fmt.Errorf("pg create %q: %w", username, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, username string, updates Row) error {
	if err := restricted(updates); err != nil {
		return err
	}
	patch, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("encode updates %q: %w", username, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE portal_users
		 SET data = data || $2::jsonb, rec_counter = rec_counter + 1, last_update = $3
		 WHERE username = $1`,
		username, patch, nowStamp())
	if err != nil {
		return fmt.Errorf("pg update %q: %w", username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pg update %q: %w", username, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, username string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM portal_users WHERE username = $1`, username); err != nil {
		return fmt.Errorf("pg delete %q: %w", username, err)
	}
	return nil
}

func (s *PostgresStore) Scan(ctx context.Context) ([]Row, error) {
	var raw []pgRow
	if err := s.db.SelectContext(ctx, &raw,
		`SELECT username, data, rec_counter, created_at, last_update FROM portal_users ORDER BY username`); err != nil {
		return nil, fmt.Errorf("pg scan: %w", err)
	}
	rows := make([]Row, 0, len(raw))
	for _, r := range raw {
		row, err := r.row()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *PostgresStore) UsernamesWithLab(ctx context.Context, labShortName string) ([]string, error) {
	var users []string
	err := s.db.SelectContext(ctx, &users,
		`SELECT username FROM portal_users WHERE data->'labs' ? $1 ORDER BY username`, labShortName)
	if err != nil {
		return nil, fmt.Errorf("pg lab scan: %w", err)
	}
	return users, nil
}
