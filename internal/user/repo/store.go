package repo

import (
	"context"
	"errors"
	"time"
)

// Row is one user record as stored, keyed by attribute name. Values are
// plain JSON-ish types (string, bool, float64/int64, []any, map[string]any).
type Row map[string]any

// Keys the store manages itself; callers may not write them through Update.
const (
	KeyUsername   = "username"
	KeyCreatedAt  = "created_at"
	KeyLastUpdate = "last_update"
	KeyRecCounter = "_rec_counter"
)

// TimestampFormat is the layout for created_at / last_update stamps.
const TimestampFormat = "2006-01-02 15:04:05"

var (
	// ErrNotFound is returned by Get/Counter when no row exists for the username.
	ErrNotFound = errors.New("record not found")
	// ErrRestrictedKey is returned when an update touches a store-managed key.
	ErrRestrictedKey = errors.New("restricted key")
)

// Store is the record-store collaborator: a key-value table with scan.
// Implementations must bump the revision counter on every Update so cache
// layers can detect staleness with a cheap Counter read.
type Store interface {
	// Get returns the row for username, or ErrNotFound.
	Get(ctx context.Context, username string) (Row, error)

	// Counter returns the current revision counter for username without
	// reading the whole row. Returns ErrNotFound if the row is absent.
	Counter(ctx context.Context, username string) (int64, error)

	// Create writes a fresh row with the given fields, stamping username,
	// created_at, last_update and a zero revision counter.
	Create(ctx context.Context, username string, fields Row) error

	// Update applies a partial upsert to an existing row, stamps
	// last_update, and increments the revision counter. Returns
	// ErrNotFound if the row does not exist and ErrRestrictedKey if
	// updates contains a store-managed key.
	Update(ctx context.Context, username string, updates Row) error

	// Delete removes the row. Deleting an absent row is not an error.
	Delete(ctx context.Context, username string) error

	// Scan returns every row in the table.
	Scan(ctx context.Context) ([]Row, error)

	// UsernamesWithLab returns usernames whose labs attribute mentions
	// the given lab short name.
	UsernamesWithLab(ctx context.Context, labShortName string) ([]string, error)
}

func restricted(updates Row) error {
	for _, k := range []string{KeyUsername, KeyCreatedAt, KeyLastUpdate, KeyRecCounter} {
		if _, ok := updates[k]; ok {
			return ErrRestrictedKey
		}
	}
	return nil
}

func nowStamp() string {
	return time.Now().UTC().Format(TimestampFormat)
}
