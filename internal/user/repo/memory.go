package repo

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and throwaway dev runs.
// Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row)}
}

// copyRow deep-copies through JSON so callers never alias stored state.
func copyRow(r Row) Row {
	b, _ := json.Marshal(r)
	var out Row
	_ = json.Unmarshal(b, &out)
	return out
}

func (s *MemoryStore) Get(ctx context.Context, username string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[username]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRow(row), nil
}

func (s *MemoryStore) Counter(ctx context.Context, username string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[username]
	if !ok {
		return 0, ErrNotFound
	}
	return asInt64(row[KeyRecCounter]), nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func (s *MemoryStore) Create(ctx context.Context, username string, fields Row) error {
	if err := restricted(fields); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := copyRow(fields)
	stamp := nowStamp()
	row[KeyUsername] = username
	row[KeyCreatedAt] = stamp
	row[KeyLastUpdate] = stamp
	row[KeyRecCounter] = int64(0)
	s.rows[username] = row
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, username string, updates Row) error {
	if err := restricted(updates); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[username]
	if !ok {
		return ErrNotFound
	}
	for k, v := range copyRow(updates) {
		row[k] = v
	}
	row[KeyLastUpdate] = nowStamp()
	row[KeyRecCounter] = asInt64(row[KeyRecCounter]) + 1
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, username)
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.rows))
	for name := range s.rows {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([]Row, 0, len(names))
	for _, name := range names {
		rows = append(rows, copyRow(s.rows[name]))
	}
	return rows, nil
}

func (s *MemoryStore) UsernamesWithLab(ctx context.Context, labShortName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []string
	for name, row := range s.rows {
		labs, ok := row["labs"].(map[string]any)
		if !ok {
			continue
		}
		if _, ok := labs[labShortName]; ok {
			users = append(users, name)
		}
	}
	sort.Strings(users)
	return users, nil
}

// SetCounter force-sets the revision counter; test hook for simulating
// writes from another process.
func (s *MemoryStore) SetCounter(username string, counter int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[username]
	if !ok {
		return ErrNotFound
	}
	row[KeyRecCounter] = counter
	return nil
}
