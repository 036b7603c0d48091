package user

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/opensciencelab/portal/internal/user/repo"
)

// ErrUserNotFound is returned when a username is absent and creation was
// not requested. Surfaces as 404.
var ErrUserNotFound = errors.New("user not found")

// AccountAdmin removes the matching identity-provider account when a
// portal user is deleted.
type AccountAdmin interface {
	DeleteAccount(ctx context.Context, username string) error
}

// Service owns the user record lifecycle: cached reads with revision
// checks, validated writes, and the removal cascade. One Service lives for
// the whole process; its cache is the warm-start optimization, the store
// stays the source of truth.
type Service struct {
	store  repo.Store
	cache  *recordCache
	logger *zap.SugaredLogger
}

func NewService(store repo.Store, logger *zap.SugaredLogger) *Service {
	return &Service{store: store, cache: newRecordCache(), logger: logger}
}

// Get loads the record for username. A cached entry is only returned when
// its revision counter still matches the store; a mismatch forces a full
// reload, so a write from any process is visible on the next read. When the
// row is absent: createIfMissing provisions defaults, otherwise
// ErrUserNotFound.
func (s *Service) Get(ctx context.Context, username string, createIfMissing bool) (*Record, error) {
	if rec, cachedCounter, ok := s.cache.get(username); ok {
		current, err := s.store.Counter(ctx, username)
		if err == nil && current == cachedCounter {
			return rec, nil
		}
		s.cache.invalidate(username)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("revalidate %q: %w", username, err)
		}
	}

	row, err := s.store.Get(ctx, username)
	if errors.Is(err, repo.ErrNotFound) {
		if !createIfMissing {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		if err := s.provision(ctx, username); err != nil {
			return nil, err
		}
		row, err = s.store.Get(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("load created %q: %w", username, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load %q: %w", username, err)
	}

	rec, err := newRecord(username, row)
	if err != nil {
		return nil, err
	}
	s.cache.put(username, rec)
	return rec, nil
}

// provision writes a fresh row carrying every registered default.
func (s *Service) provision(ctx context.Context, username string) error {
	fields := repo.Row{}
	for name, spec := range fieldSpecs {
		if spec.serverManaged {
			continue
		}
		encoded, err := encodeValue(spec.def)
		if err != nil {
			return fmt.Errorf("encode default %q: %w", name, err)
		}
		fields[name] = encoded
	}
	if err := s.store.Create(ctx, username, fields); err != nil {
		return fmt.Errorf("provision %q: %w", username, err)
	}
	s.logger.Infow("provisioned user record", "username", username)
	return nil
}

// SetField validates value against the attribute whitelist, persists it,
// and invalidates the cache entry. A value equal to the registered default
// (or nil) is normalized to the default before storing. The passed record
// is updated in place with the frozen value.
func (s *Service) SetField(ctx context.Context, rec *Record, name string, value any) error {
	spec, ok := fieldSpecs[name]
	if !ok {
		return &SchemaError{Field: name, Value: value, Reason: "not in attribute whitelist", Current: rec.Snapshot()}
	}
	if spec.serverManaged {
		return &SchemaError{Field: name, Value: value, Reason: "attribute is server managed", Current: rec.Snapshot()}
	}

	// Validating the registered default yields an owned copy of it.
	validated, err := spec.validate(spec.def)
	if err != nil {
		return &SchemaError{Field: name, Value: spec.def, Reason: err.Error(), Current: rec.Snapshot()}
	}
	if value != nil {
		v, err := spec.validate(value)
		if err != nil {
			return &SchemaError{Field: name, Value: value, Reason: err.Error(), Current: rec.Snapshot()}
		}
		if !reflect.DeepEqual(v, validated) {
			validated = v
		}
	}

	encoded, err := encodeValue(validated)
	if err != nil {
		return &SchemaError{Field: name, Value: value, Reason: err.Error(), Current: rec.Snapshot()}
	}
	if err := s.store.Update(ctx, rec.Username(), repo.Row{name: encoded}); err != nil {
		return fmt.Errorf("persist %q.%s: %w", rec.Username(), name, err)
	}
	s.cache.invalidate(rec.Username())

	if err := rec.apply(name, validated); err != nil {
		return err
	}
	rec.recCounter++
	return nil
}

// AddLab replaces the labs attribute with a copy carrying the new grant.
// Whole-value reassignment is the only legal mutation of a nested attribute.
func (s *Service) AddLab(ctx context.Context, rec *Record, shortName string, grant LabGrant) error {
	labs := rec.Labs()
	labs[shortName] = grant
	return s.SetField(ctx, rec, "labs", labs)
}

// RemoveLab removes a lab grant via whole-value reassignment.
func (s *Service) RemoveLab(ctx context.Context, rec *Record, shortName string) error {
	labs := rec.Labs()
	delete(labs, shortName)
	return s.SetField(ctx, rec, "labs", labs)
}

// StampCookieAssignment records when login cookies were last issued.
func (s *Service) StampCookieAssignment(ctx context.Context, rec *Record) error {
	stamp := time.Now().UTC().Format(repo.TimestampFormat)
	return s.SetField(ctx, rec, "last_cookie_assignment", stamp)
}

// Remove deletes the user everywhere: identity provider account first,
// then the record row, then verifies the row is gone.
func (s *Service) Remove(ctx context.Context, rec *Record, accounts AccountAdmin) error {
	username := rec.Username()
	if err := accounts.DeleteAccount(ctx, username); err != nil {
		return fmt.Errorf("delete identity account %q: %w", username, err)
	}
	if err := s.store.Delete(ctx, username); err != nil {
		return fmt.Errorf("delete record %q: %w", username, err)
	}
	s.cache.invalidate(username)
	if _, err := s.store.Get(ctx, username); !errors.Is(err, repo.ErrNotFound) {
		if err != nil {
			return fmt.Errorf("verify delete %q: %w", username, err)
		}
		return fmt.Errorf("record %q still present after delete", username)
	}
	s.logger.Infow("removed user", "username", username)
	return nil
}

// List scans every row and returns validated records. Rows failing schema
// validation are logged and skipped rather than breaking the listing.
func (s *Service) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.store.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	recs := make([]*Record, 0, len(rows))
	for _, row := range rows {
		username, _ := row[repo.KeyUsername].(string)
		if username == "" {
			s.logger.Warnw("skipping row without username")
			continue
		}
		rec, err := newRecord(username, row)
		if err != nil {
			s.logger.Warnw("skipping invalid row", "username", username, "err", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// UsersWithLab returns usernames granted the given lab.
func (s *Service) UsersWithLab(ctx context.Context, labShortName string) ([]string, error) {
	return s.store.UsernamesWithLab(ctx, labShortName)
}

// Invalidate drops any cached entry for username. Exposed for callers that
// mutate the store out of band (migration tooling).
func (s *Service) Invalidate(username string) {
	s.cache.invalidate(username)
}
