package user

import (
	"fmt"

	"github.com/opensciencelab/portal/internal/user/repo"
)

// Record is a validated, schema-enforced view over one record-store row.
// The username is fixed at construction; every other attribute mutates only
// through Service.SetField, which validates and persists. Getters hand out
// owned copies so nested structures cannot be changed behind the store's
// back.
type Record struct {
	username             string
	access               []string
	profile              map[string]any
	labs                 map[string]LabGrant
	email                string
	isLocked             bool
	requireProfileUpdate bool
	lastCookieAssignment string
	countryCode          string
	ipAddress            string
	recCounter           int64
}

// newRecord builds a Record from a stored row, validating each schema
// attribute and substituting registered defaults for absent ones.
func newRecord(username string, row repo.Row) (*Record, error) {
	rec := &Record{username: username}
	for name, spec := range fieldSpecs {
		raw, ok := row[name]
		if !ok || raw == nil {
			def, err := spec.validate(spec.def)
			if err != nil {
				return nil, &SchemaError{Field: name, Value: spec.def, Reason: err.Error()}
			}
			if err := rec.apply(name, def); err != nil {
				return nil, err
			}
			continue
		}
		val, err := spec.validate(raw)
		if err != nil {
			return nil, &SchemaError{Field: name, Value: raw, Reason: err.Error(), Current: row}
		}
		if err := rec.apply(name, val); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// apply attaches an already-validated value to the matching struct field.
func (r *Record) apply(name string, val any) error {
	switch name {
	case "access":
		r.access = val.([]string)
	case "profile":
		r.profile = val.(map[string]any)
	case "labs":
		r.labs = val.(map[string]LabGrant)
	case "email":
		r.email = val.(string)
	case "is_locked":
		r.isLocked = val.(bool)
	case "require_profile_update":
		r.requireProfileUpdate = val.(bool)
	case "last_cookie_assignment":
		r.lastCookieAssignment = val.(string)
	case "country_code":
		r.countryCode = val.(string)
	case "ip_address":
		r.ipAddress = val.(string)
	case "_rec_counter":
		r.recCounter = val.(int64)
	default:
		return &SchemaError{Field: name, Value: val, Reason: "not in attribute whitelist"}
	}
	return nil
}

func (r *Record) Username() string { return r.username }
func (r *Record) Email() string    { return r.email }

// Access returns an owned copy of the capability list.
func (r *Record) Access() []string {
	return append([]string(nil), r.access...)
}

// HasAccess reports whether the record carries the capability string.
func (r *Record) HasAccess(capability string) bool {
	for _, a := range r.access {
		if a == capability {
			return true
		}
	}
	return false
}

func (r *Record) IsAdmin() bool { return r.HasAccess("admin") }

// Profile returns an owned copy of the profile attribute.
func (r *Record) Profile() map[string]any {
	out := make(map[string]any, len(r.profile))
	for k, v := range r.profile {
		out[k] = v
	}
	return out
}

// Labs returns an owned copy of the per-lab grant map.
func (r *Record) Labs() map[string]LabGrant {
	out := make(map[string]LabGrant, len(r.labs))
	for name, grant := range r.labs {
		out[name] = copyGrant(grant)
	}
	return out
}

func (r *Record) IsLocked() bool               { return r.isLocked }
func (r *Record) RequireProfileUpdate() bool   { return r.requireProfileUpdate }
func (r *Record) LastCookieAssignment() string { return r.lastCookieAssignment }
func (r *Record) CountryCode() string          { return r.countryCode }
func (r *Record) IPAddress() string            { return r.ipAddress }
func (r *Record) Counter() int64               { return r.recCounter }

// Snapshot renders the record as a plain attribute map (owned copies).
// Used by admin listings and the dump tooling.
func (r *Record) Snapshot() map[string]any {
	snap := map[string]any{
		"username":               r.username,
		"email":                  r.email,
		"is_locked":              r.isLocked,
		"require_profile_update": r.requireProfileUpdate,
		"last_cookie_assignment": r.lastCookieAssignment,
		"country_code":           r.countryCode,
		"ip_address":             r.ipAddress,
		"_rec_counter":           r.recCounter,
		"access":                 r.Access(),
		"profile":                r.Profile(),
	}
	labs, err := encodeValue(r.Labs())
	if err != nil {
		// Labs passed validation at load time, so this cannot fail.
		panic(fmt.Sprintf("encode labs for %q: %v", r.username, err))
	}
	snap["labs"] = labs
	return snap
}

// clone returns a deep copy so cache entries stay isolated from callers.
func (r *Record) clone() *Record {
	out := &Record{
		username:             r.username,
		email:                r.email,
		isLocked:             r.isLocked,
		requireProfileUpdate: r.requireProfileUpdate,
		lastCookieAssignment: r.lastCookieAssignment,
		countryCode:          r.countryCode,
		ipAddress:            r.ipAddress,
		recCounter:           r.recCounter,
	}
	out.access = r.Access()
	out.profile = r.Profile()
	out.labs = r.Labs()
	return out
}
