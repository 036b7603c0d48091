package user

import (
	"encoding/json"
	"fmt"
	"sort"
)

// RequiredProfileKeys are the keys a non-empty profile must carry. The form
// layer adds conditional rules on top; this is the structural floor.
var RequiredProfileKeys = []string{
	"country_of_residence",
	"is_affiliated_with_nasa",
	"user_or_pi_nasa_email",
	"user_affliated_with_nasa_research_email",
	"pi_affliated_with_nasa_research_email",
	"is_affiliated_with_us_gov_research",
	"user_affliated_with_gov_research_email",
	"is_affliated_with_isro_research",
	"user_affliated_with_isro_research_email",
	"is_affliated_with_university",
	"faculty_member_affliated_with_university",
	"research_member_affliated_with_university",
	"graduate_student_affliated_with_university",
}

// LabGrant is the per-lab access descriptor stored on a user record.
// JSON tags match the stored attribute names.
type LabGrant struct {
	Profiles      []string `json:"lab_profiles"`
	TimeQuota     *int     `json:"time_quota"`
	CountryStatus string   `json:"lab_country_status"`
	CanAccess     bool     `json:"can_user_access_lab"`
	CanSeeCard    bool     `json:"can_user_see_lab_card"`
}

// SchemaError is raised when a write violates the record schema: unknown
// attribute, server-managed attribute, or a value its validator rejects.
// Fatal for the write; never silently dropped.
type SchemaError struct {
	Field   string
	Value   any
	Reason  string
	Current map[string]any // record state at failure time, for diagnostics
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid write to %q: %s", e.Field, e.Reason)
}

// StatusCode implements the portal error contract.
func (e *SchemaError) StatusCode() int { return 500 }

type fieldSpec struct {
	validate func(any) (any, error)
	def      any
	// serverManaged fields load from the store but reject SetField writes.
	serverManaged bool
}

// fieldSpecs is the attribute whitelist: every storable attribute and how
// to validate it. Writing a name outside this map is a fatal error.
var fieldSpecs = map[string]fieldSpec{
	"access":                 {validate: validateStringList, def: []string{"user"}},
	"profile":                {validate: validateProfile, def: map[string]any{}},
	"labs":                   {validate: validateLabs, def: map[string]LabGrant{}},
	"email":                  {validate: validateString, def: ""},
	"is_locked":              {validate: validateBool, def: false},
	"require_profile_update": {validate: validateBool, def: false},
	"last_cookie_assignment": {validate: validateString, def: ""},
	"country_code":           {validate: validateString, def: ""},
	"ip_address":             {validate: validateString, def: ""},
	"_rec_counter":           {validate: validateInt, def: int64(0), serverManaged: true},
}

// FieldNames returns every schema attribute name, sorted.
func FieldNames() []string {
	names := make([]string, 0, len(fieldSpecs))
	for name := range fieldSpecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateString(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func validateBool(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("expected bool, got %T", v)
	}
	return b, nil
}

func validateInt(v any) (any, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return nil, fmt.Errorf("expected integer, got %T", v)
}

// validateStringList coerces a list value to an owned []string. No
// vocabulary or uniqueness check is applied to access capabilities.
func validateStringList(v any) (any, error) {
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected list of strings, found %T element", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected list of strings, got %T", v)
}

// validateProfile accepts an empty map, or a map carrying every required
// profile key. Missing keys are enumerated in the error.
func validateProfile(v any) (any, error) {
	in, ok := v.(map[string]any)
	if !ok {
		if typed, tok := v.(map[string]string); tok {
			in = make(map[string]any, len(typed))
			for k, s := range typed {
				in[k] = s
			}
		} else {
			return nil, fmt.Errorf("expected map, got %T", v)
		}
	}
	out := make(map[string]any, len(in))
	for k, val := range in {
		out[k] = val
	}
	if len(out) == 0 {
		return out, nil
	}
	var missing []string
	for _, key := range RequiredProfileKeys {
		if _, ok := out[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("profile missing required keys: %v", missing)
	}
	return out, nil
}

// validateLabs coerces the labs attribute to an owned map of LabGrant.
// Accepts either typed grants or the stored map-of-maps form.
func validateLabs(v any) (any, error) {
	switch labs := v.(type) {
	case map[string]LabGrant:
		out := make(map[string]LabGrant, len(labs))
		for name, grant := range labs {
			out[name] = copyGrant(grant)
		}
		return out, nil
	case map[string]any:
		out := make(map[string]LabGrant, len(labs))
		for name, raw := range labs {
			b, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("lab %q: %w", name, err)
			}
			var grant LabGrant
			if err := json.Unmarshal(b, &grant); err != nil {
				return nil, fmt.Errorf("lab %q: %w", name, err)
			}
			out[name] = grant
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected map of lab grants, got %T", v)
}

func copyGrant(g LabGrant) LabGrant {
	out := g
	out.Profiles = append([]string(nil), g.Profiles...)
	if g.TimeQuota != nil {
		q := *g.TimeQuota
		out.TimeQuota = &q
	}
	return out
}

// encodeValue renders a validated value into its stored representation.
func encodeValue(v any) (any, error) {
	switch tv := v.(type) {
	case nil, string, bool, int64:
		return tv, nil
	case []string:
		out := make([]any, len(tv))
		for i, s := range tv {
			out[i] = s
		}
		return out, nil
	case map[string]any:
		return tv, nil
	case map[string]LabGrant:
		out := make(map[string]any, len(tv))
		for name, grant := range tv {
			b, err := json.Marshal(grant)
			if err != nil {
				return nil, err
			}
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				return nil, err
			}
			out[name] = m
		}
		return out, nil
	}
	return nil, fmt.Errorf("unencodable value type %T", v)
}
