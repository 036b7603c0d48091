package portal

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/opensciencelab/portal/internal/auth"
	"github.com/opensciencelab/portal/internal/user"
)

// unsetValue is what the form's select inputs submit when nothing was
// chosen.
const unsetValue = "default"

var profileCheckboxFields = []string{
	"faculty_member_affliated_with_university",
	"research_member_affliated_with_university",
	"graduate_student_affliated_with_university",
}

// ProfileRoot sends the user to their own profile form.
func (h *Handler) ProfileRoot(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	target := "/portal/profile/form/" + sess.Cognito.Username
	redirect(w, target, "Redirecting to User Profile")
}

// enforceProfileOwnership applies the profile page's ownership rule:
// admins may open any profile, plain users only their own. It writes the
// redirect itself and reports whether the caller may proceed.
func (h *Handler) enforceProfileOwnership(w http.ResponseWriter, r *http.Request, username string) bool {
	sess := auth.FromContext(r.Context())
	if sess.User.IsAdmin() {
		return true
	}
	if sess.User.HasAccess("user") {
		if username != sess.Cognito.Username {
			target := "/portal/profile/form/" + sess.Cognito.Username
			redirect(w, target, "Redirect to "+target)
			return false
		}
		return true
	}
	h.logger.Errorw("no covered access type for profile page",
		"username", sess.Cognito.Username, "access", sess.User.Access())
	redirect(w, "/portal", "Redirect to /portal")
	return false
}

// ProfileForm returns the data the profile form renders from: the stored
// profile, or the carried-back values and errors after a failed submit
// (those arrive in the query string).
func (h *Handler) ProfileForm(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !h.enforceProfileOwnership(w, r, username) {
		return
	}

	form := map[string]any{
		"username":        username,
		"default_value":   "Choose...",
		"warning_missing": "Value is missing",
	}

	if q := r.URL.Query(); len(q) > 0 {
		carried := make(map[string]string, len(q))
		for k := range q {
			carried[k] = q.Get(k)
		}
		form["profile"] = carried
	} else {
		rec, err := h.users.Get(r.Context(), username, false)
		if err != nil {
			if errors.Is(err, user.ErrUserNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			fatal(w, err)
			return
		}
		form["profile"] = rec.Profile()
	}
	writeJSON(w, http.StatusOK, form)
}

// validateProfileForm applies the conditional completeness rules. Every
// missing field is reported as "<field>_error": "missing"; dependent
// fields are only required when their controlling answer demands them.
func validateProfileForm(values url.Values) (bool, map[string]string) {
	correct := true
	errs := make(map[string]string)

	missing := func(field string) {
		correct = false
		errs[field+"_error"] = "missing"
	}

	if values.Get("country_of_residence") == unsetValue {
		missing("country_of_residence")
	}

	nasa := values.Get("is_affiliated_with_nasa")
	if nasa == unsetValue {
		missing("is_affiliated_with_nasa")
	}
	if nasa == "yes" {
		whoseEmail := values.Get("user_or_pi_nasa_email")
		if whoseEmail == unsetValue {
			missing("user_or_pi_nasa_email")
		}
		if whoseEmail == "yes" && values.Get("user_affliated_with_nasa_research_email") == "" {
			missing("user_affliated_with_nasa_research_email")
		}
		if whoseEmail == "no" && values.Get("pi_affliated_with_nasa_research_email") == "" {
			missing("pi_affliated_with_nasa_research_email")
		}
	}

	gov := values.Get("is_affiliated_with_us_gov_research")
	if gov == unsetValue {
		missing("is_affiliated_with_us_gov_research")
	}
	if gov == "yes" && values.Get("user_affliated_with_gov_research_email") == "" {
		missing("user_affliated_with_gov_research_email")
	}

	isro := values.Get("is_affliated_with_isro_research")
	if isro == unsetValue {
		missing("is_affliated_with_isro_research")
	}
	if isro == "yes" && values.Get("user_affliated_with_isro_research_email") == "" {
		missing("user_affliated_with_isro_research_email")
	}

	if values.Get("is_affliated_with_university") == unsetValue {
		missing("is_affliated_with_university")
	}

	return correct, errs
}

// ProfileSubmit validates a posted profile form. On success it persists
// the profile and clears the forced-update flag; on failure it sends the
// user back to the form with the errors and their original answers in the
// query string.
func (h *Handler) ProfileSubmit(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !h.enforceProfileOwnership(w, r, username) {
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "could not parse form")
		return
	}
	values := r.PostForm

	ok, formErrors := validateProfileForm(values)
	if !ok {
		carried := url.Values{}
		for k, v := range formErrors {
			carried.Set(k, v)
		}
		for k := range values {
			carried.Set(k, values.Get(k))
		}
		target := "/portal/profile/form/" + username + "?" + carried.Encode()
		redirect(w, target, "Redirect to "+target)
		return
	}

	profile := make(map[string]any, len(values))
	for k := range values {
		profile[k] = values.Get(k)
	}
	// The university checkboxes submit by presence, not value.
	for _, field := range profileCheckboxFields {
		profile[field] = values.Has(field)
	}

	rec, err := h.users.Get(r.Context(), username, false)
	if err != nil {
		fatal(w, err)
		return
	}
	if err := h.users.SetField(r.Context(), rec, "profile", profile); err != nil {
		fatal(w, err)
		return
	}
	if err := h.users.SetField(r.Context(), rec, "require_profile_update", false); err != nil {
		fatal(w, err)
		return
	}
	redirect(w, "/portal", "Redirect to /portal")
}
