package portal

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensciencelab/portal/internal/labs"
	"github.com/opensciencelab/portal/internal/user"
)

// ManageLab returns a lab's catalog entry together with its current
// members.
func (h *Handler) ManageLab(w http.ResponseWriter, r *http.Request) {
	shortName := chi.URLParam(r, "shortname")
	lab, err := h.catalog.Get(shortName)
	if err != nil {
		fatal(w, err)
		return
	}
	members, err := h.users.UsersWithLab(r.Context(), shortName)
	if err != nil {
		fatal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lab": lab, "users": members})
}

type editLabUserRequest struct {
	Action    string   `json:"action"`
	Username  string   `json:"username"`
	Profiles  []string `json:"lab_profiles"`
	TimeQuota *int     `json:"time_quota"`
}

// EditLabUser adds a user to a lab or removes one from it.
func (h *Handler) EditLabUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	shortName := chi.URLParam(r, "shortname")

	var req editLabUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body not provided to edit_user")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action not provided to edit_user")
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username not provided to edit_user")
		return
	}

	rec, err := h.users.Get(ctx, req.Username, false)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		fatal(w, err)
		return
	}

	switch req.Action {
	case "add":
		grant, err := h.catalog.Grant(shortName, rec.CountryCode(), req.Profiles, req.TimeQuota)
		if err != nil {
			fatal(w, err)
			return
		}
		if grant.CountryStatus == labs.StatusProhibited {
			h.logger.Warnw("granting prohibited-country lab membership",
				"username", req.Username, "lab", shortName, "country", rec.CountryCode())
		}
		if err := h.users.AddLab(ctx, rec, shortName, grant); err != nil {
			fatal(w, err)
			return
		}
	case "remove":
		if err := h.users.RemoveLab(ctx, rec, shortName); err != nil {
			fatal(w, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid edit_user action "+req.Action)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
}
