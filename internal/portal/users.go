package portal

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensciencelab/portal/internal/auth"
	"github.com/opensciencelab/portal/internal/iplog"
)

// userListLimit bounds the admin listing; the response says when it was
// hit.
const userListLimit = 200

// Users is the admin user listing. A username filter and the outcome of a
// preceding action (message/success/username) ride in on the query
// string.
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := q.Get("filter")

	records, err := h.users.List(r.Context())
	if err != nil {
		fatal(w, err)
		return
	}

	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		if filter != "" && !strings.Contains(rec.Username(), filter) {
			continue
		}
		rows = append(rows, map[string]any{
			"username":               rec.Username(),
			"email":                  rec.Email(),
			"access":                 rec.Access(),
			"is_locked":              rec.IsLocked(),
			"require_profile_update": rec.RequireProfileUpdate(),
			"last_cookie_assignment": rec.LastCookieAssignment(),
			"labs":                   rec.Labs(),
		})
		if len(rows) >= userListLimit {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users":    rows,
		"rowcount": len(rows),
		"exceeded": len(rows) >= userListLimit,
		"message":  q.Get("message"),
		"success":  q.Get("success") == "true",
		"username": q.Get("username"),
	})
}

// setLock flips the lock on a target account, both on the record and in
// the identity provider. Admin accounts cannot be locked.
func (h *Handler) setLock(w http.ResponseWriter, r *http.Request, lock bool) {
	ctx := r.Context()
	username := chi.URLParam(r, "username")
	actor := auth.FromContext(ctx).Cognito.Username
	action := "unlocked"
	if lock {
		action = "locked"
	}

	success := true
	rec, err := h.users.Get(ctx, username, false)
	switch {
	case err != nil:
		h.logger.Warnw("lock target not found", "username", username, "error", err)
		success = false
	case rec.IsAdmin():
		h.logger.Warnw("refusing to change lock on admin account",
			"actor", actor, "target", username)
		success = false
	default:
		if err := h.users.SetField(ctx, rec, "is_locked", lock); err != nil {
			h.logger.Errorw("could not set lock field", "username", username, "error", err)
			success = false
			break
		}
		var provErr error
		if lock {
			provErr = h.admin.DisableAccount(ctx, username)
		} else {
			provErr = h.admin.EnableAccount(ctx, username)
		}
		if provErr != nil {
			h.logger.Errorw("could not change sign-in state",
				"username", username, "error", provErr)
			success = false
		}
	}

	if success {
		h.activity.Record(ctx, iplog.Event{Username: actor, Action: action + ":" + username})
	}
	target := fmt.Sprintf("/portal/users?username=%s&message=%s&success=%t", username, action, success)
	redirect(w, target, "Post "+action+" redirect")
}

func (h *Handler) LockUser(w http.ResponseWriter, r *http.Request) {
	h.setLock(w, r, true)
}

func (h *Handler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	h.setLock(w, r, false)
}

// DeleteUser removes the account from the identity provider and the
// record store. Admin accounts cannot be deleted.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := chi.URLParam(r, "username")
	actor := auth.FromContext(ctx).Cognito.Username

	success := true
	rec, err := h.users.Get(ctx, username, false)
	switch {
	case err != nil:
		h.logger.Warnw("delete target not found", "username", username, "error", err)
		success = false
	case rec.IsAdmin():
		h.logger.Warnw("refusing to delete admin account", "actor", actor, "target", username)
		success = false
	default:
		if err := h.users.Remove(ctx, rec, h.admin); err != nil {
			h.logger.Errorw("could not delete user", "username", username, "error", err)
			success = false
		}
	}

	if success {
		h.activity.Record(ctx, iplog.Event{Username: actor, Action: "deleted:" + username})
	}
	target := fmt.Sprintf("/portal/users?username=%s&message=deleted&success=%t", username, success)
	redirect(w, target, "Post Delete redirect")
}

// UserInfo queries the activity stream for access reviews.
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := iplog.QueryFilter{Username: q.Get("username")}

	if v := q.Get("starttime"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "Something went wrong with getting the User Info")
			return
		}
		filter.Start = t
	}
	if v := q.Get("endtime"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "Something went wrong with getting the User Info")
			return
		}
		filter.End = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 0 {
			writeError(w, http.StatusUnprocessableEntity, "Something went wrong with getting the User Info")
			return
		}
		filter.Limit = int32(n)
	}

	events, err := h.activity.Query(r.Context(), filter)
	if err != nil {
		h.logger.Errorw("activity query failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity, "Something went wrong with getting the User Info")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
