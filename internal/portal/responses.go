package portal

import (
	"encoding/json"
	"errors"
	"net/http"
)

// statusCoder is implemented by fatal error types that carry their own
// HTTP status.
type statusCoder interface {
	StatusCode() int
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// redirect always uses 302; the portal's flows rely on the browser
// re-issuing a GET.
func redirect(w http.ResponseWriter, location, body string) {
	w.Header().Set("Location", location)
	writeText(w, http.StatusFound, body)
}

// fatal maps an error to a response: typed errors carry a status, the
// rest are internal.
func fatal(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var sc statusCoder
	if errors.As(err, &sc) {
		status = sc.StatusCode()
	}
	writeError(w, status, err.Error())
}
