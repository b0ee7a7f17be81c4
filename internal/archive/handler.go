package archive

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// defaultQueryLimit caps /transcripts responses without an explicit limit.
const defaultQueryLimit = 100

// maxQueryLimit is the largest limit a client may request.
const maxQueryLimit = 1000

// Handler serves read access to a [Store]:
//
//	GET /transcripts?session=<id>[&limit=n]             latest lines of a session
//	GET /transcripts?q=<text>[&session=<id>][&after=<RFC 3339>][&before=...][&limit=n]
//
// Responses are JSON objects with an "entries" array, oldest first.
type Handler struct {
	store Store
}

// NewHandler returns a Handler reading from store.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

type response struct {
	Entries []Entry `json:"entries"`
	Error   string  `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: err.Error()})
		return
	}
	opts := SearchOpts{SessionID: q.Get("session"), Limit: limit}
	if opts.After, err = parseTime(q.Get("after")); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "after: " + err.Error()})
		return
	}
	if opts.Before, err = parseTime(q.Get("before")); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "before: " + err.Error()})
		return
	}

	var entries []Entry
	switch text := q.Get("q"); {
	case text != "":
		entries, err = h.store.Search(r.Context(), text, opts)
	case opts.SessionID != "":
		entries, err = h.store.Recent(r.Context(), opts.SessionID, limit)
	default:
		writeJSON(w, http.StatusBadRequest, response{Error: "session or q is required"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Error: err.Error()})
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	writeJSON(w, http.StatusOK, response{Entries: entries})
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultQueryLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxQueryLimit), nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
