// Package monitor exposes a read-only HTTP view over conflict_log: per-pair
// summaries, a time-windowed conflict rate, and the manual-resolution queue
// left behind by the `manual` strategy (spec.md component K).
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
)

// ConflictSummary is one conflict_log row shaped for API consumption.
type ConflictSummary struct {
	ID              int64     `json:"id"`
	ChangeID        int64     `json:"change_id"`
	Table           string    `json:"table_name"`
	RecordPK        string    `json:"record_pk"`
	ConflictType    string    `json:"conflict_type"`
	Resolution      string    `json:"resolution"`
	ConflictDetails string    `json:"conflict_details"`
	ResolvedAt      time.Time `json:"resolved_at"`
}

// PairSessions resolves a pair name to its two live sessions so the API can
// query whichever side the caller asks about.
type PairSessions interface {
	Local(pairName string) (dbsession.Session, bool)
	Cloud(pairName string) (dbsession.Session, bool)
}

// API serves the read-only conflict monitor endpoints.
type API struct {
	sessions PairSessions
	logger   *slog.Logger
	hub      *Hub
}

// NewAPI builds an API. hub may be nil if websocket push isn't wired up.
func NewAPI(sessions PairSessions, hub *Hub, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{sessions: sessions, hub: hub, logger: logger}
}

// Router builds the gorilla/mux router for every monitor endpoint.
//
//	@title			DB Sync Agent Conflict Monitor
//	@version		1.0
//	@description	Read-only view over conflict_log and the manual-resolution queue.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/pairs/{pair}/conflicts", a.listConflicts).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/pairs/{pair}/conflicts/by-table", a.conflictsByTable).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/pairs/{pair}/conflicts/rate", a.conflictRate).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/pairs/{pair}/conflicts/manual-review", a.manualReviewQueue).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/pairs/{pair}/conflicts/retention", a.deleteOlderThan).Methods(http.MethodDelete)
	r.HandleFunc("/ws/conflicts", a.websocketHandler)
	return r
}

func (a *API) sessionFor(w http.ResponseWriter, r *http.Request) (dbsession.Session, bool) {
	pairName := mux.Vars(r)["pair"]
	side := r.URL.Query().Get("side")
	if side == "" {
		side = "local"
	}

	var sess dbsession.Session
	var ok bool
	switch side {
	case "cloud":
		sess, ok = a.sessions.Cloud(pairName)
	default:
		sess, ok = a.sessions.Local(pairName)
	}
	if !ok {
		http.Error(w, "unknown pair or side", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

// listConflicts returns conflict_log rows, newest first.
//
//	@Summary	List conflicts for a pair
//	@Param		pair	path	string	true	"sync pair name"
//	@Param		side	query	string	false	"local or cloud"
//	@Param		limit	query	int		false	"max rows, default 50"
//	@Success	200	{array}	ConflictSummary
//	@Router		/api/v1/pairs/{pair}/conflicts [get]
func (a *API) listConflicts(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.sessionFor(w, r)
	if !ok {
		return
	}
	limit := parseLimit(r, 50)

	rows, err := sess.FetchAll(r.Context(),
		`SELECT id, change_id, table_name, record_pk, conflict_type, resolution, conflict_details, resolved_at
		 FROM conflict_log ORDER BY resolved_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rowsToSummaries(rows))
}

// conflictsByTable aggregates conflict counts per table.
//
//	@Summary	Conflict counts by table
//	@Router		/api/v1/pairs/{pair}/conflicts/by-table [get]
func (a *API) conflictsByTable(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.sessionFor(w, r)
	if !ok {
		return
	}

	rows, err := sess.FetchAll(r.Context(),
		`SELECT table_name, COUNT(*) AS count FROM conflict_log GROUP BY table_name ORDER BY table_name`)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

// conflictRate returns the conflict count within a trailing time window.
//
//	@Summary	Conflict rate over a trailing window
//	@Param		window_minutes	query	int	false	"trailing window, default 60"
//	@Router		/api/v1/pairs/{pair}/conflicts/rate [get]
func (a *API) conflictRate(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.sessionFor(w, r)
	if !ok {
		return
	}
	windowMinutes := 60
	if v := r.URL.Query().Get("window_minutes"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			windowMinutes = n
		}
	}

	since := time.Now().Add(-time.Duration(windowMinutes) * time.Minute).UTC().Format("2006-01-02 15:04:05.000000")
	row, err := sess.FetchOne(r.Context(),
		`SELECT COUNT(*) AS count FROM conflict_log WHERE resolved_at >= ?`, since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"window_minutes": windowMinutes, "count": row["count"]})
}

// manualReviewQueue lists conflicts left unresolved by the `manual` strategy.
//
//	@Summary	Manual-resolution queue
//	@Router		/api/v1/pairs/{pair}/conflicts/manual-review [get]
func (a *API) manualReviewQueue(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.sessionFor(w, r)
	if !ok {
		return
	}

	rows, err := sess.FetchAll(r.Context(),
		`SELECT id, change_id, table_name, record_pk, conflict_type, resolution, conflict_details, resolved_at
		 FROM conflict_log WHERE resolution = 'manual_review_required' ORDER BY resolved_at ASC`)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rowsToSummaries(rows))
}

// deleteOlderThan implements the operator-driven retention policy spec.md
// §3.6 leaves external: conflict_log rows may be deleted once an operator
// judges them stale (change_log itself is never pruned here).
//
//	@Summary	Delete conflict_log rows older than a threshold
//	@Param		older_than_days	query	int	true	"delete rows older than this many days"
//	@Router		/api/v1/pairs/{pair}/conflicts/retention [delete]
func (a *API) deleteOlderThan(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.sessionFor(w, r)
	if !ok {
		return
	}
	days, err := strconv.Atoi(r.URL.Query().Get("older_than_days"))
	if err != nil || days <= 0 {
		http.Error(w, "older_than_days must be a positive integer", http.StatusBadRequest)
		return
	}

	cutoff := time.Now().AddDate(0, 0, -days).UTC().Format("2006-01-02 15:04:05.000000")
	if _, err := sess.Exec(r.Context(), `DELETE FROM conflict_log WHERE resolved_at < ?`, cutoff); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func rowsToSummaries(rows []dbsession.Row) []ConflictSummary {
	out := make([]ConflictSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, ConflictSummary{
			ID:              toInt64(r["id"]),
			ChangeID:        toInt64(r["change_id"]),
			Table:           strVal(r["table_name"]),
			RecordPK:        strVal(r["record_pk"]),
			ConflictType:    strVal(r["conflict_type"]),
			Resolution:      strVal(r["resolution"]),
			ConflictDetails: strVal(r["conflict_details"]),
			ResolvedAt:      parseTimeBestEffort(r["resolved_at"]),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func strVal(v any) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func parseTimeBestEffort(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	s := strVal(v)
	for _, layout := range []string{"2006-01-02 15:04:05.000000", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
