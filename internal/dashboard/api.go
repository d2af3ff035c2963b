package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ehrlich-b/opclaw/internal/activity"
	"github.com/ehrlich-b/opclaw/internal/auth"
	"github.com/ehrlich-b/opclaw/internal/store"
)

// Pairing is the outstanding pairing request, if any.
type Pairing struct {
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Snapshot is everything the UI shows about the session.
type Snapshot struct {
	Connected  bool                `json:"connected"`
	GatewayURL string              `json:"gateway_url,omitempty"`
	DeviceID   string              `json:"device_id,omitempty"`
	Status     activity.Status     `json:"status"`
	LastEvent  string              `json:"last_event,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
	Pairing    *Pairing            `json:"pairing"`
	StatusLog  []activity.LogEntry `json:"status_log"`
	SystemLog  []LogLine           `json:"system_log"`
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Connected:  s.connected,
		GatewayURL: s.cfg.GatewayURL,
		LastError:  s.lastError,
		SystemLog:  append([]LogLine{}, s.sysLog...),
	}
	if s.pairing != nil {
		snap.Pairing = &Pairing{RequestID: s.pairing.RequestID, Message: s.pairing.Message}
	}
	s.mu.Unlock()

	if id, ok := auth.LoadIdentity(s.opts.Storage); ok {
		snap.DeviceID = id.DeviceID
	}
	snap.Status = s.classifier.Status()
	snap.LastEvent = s.classifier.LastEvent()
	snap.StatusLog = s.classifier.Log()
	if snap.StatusLog == nil {
		snap.StatusLog = []activity.LogEntry{}
	}
	return snap
}

// Handler serves the read API.
func (s *Session) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatusAPI)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	return mux
}

func (s *Session) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Session) handleStatusAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// handleEvents lists the activity log. from and to are epoch milliseconds.
func (s *Session) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusNotFound, "activity log disabled")
		return
	}

	var q store.EventQuery
	params := r.URL.Query()
	if v := params.Get("from"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be epoch milliseconds")
			return
		}
		q.From = time.UnixMilli(ms)
	}
	if v := params.Get("to"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be epoch milliseconds")
			return
		}
		q.To = time.UnixMilli(ms)
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}

	events, err := s.opts.Events.ListEvents(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
