package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/dispatch-engine/internal/core"
	"github.com/relaydesk/dispatch-engine/internal/prefs"
)

type Server struct {
	Store *core.Store
	Prefs prefs.Service
}

func NewServer(db *pgxpool.Pool, prefSvc prefs.Service) *Server {
	return &Server{Store: &core.Store{DB: db}, Prefs: prefSvc}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, instrument)

	r.Post("/messages", s.scheduleMessage)
	r.Get("/messages", s.listMessages)
	r.Get("/messages/{id}", s.getMessage)
	r.Post("/logs", s.bufferLog)
	r.Get("/accounts/{id}/preferences", s.getPreferences)
	r.Put("/accounts/{id}/preferences", s.putPreferences)

	s.mountHealth(r)
	s.mountMetrics(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) scheduleMessage(w http.ResponseWriter, r *http.Request) {
	accountID := r.Header.Get("X-Account-ID")
	if accountID == "" {
		writeJSON(w, 400, map[string]string{"error": "missing_X-Account-ID"})
		return
	}
	var in struct {
		Receiver     string            `json:"receiver"`
		Body         string            `json:"body"`
		Attachments  []core.Attachment `json:"attachments"`
		ContactCards []string          `json:"contact_cards"`
		Polls        []core.Poll       `json:"polls"`
		SendAt       time.Time         `json:"send_at"`
		ScheduledBy  core.ScheduledBy  `json:"scheduled_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Receiver == "" {
		writeJSON(w, 400, map[string]string{"error": "invalid_body"})
		return
	}
	if in.Body == "" && len(in.Attachments) == 0 && len(in.ContactCards) == 0 && len(in.Polls) == 0 {
		writeJSON(w, 400, map[string]string{"error": "empty_payload"})
		return
	}
	if in.SendAt.IsZero() {
		in.SendAt = time.Now()
	}
	if in.ScheduledBy.Kind == "" {
		in.ScheduledBy.Kind = core.OriginAPI
	}
	id, err := s.Store.ScheduleMessage(r.Context(), core.ScheduleRequest{
		AccountID:    accountID,
		Receiver:     in.Receiver,
		Body:         in.Body,
		Attachments:  in.Attachments,
		ContactCards: in.ContactCards,
		Polls:        in.Polls,
		SendAt:       in.SendAt,
		ScheduledBy:  in.ScheduledBy,
	})
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeJSON(w, 400, map[string]string{"error": "account_id_required"})
		return
	}
	var status *string
	if v := r.URL.Query().Get("status"); v != "" {
		status = &v
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	items, err := s.Store.QueryMessages(r.Context(), accountID, status, limit, offset)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.Store.GetMessage(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeJSON(w, 404, map[string]string{"error": "message_not_found"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	items, err := s.Store.ItemOutcomes(r.Context(), id)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"message": m, "items": items})
}

func (s *Server) bufferLog(w http.ResponseWriter, r *http.Request) {
	accountID := r.Header.Get("X-Account-ID")
	if accountID == "" {
		writeJSON(w, 400, map[string]string{"error": "missing_X-Account-ID"})
		return
	}
	var in core.LogRecord
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, 400, map[string]string{"error": "invalid_body"})
		return
	}
	p, err := s.Prefs.Get(r.Context(), accountID)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	if !p.LoggerEnabled || p.SinkID == "" {
		writeJSON(w, 409, map[string]string{"error": "logging_disabled"})
		return
	}
	in.SinkID = p.SinkID
	if in.IsCaption == "" {
		in.IsCaption = "No"
	}
	if err := s.Store.InsertLogRecords(r.Context(), []core.LogRecord{in}); err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"buffered": true})
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.Prefs.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, p)
}

func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in prefs.Prefs
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, 400, map[string]string{"error": "invalid_body"})
		return
	}
	in.AccountID = id
	if err := s.Prefs.Set(r.Context(), in); err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}
