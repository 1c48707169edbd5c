package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/fitbuddy/internal/reminder"
	"github.com/antoniostano/fitbuddy/internal/store"
)

type reminderInput struct {
	Slot      int      `json:"slot"`
	TimeOfDay string   `json:"time_of_day"`
	Days      []string `json:"days,omitempty"`
	Active    *bool    `json:"active,omitempty"`
}

type replaceRemindersRequest struct {
	Reminders []reminderInput `json:"reminders"`
}

type remindersResponse struct {
	UserID    string            `json:"user_id"`
	Reminders []reminder.Record `json:"reminders"`
}

// kindParam returns the optional {kind} segment. An absent segment means
// every kind.
func kindParam(r *http.Request) (reminder.Kind, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "kind"))
	if raw == "" {
		return "", nil
	}
	return reminder.ParseKind(strings.ToLower(raw))
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	userID := userIDParam(r)
	kind, err := kindParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_kind", err.Error())
		return
	}
	records, err := s.store.ListReminders(r.Context(), userID)
	if err != nil {
		s.metrics.IncPersistenceError("list_reminders")
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	out := make([]reminder.Record, 0, len(records))
	for _, rec := range records {
		if kind == "" || rec.Kind == kind {
			out = append(out, rec)
		}
	}
	respondJSON(w, http.StatusOK, remindersResponse{UserID: userID, Reminders: out})
}

func (s *Server) handleReplaceReminders(w http.ResponseWriter, r *http.Request) {
	userID := userIDParam(r)
	kind, err := kindParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_kind", err.Error())
		return
	}

	var req replaceRemindersRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	records := make([]reminder.Record, 0, len(req.Reminders))
	for _, in := range req.Reminders {
		var days []reminder.Weekday
		if len(in.Days) > 0 {
			days, err = reminder.ParseDays(strings.Join(in.Days, ","))
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid_days", err.Error())
				return
			}
		}
		active := true
		if in.Active != nil {
			active = *in.Active
		}
		records = append(records, reminder.Record{
			Kind:      kind,
			Slot:      in.Slot,
			TimeOfDay: strings.TrimSpace(in.TimeOfDay),
			Days:      days,
			Active:    active,
		})
	}

	if err := s.store.ReplaceReminders(r.Context(), userID, kind, records); err != nil {
		if isValidationError(err) {
			respondError(w, http.StatusBadRequest, "invalid_reminder", err.Error())
			return
		}
		s.metrics.IncPersistenceError("replace_reminders")
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	stored, err := s.store.ListReminders(r.Context(), userID)
	if err != nil {
		s.metrics.IncPersistenceError("list_reminders")
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	out := make([]reminder.Record, 0, len(stored))
	for _, rec := range stored {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	respondJSON(w, http.StatusOK, remindersResponse{UserID: userID, Reminders: out})
}

func (s *Server) handleDeleteReminders(w http.ResponseWriter, r *http.Request) {
	userID := userIDParam(r)
	kind, err := kindParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_kind", err.Error())
		return
	}
	n, err := s.store.DeleteReminders(r.Context(), userID, kind)
	if err != nil {
		s.metrics.IncPersistenceError("delete_reminders")
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "deleted": n})
}

func isValidationError(err error) bool {
	return errors.Is(err, reminder.ErrInvalidTime) ||
		errors.Is(err, reminder.ErrInvalidDays) ||
		errors.Is(err, reminder.ErrInvalidKind) ||
		errors.Is(err, store.ErrKindMismatch)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ActivityStats(r.Context(), userIDParam(r))
	if err != nil {
		s.metrics.IncPersistenceError("activity_stats")
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := userIDParam(r)
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	flowID := strings.TrimSpace(r.URL.Query().Get("flow"))
	results, err := s.store.DialogueHistory(r.Context(), userID, flowID, limit)
	if err != nil {
		s.metrics.IncPersistenceError("dialogue_history")
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if results == nil {
		results = []store.DialogueResult{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "results": results})
}
