package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"kobopay/internal/chat"
	"kobopay/internal/database"
	"kobopay/internal/insights"
	offsync "kobopay/internal/sync"
	"kobopay/pkg/logger"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps domain errors onto HTTP statuses. Anything outside
// the closed taxonomy is an infrastructure failure and answers 500 without
// leaking internals.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, offsync.ErrEmptyBatch),
		errors.Is(err, offsync.ErrBatchTooLarge),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, insights.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrAccountNotFound),
		errors.Is(err, database.ErrChainStateNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, offsync.ErrChainInvalid):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, insights.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded; back off and retry later")
	default:
		logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%w: malformed body: %v", ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeSyncBatch parses and structurally validates a sync request body.
func decodeSyncBatch(r *http.Request) (string, []*database.OfflineTx, error) {
	var req SyncRequest
	if err := decodeBody(r, &req); err != nil {
		return "", nil, err
	}
	if req.UserID == "" {
		return "", nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	batch := make([]*database.OfflineTx, 0, len(req.Transactions))
	for i, wire := range req.Transactions {
		tx, err := wire.ToModel()
		if err != nil {
			return "", nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		batch = append(batch, tx)
	}
	return req.UserID, batch, nil
}

// syncOffline handles POST /sync/offline. Partial success is still 200: the
// SyncResult body carries the per-transaction outcomes.
func (s *Server) syncOffline(w http.ResponseWriter, r *http.Request) {
	userID, batch, err := decodeSyncBatch(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	result, err := s.syncSvc.Sync(r.Context(), userID, batch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// syncValidate handles POST /sync/validate: a dry run of the validator with
// no state change.
func (s *Server) syncValidate(w http.ResponseWriter, r *http.Request) {
	userID, batch, err := decodeSyncBatch(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	report, err := s.syncSvc.ValidateOnly(r.Context(), userID, batch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	view, err := reportView(report)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) syncChain(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	state, err := s.syncSvc.ChainState(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	view, err := chainStateView(state)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) syncConflicts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	conflicts, err := s.syncSvc.UnresolvedConflicts(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views, err := conflictViews(conflicts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": views, "count": len(views)})
}

func (s *Server) syncRetry(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	result, err := s.syncSvc.Retry(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if req.UserID == "" {
		writeServiceError(w, fmt.Errorf("%w: user_id is required", ErrInvalidInput))
		return
	}

	result, err := s.chatSvc.Chat(r.Context(), req.UserID, req.Message, req.UseMemory)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) chatAdmin(w http.ResponseWriter, r *http.Request) {
	var req AdminChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if req.AdminID == "" {
		writeServiceError(w, fmt.Errorf("%w: admin_id is required", ErrInvalidInput))
		return
	}

	ip := clientIP(r)
	ua := r.UserAgent()
	result, err := s.insightsSvc.Ask(r.Context(), insights.AskRequest{
		AdminID:        req.AdminID,
		Query:          req.Message,
		ConversationID: req.ConversationID,
		IPAddress:      &ip,
		UserAgent:      &ua,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
