package api

import (
	"net/http"

	"piksel/internal/apperr"
	"piksel/internal/auth"
)

type tokenIssuer interface {
	IssueToken(userID string) (auth.TokenResponse, error)
}

type statsSource interface {
	Stats() (map[string]int, error)
}

type hubStats interface {
	Stats() map[string]int
}

type AdminHandler struct {
	auth  tokenIssuer
	store statsSource
	hub   hubStats
}

func NewAdminHandler(auth tokenIssuer, store statsSource, hub hubStats) *AdminHandler {
	return &AdminHandler{auth: auth, store: store, hub: hub}
}

type StatsResponse struct {
	Success bool           `json:"success"`
	Storage map[string]int `json:"storage"`
	Hub     map[string]int `json:"hub"`
}

func (h *AdminHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.Stats(); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeTransient, "storage unavailable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Success: true, Storage: st, Hub: h.hub.Stats()})
}

// IssueTokenHandler mints a session token for any user id. It is only
// mounted on the loopback admin listener.
func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := decodeStrict(w, r, &req); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.UserID == "" {
		writeError(w, apperr.Validation("userId is required"))
		return
	}

	resp, err := h.auth.IssueToken(req.UserID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeValidation, "cannot issue token", err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
