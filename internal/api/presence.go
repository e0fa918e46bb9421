package api

import (
	"net/http"

	"piksel/internal/apperr"
	"piksel/internal/content"
	"piksel/internal/models"
)

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := content.ValidateUserID(id); err != nil {
		writeError(w, apperr.Validation("%v", err))
		return
	}
	st, err := a.presence.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) PresenceBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req models.PresenceBatchRequest
	if !bind(w, r, &req) {
		return
	}
	states, err := a.presence.Batch(req.UserIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (a *API) UpdatePresenceHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UpdatePresenceRequest
	if !bind(w, r, &req) {
		return
	}
	st, err := a.presence.SetStatus(UserID(r.Context()), req.Status, req.CustomStatus)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) PingHandler(w http.ResponseWriter, r *http.Request) {
	st, err := a.presence.Heartbeat(UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
