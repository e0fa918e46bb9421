package api

import (
	"net/http"
	"strconv"
	"time"

	"piksel/internal/apperr"
	"piksel/internal/chat"
	"piksel/internal/models"
	"piksel/internal/presence"
	"piksel/internal/push"
	"piksel/internal/upload"
)

type tokenVerifier interface {
	GetUserID(token string) (string, error)
	Logoff(token string) error
}

type API struct {
	auth     tokenVerifier
	chat     *chat.Service
	presence *presence.Aggregator
	uploads  *upload.Signer
	push     *push.Notifier
}

func New(auth tokenVerifier, chat *chat.Service, presence *presence.Aggregator, uploads *upload.Signer, push *push.Notifier) *API {
	return &API{
		auth:     auth,
		chat:     chat,
		presence: presence,
		uploads:  uploads,
		push:     push,
	}
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	token := a.getToken(r)
	if token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) OpenDirectHandler(w http.ResponseWriter, r *http.Request) {
	var req models.OpenDirectRequest
	if !bind(w, r, &req) {
		return
	}
	resp, err := a.chat.OpenDirect(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) InboxHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	inbox, err := a.chat.Inbox(r.Context(), UserID(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if inbox == nil {
		inbox = []models.InboxEntry{}
	}
	writeJSON(w, http.StatusOK, inbox)
}

func (a *API) ParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	parts, err := a.chat.Participants(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parts)
}

func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	var req models.MarkReadRequest
	if !bind(w, r, &req) {
		return
	}
	p, err := a.chat.MarkRead(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) GetChatStateHandler(w http.ResponseWriter, r *http.Request) {
	state, err := a.chat.ChatState(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) PutChatStateHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ChatStateRequest
	if !bind(w, r, &req) {
		return
	}
	state, err := a.chat.SaveChatState(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) RegisterKeyHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterKeyRequest
	if !bind(w, r, &req) {
		return
	}
	key, err := a.chat.RegisterPublicKey(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (a *API) ConversationKeysHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := a.chat.ConversationKeys(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) SignUploadHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UploadSignRequest
	if !bind(w, r, &req) {
		return
	}
	target, err := a.uploads.Sign(UserID(r.Context()), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.PushSubscriptionRequest
	if !bind(w, r, &req) {
		return
	}
	if err := a.push.Subscribe(UserID(r.Context()), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", name)
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, apperr.Validation("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}

func messageID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Validation("invalid message id")
	}
	return id, nil
}
