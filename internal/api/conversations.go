package api

import (
	"net/http"

	"piksel/internal/models"
	"piksel/internal/storage"
)

func groupResponse(res storage.GroupResult) models.GroupResponse {
	return models.GroupResponse{
		ConversationID: res.Conversation.ID,
		MemberCount:    res.MemberCount(),
		Dissolved:      res.Outcome.Dissolved,
		OwnerID:        res.Conversation.OwnerID,
	}
}

func (a *API) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateGroupRequest
	if !bind(w, r, &req) {
		return
	}
	res, err := a.chat.CreateGroup(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, groupResponse(res))
}

func (a *API) AddMembersHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AddMembersRequest
	if !bind(w, r, &req) {
		return
	}
	res, err := a.chat.AddMembers(r.Context(), r.PathValue("id"), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupResponse(res))
}

func (a *API) LeaveGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LeaveGroupRequest
	if !bind(w, r, &req) {
		return
	}
	res, err := a.chat.LeaveGroup(r.Context(), r.PathValue("id"), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupResponse(res))
}

func (a *API) KickMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req models.KickMemberRequest
	if !bind(w, r, &req) {
		return
	}
	res, err := a.chat.KickMember(r.Context(), r.PathValue("id"), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupResponse(res))
}

func (a *API) UpdateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateGroupRequest
	if !bind(w, r, &req) {
		return
	}
	res, err := a.chat.UpdateGroupSettings(r.Context(), r.PathValue("id"), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupResponse(res))
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if !bind(w, r, &req) {
		return
	}
	msg, replayed, err := a.chat.SendMessage(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, models.SendMessageResponse{Message: msg, Replayed: replayed})
}

func (a *API) EditMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req models.EditMessageRequest
	req.MessageID = id
	if !bind(w, r, &req) {
		return
	}
	msg, err := a.chat.EditMessage(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// DeleteMessageHandler takes the conversation from the conversationId query
// parameter; DELETE requests carry no body.
func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req := models.DeleteMessageRequest{
		ConversationID: r.URL.Query().Get("conversationId"),
		MessageID:      id,
	}
	if !authorize(w, r, &req) {
		return
	}
	msg, err := a.chat.DeleteMessage(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	before, err := timeParam(r, "before")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := a.chat.Messages(r.Context(), r.PathValue("id"), UserID(r.Context()), before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
