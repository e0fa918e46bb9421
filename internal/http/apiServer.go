package http

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"piksel/internal/api"
	"piksel/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewRouter mounts the public API and the websocket endpoint.
func NewRouter(apiHandlers *api.API, wsServer *ws.Server) *http.ServeMux {
	auth := apiHandlers.RequireAuth
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", apiHandlers.HealthHandler)
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))

	// Conversations
	mux.HandleFunc("POST /api/chat/dm/open", api.RequireSameOrigin(auth(apiHandlers.OpenDirectHandler)))
	mux.HandleFunc("POST /api/chat/groups", api.RequireSameOrigin(auth(apiHandlers.CreateGroupHandler)))
	mux.HandleFunc("POST /api/chat/groups/{id}/members", api.RequireSameOrigin(auth(apiHandlers.AddMembersHandler)))
	mux.HandleFunc("POST /api/chat/groups/{id}/leave", api.RequireSameOrigin(auth(apiHandlers.LeaveGroupHandler)))
	mux.HandleFunc("POST /api/chat/groups/{id}/kick", api.RequireSameOrigin(auth(apiHandlers.KickMemberHandler)))
	mux.HandleFunc("POST /api/chat/groups/{id}/settings", api.RequireSameOrigin(auth(apiHandlers.UpdateGroupHandler)))
	mux.HandleFunc("GET /api/chat/inbox", auth(apiHandlers.InboxHandler))
	mux.HandleFunc("GET /api/chat/conversations/{id}/messages", auth(apiHandlers.MessagesHandler))
	mux.HandleFunc("GET /api/chat/conversations/{id}/participants", auth(apiHandlers.ParticipantsHandler))
	mux.HandleFunc("POST /api/chat/read", api.RequireSameOrigin(auth(apiHandlers.MarkReadHandler)))
	mux.HandleFunc("GET /api/chat/state", auth(apiHandlers.GetChatStateHandler))
	mux.HandleFunc("PUT /api/chat/state", api.RequireSameOrigin(auth(apiHandlers.PutChatStateHandler)))

	// Messages
	mux.HandleFunc("POST /api/chat/messages", api.RequireSameOrigin(auth(apiHandlers.SendMessageHandler)))
	mux.HandleFunc("PATCH /api/chat/messages/{id}", api.RequireSameOrigin(auth(apiHandlers.EditMessageHandler)))
	mux.HandleFunc("DELETE /api/chat/messages/{id}", api.RequireSameOrigin(auth(apiHandlers.DeleteMessageHandler)))

	// Presence
	mux.HandleFunc("GET /api/presence/{id}", auth(apiHandlers.PresenceHandler))
	mux.HandleFunc("POST /api/presence/batch", auth(apiHandlers.PresenceBatchHandler))
	mux.HandleFunc("PUT /api/presence", api.RequireSameOrigin(auth(apiHandlers.UpdatePresenceHandler)))
	mux.HandleFunc("POST /api/presence/ping", auth(apiHandlers.PingHandler))

	// Keys, uploads and push
	mux.HandleFunc("PUT /api/e2ee/keys", api.RequireSameOrigin(auth(apiHandlers.RegisterKeyHandler)))
	mux.HandleFunc("GET /api/e2ee/conversations/{id}/keys", auth(apiHandlers.ConversationKeysHandler))
	mux.HandleFunc("POST /api/uploads/sign", api.RequireSameOrigin(auth(apiHandlers.SignUploadHandler)))
	mux.HandleFunc("POST /api/push/subscriptions", api.RequireSameOrigin(auth(apiHandlers.PushSubscribeHandler)))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/chat/ws", wsServer.HandleConnections)

	return mux
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(apiHandlers, wsServer),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
