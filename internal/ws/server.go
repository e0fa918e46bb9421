package ws

import (
	"log"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type tokenVerifier interface {
	GetUserID(token string) (string, error)
}

type ServerConfig struct {
	Hub      *Hub
	Bus      eventPublisher
	Chat     joinChecker
	Presence presenceTracker
	// FrameRate and FrameBurst bound inbound frames per socket. Zero
	// disables the limit.
	FrameRate  float64
	FrameBurst int
	Logger     *slog.Logger
}

type Server struct {
	auth     tokenVerifier
	deps     deps
	upgrader *websocket.Upgrader
}

func NewServer(auth tokenVerifier, cfg ServerConfig) *Server {
	bus := cfg.Bus
	if bus == nil {
		bus = cfg.Hub
	}
	return &Server{
		auth: auth,
		deps: deps{
			hub:      cfg.Hub,
			bus:      bus,
			chat:     cfg.Chat,
			presence: cfg.Presence,
			limit:    rate.Limit(cfg.FrameRate),
			burst:    cfg.FrameBurst,
			log:      cfg.Logger,
		},
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.GetUserID(RequestToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := newConnection(s.deps, ws, uuid.NewString(), userID)
	if err := conn.Handle(r.Context()); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("websocket closed for user %s: %v", userID, err)
	}
}

// RequestToken extracts a session token from the Authorization header or,
// for browser websockets that cannot set headers, the token query parameter.
func RequestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.Header.Get("token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}
