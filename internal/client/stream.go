package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"piksel/internal/models"
)

const writeWait = 10 * time.Second

// Stream is a websocket connection to the realtime endpoint. Events are
// delivered in order on Events until the connection ends.
type Stream struct {
	conn    *websocket.Conn
	events  chan models.Event
	writeMu sync.Mutex
	done    chan struct{}
	closing chan struct{}
	once    sync.Once
	err     error
}

// Dial connects to baseURL's websocket endpoint. http and https base URLs
// are rewritten to ws and wss.
func Dial(ctx context.Context, baseURL, token string) (*Stream, error) {
	u := strings.TrimSuffix(baseURL, "/") + "/api/chat/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (Status: %d): %w", u, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", u, err)
	}

	s := &Stream{
		conn:    conn,
		events:  make(chan models.Event, 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Stream) Events() <-chan models.Event {
	return s.events
}

// Err returns the error that ended the stream once Events is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

func (s *Stream) Join(convID string) error {
	return s.send(models.ClientFrame{Type: models.FrameJoin, ConversationID: convID})
}

func (s *Stream) Leave(convID string) error {
	return s.send(models.ClientFrame{Type: models.FrameLeave, ConversationID: convID})
}

func (s *Stream) Typing(convID string, active bool) error {
	frame := models.ClientFrame{Type: models.FrameTypingStop, ConversationID: convID}
	if active {
		frame.Type = models.FrameTypingStart
	}
	return s.send(frame)
}

func (s *Stream) Heartbeat() error {
	return s.send(models.ClientFrame{Type: models.FrameHeartbeat})
}

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closing)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *Stream) send(frame models.ClientFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}

func (s *Stream) readLoop() {
	defer close(s.done)
	defer close(s.events)
	for {
		var ev models.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.err = err
			}
			return
		}
		select {
		case s.events <- ev:
		case <-s.closing:
			return
		}
	}
}
