package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"piksel/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Register(socketID, userID string) <-chan models.Event
	Unregister(socketID string)
	Subscribe(topic models.Topic, socketID string) bool
	Leave(topic models.Topic, socketID string)
	IsSubscribed(topic models.Topic, socketID string) bool
	Publish(topic models.Topic, ev models.Event)
}

// joinChecker decides whether a user may subscribe to a conversation.
type joinChecker interface {
	CanJoin(ctx context.Context, convID, userID string) error
}

type presenceTracker interface {
	Open(userID, socketID string) (models.PresenceState, error)
	Close(socketID string) error
	Heartbeat(userID string) (models.PresenceState, error)
	Snapshot() ([]models.PresenceState, error)
}

type eventPublisher interface {
	Publish(topic models.Topic, ev models.Event)
}

// deps are the collaborators shared by every connection of a server.
type deps struct {
	hub      messageHub
	bus      eventPublisher
	chat     joinChecker
	presence presenceTracker
	limit    rate.Limit
	burst    int
	log      *slog.Logger
}

type Connection struct {
	deps
	ws      wsConnection
	limiter *rate.Limiter

	socketID   string
	userID     string
	fromClient chan models.ClientFrame
	fromServer <-chan models.Event
	errorCh    chan error
}

func newConnection(d deps, ws wsConnection, socketID, userID string) *Connection {
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.bus == nil {
		d.bus = d.hub
	}
	d.log = d.log.With("socket_id", socketID, "user_id", userID)

	var limiter *rate.Limiter
	if d.limit > 0 {
		limiter = rate.NewLimiter(d.limit, max(d.burst, 1))
	}
	return &Connection{
		deps:       d,
		ws:         ws,
		limiter:    limiter,
		socketID:   socketID,
		userID:     userID,
		fromClient: make(chan models.ClientFrame),
		fromServer: d.hub.Register(socketID, userID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		c.hub.Unregister(c.socketID)
		if err := c.presence.Close(c.socketID); err != nil {
			c.log.Error("failed to record disconnect", "error", err)
		}
	}()

	if _, err := c.presence.Open(c.userID, c.socketID); err != nil {
		c.log.Error("failed to record connect", "error", err)
	}
	if snapshot, err := c.presence.Snapshot(); err != nil {
		c.log.Error("failed to load presence snapshot", "error", err)
	} else if err := c.ws.WriteJSON(models.Event{Type: models.EventPresenceSnapshot, Snapshot: snapshot}); err != nil {
		_ = c.ws.Close()
		return err
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var frame models.ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				return err
			}
			// Malformed frames are answered with an error event.
			frame = models.ClientFrame{}
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.fromClient:
			if err := c.processClientFrame(ctx, frame); err != nil {
				return err
			}
		case ev, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientFrame(ctx context.Context, frame models.ClientFrame) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return c.reply(models.Event{Type: models.EventError, Error: "rate limit exceeded"})
	}
	if err := frame.Validate(); err != nil {
		return c.reply(models.Event{Type: models.EventError, Error: err.Error()})
	}

	topic := models.ConversationTopic(frame.ConversationID)
	switch frame.Type {
	case models.FrameJoin:
		if err := c.chat.CanJoin(ctx, frame.ConversationID, c.userID); err != nil {
			return c.reply(models.Event{Type: models.EventError, ConversationID: frame.ConversationID, Error: err.Error()})
		}
		c.hub.Subscribe(topic, c.socketID)
		return c.reply(models.Event{Type: models.EventJoined, ConversationID: frame.ConversationID})
	case models.FrameLeave:
		c.hub.Leave(topic, c.socketID)
	case models.FrameTypingStart, models.FrameTypingStop:
		if !c.hub.IsSubscribed(topic, c.socketID) {
			return nil
		}
		typ := models.EventTypingStart
		if frame.Type == models.FrameTypingStop {
			typ = models.EventTypingStop
		}
		c.bus.Publish(topic, models.Event{Type: typ, ConversationID: frame.ConversationID, UserID: c.userID})
	case models.FrameHeartbeat:
		if _, err := c.presence.Heartbeat(c.userID); err != nil {
			c.log.Error("heartbeat failed", "error", err)
		}
	}

	return nil
}

func (c *Connection) reply(ev models.Event) error {
	return c.ws.WriteJSON(ev)
}
