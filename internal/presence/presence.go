// Package presence derives what other users see from a user's requested
// status and the number of sockets they have open.
package presence

import (
	"log/slog"
	"time"

	"piksel/internal/apperr"
	"piksel/internal/content"
	"piksel/internal/models"
	"piksel/internal/storage"
)

type Store interface {
	ConnectionOpened(conn models.Connection, fn storage.PresenceFunc) (models.PresenceState, error)
	ConnectionClosed(socketID string, fn storage.PresenceFunc) (models.PresenceState, bool, error)
	UpdatePresence(userID string, fn storage.PresenceFunc) (models.PresenceState, error)
	Presence(userID string) (models.PresenceState, error)
	PresenceBatch(ids []string) ([]models.PresenceState, error)
	OnlineUsers() ([]models.PresenceState, error)
	LiveConnections(userID string) (int, error)
	ResetConnections() error
}

type Publisher interface {
	Publish(topic models.Topic, ev models.Event)
}

type Aggregator struct {
	store Store
	bus   Publisher
	log   *slog.Logger
	now   func() time.Time
}

func New(store Store, bus Publisher, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, bus: bus, log: logger, now: time.Now}
}

// Derive is the presence rule: online only while at least one connection is
// live and the user has not asked to appear offline.
func Derive(status models.Status, live int) models.Presence {
	if live > 0 && status != models.StatusOffline {
		return models.PresenceOnline
	}
	return models.PresenceOffline
}

// Reset forgets every connection. Run once before accepting sockets.
func (a *Aggregator) Reset() error {
	return a.store.ResetConnections()
}

// Open registers a new socket for userID.
func (a *Aggregator) Open(userID, socketID string) (models.PresenceState, error) {
	now := a.now().UTC()
	st, err := a.store.ConnectionOpened(models.Connection{
		SocketID:    socketID,
		UserID:      userID,
		ConnectedAt: now,
	}, a.derive(now, true, nil))
	if err != nil {
		return st, err
	}
	a.publish(st)
	return st, nil
}

// Close unregisters a socket. Unknown sockets are ignored.
func (a *Aggregator) Close(socketID string) error {
	st, found, err := a.store.ConnectionClosed(socketID, a.derive(a.now().UTC(), false, nil))
	if err != nil || !found {
		return err
	}
	a.publish(st)
	return nil
}

// SetStatus records the status a user asked for. customStatus is left
// unchanged when nil.
func (a *Aggregator) SetStatus(userID string, status models.Status, customStatus *string) (models.PresenceState, error) {
	if !status.Valid() {
		return models.PresenceState{}, apperr.Validation("unknown status %q", status)
	}
	active := status == models.StatusOnline || status == models.StatusDND
	st, err := a.store.UpdatePresence(userID, a.derive(a.now().UTC(), active, func(st *models.PresenceState) {
		st.Status = status
		if customStatus != nil {
			st.CustomStatus = content.SanitizeLine(*customStatus, models.MaxCustomStatus)
		}
	}))
	if err != nil {
		return st, err
	}
	a.publish(st)
	return st, nil
}

// Heartbeat marks the user active. A change of presence is broadcast.
func (a *Aggregator) Heartbeat(userID string) (models.PresenceState, error) {
	var before models.Presence
	st, err := a.store.UpdatePresence(userID, a.derive(a.now().UTC(), true, func(st *models.PresenceState) {
		before = st.Presence
	}))
	if err != nil {
		return st, err
	}
	if st.Presence != before {
		a.publish(st)
	}
	return st, nil
}

func (a *Aggregator) Get(userID string) (models.PresenceState, error) {
	return a.store.Presence(userID)
}

// Batch returns the states of ids, deduplicated, in first-seen order.
func (a *Aggregator) Batch(ids []string) ([]models.PresenceState, error) {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) > models.MaxPresenceBatch {
		return nil, apperr.Validation("at most %d user ids per batch", models.MaxPresenceBatch)
	}
	return a.store.PresenceBatch(unique)
}

// Snapshot lists everyone currently online; sent to a socket after it opens.
func (a *Aggregator) Snapshot() ([]models.PresenceState, error) {
	return a.store.OnlineUsers()
}

// IsOnline reports whether userID has a live connection.
func (a *Aggregator) IsOnline(userID string) (bool, error) {
	n, err := a.store.LiveConnections(userID)
	return n > 0, err
}

func (a *Aggregator) derive(now time.Time, touch bool, mutate func(*models.PresenceState)) storage.PresenceFunc {
	return func(st *models.PresenceState, live int) error {
		if mutate != nil {
			mutate(st)
		}
		prev := st.Presence
		st.Presence = Derive(st.Status, live)
		if touch || (prev == models.PresenceOnline && st.Presence == models.PresenceOffline) {
			st.LastActiveAt = &now
		}
		st.UpdatedAt = now
		return nil
	}
}

func (a *Aggregator) publish(st models.PresenceState) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(models.BroadcastTopic(), models.Event{
		Type:     models.EventPresenceUpdate,
		UserID:   st.UserID,
		Presence: &st,
	})
	a.log.Debug("presence updated", "user_id", st.UserID, "status", st.Status, "presence", st.Presence)
}
