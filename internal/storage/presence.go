package storage

import (
	"go.etcd.io/bbolt"

	"piksel/internal/models"
)

// PresenceFunc derives the next state of a user from the stored one and the
// current number of live connections.
type PresenceFunc func(state *models.PresenceState, live int) error

// ConnectionOpened registers conn and recomputes its user's presence in the
// same transaction.
func (s *BboltStorage) ConnectionOpened(conn models.Connection, fn PresenceFunc) (models.PresenceState, error) {
	var state models.PresenceState
	err := s.update(func(tx *bbolt.Tx) error {
		b, err := nestedCreate(tx, bucketConnections, conn.UserID)
		if err != nil {
			return err
		}
		if err := put(b, &DBConnection{
			SocketID:    conn.SocketID,
			UserID:      conn.UserID,
			ConnectedAt: toNano(conn.ConnectedAt),
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSockets).Put([]byte(conn.SocketID), []byte(conn.UserID)); err != nil {
			return err
		}
		state, err = recompute(tx, conn.UserID, fn)
		return err
	})
	return state, err
}

// ConnectionClosed removes socketID and recomputes its user's presence. ok
// is false when the socket was unknown, e.g. after a restart wiped it.
func (s *BboltStorage) ConnectionClosed(socketID string, fn PresenceFunc) (models.PresenceState, bool, error) {
	var (
		state models.PresenceState
		found bool
	)
	err := s.update(func(tx *bbolt.Tx) error {
		sockets := tx.Bucket(bucketSockets)
		userID := sockets.Get([]byte(socketID))
		if userID == nil {
			return nil
		}
		uid := string(userID)
		found = true
		if err := sockets.Delete([]byte(socketID)); err != nil {
			return err
		}
		if b := nested(tx, bucketConnections, uid); b != nil {
			if err := b.Delete([]byte(socketID)); err != nil {
				return err
			}
		}
		var err error
		state, err = recompute(tx, uid, fn)
		return err
	})
	return state, found, err
}

// UpdatePresence applies fn to userID's state with the live connection
// count read in the same transaction.
func (s *BboltStorage) UpdatePresence(userID string, fn PresenceFunc) (models.PresenceState, error) {
	var state models.PresenceState
	err := s.update(func(tx *bbolt.Tx) error {
		var err error
		state, err = recompute(tx, userID, fn)
		return err
	})
	return state, err
}

func (s *BboltStorage) Presence(userID string) (models.PresenceState, error) {
	var state models.PresenceState
	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		state, err = loadPresence(tx, userID)
		return err
	})
	return state, err
}

// PresenceBatch returns states in the order of ids.
func (s *BboltStorage) PresenceBatch(ids []string) ([]models.PresenceState, error) {
	out := make([]models.PresenceState, 0, len(ids))
	err := s.view(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			st, err := loadPresence(tx, id)
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

// OnlineUsers returns the states of every user that is currently online.
func (s *BboltStorage) OnlineUsers() ([]models.PresenceState, error) {
	var out []models.PresenceState
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPresence).ForEach(func(k, v []byte) error {
			var rec DBPresence
			if err := rec.UnmarshalBinary(v); err != nil {
				return err
			}
			if rec.Presence == string(models.PresenceOnline) {
				out = append(out, rec.toModel())
			}
			return nil
		})
	})
	return out, err
}

func (s *BboltStorage) LiveConnections(userID string) (int, error) {
	var n int
	err := s.view(func(tx *bbolt.Tx) error {
		n = countKeys(nested(tx, bucketConnections, userID))
		return nil
	})
	return n, err
}

// ResetConnections drops every registered connection and marks all users
// offline. Called once at startup: connections never survive a restart.
func (s *BboltStorage) ResetConnections() error {
	now := toNano(s.clock())
	return s.update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConnections, bucketSockets} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		b := tx.Bucket(bucketPresence)
		var rows []*DBPresence
		err := b.ForEach(func(k, v []byte) error {
			var rec DBPresence
			if err := rec.UnmarshalBinary(v); err != nil {
				return err
			}
			if rec.Presence != string(models.PresenceOffline) {
				rows = append(rows, &rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range rows {
			rec.Presence = string(models.PresenceOffline)
			rec.UpdatedAt = now
			if err := put(b, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func loadPresence(tx *bbolt.Tx, userID string) (models.PresenceState, error) {
	var rec DBPresence
	ok, err := get(tx.Bucket(bucketPresence), []byte(userID), &rec)
	if err != nil {
		return models.PresenceState{}, err
	}
	if !ok {
		return models.DefaultPresence(userID), nil
	}
	return rec.toModel(), nil
}

func recompute(tx *bbolt.Tx, userID string, fn PresenceFunc) (models.PresenceState, error) {
	state, err := loadPresence(tx, userID)
	if err != nil {
		return state, err
	}
	live := countKeys(nested(tx, bucketConnections, userID))
	if err := fn(&state, live); err != nil {
		return state, err
	}
	state.UserID = userID
	return state, put(tx.Bucket(bucketPresence), presenceFromModel(state))
}
