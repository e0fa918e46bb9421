package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"piksel/internal/apperr"
	"piksel/internal/membership"
	"piksel/internal/models"
)

var (
	bucketConversations     = []byte("conversations")
	bucketParticipants      = []byte("participants")
	bucketUserConversations = []byte("user_conversations")
	bucketMessages          = []byte("messages")
	bucketNonces            = []byte("nonces")
	bucketKeys              = []byte("e2ee_keys")
	bucketPresence          = []byte("presence")
	bucketConnections       = []byte("connections")
	bucketSockets           = []byte("sockets")
	bucketChatState         = []byte("chat_state")
	bucketPushSubscriptions = []byte("push_subscriptions")
	bucketMeta              = []byte("meta")

	keyStoreID = []byte("store_id")

	allBuckets = [][]byte{
		bucketConversations,
		bucketParticipants,
		bucketUserConversations,
		bucketMessages,
		bucketNonces,
		bucketKeys,
		bucketPresence,
		bucketConnections,
		bucketSockets,
		bucketChatState,
		bucketPushSubscriptions,
		bucketMeta,
	}
)

// BboltStorage keeps all chat state in a single bbolt file. bbolt runs one
// write transaction at a time, so every method that reads and then writes
// inside a single Update is atomic with respect to all other writers.
type BboltStorage struct {
	db      *bbolt.DB
	now     func() time.Time
	storeID string
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	var storeID string
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if id := meta.Get(keyStoreID); id != nil {
			storeID = string(id)
			return nil
		}
		storeID = uuid.NewString()
		return meta.Put(keyStoreID, []byte(storeID))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now, storeID: storeID}, nil
}

// StoreID identifies the data file. It is generated on first open and
// survives restarts.
func (s *BboltStorage) StoreID() string {
	return s.storeID
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func (s *BboltStorage) clock() time.Time {
	return s.now().UTC()
}

func (s *BboltStorage) update(fn func(tx *bbolt.Tx) error) error {
	return mapErr(s.db.Update(fn))
}

func (s *BboltStorage) view(fn func(tx *bbolt.Tx) error) error {
	return mapErr(s.db.View(fn))
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bbolt.ErrTimeout) || errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return apperr.Wrap(apperr.CodeTransient, "storage unavailable", err)
	}
	return err
}

func put(b *bbolt.Bucket, rec Storeable) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", rec, err)
	}
	return b.Put(rec.Key(), data)
}

// get loads key into rec and reports whether it was present.
func get(b *bbolt.Bucket, key []byte, rec Storeable) (bool, error) {
	if b == nil {
		return false, nil
	}
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := rec.UnmarshalBinary(data); err != nil {
		return false, fmt.Errorf("failed to unmarshal %T: %w", rec, err)
	}
	return true, nil
}

func nested(tx *bbolt.Tx, root []byte, name string) *bbolt.Bucket {
	return tx.Bucket(root).Bucket([]byte(name))
}

func nestedCreate(tx *bbolt.Tx, root []byte, name string) (*bbolt.Bucket, error) {
	b, err := tx.Bucket(root).CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s/%s bucket: %w", root, name, err)
	}
	return b, nil
}

// loadConversation returns the live conversation id. Dissolved groups are
// reported as not found.
func loadConversation(tx *bbolt.Tx, id string) (*DBConversation, error) {
	var c DBConversation
	ok, err := get(tx.Bucket(bucketConversations), []byte(id), &c)
	if err != nil {
		return nil, err
	}
	if !ok || c.DissolvedAt != 0 {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	return &c, nil
}

func loadParticipant(tx *bbolt.Tx, convID, userID string) (*DBParticipant, error) {
	var p DBParticipant
	ok, err := get(nested(tx, bucketParticipants, convID), []byte(userID), &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// loadParticipants returns participants ordered by join time.
func loadParticipants(tx *bbolt.Tx, convID string) ([]models.Participant, error) {
	b := nested(tx, bucketParticipants, convID)
	if b == nil {
		return nil, nil
	}
	var out []models.Participant
	err := b.ForEach(func(k, v []byte) error {
		var p DBParticipant
		if err := p.UnmarshalBinary(v); err != nil {
			return err
		}
		out = append(out, p.toModel())
		return nil
	})
	if err != nil {
		return nil, err
	}
	membership.SortMembers(out)
	return out, nil
}

func putParticipant(tx *bbolt.Tx, p models.Participant) error {
	b, err := nestedCreate(tx, bucketParticipants, p.ConversationID)
	if err != nil {
		return err
	}
	if err := put(b, participantFromModel(p)); err != nil {
		return err
	}
	idx, err := nestedCreate(tx, bucketUserConversations, p.UserID)
	if err != nil {
		return err
	}
	return idx.Put([]byte(p.ConversationID), []byte{})
}

func deleteParticipant(tx *bbolt.Tx, convID, userID string) error {
	if b := nested(tx, bucketParticipants, convID); b != nil {
		if err := b.Delete([]byte(userID)); err != nil {
			return err
		}
	}
	if idx := nested(tx, bucketUserConversations, userID); idx != nil {
		return idx.Delete([]byte(convID))
	}
	return nil
}

func countKeys(b *bbolt.Bucket) int {
	if b == nil {
		return 0
	}
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// Stats reports row counts for the admin server.
func (s *BboltStorage) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	err := s.view(func(tx *bbolt.Tx) error {
		stats["conversations"] = countKeys(tx.Bucket(bucketConversations))
		stats["sockets"] = countKeys(tx.Bucket(bucketSockets))
		stats["publicKeys"] = countKeys(tx.Bucket(bucketKeys))
		stats["presence"] = countKeys(tx.Bucket(bucketPresence))
		return nil
	})
	return stats, err
}
