package storage

import (
	"go.etcd.io/bbolt"

	"piksel/internal/envelope"
	"piksel/internal/models"
)

// PutPublicKey registers or rotates userID's encryption key.
func (s *BboltStorage) PutPublicKey(userID string, key envelope.PublicKey) (models.UserKey, error) {
	now := s.clock()
	rec := &DBPublicKey{UserID: userID, PublicKey: key[:], UpdatedAt: toNano(now)}
	err := s.update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketKeys), rec)
	})
	return models.UserKey{UserID: userID, PublicKey: key.String(), UpdatedAt: now}, err
}

// PublicKeys returns the registered keys among userIDs. Users without a key
// are absent from the result.
func (s *BboltStorage) PublicKeys(userIDs []string) (map[string]models.UserKey, error) {
	out := make(map[string]models.UserKey, len(userIDs))
	err := s.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		for _, id := range userIDs {
			var rec DBPublicKey
			ok, err := get(b, []byte(id), &rec)
			if err != nil {
				return err
			}
			if !ok || len(rec.PublicKey) != envelope.KeySize {
				continue
			}
			out[id] = models.UserKey{
				UserID:    id,
				PublicKey: envelope.PublicKey(rec.PublicKey).String(),
				UpdatedAt: fromNano(rec.UpdatedAt),
			}
		}
		return nil
	})
	return out, err
}

func (s *BboltStorage) PutPushSubscription(sub models.PushSubscription) error {
	return s.update(func(tx *bbolt.Tx) error {
		b, err := nestedCreate(tx, bucketPushSubscriptions, sub.UserID)
		if err != nil {
			return err
		}
		return put(b, &DBPushSubscription{
			UserID:    sub.UserID,
			Endpoint:  sub.Endpoint,
			P256dh:    sub.P256dh,
			Auth:      sub.Auth,
			CreatedAt: toNano(sub.CreatedAt),
		})
	})
}

func (s *BboltStorage) PushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var out []models.PushSubscription
	err := s.view(func(tx *bbolt.Tx) error {
		b := nested(tx, bucketPushSubscriptions, userID)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec DBPushSubscription
			if err := rec.UnmarshalBinary(v); err != nil {
				return err
			}
			out = append(out, models.PushSubscription{
				UserID:    rec.UserID,
				Endpoint:  rec.Endpoint,
				P256dh:    rec.P256dh,
				Auth:      rec.Auth,
				CreatedAt: fromNano(rec.CreatedAt),
			})
			return nil
		})
	})
	return out, err
}

// DeletePushSubscription drops a subscription the push service rejected.
func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := nested(tx, bucketPushSubscriptions, userID)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}
