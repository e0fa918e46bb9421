package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"piksel/internal/apperr"
	"piksel/internal/membership"
	"piksel/internal/models"
)

// Admission decides, inside the write transaction, whether a message may be
// stored and what it contains. Authorize runs before the idempotency check
// and Compose after it, so a replayed send is never re-validated.
type Admission struct {
	Authorize func(conv *models.Conversation, sender *models.Participant) error
	Compose   func(conv *models.Conversation) (models.MessageContent, error)
}

// AppendMessage stores a user message. When nonce is non-empty and the
// sender already stored a message with it, that message is returned with
// replayed set and nothing is written.
func (s *BboltStorage) AppendMessage(convID, senderID, nonce string, adm Admission) (models.Message, bool, error) {
	var (
		msg      models.Message
		replayed bool
	)
	err := s.update(func(tx *bbolt.Tx) error {
		c, err := loadConversation(tx, convID)
		if err != nil {
			return err
		}
		conv := c.toModel()

		var sender *models.Participant
		p, err := loadParticipant(tx, convID, senderID)
		if err != nil {
			return err
		}
		if p != nil {
			m := p.toModel()
			sender = &m
		}
		if err := adm.Authorize(&conv, sender); err != nil {
			return err
		}

		nonces := tx.Bucket(bucketNonces)
		if nonce != "" {
			var ref DBNonceRef
			ok, err := get(nonces, nonceKey(senderID, nonce), &ref)
			if err != nil {
				return err
			}
			if ok {
				var existing DBMessage
				found, err := get(nested(tx, bucketMessages, ref.ConversationID), messageKey(ref.MessageID), &existing)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("nonce %q points to missing message %d", nonce, ref.MessageID)
				}
				msg = existing.toModel()
				replayed = true
				return nil
			}
		}

		body, err := adm.Compose(&conv)
		if err != nil {
			return err
		}

		now := s.clock()
		rec := &DBMessage{
			ConversationID: convID,
			SenderID:       senderID,
			ClientNonce:    nonce,
			Kind:           string(models.MessageKindUser),
			Body:           body.Body,
			Preview:        body.Preview,
			IsEncrypted:    body.IsEncrypted,
			Envelope:       body.Envelope,
		}
		if err := insertMessage(tx, c, rec, now); err != nil {
			return err
		}
		if nonce != "" {
			ref := &DBNonceRef{SenderID: senderID, ClientNonce: nonce, ConversationID: convID, MessageID: rec.ID}
			if err := put(nonces, ref); err != nil {
				return err
			}
		}
		if err := bumpUnread(tx, convID, senderID, now); err != nil {
			return err
		}
		if err := put(tx.Bucket(bucketConversations), c); err != nil {
			return err
		}
		msg = rec.toModel()
		return nil
	})
	return msg, replayed, err
}

// EditMessage replaces the content of a live message. Only its sender may
// edit it.
func (s *BboltStorage) EditMessage(convID string, id uint64, editorID string, compose func(conv *models.Conversation) (models.MessageContent, error)) (models.Message, error) {
	var msg models.Message
	err := s.update(func(tx *bbolt.Tx) error {
		c, b, rec, err := loadLiveMessage(tx, convID, id)
		if err != nil {
			return err
		}
		if rec.SenderID != editorID || rec.Kind != string(models.MessageKindUser) {
			return apperr.Forbidden("only the sender can edit a message")
		}
		conv := c.toModel()
		body, err := compose(&conv)
		if err != nil {
			return err
		}

		now := s.clock()
		rec.Body = body.Body
		rec.Preview = body.Preview
		rec.IsEncrypted = body.IsEncrypted
		rec.Envelope = body.Envelope
		rec.EditedAt = toNano(now)
		if err := put(b, rec); err != nil {
			return err
		}

		if latest, err := latestLive(b); err != nil {
			return err
		} else if latest != nil && latest.ID == rec.ID {
			preview := rec.Preview
			c.LastMessagePreview = &preview
		}
		touch(c, now)
		if err := put(tx.Bucket(bucketConversations), c); err != nil {
			return err
		}
		msg = rec.toModel()
		return nil
	})
	return msg, err
}

// DeleteMessage soft-deletes a live message and recomputes the
// conversation preview from the newest surviving message.
func (s *BboltStorage) DeleteMessage(convID string, id uint64, actorID string) (models.Message, error) {
	var msg models.Message
	err := s.update(func(tx *bbolt.Tx) error {
		c, b, rec, err := loadLiveMessage(tx, convID, id)
		if err != nil {
			return err
		}
		if rec.SenderID != actorID {
			return apperr.Forbidden("only the sender can delete a message")
		}

		now := s.clock()
		rec.IsDeleted = true
		rec.DeletedAt = toNano(now)
		rec.DeletedBy = actorID
		if err := put(b, rec); err != nil {
			return err
		}

		latest, err := latestLive(b)
		if err != nil {
			return err
		}
		if latest == nil {
			c.LastMessagePreview = nil
			c.LastSenderID = ""
			c.LastMessageAt = 0
		} else {
			preview := latest.Preview
			c.LastMessagePreview = &preview
			c.LastSenderID = latest.SenderID
			c.LastMessageAt = latest.CreatedAt
		}
		touch(c, now)
		if err := put(tx.Bucket(bucketConversations), c); err != nil {
			return err
		}
		msg = rec.toModel()
		return nil
	})
	return msg, err
}

// ListMessages returns up to limit live messages created strictly before
// before (any time when zero), oldest first.
func (s *BboltStorage) ListMessages(convID string, before time.Time, limit int) ([]models.Message, error) {
	var out []models.Message
	err := s.view(func(tx *bbolt.Tx) error {
		if _, err := loadConversation(tx, convID); err != nil {
			return err
		}
		b := nested(tx, bucketMessages, convID)
		if b == nil {
			return nil
		}
		cutoff := toNano(before)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec DBMessage
			if err := rec.UnmarshalBinary(v); err != nil {
				return err
			}
			if rec.IsDeleted {
				continue
			}
			if cutoff != 0 && rec.CreatedAt >= cutoff {
				continue
			}
			out = append(out, rec.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Message returns a stored message, deleted or not.
func (s *BboltStorage) Message(convID string, id uint64) (models.Message, error) {
	var msg models.Message
	err := s.view(func(tx *bbolt.Tx) error {
		var rec DBMessage
		ok, err := get(nested(tx, bucketMessages, convID), messageKey(id), &rec)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("message %d not found", id)
		}
		msg = rec.toModel()
		return nil
	})
	return msg, err
}

func loadLiveMessage(tx *bbolt.Tx, convID string, id uint64) (*DBConversation, *bbolt.Bucket, *DBMessage, error) {
	c, err := loadConversation(tx, convID)
	if err != nil {
		return nil, nil, nil, err
	}
	b := nested(tx, bucketMessages, convID)
	var rec DBMessage
	ok, err := get(b, messageKey(id), &rec)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok || rec.IsDeleted {
		return nil, nil, nil, apperr.NotFound("message %d not found", id)
	}
	return c, b, &rec, nil
}

// insertMessage assigns the next global id and a createdAt strictly after
// every earlier message of the conversation, stores rec and moves the
// conversation preview to it.
func insertMessage(tx *bbolt.Tx, c *DBConversation, rec *DBMessage, now time.Time) error {
	id, err := tx.Bucket(bucketMessages).NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate message id: %w", err)
	}
	rec.ID = id

	created := toNano(now)
	if created <= c.LastCreatedAt {
		created = c.LastCreatedAt + 1
	}
	rec.CreatedAt = created
	c.LastCreatedAt = created

	b, err := nestedCreate(tx, bucketMessages, c.ID)
	if err != nil {
		return err
	}
	if err := put(b, rec); err != nil {
		return fmt.Errorf("failed to put message: %w", err)
	}

	preview := rec.Preview
	c.LastMessagePreview = &preview
	c.LastSenderID = rec.SenderID
	c.LastMessageAt = created
	if created > c.UpdatedAt {
		c.UpdatedAt = created
	}
	return nil
}

func insertSystemMessages(tx *bbolt.Tx, c *DBConversation, changes []membership.Change, now time.Time) ([]models.Message, error) {
	var out []models.Message
	for _, ch := range changes {
		rec := &DBMessage{
			ConversationID: c.ID,
			SenderID:       models.SystemSenderID,
			Kind:           string(models.MessageKindSystem),
			SystemEvent:    string(ch.Event),
			SystemActorID:  ch.ActorID,
			Body:           ch.Body,
			Preview:        ch.Body,
		}
		if err := insertMessage(tx, c, rec, now); err != nil {
			return nil, err
		}
		out = append(out, rec.toModel())
	}
	return out, nil
}

// bumpUnread resets the sender's counter and increments everyone else's.
func bumpUnread(tx *bbolt.Tx, convID, senderID string, now time.Time) error {
	b := nested(tx, bucketParticipants, convID)
	if b == nil {
		return nil
	}
	var rows []*DBParticipant
	err := b.ForEach(func(k, v []byte) error {
		var p DBParticipant
		if err := p.UnmarshalBinary(v); err != nil {
			return err
		}
		rows = append(rows, &p)
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range rows {
		if p.UserID == senderID {
			p.UnreadCount = 0
			p.LastReadAt = toNano(now)
		} else {
			p.UnreadCount++
		}
		if err := put(b, p); err != nil {
			return err
		}
	}
	return nil
}

func latestLive(b *bbolt.Bucket) (*DBMessage, error) {
	if b == nil {
		return nil, nil
	}
	c := b.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var rec DBMessage
		if err := rec.UnmarshalBinary(v); err != nil {
			return nil, err
		}
		if !rec.IsDeleted {
			return &rec, nil
		}
	}
	return nil, nil
}

func touch(c *DBConversation, now time.Time) {
	if n := toNano(now); n > c.UpdatedAt {
		c.UpdatedAt = n
	}
}
