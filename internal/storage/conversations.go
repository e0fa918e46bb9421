package storage

import (
	"sort"

	"go.etcd.io/bbolt"

	"piksel/internal/apperr"
	"piksel/internal/membership"
	"piksel/internal/models"
)

// GroupResult is the state of a group after a committed transition.
type GroupResult struct {
	Conversation models.Conversation
	Members      []models.Participant
	// Messages are the system messages recorded by the transition.
	Messages []models.Message
	Outcome  membership.Outcome
}

func (r GroupResult) MemberCount() int {
	return len(r.Members)
}

// EnsureDirectConversation returns the direct conversation between a and b,
// creating it and both participant rows on first use. The encryption mode
// of an existing conversation is never changed.
func (s *BboltStorage) EnsureDirectConversation(a, b string, mode models.EncryptionMode) (models.Conversation, bool, error) {
	id := models.DirectConversationID(a, b)
	var (
		conv    models.Conversation
		created bool
	)
	err := s.update(func(tx *bbolt.Tx) error {
		var c DBConversation
		ok, err := get(tx.Bucket(bucketConversations), []byte(id), &c)
		if err != nil {
			return err
		}
		now := s.clock()
		if !ok {
			c = DBConversation{
				ID:             id,
				Kind:           string(models.KindDirect),
				EncryptionMode: string(mode),
				CreatedAt:      toNano(now),
				UpdatedAt:      toNano(now),
			}
			if err := put(tx.Bucket(bucketConversations), &c); err != nil {
				return err
			}
			created = true
		}

		for _, uid := range []string{a, b} {
			p, err := loadParticipant(tx, id, uid)
			if err != nil {
				return err
			}
			if p != nil {
				continue
			}
			if err := putParticipant(tx, models.Participant{
				ConversationID: id,
				UserID:         uid,
				Role:           models.RoleMember,
				CanSend:        true,
				JoinedAt:       now,
			}); err != nil {
				return err
			}
		}
		conv = c.toModel()
		return nil
	})
	return conv, created, err
}

// CreateGroup persists a roster built by membership.NewGroup.
func (s *BboltStorage) CreateGroup(roster *membership.Roster, out membership.Outcome) (GroupResult, error) {
	var res GroupResult
	err := s.update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketConversations).Get([]byte(roster.Conversation.ID)) != nil {
			return apperr.Newf(apperr.CodeConflict, "conversation %s already exists", roster.Conversation.ID)
		}
		var c DBConversation
		c.apply(roster.Conversation)
		for _, m := range roster.Members {
			if err := putParticipant(tx, m); err != nil {
				return err
			}
		}
		msgs, err := insertSystemMessages(tx, &c, out.Changes, s.clock())
		if err != nil {
			return err
		}
		if err := put(tx.Bucket(bucketConversations), &c); err != nil {
			return err
		}
		res = GroupResult{
			Conversation: c.toModel(),
			Members:      roster.Members,
			Messages:     msgs,
			Outcome:      out,
		}
		return nil
	})
	return res, err
}

// MutateGroup loads the roster of group id, runs fn on it and persists the
// result. Nothing is written when fn fails or reports a no-op.
func (s *BboltStorage) MutateGroup(id string, fn func(r *membership.Roster) (membership.Outcome, error)) (GroupResult, error) {
	var res GroupResult
	err := s.update(func(tx *bbolt.Tx) error {
		c, err := loadConversation(tx, id)
		if err != nil {
			return err
		}
		if c.Kind != string(models.KindGroup) {
			return apperr.Validation("conversation %s is not a group", id)
		}
		members, err := loadParticipants(tx, id)
		if err != nil {
			return err
		}

		roster := &membership.Roster{Conversation: c.toModel(), Members: members}
		out, err := fn(roster)
		if err != nil {
			return err
		}
		res.Outcome = out
		if !out.Updated {
			res.Conversation = c.toModel()
			res.Members = members
			return nil
		}

		for _, uid := range out.Removed {
			if err := deleteParticipant(tx, id, uid); err != nil {
				return err
			}
		}
		for _, m := range roster.Members {
			if err := putParticipant(tx, m); err != nil {
				return err
			}
		}

		prevUpdated := c.UpdatedAt
		c.apply(roster.Conversation)
		if c.UpdatedAt < prevUpdated {
			c.UpdatedAt = prevUpdated
		}
		msgs, err := insertSystemMessages(tx, c, out.Changes, s.clock())
		if err != nil {
			return err
		}
		if err := put(tx.Bucket(bucketConversations), c); err != nil {
			return err
		}

		res.Conversation = c.toModel()
		res.Members = roster.Members
		res.Messages = msgs
		return nil
	})
	return res, err
}

// Conversation returns a live conversation.
func (s *BboltStorage) Conversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.view(func(tx *bbolt.Tx) error {
		c, err := loadConversation(tx, id)
		if err != nil {
			return err
		}
		conv = c.toModel()
		return nil
	})
	return conv, err
}

// Access returns the conversation and userID's participant row, which is
// nil when the user is not a participant.
func (s *BboltStorage) Access(convID, userID string) (models.Conversation, *models.Participant, error) {
	var (
		conv models.Conversation
		part *models.Participant
	)
	err := s.view(func(tx *bbolt.Tx) error {
		c, err := loadConversation(tx, convID)
		if err != nil {
			return err
		}
		conv = c.toModel()
		p, err := loadParticipant(tx, convID, userID)
		if err != nil {
			return err
		}
		if p != nil {
			m := p.toModel()
			part = &m
		}
		return nil
	})
	return conv, part, err
}

// Participants lists the participants of a conversation by join time.
func (s *BboltStorage) Participants(convID string) ([]models.Participant, error) {
	var out []models.Participant
	err := s.view(func(tx *bbolt.Tx) error {
		if _, err := loadConversation(tx, convID); err != nil {
			return err
		}
		var err error
		out, err = loadParticipants(tx, convID)
		return err
	})
	return out, err
}

// Inbox lists userID's conversations, most recently updated first.
func (s *BboltStorage) Inbox(userID string, limit int) ([]models.InboxEntry, error) {
	var entries []models.InboxEntry
	err := s.view(func(tx *bbolt.Tx) error {
		idx := nested(tx, bucketUserConversations, userID)
		if idx == nil {
			return nil
		}
		return idx.ForEach(func(k, _ []byte) error {
			convID := string(k)
			var c DBConversation
			ok, err := get(tx.Bucket(bucketConversations), k, &c)
			if err != nil {
				return err
			}
			if !ok || c.DissolvedAt != 0 {
				return nil
			}
			p, err := loadParticipant(tx, convID, userID)
			if err != nil {
				return err
			}
			if p == nil {
				return nil
			}

			conv := c.toModel()
			part := p.toModel()
			entry := models.InboxEntry{
				Conversation: conv,
				UnreadCount:  part.UnreadCount,
				Role:         part.Role,
				CanSend:      membership.CanSend(&conv, func() (*models.Participant, bool) { return &part, true }),
			}
			pb := nested(tx, bucketParticipants, convID)
			entry.MemberCount = countKeys(pb)
			if conv.Kind == models.KindDirect && pb != nil {
				cur := pb.Cursor()
				for uid, _ := cur.First(); uid != nil; uid, _ = cur.Next() {
					if string(uid) != userID {
						entry.OtherUserID = string(uid)
						break
					}
				}
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// MarkRead zeroes userID's unread counter in convID.
func (s *BboltStorage) MarkRead(convID, userID string) (models.Participant, error) {
	var part models.Participant
	err := s.update(func(tx *bbolt.Tx) error {
		if _, err := loadConversation(tx, convID); err != nil {
			return err
		}
		p, err := loadParticipant(tx, convID, userID)
		if err != nil {
			return err
		}
		if p == nil {
			return apperr.Forbidden("user is not a participant of %s", convID)
		}
		p.UnreadCount = 0
		p.LastReadAt = toNano(s.clock())
		if err := put(nested(tx, bucketParticipants, convID), p); err != nil {
			return err
		}
		part = p.toModel()
		return nil
	})
	return part, err
}

func (s *BboltStorage) ChatState(userID string) (models.ChatState, error) {
	state := models.ChatState{UserID: userID}
	err := s.view(func(tx *bbolt.Tx) error {
		var rec DBChatState
		ok, err := get(tx.Bucket(bucketChatState), []byte(userID), &rec)
		if err != nil || !ok {
			return err
		}
		state.ActiveConversationID = rec.ActiveConversationID
		state.GroupMembersCollapsed = rec.GroupMembersCollapsed
		return nil
	})
	return state, err
}

func (s *BboltStorage) PutChatState(state models.ChatState) error {
	return s.update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketChatState), &DBChatState{
			UserID:                state.UserID,
			ActiveConversationID:  state.ActiveConversationID,
			GroupMembersCollapsed: state.GroupMembersCollapsed,
		})
	})
}
