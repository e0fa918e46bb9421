// Package chat is the message ingest and fanout service. It validates
// requests, delegates atomic writes to the store and publishes the results
// to realtime subscribers.
package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"piksel/internal/apperr"
	"piksel/internal/envelope"
	"piksel/internal/membership"
	"piksel/internal/models"
	"piksel/internal/storage"
)

type Store interface {
	EnsureDirectConversation(a, b string, mode models.EncryptionMode) (models.Conversation, bool, error)
	CreateGroup(r *membership.Roster, out membership.Outcome) (storage.GroupResult, error)
	MutateGroup(id string, fn func(r *membership.Roster) (membership.Outcome, error)) (storage.GroupResult, error)
	Access(convID, userID string) (models.Conversation, *models.Participant, error)
	Participants(convID string) ([]models.Participant, error)
	Inbox(userID string, limit int) ([]models.InboxEntry, error)
	MarkRead(convID, userID string) (models.Participant, error)
	AppendMessage(convID, senderID, nonce string, adm storage.Admission) (models.Message, bool, error)
	EditMessage(convID string, id uint64, editorID string, compose func(conv *models.Conversation) (models.MessageContent, error)) (models.Message, error)
	DeleteMessage(convID string, id uint64, actorID string) (models.Message, error)
	ListMessages(convID string, before time.Time, limit int) ([]models.Message, error)
	PutPublicKey(userID string, key envelope.PublicKey) (models.UserKey, error)
	PublicKeys(userIDs []string) (map[string]models.UserKey, error)
	ChatState(userID string) (models.ChatState, error)
	PutChatState(state models.ChatState) error
}

// Publisher delivers events to realtime subscribers. Delivery is best
// effort.
type Publisher interface {
	Publish(topic models.Topic, ev models.Event)
	// Unsubscribe drops every socket of userID from topic.
	Unsubscribe(topic models.Topic, userID string)
}

// Notifier reaches recipients that have no live connection.
type Notifier interface {
	NotifyMessage(ctx context.Context, conv models.Conversation, msg models.Message, recipients []string)
}

type Config struct {
	DefaultEncryption models.EncryptionMode
	Successor         membership.SuccessorPolicy
	Notifier          Notifier
	Logger            *slog.Logger
}

type Service struct {
	store       Store
	bus         Publisher
	notifier    Notifier
	defaultMode models.EncryptionMode
	successor   membership.SuccessorPolicy
	log         *slog.Logger
	now         func() time.Time
	newGroupID  func() string
}

func NewService(store Store, bus Publisher, cfg Config) *Service {
	if cfg.DefaultEncryption == "" {
		cfg.DefaultEncryption = models.EncryptionEndToEnd
	}
	if cfg.Successor == nil {
		cfg.Successor = membership.EarliestJoined
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:       store,
		bus:         bus,
		notifier:    cfg.Notifier,
		defaultMode: cfg.DefaultEncryption,
		successor:   cfg.Successor,
		log:         cfg.Logger,
		now:         time.Now,
		newGroupID:  func() string { return "grp_" + uuid.NewString() },
	}
}

// requireParticipant returns the conversation if userID takes part in it.
func (s *Service) requireParticipant(convID, userID string) (models.Conversation, *models.Participant, error) {
	conv, part, err := s.store.Access(convID, userID)
	if err != nil {
		return conv, nil, err
	}
	if part == nil {
		return conv, nil, apperr.Forbidden("user is not a participant of %s", convID)
	}
	return conv, part, nil
}

// CanJoin reports whether userID may subscribe to convID's realtime topic.
func (s *Service) CanJoin(ctx context.Context, convID, userID string) error {
	_, _, err := s.requireParticipant(convID, userID)
	return err
}

func (s *Service) Inbox(ctx context.Context, userID string, limit int) ([]models.InboxEntry, error) {
	return s.store.Inbox(userID, clamp(limit, models.DefaultInboxLimit, models.MaxInboxLimit))
}

func (s *Service) Participants(ctx context.Context, convID, userID string) ([]models.Participant, error) {
	if _, _, err := s.requireParticipant(convID, userID); err != nil {
		return nil, err
	}
	return s.store.Participants(convID)
}

func (s *Service) MarkRead(ctx context.Context, req *models.MarkReadRequest) (models.Participant, error) {
	p, err := s.store.MarkRead(req.ConversationID, req.UserID)
	if err != nil {
		return p, err
	}
	s.bus.Publish(models.UserTopic(req.UserID), models.Event{
		Type:           models.EventInboxChanged,
		ConversationID: req.ConversationID,
	})
	return p, nil
}

// OpenDirect returns the direct conversation between the two users,
// creating it on first use.
func (s *Service) OpenDirect(ctx context.Context, req *models.OpenDirectRequest) (models.OpenDirectResponse, error) {
	conv, created, err := s.store.EnsureDirectConversation(req.MyID, req.OtherID, s.defaultMode)
	if err != nil {
		return models.OpenDirectResponse{}, err
	}
	if created {
		s.log.Info("direct conversation created", "conversation_id", conv.ID, "mode", conv.EncryptionMode)
		s.notifyInbox(conv.ID, req.MyID, req.OtherID)
	}
	if req.AutoOpenBoth {
		for _, uid := range []string{req.MyID, req.OtherID} {
			s.bus.Publish(models.UserTopic(uid), models.Event{
				Type:           models.EventDMOpened,
				ConversationID: conv.ID,
				UserID:         req.MyID,
			})
		}
	}
	return models.OpenDirectResponse{ConversationID: conv.ID, Created: created}, nil
}

func (s *Service) RegisterPublicKey(ctx context.Context, req *models.RegisterKeyRequest) (models.UserKey, error) {
	key, err := envelope.ParsePublicKey(req.PublicKey)
	if err != nil {
		return models.UserKey{}, err
	}
	return s.store.PutPublicKey(req.UserID, key)
}

// ConversationKeys returns the public key of every participant. It fails
// with ENCRYPTION_KEY_MISSING naming the participants that have none.
func (s *Service) ConversationKeys(ctx context.Context, convID, userID string) (models.ConversationKeysResponse, error) {
	if _, _, err := s.requireParticipant(convID, userID); err != nil {
		return models.ConversationKeysResponse{}, err
	}
	parts, err := s.store.Participants(convID)
	if err != nil {
		return models.ConversationKeysResponse{}, err
	}
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = p.UserID
	}
	found, err := s.store.PublicKeys(ids)
	if err != nil {
		return models.ConversationKeysResponse{}, err
	}

	resp := models.ConversationKeysResponse{ConversationID: convID}
	var missing []string
	for _, id := range ids {
		k, ok := found[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		resp.Keys = append(resp.Keys, k)
	}
	if len(missing) > 0 {
		return models.ConversationKeysResponse{}, apperr.KeyMissing(missing)
	}
	return resp, nil
}

func (s *Service) ChatState(ctx context.Context, userID string) (models.ChatState, error) {
	return s.store.ChatState(userID)
}

func (s *Service) SaveChatState(ctx context.Context, req *models.ChatStateRequest) (models.ChatState, error) {
	if req.ActiveConversationID != "" {
		if _, _, err := s.requireParticipant(req.ActiveConversationID, req.UserID); err != nil {
			return models.ChatState{}, err
		}
	}
	state := models.ChatState{
		UserID:                req.UserID,
		ActiveConversationID:  req.ActiveConversationID,
		GroupMembersCollapsed: req.GroupMembersCollapsed,
	}
	return state, s.store.PutChatState(state)
}

func (s *Service) notifyInbox(convID string, userIDs ...string) {
	for _, uid := range userIDs {
		s.bus.Publish(models.UserTopic(uid), models.Event{
			Type:           models.EventInboxChanged,
			ConversationID: convID,
		})
	}
}

func clamp(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
