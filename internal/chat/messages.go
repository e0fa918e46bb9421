package chat

import (
	"context"
	"time"

	"piksel/internal/apperr"
	"piksel/internal/content"
	"piksel/internal/envelope"
	"piksel/internal/membership"
	"piksel/internal/models"
	"piksel/internal/storage"
)

// SendMessage stores a message and fans it out. A retry carrying a client
// nonce the sender already used returns the stored message with replayed
// set, without storing or broadcasting anything.
func (s *Service) SendMessage(ctx context.Context, req *models.SendMessageRequest) (models.Message, bool, error) {
	adm := storage.Admission{
		Authorize: func(conv *models.Conversation, sender *models.Participant) error {
			if sender == nil {
				return apperr.Forbidden("user is not a participant of %s", conv.ID)
			}
			if !membership.CanSend(conv, func() (*models.Participant, bool) { return sender, true }) {
				return apperr.Forbidden("you are not allowed to send messages in this group")
			}
			return nil
		},
		Compose: func(conv *models.Conversation) (models.MessageContent, error) {
			return compose(conv, req.Text, req.Envelope)
		},
	}

	msg, replayed, err := s.store.AppendMessage(req.ConversationID, req.SenderID, req.ClientNonce, adm)
	if err != nil {
		return msg, false, err
	}
	if replayed {
		s.log.Debug("send replayed", "conversation_id", msg.ConversationID, "message_id", msg.ID, "nonce", req.ClientNonce)
		return msg, true, nil
	}

	s.bus.Publish(models.ConversationTopic(msg.ConversationID), models.Event{
		Type:           models.EventMessageCreated,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	})

	parts, err := s.store.Participants(msg.ConversationID)
	if err != nil {
		// The message is committed; a failed fanout is repaired by refetch.
		s.log.Error("failed to load participants for fanout", "conversation_id", msg.ConversationID, "error", err)
		return msg, false, nil
	}
	recipients := make([]string, 0, len(parts))
	for _, p := range parts {
		s.notifyInbox(msg.ConversationID, p.UserID)
		if p.UserID != msg.SenderID {
			recipients = append(recipients, p.UserID)
		}
	}
	if s.notifier != nil && len(recipients) > 0 {
		conv, _, err := s.store.Access(msg.ConversationID, msg.SenderID)
		if err == nil {
			s.notifier.NotifyMessage(ctx, conv, msg, recipients)
		}
	}
	return msg, false, nil
}

// EditMessage replaces the text or envelope of the sender's own message.
func (s *Service) EditMessage(ctx context.Context, req *models.EditMessageRequest) (models.Message, error) {
	msg, err := s.store.EditMessage(req.ConversationID, req.MessageID, req.SenderID, func(conv *models.Conversation) (models.MessageContent, error) {
		return compose(conv, req.Text, req.Envelope)
	})
	if err != nil {
		return msg, err
	}
	s.bus.Publish(models.ConversationTopic(msg.ConversationID), models.Event{
		Type:           models.EventMessageEdited,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	})
	s.notifyParticipants(msg.ConversationID)
	return msg, nil
}

// DeleteMessage soft-deletes the sender's own message.
func (s *Service) DeleteMessage(ctx context.Context, req *models.DeleteMessageRequest) (models.Message, error) {
	msg, err := s.store.DeleteMessage(req.ConversationID, req.MessageID, req.SenderID)
	if err != nil {
		return msg, err
	}
	msg = redact(msg)
	s.bus.Publish(models.ConversationTopic(msg.ConversationID), models.Event{
		Type:           models.EventMessageDeleted,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	})
	s.notifyParticipants(msg.ConversationID)
	return msg, nil
}

// Messages returns a page of history, oldest first, strictly older than
// before when it is set.
func (s *Service) Messages(ctx context.Context, convID, userID string, before time.Time, limit int) ([]models.Message, error) {
	if _, _, err := s.requireParticipant(convID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(convID, before, clamp(limit, models.DefaultMessagesLimit, models.MaxMessagesLimit))
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

func (s *Service) notifyParticipants(convID string) {
	parts, err := s.store.Participants(convID)
	if err != nil {
		s.log.Error("failed to load participants for fanout", "conversation_id", convID, "error", err)
		return
	}
	for _, p := range parts {
		s.notifyInbox(convID, p.UserID)
	}
}

// compose checks a message body against the conversation's encryption mode.
func compose(conv *models.Conversation, text string, env *envelope.Envelope) (models.MessageContent, error) {
	if conv.EncryptionMode == models.EncryptionEndToEnd {
		if text != "" || env == nil {
			return models.MessageContent{}, apperr.Validation("this conversation is end-to-end encrypted and only accepts encrypted envelopes")
		}
		if err := envelope.Validate(env); err != nil {
			return models.MessageContent{}, err
		}
		return models.MessageContent{
			Body:        envelope.Placeholder,
			IsEncrypted: true,
			Envelope:    env,
			Preview:     models.EncryptedPreview,
		}, nil
	}

	if env != nil {
		return models.MessageContent{}, apperr.Validation("this conversation does not accept encrypted envelopes")
	}
	body := content.SanitizeText(text, models.MaxTextLength)
	if body == "" {
		return models.MessageContent{}, apperr.Validation("message text is empty")
	}
	return models.MessageContent{Body: body, Preview: content.Preview(body)}, nil
}

// redact strips the content of a deleted message before it is broadcast.
func redact(m models.Message) models.Message {
	m.Body = ""
	m.Envelope = nil
	return m
}
