package chat

import (
	"context"

	"piksel/internal/apperr"
	"piksel/internal/content"
	"piksel/internal/membership"
	"piksel/internal/models"
	"piksel/internal/storage"
)

func (s *Service) CreateGroup(ctx context.Context, req *models.CreateGroupRequest) (storage.GroupResult, error) {
	mode := req.EncryptionMode
	if mode == "" {
		mode = s.defaultMode
	}
	roster, out, err := membership.NewGroup(
		s.newGroupID(),
		req.OwnerID,
		req.MemberIDs,
		content.SanitizeLine(req.Name, models.MaxGroupNameLength),
		req.AvatarURL,
		mode,
		s.now().UTC(),
	)
	if err != nil {
		return storage.GroupResult{}, err
	}
	res, err := s.store.CreateGroup(roster, out)
	if err != nil {
		return res, err
	}
	s.log.Info("group created", "conversation_id", res.Conversation.ID, "owner_id", req.OwnerID, "members", res.MemberCount())
	s.publishGroup(res)
	return res, nil
}

func (s *Service) AddMembers(ctx context.Context, convID string, req *models.AddMembersRequest) (storage.GroupResult, error) {
	names := make(map[string]string, len(req.MemberNames))
	for id, name := range req.MemberNames {
		names[id] = content.SanitizeLine(name, models.MaxActorNameLength)
	}
	return s.mutate(convID, func(r *membership.Roster) (membership.Outcome, error) {
		return r.Add(req.ActorID, req.MemberIDs, names, s.now().UTC())
	})
}

func (s *Service) LeaveGroup(ctx context.Context, convID string, req *models.LeaveGroupRequest) (storage.GroupResult, error) {
	name := content.SanitizeLine(req.ActorName, models.MaxActorNameLength)
	return s.mutate(convID, func(r *membership.Roster) (membership.Outcome, error) {
		return r.Leave(req.UserID, name, s.successor, s.now().UTC())
	})
}

func (s *Service) KickMember(ctx context.Context, convID string, req *models.KickMemberRequest) (storage.GroupResult, error) {
	name := content.SanitizeLine(req.TargetName, models.MaxActorNameLength)
	return s.mutate(convID, func(r *membership.Roster) (membership.Outcome, error) {
		return r.Kick(req.ActorID, req.TargetID, name, s.now().UTC())
	})
}

func (s *Service) UpdateGroupSettings(ctx context.Context, convID string, req *models.UpdateGroupRequest) (storage.GroupResult, error) {
	settings := membership.Settings{
		AvatarURL:        req.AvatarURL,
		SendPolicy:       req.SendPolicy,
		AllowedSenderIDs: req.AllowedSenderIDs,
	}
	if req.Name != nil {
		name := content.SanitizeLine(*req.Name, models.MaxGroupNameLength)
		if name == "" {
			return storage.GroupResult{}, apperr.Validation("group name must not be empty")
		}
		settings.Name = &name
	}
	return s.mutate(convID, func(r *membership.Roster) (membership.Outcome, error) {
		return r.UpdateSettings(req.ActorID, settings, s.now().UTC())
	})
}

func (s *Service) mutate(convID string, fn func(r *membership.Roster) (membership.Outcome, error)) (storage.GroupResult, error) {
	res, err := s.store.MutateGroup(convID, fn)
	if err != nil {
		return res, err
	}
	if res.Outcome.Updated {
		s.publishGroup(res)
	}
	return res, nil
}

// publishGroup broadcasts the system messages of a transition, the new member
// count, and an inbox refresh to everyone whose conversation list changed.
func (s *Service) publishGroup(res storage.GroupResult) {
	convID := res.Conversation.ID
	topic := models.ConversationTopic(convID)

	for i := range res.Messages {
		msg := res.Messages[i]
		s.bus.Publish(topic, models.Event{
			Type:           models.EventMessageCreated,
			ConversationID: convID,
			Message:        &msg,
		})
	}
	s.bus.Publish(topic, models.Event{
		Type:           models.EventGroupChanged,
		ConversationID: convID,
		MemberCount:    res.MemberCount(),
		Dissolved:      res.Outcome.Dissolved,
	})

	for _, m := range res.Members {
		s.notifyInbox(convID, m.UserID)
	}
	for _, uid := range res.Outcome.Removed {
		s.notifyInbox(convID, uid)
		s.bus.Unsubscribe(topic, uid)
	}
	if res.Outcome.Dissolved {
		s.log.Info("group dissolved", "conversation_id", convID)
	}
}
