package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piksel/internal/apperr"
	"piksel/internal/models"
)

var noTime time.Time

func createGroup(t *testing.T, svc *Service, owner string, members ...string) string {
	t.Helper()
	res, err := svc.CreateGroup(context.Background(), &models.CreateGroupRequest{
		OwnerID:   owner,
		Name:      "  Weekend <b>plans</b> ",
		MemberIDs: members,
	})
	require.NoError(t, err)
	return res.Conversation.ID
}

func TestCreateGroup(t *testing.T) {
	svc, bus, _ := newTestService(t, models.EncryptionServerManaged)
	svc.newGroupID = func() string { return "grp_test" }

	res, err := svc.CreateGroup(context.Background(), &models.CreateGroupRequest{
		OwnerID:   "alice",
		Name:      "  Weekend <b>plans</b> ",
		MemberIDs: []string{"bob", "carol", "bob", "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, "grp_test", res.Conversation.ID)
	assert.Equal(t, "Weekend plans", res.Conversation.Name)
	assert.Equal(t, "alice", res.Conversation.OwnerID)
	assert.Equal(t, models.EncryptionServerManaged, res.Conversation.EncryptionMode)
	assert.Equal(t, 3, res.MemberCount())
	require.Len(t, res.Messages, 1)
	assert.Equal(t, models.MessageKindSystem, res.Messages[0].Kind)

	for _, uid := range []string{"alice", "bob", "carol"} {
		assert.Equal(t, 1, bus.count(models.UserTopic(uid), models.EventInboxChanged), uid)
		assert.Equal(t, 0, unread(t, svc, uid, "grp_test"), "system messages do not count as unread")
	}
	assert.Equal(t, 1, bus.count(models.ConversationTopic("grp_test"), models.EventGroupChanged))
}

func TestCreateGroupMemberLimit(t *testing.T) {
	svc, _, _ := newTestService(t, models.EncryptionServerManaged)

	members := make([]string, models.MaxGroupParticipants)
	for i := range members {
		members[i] = fmt.Sprintf("user%d", i)
	}
	_, err := svc.CreateGroup(context.Background(), &models.CreateGroupRequest{OwnerID: "owner", Name: "big", MemberIDs: members})
	assert.True(t, apperr.Is(err, apperr.CodeMemberLimit))

	_, err = svc.CreateGroup(context.Background(), &models.CreateGroupRequest{OwnerID: "owner", Name: "fits", MemberIDs: members[1:]})
	assert.NoError(t, err)
}

func TestOwnerOnlyPolicy(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, models.EncryptionServerManaged)
	convID := createGroup(t, svc, "alice", "bob", "carol")

	_, err := svc.UpdateGroupSettings(ctx, convID, &models.UpdateGroupRequest{ActorID: "bob", SendPolicy: models.SendPolicyOwnerOnly})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = svc.UpdateGroupSettings(ctx, convID, &models.UpdateGroupRequest{ActorID: "alice", SendPolicy: models.SendPolicyOwnerOnly})
	require.NoError(t, err)

	_, _, err = svc.SendMessage(ctx, &models.SendMessageRequest{ConversationID: convID, SenderID: "bob", Text: "can I?"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, _, err = svc.SendMessage(ctx, &models.SendMessageRequest{ConversationID: convID, SenderID: "alice", Text: "announcement"})
	require.NoError(t, err)
	assert.Equal(t, 1, unread(t, svc, "bob", convID))

	_, err = svc.UpdateGroupSettings(ctx, convID, &models.UpdateGroupRequest{
		ActorID:          "alice",
		SendPolicy:       models.SendPolicySelectedMembers,
		AllowedSenderIDs: []string{"carol"},
	})
	require.NoError(t, err)

	_, _, err = svc.SendMessage(ctx, &models.SendMessageRequest{ConversationID: convID, SenderID: "carol", Text: "thanks"})
	assert.NoError(t, err)
	_, _, err = svc.SendMessage(ctx, &models.SendMessageRequest{ConversationID: convID, SenderID: "bob", Text: "still no"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestOwnerLeavesGroup(t *testing.T) {
	ctx := context.Background()
	svc, bus, _ := newTestService(t, models.EncryptionServerManaged)
	convID := createGroup(t, svc, "alice", "carol", "bob")
	bus.reset()

	res, err := svc.LeaveGroup(ctx, convID, &models.LeaveGroupRequest{UserID: "alice", ActorName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Conversation.OwnerID, "earliest joined, ties broken by user id")
	assert.Equal(t, 2, res.MemberCount())
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "Alice left the group", res.Messages[0].Body)
	assert.Equal(t, models.SystemEventOwnerTransfer, res.Messages[1].SystemEvent)

	assert.Equal(t, 2, bus.count(models.ConversationTopic(convID), models.EventMessageCreated))
	assert.Equal(t, 1, bus.count(models.UserTopic("alice"), models.EventInboxChanged))
	require.Len(t, bus.unsubscribed, 1)
	assert.Equal(t, "alice", bus.unsubscribed[0].ev.UserID)

	_, err = svc.Messages(ctx, convID, "alice", noTime, 0)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = svc.KickMember(ctx, convID, &models.KickMemberRequest{ActorID: "bob", TargetID: "carol"})
	require.NoError(t, err)

	res, err = svc.LeaveGroup(ctx, convID, &models.LeaveGroupRequest{UserID: "bob"})
	require.NoError(t, err)
	assert.True(t, res.Outcome.Dissolved)

	_, err = svc.Participants(ctx, convID, "bob")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestAddAndKickMembers(t *testing.T) {
	ctx := context.Background()
	svc, bus, _ := newTestService(t, models.EncryptionServerManaged)
	convID := createGroup(t, svc, "alice", "bob")

	_, err := svc.AddMembers(ctx, convID, &models.AddMembersRequest{ActorID: "bob", MemberIDs: []string{"carol"}})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	res, err := svc.AddMembers(ctx, convID, &models.AddMembersRequest{
		ActorID:     "alice",
		MemberIDs:   []string{"carol"},
		MemberNames: map[string]string{"carol": "Carol"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.MemberCount())
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "Carol joined the group", res.Messages[0].Body)

	parts, err := svc.Participants(ctx, convID, "alice")
	require.NoError(t, err)
	names := map[string]string{}
	for _, p := range parts {
		names[p.UserID] = p.DisplayName
	}
	assert.Equal(t, "Carol", names["carol"])

	bus.reset()
	res, err = svc.AddMembers(ctx, convID, &models.AddMembersRequest{ActorID: "alice", MemberIDs: []string{"carol"}})
	require.NoError(t, err)
	assert.False(t, res.Outcome.Updated)
	assert.Empty(t, bus.events, "no-op transitions are not broadcast")

	_, err = svc.KickMember(ctx, convID, &models.KickMemberRequest{ActorID: "bob", TargetID: "carol"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = svc.KickMember(ctx, convID, &models.KickMemberRequest{ActorID: "alice", TargetID: "alice"})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	res, err = svc.KickMember(ctx, convID, &models.KickMemberRequest{ActorID: "alice", TargetID: "carol", TargetName: "Carol"})
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, res.Outcome.Removed)
	assert.Equal(t, 2, res.MemberCount())

	inbox, err := svc.Inbox(ctx, "carol", 0)
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestGroupAtCapacity(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, models.EncryptionServerManaged)

	members := make([]string, models.MaxGroupParticipants-1)
	for i := range members {
		members[i] = fmt.Sprintf("user%d", i)
	}
	convID := createGroup(t, svc, "owner", members...)

	_, err := svc.AddMembers(ctx, convID, &models.AddMembersRequest{ActorID: "owner", MemberIDs: []string{"late"}})
	assert.True(t, apperr.Is(err, apperr.CodeMemberLimit))

	parts, err := svc.Participants(ctx, convID, "owner")
	require.NoError(t, err)
	assert.Len(t, parts, models.MaxGroupParticipants)
}
