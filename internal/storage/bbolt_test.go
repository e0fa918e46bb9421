package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piksel/internal/apperr"
	"piksel/internal/envelope"
	"piksel/internal/membership"
	"piksel/internal/models"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func plain(text string) Admission {
	return Admission{
		Authorize: func(conv *models.Conversation, sender *models.Participant) error {
			if sender == nil {
				return apperr.Forbidden("not a participant")
			}
			return nil
		},
		Compose: func(conv *models.Conversation) (models.MessageContent, error) {
			return models.MessageContent{Body: text, Preview: text}, nil
		},
	}
}

func TestDirectConversation(t *testing.T) {
	store := newTestStorage(t)

	c1, created, err := store.EnsureDirectConversation("bob", "alice", models.EncryptionEndToEnd)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "dm_alice_bob", c1.ID)
	assert.Equal(t, models.KindDirect, c1.Kind)

	c2, created, err := store.EnsureDirectConversation("alice", "bob", models.EncryptionServerManaged)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, models.EncryptionEndToEnd, c2.EncryptionMode, "mode is fixed at creation")

	parts, err := store.Participants(c1.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	inbox, err := store.Inbox("alice", 50)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "bob", inbox[0].OtherUserID)
	assert.Equal(t, 2, inbox[0].MemberCount)
	assert.True(t, inbox[0].CanSend)
}

func TestDirectConversationConcurrent(t *testing.T) {
	store := newTestStorage(t)

	var wg sync.WaitGroup
	var createdCount int
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Go(func() {
			_, created, err := store.EnsureDirectConversation("a", "b", models.EncryptionEndToEnd)
			assert.NoError(t, err)
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 1, createdCount)
}

func TestAppendMessage(t *testing.T) {
	store := newTestStorage(t)
	conv, _, err := store.EnsureDirectConversation("a", "b", models.EncryptionServerManaged)
	require.NoError(t, err)

	t.Run("unread accounting", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, replayed, err := store.AppendMessage(conv.ID, "a", fmt.Sprintf("n%d", i), plain("hi"))
			require.NoError(t, err)
			assert.False(t, replayed)
		}
		inboxB, err := store.Inbox("b", 50)
		require.NoError(t, err)
		assert.Equal(t, 3, inboxB[0].UnreadCount)
		inboxA, err := store.Inbox("a", 50)
		require.NoError(t, err)
		assert.Equal(t, 0, inboxA[0].UnreadCount)

		_, _, err = store.AppendMessage(conv.ID, "b", "", plain("back"))
		require.NoError(t, err)
		inboxB, err = store.Inbox("b", 50)
		require.NoError(t, err)
		assert.Equal(t, 0, inboxB[0].UnreadCount)
		inboxA, err = store.Inbox("a", 50)
		require.NoError(t, err)
		assert.Equal(t, 1, inboxA[0].UnreadCount)
		require.NotNil(t, inboxA[0].LastMessagePreview)
		assert.Equal(t, "back", *inboxA[0].LastMessagePreview)

		_, err = store.MarkRead(conv.ID, "a")
		require.NoError(t, err)
		inboxA, err = store.Inbox("a", 50)
		require.NoError(t, err)
		assert.Equal(t, 0, inboxA[0].UnreadCount)
	})

	t.Run("nonce replay", func(t *testing.T) {
		first, replayed, err := store.AppendMessage(conv.ID, "a", "retry-1", plain("once"))
		require.NoError(t, err)
		require.False(t, replayed)

		second, replayed, err := store.AppendMessage(conv.ID, "a", "retry-1", plain("twice"))
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "once", second.Body)

		// The same nonce from another sender is a different message.
		other, replayed, err := store.AppendMessage(conv.ID, "b", "retry-1", plain("from b"))
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.NotEqual(t, first.ID, other.ID)
	})

	t.Run("concurrent duplicates store one row", func(t *testing.T) {
		before, err := store.ListMessages(conv.ID, time.Time{}, 200)
		require.NoError(t, err)

		var wg sync.WaitGroup
		ids := make(chan uint64, 8)
		for i := 0; i < 8; i++ {
			wg.Go(func() {
				m, _, err := store.AppendMessage(conv.ID, "a", "race", plain("race"))
				assert.NoError(t, err)
				ids <- m.ID
			})
		}
		wg.Wait()
		close(ids)
		var first uint64
		for id := range ids {
			if first == 0 {
				first = id
			}
			assert.Equal(t, first, id)
		}

		after, err := store.ListMessages(conv.ID, time.Time{}, 200)
		require.NoError(t, err)
		assert.Len(t, after, len(before)+1)
	})

	t.Run("authorization runs first", func(t *testing.T) {
		_, _, err := store.AppendMessage(conv.ID, "mallory", "x", plain("hi"))
		assert.True(t, apperr.Is(err, apperr.CodeForbidden))
		_, _, err = store.AppendMessage("dm_missing_x", "a", "x", plain("hi"))
		assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	})
}

func TestListMessagesPagination(t *testing.T) {
	store := newTestStorage(t)
	conv, _, err := store.EnsureDirectConversation("a", "b", models.EncryptionServerManaged)
	require.NoError(t, err)

	fixed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	var sent []models.Message
	for i := 0; i < 7; i++ {
		m, _, err := store.AppendMessage(conv.ID, "a", "", plain(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		sent = append(sent, m)
	}
	for i := 1; i < len(sent); i++ {
		assert.True(t, sent[i].CreatedAt.After(sent[i-1].CreatedAt), "createdAt must be strictly increasing")
		assert.Greater(t, sent[i].ID, sent[i-1].ID)
	}

	_, err = store.DeleteMessage(conv.ID, sent[5].ID, "a")
	require.NoError(t, err)

	page, err := store.ListMessages(conv.ID, time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []string{"m3", "m4", "m6"}, bodies(page))

	page, err = store.ListMessages(conv.ID, page[0].CreatedAt, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1", "m2"}, bodies(page))

	page, err = store.ListMessages(conv.ID, page[0].CreatedAt, 3)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func bodies(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestEditDelete(t *testing.T) {
	store := newTestStorage(t)
	conv, _, err := store.EnsureDirectConversation("a", "b", models.EncryptionServerManaged)
	require.NoError(t, err)
	first, _, err := store.AppendMessage(conv.ID, "a", "", plain("first"))
	require.NoError(t, err)
	second, _, err := store.AppendMessage(conv.ID, "a", "", plain("second"))
	require.NoError(t, err)

	compose := func(text string) func(*models.Conversation) (models.MessageContent, error) {
		return func(*models.Conversation) (models.MessageContent, error) {
			return models.MessageContent{Body: text, Preview: text}, nil
		}
	}

	_, err = store.EditMessage(conv.ID, second.ID, "b", compose("hijack"))
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	edited, err := store.EditMessage(conv.ID, second.ID, "a", compose("second!"))
	require.NoError(t, err)
	assert.Equal(t, "second!", edited.Body)
	assert.NotNil(t, edited.EditedAt)
	c, err := store.Conversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "second!", *c.LastMessagePreview)

	_, err = store.DeleteMessage(conv.ID, second.ID, "b")
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	before := c.UpdatedAt
	deleted, err := store.DeleteMessage(conv.ID, second.ID, "a")
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	c, err = store.Conversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", *c.LastMessagePreview)
	assert.False(t, c.UpdatedAt.Before(before))

	_, err = store.DeleteMessage(conv.ID, second.ID, "a")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	_, err = store.EditMessage(conv.ID, second.ID, "a", compose("again"))
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	_, err = store.DeleteMessage(conv.ID, first.ID, "a")
	require.NoError(t, err)
	c, err = store.Conversation(conv.ID)
	require.NoError(t, err)
	assert.Nil(t, c.LastMessagePreview)
}

func TestGroupLifecycle(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now().UTC()
	roster, out, err := membership.NewGroup("grp_1", "owner", []string{"m1", "m2"}, "Team", "", models.EncryptionServerManaged, now)
	require.NoError(t, err)
	res, err := store.CreateGroup(roster, out)
	require.NoError(t, err)
	assert.Equal(t, 3, res.MemberCount())
	require.Len(t, res.Messages, 1)
	assert.Equal(t, models.SystemSenderID, res.Messages[0].SenderID)

	_, err = store.CreateGroup(roster, out)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	t.Run("failed transition writes nothing", func(t *testing.T) {
		_, err := store.MutateGroup("grp_1", func(r *membership.Roster) (membership.Outcome, error) {
			return r.Kick("m1", "m2", "", now)
		})
		assert.True(t, apperr.Is(err, apperr.CodeForbidden))
		parts, err := store.Participants("grp_1")
		require.NoError(t, err)
		assert.Len(t, parts, 3)
	})

	t.Run("owner leaves", func(t *testing.T) {
		res, err := store.MutateGroup("grp_1", func(r *membership.Roster) (membership.Outcome, error) {
			return r.Leave("owner", "Olga", membership.EarliestJoined, now.Add(time.Minute))
		})
		require.NoError(t, err)
		assert.Equal(t, 2, res.MemberCount())
		assert.NotEqual(t, "owner", res.Conversation.OwnerID)
		require.NotEmpty(t, res.Messages)
		assert.Equal(t, models.SystemEventLeave, res.Messages[0].SystemEvent)

		inbox, err := store.Inbox("owner", 50)
		require.NoError(t, err)
		assert.Empty(t, inbox)

		owners := 0
		parts, err := store.Participants("grp_1")
		require.NoError(t, err)
		for _, p := range parts {
			if p.Role == models.RoleOwner {
				owners++
				assert.Equal(t, res.Conversation.OwnerID, p.UserID)
			}
		}
		assert.Equal(t, 1, owners)
	})

	t.Run("last member dissolves", func(t *testing.T) {
		for _, uid := range []string{"m1", "m2"} {
			_, err := store.MutateGroup("grp_1", func(r *membership.Roster) (membership.Outcome, error) {
				return r.Leave(uid, "", nil, now.Add(time.Hour))
			})
			require.NoError(t, err)
		}
		_, err := store.Conversation("grp_1")
		assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	})
}

func TestPresenceStorage(t *testing.T) {
	store := newTestStorage(t)
	count := func(state *models.PresenceState, live int) error {
		if live > 0 {
			state.Presence = models.PresenceOnline
		} else {
			state.Presence = models.PresenceOffline
		}
		return nil
	}

	st, err := store.Presence("u1")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, st.Presence)
	assert.Equal(t, models.StatusOnline, st.Status)

	st, err = store.ConnectionOpened(models.Connection{SocketID: "s1", UserID: "u1"}, count)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, st.Presence)
	_, err = store.ConnectionOpened(models.Connection{SocketID: "s2", UserID: "u1"}, count)
	require.NoError(t, err)

	st, found, err := store.ConnectionClosed("s1", count)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.PresenceOnline, st.Presence)

	_, found, err = store.ConnectionClosed("unknown", count)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.ResetConnections())
	n, err := store.LiveConnections("u1")
	require.NoError(t, err)
	assert.Zero(t, n)
	st, err = store.Presence("u1")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, st.Presence)
}

func TestKeys(t *testing.T) {
	store := newTestStorage(t)
	kp, err := envelope.GenerateKeyPair(nil)
	require.NoError(t, err)

	_, err = store.PutPublicKey("u1", kp.Public)
	require.NoError(t, err)

	keys, err := store.PublicKeys([]string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, kp.Public.String(), keys["u1"].PublicKey)
}

func TestChatStateAndPush(t *testing.T) {
	store := newTestStorage(t)

	st, err := store.ChatState("u1")
	require.NoError(t, err)
	assert.Empty(t, st.ActiveConversationID)

	require.NoError(t, store.PutChatState(models.ChatState{UserID: "u1", ActiveConversationID: "dm_u1_u2"}))
	st, err = store.ChatState("u1")
	require.NoError(t, err)
	assert.Equal(t, "dm_u1_u2", st.ActiveConversationID)

	sub := models.PushSubscription{UserID: "u1", Endpoint: "https://push.example/1", P256dh: "p", Auth: "a"}
	require.NoError(t, store.PutPushSubscription(sub))
	subs, err := store.PushSubscriptions("u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NoError(t, store.DeletePushSubscription("u1", sub.Endpoint))
	subs, err = store.PushSubscriptions("u1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestStoreIDSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.db")
	store, err := NewBboltStorage(path)
	require.NoError(t, err)
	id := store.StoreID()
	require.NotEmpty(t, id)
	require.NoError(t, store.Close())

	store, err = NewBboltStorage(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	assert.Equal(t, id, store.StoreID())

	other := newTestStorage(t)
	assert.NotEqual(t, id, other.StoreID())
}
