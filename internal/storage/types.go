package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"piksel/internal/envelope"
	"piksel/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Timestamps are stored as Unix nanoseconds; zero means unset.

func toNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func toNanoPtr(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return toNano(*t)
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNanoPtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := fromNano(n)
	return &t
}

type DBConversation struct {
	ID                 string  `msgpack:"id"`
	Kind               string  `msgpack:"kind"`
	EncryptionMode     string  `msgpack:"encryptionMode"`
	SendPolicy         string  `msgpack:"sendPolicy"`
	OwnerID            string  `msgpack:"ownerId"`
	Name               string  `msgpack:"name"`
	AvatarURL          string  `msgpack:"avatarUrl"`
	CreatedAt          int64   `msgpack:"createdAt"`
	UpdatedAt          int64   `msgpack:"updatedAt"`
	LastMessagePreview *string `msgpack:"lastMessagePreview"`
	LastSenderID       string  `msgpack:"lastSenderId"`
	LastMessageAt      int64   `msgpack:"lastMessageAt"`
	// LastCreatedAt is the createdAt of the newest message ever inserted,
	// deleted or not. New messages are stamped strictly after it.
	LastCreatedAt int64 `msgpack:"lastCreatedAt"`
	DissolvedAt   int64 `msgpack:"dissolvedAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBConversation) toModel() models.Conversation {
	return models.Conversation{
		ID:                 c.ID,
		Kind:               models.ConversationKind(c.Kind),
		EncryptionMode:     models.EncryptionMode(c.EncryptionMode),
		SendPolicy:         models.SendPolicy(c.SendPolicy),
		OwnerID:            c.OwnerID,
		Name:               c.Name,
		AvatarURL:          c.AvatarURL,
		CreatedAt:          fromNano(c.CreatedAt),
		UpdatedAt:          fromNano(c.UpdatedAt),
		LastMessagePreview: c.LastMessagePreview,
		LastSenderID:       c.LastSenderID,
		LastMessageAt:      fromNanoPtr(c.LastMessageAt),
		DissolvedAt:        fromNanoPtr(c.DissolvedAt),
	}
}

// apply copies the model fields that transitions may change, keeping the
// storage-only bookkeeping.
func (c *DBConversation) apply(m models.Conversation) {
	c.ID = m.ID
	c.Kind = string(m.Kind)
	c.EncryptionMode = string(m.EncryptionMode)
	c.SendPolicy = string(m.SendPolicy)
	c.OwnerID = m.OwnerID
	c.Name = m.Name
	c.AvatarURL = m.AvatarURL
	c.CreatedAt = toNano(m.CreatedAt)
	c.UpdatedAt = toNano(m.UpdatedAt)
	c.LastMessagePreview = m.LastMessagePreview
	c.LastSenderID = m.LastSenderID
	c.LastMessageAt = toNanoPtr(m.LastMessageAt)
	c.DissolvedAt = toNanoPtr(m.DissolvedAt)
}

type DBParticipant struct {
	ConversationID string `msgpack:"conversationId"`
	UserID         string `msgpack:"userId"`
	DisplayName    string `msgpack:"displayName"`
	Role           string `msgpack:"role"`
	CanSend        bool   `msgpack:"canSend"`
	UnreadCount    int    `msgpack:"unreadCount"`
	LastReadAt     int64  `msgpack:"lastReadAt"`
	JoinedAt       int64  `msgpack:"joinedAt"`
}

func (p *DBParticipant) Key() []byte {
	return []byte(p.UserID)
}

func (p *DBParticipant) MarshalBinary() (data []byte, err error) {
	type alias DBParticipant
	return msgpack.Marshal((*alias)(p))
}

func (p *DBParticipant) UnmarshalBinary(data []byte) error {
	type alias DBParticipant
	return msgpack.Unmarshal(data, (*alias)(p))
}

func (p *DBParticipant) toModel() models.Participant {
	return models.Participant{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		DisplayName:    p.DisplayName,
		Role:           models.Role(p.Role),
		CanSend:        p.CanSend,
		UnreadCount:    p.UnreadCount,
		LastReadAt:     fromNanoPtr(p.LastReadAt),
		JoinedAt:       fromNano(p.JoinedAt),
	}
}

func participantFromModel(m models.Participant) *DBParticipant {
	return &DBParticipant{
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		DisplayName:    m.DisplayName,
		Role:           string(m.Role),
		CanSend:        m.CanSend,
		UnreadCount:    m.UnreadCount,
		LastReadAt:     toNanoPtr(m.LastReadAt),
		JoinedAt:       toNano(m.JoinedAt),
	}
}

type DBMessage struct {
	ID             uint64             `msgpack:"id"`
	ConversationID string             `msgpack:"conversationId"`
	SenderID       string             `msgpack:"senderId"`
	ClientNonce    string             `msgpack:"clientNonce"`
	Kind           string             `msgpack:"kind"`
	SystemEvent    string             `msgpack:"systemEvent"`
	SystemActorID  string             `msgpack:"systemActorId"`
	Body           string             `msgpack:"body"`
	Preview        string             `msgpack:"preview"`
	IsEncrypted    bool               `msgpack:"isEncrypted"`
	Envelope       *envelope.Envelope `msgpack:"envelope"`
	IsDeleted      bool               `msgpack:"isDeleted"`
	DeletedAt      int64              `msgpack:"deletedAt"`
	DeletedBy      string             `msgpack:"deletedBy"`
	CreatedAt      int64              `msgpack:"createdAt"`
	EditedAt       int64              `msgpack:"editedAt"`
}

func messageKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func (m *DBMessage) Key() []byte {
	return messageKey(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ClientNonce:    m.ClientNonce,
		Kind:           models.MessageKind(m.Kind),
		SystemEvent:    models.SystemEvent(m.SystemEvent),
		SystemActorID:  m.SystemActorID,
		Body:           m.Body,
		IsEncrypted:    m.IsEncrypted,
		Envelope:       m.Envelope,
		IsDeleted:      m.IsDeleted,
		DeletedAt:      fromNanoPtr(m.DeletedAt),
		DeletedBy:      m.DeletedBy,
		CreatedAt:      fromNano(m.CreatedAt),
		EditedAt:       fromNanoPtr(m.EditedAt),
	}
}

// DBNonceRef points from a (sender, client nonce) pair to the message it
// created.
type DBNonceRef struct {
	SenderID       string `msgpack:"senderId"`
	ClientNonce    string `msgpack:"clientNonce"`
	ConversationID string `msgpack:"conversationId"`
	MessageID      uint64 `msgpack:"messageId"`
}

func nonceKey(senderID, nonce string) []byte {
	return []byte(senderID + "\x00" + nonce)
}

func (n *DBNonceRef) Key() []byte {
	return nonceKey(n.SenderID, n.ClientNonce)
}

func (n *DBNonceRef) MarshalBinary() (data []byte, err error) {
	type alias DBNonceRef
	return msgpack.Marshal((*alias)(n))
}

func (n *DBNonceRef) UnmarshalBinary(data []byte) error {
	type alias DBNonceRef
	return msgpack.Unmarshal(data, (*alias)(n))
}

type DBPublicKey struct {
	UserID    string `msgpack:"userId"`
	PublicKey []byte `msgpack:"publicKey"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

func (k *DBPublicKey) Key() []byte {
	return []byte(k.UserID)
}

func (k *DBPublicKey) MarshalBinary() (data []byte, err error) {
	type alias DBPublicKey
	return msgpack.Marshal((*alias)(k))
}

func (k *DBPublicKey) UnmarshalBinary(data []byte) error {
	type alias DBPublicKey
	return msgpack.Unmarshal(data, (*alias)(k))
}

type DBPresence struct {
	UserID       string `msgpack:"userId"`
	Status       string `msgpack:"status"`
	Presence     string `msgpack:"presence"`
	CustomStatus string `msgpack:"customStatus"`
	LastActiveAt int64  `msgpack:"lastActiveAt"`
	UpdatedAt    int64  `msgpack:"updatedAt"`
}

func (p *DBPresence) Key() []byte {
	return []byte(p.UserID)
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}

func (p *DBPresence) toModel() models.PresenceState {
	return models.PresenceState{
		UserID:       p.UserID,
		Status:       models.Status(p.Status),
		Presence:     models.Presence(p.Presence),
		CustomStatus: p.CustomStatus,
		LastActiveAt: fromNanoPtr(p.LastActiveAt),
		UpdatedAt:    fromNano(p.UpdatedAt),
	}
}

func presenceFromModel(m models.PresenceState) *DBPresence {
	return &DBPresence{
		UserID:       m.UserID,
		Status:       string(m.Status),
		Presence:     string(m.Presence),
		CustomStatus: m.CustomStatus,
		LastActiveAt: toNanoPtr(m.LastActiveAt),
		UpdatedAt:    toNano(m.UpdatedAt),
	}
}

type DBConnection struct {
	SocketID    string `msgpack:"socketId"`
	UserID      string `msgpack:"userId"`
	ConnectedAt int64  `msgpack:"connectedAt"`
}

func (c *DBConnection) Key() []byte {
	return []byte(c.SocketID)
}

func (c *DBConnection) MarshalBinary() (data []byte, err error) {
	type alias DBConnection
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConnection) UnmarshalBinary(data []byte) error {
	type alias DBConnection
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBChatState struct {
	UserID                string `msgpack:"userId"`
	ActiveConversationID  string `msgpack:"activeConversationId"`
	GroupMembersCollapsed bool   `msgpack:"groupMembersCollapsed"`
}

func (c *DBChatState) Key() []byte {
	return []byte(c.UserID)
}

func (c *DBChatState) MarshalBinary() (data []byte, err error) {
	type alias DBChatState
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChatState) UnmarshalBinary(data []byte) error {
	type alias DBChatState
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBPushSubscription struct {
	UserID    string `msgpack:"userId"`
	Endpoint  string `msgpack:"endpoint"`
	P256dh    string `msgpack:"p256dh"`
	Auth      string `msgpack:"auth"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
