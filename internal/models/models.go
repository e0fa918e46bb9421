package models

import (
	"errors"
	"time"

	"piksel/internal/envelope"
)

var (
	ErrNotFound = errors.New("not found")
)

const (
	// SystemSenderID authors messages generated by membership changes.
	SystemSenderID = "__system__"

	MaxGroupParticipants = 12
	MaxTextLength        = 2000
	MaxSystemBodyLength  = 400
	MaxGroupNameLength   = 60
	MaxActorNameLength   = 64
	MaxCustomStatus      = 120
	MaxAvatarURLLength   = 500
	MaxNonceLength       = 120
	MaxPresenceBatch     = 400

	DefaultInboxLimit    = 50
	MaxInboxLimit        = 200
	DefaultMessagesLimit = 100
	MaxMessagesLimit     = 200

	// EncryptedPreview replaces the preview of end-to-end messages.
	EncryptedPreview = "Encrypted message"
)

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

type EncryptionMode string

const (
	EncryptionEndToEnd      EncryptionMode = "end_to_end"
	EncryptionServerManaged EncryptionMode = "server_managed"
)

func (m EncryptionMode) Valid() bool {
	return m == EncryptionEndToEnd || m == EncryptionServerManaged
}

type SendPolicy string

const (
	SendPolicyAllMembers      SendPolicy = "all_members"
	SendPolicyOwnerOnly       SendPolicy = "owner_only"
	SendPolicySelectedMembers SendPolicy = "selected_members"
)

func (p SendPolicy) Valid() bool {
	switch p {
	case SendPolicyAllMembers, SendPolicyOwnerOnly, SendPolicySelectedMembers:
		return true
	}
	return false
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

type MessageKind string

const (
	MessageKindUser   MessageKind = "user"
	MessageKindSystem MessageKind = "system"
)

type SystemEvent string

const (
	SystemEventCreated       SystemEvent = "created"
	SystemEventJoin          SystemEvent = "join"
	SystemEventLeave         SystemEvent = "leave"
	SystemEventKick          SystemEvent = "kick"
	SystemEventOwnerTransfer SystemEvent = "owner_transfer"
)

// Conversation is a direct (two-party) or group conversation.
type Conversation struct {
	ID                 string           `json:"id"`
	Kind               ConversationKind `json:"kind"`
	EncryptionMode     EncryptionMode   `json:"encryptionMode"`
	SendPolicy         SendPolicy       `json:"sendPolicy,omitempty"`
	OwnerID            string           `json:"ownerId,omitempty"`
	Name               string           `json:"name,omitempty"`
	AvatarURL          string           `json:"avatarUrl,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
	LastMessagePreview *string          `json:"lastMessagePreview"`
	LastSenderID       string           `json:"lastSenderId,omitempty"`
	LastMessageAt      *time.Time       `json:"lastMessageAt,omitempty"`
	DissolvedAt        *time.Time       `json:"dissolvedAt,omitempty"`
}

func (c *Conversation) IsGroup() bool {
	return c.Kind == KindGroup
}

type Participant struct {
	ConversationID string     `json:"conversationId"`
	UserID         string     `json:"userId"`
	DisplayName    string     `json:"displayName,omitempty"`
	Role           Role       `json:"role"`
	CanSend        bool       `json:"canSend"`
	UnreadCount    int        `json:"unreadCount"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"`
	JoinedAt       time.Time  `json:"joinedAt"`
}

// Message is a stored message. Encrypted messages carry Placeholder as Body
// and the ciphertext in Envelope.
type Message struct {
	ID             uint64             `json:"id"`
	ConversationID string             `json:"conversationId"`
	SenderID       string             `json:"senderId"`
	ClientNonce    string             `json:"clientNonce,omitempty"`
	Kind           MessageKind        `json:"kind"`
	SystemEvent    SystemEvent        `json:"systemEvent,omitempty"`
	SystemActorID  string             `json:"systemActorId,omitempty"`
	Body           string             `json:"body"`
	IsEncrypted    bool               `json:"isEncrypted"`
	Envelope       *envelope.Envelope `json:"encryptedEnvelope,omitempty"`
	IsDeleted      bool               `json:"isDeleted"`
	DeletedAt      *time.Time         `json:"deletedAt,omitempty"`
	DeletedBy      string             `json:"deletedBy,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	EditedAt       *time.Time         `json:"editedAt,omitempty"`
}

// MessageContent is the mutable part of a message.
type MessageContent struct {
	Body        string
	IsEncrypted bool
	Envelope    *envelope.Envelope
	Preview     string
}

// InboxEntry is a conversation as seen by one participant.
type InboxEntry struct {
	Conversation
	UnreadCount int    `json:"unreadCount"`
	Role        Role   `json:"role"`
	CanSend     bool   `json:"canSend"`
	OtherUserID string `json:"otherUserId,omitempty"`
	MemberCount int    `json:"memberCount"`
}

type UserKey struct {
	UserID    string    `json:"userId"`
	PublicKey string    `json:"publicKey"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ChatState struct {
	UserID                string `json:"userId"`
	ActiveConversationID  string `json:"activeConversationId,omitempty"`
	GroupMembersCollapsed bool   `json:"groupMembersCollapsed"`
}

type PushSubscription struct {
	UserID    string    `json:"userId"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"createdAt"`
}

// UploadTarget is a signed upload description for the media provider.
type UploadTarget struct {
	URL       string `json:"url"`
	APIKey    string `json:"apiKey"`
	CloudName string `json:"cloudName"`
	PublicID  string `json:"publicId"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
	MimeType  string `json:"mimeType"`
}

// DirectConversationID derives the id of the direct conversation between
// two users. The result does not depend on argument order.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}
