package models

import (
	"piksel/internal/apperr"
	"piksel/internal/content"
	"piksel/internal/envelope"
)

// ActorRequest is implemented by requests that name the user performing
// them. The HTTP layer binds that field to the authenticated user.
type ActorRequest interface {
	Actor() *string
}

type OpenDirectRequest struct {
	MyID         string `json:"myId"`
	OtherID      string `json:"otherId"`
	AutoOpenBoth bool   `json:"autoOpenBoth,omitempty"`
}

func (r *OpenDirectRequest) Actor() *string { return &r.MyID }

func (r *OpenDirectRequest) Validate() error {
	if err := validateUserIDs(r.MyID, r.OtherID); err != nil {
		return err
	}
	if r.MyID == r.OtherID {
		return apperr.Validation("cannot open a direct conversation with yourself")
	}
	return nil
}

type OpenDirectResponse struct {
	ConversationID string `json:"conversationId"`
	Created        bool   `json:"created"`
}

type CreateGroupRequest struct {
	OwnerID        string         `json:"ownerId"`
	Name           string         `json:"name"`
	AvatarURL      string         `json:"avatarUrl,omitempty"`
	MemberIDs      []string       `json:"memberIds"`
	EncryptionMode EncryptionMode `json:"encryptionMode,omitempty"`
}

func (r *CreateGroupRequest) Actor() *string { return &r.OwnerID }

func (r *CreateGroupRequest) Validate() error {
	if err := validateUserIDs(r.OwnerID); err != nil {
		return err
	}
	if err := validateUserIDs(r.MemberIDs...); err != nil {
		return err
	}
	if content.SanitizeLine(r.Name, MaxGroupNameLength) == "" {
		return apperr.Validation("group name is required")
	}
	if r.EncryptionMode != "" && !r.EncryptionMode.Valid() {
		return apperr.Validation("unknown encryption mode %q", r.EncryptionMode)
	}
	if len(r.AvatarURL) > MaxAvatarURLLength {
		return apperr.Validation("avatar url is too long")
	}
	return nil
}

type ConversationResponse struct {
	ConversationID string `json:"conversationId"`
}

type AddMembersRequest struct {
	ActorID     string            `json:"actorId"`
	MemberIDs   []string          `json:"memberIds"`
	MemberNames map[string]string `json:"memberNames,omitempty"`
}

func (r *AddMembersRequest) Actor() *string { return &r.ActorID }

func (r *AddMembersRequest) Validate() error {
	if len(r.MemberIDs) == 0 {
		return apperr.Validation("memberIds must not be empty")
	}
	return validateUserIDs(append([]string{r.ActorID}, r.MemberIDs...)...)
}

type LeaveGroupRequest struct {
	UserID    string `json:"userId"`
	ActorName string `json:"actorName,omitempty"`
}

func (r *LeaveGroupRequest) Actor() *string { return &r.UserID }

func (r *LeaveGroupRequest) Validate() error {
	return validateUserIDs(r.UserID)
}

type KickMemberRequest struct {
	ActorID    string `json:"actorId"`
	TargetID   string `json:"targetId"`
	TargetName string `json:"targetName,omitempty"`
}

func (r *KickMemberRequest) Actor() *string { return &r.ActorID }

func (r *KickMemberRequest) Validate() error {
	return validateUserIDs(r.ActorID, r.TargetID)
}

type UpdateGroupRequest struct {
	ActorID          string     `json:"actorId"`
	Name             *string    `json:"name,omitempty"`
	AvatarURL        *string    `json:"avatarUrl,omitempty"`
	SendPolicy       SendPolicy `json:"sendPolicy,omitempty"`
	AllowedSenderIDs []string   `json:"allowedSenderIds,omitempty"`
}

func (r *UpdateGroupRequest) Actor() *string { return &r.ActorID }

func (r *UpdateGroupRequest) Validate() error {
	if err := validateUserIDs(r.ActorID); err != nil {
		return err
	}
	if err := validateUserIDs(r.AllowedSenderIDs...); err != nil {
		return err
	}
	if r.SendPolicy != "" && !r.SendPolicy.Valid() {
		return apperr.Validation("unknown send policy %q", r.SendPolicy)
	}
	if r.Name != nil && content.SanitizeLine(*r.Name, MaxGroupNameLength) == "" {
		return apperr.Validation("group name must not be empty")
	}
	if r.AvatarURL != nil && len(*r.AvatarURL) > MaxAvatarURLLength {
		return apperr.Validation("avatar url is too long")
	}
	return nil
}

type GroupResponse struct {
	ConversationID string `json:"conversationId"`
	MemberCount    int    `json:"memberCount"`
	Dissolved      bool   `json:"dissolved,omitempty"`
	OwnerID        string `json:"ownerId,omitempty"`
}

type SendMessageRequest struct {
	ConversationID string             `json:"conversationId"`
	SenderID       string             `json:"senderId"`
	Text           string             `json:"text,omitempty"`
	ClientNonce    string             `json:"clientNonce,omitempty"`
	Envelope       *envelope.Envelope `json:"encryptedEnvelope,omitempty"`
}

func (r *SendMessageRequest) Actor() *string { return &r.SenderID }

func (r *SendMessageRequest) Validate() error {
	if err := validateIDs(r.ConversationID); err != nil {
		return err
	}
	if err := validateUserIDs(r.SenderID); err != nil {
		return err
	}
	if len(r.ClientNonce) > MaxNonceLength {
		return apperr.Validation("clientNonce is too long")
	}
	if r.Envelope == nil && r.Text == "" {
		return apperr.Validation("message text is required")
	}
	if r.Envelope != nil && r.Text != "" {
		return apperr.Validation("a message carries either text or an encrypted envelope")
	}
	return nil
}

type SendMessageResponse struct {
	Message  Message `json:"message"`
	Replayed bool    `json:"replayed"`
}

type EditMessageRequest struct {
	ConversationID string             `json:"conversationId"`
	SenderID       string             `json:"senderId"`
	Text           string             `json:"text,omitempty"`
	Envelope       *envelope.Envelope `json:"encryptedEnvelope,omitempty"`
	MessageID      uint64             `json:"-"`
}

func (r *EditMessageRequest) Actor() *string { return &r.SenderID }

func (r *EditMessageRequest) Validate() error {
	if err := validateIDs(r.ConversationID); err != nil {
		return err
	}
	if err := validateUserIDs(r.SenderID); err != nil {
		return err
	}
	if r.MessageID == 0 {
		return apperr.Validation("message id is required")
	}
	if r.Envelope == nil && r.Text == "" {
		return apperr.Validation("message text is required")
	}
	if r.Envelope != nil && r.Text != "" {
		return apperr.Validation("a message carries either text or an encrypted envelope")
	}
	return nil
}

type DeleteMessageRequest struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	MessageID      uint64 `json:"-"`
}

func (r *DeleteMessageRequest) Actor() *string { return &r.SenderID }

func (r *DeleteMessageRequest) Validate() error {
	if err := validateIDs(r.ConversationID); err != nil {
		return err
	}
	if err := validateUserIDs(r.SenderID); err != nil {
		return err
	}
	if r.MessageID == 0 {
		return apperr.Validation("message id is required")
	}
	return nil
}

type MarkReadRequest struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (r *MarkReadRequest) Actor() *string { return &r.UserID }

func (r *MarkReadRequest) Validate() error {
	if err := validateIDs(r.ConversationID); err != nil {
		return err
	}
	return validateUserIDs(r.UserID)
}

type ChatStateRequest struct {
	UserID                string `json:"userId"`
	ActiveConversationID  string `json:"activeConversationId,omitempty"`
	GroupMembersCollapsed bool   `json:"groupMembersCollapsed,omitempty"`
}

func (r *ChatStateRequest) Actor() *string { return &r.UserID }

func (r *ChatStateRequest) Validate() error {
	if err := validateUserIDs(r.UserID); err != nil {
		return err
	}
	if r.ActiveConversationID != "" {
		return validateIDs(r.ActiveConversationID)
	}
	return nil
}

type RegisterKeyRequest struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

func (r *RegisterKeyRequest) Actor() *string { return &r.UserID }

func (r *RegisterKeyRequest) Validate() error {
	if err := validateUserIDs(r.UserID); err != nil {
		return err
	}
	_, err := envelope.ParsePublicKey(r.PublicKey)
	return err
}

type ConversationKeysResponse struct {
	ConversationID string    `json:"conversationId"`
	Keys           []UserKey `json:"keys"`
}

type UpdatePresenceRequest struct {
	Status       Status  `json:"status"`
	CustomStatus *string `json:"customStatus,omitempty"`
}

func (r *UpdatePresenceRequest) Validate() error {
	if !r.Status.Valid() {
		return apperr.Validation("unknown status %q", r.Status)
	}
	return nil
}

type PresenceBatchRequest struct {
	UserIDs []string `json:"userIds"`
}

func (r *PresenceBatchRequest) Validate() error {
	if len(r.UserIDs) > MaxPresenceBatch {
		return apperr.Validation("at most %d user ids per batch", MaxPresenceBatch)
	}
	return validateUserIDs(r.UserIDs...)
}

type UploadSignRequest struct {
	PublicID string `json:"publicId"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType,omitempty"`
}

func (r *UploadSignRequest) Validate() error {
	if r.FileName == "" {
		return apperr.Validation("fileName is required")
	}
	if r.PublicID != "" {
		if err := content.ValidatePublicID(r.PublicID); err != nil {
			return apperr.Validation("%v", err)
		}
	}
	return nil
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type PushSubscriptionRequest struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

func (r *PushSubscriptionRequest) Validate() error {
	if r.Endpoint == "" || r.Keys.P256dh == "" || r.Keys.Auth == "" {
		return apperr.Validation("endpoint and keys are required")
	}
	return nil
}

// APIResponse is the generic success body.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Success         bool        `json:"success"`
	Error           apperr.Code `json:"error"`
	Message         string      `json:"message"`
	UserIDs         []string    `json:"userIds,omitempty"`
	MaxParticipants int         `json:"maxParticipants,omitempty"`
}

func validateIDs(ids ...string) error {
	for _, id := range ids {
		if err := content.ValidateID(id); err != nil {
			return apperr.Validation("%v", err)
		}
	}
	return nil
}

func validateUserIDs(ids ...string) error {
	for _, id := range ids {
		if err := content.ValidateUserID(id); err != nil {
			return apperr.Validation("%v", err)
		}
	}
	return nil
}
