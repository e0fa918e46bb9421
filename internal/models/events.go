package models

import "fmt"

// ClientFrameType is the type of a frame received over the websocket.
type ClientFrameType string

const (
	FrameJoin        ClientFrameType = "join"
	FrameLeave       ClientFrameType = "leave"
	FrameTypingStart ClientFrameType = "typing-start"
	FrameTypingStop  ClientFrameType = "typing-stop"
	FrameHeartbeat   ClientFrameType = "heartbeat"
)

// ClientFrame is a message from a client to the server.
type ClientFrame struct {
	Type           ClientFrameType `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
}

func (f ClientFrame) Validate() error {
	switch f.Type {
	case FrameJoin, FrameLeave, FrameTypingStart, FrameTypingStop:
		if f.ConversationID == "" {
			return fmt.Errorf("%s frame needs a conversation id", f.Type)
		}
	case FrameHeartbeat:
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// EventType is the type of a message from the server to clients.
type EventType string

const (
	EventMessageCreated   EventType = "message-created"
	EventMessageEdited    EventType = "message-edited"
	EventMessageDeleted   EventType = "message-deleted"
	EventInboxChanged     EventType = "inbox-changed"
	EventGroupChanged     EventType = "group-changed"
	EventDMOpened         EventType = "dm-opened"
	EventTypingStart      EventType = "typing-start"
	EventTypingStop       EventType = "typing-stop"
	EventPresenceSnapshot EventType = "presence-snapshot"
	EventPresenceUpdate   EventType = "presence-update"
	EventJoined           EventType = "joined"
	EventError            EventType = "error"
)

// Event is a message from the server to a client.
type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Message        *Message        `json:"message,omitempty"`
	MemberCount    int             `json:"memberCount,omitempty"`
	Dissolved      bool            `json:"dissolved,omitempty"`
	Presence       *PresenceState  `json:"presence,omitempty"`
	Snapshot       []PresenceState `json:"snapshot,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type TopicKind uint8

const (
	TopicBroadcast TopicKind = iota
	TopicConversation
	TopicUser
)

// Topic addresses a set of subscribed sockets.
type Topic struct {
	Kind TopicKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

func ConversationTopic(id string) Topic { return Topic{Kind: TopicConversation, ID: id} }
func UserTopic(id string) Topic         { return Topic{Kind: TopicUser, ID: id} }
func BroadcastTopic() Topic             { return Topic{Kind: TopicBroadcast} }

func (t Topic) String() string {
	switch t.Kind {
	case TopicConversation:
		return "conversation:" + t.ID
	case TopicUser:
		return "user:" + t.ID
	default:
		return "broadcast"
	}
}
