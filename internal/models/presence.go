package models

import "time"

// Status is the presence a user asks for.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDND, StatusOffline:
		return true
	}
	return false
}

// Presence is what other users see.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

type PresenceState struct {
	UserID       string     `json:"userId"`
	Status       Status     `json:"status"`
	Presence     Presence   `json:"presence"`
	CustomStatus string     `json:"customStatus"`
	LastActiveAt *time.Time `json:"lastActiveAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// DefaultPresence is reported for users that never connected.
func DefaultPresence(userID string) PresenceState {
	return PresenceState{
		UserID:   userID,
		Status:   StatusOnline,
		Presence: PresenceOffline,
	}
}

type Connection struct {
	SocketID    string    `json:"socketId"`
	UserID      string    `json:"userId"`
	ConnectedAt time.Time `json:"connectedAt"`
}
