package proto

import (
	"time"

	"github.com/putto11262002/vocalroom/core"
)

type UserJoinPayload struct {
	Username string    `json:"username" validate:"required"`
	Role     core.Role `json:"role,omitempty" validate:"omitempty,oneof=admin member guest"`
	// Token is the resume token of a previous session. When valid it
	// restores the username and role it was issued for.
	Token string `json:"token,omitempty"`
}

type UserJoinSuccessPayload struct {
	SessionID string    `json:"sessionId"`
	Username  string    `json:"username"`
	Role      core.Role `json:"role"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CreateRoomPayload struct {
	Name     string `json:"name" validate:"required"`
	MaxUsers int    `json:"maxUsers,omitempty" validate:"min=0"`
	Password string `json:"password,omitempty" validate:"max=72"`
}

type RoomPayload struct {
	Room core.Room `json:"room"`
}

type RoomListPayload struct {
	Rooms []core.Room `json:"rooms"`
}

type JoinRoomPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	Password string `json:"password,omitempty"`
}

type RoomJoinSuccessPayload struct {
	RoomID    string             `json:"roomId"`
	RoomName  string             `json:"roomName"`
	UserCount int                `json:"userCount"`
	MaxUsers  int                `json:"maxUsers"`
	History   []core.Message     `json:"history"`
	Members   []core.Participant `json:"members"`
	Typing    []string           `json:"typing"`
}

// RoomRefPayload addresses a room. It is the payload of leave, delete and
// typing requests and of the room deleted notification.
type RoomRefPayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

type RoomUserCountPayload struct {
	RoomID   string `json:"roomId"`
	Count    int    `json:"count"`
	MaxUsers int    `json:"maxUsers"`
}

// MembershipPayload announces that a user joined or left a room.
type MembershipPayload struct {
	RoomID    string `json:"roomId"`
	Username  string `json:"username"`
	UserCount int    `json:"userCount"`
}

type ChatMessagePayload struct {
	RoomID   string           `json:"roomId" validate:"required"`
	Message  string           `json:"message"`
	Type     core.MessageType `json:"type,omitempty"`
	FileData *core.FileData   `json:"fileData,omitempty"`
}

type MessagePayload struct {
	Message core.Message `json:"message"`
}

type DeleteMessagePayload struct {
	RoomID    string `json:"roomId" validate:"required"`
	MessageID string `json:"messageId" validate:"required"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	// Code is the error kind, e.g. "capacity" or "not_found".
	Code string `json:"code"`
}

type PongPayload struct {
	ServerTime time.Time `json:"serverTime"`
}
