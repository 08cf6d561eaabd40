// Package proto holds the event names and payloads exchanged between the
// room server and its clients. Every frame is a JSON encoded core.Event.
package proto

import "github.com/putto11262002/vocalroom/core"

// Events that do not depend on the room type.
const (
	UserJoin        = "user join"
	UserJoinSuccess = "user join success"
	UserJoinError   = "user join error"
	Ping            = "ping"
	Pong            = "pong"
	// Error answers events the server does not know about.
	Error = "error"
	// VoiceMessage is a music room message carrying a recorded clip.
	VoiceMessage = "music voice message"
)

// Names is the set of event names used for one room type. Chat rooms and
// music rooms speak the same protocol under different names.
type Names struct {
	RoomType core.RoomType

	// Client to server.
	GetRoomList   string
	CreateRoom    string
	JoinRoom      string
	LeaveRoom     string
	ChatMessage   string
	DeleteMessage string
	DeleteRoom    string
	TypingStart   string
	TypingStop    string

	// Server to client. ChatMessage is used in both directions.
	RoomList          string
	RoomCreated       string
	RoomCreateError   string
	RoomJoinSuccess   string
	RoomJoinError     string
	RoomLeaveSuccess  string
	RoomUserCount     string
	UserJoinedRoom    string
	UserLeftRoom      string
	ChatError         string
	MessageDeleted    string
	DeleteError       string
	RoomDeleted       string
	RoomDeleteError   string
	UserTyping        string
	UserStoppedTyping string
}

var Chat = Names{
	RoomType:          core.ChatRoom,
	GetRoomList:       "get room list",
	CreateRoom:        "create room",
	JoinRoom:          "join room",
	LeaveRoom:         "leave room",
	ChatMessage:       "chat message",
	DeleteMessage:     "delete message",
	DeleteRoom:        "delete room",
	TypingStart:       "typing start",
	TypingStop:        "typing stop",
	RoomList:          "room list",
	RoomCreated:       "room created",
	RoomCreateError:   "room create error",
	RoomJoinSuccess:   "room join success",
	RoomJoinError:     "room join error",
	RoomLeaveSuccess:  "room leave success",
	RoomUserCount:     "room user count",
	UserJoinedRoom:    "user joined room",
	UserLeftRoom:      "user left room",
	ChatError:         "chat error",
	MessageDeleted:    "message deleted",
	DeleteError:       "delete error",
	RoomDeleted:       "room deleted",
	RoomDeleteError:   "room delete error",
	UserTyping:        "user typing",
	UserStoppedTyping: "user stopped typing",
}

var Music = Names{
	RoomType:          core.MusicRoom,
	GetRoomList:       "get music room list",
	CreateRoom:        "create music room",
	JoinRoom:          "join music room",
	LeaveRoom:         "leave music room",
	ChatMessage:       "music chat message",
	DeleteMessage:     "delete music message",
	DeleteRoom:        "delete music room",
	TypingStart:       "music typing start",
	TypingStop:        "music typing stop",
	RoomList:          "music room list",
	RoomCreated:       "music room created",
	RoomCreateError:   "music room create error",
	RoomJoinSuccess:   "music room join success",
	RoomJoinError:     "music room join error",
	RoomLeaveSuccess:  "music room leave success",
	RoomUserCount:     "music room user count",
	UserJoinedRoom:    "music user joined room",
	UserLeftRoom:      "music user left room",
	ChatError:         "music chat error",
	MessageDeleted:    "music message deleted",
	DeleteError:       "music delete error",
	RoomDeleted:       "music room deleted",
	RoomDeleteError:   "music room delete error",
	UserTyping:        "music user typing",
	UserStoppedTyping: "music user stopped typing",
}

// NamesFor returns the event names of a room type. Unknown types get the
// chat names.
func NamesFor(t core.RoomType) Names {
	if t == core.MusicRoom {
		return Music
	}
	return Chat
}
