package core

import "errors"

// ErrorKind classifies an Error so that transports can map it to a response
// without inspecting the message.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	// KindValidation indicates bad input shape or length.
	KindValidation
	// KindNotFound indicates an absent room, message or session.
	KindNotFound
	// KindCapacity indicates a full room.
	KindCapacity
	// KindAuthorization indicates a wrong password or an insufficient role.
	KindAuthorization
	// KindTimeout indicates that an acknowledgment never arrived.
	KindTimeout
	// KindTransport indicates a connection level failure.
	KindTransport
	// KindRateLimited indicates that a caller signalled too often.
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindCapacity:
		return "capacity"
	case KindAuthorization:
		return "authorization"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

type Error struct {
	msg  string
	Kind ErrorKind
	// Sensitive is a flag to indicate if the error is sensitive or not.
	// If it is not, it can be returned to the client.
	Sensitive bool
}

func NewError(kind ErrorKind, msg string) *Error {
	return &Error{msg: msg, Kind: kind}
}

func NewSensitiveError(msg string) *Error {
	return &Error{msg: msg, Kind: KindInternal, Sensitive: true}
}

func (e *Error) Error() string {
	return e.msg
}

var (
	ErrInvalidPayload   = NewError(KindValidation, "invalid payload")
	ErrInvalidRoomName  = NewError(KindValidation, "invalid room name")
	ErrInvalidCapacity  = NewError(KindValidation, "invalid room capacity")
	ErrPasswordTooLong  = NewError(KindValidation, "room password is too long")
	ErrInvalidFile      = NewError(KindValidation, "invalid file attachment")
	ErrInvalidRoomType  = NewError(KindValidation, "invalid room type")
	ErrInvalidUsername  = NewError(KindValidation, "invalid username")
	ErrEmptyMessage     = NewError(KindValidation, "message is empty")
	ErrMessageTooLong   = NewError(KindValidation, "message is too long")
	ErrRoomNotEmpty     = NewError(KindValidation, "room is not empty")
	ErrRoomNotFound     = NewError(KindNotFound, "room not found")
	ErrMessageNotFound  = NewError(KindNotFound, "message not found")
	ErrSessionNotFound  = NewError(KindNotFound, "session not found")
	ErrRoomFull         = NewError(KindCapacity, "room is full")
	ErrInvalidPassword  = NewError(KindAuthorization, "invalid room password")
	ErrNotAMember       = NewError(KindAuthorization, "not a member of the room")
	ErrPermissionDenied = NewError(KindAuthorization, "permission denied")
	ErrNotLoggedIn      = NewError(KindAuthorization, "login required")
	ErrRateLimited      = NewError(KindRateLimited, "too many requests")
)

// KindOf returns the kind of the first *Error in err's chain.
// Errors that are not *Error are internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns a message that is safe to send to a client.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && !e.Sensitive {
		return e.msg
	}
	return "internal error"
}
