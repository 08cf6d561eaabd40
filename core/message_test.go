package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageLog_Append(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("lobby", 0, "")
	other := f.createRoom("other", 0, "")
	f.login("s1", "alice", RoleMember)
	f.login("s2", "bob", RoleMember)
	f.join("s1", r.ID)
	f.join("s2", other.ID)

	m := f.send("s1", r.ID, "hello")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "alice", m.Sender)
	assert.Equal(t, "s1", m.SenderID)
	assert.Equal(t, TextMessage, m.Type)
	assert.Equal(t, r.ID, m.RoomID)
	assert.False(t, m.SentAt.IsZero())

	testCases := []struct {
		name    string
		input   MessageCreateInput
		wantErr error
	}{
		{"not a member", MessageCreateInput{RoomID: r.ID, SessionID: "s2", Content: "hi"}, ErrNotAMember},
		{"not logged in", MessageCreateInput{RoomID: r.ID, SessionID: "ghost", Content: "hi"}, ErrNotAMember},
		{"too long", MessageCreateInput{RoomID: r.ID, SessionID: "s1", Content: strings.Repeat("é", 2001)}, ErrMessageTooLong},
		{"empty", MessageCreateInput{RoomID: r.ID, SessionID: "s1", Content: "  "}, ErrEmptyMessage},
		{"bad type", MessageCreateInput{RoomID: r.ID, SessionID: "s1", Content: "x", Type: SystemMessage}, ErrInvalidPayload},
		{"image without file", MessageCreateInput{RoomID: r.ID, SessionID: "s1", Content: "x", Type: ImageMessage}, ErrInvalidFile},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.messages.Append(f.ctx, tc.input)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	t.Run("exactly max length", func(t *testing.T) {
		_, err := f.messages.Append(f.ctx, MessageCreateInput{RoomID: r.ID, SessionID: "s1", Content: strings.Repeat("é", 2000)})
		assert.NoError(t, err)
	})

	t.Run("type inferred from file", func(t *testing.T) {
		m, err := f.messages.Append(f.ctx, MessageCreateInput{
			RoomID: r.ID, SessionID: "s1",
			File: &FileData{URL: "/uploads/a.webm", MimeType: "audio/webm"},
		})
		require.NoError(t, err)
		assert.Equal(t, AudioMessage, m.Type)
	})
}

func TestMessageLog_HistoryOrderAndDeletes(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("lobby", 0, "")
	f.login("s1", "alice", RoleMember)
	f.login("s2", "bob", RoleMember)
	f.join("s1", r.ID)
	f.join("s2", r.ID)

	var sent []Message
	for i, s := range []string{"s1", "s2", "s1", "s2", "s1"} {
		sent = append(sent, f.send(s, r.ID, strings.Repeat("x", i+1)))
	}

	_, err := f.messages.SoftDelete(f.ctx, r.ID, sent[1].ID, "s2")
	require.NoError(t, err)
	_, err = f.messages.SoftDelete(f.ctx, r.ID, sent[3].ID, "s2")
	require.NoError(t, err)

	history := f.messages.History(r.ID, 0)
	require.Len(t, history, 3)
	assert.Equal(t, sent[0].ID, history[0].ID)
	assert.Equal(t, sent[2].ID, history[1].ID)
	assert.Equal(t, sent[4].ID, history[2].ID)

	limited := f.messages.History(r.ID, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, sent[2].ID, limited[0].ID)
	assert.Equal(t, sent[4].ID, limited[1].ID)

	assert.NotNil(t, f.messages.History("missing", 10))
	assert.Empty(t, f.messages.History("missing", 10))
}

func TestMessageLog_IDsAreNeverReused(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("lobby", 0, "")
	f.login("s1", "alice", RoleMember)
	f.join("s1", r.ID)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		m := f.send("s1", r.ID, "hi")
		require.False(t, seen[m.ID], "id %s reused", m.ID)
		seen[m.ID] = true
		_, err := f.messages.SoftDelete(f.ctx, r.ID, m.ID, "s1")
		require.NoError(t, err)
	}

	for id := range seen {
		m, ok := f.messages.Get(id)
		require.True(t, ok, "deleted message keeps its id")
		assert.True(t, m.Deleted)
	}
}

func TestMessageLog_SoftDelete(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("lobby", 0, "")
	other := f.createRoom("other", 0, "")
	f.login("alice", "alice", RoleMember)
	f.login("bob", "bob", RoleMember)
	f.login("admin", "root", RoleAdmin)
	f.join("alice", r.ID)
	f.join("bob", r.ID)

	m := f.send("alice", r.ID, "hello")

	_, err := f.messages.SoftDelete(f.ctx, r.ID, m.ID, "bob")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, KindAuthorization, KindOf(err))

	_, err = f.messages.SoftDelete(f.ctx, other.ID, m.ID, "alice")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	_, err = f.messages.SoftDelete(f.ctx, r.ID, "missing", "alice")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	deleted, err := f.messages.SoftDelete(f.ctx, r.ID, m.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, m.ID, deleted.ID)
	assert.True(t, deleted.Deleted)

	_, err = f.messages.SoftDelete(f.ctx, r.ID, m.ID, "alice")
	assert.ErrorIs(t, err, ErrMessageNotFound, "already deleted")
}

func TestMessageLog_SenderMayDeleteAfterReconnect(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("lobby", 0, "")
	f.login("s1", "alice", RoleMember)
	f.join("s1", r.ID)
	m := f.send("s1", r.ID, "hello")

	f.members.Disconnect("s1")
	f.login("s2", "alice", RoleMember)

	_, err := f.messages.SoftDelete(f.ctx, r.ID, m.ID, "s2")
	assert.NoError(t, err)
}

func TestMessageLog_Retain(t *testing.T) {
	f := newRoomFixture(t, nil)
	f.messages.opts.Retain = 3
	r := f.createRoom("lobby", 0, "")
	f.login("s1", "alice", RoleMember)
	f.join("s1", r.ID)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.send("s1", r.ID, "m").ID)
	}

	history := f.messages.History(r.ID, 0)
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].ID)
	_, ok := f.messages.Get(ids[0])
	assert.False(t, ok)
}

func TestMessageLog_DropRoom(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("lobby", 0, "")
	f.login("s1", "alice", RoleMember)
	f.join("s1", r.ID)
	m := f.send("s1", r.ID, "bye")

	f.messages.DropRoom(r.ID)
	assert.Empty(t, f.messages.History(r.ID, 0))
	_, ok := f.messages.Get(m.ID)
	assert.False(t, ok)
}

func TestFileData_Type(t *testing.T) {
	assert.Equal(t, ImageMessage, FileData{MimeType: "image/png"}.Type())
	assert.Equal(t, AudioMessage, FileData{MimeType: "audio/mpeg"}.Type())
	assert.Equal(t, VideoMessage, FileData{MimeType: "video/mp4"}.Type())
	assert.Equal(t, FileMessage, FileData{MimeType: "application/pdf"}.Type())
}
