package core

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/putto11262002/vocalroom/migrations"
	"golang.org/x/crypto/bcrypt"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type BaseFixture struct {
	ctx      context.Context
	db       *sql.DB
	t        *testing.T
	tearDown func()
}

func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	// Every fixture gets its own database.
	db, err := OpenSQLite(ctx, uuid.NewString(), &SQLiteOptions{Mode: "memory", Cache: "shared"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx: ctx,
		db:  db.DB,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

// roomFixture wires the in-memory components together the way the server
// does.
type roomFixture struct {
	ctx      context.Context
	t        *testing.T
	store    Store
	rooms    *RoomRegistry
	members  *MembershipTracker
	messages *MessageLog
}

func newRoomFixture(t *testing.T, store Store) *roomFixture {
	opts := DefaultRoomOptions()
	opts.PasswordCost = bcrypt.MinCost
	rooms := NewRoomRegistry(store, opts, discardLogger)
	members := NewMembershipTracker(rooms, 32, discardLogger)
	return &roomFixture{
		ctx:      context.Background(),
		t:        t,
		store:    store,
		rooms:    rooms,
		members:  members,
		messages: NewMessageLog(members, store, DefaultMessageOptions(), discardLogger),
	}
}

func (f *roomFixture) createRoom(name string, capacity int, password string) Room {
	f.t.Helper()
	r, err := f.rooms.Create(f.ctx, RoomCreateInput{Name: name, Capacity: capacity, Password: password, Creator: "owner"})
	if err != nil {
		f.t.Fatal(err)
	}
	return r
}

func (f *roomFixture) login(session, username string, role Role) {
	f.t.Helper()
	if _, err := f.members.Login(session, username, role); err != nil {
		f.t.Fatal(err)
	}
}

func (f *roomFixture) join(session, roomID string) {
	f.t.Helper()
	if _, err := f.members.Join(session, roomID, ""); err != nil {
		f.t.Fatal(err)
	}
}

func (f *roomFixture) send(session, roomID, content string) Message {
	f.t.Helper()
	m, err := f.messages.Append(f.ctx, MessageCreateInput{RoomID: roomID, SessionID: session, Content: content})
	if err != nil {
		f.t.Fatal(err)
	}
	return m
}
