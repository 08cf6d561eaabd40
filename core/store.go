package core

import "context"

// Store persists rooms and messages. The in-memory components are the
// source of truth while the process runs; a Store only has to be able to
// rebuild them at start.
type Store interface {
	SaveRoom(ctx context.Context, room StoredRoom) error
	DeleteRoom(ctx context.Context, id string) error
	LoadRooms(ctx context.Context) ([]StoredRoom, error)
	SaveMessage(ctx context.Context, msg Message) error
	DeleteMessage(ctx context.Context, id string) error
	LoadMessages(ctx context.Context) ([]Message, error)
}

// NopStore keeps nothing.
type NopStore struct{}

func (NopStore) SaveRoom(context.Context, StoredRoom) error      { return nil }
func (NopStore) DeleteRoom(context.Context, string) error        { return nil }
func (NopStore) LoadRooms(context.Context) ([]StoredRoom, error) { return nil, nil }
func (NopStore) SaveMessage(context.Context, Message) error      { return nil }
func (NopStore) DeleteMessage(context.Context, string) error     { return nil }
func (NopStore) LoadMessages(context.Context) ([]Message, error) { return nil, nil }
