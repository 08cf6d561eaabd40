package core

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteStore writes rooms and messages through to SQLite so that they
// survive a restart.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) SaveRoom(ctx context.Context, room StoredRoom) error {
	query := `
		INSERT INTO rooms (id, name, type, creator, capacity, password_hash, created_at, last_activity)
		VALUES (@id, @name, @type, @creator, @capacity, @password_hash, @created_at, @last_activity)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			capacity = excluded.capacity,
			password_hash = excluded.password_hash,
			last_activity = excluded.last_activity`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", room.ID),
		sql.Named("name", room.Name),
		sql.Named("type", string(room.Type)),
		sql.Named("creator", room.Creator),
		sql.Named("capacity", room.Capacity),
		sql.Named("password_hash", room.PasswordHash),
		sql.Named("created_at", room.CreatedAt),
		sql.Named("last_activity", room.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("ExecContext(insert room): %w", err)
	}
	return nil
}

// DeleteRoom removes the room and its messages.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE room_id = @room_id`, sql.Named("room_id", id)); err != nil {
		return fmt.Errorf("ExecContext(delete messages): %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = @id`, sql.Named("id", id)); err != nil {
		return fmt.Errorf("ExecContext(delete room): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadRooms(ctx context.Context) ([]StoredRoom, error) {
	query := `
		SELECT id, name, type, creator, capacity, password_hash, created_at, last_activity
		FROM rooms ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var rooms []StoredRoom
	for rows.Next() {
		var r StoredRoom
		var t string
		if err := rows.Scan(&r.ID, &r.Name, &t, &r.Creator, &r.Capacity, &r.PasswordHash, &r.CreatedAt, &r.LastActivity); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		r.Type = RoomType(t)
		r.HasPassword = r.PasswordHash != nil
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return rooms, nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg Message) error {
	query := `
		INSERT INTO messages (id, room_id, sender_id, sender, type, content,
			file_url, file_name, file_size, file_mime_type, sent_at, deleted)
		VALUES (@id, @room_id, @sender_id, @sender, @type, @content,
			@file_url, @file_name, @file_size, @file_mime_type, @sent_at, @deleted)`

	var fileURL, fileName, fileMime sql.NullString
	var fileSize sql.NullInt64
	if f := msg.File; f != nil {
		fileURL = sql.NullString{String: f.URL, Valid: true}
		fileName = sql.NullString{String: f.Name, Valid: true}
		fileMime = sql.NullString{String: f.MimeType, Valid: true}
		fileSize = sql.NullInt64{Int64: f.Size, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", msg.ID),
		sql.Named("room_id", msg.RoomID),
		sql.Named("sender_id", msg.SenderID),
		sql.Named("sender", msg.Sender),
		sql.Named("type", string(msg.Type)),
		sql.Named("content", msg.Content),
		sql.Named("file_url", fileURL),
		sql.Named("file_name", fileName),
		sql.Named("file_size", fileSize),
		sql.Named("file_mime_type", fileMime),
		sql.Named("sent_at", msg.SentAt),
		sql.Named("deleted", msg.Deleted),
	)
	if err != nil {
		return fmt.Errorf("ExecContext(insert message): %w", err)
	}
	return nil
}

// DeleteMessage soft deletes a message. The row stays so its id remains
// taken.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET deleted = 1 WHERE id = @id`, sql.Named("id", id))
	if err != nil {
		return fmt.Errorf("ExecContext(update message): %w", err)
	}
	return nil
}

// LoadMessages returns every message, deleted ones included, in the order
// they were accepted.
func (s *SQLiteStore) LoadMessages(ctx context.Context) ([]Message, error) {
	query := `
		SELECT id, room_id, sender_id, sender, type, content,
			file_url, file_name, file_size, file_mime_type, sent_at, deleted
		FROM messages ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var t string
		var fileURL, fileName, fileMime sql.NullString
		var fileSize sql.NullInt64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Sender, &t, &m.Content,
			&fileURL, &fileName, &fileSize, &fileMime, &m.SentAt, &m.Deleted); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		m.Type = MessageType(t)
		if fileURL.Valid {
			m.File = &FileData{
				URL:      fileURL.String,
				Name:     fileName.String,
				Size:     fileSize.Int64,
				MimeType: fileMime.String,
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return msgs, nil
}
