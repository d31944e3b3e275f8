package storage

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"

	"p2pchat/models"
)

const messageColumns = `id, sender_id, recipient_id, content, payload, file_name, file_size, kind, timestamp, delivered, is_read`

type rowScanner interface {
	Scan(dest ...any) error
}

// Append adds message to the end of history.
func (s *Store) Append(message models.Message) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	if err := message.Validate(); err != nil {
		return err
	}
	if message.Kind == "" {
		message.Kind = models.KindText
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.SenderID,
		message.RecipientID,
		message.Content,
		message.Payload,
		message.FileName,
		message.FileSize,
		string(message.Kind),
		message.Timestamp,
		boolToInt(message.Delivered),
		boolToInt(message.Read),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("insert message %q: %w", message.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}
	return nil
}

// SetDelivered updates the delivered flag of one message.
func (s *Store) SetDelivered(messageID string, delivered bool) error {
	return s.updateFlag("delivered", messageID, delivered)
}

// MarkRead sets the read flag of one message.
func (s *Store) MarkRead(messageID string) error {
	return s.updateFlag("is_read", messageID, true)
}

func (s *Store) updateFlag(column, messageID string, value bool) error {
	if messageID == "" {
		return errors.New("message id is required")
	}

	res, err := s.db.Exec(`UPDATE messages SET `+column+` = ? WHERE id = ?`, boolToInt(value), messageID)
	if err != nil {
		return fmt.Errorf("update %s for message %q: %w", column, messageID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for message %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one message by ID.
func (s *Store) Get(messageID string) (models.Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// List returns the whole history in append order.
func (s *Store) List() ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT ` + messageColumns + ` FROM messages ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

// Conversation returns messages exchanged with peerID in append order.
func (s *Store) Conversation(peerID string) ([]models.Message, error) {
	if peerID == "" {
		return nil, errors.New("peer id is required")
	}

	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		WHERE sender_id = ? OR recipient_id = ?
		ORDER BY seq ASC`,
		peerID,
		peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation for peer %q: %w", peerID, err)
	}
	return collectMessages(rows)
}

// Count returns the number of messages in history.
func (s *Store) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		message   models.Message
		kind      string
		delivered int
		isRead    int
	)
	if err := row.Scan(
		&message.ID,
		&message.SenderID,
		&message.RecipientID,
		&message.Content,
		&message.Payload,
		&message.FileName,
		&message.FileSize,
		&kind,
		&message.Timestamp,
		&delivered,
		&isRead,
	); err != nil {
		return models.Message{}, err
	}
	message.Kind = models.Kind(kind)
	message.Delivered = delivered == 1
	message.Read = isRead == 1
	return message, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
