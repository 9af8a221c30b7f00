package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	conn *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and if needed initializes) the SQLite database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows multiple readers alongside the single writer.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	password_salt TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Chat (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	creator_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (creator_id) REFERENCES User(id)
);

CREATE TABLE IF NOT EXISTS ChatMember (
	chat_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	permissions INTEGER NOT NULL,
	PRIMARY KEY (chat_id, user_id),
	FOREIGN KEY (chat_id) REFERENCES Chat(id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES User(id)
);

CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id INTEGER NOT NULL,
	sender_id INTEGER NOT NULL,
	sender_name TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	edited_at INTEGER,
	FOREIGN KEY (chat_id) REFERENCES Chat(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Friend (
	user_id INTEGER NOT NULL,
	friend_id INTEGER NOT NULL,
	chat_id INTEGER NOT NULL,
	PRIMARY KEY (user_id, friend_id),
	FOREIGN KEY (user_id) REFERENCES User(id),
	FOREIGN KEY (friend_id) REFERENCES User(id)
);

CREATE TABLE IF NOT EXISTS FriendRequest (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id INTEGER NOT NULL,
	sender_name TEXT NOT NULL,
	receiver_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (sender_id, receiver_id),
	FOREIGN KEY (sender_id) REFERENCES User(id),
	FOREIGN KEY (receiver_id) REFERENCES User(id)
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON Message(chat_id, created_at);
CREATE INDEX IF NOT EXISTS idx_members_user ON ChatMember(user_id);
CREATE INDEX IF NOT EXISTS idx_requests_receiver ON FriendRequest(receiver_id);
`
	_, err := s.conn.Exec(schema)
	return err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// isUniqueViolation recognizes SQLite unique-constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func (s *SQLiteStore) GetUserByName(name string) (*User, error) {
	row := s.conn.QueryRow(
		`SELECT id, name, password_hash, password_salt, created_at FROM User WHERE name = ?`, name)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByID(id int64) (*User, error) {
	row := s.conn.QueryRow(
		`SELECT id, name, password_hash, password_salt, created_at FROM User WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.PasswordSalt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) CreateUser(name, passwordHash, passwordSalt string) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO User (name, password_hash, password_salt, created_at) VALUES (?, ?, ?, ?)`,
		name, passwordHash, passwordSalt, nowMillis())
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) SearchUsersByPrefix(prefix string) ([]*User, error) {
	// Escape LIKE wildcards so the prefix is matched literally.
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	rows, err := s.conn.Query(
		`SELECT id, name, password_hash, password_salt, created_at
		 FROM User WHERE name LIKE ? ESCAPE '\' ORDER BY name LIMIT 50`, escaped+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.PasswordSalt, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) PullFriends(userID int64) ([]*Friend, error) {
	rows, err := s.conn.Query(
		`SELECT f.user_id, f.friend_id, u.name, f.chat_id
		 FROM Friend f JOIN User u ON u.id = f.friend_id
		 WHERE f.user_id = ? ORDER BY u.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []*Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.UserID, &f.FriendID, &f.FriendName, &f.ChatID); err != nil {
			return nil, err
		}
		friends = append(friends, &f)
	}
	return friends, rows.Err()
}

func (s *SQLiteStore) CheckFriend(userID, friendID int64) (*Friend, error) {
	row := s.conn.QueryRow(
		`SELECT f.user_id, f.friend_id, u.name, f.chat_id
		 FROM Friend f JOIN User u ON u.id = f.friend_id
		 WHERE f.user_id = ? AND f.friend_id = ?`, userID, friendID)

	var f Friend
	err := row.Scan(&f.UserID, &f.FriendID, &f.FriendName, &f.ChatID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *SQLiteStore) AddFriend(userID, friendID, chatID int64) error {
	_, err := s.conn.Exec(
		`INSERT INTO Friend (user_id, friend_id, chat_id) VALUES (?, ?, ?)`,
		userID, friendID, chatID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteStore) RemoveFriend(userID, friendID int64) error {
	res, err := s.conn.Exec(
		`DELETE FROM Friend WHERE user_id = ? AND friend_id = ?`, userID, friendID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AddFriendRequest(senderID int64, senderName string, receiverID int64) error {
	_, err := s.conn.Exec(
		`INSERT INTO FriendRequest (sender_id, sender_name, receiver_id, created_at) VALUES (?, ?, ?, ?)`,
		senderID, senderName, receiverID, nowMillis())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteStore) CheckFriendRequest(senderID, receiverID int64) (bool, error) {
	var one int
	err := s.conn.QueryRow(
		`SELECT 1 FROM FriendRequest WHERE sender_id = ? AND receiver_id = ?`,
		senderID, receiverID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) RemoveFriendRequest(senderID, receiverID int64) error {
	res, err := s.conn.Exec(
		`DELETE FROM FriendRequest WHERE sender_id = ? AND receiver_id = ?`,
		senderID, receiverID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) PullFriendRequests(receiverID int64) ([]*FriendRequest, error) {
	rows, err := s.conn.Query(
		`SELECT id, sender_id, sender_name, receiver_id, created_at
		 FROM FriendRequest WHERE receiver_id = ? ORDER BY created_at`, receiverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*FriendRequest
	for rows.Next() {
		var r FriendRequest
		if err := rows.Scan(&r.ID, &r.SenderID, &r.SenderName, &r.ReceiverID, &r.CreatedAt); err != nil {
			return nil, err
		}
		requests = append(requests, &r)
	}
	return requests, rows.Err()
}

func (s *SQLiteStore) CreateChat(name string, creatorID int64) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO Chat (name, creator_id, created_at) VALUES (?, ?, ?)`,
		name, creatorID, nowMillis())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) DeleteChat(chatID int64) error {
	res, err := s.conn.Exec(`DELETE FROM Chat WHERE id = ?`, chatID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) PullUserChats(userID int64) ([]*Chat, error) {
	rows, err := s.conn.Query(
		`SELECT c.id, c.name, c.creator_id, c.created_at
		 FROM Chat c JOIN ChatMember m ON m.chat_id = c.id
		 WHERE m.user_id = ? ORDER BY c.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatorID, &c.CreatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) PullChatSubscribers(chatID int64) ([]*Subscriber, error) {
	rows, err := s.conn.Query(
		`SELECT m.chat_id, m.user_id, u.name, m.permissions
		 FROM ChatMember m JOIN User u ON u.id = m.user_id
		 WHERE m.chat_id = ? ORDER BY m.user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.ChatID, &sub.UserID, &sub.UserName, &sub.Permissions); err != nil {
			return nil, err
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) PullSingleUserChatPermissions(userID, chatID int64) (int, error) {
	var perms int
	err := s.conn.QueryRow(
		`SELECT permissions FROM ChatMember WHERE user_id = ? AND chat_id = ?`,
		userID, chatID).Scan(&perms)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return perms, nil
}

func (s *SQLiteStore) UpdatePermissions(userID, chatID int64, perms int) error {
	_, err := s.conn.Exec(
		`INSERT INTO ChatMember (chat_id, user_id, permissions) VALUES (?, ?, ?)
		 ON CONFLICT (chat_id, user_id) DO UPDATE SET permissions = excluded.permissions`,
		chatID, userID, perms)
	return err
}

func (s *SQLiteStore) AddMessage(chatID, senderID int64, senderName, body string) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO Message (chat_id, sender_id, sender_name, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		chatID, senderID, senderName, body, nowMillis())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) PullMessage(messageID int64) (*Message, error) {
	row := s.conn.QueryRow(
		`SELECT id, chat_id, sender_id, sender_name, body, created_at, edited_at
		 FROM Message WHERE id = ?`, messageID)

	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Body, &m.CreatedAt, &m.EditedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) PullMessagesForChat(chatID int64) ([]*Message, error) {
	rows, err := s.conn.Query(
		`SELECT id, chat_id, sender_id, sender_name, body, created_at, edited_at
		 FROM Message WHERE chat_id = ? ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Body, &m.CreatedAt, &m.EditedAt); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) EditMessage(messageID int64, body string) error {
	res, err := s.conn.Exec(
		`UPDATE Message SET body = ?, edited_at = ? WHERE id = ?`,
		body, nowMillis(), messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteMessage(messageID int64) error {
	res, err := s.conn.Exec(`DELETE FROM Message WHERE id = ?`, messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
