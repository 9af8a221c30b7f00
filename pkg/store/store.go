// Package store is the persistence boundary of the server. The core only
// ever talks to the Store interface; pick the SQLite implementation for
// real deployments and the in-memory one for tests.
package store

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate indicates a uniqueness constraint was violated.
	ErrDuplicate = errors.New("record already exists")
)

// User is a registered account.
type User struct {
	ID           int64
	Name         string
	PasswordHash string // bcrypt over the salted password
	PasswordSalt string
	CreatedAt    int64 // Unix timestamp in milliseconds
}

// Chat is a conversation between one or more subscribed users.
type Chat struct {
	ID        int64
	Name      string
	CreatorID int64
	CreatedAt int64
}

// Subscriber is one chat membership with its permission byte.
type Subscriber struct {
	ChatID      int64
	UserID      int64
	UserName    string
	Permissions int
}

// Message is one chat message.
type Message struct {
	ID         int64
	ChatID     int64
	SenderID   int64
	SenderName string
	Body       string
	CreatedAt  int64
	EditedAt   *int64
}

// Friend is one direction of a friendship. Friendships are stored as two
// rows, one per direction; both reference the shared private chat created
// when the friendship was committed.
type Friend struct {
	UserID     int64
	FriendID   int64
	FriendName string
	ChatID     int64
}

// FriendRequest is a pending, directional request.
type FriendRequest struct {
	ID         int64
	SenderID   int64
	SenderName string
	ReceiverID int64
	CreatedAt  int64
}

// Store is the persistence contract consumed by the connection handlers
// and the notification fan-out. Implementations return ErrNotFound for
// missing records and never panic across the boundary.
type Store interface {
	GetUserByName(name string) (*User, error)
	GetUserByID(id int64) (*User, error)
	CreateUser(name, passwordHash, passwordSalt string) (int64, error)
	SearchUsersByPrefix(prefix string) ([]*User, error)

	PullFriends(userID int64) ([]*Friend, error)
	CheckFriend(userID, friendID int64) (*Friend, error)
	AddFriend(userID, friendID, chatID int64) error
	RemoveFriend(userID, friendID int64) error

	AddFriendRequest(senderID int64, senderName string, receiverID int64) error
	CheckFriendRequest(senderID, receiverID int64) (bool, error)
	RemoveFriendRequest(senderID, receiverID int64) error
	PullFriendRequests(receiverID int64) ([]*FriendRequest, error)

	CreateChat(name string, creatorID int64) (int64, error)
	DeleteChat(chatID int64) error
	PullUserChats(userID int64) ([]*Chat, error)
	PullChatSubscribers(chatID int64) ([]*Subscriber, error)
	PullSingleUserChatPermissions(userID, chatID int64) (int, error)
	// UpdatePermissions sets a member's permission byte, inserting the
	// membership row when the user was not yet subscribed.
	UpdatePermissions(userID, chatID int64, perms int) error

	AddMessage(chatID, senderID int64, senderName, body string) (int64, error)
	PullMessage(messageID int64) (*Message, error)
	PullMessagesForChat(chatID int64) ([]*Message, error)
	EditMessage(messageID int64, body string) error
	DeleteMessage(messageID int64) error

	Close() error
}
