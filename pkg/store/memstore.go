package store

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is a mutex-guarded in-memory Store. It backs tests and
// throwaway development servers; nothing survives a restart.
type MemStore struct {
	mu sync.RWMutex

	users      map[int64]*User
	userByName map[string]int64
	chats      map[int64]*Chat
	members    map[int64]map[int64]int // chatID -> userID -> permissions
	messages   map[int64]*Message
	friends    map[int64]map[int64]*Friend // userID -> friendID -> row
	requests   map[int64]map[int64]*FriendRequest // senderID -> receiverID -> row

	nextUserID    int64
	nextChatID    int64
	nextMessageID int64
	nextRequestID int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:      make(map[int64]*User),
		userByName: make(map[string]int64),
		chats:      make(map[int64]*Chat),
		members:    make(map[int64]map[int64]int),
		messages:   make(map[int64]*Message),
		friends:    make(map[int64]map[int64]*Friend),
		requests:   make(map[int64]map[int64]*FriendRequest),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }

func (s *MemStore) GetUserByName(name string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.userByName[name]
	if !ok {
		return nil, ErrNotFound
	}
	u := *s.users[id]
	return &u, nil
}

func (s *MemStore) GetUserByID(id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *MemStore) CreateUser(name, passwordHash, passwordSalt string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.userByName[name]; exists {
		return 0, ErrDuplicate
	}

	s.nextUserID++
	u := &User{
		ID:           s.nextUserID,
		Name:         name,
		PasswordHash: passwordHash,
		PasswordSalt: passwordSalt,
		CreatedAt:    time.Now().UnixMilli(),
	}
	s.users[u.ID] = u
	s.userByName[name] = u.ID
	return u.ID, nil
}

func (s *MemStore) SearchUsersByPrefix(prefix string) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []*User
	for _, u := range s.users {
		if strings.HasPrefix(u.Name, prefix) {
			copied := *u
			users = append(users, &copied)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	if len(users) > 50 {
		users = users[:50]
	}
	return users, nil
}

func (s *MemStore) PullFriends(userID int64) ([]*Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var friends []*Friend
	for _, f := range s.friends[userID] {
		copied := *f
		friends = append(friends, &copied)
	}
	sort.Slice(friends, func(i, j int) bool { return friends[i].FriendName < friends[j].FriendName })
	return friends, nil
}

func (s *MemStore) CheckFriend(userID, friendID int64) (*Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.friends[userID][friendID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *f
	return &copied, nil
}

func (s *MemStore) AddFriend(userID, friendID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	friend, ok := s.users[friendID]
	if !ok {
		return ErrNotFound
	}
	if s.friends[userID] == nil {
		s.friends[userID] = make(map[int64]*Friend)
	}
	if _, exists := s.friends[userID][friendID]; exists {
		return ErrDuplicate
	}
	s.friends[userID][friendID] = &Friend{
		UserID:     userID,
		FriendID:   friendID,
		FriendName: friend.Name,
		ChatID:     chatID,
	}
	return nil
}

func (s *MemStore) RemoveFriend(userID, friendID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.friends[userID][friendID]; !ok {
		return ErrNotFound
	}
	delete(s.friends[userID], friendID)
	return nil
}

func (s *MemStore) AddFriendRequest(senderID int64, senderName string, receiverID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.requests[senderID] == nil {
		s.requests[senderID] = make(map[int64]*FriendRequest)
	}
	if _, exists := s.requests[senderID][receiverID]; exists {
		return ErrDuplicate
	}

	s.nextRequestID++
	s.requests[senderID][receiverID] = &FriendRequest{
		ID:         s.nextRequestID,
		SenderID:   senderID,
		SenderName: senderName,
		ReceiverID: receiverID,
		CreatedAt:  time.Now().UnixMilli(),
	}
	return nil
}

func (s *MemStore) CheckFriendRequest(senderID, receiverID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.requests[senderID][receiverID]
	return ok, nil
}

func (s *MemStore) RemoveFriendRequest(senderID, receiverID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[senderID][receiverID]; !ok {
		return ErrNotFound
	}
	delete(s.requests[senderID], receiverID)
	return nil
}

func (s *MemStore) PullFriendRequests(receiverID int64) ([]*FriendRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var requests []*FriendRequest
	for _, byReceiver := range s.requests {
		if r, ok := byReceiver[receiverID]; ok {
			copied := *r
			requests = append(requests, &copied)
		}
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].CreatedAt < requests[j].CreatedAt })
	return requests, nil
}

func (s *MemStore) CreateChat(name string, creatorID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextChatID++
	c := &Chat{
		ID:        s.nextChatID,
		Name:      name,
		CreatorID: creatorID,
		CreatedAt: time.Now().UnixMilli(),
	}
	s.chats[c.ID] = c
	s.members[c.ID] = make(map[int64]int)
	return c.ID, nil
}

func (s *MemStore) DeleteChat(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return ErrNotFound
	}
	delete(s.chats, chatID)
	delete(s.members, chatID)
	for id, m := range s.messages {
		if m.ChatID == chatID {
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *MemStore) PullUserChats(userID int64) ([]*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chats []*Chat
	for chatID, members := range s.members {
		if _, ok := members[userID]; ok {
			copied := *s.chats[chatID]
			chats = append(chats, &copied)
		}
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].ID < chats[j].ID })
	return chats, nil
}

func (s *MemStore) PullChatSubscribers(chatID int64) ([]*Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []*Subscriber
	for userID, perms := range s.members[chatID] {
		subs = append(subs, &Subscriber{
			ChatID:      chatID,
			UserID:      userID,
			UserName:    s.users[userID].Name,
			Permissions: perms,
		})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].UserID < subs[j].UserID })
	return subs, nil
}

func (s *MemStore) PullSingleUserChatPermissions(userID, chatID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perms, ok := s.members[chatID][userID]
	if !ok {
		return 0, ErrNotFound
	}
	return perms, nil
}

func (s *MemStore) UpdatePermissions(userID, chatID int64, perms int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return ErrNotFound
	}
	if s.members[chatID] == nil {
		s.members[chatID] = make(map[int64]int)
	}
	s.members[chatID][userID] = perms
	return nil
}

func (s *MemStore) AddMessage(chatID, senderID int64, senderName, body string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return 0, ErrNotFound
	}

	s.nextMessageID++
	m := &Message{
		ID:         s.nextMessageID,
		ChatID:     chatID,
		SenderID:   senderID,
		SenderName: senderName,
		Body:       body,
		CreatedAt:  time.Now().UnixMilli(),
	}
	s.messages[m.ID] = m
	return m.ID, nil
}

func (s *MemStore) PullMessage(messageID int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (s *MemStore) PullMessagesForChat(chatID int64) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []*Message
	for _, m := range s.messages {
		if m.ChatID == chatID {
			copied := *m
			messages = append(messages, &copied)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt != messages[j].CreatedAt {
			return messages[i].CreatedAt < messages[j].CreatedAt
		}
		return messages[i].ID < messages[j].ID
	})
	return messages, nil
}

func (s *MemStore) EditMessage(messageID int64, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UnixMilli()
	m.Body = body
	m.EditedAt = &now
	return nil
}

func (s *MemStore) DeleteMessage(messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[messageID]; !ok {
		return ErrNotFound
	}
	delete(s.messages, messageID)
	return nil
}
