// Package client is a Go library for the chatwire wire protocol. It
// drives the same line format the server speaks, over TCP or WebSocket,
// and exposes the push-based operations as request/reply calls where
// the server deterministically answers.
package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/chatwire/pkg/protocol"
)

// ErrTimeout is returned when the server does not answer a call within
// the configured response timeout.
var ErrTimeout = errors.New("timed out waiting for server reply")

// ErrNotLoggedIn is returned by operations that need an authenticated
// session before Login has succeeded.
var ErrNotLoggedIn = errors.New("not logged in")

// Config holds client connection settings.
type Config struct {
	// Address is "host:port" for plain TCP, or a ws:// / wss:// URL for
	// WebSocket transport.
	Address string

	// ResponseTimeout bounds request/reply calls (default 10s).
	ResponseTimeout time.Duration

	// PullTimeout bounds the pulls the server answers only when there is
	// something to send, like message pulls of an empty chat (default 1s).
	PullTimeout time.Duration

	// Logger for connection events. Optional.
	Logger *log.Logger
}

// lineConn carries one protocol line per call, hiding transport framing.
type lineConn interface {
	WriteLine(line string) error
	ReadLine() (string, error)
	Close() error
}

type tcpLineConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (t *tcpLineConn) WriteLine(line string) error {
	_, err := t.conn.Write([]byte(line + "\n"))
	return err
}

func (t *tcpLineConn) ReadLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *tcpLineConn) Close() error { return t.conn.Close() }

type wsLineConn struct {
	conn *websocket.Conn
}

func (w *wsLineConn) WriteLine(line string) error {
	return w.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (w *wsLineConn) ReadLine() (string, error) {
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (w *wsLineConn) Close() error { return w.conn.Close() }

// waiter captures the single in-flight request/reply exchange.
type waiter struct {
	ops map[string]bool
	ch  chan *protocol.Envelope
}

// Connection is one client connection to a chatwire server.
type Connection struct {
	cfg  Config
	conn lineConn

	writeMu sync.Mutex

	identityMu sync.RWMutex
	userID     string
	username   string
	sessionID  string

	// requestMu serializes request/reply exchanges so replies cannot be
	// attributed to the wrong call.
	requestMu sync.Mutex
	waiterMu  sync.Mutex
	waiter    *waiter

	events   chan *protocol.Envelope
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Dial connects to a chatwire server and starts the receive loop.
func Dial(cfg Config) (*Connection, error) {
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 10 * time.Second
	}
	if cfg.PullTimeout == 0 {
		cfg.PullTimeout = time.Second
	}

	var conn lineConn
	if strings.HasPrefix(cfg.Address, "ws://") || strings.HasPrefix(cfg.Address, "wss://") {
		ws, _, err := websocket.DefaultDialer.Dial(cfg.Address, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket connect to %s: %w", cfg.Address, err)
		}
		conn = &wsLineConn{conn: ws}
	} else {
		tcp, err := net.Dial("tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", cfg.Address, err)
		}
		conn = &tcpLineConn{conn: tcp, reader: bufio.NewReader(tcp)}
	}

	c := &Connection{
		cfg:       cfg,
		conn:      conn,
		userID:    "-1",
		username:  "NONE",
		sessionID: "NONE",
		events:    make(chan *protocol.Envelope, 100),
		shutdown:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.receiveLoop()
	return c, nil
}

// Close tears the connection down. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.shutdown)
		err = c.conn.Close()
	})
	c.wg.Wait()
	return err
}

// Events delivers the server pushes no call is waiting for: message
// fan-out, friend and chat refreshes, administrative notices. The
// channel closes when the connection dies.
func (c *Connection) Events() <-chan *protocol.Envelope {
	return c.events
}

// UserID returns the logged-in user's ID as a decimal string, or "-1".
func (c *Connection) UserID() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.userID
}

// UserName returns the logged-in username, or "NONE".
func (c *Connection) UserName() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.username
}

// LoggedIn reports whether a Login has succeeded on this connection.
func (c *Connection) LoggedIn() bool {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.sessionID != "NONE"
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}

// receiveLoop reads lines, reassembles fragments, answers heartbeats,
// and routes every other envelope to the in-flight call or the events
// channel.
func (c *Connection) receiveLoop() {
	defer c.wg.Done()
	defer close(c.events)

	var reassembler protocol.Reassembler
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			select {
			case <-c.shutdown:
			default:
				c.logf("connection lost: %v", err)
			}
			return
		}

		msg, done := reassembler.Push(line)
		if !done {
			continue
		}
		env, err := protocol.Parse("F" + msg)
		if err != nil {
			c.logf("discarding unparseable line: %v", err)
			continue
		}

		if env.Opcode == protocol.OpHeartbeat {
			if err := c.send(protocol.OpHeartbeat); err != nil {
				c.logf("heartbeat reply failed: %v", err)
			}
			continue
		}

		c.route(env)
	}
}

func (c *Connection) route(env *protocol.Envelope) {
	c.waiterMu.Lock()
	if c.waiter != nil && c.waiter.ops[env.Opcode] {
		w := c.waiter
		c.waiter = nil
		c.waiterMu.Unlock()
		w.ch <- env
		return
	}
	c.waiterMu.Unlock()

	select {
	case c.events <- env:
	default:
		c.logf("events channel full, dropping %s push", env.Opcode)
	}
}

// send writes one logical outbound message as a single final-flagged
// line. Requests are never fragmented: the server only reassembles when
// its symmetric_reassembly flag is on, and stock servers run without it.
func (c *Connection) send(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteLine("F" + msg)
}

// call sends a request and waits for the first reply carrying one of
// the given opcodes. Unrelated pushes arriving meanwhile go to Events.
func (c *Connection) call(msg string, timeout time.Duration, replyOps ...string) (*protocol.Envelope, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	w := &waiter{ops: make(map[string]bool, len(replyOps)), ch: make(chan *protocol.Envelope, 1)}
	for _, op := range replyOps {
		w.ops[op] = true
	}
	c.waiterMu.Lock()
	c.waiter = w
	c.waiterMu.Unlock()

	if err := c.send(msg); err != nil {
		c.clearWaiter()
		return nil, err
	}

	select {
	case env := <-w.ch:
		return env, nil
	case <-time.After(timeout):
		c.clearWaiter()
		return nil, ErrTimeout
	case <-c.shutdown:
		c.clearWaiter()
		return nil, errors.New("connection closed")
	}
}

func (c *Connection) clearWaiter() {
	c.waiterMu.Lock()
	c.waiter = nil
	c.waiterMu.Unlock()
}

// header is the UserID+SessionID prefix carried by authenticated
// requests.
func (c *Connection) header() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return protocol.Pack(c.userID, protocol.UserIDLen) + c.sessionID
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Register creates an account. The server's rejection text becomes the
// returned error.
func (c *Connection) Register(username, password string) error {
	env, err := c.call(
		protocol.OpRegister+
			protocol.Pack(username, protocol.UserNameLen)+
			protocol.Pack(password, protocol.PasswordLen),
		c.cfg.ResponseTimeout,
		protocol.OpRegisterOK, protocol.OpRegisterFailed)
	if err != nil {
		return err
	}
	if env.Opcode == protocol.OpRegisterFailed {
		return errors.New(env.Payload)
	}
	return nil
}

// Login authenticates and stores the session identity used by every
// subsequent request on this connection.
func (c *Connection) Login(username, password string) error {
	env, err := c.call(
		protocol.OpLogin+
			protocol.Pack(username, protocol.UserNameLen)+
			protocol.Pack(password, protocol.PasswordLen),
		c.cfg.ResponseTimeout,
		protocol.OpLoginOK, protocol.OpLoginFailed)
	if err != nil {
		return err
	}
	if env.Opcode == protocol.OpLoginFailed {
		return errors.New(env.Payload)
	}

	c.identityMu.Lock()
	c.userID = env.Field(protocol.FieldUserID)
	c.username = env.Field(protocol.FieldUserName)
	c.sessionID = env.Field(protocol.FieldSessionID)
	c.identityMu.Unlock()
	return nil
}

// Logout ends the session. The connection stays usable for a fresh
// Login.
func (c *Connection) Logout() error {
	if !c.LoggedIn() {
		return ErrNotLoggedIn
	}
	_, err := c.call(protocol.OpLogout+c.header(), c.cfg.ResponseTimeout, protocol.OpAdminMessage)
	if err != nil {
		return err
	}
	c.identityMu.Lock()
	c.userID, c.username, c.sessionID = "-1", "NONE", "NONE"
	c.identityMu.Unlock()
	return nil
}

// PullFriends fetches the friends list.
func (c *Connection) PullFriends() ([]Friend, error) {
	env, err := c.call(protocol.OpPullFriends+c.header(), c.cfg.ResponseTimeout, protocol.OpFriendPush)
	if err != nil {
		return nil, err
	}
	var friends []Friend
	if err := json.Unmarshal([]byte(env.Payload), &friends); err != nil {
		return nil, fmt.Errorf("friends payload: %w", err)
	}
	return friends, nil
}

// PullFriendRequests fetches the pending incoming friend requests.
func (c *Connection) PullFriendRequests() ([]FriendRequest, error) {
	env, err := c.call(protocol.OpPullFriendRequests+c.header(), c.cfg.ResponseTimeout, protocol.OpRequestPush)
	if err != nil {
		return nil, err
	}
	var requests []FriendRequest
	if err := json.Unmarshal([]byte(env.Payload), &requests); err != nil {
		return nil, fmt.Errorf("requests payload: %w", err)
	}
	return requests, nil
}

// AddFriend sends or reciprocates a friend request by user ID. The
// outcome arrives as pushes on Events.
func (c *Connection) AddFriend(userID string) error {
	return c.send(protocol.OpAddFriend +
		protocol.Pack(c.UserID(), protocol.UserIDLen) +
		protocol.Pack(userID, protocol.UserNameLen) +
		c.rawSessionID())
}

// RemoveFriend dissolves a friendship or retracts/declines a pending
// request, by user ID.
func (c *Connection) RemoveFriend(userID string) error {
	return c.send(protocol.OpRemoveFriend +
		protocol.Pack(c.UserID(), protocol.UserIDLen) +
		protocol.Pack(userID, protocol.UserNameLen) +
		c.rawSessionID())
}

// SearchUsers looks usernames up by prefix. The server stays silent on
// an empty result set, so a quiet pull timeout means no matches.
func (c *Connection) SearchUsers(prefix string) ([]User, error) {
	env, err := c.call(
		protocol.OpUserSearch+
			protocol.Pack(c.UserID(), protocol.UserIDLen)+
			protocol.Pack(prefix, protocol.UserNameLen)+
			c.rawSessionID(),
		c.cfg.PullTimeout,
		protocol.OpSearchResults)
	if errors.Is(err, ErrTimeout) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var users []User
	if err := json.Unmarshal([]byte(env.Payload), &users); err != nil {
		return nil, fmt.Errorf("search payload: %w", err)
	}
	return users, nil
}

// PullChats fetches the chats the user belongs to.
func (c *Connection) PullChats() ([]Chat, error) {
	env, err := c.call(protocol.OpPullChats+c.header(), c.cfg.ResponseTimeout, protocol.OpChatPush)
	if err != nil {
		return nil, err
	}
	var chats []Chat
	if err := json.Unmarshal([]byte(env.Payload), &chats); err != nil {
		return nil, fmt.Errorf("chats payload: %w", err)
	}
	return chats, nil
}

// CreateChat creates a chat and returns the refreshed chat list.
func (c *Connection) CreateChat(name string) ([]Chat, error) {
	env, err := c.call(
		protocol.OpCreateChat+
			protocol.Pack(c.UserID(), protocol.UserIDLen)+
			protocol.Pack(name, protocol.UserNameLen)+
			c.rawSessionID(),
		c.cfg.ResponseTimeout,
		protocol.OpChatPush)
	if err != nil {
		return nil, err
	}
	var chats []Chat
	if err := json.Unmarshal([]byte(env.Payload), &chats); err != nil {
		return nil, fmt.Errorf("chats payload: %w", err)
	}
	return chats, nil
}

// PullMessages fetches a chat's messages. The server stays silent on an
// empty chat, so a quiet pull timeout means no messages.
func (c *Connection) PullMessages(chatID string) ([]Message, error) {
	env, err := c.call(
		protocol.OpModifyPermissions+c.header()+protocol.Pack(chatID, protocol.ChatIDLen),
		c.cfg.PullTimeout,
		protocol.OpMessagePush)
	if errors.Is(err, ErrTimeout) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var messages []Message
	if err := json.Unmarshal([]byte(env.Payload), &messages); err != nil {
		return nil, fmt.Errorf("messages payload: %w", err)
	}
	return messages, nil
}

// SendMessage posts a message to a chat. Delivery comes back as a
// message push on Events, to this client like to every other present
// subscriber.
func (c *Connection) SendMessage(chatID, body string) error {
	if !c.LoggedIn() {
		return ErrNotLoggedIn
	}
	if !protocol.ValidValue(body) {
		return fmt.Errorf("message body contains protocol characters")
	}
	return c.send(protocol.OpSendMessage +
		protocol.Pack(c.UserID(), protocol.UserIDLen) +
		protocol.Pack(c.UserName(), protocol.UserNameLen) +
		c.rawSessionID() +
		protocol.Pack(chatID, protocol.ChatIDLen) +
		body)
}

// EditMessage replaces a message's body. Allowed for the sender, or
// anyone holding the delete permission in the message's chat.
func (c *Connection) EditMessage(messageID, body string) error {
	if !protocol.ValidValue(body) {
		return fmt.Errorf("message body contains protocol characters")
	}
	return c.send(protocol.OpEditMessage + c.header() +
		protocol.Pack(messageID, protocol.MessageIDLen) + body)
}

// DeleteMessage removes a message, with the same permission rule as
// EditMessage.
func (c *Connection) DeleteMessage(messageID string) error {
	return c.send(protocol.OpDeleteMessage + c.header() +
		protocol.Pack(messageID, protocol.MessageIDLen))
}

// ModifyPermissions applies one moderation command to a chat member and
// returns the server's verdict text.
func (c *Connection) ModifyPermissions(chatID, command string, targetUserID int64) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"Command":      command,
		"TargetUserID": targetUserID,
	})
	if err != nil {
		return "", err
	}
	env, err := c.call(
		protocol.OpModifyPermissions+c.header()+
			protocol.Pack(chatID, protocol.ChatIDLen)+
			string(payload),
		c.cfg.ResponseTimeout,
		protocol.OpAdminMessage)
	if err != nil {
		return "", err
	}
	return env.Payload, nil
}

func (c *Connection) rawSessionID() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.sessionID
}
