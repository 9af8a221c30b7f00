package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/chatwire/pkg/authz"
	"github.com/aeolun/chatwire/pkg/events"
	"github.com/aeolun/chatwire/pkg/protocol"
	"github.com/aeolun/chatwire/pkg/store"
)

// Username and password syntax limits. The search minimum keeps prefix
// queries from matching half the user table.
const (
	minUsernameLength = 8
	maxUsernameLength = protocol.UserNameLen
	minPasswordLength = 8
	maxPasswordLength = protocol.PasswordLen
	minSearchLength   = 3

	saltLength = 128
)

// JSON view structs. Field names follow the store's column naming so
// payloads stay stable for deployed clients.

type friendView struct {
	UserID       string `json:"UserID"`
	FriendUserID string `json:"FriendUserID"`
	UserName     string `json:"UserName"`
	ChatID       string `json:"ChatID"`
}

type requestView struct {
	UserID       string `json:"UserID"`
	UserName     string `json:"UserName"`
	FriendUserID string `json:"FriendUserID"`
}

type userView struct {
	UserID   string `json:"UserID"`
	UserName string `json:"UserName"`
}

type chatView struct {
	ChatID   string `json:"ChatID"`
	ChatName string `json:"ChatName"`
}

type messageView struct {
	MessageID string `json:"MessageID"`
	ChatID    string `json:"ChatID"`
	UserID    string `json:"UserID"`
	UserName  string `json:"UserName"`
	Message   string `json:"Message"`
	Edited    bool   `json:"Edited,omitempty"`
}

// permissionRequest is the PM payload: one moderation command aimed at
// one member of the envelope's chat.
type permissionRequest struct {
	Command      string `json:"Command"`
	TargetUserID int64  `json:"TargetUserID"`
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// dispatch routes a verified envelope to its handler.
func (a *actor) dispatch(env *protocol.Envelope) {
	switch env.Opcode {
	case protocol.OpRegister:
		a.register(env)
	case protocol.OpLogin:
		a.transmit(a.login(env))
	case protocol.OpLogout:
		a.logout()
	case protocol.OpPullFriends:
		a.pullFriends()
	case protocol.OpAddFriend:
		a.addFriend(env)
	case protocol.OpRemoveFriend:
		a.removeFriend(env)
	case protocol.OpPullFriendRequests:
		a.pullFriendRequests()
	case protocol.OpUserSearch:
		a.searchUserName(env)
	case protocol.OpPullChats:
		a.pullUserChats()
	case protocol.OpCreateChat:
		a.createChat(env)
	case protocol.OpModifyPermissions:
		a.modifyPermissions(env)
	case protocol.OpSendMessage:
		a.sendMessage(env)
	case protocol.OpEditMessage:
		a.editMessage(env)
	case protocol.OpDeleteMessage:
		a.deleteMessage(env)
	case protocol.OpHeartbeat:
		// Heartbeat. The read itself already refreshed the timer.
	case protocol.OpError:
		errorLog.Printf("Connection %d: client reported error: %s", a.id, env.Payload)
	default:
		debugLog.Printf("Connection %d: no handler for opcode %s", a.id, env.Opcode)
	}
}

// register handles IR. Both validation failures and name collisions
// answer RU with a descriptive payload; the connection stays open.
func (a *actor) register(env *protocol.Envelope) {
	username := env.Field(protocol.FieldUserName)
	password := env.Field(protocol.FieldPassword)

	if !checkUsernameSyntax(username) {
		a.transmit(protocol.OpRegisterFailed + "Username " + username + " was invalid.")
		a.srv.metrics.RecordAuthFailure()
		return
	}
	if !checkPasswordSyntax(password) {
		a.transmit(protocol.OpRegisterFailed + "Password did not meet the requirements.")
		a.srv.metrics.RecordAuthFailure()
		return
	}

	if _, err := a.srv.store.GetUserByName(username); err == nil {
		a.transmit(protocol.OpRegisterFailed + "The name you are trying to register is already taken.")
		debugLog.Printf("Connection %d: registration rejected, name %q is taken", a.id, username)
		a.srv.metrics.RecordAuthFailure()
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		errorLog.Printf("Connection %d: user lookup failed during registration: %v", a.id, err)
		a.transmit(protocol.OpRegisterFailed + "An undefined error has occurred. Please contact the system administrator.")
		return
	}

	salt := randomString(saltLength)
	hash, err := hashPassword(password, salt)
	if err != nil {
		errorLog.Printf("Connection %d: password hashing failed: %v", a.id, err)
		a.transmit(protocol.OpRegisterFailed + "An undefined error has occurred. Please contact the system administrator.")
		return
	}

	if _, err := a.srv.store.CreateUser(username, hash, salt); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			a.transmit(protocol.OpRegisterFailed + "The name you are trying to register is already taken.")
			a.srv.metrics.RecordAuthFailure()
			return
		}
		errorLog.Printf("Connection %d: user creation failed: %v", a.id, err)
		a.transmit(protocol.OpRegisterFailed + "An undefined error has occurred. Please contact the system administrator.")
		return
	}

	a.transmit(protocol.OpRegisterOK + "You have successfully registered with the username " + username)
	debugLog.Printf("Connection %d: registered user %q", a.id, username)
}

// login handles LR and returns the reply to transmit. Lookup and
// verification failures all produce generic user-facing text.
func (a *actor) login(env *protocol.Envelope) string {
	username := env.Field(protocol.FieldUserName)

	if !checkUsernameSyntax(username) {
		a.srv.metrics.RecordAuthFailure()
		return protocol.OpLoginFailed + "Username " + username + " was invalid."
	}

	user, err := a.srv.store.GetUserByName(username)
	if err != nil {
		a.srv.metrics.RecordAuthFailure()
		if errors.Is(err, store.ErrNotFound) {
			return protocol.OpLoginFailed + "Username was not found."
		}
		errorLog.Printf("Connection %d: user lookup failed during login: %v", a.id, err)
		return protocol.OpLoginFailed + "An undefined error has occurred while logging in. Please contact the system administrator."
	}

	if !verifyPassword(env.Field(protocol.FieldPassword), user.PasswordSalt, user.PasswordHash) {
		a.srv.metrics.RecordAuthFailure()
		return protocol.OpLoginFailed + "Password provided did not match."
	}

	// A re-login on the same connection replaces the old session.
	a.resetAuth()

	a.sessionID = a.createSession()
	a.userID = user.ID
	a.username = user.Name
	a.session = &Session{
		ID:       a.sessionID,
		UserID:   user.ID,
		UserName: user.Name,
		conn:     a.conn,
	}
	a.srv.registry.AddUser(a.session)
	a.srv.metrics.RecordLoggedInUsers(a.srv.registry.CountUsers())
	a.srv.publish(events.Event{Kind: events.KindUserLoggedIn, UserID: user.ID, UserName: user.Name})

	debugLog.Printf("Connection %d: user %q logged in", a.id, user.Name)

	return protocol.OpLoginOK +
		protocol.Pack(formatID(user.ID), protocol.UserIDLen) +
		protocol.Pack(user.Name, protocol.UserNameLen) +
		a.sessionID +
		"You have logged in with the username " + user.Name
}

// createSession draws random 32-character session IDs until one wins
// the registry reservation. Collisions are vanishingly rare but the
// retry keeps the uniqueness invariant unconditional.
func (a *actor) createSession() string {
	for {
		id := randomString(protocol.SessionIDLen)
		if a.srv.registry.AddSessionID(id) {
			return id
		}
	}
}

// logout handles LO: withdraw from the registry, return to the
// Anonymous state, acknowledge. The connection stays open.
func (a *actor) logout() {
	userID, username := a.userID, a.username
	a.resetAuth()
	a.srv.publish(events.Event{Kind: events.KindUserLoggedOut, UserID: userID, UserName: username})
	a.transmit(protocol.OpAdminMessage +
		protocol.Pack(formatID(userID), protocol.UserIDLen) +
		protocol.Pack("", protocol.SessionIDLen) +
		"You have logged out.")
}

// pullFriends handles PF and also serves as the friends-list refresh
// push after handshake changes.
func (a *actor) pullFriends() {
	friends, err := a.srv.store.PullFriends(a.userID)
	if err != nil {
		errorLog.Printf("Connection %d: pull friends failed: %v", a.id, err)
		return
	}
	a.transmit(friendPushMessage(a.userID, a.sessionID, friends))
}

func friendPushMessage(userID int64, sessionID string, friends []*store.Friend) string {
	views := make([]friendView, 0, len(friends))
	for _, f := range friends {
		views = append(views, friendView{
			UserID:       formatID(f.UserID),
			FriendUserID: formatID(f.FriendID),
			UserName:     f.FriendName,
			ChatID:       formatID(f.ChatID),
		})
	}
	return protocol.OpFriendPush +
		protocol.Pack(formatID(userID), protocol.UserIDLen) +
		sessionID +
		mustJSON(views)
}

// addFriend handles AF. The UserName field carries the counterpart's
// numeric user ID. If the counterpart already has a pending request
// aimed at us, the handshake commits: both friendship rows, a shared
// private chat, and the pending request removed. Otherwise a new
// pending request is stored and the counterpart is notified if online.
func (a *actor) addFriend(env *protocol.Envelope) {
	friendID, err := parseID(env.Field(protocol.FieldUserName))
	if err != nil {
		debugLog.Printf("Connection %d: add friend could not parse target ID: %v", a.id, err)
		a.transmit(protocol.OpError +
			protocol.Pack(formatID(a.userID), protocol.UserIDLen) +
			a.sessionID +
			"Unable to send or approve friend request.")
		return
	}
	if friendID == a.userID {
		return
	}

	friend, err := a.srv.store.GetUserByID(friendID)
	if err != nil {
		debugLog.Printf("Connection %d: add friend target %d not found: %v", a.id, friendID, err)
		return
	}

	reverseExists, err := a.srv.store.CheckFriendRequest(friendID, a.userID)
	if err != nil {
		errorLog.Printf("Connection %d: friend request check failed: %v", a.id, err)
		return
	}

	if reverseExists {
		a.commitFriendship(friend)
		return
	}

	if err := a.srv.store.AddFriendRequest(a.userID, a.username, friendID); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			errorLog.Printf("Connection %d: add friend request failed: %v", a.id, err)
		}
		return
	}

	// Push a friend-request notification to the counterpart if online.
	if sess, online := a.srv.registry.Lookup(friendID); online {
		sender := userView{UserID: formatID(a.userID), UserName: a.username}
		push := protocol.OpRequestPush +
			protocol.Pack(formatID(friendID), protocol.UserIDLen) +
			sess.ID +
			mustJSON(sender)
		if err := sess.Push(push); err != nil {
			debugLog.Printf("Connection %d: friend request push to user %d failed: %v", a.id, friendID, err)
		}
	}
}

// commitFriendship resolves a reciprocal friend request: both rows, a
// shared private chat with full permissions for both members, the
// pending request deleted, and refresh pushes for whoever is online.
func (a *actor) commitFriendship(friend *store.User) {
	chatName := a.username + "&" + friend.Name
	chatID, err := a.srv.store.CreateChat(chatName, a.userID)
	if err != nil {
		errorLog.Printf("Connection %d: shared chat creation failed: %v", a.id, err)
		return
	}

	if err := a.srv.store.AddFriend(a.userID, friend.ID, chatID); err != nil && !errors.Is(err, store.ErrDuplicate) {
		errorLog.Printf("Connection %d: add friend row failed: %v", a.id, err)
		return
	}
	if err := a.srv.store.AddFriend(friend.ID, a.userID, chatID); err != nil && !errors.Is(err, store.ErrDuplicate) {
		errorLog.Printf("Connection %d: add reverse friend row failed: %v", a.id, err)
		return
	}
	if err := a.srv.store.UpdatePermissions(a.userID, chatID, authz.PermAll); err != nil {
		errorLog.Printf("Connection %d: chat permission grant failed: %v", a.id, err)
	}
	if err := a.srv.store.UpdatePermissions(friend.ID, chatID, authz.PermAll); err != nil {
		errorLog.Printf("Connection %d: chat permission grant failed: %v", a.id, err)
	}
	if err := a.srv.store.RemoveFriendRequest(friend.ID, a.userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		errorLog.Printf("Connection %d: resolved request removal failed: %v", a.id, err)
	}

	a.srv.publish(events.Event{Kind: events.KindChatCreated, ChatID: chatID, UserID: a.userID, Body: chatName})

	// Refresh the caller's own views.
	a.pullFriends()
	a.pullFriendRequests()

	// Notify the counterpart if online: new shared chat, then refreshed
	// friends and requests lists.
	sess, online := a.srv.registry.Lookup(friend.ID)
	if !online {
		return
	}
	notify := protocol.OpChatNotify +
		protocol.Pack(formatID(friend.ID), protocol.UserIDLen) +
		sess.ID +
		protocol.Pack(formatID(chatID), protocol.ChatIDLen)
	if err := sess.Push(notify); err != nil {
		debugLog.Printf("Connection %d: chat notify push to user %d failed: %v", a.id, friend.ID, err)
		return
	}
	if friends, err := a.srv.store.PullFriends(friend.ID); err == nil {
		if err := sess.Push(friendPushMessage(friend.ID, sess.ID, friends)); err != nil {
			debugLog.Printf("Connection %d: friends refresh push to user %d failed: %v", a.id, friend.ID, err)
		}
	}
	if requests, err := a.srv.store.PullFriendRequests(friend.ID); err == nil {
		if err := sess.Push(requestPushMessage(friend.ID, sess.ID, requests)); err != nil {
			debugLog.Printf("Connection %d: requests refresh push to user %d failed: %v", a.id, friend.ID, err)
		}
	}
}

// removeFriend handles RF. The UserName field carries the counterpart's
// numeric user ID. Depending on state this retracts our own pending
// request, declines an incoming one, or dissolves an existing
// friendship together with its shared chat.
func (a *actor) removeFriend(env *protocol.Envelope) {
	friendID, err := parseID(env.Field(protocol.FieldUserName))
	if err != nil {
		debugLog.Printf("Connection %d: remove friend could not parse target ID: %v", a.id, err)
		return
	}

	// Existing friendship: remove both rows and the shared chat.
	if friendRow, err := a.srv.store.CheckFriend(a.userID, friendID); err == nil {
		if err := a.srv.store.RemoveFriend(a.userID, friendID); err != nil && !errors.Is(err, store.ErrNotFound) {
			errorLog.Printf("Connection %d: remove friend row failed: %v", a.id, err)
			return
		}
		if err := a.srv.store.RemoveFriend(friendID, a.userID); err != nil && !errors.Is(err, store.ErrNotFound) {
			errorLog.Printf("Connection %d: remove reverse friend row failed: %v", a.id, err)
		}
		if friendRow.ChatID != 0 {
			if err := a.srv.store.DeleteChat(friendRow.ChatID); err != nil && !errors.Is(err, store.ErrNotFound) {
				errorLog.Printf("Connection %d: shared chat removal failed: %v", a.id, err)
			} else {
				a.srv.publish(events.Event{Kind: events.KindChatDeleted, ChatID: friendRow.ChatID, UserID: a.userID})
			}
		}
		a.pullFriends()
		a.notifyFriendViews(friendID)
		return
	}

	// Pending request in either direction.
	removed := false
	if err := a.srv.store.RemoveFriendRequest(a.userID, friendID); err == nil {
		removed = true
	} else if !errors.Is(err, store.ErrNotFound) {
		errorLog.Printf("Connection %d: request retraction failed: %v", a.id, err)
	}
	if err := a.srv.store.RemoveFriendRequest(friendID, a.userID); err == nil {
		removed = true
	} else if !errors.Is(err, store.ErrNotFound) {
		errorLog.Printf("Connection %d: request decline failed: %v", a.id, err)
	}
	if removed {
		a.pullFriendRequests()
		a.notifyFriendViews(friendID)
	}
}

// notifyFriendViews pushes refreshed friends and requests lists to a
// counterpart if online. Best effort.
func (a *actor) notifyFriendViews(userID int64) {
	sess, online := a.srv.registry.Lookup(userID)
	if !online {
		return
	}
	if friends, err := a.srv.store.PullFriends(userID); err == nil {
		if err := sess.Push(friendPushMessage(userID, sess.ID, friends)); err != nil {
			debugLog.Printf("Connection %d: friends refresh push to user %d failed: %v", a.id, userID, err)
			return
		}
	}
	if requests, err := a.srv.store.PullFriendRequests(userID); err == nil {
		if err := sess.Push(requestPushMessage(userID, sess.ID, requests)); err != nil {
			debugLog.Printf("Connection %d: requests refresh push to user %d failed: %v", a.id, userID, err)
		}
	}
}

// pullFriendRequests handles PR.
func (a *actor) pullFriendRequests() {
	requests, err := a.srv.store.PullFriendRequests(a.userID)
	if err != nil {
		errorLog.Printf("Connection %d: pull friend requests failed: %v", a.id, err)
		return
	}
	a.transmit(requestPushMessage(a.userID, a.sessionID, requests))
}

func requestPushMessage(userID int64, sessionID string, requests []*store.FriendRequest) string {
	views := make([]requestView, 0, len(requests))
	for _, r := range requests {
		views = append(views, requestView{
			UserID:       formatID(r.SenderID),
			UserName:     r.SenderName,
			FriendUserID: formatID(r.ReceiverID),
		})
	}
	return protocol.OpRequestPush +
		protocol.Pack(formatID(userID), protocol.UserIDLen) +
		sessionID +
		mustJSON(views)
}

// searchUserName handles US. Searches shorter than the minimum are
// ignored; empty result sets produce no reply, matching deployed
// client expectations.
func (a *actor) searchUserName(env *protocol.Envelope) {
	search := env.Field(protocol.FieldUserName)
	if len(search) < minSearchLength {
		debugLog.Printf("Connection %d: rejecting short username search %q", a.id, search)
		return
	}

	users, err := a.srv.store.SearchUsersByPrefix(search)
	if err != nil {
		errorLog.Printf("Connection %d: username search failed: %v", a.id, err)
		return
	}
	if len(users) == 0 {
		return
	}

	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{UserID: formatID(u.ID), UserName: u.Name})
	}
	a.transmit(protocol.OpSearchResults +
		protocol.Pack(formatID(a.userID), protocol.UserIDLen) +
		a.sessionID +
		mustJSON(views))
}

// pullUserChats handles PC and doubles as the chat-list refresh push.
func (a *actor) pullUserChats() {
	chats, err := a.srv.store.PullUserChats(a.userID)
	if err != nil {
		errorLog.Printf("Connection %d: pull chats failed: %v", a.id, err)
		return
	}

	views := make([]chatView, 0, len(chats))
	for _, c := range chats {
		views = append(views, chatView{ChatID: formatID(c.ID), ChatName: c.Name})
	}
	a.transmit(protocol.OpChatPush +
		protocol.Pack(formatID(a.userID), protocol.UserIDLen) +
		a.sessionID +
		mustJSON(views))
}

// createChat handles CC. The UserName field carries the chat's name.
// The creator gets the full permission byte and a refreshed chat list.
func (a *actor) createChat(env *protocol.Envelope) {
	name := env.Field(protocol.FieldUserName)
	if name == "" || !protocol.ValidValue(name) {
		debugLog.Printf("Connection %d: rejecting invalid chat name %q", a.id, name)
		return
	}

	chatID, err := a.srv.store.CreateChat(name, a.userID)
	if err != nil {
		errorLog.Printf("Connection %d: chat creation failed: %v", a.id, err)
		return
	}
	if err := a.srv.store.UpdatePermissions(a.userID, chatID, authz.PermAll); err != nil {
		errorLog.Printf("Connection %d: creator permission grant failed: %v", a.id, err)
	}

	a.srv.publish(events.Event{Kind: events.KindChatCreated, ChatID: chatID, UserID: a.userID, Body: name})
	a.pullUserChats()
}

// modifyPermissions handles PM: apply one moderation command to one
// member of the envelope's chat, reply with the verdict, and then fall
// through into the message pull when the compatibility flag is on.
func (a *actor) modifyPermissions(env *protocol.Envelope) {
	chatID, err := parseID(protocol.Unpack(env.Field(protocol.FieldChatID)))
	if err != nil {
		debugLog.Printf("Connection %d: permission change could not parse chat ID: %v", a.id, err)
		return
	}

	// An empty payload is a plain message pull.
	payload := strings.TrimSpace(env.Payload)
	if payload != "" {
		a.applyPermissionChange(chatID, payload)
	}

	if payload == "" || a.srv.config.PMPullMessages {
		a.pullMessages(chatID)
	}
}

func (a *actor) applyPermissionChange(chatID int64, payload string) {
	var req permissionRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		debugLog.Printf("Connection %d: permission change payload unparseable: %v", a.id, err)
		return
	}

	actorPerms, err := a.srv.store.PullSingleUserChatPermissions(a.userID, chatID)
	if err != nil {
		debugLog.Printf("Connection %d: no permissions for actor in chat %d: %v", a.id, chatID, err)
		return
	}
	targetPerms, err := a.srv.store.PullSingleUserChatPermissions(req.TargetUserID, chatID)
	if err != nil {
		debugLog.Printf("Connection %d: no permissions for target %d in chat %d: %v", a.id, req.TargetUserID, chatID, err)
		return
	}

	verdict := authz.Decide(authz.Command(req.Command), actorPerms, targetPerms)
	if !verdict.Allow {
		a.transmit(protocol.OpAdminMessage +
			protocol.Pack(formatID(a.userID), protocol.UserIDLen) +
			a.sessionID +
			"You are not permitted to use " + req.Command + " on user " + formatID(req.TargetUserID) + ".")
		return
	}

	if err := a.srv.store.UpdatePermissions(req.TargetUserID, chatID, targetPerms+verdict.Delta); err != nil {
		errorLog.Printf("Connection %d: permission update failed: %v", a.id, err)
		return
	}

	a.transmit(protocol.OpAdminMessage +
		protocol.Pack(formatID(a.userID), protocol.UserIDLen) +
		a.sessionID +
		"Command " + req.Command + " applied to user " + formatID(req.TargetUserID) + ".")
}

// pullMessages pushes a chat's messages back to the caller. No reply
// when the chat is empty, matching deployed client expectations.
func (a *actor) pullMessages(chatID int64) {
	messages, err := a.srv.store.PullMessagesForChat(chatID)
	if err != nil {
		errorLog.Printf("Connection %d: pull messages failed: %v", a.id, err)
		return
	}
	if len(messages) == 0 {
		debugLog.Printf("Connection %d: message pull for chat %d found nothing to send", a.id, chatID)
		return
	}
	a.transmit(messagePushMessage(a.userID, a.sessionID, chatID, messages))
}

func messagePushMessage(userID int64, sessionID string, chatID int64, messages []*store.Message) string {
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView{
			MessageID: formatID(m.ID),
			ChatID:    formatID(m.ChatID),
			UserID:    formatID(m.SenderID),
			UserName:  m.SenderName,
			Message:   m.Body,
			Edited:    m.EditedAt != nil,
		})
	}
	return protocol.OpMessagePush +
		protocol.Pack(formatID(userID), protocol.UserIDLen) +
		sessionID +
		protocol.Pack(formatID(chatID), protocol.ChatIDLen) +
		mustJSON(views)
}

// sendMessage handles SM: persist, then fan out to every present
// subscriber of the chat.
func (a *actor) sendMessage(env *protocol.Envelope) {
	chatID, err := parseID(protocol.Unpack(env.Field(protocol.FieldChatID)))
	if err != nil {
		debugLog.Printf("Connection %d: send message could not parse chat ID: %v", a.id, err)
		return
	}
	body := env.Payload
	if !protocol.ValidValue(body) {
		debugLog.Printf("Connection %d: rejecting message body with protocol characters", a.id)
		return
	}

	messageID, err := a.srv.store.AddMessage(chatID, a.userID, a.username, body)
	if err != nil {
		errorLog.Printf("Connection %d: message persist failed: %v", a.id, err)
		return
	}

	a.srv.publish(events.Event{
		Kind: events.KindMessageSent, ChatID: chatID,
		UserID: a.userID, UserName: a.username,
		MessageID: messageID, Body: body,
	})
	go a.srv.notifyChat(chatID)
}

// editMessage handles EM. The sender edits freely; anyone else needs
// the DELETE bit in the message's chat.
func (a *actor) editMessage(env *protocol.Envelope) {
	messageID, err := parseID(env.Field(protocol.FieldMessageID))
	if err != nil {
		debugLog.Printf("Connection %d: edit message could not parse message ID: %v", a.id, err)
		return
	}
	body := env.Payload
	if !protocol.ValidValue(body) {
		debugLog.Printf("Connection %d: rejecting edited body with protocol characters", a.id)
		return
	}

	msg, ok := a.resolveModeration(messageID, "edit")
	if !ok {
		return
	}

	if err := a.srv.store.EditMessage(messageID, body); err != nil {
		errorLog.Printf("Connection %d: message edit failed: %v", a.id, err)
		return
	}

	a.srv.publish(events.Event{
		Kind: events.KindMessageEdited, ChatID: msg.ChatID,
		UserID: a.userID, MessageID: messageID, Body: body,
	})
	go a.srv.notifyChat(msg.ChatID)
}

// deleteMessage handles DM with the same permission rule as EM.
func (a *actor) deleteMessage(env *protocol.Envelope) {
	messageID, err := parseID(env.Field(protocol.FieldMessageID))
	if err != nil {
		debugLog.Printf("Connection %d: delete message could not parse message ID: %v", a.id, err)
		return
	}

	msg, ok := a.resolveModeration(messageID, "delete")
	if !ok {
		return
	}

	if err := a.srv.store.DeleteMessage(messageID); err != nil {
		errorLog.Printf("Connection %d: message delete failed: %v", a.id, err)
		return
	}

	a.srv.publish(events.Event{
		Kind: events.KindMessageDeleted, ChatID: msg.ChatID,
		UserID: a.userID, MessageID: messageID,
	})
	go a.srv.notifyChat(msg.ChatID)
}

// resolveModeration loads a message and decides whether the acting user
// may edit or delete it: the original sender always may, anyone else
// needs the DELETE bit in that chat. Denials answer AM.
func (a *actor) resolveModeration(messageID int64, action string) (*store.Message, bool) {
	msg, err := a.srv.store.PullMessage(messageID)
	if err != nil {
		debugLog.Printf("Connection %d: message %d not found for %s: %v", a.id, messageID, action, err)
		return nil, false
	}

	if msg.SenderID == a.userID {
		return msg, true
	}

	perms, err := a.srv.store.PullSingleUserChatPermissions(a.userID, msg.ChatID)
	if err != nil || !authz.Can(perms, authz.PermDelete) {
		a.transmit(protocol.OpAdminMessage +
			protocol.Pack(formatID(a.userID), protocol.UserIDLen) +
			a.sessionID +
			"You are not permitted to " + action + " message " + formatID(messageID) + ".")
		return nil, false
	}
	return msg, true
}

func checkUsernameSyntax(username string) bool {
	if len(username) < minUsernameLength || len(username) > maxUsernameLength {
		return false
	}
	return protocol.ValidValue(username)
}

func checkPasswordSyntax(password string) bool {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return false
	}
	return protocol.ValidValue(password)
}

// randomString returns n characters of lowercase hex.
func randomString(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return b.String()[:n]
}

// hashPassword digests the salted password before bcrypt so arbitrary
// password lengths stay inside bcrypt's input limit.
func hashPassword(password, salt string) (string, error) {
	digest := sha256.Sum256([]byte(password + salt))
	hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(digest[:])), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(password, salt, hash string) bool {
	digest := sha256.Sum256([]byte(password + salt))
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(hex.EncodeToString(digest[:]))) == nil
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable types, which the views are not.
		errorLog.Printf("JSON encoding failed: %v", err)
		return "[]"
	}
	return string(data)
}

// publish sends an event to the bridge on a detached goroutine so a
// slow broker never stalls a connection actor.
func (s *Server) publish(event events.Event) {
	if s.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.publisher.Publish(ctx, event); err != nil {
			debugLog.Printf("Event publish failed for %s: %v", event.Kind, err)
		}
	}()
}
