package client_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatwire/pkg/client"
	"github.com/aeolun/chatwire/pkg/protocol"
	"github.com/aeolun/chatwire/pkg/server"
	"github.com/aeolun/chatwire/pkg/store"
)

func startServer(t *testing.T) string {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.TCPPort = 0
	cfg.WSPort = 0
	cfg.MetricsPort = 0
	cfg.FragmentDelay = time.Millisecond

	srv, err := server.NewServer(store.NewMemStore(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Logf("server stop: %v", err)
		}
	})
	return srv.Addr().String()
}

func dial(t *testing.T, addr string) *client.Connection {
	t.Helper()
	conn, err := client.Dial(client.Config{
		Address:     addr,
		PullTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitEvent reads pushes until one with the wanted opcode arrives.
func waitEvent(t *testing.T, conn *client.Connection, opcode string, timeout time.Duration) *protocol.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env, ok := <-conn.Events():
			require.True(t, ok, "connection lost while waiting for %s", opcode)
			if env.Opcode == opcode {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s push within %v", opcode, timeout)
		}
	}
}

func TestClientAccountLifecycle(t *testing.T) {
	addr := startServer(t)
	conn := dial(t, addr)

	require.NoError(t, conn.Register("clientuser", "secretpass"))

	err := conn.Register("clientuser", "otherpass1")
	require.EqualError(t, err, "The name you are trying to register is already taken.")

	err = conn.Login("clientuser", "wrongpass1")
	require.EqualError(t, err, "Password provided did not match.")
	require.False(t, conn.LoggedIn())

	require.NoError(t, conn.Login("clientuser", "secretpass"))
	require.True(t, conn.LoggedIn())
	require.Equal(t, "clientuser", conn.UserName())
	require.NotEqual(t, "-1", conn.UserID())

	require.NoError(t, conn.Logout())
	require.False(t, conn.LoggedIn())

	// The connection survives a logout and accepts a fresh login.
	require.NoError(t, conn.Login("clientuser", "secretpass"))
	require.True(t, conn.LoggedIn())
}

func TestClientChatAndMessages(t *testing.T) {
	addr := startServer(t)
	conn := dial(t, addr)

	require.NoError(t, conn.Register("chattyuser", "secretpass"))
	require.NoError(t, conn.Login("chattyuser", "secretpass"))

	chats, err := conn.CreateChat("lounge")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.Equal(t, "lounge", chats[0].ChatName)
	chatID := chats[0].ChatID

	// Nothing there yet: the server stays silent and the pull resolves
	// to an empty slice.
	messages, err := conn.PullMessages(chatID)
	require.NoError(t, err)
	require.Empty(t, messages)

	require.NoError(t, conn.SendMessage(chatID, "first post"))

	// The fan-out push reaches the sender too.
	env := waitEvent(t, conn, protocol.OpMessagePush, 2*time.Second)
	require.Contains(t, env.Payload, "first post")

	messages, err = conn.PullMessages(chatID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "first post", messages[0].Message)
	require.Equal(t, "chattyuser", messages[0].UserName)
	require.False(t, messages[0].Edited)

	listed, err := conn.PullChats()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, chatID, listed[0].ChatID)
}

func TestClientFriendHandshake(t *testing.T) {
	addr := startServer(t)
	connA := dial(t, addr)
	connB := dial(t, addr)

	require.NoError(t, connA.Register("handshakeA", "secretpass"))
	require.NoError(t, connA.Login("handshakeA", "secretpass"))
	require.NoError(t, connB.Register("handshakeB", "secretpass"))
	require.NoError(t, connB.Login("handshakeB", "secretpass"))

	found, err := connA.SearchUsers("handshakeB")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "handshakeB", found[0].UserName)

	require.NoError(t, connA.AddFriend(found[0].UserID))
	fr := waitEvent(t, connB, protocol.OpRequestPush, 2*time.Second)
	require.Contains(t, fr.Payload, "handshakeA")

	require.NoError(t, connB.AddFriend(connA.UserID()))

	// Both sides converge on a friends list naming each other and a
	// shared chat.
	waitEvent(t, connA, protocol.OpChatNotify, 2*time.Second)
	friendsA, err := connA.PullFriends()
	require.NoError(t, err)
	require.Len(t, friendsA, 1)
	require.Equal(t, "handshakeB", friendsA[0].UserName)

	friendsB, err := connB.PullFriends()
	require.NoError(t, err)
	require.Len(t, friendsB, 1)
	require.Equal(t, "handshakeA", friendsB[0].UserName)
	require.Equal(t, friendsA[0].ChatID, friendsB[0].ChatID)

	// Neither friend outranks the other in the shared chat, so
	// moderation is refused.
	verdict, err := connA.ModifyPermissions(friendsA[0].ChatID, "Mute", mustInt(t, connB.UserID()))
	require.NoError(t, err)
	require.Contains(t, verdict, "not permitted")
}

func TestClientSearchMiss(t *testing.T) {
	addr := startServer(t)
	conn := dial(t, addr)

	require.NoError(t, conn.Register("searchuser", "secretpass"))
	require.NoError(t, conn.Login("searchuser", "secretpass"))

	found, err := conn.SearchUsers("nobodyatall")
	require.NoError(t, err)
	require.Empty(t, found)
}

func mustInt(t *testing.T, s string) int64 {
	t.Helper()
	v, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return v
}
