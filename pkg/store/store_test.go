package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// runStoreTests exercises the full Store contract against one
// implementation. Both backends must behave identically.
func runStoreTests(t *testing.T, open func(t *testing.T) Store) {
	t.Run("Users", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		id, err := s.CreateUser("testuser", "hash", "salt")
		require.NoError(t, err)
		require.Greater(t, id, int64(0))

		_, err = s.CreateUser("testuser", "otherhash", "othersalt")
		require.ErrorIs(t, err, ErrDuplicate)

		u, err := s.GetUserByName("testuser")
		require.NoError(t, err)
		require.Equal(t, id, u.ID)
		require.Equal(t, "hash", u.PasswordHash)
		require.Equal(t, "salt", u.PasswordSalt)

		u, err = s.GetUserByID(id)
		require.NoError(t, err)
		require.Equal(t, "testuser", u.Name)

		_, err = s.GetUserByName("nobody")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetUserByID(99999)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SearchUsersByPrefix", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		for _, name := range []string{"alphaone", "alphatwo", "betaone"} {
			_, err := s.CreateUser(name, "h", "s")
			require.NoError(t, err)
		}

		users, err := s.SearchUsersByPrefix("alpha")
		require.NoError(t, err)
		require.Len(t, users, 2)
		require.Equal(t, "alphaone", users[0].Name)
		require.Equal(t, "alphatwo", users[1].Name)

		users, err = s.SearchUsersByPrefix("gamma")
		require.NoError(t, err)
		require.Empty(t, users)
	})

	t.Run("FriendRequests", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		alice, err := s.CreateUser("aliceuser", "h", "s")
		require.NoError(t, err)
		bob, err := s.CreateUser("bobbyuser", "h", "s")
		require.NoError(t, err)

		exists, err := s.CheckFriendRequest(alice, bob)
		require.NoError(t, err)
		require.False(t, exists)

		require.NoError(t, s.AddFriendRequest(alice, "aliceuser", bob))
		require.ErrorIs(t, s.AddFriendRequest(alice, "aliceuser", bob), ErrDuplicate)

		exists, err = s.CheckFriendRequest(alice, bob)
		require.NoError(t, err)
		require.True(t, exists)

		requests, err := s.PullFriendRequests(bob)
		require.NoError(t, err)
		require.Len(t, requests, 1)
		require.Equal(t, alice, requests[0].SenderID)
		require.Equal(t, "aliceuser", requests[0].SenderName)

		require.NoError(t, s.RemoveFriendRequest(alice, bob))
		require.ErrorIs(t, s.RemoveFriendRequest(alice, bob), ErrNotFound)

		requests, err = s.PullFriendRequests(bob)
		require.NoError(t, err)
		require.Empty(t, requests)
	})

	t.Run("Friends", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		alice, err := s.CreateUser("aliceuser", "h", "s")
		require.NoError(t, err)
		bob, err := s.CreateUser("bobbyuser", "h", "s")
		require.NoError(t, err)
		chatID, err := s.CreateChat("aliceuser&bobbyuser", alice)
		require.NoError(t, err)

		_, err = s.CheckFriend(alice, bob)
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.AddFriend(alice, bob, chatID))
		require.NoError(t, s.AddFriend(bob, alice, chatID))
		require.ErrorIs(t, s.AddFriend(alice, bob, chatID), ErrDuplicate)

		f, err := s.CheckFriend(alice, bob)
		require.NoError(t, err)
		require.Equal(t, "bobbyuser", f.FriendName)
		require.Equal(t, chatID, f.ChatID)

		friends, err := s.PullFriends(alice)
		require.NoError(t, err)
		require.Len(t, friends, 1)
		require.Equal(t, bob, friends[0].FriendID)

		require.NoError(t, s.RemoveFriend(alice, bob))
		require.ErrorIs(t, s.RemoveFriend(alice, bob), ErrNotFound)

		// The reverse row is independent.
		_, err = s.CheckFriend(bob, alice)
		require.NoError(t, err)
	})

	t.Run("ChatsAndPermissions", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		alice, err := s.CreateUser("aliceuser", "h", "s")
		require.NoError(t, err)
		bob, err := s.CreateUser("bobbyuser", "h", "s")
		require.NoError(t, err)

		chatID, err := s.CreateChat("general", alice)
		require.NoError(t, err)

		_, err = s.PullSingleUserChatPermissions(alice, chatID)
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.UpdatePermissions(alice, chatID, 255))
		require.NoError(t, s.UpdatePermissions(bob, chatID, 7))

		perms, err := s.PullSingleUserChatPermissions(bob, chatID)
		require.NoError(t, err)
		require.Equal(t, 7, perms)

		// Upsert overwrites in place.
		require.NoError(t, s.UpdatePermissions(bob, chatID, 5))
		perms, err = s.PullSingleUserChatPermissions(bob, chatID)
		require.NoError(t, err)
		require.Equal(t, 5, perms)

		subs, err := s.PullChatSubscribers(chatID)
		require.NoError(t, err)
		require.Len(t, subs, 2)
		require.Equal(t, alice, subs[0].UserID)
		require.Equal(t, "aliceuser", subs[0].UserName)
		require.Equal(t, 255, subs[0].Permissions)

		chats, err := s.PullUserChats(bob)
		require.NoError(t, err)
		require.Len(t, chats, 1)
		require.Equal(t, "general", chats[0].Name)

		require.NoError(t, s.DeleteChat(chatID))
		require.ErrorIs(t, s.DeleteChat(chatID), ErrNotFound)

		chats, err = s.PullUserChats(bob)
		require.NoError(t, err)
		require.Empty(t, chats)
	})

	t.Run("Messages", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		alice, err := s.CreateUser("aliceuser", "h", "s")
		require.NoError(t, err)
		chatID, err := s.CreateChat("general", alice)
		require.NoError(t, err)
		require.NoError(t, s.UpdatePermissions(alice, chatID, 255))

		first, err := s.AddMessage(chatID, alice, "aliceuser", "hello there")
		require.NoError(t, err)
		second, err := s.AddMessage(chatID, alice, "aliceuser", "second line")
		require.NoError(t, err)

		m, err := s.PullMessage(first)
		require.NoError(t, err)
		require.Equal(t, "hello there", m.Body)
		require.Nil(t, m.EditedAt)

		messages, err := s.PullMessagesForChat(chatID)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		require.Equal(t, first, messages[0].ID)
		require.Equal(t, second, messages[1].ID)

		require.NoError(t, s.EditMessage(first, "edited body"))
		m, err = s.PullMessage(first)
		require.NoError(t, err)
		require.Equal(t, "edited body", m.Body)
		require.NotNil(t, m.EditedAt)

		require.NoError(t, s.DeleteMessage(second))
		require.ErrorIs(t, s.DeleteMessage(second), ErrNotFound)
		_, err = s.PullMessage(second)
		require.ErrorIs(t, err, ErrNotFound)

		require.ErrorIs(t, s.EditMessage(99999, "x"), ErrNotFound)

		// Deleting the chat takes its messages with it.
		require.NoError(t, s.DeleteChat(chatID))
		messages, err = s.PullMessagesForChat(chatID)
		require.NoError(t, err)
		require.Empty(t, messages)
	})
}

func TestMemStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMemStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "chatwire.db"))
		require.NoError(t, err)
		return s
	})
}
