package client

// The push payloads carry JSON arrays whose keys follow the server's
// column naming. IDs travel as decimal strings.

// User is one entry of a username search result.
type User struct {
	UserID   string `json:"UserID"`
	UserName string `json:"UserName"`
}

// Friend is one entry of a friends-list push.
type Friend struct {
	UserID       string `json:"UserID"`
	FriendUserID string `json:"FriendUserID"`
	UserName     string `json:"UserName"`
	ChatID       string `json:"ChatID"`
}

// FriendRequest is one entry of a pending-requests push.
type FriendRequest struct {
	UserID       string `json:"UserID"`
	UserName     string `json:"UserName"`
	FriendUserID string `json:"FriendUserID"`
}

// Chat is one entry of a chat-list push.
type Chat struct {
	ChatID   string `json:"ChatID"`
	ChatName string `json:"ChatName"`
}

// Message is one entry of a message push.
type Message struct {
	MessageID string `json:"MessageID"`
	ChatID    string `json:"ChatID"`
	UserID    string `json:"UserID"`
	UserName  string `json:"UserName"`
	Message   string `json:"Message"`
	Edited    bool   `json:"Edited"`
}
