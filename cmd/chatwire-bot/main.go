// Command chatwire-bot is a chat bot for a chatwire server. It accepts
// every incoming friend request and answers messages in its chats,
// either with an Ollama-backed LLM or with canned replies when no
// backend is configured.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/chatwire/pkg/client"
	"github.com/aeolun/chatwire/pkg/protocol"
)

// Responder produces a reply to one incoming chat message.
type Responder interface {
	Respond(from, message string) (string, error)
}

// =============================================================================
// Ollama backend
// =============================================================================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

type ollamaResponder struct {
	baseURL      string
	model        string
	systemPrompt string
	httpClient   *http.Client
}

func (o *ollamaResponder) Respond(from, message string) (string, error) {
	messages := []chatMessage{
		{Role: "system", Content: o.systemPrompt},
		{Role: "user", Content: from + ": " + message},
	}

	jsonBody, err := json.Marshal(ollamaRequest{Model: o.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", o.baseURL+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if ollamaResp.Error != "" {
		return "", fmt.Errorf("ollama error: %s", ollamaResp.Error)
	}
	return strings.TrimSpace(ollamaResp.Message.Content), nil
}

// =============================================================================
// Canned backend
// =============================================================================

type cannedResponder struct{}

var cannedReplies = []string{
	"Interesting, tell me more.",
	"I hear you.",
	"That makes sense to me.",
	"Could you elaborate on that?",
	"Noted!",
}

func (cannedResponder) Respond(from, message string) (string, error) {
	return cannedReplies[rand.Intn(len(cannedReplies))], nil
}

// =============================================================================
// Bot
// =============================================================================

type bot struct {
	conn      *client.Connection
	responder Responder

	// lastReplied guards against answering the same message twice and
	// against replying to our own fan-out echo.
	lastReplied map[string]string // chatID -> messageID
}

func main() {
	var (
		server      = flag.String("server", "localhost:4269", "Server address (host:port or ws:// URL)")
		name        = flag.String("name", "friendlybot", "Bot account name")
		password    = flag.String("password", "", "Bot account password (required)")
		ollamaURL   = flag.String("ollama-url", "", "Ollama base URL; canned replies when empty")
		ollamaModel = flag.String("ollama-model", "llama3.2", "Ollama model name")
		system      = flag.String("system", "You are a friendly chat participant. Keep replies to one or two sentences.", "System prompt for the LLM backend")
	)
	flag.Parse()

	if *password == "" {
		log.Fatal("-password is required")
	}

	var responder Responder = cannedResponder{}
	if *ollamaURL != "" {
		responder = &ollamaResponder{
			baseURL:      *ollamaURL,
			model:        *ollamaModel,
			systemPrompt: *system,
			httpClient:   &http.Client{Timeout: 60 * time.Second},
		}
		log.Printf("Using Ollama backend at %s (model %s)", *ollamaURL, *ollamaModel)
	} else {
		log.Println("No LLM backend configured, using canned replies")
	}

	conn, err := client.Dial(client.Config{
		Address: *server,
		Logger:  log.New(os.Stderr, "[conn] ", log.LstdFlags),
	})
	if err != nil {
		log.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	// First run registers the account; later runs find the name taken.
	if err := conn.Register(*name, *password); err != nil &&
		!strings.Contains(err.Error(), "already taken") {
		log.Fatalf("Register failed: %v", err)
	}
	if err := conn.Login(*name, *password); err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	log.Printf("Logged in as %s (user %s)", conn.UserName(), conn.UserID())

	b := &bot{conn: conn, responder: responder, lastReplied: make(map[string]string)}
	b.acceptPendingRequests()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			log.Printf("Received %v, shutting down", sig)
			return
		case env, ok := <-conn.Events():
			if !ok {
				log.Println("Connection lost, exiting")
				return
			}
			b.handle(env)
		}
	}
}

// acceptPendingRequests reciprocates friend requests that arrived while
// the bot was offline.
func (b *bot) acceptPendingRequests() {
	requests, err := b.conn.PullFriendRequests()
	if err != nil {
		log.Printf("Pulling pending requests failed: %v", err)
		return
	}
	for _, req := range requests {
		log.Printf("Accepting pending friend request from %s", req.UserName)
		if err := b.conn.AddFriend(req.UserID); err != nil {
			log.Printf("Accepting request from %s failed: %v", req.UserName, err)
		}
	}
}

func (b *bot) handle(env *protocol.Envelope) {
	switch env.Opcode {
	case protocol.OpRequestPush:
		b.handleFriendRequest(env)
	case protocol.OpMessagePush:
		b.handleMessagePush(env)
	case protocol.OpAdminMessage:
		log.Printf("Server notice: %s", env.Payload)
	}
}

// handleFriendRequest accepts a live friend request. The payload is a
// single sender object rather than the full pending list.
func (b *bot) handleFriendRequest(env *protocol.Envelope) {
	var sender client.User
	if err := json.Unmarshal([]byte(env.Payload), &sender); err != nil {
		// Refresh pushes carry the whole list instead.
		return
	}
	if sender.UserID == "" {
		return
	}
	log.Printf("Friend request from %s, accepting", sender.UserName)
	if err := b.conn.AddFriend(sender.UserID); err != nil {
		log.Printf("Accepting request from %s failed: %v", sender.UserName, err)
	}
}

// handleMessagePush answers the newest message of the pushed chat,
// unless the bot itself sent it.
func (b *bot) handleMessagePush(env *protocol.Envelope) {
	var messages []client.Message
	if err := json.Unmarshal([]byte(env.Payload), &messages); err != nil || len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	if last.UserID == b.conn.UserID() {
		return
	}
	if b.lastReplied[last.ChatID] == last.MessageID {
		return
	}
	b.lastReplied[last.ChatID] = last.MessageID

	reply, err := b.responder.Respond(last.UserName, last.Message)
	if err != nil {
		log.Printf("Responder failed: %v", err)
		return
	}
	// Flatten line breaks: the wire format is line-oriented.
	reply = strings.Join(strings.Fields(reply), " ")
	if reply == "" || !protocol.ValidValue(reply) {
		return
	}
	if err := b.conn.SendMessage(last.ChatID, reply); err != nil {
		if errors.Is(err, client.ErrNotLoggedIn) {
			log.Println("Session lost, exiting")
			os.Exit(1)
		}
		log.Printf("Sending reply failed: %v", err)
	}
}
