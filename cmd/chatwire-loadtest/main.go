// Command chatwire-loadtest drives a chatwire server with simulated
// users: each worker registers an account, logs in, creates a chat and
// posts lorem-ipsum chatter at a configurable rate while counting the
// pushes coming back.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/chatwire/pkg/client"
	"github.com/aeolun/chatwire/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

type stats struct {
	connected atomic.Int64
	sent      atomic.Int64
	received  atomic.Int64
	errors    atomic.Int64
}

func main() {
	var (
		server   = flag.String("server", "localhost:4269", "Server address (host:port or ws:// URL)")
		clients  = flag.Int("clients", 50, "Number of simulated users")
		duration = flag.Duration("duration", 60*time.Second, "Test duration")
		rate     = flag.Float64("rate", 6, "Messages per minute per client")
		ramp     = flag.Duration("ramp", 10*time.Second, "Time over which clients are started")
	)
	flag.Parse()

	log.Printf("Load test: %d clients against %s for %v at %.1f msg/min each",
		*clients, *server, *duration, *rate)

	var st stats
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Spread the connection storm over the ramp window.
			delay := time.Duration(float64(*ramp) * float64(n) / float64(*clients))
			select {
			case <-time.After(delay):
			case <-stop:
				return
			}
			runWorker(n, *server, *rate, &st, stop)
		}(i)
	}

	go reportLoop(&st, stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-time.After(*duration):
		log.Println("Duration elapsed, stopping...")
	case sig := <-sigCh:
		log.Printf("Received %v, stopping...", sig)
	}

	close(stop)
	wg.Wait()

	fmt.Printf("\n=== Results ===\n")
	fmt.Printf("Messages sent:     %d\n", st.sent.Load())
	fmt.Printf("Pushes received:   %d\n", st.received.Load())
	fmt.Printf("Errors:            %d\n", st.errors.Load())
}

// runWorker is one simulated user: register, login, create a chat, and
// post messages until stopped.
func runWorker(n int, server string, rate float64, st *stats, stop <-chan struct{}) {
	username := workerUsername()
	password := "loadtest-" + username

	conn, err := client.Dial(client.Config{Address: server})
	if err != nil {
		log.Printf("worker %d: connect failed: %v", n, err)
		st.errors.Add(1)
		return
	}
	defer conn.Close()

	if err := conn.Register(username, password); err != nil {
		log.Printf("worker %d: register failed: %v", n, err)
		st.errors.Add(1)
		return
	}
	if err := conn.Login(username, password); err != nil {
		log.Printf("worker %d: login failed: %v", n, err)
		st.errors.Add(1)
		return
	}
	st.connected.Add(1)
	defer st.connected.Add(-1)

	chats, err := conn.CreateChat("load-" + username[:20])
	if err != nil || len(chats) == 0 {
		log.Printf("worker %d: chat creation failed: %v", n, err)
		st.errors.Add(1)
		return
	}
	chatID := chats[len(chats)-1].ChatID

	// Count the fan-out coming back.
	go func() {
		for env := range conn.Events() {
			if env.Opcode == protocol.OpMessagePush {
				st.received.Add(1)
			}
		}
	}()

	interval := time.Duration(float64(time.Minute) / rate)
	// Desynchronize the send phases across workers.
	jitter := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-time.After(jitter):
	case <-stop:
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.SendMessage(chatID, randomSentence()); err != nil {
				st.errors.Add(1)
				return
			}
			st.sent.Add(1)
		}
	}
}

func reportLoop(st *stats, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			log.Printf("[STATS] connected=%d sent=%d received=%d errors=%d",
				st.connected.Load(), st.sent.Load(), st.received.Load(), st.errors.Load())
		}
	}
}

// workerUsername is unique per run and per worker, and long enough to
// pass registration validation.
func workerUsername() string {
	return "load" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func randomSentence() string {
	n := 5 + rand.Intn(16)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}
