package server

import (
	"sync/atomic"
	"time"

	"github.com/aeolun/chatwire/pkg/protocol"
)

// Anonymous-state identity defaults. Reset on logout.
const (
	anonymousUserID    = -1
	anonymousUserName  = "NONE"
	anonymousSessionID = "NONE"
)

// actor owns one accepted connection: the protocol read loop, the
// authentication state, and the heartbeat/timeout timers. All fields
// except lastRead are touched only from the actor's own goroutine.
type actor struct {
	srv  *Server
	conn *SafeConn
	id   uint64 // connection counter, for logging only

	userID    int64
	username  string
	sessionID string
	session   *Session // non-nil only while Authenticated

	reassembler *protocol.Reassembler

	lastRead      atomic.Int64 // unix millis of last successful read
	lastHeartbeat time.Time
}

func newActor(srv *Server, conn *SafeConn, id uint64) *actor {
	a := &actor{
		srv:       srv,
		conn:      conn,
		id:        id,
		userID:    anonymousUserID,
		username:  anonymousUserName,
		sessionID: anonymousSessionID,
	}
	if srv.config.SymmetricReassembly {
		a.reassembler = &protocol.Reassembler{}
	}
	return a
}

// run drives the connection until timeout, read failure, or server
// shutdown. A reader goroutine feeds decoded lines into a channel; the
// select loop interleaves them with heartbeat and timeout checks.
func (a *actor) run() {
	done := make(chan struct{})
	defer close(done)
	defer a.terminate()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go a.readLoop(lines, readErr, done)

	a.lastRead.Store(time.Now().UnixMilli())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.srv.shutdown:
			return

		case err := <-readErr:
			debugLog.Printf("Connection %d: read loop ended: %v", a.id, err)
			return

		case line := <-lines:
			a.lastRead.Store(time.Now().UnixMilli())
			a.handleLine(line)

		case <-ticker.C:
			idle := time.Duration(time.Now().UnixMilli()-a.lastRead.Load()) * time.Millisecond
			if idle > a.srv.config.ReadTimeout {
				debugLog.Printf("Connection %d: read timeout after %v", a.id, idle)
				return
			}
			if idle > a.srv.config.HeartbeatWait && time.Since(a.lastHeartbeat) > a.srv.config.HeartbeatInterval {
				a.transmit(protocol.OpHeartbeat)
				a.lastHeartbeat = time.Now()
				a.srv.metrics.RecordHeartbeat()
			}
		}
	}
}

// readLoop blocks on the transport and forwards lines to the actor.
// It exits when the read fails or the actor is done.
func (a *actor) readLoop(lines chan<- string, readErr chan<- error, done <-chan struct{}) {
	for {
		line, err := a.conn.ReadLine()
		if err != nil {
			select {
			case readErr <- err:
			case <-done:
			}
			return
		}
		select {
		case lines <- line:
		case <-done:
			return
		}
	}
}

// handleLine decodes one raw line and dispatches it. Framing errors
// discard the line without a reply; the connection stays up.
func (a *actor) handleLine(line string) {
	if a.reassembler != nil {
		full, ready := a.reassembler.Push(line)
		if !ready {
			return
		}
		// The reassembler strips the continuation flag from the logical
		// message; restore one so Parse sees a normal final line.
		line = "F" + full
	}

	env, err := protocol.Parse(line)
	if err != nil {
		a.srv.metrics.RecordFramingError()
		debugLog.Printf("Connection %d: discarding line: %v", a.id, err)
		return
	}

	a.srv.metrics.RecordLineReceived(env.Opcode)

	if !a.verifyIntegrity(env) {
		a.srv.metrics.RecordIntegrityDiscard()
		debugLog.Printf("Connection %d: integrity mismatch on %s (user %q session %q)",
			a.id, env.Opcode, env.Field(protocol.FieldUserID), env.Field(protocol.FieldSessionID))
		return
	}

	a.dispatch(env)
}

// verifyIntegrity enforces that every opcode except HB, IR and LR
// carries the actor's own user and session IDs, compared as exact
// strings. The session ID arrives as the raw 32-character slice, so it
// matches the stored ID without unpacking.
func (a *actor) verifyIntegrity(env *protocol.Envelope) bool {
	switch env.Opcode {
	case protocol.OpHeartbeat, protocol.OpRegister, protocol.OpLogin:
		return true
	}

	userID := env.Field(protocol.FieldUserID)
	sessionID := env.Field(protocol.FieldSessionID)
	return userID == formatID(a.userID) && sessionID == a.sessionID
}

// transmit writes one logical outbound message to this connection.
func (a *actor) transmit(msg string) {
	if len(msg) >= 2 {
		a.srv.metrics.RecordLineSent(msg[:2])
	}
	if err := a.conn.Transmit(msg); err != nil {
		debugLog.Printf("Connection %d: transmit failed: %v", a.id, err)
	}
}

// resetAuth returns the actor to the Anonymous state and withdraws the
// session from the registry.
func (a *actor) resetAuth() {
	if a.session != nil {
		a.srv.registry.RemoveUser(a.session)
		a.session = nil
	}
	if a.sessionID != anonymousSessionID {
		a.srv.registry.RemoveSessionID(a.sessionID)
	}
	a.userID = anonymousUserID
	a.username = anonymousUserName
	a.sessionID = anonymousSessionID
	a.srv.metrics.RecordLoggedInUsers(a.srv.registry.CountUsers())
}

// terminate releases everything the actor holds. Safe to call exactly
// once, from run's defer.
func (a *actor) terminate() {
	a.resetAuth()
	a.conn.Close()
	a.srv.metrics.RecordDisconnection()
	a.srv.disconnectionsSinceReport.Add(1)
	debugLog.Printf("Connection %d: terminated", a.id)
}
