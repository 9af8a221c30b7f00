package server

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/chatwire/pkg/protocol"
)

// lineTransport is one ordered stream of protocol lines. The TCP and
// WebSocket transports both satisfy it so the session actor never
// cares which one it is running on.
type lineTransport interface {
	WriteLine(line string) error
	ReadLine() (string, error)
	Close() error
	RemoteAddr() string
}

// SafeConn wraps a line transport with write synchronization and
// outbound fragmentation.
//
// Under load, the owning actor and fan-out goroutines may try to write
// to the same connection simultaneously. Without synchronization their
// fragments interleave on the wire and corrupt framing. SafeConn holds
// the transport private so every write goes through the mutex.
type SafeConn struct {
	transport lineTransport
	delay     time.Duration // pacing between consecutive fragments
	mu        sync.Mutex    // protects writes to transport
}

// NewSafeConn wraps a line transport with write synchronization.
func NewSafeConn(transport lineTransport, fragmentDelay time.Duration) *SafeConn {
	return &SafeConn{
		transport: transport,
		delay:     fragmentDelay,
	}
}

// Transmit fragments one logical message and writes every resulting
// line under a single lock hold, so fragments from concurrent
// transmissions never interleave. Consecutive fragments are paced by
// the fragment delay; the pacing is flow-smoothing only, nothing waits
// for an acknowledgment.
func (sc *SafeConn) Transmit(msg string) error {
	lines := protocol.Fragment(msg)

	sc.mu.Lock()
	defer sc.mu.Unlock()

	for i, line := range lines {
		if i > 0 {
			time.Sleep(sc.delay)
		}
		if err := sc.transport.WriteLine(line); err != nil {
			return err
		}
	}
	return nil
}

// ReadLine reads the next protocol line. Reads are only ever issued by
// the owning actor's reader goroutine, so they need no synchronization.
func (sc *SafeConn) ReadLine() (string, error) {
	return sc.transport.ReadLine()
}

// Close closes the underlying transport.
func (sc *SafeConn) Close() error {
	return sc.transport.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() string {
	return sc.transport.RemoteAddr()
}

// tcpTransport reads newline-terminated lines from a net.Conn.
type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (t *tcpTransport) WriteLine(line string) error {
	_, err := t.conn.Write([]byte(line + "\n"))
	return err
}

func (t *tcpTransport) ReadLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// wsTransport carries one protocol line per websocket text message.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteLine(line string) error {
	return t.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (t *wsTransport) ReadLine() (string, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
