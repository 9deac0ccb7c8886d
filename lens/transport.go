package lens

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// ErrTransportClosed is returned by Send once the transport has been closed.
var ErrTransportClosed = errors.New("transport closed")

// TransportState is the connection lifecycle state. Transitions only move forward.
type TransportState uint8

const (
	TransportUnconnected TransportState = iota
	TransportConnected
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportUnconnected:
		return "unconnected"
	case TransportConnected:
		return "connected"
	case TransportClosed:
		return "closed"
	default:
		return fmt.Sprintf("TransportState(%d)", uint8(s))
	}
}

// TransportConfig configures the collector connection.
type TransportConfig struct {
	// Endpoint is the collector address as host:port, empty disables delivery.
	Endpoint     string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Transport delivers messages to a collector. Without a connection every send is a no-op.
type Transport struct {
	mu           sync.Mutex
	conn         net.Conn
	state        TransportState
	writeTimeout time.Duration
	sent         int
}

// DialTransport connects to the configured endpoint. An empty endpoint, or a failure to connect,
// returns an unconnected transport for which sends are no-ops.
func DialTransport(cfg TransportConfig) *Transport {
	t := &Transport{writeTimeout: cfg.WriteTimeout}
	if cfg.Endpoint == "" {
		return t
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.Dial("tcp", cfg.Endpoint)
	if err != nil {
		log.Printf("%sUnable to connect to collector %s, events will not be delivered: %v",
			ErrorLogPrefix, cfg.Endpoint, err)
		return t
	}
	t.conn = conn
	t.state = TransportConnected
	return t
}

// NewConnTransport wraps an already established connection.
func NewConnTransport(conn net.Conn, writeTimeout time.Duration) *Transport {
	t := &Transport{writeTimeout: writeTimeout}
	if conn != nil {
		t.conn = conn
		t.state = TransportConnected
	}
	return t
}

// State returns the current connection state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Connected reports if messages are currently being delivered.
func (t *Transport) Connected() bool {
	return t.State() == TransportConnected
}

// Sent returns the number of messages written to the collector.
func (t *Transport) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.sent
}

// Send encodes msg and writes it to the collector in a single write. No acknowledgement is read.
// Sending on an unconnected transport does nothing. A write failure closes the transport.
func (t *Transport) Send(msg Msg) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case TransportUnconnected:
		return nil
	case TransportClosed:
		return ErrTransportClosed
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			log.Printf("%sCollector write deadline failed, closing connection: %v", ErrorLogPrefix, err)
			t.closeLocked()
			return fmt.Errorf("send %s message: %w", msg.Type, err)
		}
	}
	if _, err := t.conn.Write(b); err != nil {
		log.Printf("%sCollector write failed, closing connection: %v", ErrorLogPrefix, err)
		t.closeLocked()
		return fmt.Errorf("send %s message: %w", msg.Type, err)
	}
	t.sent++
	return nil
}

// Close releases the connection. It returns true only for the call which performed the close.
func (t *Transport) Close() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TransportClosed {
		return false
	}
	t.closeLocked()
	return true
}

func (t *Transport) closeLocked() {
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			log.Printf("WARN: collector connection close: %v", err)
		}
		t.conn = nil
	}
	t.state = TransportClosed
}
