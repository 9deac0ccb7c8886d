package lens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const maxAcceptBackoff = time.Second

// CollectorHandler receives the messages decoded from probe connections. Handlers may be invoked
// concurrently for different connections, messages of one connection are delivered in order.
type CollectorHandler interface {
	HandleInit(remote string, data InitData)
	HandleTraceEvent(remote string, ev TraceEvent)
}

// Collector accepts probe connections and decodes the message stream of each one.
type Collector struct {
	listener net.Listener
	handler  atomic.Value
	group    errgroup.Group
	closing  atomic.Bool
	err      atomic.Pointer[error]

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	connCount atomic.Int64
	msgCount  atomic.Int64
}

// StartCollector listens on addr (host:port, port 0 selects a free port) and serves connections
// until Stop is invoked.
func StartCollector(addr string, handler CollectorHandler) (*Collector, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("collector listen on %s failed: %w", addr, err)
	}
	return serveCollector(listener, handler), nil
}

func serveCollector(listener net.Listener, handler CollectorHandler) *Collector {
	c := &Collector{
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}
	c.handler.Store(&handler)
	c.group.Go(c.acceptLoop)

	log.Printf("Trace Collector started on %s", listener.Addr())
	return c
}

// Addr returns the listening address.
func (c *Collector) Addr() net.Addr {
	return c.listener.Addr()
}

// SetHandler sets the handler used for messages received after this call.
func (c *Collector) SetHandler(handler CollectorHandler) {
	c.handler.Store(&handler)
}

// Connections returns the number of connections accepted.
func (c *Collector) Connections() int64 {
	return c.connCount.Load()
}

// Messages returns the number of messages dispatched.
func (c *Collector) Messages() int64 {
	return c.msgCount.Load()
}

func (c *Collector) errCheck() error {
	if errPtr := c.err.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// acceptLoop serves until the listener is closed, retrying other accept errors with backoff.
func (c *Collector) acceptLoop() error {
	var backoff time.Duration
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if c.closing.Load() {
				return nil
			} else if errors.Is(err, net.ErrClosed) {
				c.err.Store(&err)
				log.Printf("%sTrace Collector listener closed: %v", ErrorLogPrefix, err)
				return err
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			log.Printf("%sTrace Collector accept error, retrying in %v: %v", ErrorLogPrefix, backoff, err)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		if !c.track(conn) {
			_ = conn.Close()
			return nil
		}
		c.connCount.Add(1)
		c.group.Go(func() error {
			defer c.untrack(conn)
			c.serveConn(conn)
			return nil
		})
	}
}

func (c *Collector) track(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing.Load() {
		return false
	}
	c.conns[conn] = struct{}{}
	return true
}

func (c *Collector) untrack(conn net.Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Collector) serveConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	dec := NewMsgDecoder(conn)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || c.closing.Load() {
				return
			} else if errors.Is(err, ErrUnknownMsgType) {
				log.Printf("WARN: skipping message from %s: %v", remote, err)
				continue
			}
			log.Printf("%sInvalid message from %s, dropping connection: %v", ErrorLogPrefix, remote, err)
			return
		}
		c.msgCount.Add(1)

		handler := *c.handler.Load().(*CollectorHandler)
		switch data := msg.Data.(type) {
		case InitData:
			handler.HandleInit(remote, data)
		case TraceEvent:
			handler.HandleTraceEvent(remote, data)
		}
	}
}

// Stop closes the listener and all open connections, then waits for the connection goroutines
// or the context to finish.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	alreadyClosing := c.closing.Swap(true)
	for conn := range c.conns {
		_ = conn.Close()
	}
	c.mu.Unlock()
	if alreadyClosing {
		return errors.New("collector already stopped")
	}

	closeErr := c.listener.Close()
	done := make(chan error, 1)
	go func() {
		done <- c.group.Wait()
	}()
	select {
	case err := <-done:
		return errors.Join(closeErr, err, c.errCheck())
	case <-ctx.Done():
		return errors.Join(closeErr, ctx.Err())
	}
}
