package server

import (
	"bufio"
	"errors"
	"net"
	"relay/protocol"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateChallengeIssued
	stateAuthenticated
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateChallengeIssued:
		return "challenge_issued"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// pendingAuth is the challenge issued to a connection that sent PRESENCE.
// It is consumed by the next message from that connection.
type pendingAuth struct {
	username  string
	publicKey string
	expected  []byte
	deadline  time.Time
}

// Conn is one client connection. All fields except conn and send are owned
// by the reactor goroutine.
type Conn struct {
	ID   string
	Addr string
	IP   string
	Port int

	conn     net.Conn
	send     chan []byte
	state    connState
	username string
	pending  *pendingAuth
	closed   bool

	// loginDeadline is when an unauthenticated connection is dropped if it
	// has not started a login. Zero means no deadline.
	loginDeadline time.Time
}

func newConn(nc net.Conn, queue int) *Conn {
	addr := nc.RemoteAddr().String()
	c := &Conn{
		ID:   uuid.NewString(),
		Addr: addr,
		conn: nc,
		send: make(chan []byte, queue),
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		c.IP = host
		c.Port, _ = strconv.Atoi(port)
	} else {
		c.IP = addr
	}

	return c
}

func (c *Conn) authenticated() bool {
	return c.state == stateAuthenticated
}

// Username is empty until the connection has authenticated.
func (c *Conn) Username() string {
	return c.username
}

// enqueue hands a framed message to the writer without blocking. A full or
// closed queue means the peer is not keeping up and is reported as false.
func (c *Conn) enqueue(frame []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// readLoop decodes one frame at a time and posts it to the reactor. The read
// timeout only applies once a frame has started arriving, so idle sessions
// are not dropped. Connections that never log in are reaped by the reactor.
func (c *Conn) readLoop(s *Server) {
	r := bufio.NewReader(c.conn)
	for {
		c.conn.SetReadDeadline(time.Time{})
		if _, err := r.Peek(1); err != nil {
			s.post(event{kind: eventReadFailed, conn: c, err: err})
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		msg, err := protocol.ReadMessage(r)
		if err != nil && !errors.Is(err, protocol.ErrMalformedEnvelope) {
			s.post(event{kind: eventReadFailed, conn: c, err: err})
			return
		}

		// A malformed envelope is posted with a nil msg so the dispatcher can
		// answer it and keep the connection.
		if !s.post(event{kind: eventMessage, conn: c, msg: msg}) {
			return
		}
	}
}

// writeLoop drains the send queue until it is closed, then closes the
// transport. Frames queued before teardown are still flushed.
func (c *Conn) writeLoop(s *Server) {
	defer c.conn.Close()
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if _, err := c.conn.Write(frame); err != nil {
			s.post(event{kind: eventWriteFailed, conn: c, err: err})
			return
		}
	}
}
