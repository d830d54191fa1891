package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"relay/protocol"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// pollInterval paces the reactor's housekeeping tick.
	pollInterval = 500 * time.Millisecond

	eventQueue = 256
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

var (
	ErrNotListening = errors.New("server is not listening")
	ErrServerClosed = errors.New("server closed")
)

// EnableDebugLogging sends debug output to w.
func EnableDebugLogging(w io.Writer) {
	debugLog.SetOutput(w)
}

// Store is the persistent user, contact and login-history store.
type Store interface {
	UserExists(login string) (bool, error)
	PasswordHash(login string) ([]byte, error)
	PublicKey(login string) (string, error)
	UserLogin(login, ip string, port int, publicKey string) error
	UserLogout(login string) error
	GetContacts(owner string) ([]string, error)
	AddContact(owner, contact string) error
	RemoveContact(owner, contact string) error
	UsersList() ([]string, error)
	ProcessMessage(sender, recipient string) error
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	SendQueue    int
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventReadFailed
	eventWriteFailed
)

// event is posted by connection goroutines to the reactor.
type event struct {
	kind eventKind
	conn *Conn
	msg  *protocol.Message
	err  error
}

// Server accepts client connections and multiplexes them through a single
// reactor goroutine. Registry, pending challenges and the connection set are
// only touched from that goroutine.
type Server struct {
	store    Store
	config   *ServerConfig
	metrics  *Metrics
	listener net.Listener

	registry *Registry
	conns    map[string]*Conn
	routes   map[protocol.Action]route

	accepted chan net.Conn
	events   chan event
	requests chan func()
	done     chan struct{}
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func New(store Store, config *ServerConfig) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Second
	}
	if config.AuthTimeout == 0 {
		config.AuthTimeout = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.SendQueue == 0 {
		config.SendQueue = 64
	}

	s := &Server{
		store:    store,
		config:   config,
		metrics:  NewMetrics(),
		registry: NewRegistry(),
		conns:    make(map[string]*Conn),
		accepted: make(chan net.Conn),
		events:   make(chan event, eventQueue),
		requests: make(chan func()),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.routes = s.buildRoutes()

	return s
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Listen binds the configured address with SO_REUSEADDR.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	log.Printf("Relay server listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept goroutine and the reactor loop until ctx is
// cancelled, then closes every connection and waits for their goroutines.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return ErrNotListening
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.run(ctx)

	close(s.done)
	s.listener.Close()
	s.closeAll()
	s.wg.Wait()
	close(s.stopped)

	log.Printf("Relay server stopped")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Error accepting connection: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		select {
		case s.accepted <- nc:
		case <-s.done:
			nc.Close()
			return
		}
	}
}

// run is the reactor loop.
func (s *Server) run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case nc := <-s.accepted:
			s.track(nc)
		case ev := <-s.events:
			s.handleEvent(ev)
		case fn := <-s.requests:
			fn()
		case now := <-ticker.C:
			s.expireLogins(now)
		}
	}
}

// post delivers an event to the reactor. It reports false once the server
// is stopping.
func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) track(nc net.Conn) {
	c := newConn(nc, s.config.SendQueue)
	c.loginDeadline = time.Now().Add(s.config.AuthTimeout)
	s.conns[c.ID] = c
	s.metrics.connectionAccepted(len(s.conns))
	log.Printf("New client connected from %s", c.Addr)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.readLoop(s)
	}()
	go func() {
		defer s.wg.Done()
		c.writeLoop(s)
	}()
}

func (s *Server) handleEvent(ev event) {
	c := ev.conn
	if c.closed {
		return
	}

	switch ev.kind {
	case eventMessage:
		s.dispatch(c, ev.msg)
	case eventReadFailed:
		s.teardown(c, readFailureReason(ev.err))
	case eventWriteFailed:
		errorLog.Printf("Write to %s failed: %v", c.Addr, ev.err)
		s.teardown(c, "write_error")
	}
}

func readFailureReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		return "disconnect"
	case errors.Is(err, protocol.ErrInvalidMessage),
		errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, protocol.ErrInvalidFrameLength),
		errors.Is(err, protocol.ErrDecompressionFailed),
		errors.Is(err, protocol.ErrInvalidCompressedLen),
		errors.Is(err, io.ErrUnexpectedEOF):
		return "decode_error"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "read_timeout"
	default:
		return "read_error"
	}
}

// send frames msg and queues it on c. A refused frame tears c down.
func (s *Server) send(c *Conn, msg *protocol.Message) bool {
	frame, err := protocol.EncodeMessage(msg)
	if err != nil {
		errorLog.Printf("Failed to encode reply to %s: %v", c.Addr, err)
		return false
	}
	if !c.enqueue(frame) {
		if !c.closed {
			errorLog.Printf("Send queue to %s refused a frame, dropping connection", c.Addr)
			s.teardown(c, "queue_full")
		}
		return false
	}
	return true
}

// teardown releases everything held for c. Calling it again is a no-op.
func (s *Server) teardown(c *Conn, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.pending = nil

	if c.authenticated() {
		if cur, ok := s.registry.Lookup(c.username); ok && cur == c {
			s.registry.Unregister(c.username)
			if err := s.store.UserLogout(c.username); err != nil {
				errorLog.Printf("Failed to record logout for %s: %v", c.username, err)
			}
		}
	}

	delete(s.conns, c.ID)
	close(c.send)

	s.metrics.connectionClosed(reason, len(s.conns), s.registry.Len())
	if c.username != "" {
		log.Printf("Client %s disconnected (%s) from %s", c.username, reason, c.Addr)
	} else {
		log.Printf("Client disconnected (%s) from %s", reason, c.Addr)
	}
}

// closeAll tears down every tracked connection without waiting for queued
// frames to drain.
func (s *Server) closeAll() {
	for _, c := range s.conns {
		s.teardown(c, "shutdown")
		c.conn.Close()
	}
}

// Do runs fn on the reactor goroutine and waits for it to finish. It is the
// only way for other goroutines to read or change session state.
func (s *Server) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	req := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.requests <- req:
	case <-s.stopped:
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished
	return nil
}

type Stats struct {
	Connections int
	Sessions    int
	Users       []string
}

func (s *Server) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.Do(ctx, func() {
		st = Stats{
			Connections: len(s.conns),
			Sessions:    s.registry.Len(),
			Users:       s.registry.ListActive(),
		}
	})
	return st, err
}

// String formats stats the way the control socket reports them.
func (st Stats) String() string {
	return "connections=" + strconv.Itoa(st.Connections) +
		",sessions=" + strconv.Itoa(st.Sessions) +
		",users=" + strings.Join(st.Users, ";")
}

// Kick tears down the session of username, if any.
func (s *Server) Kick(ctx context.Context, username string) (bool, error) {
	var found bool
	err := s.Do(ctx, func() {
		var c *Conn
		if c, found = s.registry.Lookup(username); found {
			s.teardown(c, "kicked")
		}
	})
	return found, err
}

// Broadcast tells every online session that user or contact lists changed.
func (s *Server) Broadcast(ctx context.Context) (int, error) {
	var n int
	err := s.Do(ctx, func() {
		n = s.broadcastListsChanged()
	})
	return n, err
}
