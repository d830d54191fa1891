package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"relay/db"
	"relay/protocol"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	errorLog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// setupTestServer starts a server on a random local port backed by a fresh
// database. opts adjust the config before the server is built.
func setupTestServer(t *testing.T, opts ...func(*ServerConfig)) (*Server, *db.DB) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	config := &ServerConfig{
		Host:         "127.0.0.1",
		Port:         0,
		ReadTimeout:  5 * time.Second,
		AuthTimeout:  2 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(config)
	}

	srv := New(database, config)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
		database.Close()
	})

	return srv, database
}

func createUsers(t *testing.T, database *db.DB, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, database.CreateUser(name, name+"-password"))
	}
}

// barrier waits until the reactor has handled everything posted before it.
func barrier(t *testing.T, srv *Server) {
	t.Helper()
	require.NoError(t, srv.Do(context.Background(), func() {}))
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(m *protocol.Message) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(c.t, protocol.WriteMessage(c.conn, m))
}

// sendRaw frames payload as is, bypassing the envelope encoder.
func (c *testClient) sendRaw(payload string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(c.t, protocol.EncodeFrame(c.conn, &protocol.Frame{Payload: []byte(payload)}))
}

func (c *testClient) read() *protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := protocol.ReadMessage(c.r)
	require.NoError(c.t, err)
	return m
}

// tryRead returns nil if nothing arrives within wait.
func (c *testClient) tryRead(wait time.Duration) *protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(wait))
	m, err := protocol.ReadMessage(c.r)
	if err != nil {
		var netErr net.Error
		require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected read error: %v", err)
		return nil
	}
	return m
}

func (c *testClient) expectError(text string) {
	c.t.Helper()
	m := c.read()
	assert.Equal(c.t, protocol.StatusBadRequest, m.Response)
	assert.Equal(c.t, text, m.Error)
}

func (c *testClient) expectOK() {
	c.t.Helper()
	m := c.read()
	assert.Equal(c.t, protocol.StatusOK, m.Response, "error: %s", m.Error)
}

// expectClosed asserts that the server closes the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := protocol.ReadMessage(c.r)
	require.Error(c.t, err)
	var netErr net.Error
	assert.False(c.t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
}

// login runs the whole challenge exchange for a user made by createUsers.
func (c *testClient) login(name string) {
	c.t.Helper()
	c.send(protocol.Presence(name, "key-"+name))

	challenge := c.read()
	require.Equal(c.t, protocol.StatusAuth, challenge.Response, "error: %s", challenge.Error)
	require.Len(c.t, challenge.Data, protocol.NonceSize*2)

	c.send(protocol.ChallengeResponse(protocol.PasswordHash(name, name+"-password"), challenge.Data))
	c.expectOK()
}

func directMessage(from, to, text string) *protocol.Message {
	return &protocol.Message{
		Action:      protocol.ActionMessage,
		Time:        protocol.Now(),
		Sender:      from,
		Destination: to,
		MessageText: text,
	}
}

func usersRequest(name string) *protocol.Message {
	return &protocol.Message{Action: protocol.ActionUsersRequest, Time: protocol.Now(), AccountName: name}
}

func TestAuthSuccess(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	alice := dial(t, srv)
	alice.login("alice")
	barrier(t, srv)

	stats, err := srv.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, stats.Users)

	active, err := database.ActiveUsers()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].Login)
	assert.Equal(t, "127.0.0.1", active[0].IP)

	key, err := database.PublicKey("alice")
	require.NoError(t, err)
	assert.Equal(t, "key-alice", key)

	history, err := database.LoginHistory("alice")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestAuthWrongPassword(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	c := dial(t, srv)
	c.send(protocol.Presence("alice", ""))
	challenge := c.read()
	require.Equal(t, protocol.StatusAuth, challenge.Response)

	c.send(protocol.ChallengeResponse(protocol.PasswordHash("alice", "wrong"), challenge.Data))
	c.expectError(errAuthFailed)
	c.expectClosed()

	barrier(t, srv)
	history, err := database.LoginHistory("alice")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAuthUnknownUser(t *testing.T) {
	srv, _ := setupTestServer(t)

	c := dial(t, srv)
	c.send(protocol.Presence("ghost", ""))
	c.expectError(errNotRegistered)
	c.expectClosed()
}

func TestAuthDuplicate(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	first := dial(t, srv)
	first.login("alice")

	second := dial(t, srv)
	second.send(protocol.Presence("alice", ""))
	second.expectError(errNameInUse)
	second.expectClosed()

	// The original session is untouched.
	first.send(usersRequest("alice"))
	m := first.read()
	assert.Equal(t, protocol.StatusList, m.Response)
	assert.Equal(t, []string{"alice"}, m.ListInfo)
}

func TestAuthConcurrentChallenges(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	first := dial(t, srv)
	second := dial(t, srv)

	first.send(protocol.Presence("alice", ""))
	c1 := first.read()
	second.send(protocol.Presence("alice", ""))
	c2 := second.read()
	require.Equal(t, protocol.StatusAuth, c1.Response)
	require.Equal(t, protocol.StatusAuth, c2.Response)
	assert.NotEqual(t, c1.Data, c2.Data)

	key := protocol.PasswordHash("alice", "alice-password")
	first.send(protocol.ChallengeResponse(key, c1.Data))
	first.expectOK()

	second.send(protocol.ChallengeResponse(key, c2.Data))
	second.expectError(errNameInUse)
	second.expectClosed()
}

func TestAuthMalformedResponse(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	c := dial(t, srv)
	c.send(protocol.Presence("alice", ""))
	c.read()

	c.send(usersRequest("alice"))
	c.expectError(errAuthFailed)
	c.expectClosed()
}

func TestAuthTimeout(t *testing.T) {
	srv, database := setupTestServer(t, func(c *ServerConfig) {
		c.AuthTimeout = 200 * time.Millisecond
	})
	createUsers(t, database, "alice")

	c := dial(t, srv)
	c.send(protocol.Presence("alice", ""))
	challenge := c.read()
	require.Equal(t, protocol.StatusAuth, challenge.Response)

	c.expectError(errAuthTimeout)
	c.expectClosed()
}

func TestPresenceTwice(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	c := dial(t, srv)
	c.login("alice")

	c.send(protocol.Presence("alice", ""))
	c.expectError(errRequestIncorrect)
}

func TestNotAuthenticated(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	c := dial(t, srv)
	c.send(usersRequest("alice"))
	c.expectError(errNotAuthenticated)

	c.send(directMessage("alice", "bob", "hi"))
	c.expectError(errNotAuthenticated)

	// Still usable for a login afterwards.
	c.login("alice")
}

func TestMessageRouting(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice", "bob")

	alice := dial(t, srv)
	alice.login("alice")
	bob := dial(t, srv)
	bob.login("bob")

	alice.send(directMessage("alice", "bob", "hello bob"))
	alice.expectOK()

	m := bob.read()
	assert.Equal(t, protocol.ActionMessage, m.Action)
	assert.Equal(t, "alice", m.Sender)
	assert.Equal(t, "bob", m.Destination)
	assert.Equal(t, "hello bob", m.MessageText)

	bob.send(directMessage("bob", "alice", "hello alice"))
	bob.expectOK()
	assert.Equal(t, "hello alice", alice.read().MessageText)

	barrier(t, srv)
	stats, err := database.MessageStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "alice", stats[0].Login)
	assert.Equal(t, 1, stats[0].Sent)
	assert.Equal(t, 1, stats[0].Accepted)
}

func TestMessageOrderPerDestination(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice", "bob", "carol")

	alice := dial(t, srv)
	alice.login("alice")
	bob := dial(t, srv)
	bob.login("bob")
	carol := dial(t, srv)
	carol.login("carol")

	const n = 20
	texts := make([]string, n)
	for i := 0; i < n; i++ {
		texts[i] = "message " + string(rune('a'+i))
		alice.send(directMessage("alice", "bob", texts[i]))
		alice.send(directMessage("alice", "carol", texts[i]))
	}

	for i := 0; i < 2*n; i++ {
		alice.expectOK()
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, texts[i], bob.read().MessageText)
		assert.Equal(t, texts[i], carol.read().MessageText)
	}
}

func TestMessageDestinationOffline(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice", "bob")

	alice := dial(t, srv)
	alice.login("alice")

	alice.send(directMessage("alice", "bob", "are you there"))
	alice.expectError("bob not registered")

	alice.send(directMessage("alice", "nobody", "hello"))
	alice.expectError("nobody not registered")
}

func TestIdentityMismatch(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice", "bob")

	alice := dial(t, srv)
	alice.login("alice")
	bob := dial(t, srv)
	bob.login("bob")

	alice.send(directMessage("bob", "bob", "spoofed"))
	alice.expectError(errRequestIncorrect)

	alice.send(&protocol.Message{
		Action: protocol.ActionGetContacts,
		Time:   protocol.Now(),
		User:   &protocol.User{AccountName: "bob"},
	})
	alice.expectError(errRequestIncorrect)

	alice.send(&protocol.Message{Action: protocol.ActionExit, Time: protocol.Now(), AccountName: "bob"})
	alice.expectError(errRequestIncorrect)

	assert.Nil(t, bob.tryRead(200*time.Millisecond))

	// Both sessions survive.
	bob.send(usersRequest("bob"))
	assert.Equal(t, protocol.StatusList, bob.read().Response)
}

func TestInvalidRequests(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	c := dial(t, srv)

	c.send(&protocol.Message{Action: protocol.ActionPresence, Time: protocol.Now()})
	c.expectError(errRequestIncorrect)

	c.login("alice")

	tests := []struct {
		name string
		msg  *protocol.Message
	}{
		{"unknown action", &protocol.Message{Action: "dance", Time: protocol.Now(), AccountName: "alice"}},
		{"no action", &protocol.Message{Time: protocol.Now()}},
		{"message without text", &protocol.Message{Action: protocol.ActionMessage, Time: protocol.Now(), Sender: "alice", Destination: "alice"}},
		{"message without time", &protocol.Message{Action: protocol.ActionMessage, Sender: "alice", Destination: "alice", MessageText: "x"}},
		{"add contact without user", &protocol.Message{Action: protocol.ActionAddContact, Time: protocol.Now(), AccountName: "alice"}},
		{"exit without account", &protocol.Message{Action: protocol.ActionExit, Time: protocol.Now()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.send(tt.msg)
			c.expectError(errRequestIncorrect)
		})
	}

	wrongTypes := []struct {
		name    string
		payload string
	}{
		{"time as string", `{"action":"users_request","time":"yesterday","account_name":"alice"}`},
		{"action as number", `{"action":7,"time":1.5,"account_name":"alice"}`},
		{"user as number", `{"action":"get_contacts","time":1.5,"user":42}`},
		{"array envelope", `["users_request"]`},
	}

	for _, tt := range wrongTypes {
		t.Run(tt.name, func(t *testing.T) {
			c.sendRaw(tt.payload)
			c.expectError(errRequestIncorrect)

			c.send(usersRequest("alice"))
			assert.Equal(t, protocol.StatusList, c.read().Response)
		})
	}

	c.send(usersRequest("alice"))
	assert.Equal(t, protocol.StatusList, c.read().Response)
}

func TestMalformedEnvelopeBeforeLogin(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	c := dial(t, srv)
	c.sendRaw(`{"action":"presence","time":"now","user":{"account_name":"alice"}}`)
	c.expectError(errRequestIncorrect)

	c.login("alice")
}

func TestMalformedChallengeAnswer(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	c := dial(t, srv)
	c.send(protocol.Presence("alice", ""))
	require.Equal(t, protocol.StatusAuth, c.read().Response)

	c.sendRaw(`{"response":"511","data":"x"}`)
	c.expectError(errAuthFailed)
	c.expectClosed()
}

func TestSilentConnectionReaped(t *testing.T) {
	srv, database := setupTestServer(t, func(c *ServerConfig) {
		c.AuthTimeout = 200 * time.Millisecond
	})
	createUsers(t, database, "alice")

	silent := dial(t, srv)
	silent.expectError(errAuthTimeout)
	silent.expectClosed()

	require.Eventually(t, func() bool {
		stats, err := srv.Stats(context.Background())
		return err == nil && stats.Connections == 0
	}, 5*time.Second, 20*time.Millisecond)

	// A session that logged in in time is kept past the deadline.
	c := dial(t, srv)
	c.login("alice")
	time.Sleep(700 * time.Millisecond)
	c.send(usersRequest("alice"))
	assert.Equal(t, protocol.StatusList, c.read().Response)
}

func TestContacts(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice", "bob", "carol")

	alice := dial(t, srv)
	alice.login("alice")

	contactRequest := func(action protocol.Action, contact string) *protocol.Message {
		return &protocol.Message{
			Action:      action,
			Time:        protocol.Now(),
			AccountName: "alice",
			User:        &protocol.User{AccountName: contact},
		}
	}
	getContacts := &protocol.Message{
		Action: protocol.ActionGetContacts,
		Time:   protocol.Now(),
		User:   &protocol.User{AccountName: "alice"},
	}

	alice.send(contactRequest(protocol.ActionAddContact, "bob"))
	alice.expectOK()
	alice.send(contactRequest(protocol.ActionAddContact, "bob"))
	alice.expectOK()

	alice.send(contactRequest(protocol.ActionAddContact, "ghost"))
	alice.expectError(errUserNotFound)

	alice.send(getContacts)
	m := alice.read()
	assert.Equal(t, protocol.StatusList, m.Response)
	assert.Equal(t, []string{"bob"}, m.ListInfo)

	alice.send(contactRequest(protocol.ActionRemoveContact, "carol"))
	alice.expectError(errContactNotFound)

	alice.send(contactRequest(protocol.ActionRemoveContact, "bob"))
	alice.expectOK()

	alice.send(getContacts)
	m = alice.read()
	assert.Equal(t, protocol.StatusList, m.Response)
	assert.Empty(t, m.ListInfo)
}

func TestUsersRequest(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "carol", "alice", "bob")

	alice := dial(t, srv)
	alice.login("alice")

	alice.send(usersRequest("alice"))
	m := alice.read()
	assert.Equal(t, protocol.StatusList, m.Response)
	assert.Equal(t, []string{"alice", "bob", "carol"}, m.ListInfo)
}

func TestPublicKeyRequest(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice", "bob", "carol")

	bob := dial(t, srv)
	bob.login("bob")
	bob.send(&protocol.Message{Action: protocol.ActionExit, Time: protocol.Now(), AccountName: "bob"})
	bob.expectClosed()

	alice := dial(t, srv)
	alice.login("alice")

	keyRequest := func(target string) *protocol.Message {
		return &protocol.Message{
			Action:      protocol.ActionPublicKeyRequest,
			Time:        protocol.Now(),
			AccountName: "alice",
			User:        &protocol.User{AccountName: target},
		}
	}

	// Keys outlive the session that presented them.
	alice.send(keyRequest("bob"))
	m := alice.read()
	assert.Equal(t, protocol.StatusAuth, m.Response)
	assert.Equal(t, "key-bob", m.Data)

	alice.send(keyRequest("carol"))
	alice.expectError(errNoPublicKey)

	alice.send(keyRequest("ghost"))
	alice.expectError(errNoPublicKey)
}

func TestExitAndRelogin(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	c := dial(t, srv)
	c.login("alice")
	c.send(&protocol.Message{Action: protocol.ActionExit, Time: protocol.Now(), AccountName: "alice"})
	c.expectClosed()

	barrier(t, srv)
	stats, err := srv.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats.Users)

	active, err := database.ActiveUsers()
	require.NoError(t, err)
	assert.Empty(t, active)

	again := dial(t, srv)
	again.login("alice")
}

func TestDisconnectReleasesSession(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	c := dial(t, srv)
	c.login("alice")
	c.conn.Close()

	require.Eventually(t, func() bool {
		stats, err := srv.Stats(context.Background())
		return err == nil && stats.Sessions == 0 && stats.Connections == 0
	}, 5*time.Second, 20*time.Millisecond)

	again := dial(t, srv)
	again.login("alice")
}

func TestDecodeErrorClosesConnection(t *testing.T) {
	srv, _ := setupTestServer(t)

	t.Run("zero length frame", func(t *testing.T) {
		c := dial(t, srv)
		var header [4]byte
		_, err := c.conn.Write(header[:])
		require.NoError(t, err)
		c.expectClosed()
	})

	t.Run("oversized frame", func(t *testing.T) {
		c := dial(t, srv)
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], protocol.MaxFrameSize+1)
		_, err := c.conn.Write(header[:])
		require.NoError(t, err)
		c.expectClosed()
	})

	t.Run("invalid json", func(t *testing.T) {
		c := dial(t, srv)
		require.NoError(t, protocol.EncodeFrame(c.conn, &protocol.Frame{Payload: []byte("{not json")}))
		c.expectClosed()
	})
}

func TestReadTimeoutOnPartialFrame(t *testing.T) {
	srv, _ := setupTestServer(t, func(c *ServerConfig) {
		c.ReadTimeout = 200 * time.Millisecond
	})

	idle := dial(t, srv)
	partial := dial(t, srv)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	_, err := partial.conn.Write(header[:])
	require.NoError(t, err)
	partial.expectClosed()

	// An idle connection is not subject to the read timeout.
	idle.send(usersRequest("alice"))
	idle.expectError(errNotAuthenticated)
}

func TestBroadcastOnlyToSessions(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice", "bob")

	alice := dial(t, srv)
	alice.login("alice")
	bob := dial(t, srv)
	bob.login("bob")

	anonymous := dial(t, srv)
	anonymous.send(usersRequest("x"))
	anonymous.expectError(errNotAuthenticated)

	n, err := srv.Broadcast(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, protocol.StatusListsChanged, alice.read().Response)
	assert.Equal(t, protocol.StatusListsChanged, bob.read().Response)
	assert.Nil(t, anonymous.tryRead(200*time.Millisecond))
}

func TestKick(t *testing.T) {
	srv, database := setupTestServer(t)
	createUsers(t, database, "alice")

	c := dial(t, srv)
	c.login("alice")

	found, err := srv.Kick(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, found)
	c.expectClosed()

	found, err = srv.Kick(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestServeWithoutListen(t *testing.T) {
	srv := New(newMemStore(), &ServerConfig{})
	assert.ErrorIs(t, srv.Serve(context.Background()), ErrNotListening)
}

func TestShutdownClosesConnections(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer database.Close()
	createUsers(t, database, "alice")

	srv := New(database, &ServerConfig{Host: "127.0.0.1"})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	c := dial(t, srv)
	c.login("alice")

	cancel()
	require.NoError(t, <-done)
	c.expectClosed()

	assert.ErrorIs(t, srv.Do(context.Background(), func() {}), ErrServerClosed)

	_, err = net.Dial("tcp", srv.Addr().String())
	assert.Error(t, err)
}
