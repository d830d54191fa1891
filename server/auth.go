package server

import (
	"log"
	"relay/protocol"
	"time"
)

const (
	errNameInUse     = "username already in use"
	errNotRegistered = "user not registered"
	errAuthFailed    = "authentication failed"
	errAuthTimeout   = "authentication timed out"
)

// handlePresence starts a login: it checks the claimed name and issues a
// nonce challenge. The answer arrives as the connection's next message.
func (s *Server) handlePresence(c *Conn, msg *protocol.Message) {
	if c.state != stateUnauthenticated {
		s.send(c, protocol.Error(errRequestIncorrect))
		return
	}

	name := msg.UserName()
	if _, ok := s.registry.Lookup(name); ok {
		s.rejectAuth(c, errNameInUse, "duplicate")
		return
	}

	exists, err := s.store.UserExists(name)
	if err != nil {
		errorLog.Printf("Presence check for %s failed: %v", name, err)
		s.rejectAuth(c, errInternal, "auth_error")
		return
	}
	if !exists {
		s.rejectAuth(c, errNotRegistered, "auth_failed")
		return
	}

	key, err := s.store.PasswordHash(name)
	if err != nil {
		errorLog.Printf("Failed to load key for %s: %v", name, err)
		s.rejectAuth(c, errInternal, "auth_error")
		return
	}

	nonce, err := protocol.NewNonce()
	if err != nil {
		errorLog.Printf("Failed to generate nonce: %v", err)
		s.rejectAuth(c, errInternal, "auth_error")
		return
	}

	c.pending = &pendingAuth{
		username:  name,
		publicKey: msg.User.PublicKey,
		expected:  protocol.Digest(key, nonce),
		deadline:  time.Now().Add(s.config.AuthTimeout),
	}
	c.state = stateChallengeIssued
	debugLog.Printf("Challenge issued to %s for %s", c.Addr, name)

	s.send(c, protocol.Auth(nonce))
}

// completeChallenge consumes the pending challenge with the client's answer.
// There is exactly one attempt.
func (s *Server) completeChallenge(c *Conn, msg *protocol.Message) {
	p := c.pending
	c.pending = nil

	if p == nil || msg == nil || msg.Response != protocol.StatusAuth || !protocol.VerifyDigest(p.expected, msg.Data) {
		s.rejectAuth(c, errAuthFailed, "auth_failed")
		return
	}

	if err := s.registry.Register(p.username, c); err != nil {
		s.rejectAuth(c, errNameInUse, "duplicate")
		return
	}
	c.state = stateAuthenticated
	c.username = p.username
	s.metrics.authSucceeded(s.registry.Len())

	if !s.send(c, protocol.OK()) {
		return
	}

	if err := s.store.UserLogin(p.username, c.IP, c.Port, p.publicKey); err != nil {
		errorLog.Printf("Failed to record login for %s: %v", p.username, err)
	}
	log.Printf("Client %s authenticated from %s", p.username, c.Addr)
}

// rejectAuth answers a failed login and closes the connection.
func (s *Server) rejectAuth(c *Conn, text, reason string) {
	s.metrics.authFailed()
	s.send(c, protocol.Error(text))
	s.teardown(c, reason)
}

// expireLogins fails logins whose answer did not arrive in time and drops
// connections that never sent a PRESENCE within the auth timeout.
func (s *Server) expireLogins(now time.Time) {
	for _, c := range s.conns {
		switch {
		case c.pending != nil && now.After(c.pending.deadline):
			c.pending = nil
			s.rejectAuth(c, errAuthTimeout, "auth_timeout")
		case c.state == stateUnauthenticated && !c.loginDeadline.IsZero() && now.After(c.loginDeadline):
			s.send(c, protocol.Error(errAuthTimeout))
			s.teardown(c, "login_timeout")
		}
	}
}
