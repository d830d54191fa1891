package server

import (
	"errors"
	"relay/db"
	"relay/protocol"
)

const (
	errUserNotFound    = "user not found"
	errContactNotFound = "contact not found"
	errNoPublicKey     = "no public key for user"
)

func (s *Server) handleGetContacts(c *Conn, msg *protocol.Message) {
	contacts, err := s.store.GetContacts(c.username)
	if err != nil {
		errorLog.Printf("Get contacts error for %s: %v", c.username, err)
		s.send(c, protocol.Error(errInternal))
		return
	}
	s.send(c, protocol.List(contacts))
}

func (s *Server) handleAddContact(c *Conn, msg *protocol.Message) {
	contact := msg.UserName()

	exists, err := s.store.UserExists(contact)
	if err != nil {
		errorLog.Printf("Add contact error: %v", err)
		s.send(c, protocol.Error(errInternal))
		return
	}
	if !exists {
		s.send(c, protocol.Error(errUserNotFound))
		return
	}

	if err := s.store.AddContact(c.username, contact); err != nil {
		errorLog.Printf("Add contact error: %v", err)
		s.send(c, protocol.Error(errInternal))
		return
	}
	s.send(c, protocol.OK())
}

func (s *Server) handleRemoveContact(c *Conn, msg *protocol.Message) {
	err := s.store.RemoveContact(c.username, msg.UserName())
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			s.send(c, protocol.Error(errContactNotFound))
		} else {
			errorLog.Printf("Remove contact error: %v", err)
			s.send(c, protocol.Error(errInternal))
		}
		return
	}
	s.send(c, protocol.OK())
}

// handleUsersRequest lists every registered user, online or not.
func (s *Server) handleUsersRequest(c *Conn, msg *protocol.Message) {
	users, err := s.store.UsersList()
	if err != nil {
		errorLog.Printf("Users list error: %v", err)
		s.send(c, protocol.Error(errInternal))
		return
	}
	s.send(c, protocol.List(users))
}

func (s *Server) handlePublicKeyRequest(c *Conn, msg *protocol.Message) {
	key, err := s.store.PublicKey(msg.UserName())
	if err != nil {
		errorLog.Printf("Public key error: %v", err)
		s.send(c, protocol.Error(errInternal))
		return
	}
	if key == "" {
		s.send(c, protocol.Error(errNoPublicKey))
		return
	}
	s.send(c, protocol.Auth(key))
}

func (s *Server) handleExit(c *Conn, msg *protocol.Message) {
	s.teardown(c, "exit")
}
