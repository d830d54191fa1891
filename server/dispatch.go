package server

import (
	"relay/protocol"
)

const (
	errRequestIncorrect = "request incorrect"
	errNotAuthenticated = "not authenticated"
	errInternal         = "internal error"
)

type handlerFunc func(c *Conn, msg *protocol.Message)

// route describes one action: the fields it needs and which field, if any,
// names the acting user.
type route struct {
	handle   handlerFunc
	valid    func(msg *protocol.Message) bool
	claimant func(msg *protocol.Message) string
}

func accountName(msg *protocol.Message) string { return msg.AccountName }
func sender(msg *protocol.Message) string      { return msg.Sender }
func userName(msg *protocol.Message) string    { return msg.UserName() }

func (s *Server) buildRoutes() map[protocol.Action]route {
	return map[protocol.Action]route{
		protocol.ActionPresence: {
			handle: s.handlePresence,
			valid: func(m *protocol.Message) bool {
				return m.Time != 0 && m.UserName() != ""
			},
		},
		protocol.ActionMessage: {
			handle: s.handleMessage,
			valid: func(m *protocol.Message) bool {
				return m.Time != 0 && m.Sender != "" && m.Destination != "" && m.MessageText != ""
			},
			claimant: sender,
		},
		protocol.ActionExit: {
			handle:   s.handleExit,
			valid:    func(m *protocol.Message) bool { return m.AccountName != "" },
			claimant: accountName,
		},
		protocol.ActionGetContacts: {
			handle:   s.handleGetContacts,
			valid:    func(m *protocol.Message) bool { return m.UserName() != "" },
			claimant: userName,
		},
		protocol.ActionAddContact: {
			handle:   s.handleAddContact,
			valid:    func(m *protocol.Message) bool { return m.AccountName != "" && m.UserName() != "" },
			claimant: accountName,
		},
		protocol.ActionRemoveContact: {
			handle:   s.handleRemoveContact,
			valid:    func(m *protocol.Message) bool { return m.AccountName != "" && m.UserName() != "" },
			claimant: accountName,
		},
		protocol.ActionUsersRequest: {
			handle:   s.handleUsersRequest,
			valid:    func(m *protocol.Message) bool { return m.AccountName != "" },
			claimant: accountName,
		},
		protocol.ActionPublicKeyRequest: {
			handle:   s.handlePublicKeyRequest,
			valid:    func(m *protocol.Message) bool { return m.AccountName != "" && m.UserName() != "" },
			claimant: accountName,
		},
	}
}

// dispatch handles one inbound message from c. A nil msg is an envelope that
// could not be decoded into its fields.
func (s *Server) dispatch(c *Conn, msg *protocol.Message) {
	if c.state == stateChallengeIssued {
		s.completeChallenge(c, msg)
		return
	}

	if msg == nil {
		debugLog.Printf("Malformed envelope from %s", c.Addr)
		s.send(c, protocol.Error(errRequestIncorrect))
		return
	}

	r, ok := s.routes[msg.Action]
	if !ok || !r.valid(msg) {
		debugLog.Printf("Rejected request from %s: action=%q", c.Addr, msg.Action)
		s.send(c, protocol.Error(errRequestIncorrect))
		return
	}

	if msg.Action != protocol.ActionPresence && !c.authenticated() {
		s.send(c, protocol.Error(errNotAuthenticated))
		return
	}

	if r.claimant != nil {
		bound, ok := s.registry.Lookup(r.claimant(msg))
		if !ok || bound != c {
			debugLog.Printf("Identity mismatch from %s: %s claimed %q", c.Addr, c.username, r.claimant(msg))
			s.send(c, protocol.Error(errRequestIncorrect))
			return
		}
	}

	r.handle(c, msg)
}
