package server

import (
	"relay/protocol"
)

// notRegistered is also the answer for registered users that are offline.
func notRegistered(username string) string {
	return username + " not registered"
}

// handleMessage routes a direct message to an online destination.
func (s *Server) handleMessage(c *Conn, msg *protocol.Message) {
	dest, ok := s.registry.Lookup(msg.Destination)
	if !ok {
		s.metrics.messageRejected()
		s.send(c, protocol.Error(notRegistered(msg.Destination)))
		return
	}

	frame, err := protocol.EncodeMessage(msg)
	if err != nil {
		errorLog.Printf("Failed to encode message from %s: %v", msg.Sender, err)
		s.send(c, protocol.Error(errInternal))
		return
	}

	if !dest.enqueue(frame) {
		errorLog.Printf("Destination %s is not accepting frames, dropping its session", msg.Destination)
		s.teardown(dest, "unreachable")
		s.metrics.messageRejected()
		s.send(c, protocol.Error(notRegistered(msg.Destination)))
		return
	}

	if err := s.store.ProcessMessage(msg.Sender, msg.Destination); err != nil {
		errorLog.Printf("Failed to record message %s -> %s: %v", msg.Sender, msg.Destination, err)
	}
	s.metrics.messageDelivered()
	debugLog.Printf("Message from %s delivered to %s", msg.Sender, msg.Destination)

	s.send(c, protocol.OK())
}
