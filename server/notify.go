package server

import (
	"relay/protocol"
)

// broadcastListsChanged queues a 205 for every online session and returns how
// many accepted it. A session that refuses is torn down; the rest still get it.
func (s *Server) broadcastListsChanged() int {
	frame, err := protocol.EncodeMessage(protocol.ListsChanged())
	if err != nil {
		errorLog.Printf("Failed to encode broadcast: %v", err)
		return 0
	}

	sent := 0
	for _, username := range s.registry.ListActive() {
		c, ok := s.registry.Lookup(username)
		if !ok {
			continue
		}
		if !c.enqueue(frame) {
			errorLog.Printf("Broadcast to %s failed, dropping its session", username)
			s.teardown(c, "unreachable")
			continue
		}
		sent++
	}

	s.metrics.broadcastSent(sent)
	debugLog.Printf("Lists-changed broadcast reached %d sessions", sent)
	return sent
}
