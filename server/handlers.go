package server

import (
	"log"
	"strconv"

	"codebank/journal"
	"codebank/models"
	"codebank/protocol"
)

type handlerFunc func(*Server, *Session, *protocol.Packet)

// handlers maps a packet tag to its handler. Registration is explicit
// here rather than hidden in per-connection closures.
var handlers = map[string]handlerFunc{
	protocol.TagRequest: (*Server).handleRequest,
	protocol.TagPush:    (*Server).handlePush,
	protocol.TagRelease: (*Server).handleRelease,
	protocol.TagLogin:   (*Server).handleRelogin,
	protocol.TagDelete:  (*Server).handleUnsupported,
	protocol.TagUndo:    (*Server).handleUnsupported,
	protocol.TagDisable: (*Server).handleUnsupported,
}

// intFields parses n leading integer fields of a packet.
func intFields(pkt *protocol.Packet, n int) ([]int, bool) {
	if len(pkt.Fields) < n {
		return nil, false
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		v, err := strconv.Atoi(pkt.Fields[i])
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// claimsIdentity verifies the user id a packet carries against the
// session it arrived on. The id assigned at login is authoritative.
func (s *Server) claimsIdentity(sess *Session, userID int) bool {
	if userID != sess.ID {
		log.Printf("User %d sent a packet claiming id %d", sess.ID, userID)
		s.errorTo(sess, "Identity mismatch")
		return false
	}
	return true
}

// handleRequest grants the codelet lock if the codelet exists, is
// free, and the requester holds no other lock. Losing a request race
// is expected, so a refused request is dropped without a reply.
func (s *Server) handleRequest(sess *Session, pkt *protocol.Packet) {
	ids, ok := intFields(pkt, 2)
	if !ok {
		s.errorTo(sess, "Invalid request packet")
		return
	}
	userID, codeletID := ids[0], ids[1]

	if !s.claimsIdentity(sess, userID) {
		return
	}

	s.mu.Lock()

	c, exists := s.store.Get(codeletID)
	if !exists {
		s.mu.Unlock()
		log.Printf("User %d requested unknown codelet %d", userID, codeletID)
		return
	}
	if !c.Free() {
		owner := c.Owner
		s.mu.Unlock()
		log.Printf("User %d lost the race for codelet %d to user %d", userID, codeletID, owner)
		return
	}
	if held, busy := s.owned[userID]; busy {
		s.mu.Unlock()
		log.Printf("User %d requested codelet %d while editing %d", userID, codeletID, held)
		return
	}

	c.Owner = userID
	s.owned[userID] = codeletID
	s.broadcastLocked(protocol.FormatPacket(protocol.TagLoad,
		strconv.Itoa(userID), strconv.Itoa(codeletID)))
	s.mu.Unlock()

	s.record(journal.EventRequest, userID, codeletID, "")
}

// handlePush commits an edit: the text becomes the codelet's content,
// the order counter advances and the lock is dropped. A codelet id of
// -1 allocates a fresh codelet first.
func (s *Server) handlePush(sess *Session, pkt *protocol.Packet) {
	ids, ok := intFields(pkt, 2)
	if !ok || len(pkt.Fields) < 3 {
		s.errorTo(sess, "Invalid push packet")
		return
	}
	userID, codeletID := ids[0], ids[1]
	text := pkt.Fields[2]

	if !s.claimsIdentity(sess, userID) {
		return
	}

	s.mu.Lock()

	var c *models.Codelet
	if codeletID == protocol.NoCodelet {
		c = s.store.Create()
	} else {
		var exists bool
		c, exists = s.store.Get(codeletID)
		if !exists {
			s.mu.Unlock()
			s.errorTo(sess, "Unknown codelet "+strconv.Itoa(codeletID))
			return
		}
		if c.Owner != userID {
			s.mu.Unlock()
			s.errorTo(sess, "Codelet "+strconv.Itoa(codeletID)+" is not yours to push")
			return
		}
		delete(s.owned, userID)
	}

	order := s.store.Commit(c, userID, text)
	committedID := c.ID
	s.broadcastLocked(protocol.FormatPacket(protocol.TagUpdate,
		strconv.Itoa(userID), strconv.Itoa(committedID), text, strconv.Itoa(order)))
	s.mu.Unlock()

	s.record(journal.EventPush, userID, committedID, strconv.Itoa(order))
}

// handleRelease unlocks a codelet without committing anything.
func (s *Server) handleRelease(sess *Session, pkt *protocol.Packet) {
	ids, ok := intFields(pkt, 2)
	if !ok {
		s.errorTo(sess, "Invalid release packet")
		return
	}
	userID, codeletID := ids[0], ids[1]

	if !s.claimsIdentity(sess, userID) {
		return
	}

	s.mu.Lock()

	if held, ok := s.owned[userID]; !ok || held != codeletID {
		s.mu.Unlock()
		log.Printf("User %d released codelet %d it does not hold", userID, codeletID)
		return
	}

	if c, exists := s.store.Get(codeletID); exists {
		c.Owner = models.NoOwner
	}
	delete(s.owned, userID)
	s.broadcastLocked(protocol.FormatPacket(protocol.TagRelease,
		strconv.Itoa(userID), strconv.Itoa(codeletID)))
	s.mu.Unlock()

	s.record(journal.EventRelease, userID, codeletID, "")
}

func (s *Server) handleRelogin(sess *Session, pkt *protocol.Packet) {
	s.infoTo(sess, "Already logged in")
}

// handleUnsupported answers the declared-but-unspecified operations
// (delete, undo, disable). Their semantics are not settled, so they
// deliberately change nothing.
func (s *Server) handleUnsupported(sess *Session, pkt *protocol.Packet) {
	log.Printf("User %d sent unsupported operation %q", sess.ID, pkt.Type)
	s.infoTo(sess, pkt.Type+" is not supported by this server")
}
