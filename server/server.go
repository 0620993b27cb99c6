package server

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"codebank/journal"
	"codebank/models"
	"codebank/protocol"
	"codebank/store"
)

// outboundQueueSize bounds how far a slow client may fall behind
// before it is disconnected.
const outboundQueueSize = 256

var errReplayFailed = errors.New("state replay failed")

type Server struct {
	config   *ServerConfig
	journal  *journal.Journal
	passHash []byte // bcrypt hash of the shared password digest

	// mu is the single critical section of the whole server. Every
	// mutation of the codelet store, the session registry and the
	// owned map happens under it, together with the enqueue of the
	// corresponding broadcast, so all clients observe the same total
	// order of events.
	mu         sync.Mutex
	store      *store.Store
	sessions   map[int]*Session
	owned      map[int]int // user id -> codelet id currently locked
	nextUserID int

	listener net.Listener
	stopping bool
}

type ServerConfig struct {
	Port         int
	Password     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Session binds an authenticated user to its live connection.
// Outbound packets go through a buffered queue drained by one writer
// goroutine, so broadcasting from the critical section never waits on
// the network.
type Session struct {
	*models.User
	conn         net.Conn
	out          chan string
	done         chan struct{}
	flushed      chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newSession(user *models.User, conn net.Conn, writeTimeout time.Duration) *Session {
	return &Session{
		User:         user,
		conn:         conn,
		out:          make(chan string, outboundQueueSize),
		done:         make(chan struct{}),
		flushed:      make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (sess *Session) writeLoop() {
	defer func() {
		sess.conn.Close()
		close(sess.flushed)
	}()

	for {
		select {
		case pkt := <-sess.out:
			if !sess.write(pkt) {
				return
			}
		case <-sess.done:
			// Flush what is already queued, then close.
			for {
				select {
				case pkt := <-sess.out:
					if !sess.write(pkt) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (sess *Session) write(pkt string) bool {
	sess.conn.SetWriteDeadline(time.Now().Add(sess.writeTimeout))
	if _, err := sess.conn.Write([]byte(pkt)); err != nil {
		log.Printf("Error writing to user %d: %v", sess.ID, err)
		return false
	}
	return true
}

// enqueue hands a packet to the writer goroutine without blocking.
// Returns false if the session is closed or its queue is full.
func (sess *Session) enqueue(pkt string) bool {
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.out <- pkt:
		return true
	default:
		return false
	}
}

// close asks the writer goroutine to flush and shut the connection.
func (sess *Session) close() {
	sess.closeOnce.Do(func() {
		close(sess.done)
	})
}

// Digest is the credential transform clients apply before the login
// frame: the hex md5 of the shared password. The server never sees
// the password itself.
func Digest(password string) string {
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

func New(config *ServerConfig, jnl *journal.Journal) *Server {
	hash, err := bcrypt.GenerateFromPassword([]byte(Digest(config.Password)), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	return &Server{
		config:   config,
		journal:  jnl,
		passHash: hash,
		store:    store.New(),
		sessions: make(map[int]*Session),
		owned:    make(map[int]int),
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	defer listener.Close()

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Printf("CodeBank server %s running on port %d", serverHost(), s.config.Port)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				return nil
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// serverHost is the name the server announces itself with at startup.
func serverHost() string {
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "localhost"
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	log.Printf("New connection from %s", remoteAddr)

	reader := bufio.NewReader(conn)

	sess, err := s.handshake(conn, reader, remoteAddr)
	if err != nil {
		return
	}

	s.readLoop(sess, reader, remoteAddr)
	s.teardown(sess, remoteAddr)
}

// handshake performs the login exchange. On a bad credential the
// connection is answered with an error packet and no user id is
// allocated, no session created, nothing broadcast.
func (s *Server) handshake(conn net.Conn, reader *bufio.Reader, remoteAddr string) (*Session, error) {
	conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	line, err := reader.ReadString('\n')
	if err != nil {
		log.Printf("Client disconnected from %s before login", remoteAddr)
		return nil, err
	}

	pkt, err := protocol.ParsePacket(line)
	if err != nil || pkt.Type != protocol.TagLogin || len(pkt.Fields) < 2 {
		s.writeDirect(conn, protocol.FormatPacket(protocol.TagError, "-1", "Expected login"))
		log.Printf("Invalid login packet from %s", remoteAddr)
		return nil, protocol.ErrInvalidPacket
	}

	name, digest := pkt.Fields[0], pkt.Fields[1]

	if bcrypt.CompareHashAndPassword(s.passHash, []byte(digest)) != nil {
		s.writeDirect(conn, protocol.FormatPacket(protocol.TagError, "-1", "Failed login."))
		log.Printf("Failed login attempt from %s", remoteAddr)
		return nil, protocol.ErrInvalidPacket
	}

	s.mu.Lock()

	s.nextUserID++
	user := models.NewUser(s.nextUserID, name)
	sess := newSession(user, conn, s.config.WriteTimeout)

	// The replay is written synchronously, before the writer goroutine
	// starts and before the session joins the broadcast set: the
	// outbound queue cannot truncate it however many codelets exist,
	// and the late joiner never sees a live update interleaved with a
	// codelet's history. The write deadline bounds how long the replay
	// can hold the lock.
	replay := []string{protocol.FormatPacket(protocol.TagSetID, strconv.Itoa(user.ID))}
	for _, other := range s.sessions {
		replay = append(replay, protocol.FormatPacket(protocol.TagName, strconv.Itoa(other.ID), other.Name))
	}
	for _, c := range s.store.All() {
		replay = append(replay, historyPacket(c))
	}
	for _, pkt := range replay {
		if !sess.write(pkt) {
			s.mu.Unlock()
			log.Printf("Replay to %s failed", remoteAddr)
			return nil, errReplayFailed
		}
	}

	go sess.writeLoop()
	s.sessions[user.ID] = sess
	s.broadcastLocked(protocol.FormatPacket(protocol.TagName, strconv.Itoa(user.ID), user.Name))
	s.mu.Unlock()

	s.record(journal.EventLogin, user.ID, 0, user.Name)

	log.Printf("User %q logged in as id %d from %s", user.Name, user.ID, remoteAddr)
	return sess, nil
}

func (s *Server) readLoop(sess *Session, reader *bufio.Reader, remoteAddr string) {
	for {
		sess.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// An idle performer is fine, keep waiting.
				continue
			}
			if err != io.EOF && !strings.Contains(err.Error(), "use of closed network connection") {
				log.Printf("Error reading from %s: %v", remoteAddr, err)
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		pkt, err := protocol.ParsePacket(line + "\n")
		if err != nil {
			// A malformed frame terminates this connection only.
			log.Printf("Parse error from %s: %v, line: %q", remoteAddr, err, line)
			s.errorTo(sess, "Invalid packet format")
			return
		}

		// Login frames carry the credential digest, keep them out of
		// the log.
		if pkt.Type != protocol.TagLogin {
			log.Printf("Received from %s: %q", remoteAddr, line)
		}

		handler, ok := handlers[pkt.Type]
		if !ok {
			log.Printf("Unknown packet type %q from %s", pkt.Type, remoteAddr)
			s.errorTo(sess, "Unknown packet type")
			return
		}

		handler(s, sess, pkt)
	}
}

// teardown releases any codelet the departing user still holds,
// removes the session and announces the departure. The release
// broadcast precedes the remove broadcast, so no other client can
// observe a vanished user still holding a lock.
func (s *Server) teardown(sess *Session, remoteAddr string) {
	s.mu.Lock()

	codeletID, released := s.owned[sess.ID]
	if released {
		if c, exists := s.store.Get(codeletID); exists {
			c.Owner = models.NoOwner
		}
		delete(s.owned, sess.ID)
		s.broadcastLocked(protocol.FormatPacket(protocol.TagRelease,
			strconv.Itoa(sess.ID), strconv.Itoa(codeletID)))
	}

	delete(s.sessions, sess.ID)
	s.broadcastLocked(protocol.FormatPacket(protocol.TagRemove, strconv.Itoa(sess.ID)))

	s.mu.Unlock()

	if released {
		s.record(journal.EventRelease, sess.ID, codeletID, "disconnect")
	}
	s.record(journal.EventDisconnect, sess.ID, 0, "")

	sess.close()
	<-sess.flushed
	log.Printf("User %d disconnected from %s", sess.ID, remoteAddr)
}

// broadcastLocked queues a packet for every registered session. Must
// be called with s.mu held. A session whose queue has overflowed is
// disconnected; it can reconnect and replay.
func (s *Server) broadcastLocked(pkt string) {
	for _, sess := range s.sessions {
		if !sess.enqueue(pkt) {
			log.Printf("Dropping slow client %d (%s)", sess.ID, sess.Name)
			sess.close()
		}
	}
}

// record journals an event. Called after the critical section is
// released: the sqlite write must never extend it.
func (s *Server) record(kind string, userID, codeletID int, detail string) {
	if err := s.journal.Record(kind, userID, codeletID, detail); err != nil {
		log.Printf("Journal write failed: %v", err)
	}
}

// errorTo reports a failure to the offending client only.
func (s *Server) errorTo(sess *Session, msg string) {
	sess.enqueue(protocol.FormatPacket(protocol.TagError, strconv.Itoa(sess.ID), msg))
}

func (s *Server) infoTo(sess *Session, msg string) {
	sess.enqueue(protocol.FormatPacket(protocol.TagInfo, msg))
}

// writeDirect writes on a connection that has no session yet.
func (s *Server) writeDirect(conn net.Conn, pkt string) {
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if _, err := conn.Write([]byte(pkt)); err != nil {
		log.Printf("Error writing to connection: %v", err)
	}
}

func historyPacket(c *models.Codelet) string {
	fields := []string{
		strconv.Itoa(c.ID),
		strconv.Itoa(c.Order),
		strconv.Itoa(len(c.History)),
	}
	for _, entry := range c.History {
		fields = append(fields, strconv.Itoa(entry.UserID), entry.Text)
	}
	return protocol.FormatPacket(protocol.TagHistory, fields...)
}

// Shutdown broadcasts a kill notification so clients can detach
// cleanly, then closes the listener and every connection.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	s.stopping = true
	s.broadcastLocked(protocol.FormatPacket(protocol.TagKill, reason))
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	listener := s.listener
	s.mu.Unlock()

	s.record(journal.EventShutdown, 0, 0, reason)

	if listener != nil {
		listener.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}
	// Writer goroutines flush the kill packet before closing; the
	// write deadline bounds how long a stalled client can hold this up.
	for _, sess := range sessions {
		<-sess.flushed
	}
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []string
	for _, sess := range s.sessions {
		users = append(users, sess.Name)
	}

	stats := "connections=" + strconv.Itoa(len(s.sessions)) +
		",users=" + strings.Join(users, ";") +
		",codelets=" + strconv.Itoa(s.store.Len())

	if s.journal != nil {
		if n, err := s.journal.Count(); err == nil {
			stats += ",events=" + strconv.Itoa(n)
		}
	}

	return stats
}
