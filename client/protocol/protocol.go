// Package protocol is the client-side copy of the CodeBank wire
// protocol: newline-delimited frames of |-separated, backslash-escaped
// fields, plus the TCP client that speaks it.
package protocol

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

var ErrInvalidPacket = errors.New("invalid packet format")

const (
	TagLogin   = "login"
	TagSetID   = "setid"
	TagName    = "name"
	TagRemove  = "remove"
	TagRequest = "request"
	TagLoad    = "load"
	TagRelease = "release"
	TagPush    = "push"
	TagUpdate  = "update"
	TagHistory = "history"
	TagError   = "error"
	TagInfo    = "info"
	TagKill    = "kill"
)

// NoCodelet is sent as the codelet id of a push that should create a
// brand-new codelet. It also marks "not editing anything" locally.
const NoCodelet = -1

type Packet struct {
	Type   string
	Fields []string
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	parts := splitUnescaped(line, '|')
	if len(parts) == 0 || parts[0] == "" {
		return nil, ErrInvalidPacket
	}

	pkt := &Packet{Type: unescape(parts[0])}
	for _, part := range parts[1:] {
		pkt.Fields = append(pkt.Fields, unescape(part))
	}

	return pkt, nil
}

func FormatPacket(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(pktType))

	for _, field := range fields {
		parts = append(parts, Escape(field))
	}

	return strings.Join(parts, "|") + "\n"
}

// Digest is the credential transform applied before login: the hex
// md5 of the shared password. The password itself never leaves the
// client.
func Digest(password string) string {
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Client is a CodeBank protocol connection.
type Client struct {
	conn      net.Conn
	reader    *bufio.Reader
	sendMu    sync.Mutex
	connected bool
	done      chan struct{}

	// OnPacket receives every inbound packet, in arrival order.
	OnPacket func(*Packet)
	// OnDisconnect fires once when the connection drops.
	OnDisconnect func(err error)
}

func NewClient() *Client {
	return &Client{done: make(chan struct{})}
}

func (c *Client) Connect(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected = true

	go c.readLoop()

	return nil
}

// Login sends the credential frame. The server answers with setid on
// success, error on a bad password; both arrive via OnPacket.
func (c *Client) Login(name, password string) error {
	return c.Send(TagLogin, name, Digest(password))
}

func (c *Client) Send(tag string, fields ...string) error {
	if !c.connected {
		return errors.New("not connected")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := c.conn.Write([]byte(FormatPacket(tag, fields...)))
	return err
}

func (c *Client) IsConnected() bool {
	return c.connected
}

func (c *Client) Disconnect() error {
	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.done)
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			select {
			case <-c.done:
				// Deliberate disconnect, not an error.
			default:
				c.connected = false
				if c.OnDisconnect != nil {
					c.OnDisconnect(err)
				}
			}
			return
		}

		pkt, err := ParsePacket(line)
		if err != nil {
			continue
		}
		if c.OnPacket != nil {
			c.OnPacket(pkt)
		}
	}
}

// splitUnescaped splits a string on a delimiter, skipping escaped characters
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

// unescape decodes escaped characters
func unescape(s string) string {
	var result strings.Builder
	escape := false

	for i, r := range s {
		if escape {
			switch r {
			case '|':
				result.WriteRune('|')
			case ',':
				result.WriteRune(',')
			case '\\':
				result.WriteRune('\\')
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' {
			if i < len(s)-1 {
				escape = true
				continue
			}
		}

		result.WriteRune(r)
	}

	if escape {
		result.WriteRune('\\')
	}

	return result.String()
}

// Escape encodes special characters
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
