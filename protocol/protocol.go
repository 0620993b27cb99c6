package protocol

import (
	"errors"
	"strings"
)

var ErrInvalidPacket = errors.New("invalid packet format")

// Packet tags. Client to server: login, request, push, release.
// Server to clients: setid, name, remove, load, update, history,
// error, info, kill. The release tag travels both directions.
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

	// Declared in the client dispatch surface but with no committed
	// behaviour. The server answers these with an info packet.
	TagDelete  = "delete"
	TagUndo    = "undo"
	TagDisable = "disable"
)

// NoCodelet is the codelet-id sentinel a push carries to request
// creation of a brand-new codelet.
const NoCodelet = -1

type Packet struct {
	Type   string
	Fields []string
}

// ParsePacket parses a single newline-terminated frame of the form
// type|field1|field2|... with backslash-escaped field contents.
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

// FormatPacket builds a frame from a tag and fields, escaping each
// field separately so text containing |, newlines or backslashes
// survives the wire intact.
func FormatPacket(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(pktType))

	for _, field := range fields {
		parts = append(parts, Escape(field))
	}

	return strings.Join(parts, "|") + "\n"
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
				// Unknown escape, keep as-is
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
