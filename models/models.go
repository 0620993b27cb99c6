package models

// User is the identity record created on successful login. The colour
// is derived from the id so every client renders the same palette
// without any extra negotiation.
type User struct {
	ID     int
	Name   string
	Colour string
}

// HistoryEntry is one committed push: who pushed and the full text
// that was committed.
type HistoryEntry struct {
	UserID int
	Text   string
}

// NoOwner marks a codelet nobody is editing.
const NoOwner = 0

// Codelet is a named, independently lockable fragment of shared
// source code. Order counts committed pushes and starts at zero, so
// len(History) == Order and the last entry's text equals Content.
type Codelet struct {
	ID      int
	Owner   int // user id, or NoOwner
	Content string
	Order   int
	History []HistoryEntry
}

// Free reports whether the codelet can be handed to an editor.
func (c *Codelet) Free() bool {
	return c.Owner == NoOwner
}

var palette = []string{
	"#66D9EF",
	"#A6E22E",
	"#F92672",
	"#FD971F",
	"#AE81FF",
	"#E6DB74",
	"#75715E",
	"#F8F8F2",
}

// ColourFor returns the display colour for a user id. Ids are
// allocated from 1 upward.
func ColourFor(id int) string {
	if id < 1 {
		return palette[0]
	}
	return palette[(id-1)%len(palette)]
}

// NewUser builds the identity record for a freshly allocated id.
func NewUser(id int, name string) *User {
	return &User{ID: id, Name: name, Colour: ColourFor(id)}
}
