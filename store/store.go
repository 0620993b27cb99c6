package store

import "codebank/models"

// Store is the authoritative mapping of codelet id to codelet. It is
// not internally synchronized: the server mutates it only inside its
// single critical section, which also owns the id counter here.
type Store struct {
	codelets map[int]*models.Codelet
	order    []int // creation order, for deterministic replay
	nextID   int
}

func New() *Store {
	return &Store{
		codelets: make(map[int]*models.Codelet),
	}
}

// Create allocates the next codelet id and registers an empty, free
// codelet under it.
func (s *Store) Create() *models.Codelet {
	s.nextID++
	c := &models.Codelet{
		ID:    s.nextID,
		Owner: models.NoOwner,
	}
	s.codelets[c.ID] = c
	s.order = append(s.order, c.ID)
	return c
}

func (s *Store) Get(id int) (*models.Codelet, bool) {
	c, ok := s.codelets[id]
	return c, ok
}

// All returns every codelet in creation order.
func (s *Store) All() []*models.Codelet {
	out := make([]*models.Codelet, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.codelets[id])
	}
	return out
}

func (s *Store) Len() int {
	return len(s.codelets)
}

// Commit records a push: appends to the history, replaces the
// content, bumps the order counter and frees the codelet. Returns the
// new order value. Per codelet the returned values are 1, 2, 3, ...
// with no gaps, which is what lets every client converge on the same
// (content, order) pair.
func (s *Store) Commit(c *models.Codelet, userID int, text string) int {
	c.History = append(c.History, models.HistoryEntry{UserID: userID, Text: text})
	c.Content = text
	c.Order++
	c.Owner = models.NoOwner
	return c.Order
}

// Replay folds a codelet's history in order and returns the final
// text. For a consistent store this equals the codelet's content.
func Replay(c *models.Codelet) string {
	var text string
	for _, entry := range c.History {
		text = entry.Text
	}
	return text
}
