package store

import (
	"testing"

	"codebank/models"
)

func TestCreateAllocatesMonotonicIds(t *testing.T) {
	s := New()

	for want := 1; want <= 5; want++ {
		c := s.Create()
		if c.ID != want {
			t.Errorf("Expected codelet id %d, got %d", want, c.ID)
		}
		if c.Order != 0 {
			t.Errorf("New codelet %d has order %d, expected 0", c.ID, c.Order)
		}
		if !c.Free() {
			t.Errorf("New codelet %d is not free", c.ID)
		}
	}

	if s.Len() != 5 {
		t.Errorf("Expected 5 codelets, got %d", s.Len())
	}
}

func TestCommitOrderIsGapless(t *testing.T) {
	s := New()
	c := s.Create()

	texts := []string{"d1 >> bass()", "d1 >> bass() >> 2", "d1 >> bass() >> 3"}
	for i, text := range texts {
		order := s.Commit(c, 1, text)
		if order != i+1 {
			t.Errorf("Commit %d returned order %d", i+1, order)
		}
		if c.Order != i+1 {
			t.Errorf("Codelet order is %d after commit %d", c.Order, i+1)
		}
		if !c.Free() {
			t.Errorf("Codelet still owned after commit %d", i+1)
		}
	}

	if len(c.History) != c.Order {
		t.Errorf("History length %d does not match order %d", len(c.History), c.Order)
	}
}

func TestCommitFreesCodelet(t *testing.T) {
	s := New()
	c := s.Create()
	c.Owner = 2

	s.Commit(c, 2, "p1 >> pluck()")

	if c.Owner != models.NoOwner {
		t.Errorf("Expected codelet freed after commit, owner is %d", c.Owner)
	}
}

func TestReplayReproducesContent(t *testing.T) {
	s := New()
	c := s.Create()

	s.Commit(c, 1, "d1 >> bass()")
	s.Commit(c, 2, "d1 >> bass() >> 2")
	s.Commit(c, 1, "d1 >> bass() >> 3")

	if got := Replay(c); got != c.Content {
		t.Errorf("Replay produced %q, content is %q", got, c.Content)
	}
	if c.History[len(c.History)-1].Text != c.Content {
		t.Errorf("Last history entry %q does not match content %q",
			c.History[len(c.History)-1].Text, c.Content)
	}
}

func TestAllReturnsCreationOrder(t *testing.T) {
	s := New()
	for i := 0; i < 4; i++ {
		s.Create()
	}

	all := s.All()
	if len(all) != 4 {
		t.Fatalf("Expected 4 codelets, got %d", len(all))
	}
	for i, c := range all {
		if c.ID != i+1 {
			t.Errorf("Position %d holds codelet %d", i, c.ID)
		}
	}
}
