// Package state reconciles inbound server packets into the local view
// of the shared codelets and forwards render/evaluate instructions to
// the external collaborator (UI, interpreter bridge).
package state

import (
	"sort"
	"strconv"
	"sync"

	"codebank-client/protocol"
)

// Sink is the render/evaluate collaborator: it must display and
// execute committed text, and mark/unmark exclusive ownership of a
// codelet.
type Sink interface {
	Evaluate(codeletID, userID int, text string)
	MarkOwned(codeletID, userID int)
	ClearOwned(codeletID int)
}

type User struct {
	ID     int
	Name   string
	Colour string
}

type Codelet struct {
	ID      int
	Owner   int // user id, 0 when free
	Content string
	Order   int
}

type Reconciler struct {
	mu       sync.Mutex
	sink     Sink
	myID     int
	editing  int // codelet id loaded locally, NoCodelet when idle
	users    map[int]User
	codelets map[int]*Codelet
	created  []int
	// effects collected under mu, run after it is released, so sink
	// and callback code may call back into the reconciler freely.
	pending []func()

	// OnChange fires after every applied packet that altered state.
	OnChange func()
	// OnConsole receives error/info text for local display. Server
	// errors are messages to show, not conditions to raise.
	OnConsole func(msg string)
	// OnKill fires when the server announces shutdown.
	OnKill func(reason string)
}

func NewReconciler(sink Sink) *Reconciler {
	return &Reconciler{
		sink:     sink,
		editing:  protocol.NoCodelet,
		users:    make(map[int]User),
		codelets: make(map[int]*Codelet),
	}
}

type applyFunc func(*Reconciler, *protocol.Packet)

// apply maps each inbound tag to its handler. The table is static so
// the dispatch surface is visible in one place.
var apply = map[string]applyFunc{
	protocol.TagSetID:   (*Reconciler).applySetID,
	protocol.TagName:    (*Reconciler).applyName,
	protocol.TagRemove:  (*Reconciler).applyRemove,
	protocol.TagLoad:    (*Reconciler).applyLoad,
	protocol.TagRelease: (*Reconciler).applyRelease,
	protocol.TagUpdate:  (*Reconciler).applyUpdate,
	protocol.TagHistory: (*Reconciler).applyHistory,
	protocol.TagError:   (*Reconciler).applyError,
	protocol.TagInfo:    (*Reconciler).applyInfo,
	protocol.TagKill:    (*Reconciler).applyKill,
}

// Apply dispatches one inbound packet. Unknown tags are ignored so an
// older client survives a newer server.
func (r *Reconciler) Apply(pkt *protocol.Packet) {
	fn, ok := apply[pkt.Type]
	if !ok {
		return
	}

	r.mu.Lock()
	fn(r, pkt)
	effects := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, effect := range effects {
		effect()
	}
	if r.OnChange != nil {
		r.OnChange()
	}
}

// effect schedules a call for after the state lock is released.
func (r *Reconciler) effect(f func()) {
	r.pending = append(r.pending, f)
}

func (r *Reconciler) applySetID(pkt *protocol.Packet) {
	if id, ok := intField(pkt, 0); ok {
		r.myID = id
	}
}

func (r *Reconciler) applyName(pkt *protocol.Packet) {
	id, ok := intField(pkt, 0)
	if !ok || len(pkt.Fields) < 2 {
		return
	}
	r.users[id] = User{ID: id, Name: pkt.Fields[1], Colour: ColourFor(id)}
}

func (r *Reconciler) applyRemove(pkt *protocol.Packet) {
	if id, ok := intField(pkt, 0); ok {
		delete(r.users, id)
	}
}

func (r *Reconciler) applyLoad(pkt *protocol.Packet) {
	userID, ok1 := intField(pkt, 0)
	codeletID, ok2 := intField(pkt, 1)
	if !ok1 || !ok2 {
		return
	}
	c, ok := r.codelets[codeletID]
	if !ok {
		return
	}
	c.Owner = userID
	if userID == r.myID {
		r.editing = codeletID
	}
	r.effect(func() { r.sink.MarkOwned(codeletID, userID) })
}

func (r *Reconciler) applyRelease(pkt *protocol.Packet) {
	userID, ok1 := intField(pkt, 0)
	codeletID, ok2 := intField(pkt, 1)
	if !ok1 || !ok2 {
		return
	}
	if c, ok := r.codelets[codeletID]; ok {
		c.Owner = 0
	}
	if userID == r.myID && r.editing == codeletID {
		r.editing = protocol.NoCodelet
	}
	r.effect(func() { r.sink.ClearOwned(codeletID) })
}

func (r *Reconciler) applyUpdate(pkt *protocol.Packet) {
	userID, ok1 := intField(pkt, 0)
	codeletID, ok2 := intField(pkt, 1)
	order, ok3 := intField(pkt, 3)
	if !ok1 || !ok2 || !ok3 {
		return
	}
	text := pkt.Fields[2]

	c := r.upsert(codeletID)
	c.Content = text
	c.Order = order
	c.Owner = 0
	if userID == r.myID && r.editing == codeletID {
		r.editing = protocol.NoCodelet
	}
	r.effect(func() {
		r.sink.ClearOwned(codeletID)
		r.sink.Evaluate(codeletID, userID, text)
	})
}

// applyHistory replays a codelet's full history in order, entry by
// entry, so a stateful interpreter ends up in the same cumulative
// state as clients that saw every live update.
func (r *Reconciler) applyHistory(pkt *protocol.Packet) {
	codeletID, ok1 := intField(pkt, 0)
	order, ok2 := intField(pkt, 1)
	count, ok3 := intField(pkt, 2)
	if !ok1 || !ok2 || !ok3 || len(pkt.Fields) < 3+2*count {
		return
	}

	c := r.upsert(codeletID)
	c.Order = order
	for i := 0; i < count; i++ {
		userID, _ := strconv.Atoi(pkt.Fields[3+2*i])
		text := pkt.Fields[4+2*i]
		c.Content = text
		r.effect(func() { r.sink.Evaluate(codeletID, userID, text) })
	}
}

func (r *Reconciler) applyError(pkt *protocol.Packet) {
	if len(pkt.Fields) >= 2 {
		r.console("error: " + pkt.Fields[1])
	}
}

func (r *Reconciler) applyInfo(pkt *protocol.Packet) {
	if len(pkt.Fields) >= 1 {
		r.console(pkt.Fields[0])
	}
}

func (r *Reconciler) applyKill(pkt *protocol.Packet) {
	reason := ""
	if len(pkt.Fields) >= 1 {
		reason = pkt.Fields[0]
	}
	r.effect(func() {
		if r.OnKill != nil {
			r.OnKill(reason)
		}
	})
}

func (r *Reconciler) console(msg string) {
	r.effect(func() {
		if r.OnConsole != nil {
			r.OnConsole(msg)
		}
	})
}

func (r *Reconciler) upsert(codeletID int) *Codelet {
	c, ok := r.codelets[codeletID]
	if !ok {
		c = &Codelet{ID: codeletID}
		r.codelets[codeletID] = c
		r.created = append(r.created, codeletID)
	}
	return c
}

func intField(pkt *protocol.Packet, i int) (int, bool) {
	if i >= len(pkt.Fields) {
		return 0, false
	}
	v, err := strconv.Atoi(pkt.Fields[i])
	if err != nil {
		return 0, false
	}
	return v, true
}

// MyID returns the id assigned by the server, 0 before setid arrives.
func (r *Reconciler) MyID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.myID
}

// Editing returns the codelet loaded for local editing, NoCodelet
// when idle.
func (r *Reconciler) Editing() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.editing
}

// CanRequest reports whether local policy allows requesting the
// codelet: one edit at a time, and only of a free codelet.
func (r *Reconciler) CanRequest(codeletID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.editing != protocol.NoCodelet {
		return false
	}
	c, ok := r.codelets[codeletID]
	return ok && c.Owner == 0
}

// Codelets returns a snapshot in creation order.
func (r *Reconciler) Codelets() []Codelet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Codelet, 0, len(r.created))
	for _, id := range r.created {
		out = append(out, *r.codelets[id])
	}
	return out
}

// Codelet returns a snapshot of one codelet.
func (r *Reconciler) Codelet(id int) (Codelet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codelets[id]
	if !ok {
		return Codelet{}, false
	}
	return *c, true
}

// Users returns a snapshot sorted by id.
func (r *Reconciler) Users() []User {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
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

// ColourFor derives a user's display colour from its id, the same
// way for every client.
func ColourFor(id int) string {
	if id < 1 {
		return palette[0]
	}
	return palette[(id-1)%len(palette)]
}
