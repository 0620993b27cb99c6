// Package ui is the terminal front end: a codelet list, a workspace
// for the fragment being edited, and a console that stands in for the
// interpreter bridge (it displays what would be evaluated).
package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"codebank-client/protocol"
	"codebank-client/state"
)

type App struct {
	serverAddr string
	name       string
	password   string

	app       *tview.Application
	client    *protocol.Client
	rec       *state.Reconciler
	codelets  *tview.List
	workspace *tview.TextArea
	console   *tview.TextView
	statusBar *tview.TextView
}

func NewApp(serverAddr, name, password string) *App {
	a := &App{
		serverAddr: serverAddr,
		name:       name,
		password:   password,
		app:        tview.NewApplication(),
	}
	a.rec = state.NewReconciler(a)
	return a
}

func (a *App) Run() error {
	a.buildLayout()

	a.client = protocol.NewClient()
	if err := a.client.Connect(a.serverAddr); err != nil {
		return fmt.Errorf("connect to %s: %w", a.serverAddr, err)
	}

	a.client.OnPacket = a.rec.Apply
	a.client.OnDisconnect = func(err error) {
		a.app.QueueUpdateDraw(func() {
			a.statusBar.SetText(fmt.Sprintf(" [red]Disconnected: %v[-] | Ctrl-C: quit ", err))
		})
	}

	a.rec.OnChange = func() {
		a.app.QueueUpdateDraw(a.refresh)
	}
	a.rec.OnConsole = func(msg string) {
		fmt.Fprintf(a.console, "%s\n", tview.Escape(msg))
	}
	a.rec.OnKill = func(reason string) {
		a.app.QueueUpdateDraw(func() {
			a.statusBar.SetText(fmt.Sprintf(" [red]Server stopped: %s[-] | Ctrl-C: quit ", reason))
		})
		a.client.Disconnect()
	}

	if err := a.client.Login(a.name, a.password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	defer a.client.Disconnect()
	return a.app.Run()
}

func (a *App) buildLayout() {
	a.codelets = tview.NewList().ShowSecondaryText(true)
	a.codelets.SetBorder(true).SetTitle(" Codelets (Enter: edit) ")
	a.codelets.SetSelectedFunc(func(index int, _, _ string, _ rune) {
		a.requestSelected(index)
	})

	a.workspace = tview.NewTextArea()
	a.workspace.SetBorder(true).SetTitle(" Workspace (Ctrl-P: push, Esc: release) ")

	a.console = tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	a.console.SetBorder(true).SetTitle(" Console ")
	a.console.SetChangedFunc(func() { a.app.Draw() })

	a.statusBar = tview.NewTextView().SetDynamicColors(true)
	a.statusBar.SetText(" Connecting... ")

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.workspace, 0, 2, true).
		AddItem(a.console, 0, 1, false)

	body := tview.NewFlex().
		AddItem(a.codelets, 40, 0, false).
		AddItem(right, 0, 1, true)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlP:
			a.push()
			return nil
		case tcell.KeyEscape:
			a.release()
			return nil
		case tcell.KeyCtrlL:
			a.app.SetFocus(a.codelets)
			return nil
		}
		return event
	})
}

// requestSelected asks the server for the lock on the clicked
// codelet. One edit at a time: while a codelet is loaded no further
// request leaves this client.
func (a *App) requestSelected(index int) {
	codelets := a.rec.Codelets()
	if index < 0 || index >= len(codelets) {
		return
	}
	id := codelets[index].ID
	if !a.rec.CanRequest(id) {
		return
	}
	a.client.Send(protocol.TagRequest, strconv.Itoa(a.rec.MyID()), strconv.Itoa(id))
}

// push commits the workspace text: to the loaded codelet if one is
// held, otherwise as a brand-new codelet.
func (a *App) push() {
	text := a.workspace.GetText()
	if strings.TrimSpace(text) == "" {
		return
	}
	codeletID := a.rec.Editing()
	a.client.Send(protocol.TagPush,
		strconv.Itoa(a.rec.MyID()), strconv.Itoa(codeletID), text)
	a.workspace.SetText("", false)
}

func (a *App) release() {
	codeletID := a.rec.Editing()
	if codeletID == protocol.NoCodelet {
		return
	}
	a.client.Send(protocol.TagRelease,
		strconv.Itoa(a.rec.MyID()), strconv.Itoa(codeletID))
	a.workspace.SetText("", false)
}

// Evaluate implements state.Sink. Execution belongs to the external
// interpreter; here the committed code is shown on the console.
func (a *App) Evaluate(codeletID, userID int, text string) {
	colour := state.ColourFor(userID)
	fmt.Fprintf(a.console, "[%s]>>> codelet %d[-]\n%s\n", colour, codeletID, tview.Escape(text))
}

// MarkOwned implements state.Sink: grey out the codelet and, when the
// lock is ours, pull its text into the workspace.
func (a *App) MarkOwned(codeletID, userID int) {
	if userID == a.rec.MyID() {
		if c, ok := a.rec.Codelet(codeletID); ok {
			a.app.QueueUpdateDraw(func() {
				a.workspace.SetText(c.Content, false)
				a.app.SetFocus(a.workspace)
			})
		}
	}
}

// ClearOwned implements state.Sink.
func (a *App) ClearOwned(codeletID int) {}

func (a *App) refresh() {
	selected := a.codelets.GetCurrentItem()
	a.codelets.Clear()
	for _, c := range a.rec.Codelets() {
		title := fmt.Sprintf("codelet %d (order %d)", c.ID, c.Order)
		if c.Owner != 0 {
			title += fmt.Sprintf(" [locked by %d]", c.Owner)
		}
		line := firstLine(c.Content)
		a.codelets.AddItem(title, line, 0, nil)
	}
	if selected < a.codelets.GetItemCount() {
		a.codelets.SetCurrentItem(selected)
	}

	var peers []string
	for _, u := range a.rec.Users() {
		peers = append(peers, fmt.Sprintf("[%s]%s[-]", u.Colour, u.Name))
	}
	me := a.rec.MyID()
	a.statusBar.SetText(fmt.Sprintf(" id %d | peers: %s | Ctrl-P: push | Esc: release | Ctrl-L: list ",
		me, strings.Join(peers, " ")))
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
