package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jroimartin/gocui"
	"github.com/putto11262002/vocalroom/core"
	"github.com/putto11262002/vocalroom/pkg/client"
	"github.com/putto11262002/vocalroom/pkg/proto"
)

const (
	messagesView = "messages"
	roomsView    = "rooms"
	membersView  = "members"
	statusView   = "status"
	inputView    = "input"
	helpView     = "help"
)

const helpText = `Commands:
/rooms                     - Refresh the room list
/create <name> [cap] [pw]  - Create a room
/join <room id> [pw]       - Join a room
/leave                     - Leave the current room
/delete <room id>          - Delete an empty room
/ping                      - Measure latency
/reconnect                 - Reconnect after giving up
/quit                      - Quit

Keybindings:
Ctrl-C  - Quit
F1      - Toggle help
Enter   - Send message or command`

type UI struct {
	gui      *gocui.Gui
	client   *client.Client
	names    proto.Names
	username string
	room     *client.RoomView
	subs     []*client.Subscription

	mu       sync.Mutex
	rooms    []core.Room
	notice   string
	showHelp bool
}

func NewUI(c *client.Client, names proto.Names, username string) (*UI, error) {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return nil, err
	}
	ui := &UI{
		gui:      g,
		client:   c,
		names:    names,
		username: username,
		room:     client.NewRoomView(names),
	}
	g.Cursor = true
	g.SetManagerFunc(ui.layout)

	ui.room.Bind(c)
	for _, t := range []string{
		names.ChatMessage,
		names.MessageDeleted,
		names.UserJoinedRoom,
		names.UserLeftRoom,
		names.UserTyping,
		names.UserStoppedTyping,
		names.RoomJoinSuccess,
		names.RoomLeaveSuccess,
	} {
		ui.subs = append(ui.subs, c.Subscribe(t, func(*core.Event) { ui.redraw() }))
	}
	for _, t := range []string{names.RoomCreated, names.RoomDeleted, names.RoomUserCount} {
		ui.subs = append(ui.subs, c.Subscribe(t, func(*core.Event) { go ui.refreshRooms() }))
	}
	ui.subs = append(ui.subs, c.OnStatus(func(client.Status) { ui.redraw() }))
	return ui, nil
}

func (ui *UI) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()
	sidebar := 30
	msgWidth := maxX - sidebar - 1
	msgHeight := maxY - 6
	roomsHeight := msgHeight / 2

	if v, err := g.SetView(messagesView, 0, 0, msgWidth, msgHeight); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Wrap = true
		v.Autoscroll = true
	}
	if v, err := g.SetView(roomsView, msgWidth+1, 0, maxX-1, roomsHeight); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Rooms"
		go ui.refreshRooms()
	}
	if v, err := g.SetView(membersView, msgWidth+1, roomsHeight+1, maxX-1, msgHeight); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Members"
	}
	if v, err := g.SetView(statusView, 0, msgHeight+1, maxX-1, msgHeight+3); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Status"
		v.Wrap = true
	}
	if v, err := g.SetView(inputView, 0, msgHeight+3, maxX-1, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Input"
		v.Editable = true
		v.Editor = gocui.EditorFunc(ui.edit)
		if _, err := g.SetCurrentView(inputView); err != nil {
			return err
		}
	}

	if ui.showHelp {
		if v, err := g.SetView(helpView, maxX/6, maxY/6, maxX*5/6, maxY*5/6); err != nil {
			if err != gocui.ErrUnknownView {
				return err
			}
			v.Title = "Help"
			fmt.Fprintln(v, helpText)
		}
	} else if err := g.DeleteView(helpView); err != nil && err != gocui.ErrUnknownView {
		return err
	}

	return ui.render(g)
}

// render draws the views from the room view and the client status.
func (ui *UI) render(g *gocui.Gui) error {
	if v, err := g.View(messagesView); err == nil {
		v.Clear()
		v.Title = "Messages"
		if id := ui.room.RoomID(); id != "" {
			count, capacity := ui.room.Count()
			v.Title = fmt.Sprintf("%s (%d/%d)", ui.room.Name(), count, capacity)
		}
		for _, m := range ui.room.Messages() {
			fmt.Fprintln(v, formatMessage(m))
		}
		if typing := ui.room.Typing(); len(typing) > 0 {
			fmt.Fprintf(v, "  %s typing...\n", strings.Join(typing, ", "))
		}
	}

	if v, err := g.View(membersView); err == nil {
		v.Clear()
		for _, u := range ui.room.Members() {
			fmt.Fprintln(v, u)
		}
	}

	ui.mu.Lock()
	rooms, notice := ui.rooms, ui.notice
	ui.mu.Unlock()

	if v, err := g.View(roomsView); err == nil {
		v.Clear()
		current := ui.room.RoomID()
		for _, r := range rooms {
			prefix := "  "
			if r.ID == current {
				prefix = "* "
			}
			lock := ""
			if r.HasPassword {
				lock = " [pw]"
			}
			fmt.Fprintf(v, "%s%s %d/%d%s\n  %s\n", prefix, r.Name, r.Count, r.Capacity, lock, r.ID)
		}
	}

	if v, err := g.View(statusView); err == nil {
		v.Clear()
		fmt.Fprint(v, formatStatus(ui.username, ui.client.Status()))
		if notice != "" {
			fmt.Fprintf(v, " | %s", notice)
		}
	}
	return nil
}

func formatMessage(m core.Message) string {
	ts := m.SentAt.Local().Format("15:04")
	switch {
	case m.Type == core.SystemMessage:
		return fmt.Sprintf("[%s] * %s", ts, m.Content)
	case m.File != nil:
		return fmt.Sprintf("[%s] %s: %s <%s %s>", ts, m.Sender, m.Content, m.Type, m.File.URL)
	default:
		return fmt.Sprintf("[%s] %s: %s", ts, m.Sender, m.Content)
	}
}

func formatStatus(username string, s client.Status) string {
	out := fmt.Sprintf("%s | %s", username, s.State)
	switch s.State {
	case client.Reconnecting:
		out += fmt.Sprintf(" (attempt %d)", s.Attempts)
	case client.Error:
		out += " | /reconnect to retry"
	}
	if s.Latency > 0 {
		out += fmt.Sprintf(" | %dms", s.Latency.Milliseconds())
	}
	if s.LastError != nil && s.State != client.Connected {
		out += " | " + s.LastError.Error()
	}
	return out
}

func (ui *UI) redraw() {
	ui.gui.Update(ui.render)
}

func (ui *UI) setNotice(format string, args ...any) {
	ui.mu.Lock()
	ui.notice = fmt.Sprintf(format, args...)
	ui.mu.Unlock()
	ui.redraw()
}

func (ui *UI) refreshRooms() {
	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultRequestTimeout)
	defer cancel()
	rooms, err := ui.client.RoomList(ctx, ui.names)
	if err != nil {
		ui.setNotice("rooms: %v", err)
		return
	}
	ui.mu.Lock()
	ui.rooms = rooms
	ui.mu.Unlock()
	ui.redraw()
}

// edit forwards keys to the default editor and reports typing.
func (ui *UI) edit(v *gocui.View, key gocui.Key, ch rune, mod gocui.Modifier) {
	gocui.DefaultEditor.Edit(v, key, ch, mod)
	if id := ui.room.RoomID(); id != "" && (ch != 0 || key == gocui.KeySpace) {
		_ = ui.client.StartTyping(ui.names, id)
	}
}

func (ui *UI) keybindings() error {
	if err := ui.gui.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone,
		func(*gocui.Gui, *gocui.View) error { return gocui.ErrQuit }); err != nil {
		return err
	}
	if err := ui.gui.SetKeybinding("", gocui.KeyF1, gocui.ModNone,
		func(*gocui.Gui, *gocui.View) error {
			ui.showHelp = !ui.showHelp
			return nil
		}); err != nil {
		return err
	}
	return ui.gui.SetKeybinding(inputView, gocui.KeyEnter, gocui.ModNone, ui.submit)
}

func (ui *UI) submit(g *gocui.Gui, v *gocui.View) error {
	input := strings.TrimSpace(v.Buffer())
	v.Clear()
	_ = v.SetCursor(0, 0)
	if input == "" {
		return nil
	}
	if input == "/quit" {
		return gocui.ErrQuit
	}
	// Requests block on the server reply, keep them off the main loop.
	go ui.execute(input)
	return nil
}

func (ui *UI) execute(input string) {
	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultRequestTimeout)
	defer cancel()

	roomID := ui.room.RoomID()
	if !strings.HasPrefix(input, "/") {
		if roomID == "" {
			ui.setNotice("join a room first, /help for commands")
			return
		}
		if _, err := ui.client.SendMessage(ctx, ui.names, roomID, input, nil); err != nil {
			ui.setNotice("send: %v", err)
		}
		return
	}

	args := strings.Fields(input)
	var err error
	switch args[0] {
	case "/help":
		ui.gui.Update(func(*gocui.Gui) error {
			ui.showHelp = !ui.showHelp
			return nil
		})
	case "/rooms":
		ui.refreshRooms()
	case "/create":
		if len(args) < 2 {
			ui.setNotice("usage: /create <name> [capacity] [password]")
			return
		}
		payload := proto.CreateRoomPayload{Name: args[1]}
		if len(args) > 2 {
			if payload.MaxUsers, err = strconv.Atoi(args[2]); err != nil {
				ui.setNotice("capacity must be a number")
				return
			}
		}
		if len(args) > 3 {
			payload.Password = args[3]
		}
		var room core.Room
		if room, err = ui.client.CreateRoom(ctx, ui.names, payload); err == nil {
			ui.setNotice("created %s (%s)", room.Name, room.ID)
			go ui.refreshRooms()
		}
	case "/join":
		if len(args) < 2 {
			ui.setNotice("usage: /join <room id> [password]")
			return
		}
		password := ""
		if len(args) > 2 {
			password = args[2]
		}
		if _, err = ui.client.JoinRoom(ctx, ui.names, args[1], password); err == nil {
			ui.setNotice("joined %s", ui.room.Name())
		}
	case "/leave":
		if roomID == "" {
			ui.setNotice("not in a room")
			return
		}
		if err = ui.client.LeaveRoom(ctx, ui.names, roomID); err == nil {
			ui.setNotice("left the room")
		}
	case "/delete":
		if len(args) < 2 {
			ui.setNotice("usage: /delete <room id>")
			return
		}
		if err = ui.client.DeleteRoom(ctx, ui.names, args[1]); err == nil {
			ui.setNotice("deleted %s", args[1])
		}
	case "/ping":
		var rtt time.Duration
		if rtt, err = ui.client.Ping(ctx); err == nil {
			ui.setNotice("pong in %dms", rtt.Milliseconds())
		}
	case "/reconnect":
		if err = ui.client.Connect(ctx); err == nil {
			ui.setNotice("connected")
		}
	default:
		ui.setNotice("unknown command %s, /help for commands", args[0])
		return
	}
	if err != nil {
		ui.setNotice("%s: %v", strings.TrimPrefix(args[0], "/"), err)
	}
}

func (ui *UI) Run() error {
	if err := ui.keybindings(); err != nil {
		return err
	}
	if err := ui.gui.MainLoop(); err != nil && err != gocui.ErrQuit {
		return err
	}
	return nil
}

func (ui *UI) Close() {
	ui.room.Unbind()
	for _, s := range ui.subs {
		s.Unsubscribe()
	}
	ui.gui.Close()
}
