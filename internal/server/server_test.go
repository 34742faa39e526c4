package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/store"
	"github.com/joltapp/jolt-sync/internal/transport"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// setupServer starts a server on a random port backed by a fresh store
// holding one account with token "tok-ada".
func setupServer(t *testing.T, storeOpts store.Options, config Config) (*Server, *store.Store, model.User) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "server.db"), storeOpts)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	u, err := st.CreateUser(ctx, model.User{Email: "ada@example.com", DisplayName: "Ada"}, "tok-ada")
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}

	config.Store = st
	if config.Addr == "" {
		config.Addr = "127.0.0.1:0"
	}
	if config.WakeInterval == 0 {
		config.WakeInterval = -1
	}
	if config.Logger == nil {
		config.Logger = quietLogger()
	}
	s, err := New(config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop() failed: %v", err)
		}
		st.Close()
	})
	return s, st, u
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// hello dials the server and sends a hello frame, returning the server's
// first frame.
func hello(t *testing.T, s *Server, token, deviceID, version string) (*websocket.Conn, transport.Frame) {
	t.Helper()
	ctx := testCtx(t)
	conn, _, err := websocket.Dial(ctx, s.URL(), nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	send(t, conn, transport.Frame{Type: transport.FrameHello, Token: token, DeviceID: deviceID, Version: version})
	return conn, read(t, conn)
}

// connect performs a successful handshake.
func connect(t *testing.T, s *Server, token, deviceID string) *websocket.Conn {
	t.Helper()
	conn, welcome := hello(t, s, token, deviceID, transport.ProtocolVersion)
	if welcome.Error != nil {
		t.Fatalf("handshake rejected: %+v", welcome.Error)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f transport.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}
	if err := conn.Write(testCtx(t), websocket.MessageText, data); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) transport.Frame {
	t.Helper()
	_, data, err := conn.Read(testCtx(t))
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	var f transport.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("Failed to unmarshal frame: %v", err)
	}
	return f
}

// request sends a request frame and returns its response, skipping events.
func request(t *testing.T, conn *websocket.Conn, id string, op transport.Operation, vars any) transport.Frame {
	t.Helper()
	raw, _ := json.Marshal(vars)
	send(t, conn, transport.Frame{Type: transport.FrameRequest, ID: id, Op: op, Vars: raw})
	for {
		f := read(t, conn)
		if f.Type == transport.FrameResponse {
			if f.ID != id {
				t.Fatalf("response id = %q, want %q", f.ID, id)
			}
			return f
		}
	}
}

func TestServerStartStop(t *testing.T) {
	s, _, _ := setupServer(t, store.Options{}, Config{})
	if s.Addr() == "127.0.0.1:0" {
		t.Errorf("Addr() = %q, want the bound port", s.Addr())
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without a store succeeded")
	}
}

func TestHandshakeWelcome(t *testing.T) {
	s, _, u := setupServer(t, store.Options{}, Config{})
	_, welcome := hello(t, s, "tok-ada", "dev-1", transport.ProtocolVersion)

	if welcome.Type != transport.FrameWelcome || welcome.Error != nil {
		t.Fatalf("welcome = %+v", welcome)
	}
	if welcome.Version != transport.ProtocolVersion {
		t.Errorf("Version = %q, want %q", welcome.Version, transport.ProtocolVersion)
	}
	if welcome.User == nil || *welcome.User != u {
		t.Errorf("User = %+v, want %+v", welcome.User, u)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if count := s.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestHandshakeRejections(t *testing.T) {
	s, _, _ := setupServer(t, store.Options{}, Config{})

	tests := []struct {
		name    string
		token   string
		version string
		want    error
	}{
		{"unknown token", "nope", transport.ProtocolVersion, transport.ErrUnauthorized},
		{"no token", "", transport.ProtocolVersion, transport.ErrUnauthorized},
		{"major version mismatch", "tok-ada", "v2.0.0", transport.ErrProtocol},
		{"invalid version", "tok-ada", "latest", transport.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, f := hello(t, s, tt.token, "dev", tt.version)
			if f.Error == nil {
				t.Fatalf("handshake accepted: %+v", f)
			}
			if err := f.Error.Err(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHandshakeHeaderTokenRejectedBeforeUpgrade(t *testing.T) {
	s, _, _ := setupServer(t, store.Options{}, Config{})
	header := http.Header{}
	header.Set("Authorization", "Bearer nope")

	_, resp, err := websocket.Dial(testCtx(t), s.URL(), &websocket.DialOptions{HTTPHeader: header})
	if err == nil {
		t.Fatal("Dial() with a bad bearer token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestRequestCreateAndQuery(t *testing.T) {
	s, _, _ := setupServer(t, store.Options{}, Config{})
	conn := connect(t, s, "tok-ada", "dev-1")

	resp := request(t, conn, "1", transport.OpCreateReminder, model.CreateReminderInput{
		MutationID: "m1", LocalID: "l1", Title: "Buy milk",
	})
	if resp.Error != nil {
		t.Fatalf("create failed: %+v", resp.Error)
	}
	var created model.Reminder
	if err := json.Unmarshal(resp.Data, &created); err != nil {
		t.Fatalf("Failed to decode reminder: %v", err)
	}
	if created.Version != 1 || created.Title != "Buy milk" {
		t.Errorf("created = %+v", created)
	}

	resp = request(t, conn, "2", transport.OpReminders, struct{}{})
	var all []model.Reminder
	if err := json.Unmarshal(resp.Data, &all); err != nil {
		t.Fatalf("Failed to decode reminders: %v", err)
	}
	if len(all) != 1 || all[0].ID != created.ID {
		t.Errorf("reminders = %+v", all)
	}

	resp = request(t, conn, "3", transport.OpCurrentUser, struct{}{})
	var u model.User
	if err := json.Unmarshal(resp.Data, &u); err != nil || u.Email != "ada@example.com" {
		t.Errorf("me = %+v (%v)", u, err)
	}
}

func TestRequestErrorsTravelClassified(t *testing.T) {
	s, _, _ := setupServer(t, store.Options{}, Config{})
	conn := connect(t, s, "tok-ada", "dev-1")

	resp := request(t, conn, "1", transport.OpCreateReminder, model.CreateReminderInput{MutationID: "m1", LocalID: "l1", Title: "x"})
	var r model.Reminder
	_ = json.Unmarshal(resp.Data, &r)
	request(t, conn, "2", transport.OpUpdateReminder, model.UpdateReminderInput{
		MutationID: "m2", ID: r.ID, ExpectedVersion: 1, Patch: model.ReminderPatch{Title: model.StringPtr("y")},
	})

	resp = request(t, conn, "3", transport.OpUpdateReminder, model.UpdateReminderInput{
		MutationID: "m3", ID: r.ID, ExpectedVersion: 1, Patch: model.ReminderPatch{Title: model.StringPtr("z")},
	})
	var conflict *transport.ConflictError
	if err := resp.Error.Err(); !errors.As(err, &conflict) {
		t.Fatalf("stale update: err = %v, want ConflictError", err)
	}
	if conflict.ServerVersion != 2 || conflict.LocalVersion != 1 {
		t.Errorf("conflict = %+v", conflict)
	}

	resp = request(t, conn, "4", transport.Operation("explode"), struct{}{})
	if err := resp.Error.Err(); !errors.Is(err, transport.ErrInvalidInput) {
		t.Errorf("unknown op: err = %v, want ErrInvalidInput", err)
	}

	resp = request(t, conn, "5", transport.OpDeleteReminder, model.ReminderRef{MutationID: "m5", ID: "missing"})
	if err := resp.Error.Err(); !errors.Is(err, transport.ErrNotFound) {
		t.Errorf("missing delete: err = %v, want ErrNotFound", err)
	}
}

func TestBroadcastReachesSubscribedConnectionsOfTheAccount(t *testing.T) {
	s, st, _ := setupServer(t, store.Options{}, Config{})
	if _, err := st.CreateUser(context.Background(), model.User{Email: "eve@example.com"}, "tok-eve"); err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}

	listener := connect(t, s, "tok-ada", "dev-a")
	writer := connect(t, s, "tok-ada", "dev-b")
	other := connect(t, s, "tok-eve", "dev-c")
	send(t, listener, transport.Frame{Type: transport.FrameSubscribe, Topics: []transport.Topic{transport.TopicReminders}})
	send(t, other, transport.Frame{Type: transport.FrameSubscribe, Topics: []transport.Topic{transport.TopicReminders}})
	// Subscriptions are applied in arrival order, so a round trip on each
	// connection guarantees they are registered.
	request(t, listener, "sync", transport.OpCurrentUser, struct{}{})
	request(t, other, "sync", transport.OpCurrentUser, struct{}{})

	resp := request(t, writer, "1", transport.OpCreateReminder, model.CreateReminderInput{MutationID: "m1", LocalID: "l1", Title: "Shared"})
	if resp.Error != nil {
		t.Fatalf("create failed: %+v", resp.Error)
	}

	f := read(t, listener)
	if f.Type != transport.FrameEvent || f.Event == nil {
		t.Fatalf("listener got %+v, want an event", f)
	}
	if f.Event.Topic != transport.TopicReminders || f.Event.Action != transport.ActionCreated || f.Event.Origin != "dev-b" {
		t.Errorf("event = %+v", f.Event)
	}
	var r model.Reminder
	if ok, err := f.Event.DecodeEntity(&r); !ok || err != nil || r.Title != "Shared" {
		t.Errorf("entity = %+v (%v, %v)", r, ok, err)
	}

	// The other account's first event must be its own write.
	request(t, other, "1", transport.OpCreateReminder, model.CreateReminderInput{MutationID: "m-eve", LocalID: "le", Title: "Eve's"})
	f = read(t, other)
	if f.Event == nil || f.Event.Origin != "dev-c" {
		t.Errorf("other account got %+v, want only its own event", f.Event)
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	s, _, _ := setupServer(t, store.Options{}, Config{})
	conn := connect(t, s, "tok-ada", "dev-a")

	send(t, conn, transport.Frame{Type: transport.FrameSubscribe, Topics: []transport.Topic{transport.TopicReminders, transport.TopicLists}})
	send(t, conn, transport.Frame{Type: transport.FrameUnsubscribe, Topics: []transport.Topic{transport.TopicReminders}})
	request(t, conn, "1", transport.OpCreateReminder, model.CreateReminderInput{MutationID: "m1", LocalID: "l1", Title: "quiet"})
	request(t, conn, "2", transport.OpCreateList, model.CreateListInput{MutationID: "m2", LocalID: "list", Name: "Loud"})

	f := read(t, conn)
	if f.Event == nil || f.Event.Topic != transport.TopicLists {
		t.Errorf("first event = %+v, want the list event", f.Event)
	}
}

func TestDeleteListAnnouncesMovedReminders(t *testing.T) {
	s, _, _ := setupServer(t, store.Options{}, Config{})
	conn := connect(t, s, "tok-ada", "dev-a")
	send(t, conn, transport.Frame{Type: transport.FrameSubscribe, Topics: []transport.Topic{transport.TopicReminders, transport.TopicLists}})

	resp := request(t, conn, "1", transport.OpCreateList, model.CreateListInput{MutationID: "m1", LocalID: "w", Name: "Work"})
	var l model.ReminderList
	_ = json.Unmarshal(resp.Data, &l)
	request(t, conn, "2", transport.OpCreateReminder, model.CreateReminderInput{MutationID: "m2", LocalID: "r", Title: "Report", ListID: &l.ID})

	resp = request(t, conn, "3", transport.OpDeleteList, model.DeleteListInput{MutationID: "m3", ID: l.ID})
	var d model.DeletedEntity
	if err := json.Unmarshal(resp.Data, &d); err != nil || d.ID != l.ID {
		t.Fatalf("delete response = %s (%v)", resp.Data, err)
	}

	var sawListDelete, sawMove bool
	deadline := time.Now().Add(2 * time.Second)
	for !(sawListDelete && sawMove) && time.Now().Before(deadline) {
		f := read(t, conn)
		if f.Event == nil {
			continue
		}
		switch {
		case f.Event.Topic == transport.TopicLists && f.Event.Action == transport.ActionDeleted:
			sawListDelete = true
		case f.Event.Topic == transport.TopicReminders && f.Event.Action == transport.ActionUpdated:
			sawMove = true
		}
	}
	if !sawListDelete || !sawMove {
		t.Errorf("list delete event %v, moved reminder event %v", sawListDelete, sawMove)
	}
}

func TestWakeLoopAnnouncesExpiredSnoozes(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s, _, _ := setupServer(t, store.Options{Now: clock}, Config{WakeInterval: 10 * time.Millisecond})
	conn := connect(t, s, "tok-ada", "dev-a")

	resp := request(t, conn, "1", transport.OpCreateReminder, model.CreateReminderInput{MutationID: "m1", LocalID: "l1", Title: "Later"})
	var r model.Reminder
	_ = json.Unmarshal(resp.Data, &r)
	resp = request(t, conn, "2", transport.OpSnoozeReminder, model.SnoozeReminderInput{MutationID: "m2", ID: r.ID, Minutes: 5})
	if resp.Error != nil {
		t.Fatalf("snooze failed: %+v", resp.Error)
	}
	send(t, conn, transport.Frame{Type: transport.FrameSubscribe, Topics: []transport.Topic{transport.TopicReminders}})
	request(t, conn, "sync", transport.OpCurrentUser, struct{}{})

	mu.Lock()
	now = now.Add(10 * time.Minute)
	mu.Unlock()

	f := read(t, conn)
	if f.Event == nil || f.Event.EntityID != r.ID || f.Event.Origin != "" {
		t.Fatalf("event = %+v, want a server-originated update of %s", f.Event, r.ID)
	}
	var woken model.Reminder
	if _, err := f.Event.DecodeEntity(&woken); err != nil || woken.Status != model.StatusActive {
		t.Errorf("woken = %+v (%v)", woken, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := setupServer(t, store.Options{}, Config{})
	connect(t, s, "tok-ada", "dev-a")

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status   string `json:"status"`
		Clients  int    `json:"clients"`
		Protocol string `json:"protocol"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body.Status != "ok" || body.Protocol != transport.ProtocolVersion {
		t.Errorf("health = %+v", body)
	}
}
