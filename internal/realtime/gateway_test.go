package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeAccess struct {
	identities map[string]Identity // token -> identity
	editors    map[string]bool     // principalID -> may edit
	commenters map[string]bool     // principalID -> may comment
}

func (f *fakeAccess) Authenticate(ctx context.Context, deckID, token string) (Identity, error) {
	id, ok := f.identities[token]
	if !ok {
		return Identity{}, errors.New("unknown token")
	}
	return id, nil
}

func (f *fakeAccess) CanEditStructure(ctx context.Context, deckID, principalID string) bool {
	return f.editors[principalID]
}

func (f *fakeAccess) CanComment(ctx context.Context, deckID, principalID string) bool {
	return f.commenters[principalID]
}

type fakeSink struct {
	mu            sync.Mutex
	canvasChanges []string // slide IDs
	comments      int
}

func (f *fakeSink) ApplyCanvasChange(ctx context.Context, deckID, slideID string, actor Identity, canvasData json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canvasChanges = append(f.canvasChanges, slideID)
	return nil
}

func (f *fakeSink) AddComment(ctx context.Context, deckID string, actor Identity, slideID, body string) (CommentView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments++
	return CommentView{ID: "cm-server-1", SlideID: slideID, Body: body, AuthorID: actor.PrincipalID, AuthorName: actor.Name}, nil
}

func (f *fakeSink) UpdateComment(ctx context.Context, deckID string, actor Identity, commentID, body string) (CommentView, error) {
	return CommentView{ID: commentID, Body: body, AuthorID: actor.PrincipalID, AuthorName: actor.Name}, nil
}

func (f *fakeSink) DeleteComment(ctx context.Context, deckID string, actor Identity, commentID string) error {
	return nil
}

func newTestGateway() (*Gateway, *fakeSink) {
	return newTestGatewayWithLogger(zap.NewNop())
}

func newTestGatewayWithLogger(logger *zap.Logger) (*Gateway, *fakeSink) {
	access := &fakeAccess{
		identities: map[string]Identity{
			"tok-alice": {PrincipalID: "alice", Name: "Alice"},
			"tok-bob":   {PrincipalID: "bob", Name: "Bob"},
			"tok-carol": {PrincipalID: "carol", Name: "Carol"},
		},
		editors:    map[string]bool{"alice": true, "bob": true},
		commenters: map[string]bool{"alice": true, "bob": true, "carol": false},
	}
	sink := &fakeSink{}
	return NewGateway(NewRegistry(), access, sink, logger), sink
}

func newTestServer(t *testing.T, g *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.ServeWS(w, r, "deck-1")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event failed: %v", err)
	}
	return ev
}

func TestHandshakeRefusedWithoutToken(t *testing.T) {
	g, _ := newTestGateway()
	srv := newTestServer(t, g)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("expected handshake without token to be refused")
	}
}

func TestHandshakeRefusedForUnknownToken(t *testing.T) {
	g, _ := newTestGateway()
	srv := newTestServer(t, g)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=tok-nobody"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("expected handshake with unknown token to be refused")
	}
}

func TestPeerListAndPresenceJoin(t *testing.T) {
	g, _ := newTestGateway()
	srv := newTestServer(t, g)

	alice := dial(t, srv, "tok-alice")
	ev := readEvent(t, alice)
	if ev.Type != EventPeerList || len(ev.Peers) != 0 {
		t.Fatalf("first event = %+v, want empty peer-list", ev)
	}

	bob := dial(t, srv, "tok-bob")
	ev = readEvent(t, bob)
	if ev.Type != EventPeerList || len(ev.Peers) != 1 || ev.Peers[0].PrincipalID != "alice" {
		t.Fatalf("bob's peer-list = %+v, want alice", ev)
	}

	ev = readEvent(t, alice)
	if ev.Type != EventPresenceJoin || ev.From == nil || ev.From.PrincipalID != "bob" {
		t.Fatalf("alice's event = %+v, want presence-join from bob", ev)
	}
}

func TestPresenceLeaveOnDisconnect(t *testing.T) {
	g, _ := newTestGateway()
	srv := newTestServer(t, g)

	alice := dial(t, srv, "tok-alice")
	readEvent(t, alice) // peer-list

	bob := dial(t, srv, "tok-bob")
	readEvent(t, bob)   // peer-list
	readEvent(t, alice) // presence-join

	bob.Close()

	ev := readEvent(t, alice)
	if ev.Type != EventPresenceLeave || ev.From == nil || ev.From.PrincipalID != "bob" {
		t.Fatalf("alice's event = %+v, want presence-leave from bob", ev)
	}

	deadline := time.Now().Add(2 * time.Second)
	for g.registry.RoomCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := g.registry.RoomCount(); got != 1 {
		t.Fatalf("RoomCount() = %d, want 1", got)
	}
}

func TestCanvasChangeRelayedForEditor(t *testing.T) {
	g, sink := newTestGateway()
	srv := newTestServer(t, g)

	alice := dial(t, srv, "tok-alice")
	readEvent(t, alice)

	bob := dial(t, srv, "tok-bob")
	readEvent(t, bob)
	readEvent(t, alice)

	err := alice.WriteJSON(Event{Type: EventCanvasChange, SlideID: "sl-1", CanvasData: json.RawMessage(`{"background":"#000"}`)})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ev := readEvent(t, bob)
	if ev.Type != EventCanvasChange || ev.SlideID != "sl-1" || ev.From.PrincipalID != "alice" {
		t.Fatalf("bob's event = %+v, want canvas-change from alice", ev)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.canvasChanges) != 1 || sink.canvasChanges[0] != "sl-1" {
		t.Fatalf("sink canvas changes = %v", sink.canvasChanges)
	}
}

func TestViewerCanvasChangeDropped(t *testing.T) {
	g, sink := newTestGateway()
	srv := newTestServer(t, g)

	alice := dial(t, srv, "tok-alice")
	readEvent(t, alice)

	carol := dial(t, srv, "tok-carol")
	readEvent(t, carol)
	readEvent(t, alice)

	err := carol.WriteJSON(Event{Type: EventCanvasChange, SlideID: "sl-1", CanvasData: json.RawMessage(`{"background":"#000"}`)})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Carol is warned and the change is not persisted.
	ev := readEvent(t, carol)
	if ev.Type != EventEditDenied {
		t.Fatalf("carol's event = %+v, want edit-denied", ev)
	}

	// Per-sender ordering: if the denied change had been relayed, Alice
	// would see it before this cursor-move.
	if err := carol.WriteJSON(Event{Type: EventCursorMove, SlideID: "sl-1", X: 5}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	ev = readEvent(t, alice)
	if ev.Type != EventCursorMove {
		t.Fatalf("alice's first event = %+v, want cursor-move (canvas-change must be dropped)", ev)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.canvasChanges) != 0 {
		t.Fatalf("denied change reached the sink: %v", sink.canvasChanges)
	}
}

func TestCursorMoveRelayedWithoutAccessCheck(t *testing.T) {
	g, _ := newTestGateway()
	srv := newTestServer(t, g)

	alice := dial(t, srv, "tok-alice")
	readEvent(t, alice)

	carol := dial(t, srv, "tok-carol")
	readEvent(t, carol)
	readEvent(t, alice)

	if err := carol.WriteJSON(Event{Type: EventCursorMove, SlideID: "sl-1", X: 10, Y: 20}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ev := readEvent(t, alice)
	if ev.Type != EventCursorMove || ev.X != 10 || ev.Y != 20 || ev.From.PrincipalID != "carol" {
		t.Fatalf("alice's event = %+v, want cursor-move from carol", ev)
	}
}

func TestCommentBroadcastIncludesSender(t *testing.T) {
	g, _ := newTestGateway()
	srv := newTestServer(t, g)

	alice := dial(t, srv, "tok-alice")
	readEvent(t, alice)

	bob := dial(t, srv, "tok-bob")
	readEvent(t, bob)
	readEvent(t, alice)

	if err := bob.WriteJSON(Event{Type: EventCommentAdd, SlideID: "sl-1", Body: "Looks good"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Sender gets the server-confirmed shape with the generated ID.
	ev := readEvent(t, bob)
	if ev.Type != EventCommentAdd || ev.Comment == nil || ev.Comment.ID != "cm-server-1" {
		t.Fatalf("bob's echo = %+v, want comment with server ID", ev)
	}

	ev = readEvent(t, alice)
	if ev.Type != EventCommentAdd || ev.Comment == nil || ev.Comment.Body != "Looks good" {
		t.Fatalf("alice's event = %+v, want relayed comment", ev)
	}
}

func TestDeniedCommentMutationsDroppedAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	g, sink := newTestGatewayWithLogger(zap.New(core))
	srv := newTestServer(t, g)

	alice := dial(t, srv, "tok-alice")
	readEvent(t, alice)

	carol := dial(t, srv, "tok-carol")
	readEvent(t, carol)
	readEvent(t, alice)

	if err := carol.WriteJSON(Event{Type: EventCommentUpdate, CommentID: "cm-1", Body: "edited"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := carol.WriteJSON(Event{Type: EventCommentDelete, CommentID: "cm-1"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := carol.WriteJSON(Event{Type: EventCursorMove, SlideID: "sl-1", X: 3}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Per-sender ordering: the first event Alice sees must be the
	// cursor-move, proving both denied mutations were dropped.
	ev := readEvent(t, alice)
	if ev.Type != EventCursorMove {
		t.Fatalf("alice's first event = %+v, want cursor-move", ev)
	}

	// Each denied mutation leaves a log line naming the principal.
	if n := logs.FilterMessage("dropped denied comment update").Len(); n != 1 {
		t.Fatalf("comment-update denial log lines = %d, want 1", n)
	}
	if n := logs.FilterMessage("dropped denied comment delete").Len(); n != 1 {
		t.Fatalf("comment-delete denial log lines = %d, want 1", n)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.comments != 0 {
		t.Fatalf("denied mutation reached the sink: %d comments", sink.comments)
	}
}

func TestMalformedEventDropped(t *testing.T) {
	g, _ := newTestGateway()
	srv := newTestServer(t, g)

	alice := dial(t, srv, "tok-alice")
	readEvent(t, alice)

	bob := dial(t, srv, "tok-bob")
	readEvent(t, bob)
	readEvent(t, alice)

	// canvas-change without slide ID must not relay or kill the connection.
	if err := bob.WriteJSON(Event{Type: EventCanvasChange, CanvasData: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := bob.WriteJSON(Event{Type: EventCursorMove, SlideID: "sl-1", X: 1}); err != nil {
		t.Fatalf("write after malformed event failed: %v", err)
	}

	// Per-sender ordering: the first event Alice sees must be the valid
	// cursor-move, proving the malformed event was dropped.
	ev := readEvent(t, alice)
	if ev.Type != EventCursorMove {
		t.Fatalf("alice's event = %+v, want cursor-move", ev)
	}
}
