package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	PrincipalID string
	Name        string
}

// AccessChecker resolves handshake credentials and gates mutating events.
// The gateway never caches decisions; every mutating event is re-checked.
type AccessChecker interface {
	Authenticate(ctx context.Context, deckID, token string) (Identity, error)
	CanEditStructure(ctx context.Context, deckID, principalID string) bool
	CanComment(ctx context.Context, deckID, principalID string) bool
}

// CommentView is the server-confirmed shape of a comment, echoed back to
// all room members including the sender.
type CommentView struct {
	ID         string `json:"id"`
	SlideID    string `json:"slideId"`
	Body       string `json:"body"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
}

// EventSink persists the effects of relayed events.
type EventSink interface {
	ApplyCanvasChange(ctx context.Context, deckID, slideID string, actor Identity, canvasData json.RawMessage) error
	AddComment(ctx context.Context, deckID string, actor Identity, slideID, body string) (CommentView, error)
	UpdateComment(ctx context.Context, deckID string, actor Identity, commentID, body string) (CommentView, error)
	DeleteComment(ctx context.Context, deckID string, actor Identity, commentID string) error
}

// Event is the wire format for every message in either direction.
type Event struct {
	Type       string          `json:"type"`
	From       *Presence       `json:"from,omitempty"`
	SlideID    string          `json:"slideId,omitempty"`
	X          float64         `json:"x,omitempty"`
	Y          float64         `json:"y,omitempty"`
	CanvasData json.RawMessage `json:"canvasData,omitempty"`
	CommentID  string          `json:"commentId,omitempty"`
	Body       string          `json:"body,omitempty"`
	Comment    *CommentView    `json:"comment,omitempty"`
	Peers      []Presence      `json:"peers,omitempty"`
}

const (
	EventPresenceJoin  = "presence-join"
	EventPresenceLeave = "presence-leave"
	EventPeerList      = "peer-list"
	EventCursorMove    = "cursor-move"
	EventCanvasChange  = "canvas-change"
	EventCommentAdd    = "comment-add"
	EventCommentUpdate = "comment-update"
	EventCommentDelete = "comment-delete"
	EventEditDenied    = "edit-denied"
)

// sendBuffer bounds per-connection outbound queues. A peer that cannot
// drain this many events is considered slow and loses messages rather
// than blocking the sender's relay loop.
const sendBuffer = 64

type connection struct {
	id       string
	deckID   string
	identity Identity
	ws       *websocket.Conn
	send     chan Event
}

func (c *connection) presence() Presence {
	return Presence{ConnID: c.id, PrincipalID: c.identity.PrincipalID, Name: c.identity.Name}
}

// Gateway relays events between connections in the same deck room.
type Gateway struct {
	registry *Registry
	access   AccessChecker
	sink     EventSink
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*connection
}

func NewGateway(registry *Registry, access AccessChecker, sink EventSink, logger *zap.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		access:   access,
		sink:     sink,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*connection),
	}
}

// ServeWS handles one realtime connection for a deck room. The handshake
// needs a deck ID and a token query parameter; connections missing either
// are refused before the upgrade.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, deckID string) {
	token := r.URL.Query().Get("token")
	if deckID == "" || token == "" {
		g.logger.Info("refusing connection with incomplete handshake", zap.String("deck", deckID))
		http.Error(w, "missing handshake parameters", http.StatusBadRequest)
		return
	}

	identity, err := g.access.Authenticate(r.Context(), deckID, token)
	if err != nil {
		g.logger.Info("refusing unauthenticated connection", zap.String("deck", deckID), zap.Error(err))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &connection{
		id:       uuid.NewString(),
		deckID:   deckID,
		identity: identity,
		ws:       ws,
		send:     make(chan Event, sendBuffer),
	}

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	g.registry.Join(deckID, c.id, c.presence())

	go g.writePump(c)

	g.deliver(c, Event{Type: EventPeerList, Peers: g.registry.Peers(deckID, c.id)})
	g.broadcast(c, Event{Type: EventPresenceJoin, From: ptr(c.presence())}, false)

	g.logger.Info("connection joined",
		zap.String("deck", deckID),
		zap.String("conn", c.id),
		zap.String("principal", identity.PrincipalID))

	g.readLoop(r.Context(), c)
	g.disconnect(c)
}

func (g *Gateway) readLoop(ctx context.Context, c *connection) {
	for {
		var ev Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			return
		}
		g.dispatch(ctx, c, ev)
	}
}

func (g *Gateway) writePump(c *connection) {
	for ev := range c.send {
		if err := c.ws.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (g *Gateway) disconnect(c *connection) {
	g.mu.Lock()
	_, present := g.conns[c.id]
	delete(g.conns, c.id)
	g.mu.Unlock()
	if !present {
		return
	}

	g.registry.Leave(c.id)
	close(c.send)
	_ = c.ws.Close()

	g.broadcast(c, Event{Type: EventPresenceLeave, From: ptr(c.presence())}, false)
	g.logger.Info("connection left", zap.String("deck", c.deckID), zap.String("conn", c.id))
}

// dispatch relays one inbound event. Malformed events are dropped with a
// diagnostic; denied mutations are dropped and logged, and the connection
// stays up either way.
func (g *Gateway) dispatch(ctx context.Context, c *connection, ev Event) {
	switch ev.Type {
	case EventCursorMove:
		if ev.SlideID == "" {
			g.dropMalformed(c, ev)
			return
		}
		g.broadcast(c, Event{Type: EventCursorMove, From: ptr(c.presence()), SlideID: ev.SlideID, X: ev.X, Y: ev.Y}, false)

	case EventCanvasChange:
		if ev.SlideID == "" || len(ev.CanvasData) == 0 {
			g.dropMalformed(c, ev)
			return
		}
		if !g.access.CanEditStructure(ctx, c.deckID, c.identity.PrincipalID) {
			g.logger.Info("dropped denied canvas change",
				zap.String("deck", c.deckID),
				zap.String("principal", c.identity.PrincipalID))
			g.deliver(c, Event{Type: EventEditDenied, SlideID: ev.SlideID})
			return
		}
		if err := g.sink.ApplyCanvasChange(ctx, c.deckID, ev.SlideID, c.identity, ev.CanvasData); err != nil {
			g.logger.Warn("canvas change not applied", zap.String("slide", ev.SlideID), zap.Error(err))
			return
		}
		g.broadcast(c, Event{Type: EventCanvasChange, From: ptr(c.presence()), SlideID: ev.SlideID, CanvasData: ev.CanvasData}, false)

	case EventCommentAdd:
		if ev.SlideID == "" || ev.Body == "" {
			g.dropMalformed(c, ev)
			return
		}
		if !g.access.CanComment(ctx, c.deckID, c.identity.PrincipalID) {
			g.logger.Info("dropped denied comment",
				zap.String("deck", c.deckID),
				zap.String("principal", c.identity.PrincipalID))
			return
		}
		view, err := g.sink.AddComment(ctx, c.deckID, c.identity, ev.SlideID, ev.Body)
		if err != nil {
			g.logger.Warn("comment not added", zap.Error(err))
			return
		}
		g.broadcast(c, Event{Type: EventCommentAdd, From: ptr(c.presence()), Comment: &view}, true)

	case EventCommentUpdate:
		if ev.CommentID == "" || ev.Body == "" {
			g.dropMalformed(c, ev)
			return
		}
		if !g.access.CanComment(ctx, c.deckID, c.identity.PrincipalID) {
			g.logger.Info("dropped denied comment update",
				zap.String("deck", c.deckID),
				zap.String("principal", c.identity.PrincipalID))
			return
		}
		view, err := g.sink.UpdateComment(ctx, c.deckID, c.identity, ev.CommentID, ev.Body)
		if err != nil {
			g.logger.Warn("comment not updated", zap.String("comment", ev.CommentID), zap.Error(err))
			return
		}
		g.broadcast(c, Event{Type: EventCommentUpdate, From: ptr(c.presence()), Comment: &view}, true)

	case EventCommentDelete:
		if ev.CommentID == "" {
			g.dropMalformed(c, ev)
			return
		}
		if !g.access.CanComment(ctx, c.deckID, c.identity.PrincipalID) {
			g.logger.Info("dropped denied comment delete",
				zap.String("deck", c.deckID),
				zap.String("principal", c.identity.PrincipalID))
			return
		}
		if err := g.sink.DeleteComment(ctx, c.deckID, c.identity, ev.CommentID); err != nil {
			g.logger.Warn("comment not deleted", zap.String("comment", ev.CommentID), zap.Error(err))
			return
		}
		g.broadcast(c, Event{Type: EventCommentDelete, From: ptr(c.presence()), CommentID: ev.CommentID}, true)

	default:
		g.dropMalformed(c, ev)
	}
}

func (g *Gateway) dropMalformed(c *connection, ev Event) {
	g.logger.Debug("dropped malformed event",
		zap.String("deck", c.deckID),
		zap.String("conn", c.id),
		zap.String("type", ev.Type))
}

// broadcast relays an event to the sender's room. Events from one
// connection reach each peer in the order they were dispatched because
// delivery goes through the peer's single ordered send channel.
func (g *Gateway) broadcast(sender *connection, ev Event, includeSender bool) {
	g.mu.Lock()
	targets := make([]*connection, 0)
	for _, c := range g.conns {
		if c.deckID != sender.deckID {
			continue
		}
		if c.id == sender.id && !includeSender {
			continue
		}
		targets = append(targets, c)
	}
	g.mu.Unlock()

	for _, c := range targets {
		g.deliver(c, ev)
	}
}

func (g *Gateway) deliver(c *connection, ev Event) {
	g.mu.Lock()
	_, open := g.conns[c.id]
	if open {
		select {
		case c.send <- ev:
		default:
			g.logger.Warn("dropping event for slow connection", zap.String("conn", c.id))
		}
	}
	g.mu.Unlock()
}

func ptr(p Presence) *Presence {
	return &p
}
